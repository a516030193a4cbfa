// ============================================================================
// Procsim Process - Process Control Block and Lifecycle State Machine
// ============================================================================
//
// Package: internal/process
// File: process.go
// Purpose: The process control block (PCB) owned by the scheduler, and the
//          only place where a process changes state.
//
// State Machine:
//   Ready
//     ↓ Dispatch()
//   Running ──Preempt()──→ Ready
//     │ ├──Block()──────→ Waiting ──Unblock()──→ Ready
//     │ └──Finish()─────→ Terminated
//     └ any non-terminated ──ForceTerminate()──→ Terminated
//
// Transition Rules:
//   - Terminated is absorbing: every transition out of it is rejected
//   - Finish() requires remaining time to be zero
//   - ForceTerminate() ignores remaining time
//   - Final statistics are computed exactly once, on the first transition
//     into Terminated
//
// ============================================================================

package process

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a transition is not allowed from the
// current state.
var ErrInvalidTransition = errors.New("invalid process state transition")

// PID is the process identity. Allocated by an Allocator, never reused.
type PID int64

// State is the lifecycle state of a process.
type State int

const (
	Ready State = iota
	Running
	Waiting
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Waiting:
		return "Waiting"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to State) bool {
	switch from {
	case Ready:
		return to == Running || to == Waiting || to == Terminated
	case Running:
		return to == Ready || to == Waiting || to == Terminated
	case Waiting:
		return to == Ready || to == Terminated
	case Terminated:
		return false
	default:
		return false
	}
}

// Ref is a weak reference to a process: identity plus display name. The
// ledger, the mutex and the shared buffer hold Refs, never *Process.
type Ref struct {
	PID  PID
	Name string
}

func (r Ref) String() string {
	return fmt.Sprintf("P%d(%s)", r.PID, r.Name)
}

// Process is the process control block.
type Process struct {
	PID            PID
	Name           string
	BurstTime      int64 // total CPU time required
	RemainingTime  int64
	Priority       int // 1..10, lower is more urgent
	MemoryRequired int // MB
	AssignedMemory int // MB currently reserved in the ledger

	state State

	// Simulated-clock timestamps (ms).
	ArrivalTime int64
	StartTime   *int64 // first dispatch
	FinishTime  *int64

	// Final statistics, set once on termination.
	WaitingTime    int64
	TurnaroundTime int64
	ResponseTime   *int64
}

// New builds a Ready process. The caller supplies the PID from the
// session's Allocator.
func New(pid PID, name string, burst int64, priority, memory int) *Process {
	return &Process{
		PID:            pid,
		Name:           name,
		BurstTime:      burst,
		RemainingTime:  burst,
		Priority:       priority,
		MemoryRequired: memory,
		state:          Ready,
	}
}

// State returns the current lifecycle state.
func (p *Process) State() State { return p.state }

// Ref returns the weak reference of p.
func (p *Process) Ref() Ref { return Ref{PID: p.PID, Name: p.Name} }

func (p *Process) String() string { return p.Ref().String() }

// Progress returns completed work as a percentage of the burst time.
func (p *Process) Progress() float64 {
	if p.BurstTime == 0 {
		return 100.0
	}
	return float64(p.BurstTime-p.RemainingTime) / float64(p.BurstTime) * 100
}

func (p *Process) transition(to State) error {
	if !CanTransition(p.state, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, p, p.state, to)
	}
	p.state = to
	return nil
}

// Admit resets the arrival time and puts the process in Ready. Only valid
// for a process that has never left Ready.
func (p *Process) Admit(now int64) error {
	if p.state != Ready || p.StartTime != nil {
		return fmt.Errorf("%w: %s cannot be admitted from %s", ErrInvalidTransition, p, p.state)
	}
	p.ArrivalTime = now
	return nil
}

// Dispatch moves Ready → Running and records the first dispatch.
func (p *Process) Dispatch(now int64) error {
	if p.state != Ready {
		return fmt.Errorf("%w: %s dispatch from %s", ErrInvalidTransition, p, p.state)
	}
	if err := p.transition(Running); err != nil {
		return err
	}
	if p.StartTime == nil {
		start := now
		response := now - p.ArrivalTime
		p.StartTime = &start
		p.ResponseTime = &response
	}
	return nil
}

// Preempt moves Running → Ready at a quantum boundary.
func (p *Process) Preempt() error {
	if p.state != Running {
		return fmt.Errorf("%w: %s preempt from %s", ErrInvalidTransition, p, p.state)
	}
	return p.transition(Ready)
}

// Block moves Running or Ready → Waiting.
func (p *Process) Block() error {
	if p.state != Running && p.state != Ready {
		return fmt.Errorf("%w: %s block from %s", ErrInvalidTransition, p, p.state)
	}
	return p.transition(Waiting)
}

// Unblock moves Waiting → Ready.
func (p *Process) Unblock() error {
	if p.state != Waiting {
		return fmt.Errorf("%w: %s unblock from %s", ErrInvalidTransition, p, p.state)
	}
	return p.transition(Ready)
}

// Run consumes up to slice units of CPU time and returns the amount used.
// Remaining time never goes below zero.
func (p *Process) Run(slice int64) (int64, error) {
	if p.state != Running {
		return 0, fmt.Errorf("%w: %s run while %s", ErrInvalidTransition, p, p.state)
	}
	used := min(slice, p.RemainingTime)
	if used < 0 {
		used = 0
	}
	p.RemainingTime -= used
	return used, nil
}

// Finish moves Running → Terminated after the work is exhausted.
func (p *Process) Finish(now int64) error {
	if p.state != Running || p.RemainingTime != 0 {
		return fmt.Errorf("%w: %s finish with %d remaining", ErrInvalidTransition, p, p.RemainingTime)
	}
	if err := p.transition(Terminated); err != nil {
		return err
	}
	p.finalize(now)
	return nil
}

// ForceTerminate moves any non-terminated state to Terminated regardless of
// remaining work.
func (p *Process) ForceTerminate(now int64) error {
	if err := p.transition(Terminated); err != nil {
		return err
	}
	p.finalize(now)
	return nil
}

func (p *Process) finalize(now int64) {
	if p.FinishTime != nil {
		return
	}
	finish := now
	p.FinishTime = &finish
	p.TurnaroundTime = finish - p.ArrivalTime
	p.WaitingTime = p.TurnaroundTime - p.BurstTime
	if p.ResponseTime == nil && p.StartTime != nil {
		response := *p.StartTime - p.ArrivalTime
		p.ResponseTime = &response
	}
}
