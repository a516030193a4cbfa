// ============================================================================
// Procsim Scheduler - Single-CPU Queue Discipline
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Purpose: Own every admitted process and move it between queues.
//
// Data Structures:
//   index map[PID]*Process  - every admitted process, single source of truth
//   ready []*Process        - ordered by the active Policy, stable on ties
//   running *Process        - at most one
//   waiting []*Process      - membership only
//   terminated []*Process   - append-only history
//
//   A process identity is in exactly one of running/ready/waiting/terminated.
//
// Lookup Misses:
//   Block, unblock and terminate on an identity that is not in the expected
//   queue do nothing and return false. Stale requests are normal here.
//
// Clock:
//   Simulated milliseconds. Only ExecuteCurrent and RunToCompletion advance
//   it; ExecuteCurrent always advances by the full slice.
//
// ============================================================================

package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/procsim/internal/eventlog"
	"github.com/ChuLiYu/procsim/internal/process"
	"github.com/ChuLiYu/procsim/pkg/types"
)

const source = "Scheduler"

// ErrDuplicateProcess is returned when a pid is admitted twice.
var ErrDuplicateProcess = errors.New("process already admitted")

// Scheduler is the single-CPU scheduler.
type Scheduler struct {
	mu     sync.RWMutex
	policy Policy

	index      map[process.PID]*process.Process
	ready      []*process.Process
	running    *process.Process
	waiting    []*process.Process
	terminated []*process.Process

	clock           atomic.Int64 // read lock-free by the event log
	contextSwitches int
	totalAdmitted   int
	forced          int
	blocks          int

	events eventlog.Recorder
}

// New creates an empty scheduler.
func New(policy Policy, events eventlog.Recorder) *Scheduler {
	if events == nil {
		events = eventlog.Discard
	}
	return &Scheduler{
		policy: policy,
		index:  make(map[process.PID]*process.Process),
		ready:  make([]*process.Process, 0),
		events: events,
	}
}

// Policy returns the active ordering policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// Now returns the simulated clock.
func (s *Scheduler) Now() int64 {
	return s.clock.Load()
}

// AddProcess stamps the arrival time and puts p in the ready queue.
func (s *Scheduler) AddProcess(p *process.Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[p.PID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProcess, p)
	}
	if err := p.Admit(s.clock.Load()); err != nil {
		return err
	}

	s.index[p.PID] = p
	s.ready = append(s.ready, p)
	s.totalAdmitted++
	s.policy.sort(s.ready)

	s.events.Record(source, eventlog.Info, "admitted %s (burst=%d, priority=%d, memory=%dMB)",
		p, p.BurstTime, p.Priority, p.MemoryRequired)
	return nil
}

// Schedule returns the running process, dispatching the head of the ready
// queue if the CPU is idle. Nil when there is nothing to run.
func (s *Scheduler) Schedule() *process.Process {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running != nil {
		return s.running
	}
	if len(s.ready) == 0 {
		return nil
	}

	p := s.ready[0]
	s.ready = s.ready[1:]
	if err := p.Dispatch(s.clock.Load()); err != nil {
		// unreachable while ready only holds Ready processes
		s.events.Record(source, eventlog.Error, "dispatch %s: %v", p, err)
		return nil
	}
	s.running = p
	s.contextSwitches++

	s.events.Record(source, eventlog.Info, "dispatched %s (remaining=%d)", p, p.RemainingTime)
	return p
}

// ExecuteCurrent runs the current process for slice. The clock advances by
// the whole slice even when the process finishes early. Returns the process
// that ran and whether it finished; (nil, false) when the CPU is idle, in
// which case the clock does not move.
func (s *Scheduler) ExecuteCurrent(slice int64) (*process.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.running
	if p == nil {
		return nil, false
	}
	if _, err := p.Run(slice); err != nil {
		s.events.Record(source, eventlog.Error, "execute %s: %v", p, err)
		return p, false
	}
	s.clock.Add(slice)

	if p.RemainingTime > 0 {
		return p, false
	}

	if err := p.Finish(s.clock.Load()); err != nil {
		s.events.Record(source, eventlog.Error, "finish %s: %v", p, err)
		return p, false
	}
	s.terminated = append(s.terminated, p)
	s.running = nil

	s.events.Record(source, eventlog.Info, "completed %s (turnaround=%d, waiting=%d)",
		p, p.TurnaroundTime, p.WaitingTime)
	return p, true
}

// Preempt returns the running process to the ready queue. The sample
// policies never preempt mid-burst; the edge exists for callers that want
// round-robin style slicing.
func (s *Scheduler) Preempt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.running
	if p == nil {
		return false
	}
	if err := p.Preempt(); err != nil {
		return false
	}
	s.running = nil
	s.ready = append(s.ready, p)
	s.policy.sort(s.ready)
	s.events.Record(source, eventlog.Info, "preempted %s", p)
	return true
}

// BlockProcess moves pid from running or ready to waiting. Any other
// location is a no-op.
func (s *Scheduler) BlockProcess(pid process.PID, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running != nil && s.running.PID == pid {
		p := s.running
		if err := p.Block(); err != nil {
			return false
		}
		s.running = nil
		s.waiting = append(s.waiting, p)
		s.blocks++
		s.events.Record(source, eventlog.Warning, "blocked %s (%s)", p, reason)
		return true
	}

	if i := indexOf(s.ready, pid); i >= 0 {
		p := s.ready[i]
		if err := p.Block(); err != nil {
			return false
		}
		s.ready = removeAt(s.ready, i)
		s.waiting = append(s.waiting, p)
		s.blocks++
		s.events.Record(source, eventlog.Warning, "blocked %s (%s)", p, reason)
		return true
	}

	s.events.Record(source, eventlog.Debug, "block P%d ignored: not running or ready", pid)
	return false
}

// UnblockProcess moves pid from waiting to ready. No-op unless waiting.
func (s *Scheduler) UnblockProcess(pid process.PID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := indexOf(s.waiting, pid)
	if i < 0 {
		s.events.Record(source, eventlog.Debug, "unblock P%d ignored: not waiting", pid)
		return false
	}
	p := s.waiting[i]
	if err := p.Unblock(); err != nil {
		return false
	}
	s.waiting = removeAt(s.waiting, i)
	s.ready = append(s.ready, p)
	s.policy.sort(s.ready)

	s.events.Record(source, eventlog.Info, "unblocked %s", p)
	return true
}

// TerminateProcess force-terminates pid wherever it is live. Searches
// running, then ready, then waiting. A terminated or unknown pid is a no-op.
func (s *Scheduler) TerminateProcess(pid process.PID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var p *process.Process
	switch {
	case s.running != nil && s.running.PID == pid:
		p = s.running
		s.running = nil
	case indexOf(s.ready, pid) >= 0:
		i := indexOf(s.ready, pid)
		p = s.ready[i]
		s.ready = removeAt(s.ready, i)
	case indexOf(s.waiting, pid) >= 0:
		i := indexOf(s.waiting, pid)
		p = s.waiting[i]
		s.waiting = removeAt(s.waiting, i)
	default:
		s.events.Record(source, eventlog.Debug, "terminate P%d ignored: not live", pid)
		return false
	}

	if err := p.ForceTerminate(s.clock.Load()); err != nil {
		s.events.Record(source, eventlog.Error, "terminate %s: %v", p, err)
		return false
	}
	s.terminated = append(s.terminated, p)
	s.forced++

	s.events.Record(source, eventlog.Forced, "terminated %s (remaining=%d)", p, p.RemainingTime)
	return true
}

// RunToCompletion dispatches and executes until nothing is runnable or the
// clock reaches limit. Returns the final statistics.
func (s *Scheduler) RunToCompletion(limit, slice int64) types.SchedulerStats {
	for {
		s.mu.RLock()
		busy := s.running != nil || len(s.ready) > 0
		now := s.clock.Load()
		s.mu.RUnlock()
		if !busy || now >= limit {
			break
		}

		if s.Schedule() != nil {
			s.ExecuteCurrent(slice)
		} else {
			s.mu.Lock()
			s.clock.Add(slice)
			s.mu.Unlock()
		}
	}
	return s.Statistics()
}

// ============================================================================
// Queries
// ============================================================================

// Running returns the running process or nil.
func (s *Scheduler) Running() *process.Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ReadyQueue returns the ready queue in dispatch order.
func (s *Scheduler) ReadyQueue() []*process.Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*process.Process(nil), s.ready...)
}

// WaitingQueue returns the waiting processes.
func (s *Scheduler) WaitingQueue() []*process.Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*process.Process(nil), s.waiting...)
}

// Terminated returns the terminated history, oldest first.
func (s *Scheduler) Terminated() []*process.Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*process.Process(nil), s.terminated...)
}

// RecentTerminated returns up to n of the newest terminated processes,
// newest first.
func (s *Scheduler) RecentTerminated(n int) []*process.Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.terminated) {
		n = len(s.terminated)
	}
	out := make([]*process.Process, 0, n)
	for i := len(s.terminated) - 1; i >= len(s.terminated)-n; i-- {
		out = append(out, s.terminated[i])
	}
	return out
}

// AllProcesses returns running, ready, waiting then terminated.
func (s *Scheduler) AllProcesses() []*process.Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*process.Process, 0, len(s.index))
	if s.running != nil {
		out = append(out, s.running)
	}
	out = append(out, s.ready...)
	out = append(out, s.waiting...)
	out = append(out, s.terminated...)
	return out
}

// Lookup finds an admitted process by identity.
func (s *Scheduler) Lookup(pid process.PID) (*process.Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.index[pid]
	return p, ok
}

// StateOf returns the lifecycle state of pid.
func (s *Scheduler) StateOf(pid process.PID) (process.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.index[pid]
	if !ok {
		return 0, false
	}
	return p.State(), true
}

// ContextSwitches returns the number of dispatches so far.
func (s *Scheduler) ContextSwitches() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contextSwitches
}

// Blocks returns the number of transitions into Waiting so far.
func (s *Scheduler) Blocks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocks
}

// TotalAdmitted returns the number of processes ever admitted.
func (s *Scheduler) TotalAdmitted() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalAdmitted
}

// Statistics aggregates the terminated list. Averages are zero when nothing
// has terminated; response time is averaged only over processes that were
// dispatched at least once.
func (s *Scheduler) Statistics() types.SchedulerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := types.SchedulerStats{
		Policy:             s.policy.String(),
		CurrentTime:        s.clock.Load(),
		TotalProcesses:     s.totalAdmitted,
		Completed:          len(s.terminated),
		Ready:              len(s.ready),
		Waiting:            len(s.waiting),
		Running:            s.running != nil,
		ContextSwitches:    s.contextSwitches,
		CompletedNaturally: len(s.terminated) - s.forced,
		ForcedTerminations: s.forced,
	}
	if len(s.terminated) == 0 {
		return st
	}

	var waiting, turnaround, response int64
	responded := 0
	for _, p := range s.terminated {
		waiting += p.WaitingTime
		turnaround += p.TurnaroundTime
		if p.ResponseTime != nil {
			response += *p.ResponseTime
			responded++
		}
	}
	n := float64(len(s.terminated))
	st.AvgWaitingTime = float64(waiting) / n
	st.AvgTurnaroundTime = float64(turnaround) / n
	if responded > 0 {
		st.AvgResponseTime = float64(response) / float64(responded)
	}
	return st
}

// Check verifies that every admitted identity sits in exactly one queue
// and that the ready queue is ordered.
func (s *Scheduler) Check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[process.PID]string, len(s.index))
	mark := func(p *process.Process, where string) error {
		if prev, dup := seen[p.PID]; dup {
			return fmt.Errorf("%s is in both %s and %s", p, prev, where)
		}
		seen[p.PID] = where
		return nil
	}
	if s.running != nil {
		if err := mark(s.running, "running"); err != nil {
			return err
		}
	}
	for _, group := range []struct {
		name  string
		procs []*process.Process
	}{{"ready", s.ready}, {"waiting", s.waiting}, {"terminated", s.terminated}} {
		for _, p := range group.procs {
			if err := mark(p, group.name); err != nil {
				return err
			}
		}
	}
	if len(seen) != len(s.index) {
		return fmt.Errorf("%d admitted processes but %d queued", len(s.index), len(seen))
	}
	for i := 1; i < len(s.ready); i++ {
		if s.policy.key(s.ready[i-1]) > s.policy.key(s.ready[i]) {
			return fmt.Errorf("ready queue out of order at %d", i)
		}
	}
	return nil
}

// Reset discards every process and zeroes the clock and counters.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = make(map[process.PID]*process.Process)
	s.ready = make([]*process.Process, 0)
	s.running = nil
	s.waiting = nil
	s.terminated = nil
	s.clock.Store(0)
	s.contextSwitches = 0
	s.totalAdmitted = 0
	s.forced = 0
	s.blocks = 0
}

func indexOf(queue []*process.Process, pid process.PID) int {
	for i, p := range queue {
		if p.PID == pid {
			return i
		}
	}
	return -1
}

func removeAt(queue []*process.Process, i int) []*process.Process {
	return append(queue[:i], queue[i+1:]...)
}
