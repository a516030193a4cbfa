// ============================================================================
// Procsim Resource Ledger - CPU Slot and Memory Pool Accounting
// ============================================================================
//
// Package: internal/resources
// File: ledger.go
// Purpose: Gate admission on memory and keep CPU-slot counters consistent
//          for reporting.
//
// Invariants:
//   - available + sum(allocations) == total, after every operation
//   - an allocation entry exists iff the process holds memory; release
//     deletes the entry
//   - cpuInUse == len(cpuHolders) <= cpuSlots
//
// Failure Semantics:
//   Every operation either applies completely or leaves the ledger untouched.
//   Failures are returned as sentinel errors, never panics.
//
// ============================================================================

package resources

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/procsim/internal/eventlog"
	"github.com/ChuLiYu/procsim/internal/process"
	"github.com/ChuLiYu/procsim/pkg/types"
)

const source = "Resources"

var (
	// ErrInsufficientMemory: the request exceeds available memory.
	ErrInsufficientMemory = errors.New("insufficient memory")
	// ErrNoCPUAvailable: every CPU slot is in use.
	ErrNoCPUAvailable = errors.New("no CPU slot available")
	// ErrNoAllocation: the process holds no memory.
	ErrNoAllocation = errors.New("process holds no memory allocation")
	// ErrNoCPUHeld: the process holds no CPU slot.
	ErrNoCPUHeld = errors.New("process holds no CPU slot")
)

// Ledger tracks CPU slots and the memory pool.
type Ledger struct {
	mu sync.Mutex

	cpuSlots   int
	cpuHolders map[process.PID]struct{}

	totalMemory     int
	availableMemory int
	allocations     map[process.PID]int

	events eventlog.Recorder
}

// NewLedger creates a ledger with cpuSlots slots and totalMemory MB. Both
// are validated by the configuration layer before they get here.
func NewLedger(cpuSlots, totalMemory int, events eventlog.Recorder) *Ledger {
	if events == nil {
		events = eventlog.Discard
	}
	return &Ledger{
		cpuSlots:        cpuSlots,
		cpuHolders:      make(map[process.PID]struct{}),
		totalMemory:     totalMemory,
		availableMemory: totalMemory,
		allocations:     make(map[process.PID]int),
		events:          events,
	}
}

// HasCapacityFor reports whether p's memory requirement fits right now.
func (l *Ledger) HasCapacityFor(p *process.Process) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return p.MemoryRequired <= l.availableMemory
}

// RequestMemory reserves p.MemoryRequired and records it in
// p.AssignedMemory.
func (l *Ledger) RequestMemory(p *process.Process) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.allocations[p.PID]; held {
		return fmt.Errorf("%s already holds %dMB", p, l.allocations[p.PID])
	}
	if p.MemoryRequired > l.availableMemory {
		l.events.Record(source, eventlog.Warning, "%s requested %dMB, only %dMB available",
			p, p.MemoryRequired, l.availableMemory)
		return fmt.Errorf("%w: %s needs %dMB, %dMB available",
			ErrInsufficientMemory, p, p.MemoryRequired, l.availableMemory)
	}

	l.availableMemory -= p.MemoryRequired
	l.allocations[p.PID] = p.MemoryRequired
	p.AssignedMemory = p.MemoryRequired
	l.events.Record(source, eventlog.Info, "allocated %dMB to %s", p.MemoryRequired, p)
	return nil
}

// ReleaseMemory returns p's reservation to the pool.
func (l *Ledger) ReleaseMemory(p *process.Process) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	amount, held := l.allocations[p.PID]
	if !held {
		return fmt.Errorf("%w: %s", ErrNoAllocation, p)
	}
	l.availableMemory += amount
	delete(l.allocations, p.PID)
	p.AssignedMemory = 0
	l.events.Record(source, eventlog.Info, "released %dMB from %s", amount, p)
	return nil
}

// RequestCPUSlot marks one CPU slot as held by pid. A pid that already holds
// a slot is not counted twice.
func (l *Ledger) RequestCPUSlot(pid process.PID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.cpuHolders[pid]; held {
		return nil
	}
	if len(l.cpuHolders) >= l.cpuSlots {
		return fmt.Errorf("%w: %d/%d in use", ErrNoCPUAvailable, len(l.cpuHolders), l.cpuSlots)
	}
	l.cpuHolders[pid] = struct{}{}
	return nil
}

// ReleaseCPUSlot frees the slot held by pid.
func (l *Ledger) ReleaseCPUSlot(pid process.PID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.cpuHolders[pid]; !held {
		return fmt.Errorf("%w: P%d", ErrNoCPUHeld, pid)
	}
	delete(l.cpuHolders, pid)
	return nil
}

// HoldsCPU reports whether pid holds a CPU slot.
func (l *Ledger) HoldsCPU(pid process.PID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.cpuHolders[pid]
	return held
}

// CPUHolders returns the pids currently holding slots, in no particular
// order.
func (l *Ledger) CPUHolders() []process.PID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]process.PID, 0, len(l.cpuHolders))
	for pid := range l.cpuHolders {
		out = append(out, pid)
	}
	return out
}

// Allocation returns the memory held by pid.
func (l *Ledger) Allocation(pid process.PID) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount, ok := l.allocations[pid]
	return amount, ok
}

// AvailableMemory returns the unreserved memory.
func (l *Ledger) AvailableMemory() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.availableMemory
}

// TotalMemory returns the pool size.
func (l *Ledger) TotalMemory() int { return l.totalMemory }

// Usage summarises the ledger.
func (l *Ledger) Usage() types.ResourceUsage {
	l.mu.Lock()
	defer l.mu.Unlock()

	used := l.totalMemory - l.availableMemory
	u := types.ResourceUsage{
		CPUTotal:         l.cpuSlots,
		CPUInUse:         len(l.cpuHolders),
		CPUAvailable:     l.cpuSlots - len(l.cpuHolders),
		MemoryTotal:      l.totalMemory,
		MemoryUsed:       used,
		MemoryAvailable:  l.availableMemory,
		ProcessesHolding: len(l.allocations),
	}
	if l.cpuSlots > 0 {
		u.CPUPercent = float64(u.CPUInUse) / float64(l.cpuSlots) * 100
	}
	if l.totalMemory > 0 {
		u.MemoryPercent = float64(used) / float64(l.totalMemory) * 100
	}
	return u
}

// Check verifies the memory and CPU invariants. Tests and the driver's
// debug path call it; it never mutates.
func (l *Ledger) Check() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sum := 0
	for _, amount := range l.allocations {
		sum += amount
	}
	if l.availableMemory+sum != l.totalMemory {
		return fmt.Errorf("memory accounting broken: available %d + allocated %d != total %d",
			l.availableMemory, sum, l.totalMemory)
	}
	if l.availableMemory < 0 {
		return fmt.Errorf("memory accounting broken: available %d < 0", l.availableMemory)
	}
	if len(l.cpuHolders) > l.cpuSlots {
		return fmt.Errorf("cpu accounting broken: %d holders > %d slots", len(l.cpuHolders), l.cpuSlots)
	}
	return nil
}

// Reset drops every allocation and CPU holder.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.availableMemory = l.totalMemory
	l.allocations = make(map[process.PID]int)
	l.cpuHolders = make(map[process.PID]struct{})
}
