package ipc

import (
	"github.com/ChuLiYu/procsim/internal/eventlog"
	"github.com/ChuLiYu/procsim/internal/process"
	"github.com/ChuLiYu/procsim/pkg/types"
)

// Blocker moves simulated processes between Waiting and Ready. The
// scheduler implements it.
type Blocker interface {
	BlockProcess(pid process.PID, reason string) bool
	UnblockProcess(pid process.PID) bool
}

// MutexStats counts mutex traffic. Values only grow.
type MutexStats struct {
	Acquires int
	Releases int
	Blocks   int
}

// Mutex is a simulated binary lock with a FIFO wait list. Blocking a caller
// is a scheduler state change, never a real wait.
//
// Acquire by the current owner returns false without enqueueing, so the
// wait list never contains the owner.
type Mutex struct {
	name    string
	locked  bool
	owner   *process.Ref
	waiting []process.Ref
	stats   MutexStats

	sched  Blocker
	events eventlog.Recorder
}

// NewMutex creates an unlocked mutex.
func NewMutex(name string, sched Blocker, events eventlog.Recorder) *Mutex {
	if events == nil {
		events = eventlog.Discard
	}
	return &Mutex{name: name, sched: sched, events: events}
}

func (m *Mutex) source() string { return "Mutex(" + m.name + ")" }

// Acquire grants the lock to p if it is free. Otherwise p is appended to
// the wait list (once) and the scheduler moves it to Waiting.
func (m *Mutex) Acquire(p process.Ref) bool {
	if !m.locked {
		m.locked = true
		m.owner = &p
		m.stats.Acquires++
		m.events.Record(m.source(), eventlog.Info, "%s acquired the lock", p)
		return true
	}

	if m.owner.PID == p.PID || m.isWaiting(p.PID) {
		return false
	}

	m.waiting = append(m.waiting, p)
	m.stats.Blocks++
	m.sched.BlockProcess(p.PID, "waiting on "+m.name)
	m.events.Record(m.source(), eventlog.Warning, "%s blocked, lock held by %s (%d waiting)",
		p, *m.owner, len(m.waiting))
	return false
}

// TryAcquire takes the lock if it is free and never enqueues.
func (m *Mutex) TryAcquire(p process.Ref) bool {
	if m.locked {
		return false
	}
	return m.Acquire(p)
}

// Release unlocks if p is the owner. When processes are waiting, the head
// of the wait list becomes the owner in the same step and is moved back to
// Ready.
func (m *Mutex) Release(p process.Ref) bool {
	if !m.locked || m.owner.PID != p.PID {
		return false
	}

	m.locked = false
	m.owner = nil
	m.stats.Releases++
	m.events.Record(m.source(), eventlog.Info, "%s released the lock", p)

	if len(m.waiting) == 0 {
		return true
	}

	next := m.waiting[0]
	m.waiting = m.waiting[1:]
	m.locked = true
	m.owner = &next
	m.stats.Acquires++
	m.sched.UnblockProcess(next.PID)
	m.events.Record(m.source(), eventlog.Info, "lock handed to %s", next)
	return true
}

// Forget drops pid from the wait list and, if pid owns the lock, releases
// it. Used when a process is terminated while involved with the mutex.
func (m *Mutex) Forget(pid process.PID) {
	for i, w := range m.waiting {
		if w.PID == pid {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			break
		}
	}
	if m.locked && m.owner.PID == pid {
		m.Release(*m.owner)
	}
}

func (m *Mutex) isWaiting(pid process.PID) bool {
	for _, w := range m.waiting {
		if w.PID == pid {
			return true
		}
	}
	return false
}

// Name returns the mutex name.
func (m *Mutex) Name() string { return m.name }

// Locked reports whether the mutex is held.
func (m *Mutex) Locked() bool { return m.locked }

// Owner returns the holder, if any.
func (m *Mutex) Owner() (process.Ref, bool) {
	if m.owner == nil {
		return process.Ref{}, false
	}
	return *m.owner, true
}

// Waiting returns a copy of the wait list, head first.
func (m *Mutex) Waiting() []process.Ref {
	return append([]process.Ref(nil), m.waiting...)
}

// Stats returns the counters.
func (m *Mutex) Stats() MutexStats { return m.stats }

// Reset unlocks, clears the wait list and zeroes the counters. Waiting
// processes are not touched in the scheduler.
func (m *Mutex) Reset() {
	m.locked = false
	m.owner = nil
	m.waiting = nil
	m.stats = MutexStats{}
}

// View returns the display form.
func (m *Mutex) View() types.MutexView {
	v := types.MutexView{
		Name:     m.name,
		Locked:   m.locked,
		Waiting:  make([]string, 0, len(m.waiting)),
		Acquires: m.stats.Acquires,
		Releases: m.stats.Releases,
		Blocks:   m.stats.Blocks,
	}
	if m.owner != nil {
		v.Owner = m.owner.String()
	}
	for _, w := range m.waiting {
		v.Waiting = append(v.Waiting, w.String())
	}
	return v
}
