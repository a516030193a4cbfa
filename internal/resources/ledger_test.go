package resources

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/procsim/internal/eventlog"
	"github.com/ChuLiYu/procsim/internal/process"
)

func newProc(pid process.PID, memory int) *process.Process {
	return process.New(pid, "proc", 100, 5, memory)
}

func TestMemoryScenario(t *testing.T) {
	l := NewLedger(1, 100, nil)
	p := newProc(1, 60)
	q := newProc(2, 60)

	require.NoError(t, l.RequestMemory(p))
	assert.Equal(t, 40, l.AvailableMemory())
	assert.Equal(t, 60, p.AssignedMemory)

	assert.False(t, l.HasCapacityFor(q))
	err := l.RequestMemory(q)
	assert.ErrorIs(t, err, ErrInsufficientMemory)
	assert.Equal(t, 40, l.AvailableMemory())
	assert.Equal(t, 0, q.AssignedMemory)
	_, held := l.Allocation(q.PID)
	assert.False(t, held)

	require.NoError(t, l.ReleaseMemory(p))
	assert.Equal(t, 100, l.AvailableMemory())
	assert.Equal(t, 0, p.AssignedMemory)
	_, held = l.Allocation(p.PID)
	assert.False(t, held, "entry removed, not zeroed")
	require.NoError(t, l.Check())
}

func TestReleaseWithoutAllocation(t *testing.T) {
	l := NewLedger(1, 100, nil)
	err := l.ReleaseMemory(newProc(9, 10))
	assert.ErrorIs(t, err, ErrNoAllocation)
	assert.Equal(t, 100, l.AvailableMemory())
}

func TestDoubleRequestRejected(t *testing.T) {
	l := NewLedger(1, 100, nil)
	p := newProc(1, 30)
	require.NoError(t, l.RequestMemory(p))
	assert.Error(t, l.RequestMemory(p))
	assert.Equal(t, 70, l.AvailableMemory())
}

func TestExactFit(t *testing.T) {
	l := NewLedger(1, 100, nil)
	p := newProc(1, 100)
	assert.True(t, l.HasCapacityFor(p))
	require.NoError(t, l.RequestMemory(p))
	assert.Equal(t, 0, l.AvailableMemory())
}

func TestCPUSlots(t *testing.T) {
	l := NewLedger(1, 100, nil)

	require.NoError(t, l.RequestCPUSlot(1))
	require.NoError(t, l.RequestCPUSlot(1), "re-request by holder is not double counted")
	assert.ErrorIs(t, l.RequestCPUSlot(2), ErrNoCPUAvailable)
	assert.True(t, l.HoldsCPU(1))
	assert.Equal(t, []process.PID{1}, l.CPUHolders())

	assert.ErrorIs(t, l.ReleaseCPUSlot(2), ErrNoCPUHeld)
	require.NoError(t, l.ReleaseCPUSlot(1))
	assert.False(t, l.HoldsCPU(1))
	require.NoError(t, l.RequestCPUSlot(2))
	require.NoError(t, l.Check())
}

func TestUsage(t *testing.T) {
	l := NewLedger(2, 200, nil)
	require.NoError(t, l.RequestMemory(newProc(1, 50)))
	require.NoError(t, l.RequestCPUSlot(1))

	u := l.Usage()
	assert.Equal(t, 2, u.CPUTotal)
	assert.Equal(t, 1, u.CPUInUse)
	assert.Equal(t, 1, u.CPUAvailable)
	assert.InDelta(t, 50.0, u.CPUPercent, 0.001)
	assert.Equal(t, 50, u.MemoryUsed)
	assert.Equal(t, 150, u.MemoryAvailable)
	assert.InDelta(t, 25.0, u.MemoryPercent, 0.001)
	assert.Equal(t, 1, u.ProcessesHolding)

	l.Reset()
	u = l.Usage()
	assert.Equal(t, 0, u.MemoryUsed)
	assert.Equal(t, 0, u.CPUInUse)
}

func TestLedgerLogsEvents(t *testing.T) {
	log := eventlog.New(10)
	l := NewLedger(1, 50, log)
	require.NoError(t, l.RequestMemory(newProc(1, 20)))
	_ = l.RequestMemory(newProc(2, 40))

	events := log.Recent(0)
	require.Len(t, events, 2)
	assert.Equal(t, eventlog.Info, events[0].Level)
	assert.Equal(t, eventlog.Warning, events[1].Level)
	assert.Contains(t, events[1].Message, "only 30MB available")
}

// Random request/release sequences never break the accounting identity.
func TestMemoryInvariantRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	l := NewLedger(1, 1000, nil)
	var held []*process.Process
	next := process.PID(1)

	for i := 0; i < 2000; i++ {
		if rng.Intn(2) == 0 || len(held) == 0 {
			p := newProc(next, 1+rng.Intn(300))
			next++
			before := l.AvailableMemory()
			if err := l.RequestMemory(p); err == nil {
				held = append(held, p)
			} else {
				assert.ErrorIs(t, err, ErrInsufficientMemory)
				assert.Equal(t, before, l.AvailableMemory())
			}
		} else {
			idx := rng.Intn(len(held))
			require.NoError(t, l.ReleaseMemory(held[idx]))
			held = append(held[:idx], held[idx+1:]...)
		}
		require.NoError(t, l.Check())
	}
}
