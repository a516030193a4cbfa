package ipc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/procsim/internal/process"
	"github.com/ChuLiYu/procsim/internal/scheduler"
)

func setup(t *testing.T, n int) (*scheduler.Scheduler, []*process.Process) {
	t.Helper()
	s := scheduler.New(scheduler.ShortestRemainingTime, nil)
	procs := make([]*process.Process, n)
	for i := range procs {
		procs[i] = process.New(process.PID(i+1), string(rune('A'+i)), 1000, 5, 10)
		require.NoError(t, s.AddProcess(procs[i]))
	}
	return s, procs
}

func TestMutexHandoff(t *testing.T) {
	s, procs := setup(t, 2)
	a, b := procs[0], procs[1]
	m := NewMutex("M", s, nil)

	require.True(t, m.Acquire(a.Ref()))
	owner, ok := m.Owner()
	require.True(t, ok)
	assert.Equal(t, a.Ref(), owner)

	assert.False(t, m.Acquire(b.Ref()))
	assert.Equal(t, []process.Ref{b.Ref()}, m.Waiting())
	assert.Equal(t, process.Waiting, b.State())

	require.True(t, m.Release(a.Ref()))
	assert.True(t, m.Locked())
	owner, _ = m.Owner()
	assert.Equal(t, b.Ref(), owner)
	assert.Equal(t, process.Ready, b.State())
	assert.Empty(t, m.Waiting())

	assert.Equal(t, MutexStats{Acquires: 2, Releases: 1, Blocks: 1}, m.Stats())
}

func TestMutexReleaseByNonOwner(t *testing.T) {
	s, procs := setup(t, 2)
	m := NewMutex("M", s, nil)

	assert.False(t, m.Release(procs[0].Ref()), "unlocked mutex")

	require.True(t, m.Acquire(procs[0].Ref()))
	assert.False(t, m.Release(procs[1].Ref()))
	assert.True(t, m.Locked())
	owner, _ := m.Owner()
	assert.Equal(t, procs[0].Ref(), owner)
}

func TestMutexNoDuplicateWaiters(t *testing.T) {
	s, procs := setup(t, 2)
	m := NewMutex("M", s, nil)
	require.True(t, m.Acquire(procs[0].Ref()))

	assert.False(t, m.Acquire(procs[1].Ref()))
	assert.False(t, m.Acquire(procs[1].Ref()))
	assert.Len(t, m.Waiting(), 1)
	assert.Equal(t, 1, m.Stats().Blocks)
}

func TestMutexSelfAcquire(t *testing.T) {
	s, procs := setup(t, 1)
	a := procs[0]
	m := NewMutex("M", s, nil)
	require.True(t, m.Acquire(a.Ref()))

	assert.False(t, m.Acquire(a.Ref()))
	assert.Empty(t, m.Waiting())
	assert.Equal(t, process.Ready, a.State(), "owner is not blocked")
}

func TestMutexFIFO(t *testing.T) {
	s, procs := setup(t, 4)
	m := NewMutex("M", s, nil)
	require.True(t, m.Acquire(procs[0].Ref()))
	// enqueue in reverse pid order, lowest priority value last
	for _, p := range []*process.Process{procs[3], procs[1], procs[2]} {
		require.False(t, m.Acquire(p.Ref()))
	}

	var order []process.PID
	holder := procs[0].Ref()
	for i := 0; i < 3; i++ {
		require.True(t, m.Release(holder))
		holder, _ = m.Owner()
		order = append(order, holder.PID)
	}
	assert.Equal(t, []process.PID{4, 2, 3}, order)
	require.True(t, m.Release(holder))
	assert.False(t, m.Locked())
}

func TestMutexTryAcquire(t *testing.T) {
	s, procs := setup(t, 2)
	m := NewMutex("M", s, nil)
	require.True(t, m.TryAcquire(procs[0].Ref()))
	assert.False(t, m.TryAcquire(procs[1].Ref()))
	assert.Empty(t, m.Waiting())
	assert.Equal(t, process.Ready, procs[1].State())
}

func TestMutexForget(t *testing.T) {
	s, procs := setup(t, 3)
	m := NewMutex("M", s, nil)
	require.True(t, m.Acquire(procs[0].Ref()))
	m.Acquire(procs[1].Ref())
	m.Acquire(procs[2].Ref())

	m.Forget(procs[1].PID)
	assert.Equal(t, []process.Ref{procs[2].Ref()}, m.Waiting())

	m.Forget(procs[0].PID)
	owner, ok := m.Owner()
	require.True(t, ok)
	assert.Equal(t, procs[2].PID, owner.PID)
}

func TestMutexView(t *testing.T) {
	s, procs := setup(t, 2)
	m := NewMutex("buffer_mutex", s, nil)
	m.Acquire(procs[0].Ref())
	m.Acquire(procs[1].Ref())

	v := m.View()
	assert.Equal(t, "buffer_mutex", v.Name)
	assert.True(t, v.Locked)
	assert.Equal(t, "P1(A)", v.Owner)
	assert.Equal(t, []string{"P2(B)"}, v.Waiting)

	m.Reset()
	v = m.View()
	assert.False(t, v.Locked)
	assert.Empty(t, v.Owner)
	assert.Zero(t, v.Acquires)
}

// Random acquire/release traffic keeps the ownership invariants.
func TestMutexInvariantsRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	s, procs := setup(t, 6)
	m := NewMutex("M", s, nil)

	for i := 0; i < 3000; i++ {
		p := procs[rng.Intn(len(procs))].Ref()
		if rng.Intn(2) == 0 {
			m.Acquire(p)
		} else {
			owner, held := m.Owner()
			locked := m.Locked()
			if !m.Release(p) {
				o2, h2 := m.Owner()
				require.Equal(t, locked, m.Locked())
				require.Equal(t, held, h2)
				require.Equal(t, owner, o2)
			}
		}

		owner, held := m.Owner()
		require.Equal(t, m.Locked(), held)
		seen := map[process.PID]bool{}
		for _, w := range m.Waiting() {
			require.False(t, seen[w.PID], "duplicate waiter")
			seen[w.PID] = true
			if held {
				require.NotEqual(t, owner.PID, w.PID, "owner in wait list")
			}
		}
	}
}
