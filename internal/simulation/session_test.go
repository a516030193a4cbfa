package simulation

import (
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/procsim/internal/config"
	"github.com/ChuLiYu/procsim/internal/demo"
	"github.com/ChuLiYu/procsim/internal/metrics"
	"github.com/ChuLiYu/procsim/internal/process"
	"github.com/ChuLiYu/procsim/internal/resources"
	"github.com/ChuLiYu/procsim/internal/trace"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Simulation.Seed = 7
	cfg.Simulation.TickInterval = time.Millisecond
	return cfg
}

// quietConfig never injects anything, so only explicit calls change state.
func quietConfig() config.Config {
	cfg := testConfig()
	cfg.Simulation.Probabilities.Admit = 0
	cfg.Simulation.Probabilities.Block = 0
	cfg.Simulation.Probabilities.Unblock = 0
	return cfg
}

func newSession(t *testing.T, cfg config.Config) *Session {
	t.Helper()
	s, err := NewSession(cfg, Options{Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSessionRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Resources.CPUSlots = 0
	cfg.Scheduling.Policy = "lottery"

	s, err := NewSession(cfg, Options{Logger: quietLogger()})
	assert.Nil(t, s)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "cpu_slots")
	assert.Contains(t, err.Error(), "lottery")
}

func TestSessionIdentity(t *testing.T) {
	a := newSession(t, quietConfig())
	b := newSession(t, quietConfig())
	assert.Len(t, a.ID(), 36)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, a.ID(), a.Status().SessionID)
}

func TestShortestRemainingTimeThroughTicks(t *testing.T) {
	s := newSession(t, quietConfig())

	for _, spec := range []ProcessSpec{
		{Name: "Chrome", BurstTime: 100, Priority: 5, Memory: 100},
		{Name: "Slack", BurstTime: 50, Priority: 5, Memory: 100},
		{Name: "Docker", BurstTime: 200, Priority: 5, Memory: 100},
	} {
		_, err := s.Admit(spec)
		require.NoError(t, err)
	}
	assert.Equal(t, 3700, s.Usage().MemoryAvailable)

	stats := s.RunTicks(35)
	assert.Equal(t, 3, stats.Completed)
	assert.Equal(t, int64(350), stats.CurrentTime)
	assert.Equal(t, 3, stats.CompletedNaturally)

	r := s.Report()
	require.Len(t, r.Terminated, 3)
	assert.Equal(t, []string{"Slack", "Chrome", "Docker"},
		[]string{r.Terminated[0].Name, r.Terminated[1].Name, r.Terminated[2].Name})

	// resources and names come back
	usage := s.Usage()
	assert.Equal(t, 4096, usage.MemoryAvailable)
	assert.Zero(t, usage.CPUInUse)
	assert.False(t, s.gen.InUse("Chrome"))
	require.NoError(t, s.Check())
}

func TestAdmitValidation(t *testing.T) {
	s := newSession(t, quietConfig())

	_, err := s.Admit(ProcessSpec{BurstTime: -1})
	assert.ErrorIs(t, err, ErrInvalidProcess)
	_, err = s.Admit(ProcessSpec{Priority: 11})
	assert.ErrorIs(t, err, ErrInvalidProcess)

	pid, err := s.Admit(ProcessSpec{Name: "Vim"})
	require.NoError(t, err)
	v, ok := s.Lookup(pid)
	require.True(t, ok)
	assert.Equal(t, "Vim", v.Name)
	assert.Positive(t, v.BurstTime)
	assert.GreaterOrEqual(t, v.Priority, 1)
	assert.Positive(t, v.MemoryRequired)

	_, err = s.Admit(ProcessSpec{Name: "Vim"})
	assert.ErrorIs(t, err, ErrInvalidProcess, "name in use")

	pid2, err := s.Admit(ProcessSpec{})
	require.NoError(t, err)
	v2, _ := s.Lookup(pid2)
	assert.NotEmpty(t, v2.Name)
	assert.Greater(t, pid2, pid)
}

func TestAdmitInsufficientMemoryLeavesStateUnchanged(t *testing.T) {
	cfg := quietConfig()
	cfg.Resources.TotalMemory = 100
	s := newSession(t, cfg)

	_, err := s.Admit(ProcessSpec{Name: "P", BurstTime: 100, Memory: 60})
	require.NoError(t, err)

	before := s.Snapshot()
	_, err = s.Admit(ProcessSpec{Name: "Q", BurstTime: 100, Memory: 60})
	require.ErrorIs(t, err, resources.ErrInsufficientMemory)
	assert.Contains(t, err.Error(), "40MB available")

	after := s.Snapshot()
	assert.Equal(t, before.Ready, after.Ready)
	assert.Equal(t, 40, after.Resources.MemoryAvailable)
	assert.False(t, s.gen.InUse("Q"))

	// the next pid was not consumed by the refusal
	pid, err := s.Admit(ProcessSpec{Name: "R", BurstTime: 10, Memory: 40})
	require.NoError(t, err)
	assert.Equal(t, process.PID(2), pid)
}

func TestTerminateReleasesImmediately(t *testing.T) {
	s := newSession(t, quietConfig())
	pid, err := s.Admit(ProcessSpec{Name: "Zoom", BurstTime: 500, Memory: 300})
	require.NoError(t, err)
	s.Tick()
	assert.Equal(t, 1, s.Usage().CPUInUse)

	assert.True(t, s.Terminate(pid))
	assert.Equal(t, 4096, s.Usage().MemoryAvailable)
	assert.Zero(t, s.Usage().CPUInUse)
	assert.False(t, s.gen.InUse("Zoom"))

	v, _ := s.Lookup(pid)
	assert.Equal(t, "Terminated", v.State)
	assert.Equal(t, int64(490), v.RemainingTime)

	assert.False(t, s.Terminate(pid), "second terminate is a no-op")
	assert.False(t, s.Terminate(999))
	assert.Equal(t, 1, s.Stats().ForcedTerminations)
	require.NoError(t, s.Check())
}

func TestSuspendResume(t *testing.T) {
	s := newSession(t, quietConfig())
	pid, err := s.Admit(ProcessSpec{Name: "Git", BurstTime: 100, Memory: 10})
	require.NoError(t, err)
	s.Tick()

	assert.True(t, s.SuspendProcess(pid))
	snap := s.Snapshot()
	assert.Nil(t, snap.Running)
	require.Len(t, snap.Waiting, 1)
	assert.Zero(t, snap.Resources.CPUInUse)
	assert.False(t, s.SuspendProcess(pid))

	assert.True(t, s.ResumeProcess(pid))
	assert.False(t, s.ResumeProcess(pid))
	s.Tick()
	v, _ := s.Lookup(pid)
	assert.Equal(t, "Running", v.State)
	assert.Equal(t, int64(80), v.RemainingTime)
}

func TestRandomInjectionKeepsInvariants(t *testing.T) {
	cfg := testConfig()
	cfg.Resources.TotalMemory = 1024
	s := newSession(t, cfg)
	require.NoError(t, s.StartDemo())

	for i := 0; i < 600; i++ {
		s.Tick()
		require.NoError(t, s.Check(), "tick %d", i+1)

		usage := s.Usage()
		require.LessOrEqual(t, usage.CPUInUse, 1)
		require.GreaterOrEqual(t, usage.MemoryAvailable, 0)
	}

	stats := s.Stats()
	assert.Greater(t, stats.TotalProcesses, 2)
	assert.Positive(t, stats.Completed)
	assert.Equal(t, uint64(600), s.Ticks())

	// every live process still holds its name; terminated ones gave it back
	snap := s.Snapshot()
	for _, v := range append(snap.Ready, snap.Waiting...) {
		if v.Name != "Producer" && v.Name != "Consumer" {
			assert.True(t, s.gen.InUse(v.Name), v.Name)
		}
	}
}

func TestSameSeedSameRun(t *testing.T) {
	run := func() (int, int64, float64) {
		s := newSession(t, testConfig())
		stats := s.RunTicks(300)
		return stats.TotalProcesses, stats.CurrentTime, stats.AvgTurnaroundTime
	}
	a1, a2, a3 := run()
	b1, b2, b3 := run()
	assert.Equal(t, a1, b1)
	assert.Equal(t, a2, b2)
	assert.Equal(t, a3, b3)
}

func TestInjectedRandSource(t *testing.T) {
	s, err := NewSession(testConfig(), Options{Logger: quietLogger(), Rand: rand.New(rand.NewSource(1))})
	require.NoError(t, err)
	defer s.Close()
	s.RunTicks(50)
	assert.Positive(t, s.Stats().TotalProcesses)
}

func TestDemoThroughSession(t *testing.T) {
	s := newSession(t, quietConfig())

	require.NoError(t, s.StartDemo())
	assert.ErrorIs(t, s.StartDemo(), demo.ErrAlreadyRunning)
	assert.Equal(t, 4096-100, s.Usage().MemoryAvailable)

	s.RunTicks(60)
	snap := s.Snapshot()
	assert.True(t, snap.Demo.Running)
	assert.Positive(t, snap.Demo.Produced)
	assert.Positive(t, snap.Demo.Consumed)
	assert.GreaterOrEqual(t, snap.Demo.Produced, snap.Demo.Consumed)
	assert.LessOrEqual(t, snap.Demo.Produced-snap.Demo.Consumed, 5)
	assert.Equal(t, snap.Demo.Produced-snap.Demo.Consumed, snap.Demo.InBuffer)
	require.NoError(t, s.Check())

	// demo roles are not user-suspendable
	assert.False(t, s.SuspendProcess(process.PID(snap.Demo.ProducerPID)))

	s.ResetDemo()
	snap = s.Snapshot()
	assert.Zero(t, snap.Demo.Produced)
	assert.Zero(t, snap.Demo.InBuffer)

	require.NoError(t, s.StopDemo())
	assert.ErrorIs(t, s.StopDemo(), demo.ErrNotRunning)
	assert.Equal(t, 4096, s.Usage().MemoryAvailable)
	assert.Equal(t, 2, s.Stats().ForcedTerminations)
	require.NoError(t, s.Check())
}

func TestTerminateDemoRoleFreesMutex(t *testing.T) {
	s := newSession(t, quietConfig())
	require.NoError(t, s.StartDemo())
	s.Tick()

	producer, _ := s.demo.Roles()
	assert.True(t, s.Terminate(producer.PID))
	assert.False(t, s.demo.Mutex().Locked())
	s.RunTicks(10)
	require.NoError(t, s.Check())
}

func TestTerminatingDemoRoleStopsDemo(t *testing.T) {
	s := newSession(t, quietConfig())
	require.NoError(t, s.StartDemo())
	s.RunTicks(3)

	producer, consumer := s.demo.Roles()
	require.True(t, s.Terminate(producer.PID))
	assert.False(t, s.demo.Running())
	assert.False(t, s.Terminate(consumer.PID), "consumer already terminated")
	assert.Equal(t, 2, s.Stats().ForcedTerminations)
	assert.Equal(t, 4096, s.Usage().MemoryAvailable)

	s.RunTicks(200)
	require.NoError(t, s.Check())
	require.NoError(t, s.StartDemo())
	assert.True(t, s.Snapshot().Demo.Running)
}

func TestDemoRoleNamesReserved(t *testing.T) {
	s := newSession(t, quietConfig())
	require.NoError(t, s.StartDemo())

	for _, name := range []string{"Producer", "Consumer"} {
		_, err := s.Admit(ProcessSpec{Name: name, BurstTime: 10, Memory: 10})
		assert.ErrorIs(t, err, ErrInvalidProcess, name)
	}

	require.NoError(t, s.StopDemo())
	pid, err := s.Admit(ProcessSpec{Name: "Producer", BurstTime: 10, Memory: 10})
	require.NoError(t, err)
	assert.ErrorIs(t, s.StartDemo(), ErrInvalidProcess)
	assert.False(t, s.demo.Running())

	require.True(t, s.Terminate(pid))
	require.NoError(t, s.StartDemo())
	require.NoError(t, s.Check())
}

func TestDrain(t *testing.T) {
	s := newSession(t, quietConfig())
	for i := 0; i < 4; i++ {
		_, err := s.Admit(ProcessSpec{BurstTime: 30, Memory: 50})
		require.NoError(t, err)
	}
	stats := s.Drain(10_000)
	assert.Equal(t, 4, stats.Completed)
	assert.Equal(t, int64(120), stats.CurrentTime)
	assert.Equal(t, 4096, s.Usage().MemoryAvailable)
	assert.Zero(t, s.Usage().CPUInUse)
}

func TestSnapshotWindow(t *testing.T) {
	s, err := NewSession(quietConfig(), Options{
		Logger: quietLogger(),
		Window: Window{Terminated: 2, Events: 3, Accesses: 1},
	})
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 5; i++ {
		_, err := s.Admit(ProcessSpec{BurstTime: 10, Memory: 10})
		require.NoError(t, err)
	}
	s.RunTicks(6)

	snap := s.Snapshot()
	assert.Len(t, snap.Terminated, 2)
	assert.Len(t, snap.Events, 3)
	assert.Greater(t, snap.Terminated[0].PID, snap.Terminated[1].PID, "newest first")
	assert.Less(t, snap.Events[0].Seq, snap.Events[2].Seq)
	assert.Len(t, s.Events(0), int(s.events.Len()))
}

func TestTraceJournalRecordsEveryEvent(t *testing.T) {
	cfg := testConfig()
	cfg.Trace.Path = filepath.Join(t.TempDir(), "data", "trace.log")
	s, err := NewSession(cfg, Options{Logger: quietLogger()})
	require.NoError(t, err)

	s.RunTicks(40)
	total := s.events.Total()
	require.NoError(t, s.Close())

	n, err := trace.Count(cfg.Trace.Path)
	require.NoError(t, err)
	assert.Equal(t, int(total), n)

	last, err := trace.LastEntry(cfg.Trace.Path)
	require.NoError(t, err)
	assert.Equal(t, s.ID(), last.Session)
}

func TestMetricsFollowSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := NewSession(quietConfig(), Options{Logger: quietLogger(), Metrics: metrics.NewCollector(reg)})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Admit(ProcessSpec{Name: "A", BurstTime: 20, Memory: 100})
	require.NoError(t, err)
	pid, err := s.Admit(ProcessSpec{Name: "B", BurstTime: 500, Memory: 100})
	require.NoError(t, err)
	_, err = s.Admit(ProcessSpec{Name: "C", Memory: 10_000})
	require.Error(t, err)

	s.RunTicks(3)
	require.True(t, s.SuspendProcess(pid))
	s.Tick()

	assert.Equal(t, 4.0, gatherValue(t, reg, "procsim_ticks_total"))
	assert.Equal(t, 2.0, gatherValue(t, reg, "procsim_processes_admitted_total"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "procsim_admissions_rejected_total"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "procsim_processes_completed_total"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "procsim_blocks_total"))
	assert.Equal(t, 2.0, gatherValue(t, reg, "procsim_context_switches_total"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "procsim_waiting_processes"))
	assert.Equal(t, 100.0, gatherValue(t, reg, "procsim_memory_used_mb"))
	assert.Equal(t, 30.0, gatherValue(t, reg, "procsim_sim_time_ms"), "idle ticks do not advance the clock")
}

// gatherValue sums every sample of the named counter or gauge.
func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		total := 0.0
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
		return total
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}
