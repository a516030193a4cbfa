// ============================================================================
// Procsim Session - Simulation Core Coordinator
// ============================================================================
//
// Package: internal/simulation
// File: session.go
// Purpose: Own every component of one simulation run and advance it one
//          tick at a time.
//
// Components:
//   - Allocator:  session-owned PID source
//   - Log:        capped event log, mirrored to slog and the trace journal
//   - Ledger:     memory and CPU-slot accounting
//   - Scheduler:  ready/running/waiting/terminated queues
//   - Demo:       producer/consumer pair sharing a bounded buffer
//   - Generator:  names, bursts, priorities and memory for new processes
//
// Tick (in order):
//   a. dispatch and execute one time slice; a finished process gives back
//      its memory and CPU slot
//   b. advance the demo, producer or consumer first at random
//   c. one weighted draw: admit a generated process, block a random ready
//      process, unblock a random waiting process, or nothing
//   d. reclaim the names and resources of processes terminated since the
//      previous tick
//
// Concurrency:
//   Every mutation (ticks and external entry points alike) runs under mu,
//   so readers always observe a between-ticks state. The driver lives in
//   driver.go.
//
// Demo roles:
//   Producer and Consumer are driven by the demo alone. Random injections
//   and SuspendProcess/ResumeProcess skip them so the mutex wait list and
//   role states stay in step with the scheduler.
//
// ============================================================================

package simulation

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/procsim/internal/config"
	"github.com/ChuLiYu/procsim/internal/demo"
	"github.com/ChuLiYu/procsim/internal/eventlog"
	"github.com/ChuLiYu/procsim/internal/generator"
	"github.com/ChuLiYu/procsim/internal/metrics"
	"github.com/ChuLiYu/procsim/internal/process"
	"github.com/ChuLiYu/procsim/internal/report"
	"github.com/ChuLiYu/procsim/internal/resources"
	"github.com/ChuLiYu/procsim/internal/scheduler"
	"github.com/ChuLiYu/procsim/internal/trace"
	"github.com/ChuLiYu/procsim/pkg/types"
)

const (
	source      = "Simulation"
	demoSource  = "ProducerConsumer"
	ioReason    = "waiting for I/O"
	userReason  = "suspended by user"
	maxPriority = 10
)

var (
	ErrInvalidProcess = errors.New("invalid process parameters")
	ErrReportDisabled = errors.New("no report path configured")
)

// ============================================================================
// Types
// ============================================================================

// Window bounds the lists a Snapshot carries.
type Window struct {
	Terminated int // newest terminated processes
	Events     int // newest event-log entries
	Accesses   int // newest buffer accesses
}

// DefaultWindow is what the status views show.
func DefaultWindow() Window {
	return Window{Terminated: 20, Events: 50, Accesses: 10}
}

// Options carries the collaborators a caller may inject.
type Options struct {
	Logger  *slog.Logger       // defaults to slog.Default()
	Metrics *metrics.Collector // nil disables instrumentation
	Rand    *rand.Rand         // overrides simulation.seed
	Window  Window
}

// ProcessSpec describes a manually admitted process. Zero fields are
// filled from the generator.
type ProcessSpec struct {
	Name      string
	BurstTime int64
	Priority  int
	Memory    int
}

// counters is the set of monotonic totals mirrored into Prometheus.
type counters struct {
	admitted, rejected, forced, blocks, switches, produced, consumed int
}

// Session is one simulation run.
type Session struct {
	mu     sync.Mutex
	cfg    config.Config
	id     string
	logger *slog.Logger
	window Window

	alloc  *process.Allocator
	events *eventlog.Log
	ledger *resources.Ledger
	sched  *scheduler.Scheduler
	demo   *demo.ProducerConsumer
	gen    *generator.Generator
	rng    *rand.Rand

	metrics *metrics.Collector
	journal *trace.Journal
	reports *report.Manager

	ticks       atomic.Uint64
	reclaimed   int // prefix of the terminated list already reclaimed
	rejected    int
	seen        counters
	turnarounds []int64 // natural completions not yet observed

	// driver state, see driver.go
	dmu     sync.Mutex
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	running atomic.Bool
	paused  atomic.Bool
	speed   atomic.Uint64 // math.Float64bits
}

// ============================================================================
// Construction
// ============================================================================

// NewSession validates cfg and wires a fresh session. An invalid
// configuration aborts construction with config.ErrInvalidConfig.
func NewSession(cfg config.Config, opts Options) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := opts.Window
	if window == (Window{}) {
		window = DefaultWindow()
	}

	id := uuid.NewString()
	rng := opts.Rand
	if rng == nil {
		seed := cfg.Simulation.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		rng = rand.New(rand.NewSource(seed))
	}

	events := eventlog.New(cfg.Simulation.EventLogSize)
	events.Subscribe(eventlog.SlogMirror(logger.With("session", id)))

	sched := scheduler.New(cfg.Policy(), events)
	events.SetSimClock(sched.Now)
	ledger := resources.NewLedger(cfg.Resources.CPUSlots, cfg.Resources.TotalMemory, events)
	alloc := process.NewAllocator()

	s := &Session{
		cfg:     cfg,
		id:      id,
		logger:  logger,
		window:  window,
		alloc:   alloc,
		events:  events,
		ledger:  ledger,
		sched:   sched,
		demo:    demo.New(cfg.DemoConfig(), sched, ledger, alloc, events),
		gen:     generator.New(cfg.GeneratorConfig(), rand.New(rand.NewSource(rng.Int63()))),
		rng:     rng,
		metrics: opts.Metrics,
	}
	s.speed.Store(math.Float64bits(cfg.Simulation.Speed))

	if path := cfg.Trace.Path; path != "" {
		if err := ensureDir(path); err != nil {
			return nil, fmt.Errorf("trace journal: %w", err)
		}
		j, err := trace.Open(path, id, trace.DefaultOptions())
		if err != nil {
			return nil, err
		}
		s.journal = j
		events.Subscribe(j.Subscriber(logger))
	}
	if path := cfg.Report.Path; path != "" {
		s.reports = report.NewManager(path)
	}

	events.Record(source, eventlog.Info, "session %s created (policy=%s, cpus=%d, memory=%dMB, slice=%dms)",
		id, cfg.Policy(), cfg.Resources.CPUSlots, cfg.Resources.TotalMemory, cfg.Scheduling.TimeSlice)
	return s, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Close stops the driver if it runs and flushes the trace journal.
func (s *Session) Close() error {
	if err := s.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		s.logger.Error("Failed to stop driver on close", "error", err)
	}
	if s.journal != nil {
		return s.journal.Close()
	}
	return nil
}

// ============================================================================
// Tick
// ============================================================================

// Tick advances the simulation by one step.
func (s *Session) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickLocked()
}

// RunTicks executes n ticks back to back and returns the statistics.
func (s *Session) RunTicks(n int) types.SchedulerStats {
	for i := 0; i < n; i++ {
		s.Tick()
	}
	return s.Stats()
}

// Drain runs the remaining work to completion, without injections or demo
// steps, until the queues empty or the clock reaches limit.
func (s *Session) Drain(limit int64) types.SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.sched.RunToCompletion(limit, s.cfg.Scheduling.TimeSlice)
	s.reclaimLocked()
	s.syncCPULocked(s.sched.Running())
	s.observeLocked(false)
	return stats
}

func (s *Session) tickLocked() {
	s.ticks.Add(1)

	// a. dispatch + execute
	if current := s.sched.Schedule(); current != nil {
		s.syncCPULocked(current)
		if p, finished := s.sched.ExecuteCurrent(s.cfg.Scheduling.TimeSlice); finished {
			s.releaseLocked(p)
		}
	}

	// b. demo
	if s.demo.Running() {
		for _, msg := range s.demo.Step(s.rng.Intn(2) == 0) {
			s.events.Record(demoSource, eventlog.Info, "%s", msg)
		}
	}

	// c. injection
	s.injectLocked()

	// d. reclaim
	s.reclaimLocked()
	s.syncCPULocked(s.sched.Running())
	s.observeLocked(true)
}

func (s *Session) injectLocked() {
	probs := s.cfg.Simulation.Probabilities
	r := s.rng.Float64()
	switch {
	case r < probs.Admit:
		s.admitGeneratedLocked()
	case r < probs.Admit+probs.Block:
		if p := s.pickLocked(s.sched.ReadyQueue()); p != nil {
			s.sched.BlockProcess(p.PID, ioReason)
		}
	case r < probs.Admit+probs.Block+probs.Unblock:
		if p := s.pickLocked(s.sched.WaitingQueue()); p != nil {
			s.sched.UnblockProcess(p.PID)
		}
	}
}

// pickLocked returns a uniformly random non-demo process from procs.
func (s *Session) pickLocked(procs []*process.Process) *process.Process {
	candidates := procs[:0:0]
	for _, p := range procs {
		if !s.isDemoRole(p.PID) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[s.rng.Intn(len(candidates))]
}

func (s *Session) admitGeneratedLocked() {
	memory := s.gen.NextMemoryRequirement()
	if available := s.ledger.AvailableMemory(); memory > available {
		s.rejected++
		s.events.Record(source, eventlog.Warning, "admission skipped: %dMB requested, %dMB available",
			memory, available)
		return
	}
	name := s.gen.NextName()
	p := process.New(s.alloc.Next(), name, s.gen.NextBurstTime(), s.gen.NextPriority(), memory)
	if err := s.admitLocked(p); err != nil {
		s.gen.ReleaseName(name)
	}
}

// admitLocked reserves memory then enqueues p. On failure nothing changes.
func (s *Session) admitLocked(p *process.Process) error {
	if err := s.ledger.RequestMemory(p); err != nil {
		s.rejected++
		return err
	}
	if err := s.sched.AddProcess(p); err != nil {
		_ = s.ledger.ReleaseMemory(p)
		return err
	}
	return nil
}

// releaseLocked returns whatever p still holds in the ledger.
func (s *Session) releaseLocked(p *process.Process) {
	if _, held := s.ledger.Allocation(p.PID); held {
		_ = s.ledger.ReleaseMemory(p)
	}
	if s.ledger.HoldsCPU(p.PID) {
		_ = s.ledger.ReleaseCPUSlot(p.PID)
	}
}

// reclaimLocked releases names and resources of processes terminated since
// the last call.
func (s *Session) reclaimLocked() {
	terminated := s.sched.Terminated()
	if s.reclaimed > len(terminated) {
		s.reclaimed = 0
	}
	for _, p := range terminated[s.reclaimed:] {
		s.releaseLocked(p)
		if !s.isDemoRole(p.PID) {
			s.gen.ReleaseName(p.Name)
		}
		if p.RemainingTime == 0 {
			s.turnarounds = append(s.turnarounds, p.TurnaroundTime)
		}
	}
	s.reclaimed = len(terminated)
}

// syncCPULocked makes the running process the only CPU-slot holder.
func (s *Session) syncCPULocked(running *process.Process) {
	for _, pid := range s.ledger.CPUHolders() {
		if running == nil || pid != running.PID {
			_ = s.ledger.ReleaseCPUSlot(pid)
		}
	}
	if running != nil && !s.ledger.HoldsCPU(running.PID) {
		if err := s.ledger.RequestCPUSlot(running.PID); err != nil {
			s.events.Record(source, eventlog.Error, "cpu slot for %s: %v", running, err)
		}
	}
}

func (s *Session) isDemoRole(pid process.PID) bool {
	producer, consumer := s.demo.Roles()
	return pid != 0 && (pid == producer.PID || pid == consumer.PID)
}

func (s *Session) countersLocked() counters {
	produced, consumed := s.demo.Counters()
	stats := s.sched.Statistics()
	return counters{
		admitted: s.sched.TotalAdmitted(),
		rejected: s.rejected,
		forced:   stats.ForcedTerminations,
		blocks:   s.sched.Blocks(),
		switches: stats.ContextSwitches,
		produced: produced,
		consumed: consumed,
	}
}

// observeLocked pushes counter deltas and gauges to the collector.
func (s *Session) observeLocked(ticked bool) {
	cur := s.countersLocked()
	prev := s.seen
	s.seen = cur
	turnarounds := s.turnarounds
	s.turnarounds = nil

	m := s.metrics
	if m == nil {
		return
	}
	if ticked {
		m.RecordTick()
	}
	for i := prev.admitted; i < cur.admitted; i++ {
		m.RecordAdmitted()
	}
	for i := prev.rejected; i < cur.rejected; i++ {
		m.RecordRejected()
	}
	for i := prev.forced; i < cur.forced; i++ {
		m.RecordForced()
	}
	for i := prev.blocks; i < cur.blocks; i++ {
		m.RecordBlock()
	}
	for _, t := range turnarounds {
		m.RecordCompleted(t)
	}
	m.RecordContextSwitch(cur.switches - prev.switches)
	m.RecordDemoItems(cur.produced-prev.produced, cur.consumed-prev.consumed)
	m.UpdateGauges(s.sched.Statistics(), s.ledger.Usage(), s.demo.Buffer().Size())
}

// ============================================================================
// Entry points
// ============================================================================

// Admit admits a manually specified process. Insufficient memory returns
// resources.ErrInsufficientMemory and leaves every queue unchanged.
func (s *Session) Admit(spec ProcessSpec) (process.PID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observeLocked(false)

	if spec.BurstTime < 0 || spec.Memory < 0 || spec.Priority < 0 || spec.Priority > maxPriority {
		return 0, fmt.Errorf("%w: burst=%d priority=%d memory=%d",
			ErrInvalidProcess, spec.BurstTime, spec.Priority, spec.Memory)
	}
	if spec.Name != "" && s.gen.InUse(spec.Name) {
		return 0, fmt.Errorf("%w: name %q already in use", ErrInvalidProcess, spec.Name)
	}
	if spec.BurstTime == 0 {
		spec.BurstTime = s.gen.NextBurstTime()
	}
	if spec.Priority == 0 {
		spec.Priority = s.gen.NextPriority()
	}
	if spec.Memory == 0 {
		spec.Memory = s.gen.NextMemoryRequirement()
	}

	if available := s.ledger.AvailableMemory(); spec.Memory > available {
		s.rejected++
		s.events.Record(source, eventlog.Warning, "manual admission refused: %dMB requested, %dMB available",
			spec.Memory, available)
		return 0, fmt.Errorf("%w: %dMB requested, %dMB available",
			resources.ErrInsufficientMemory, spec.Memory, available)
	}

	if spec.Name == "" {
		spec.Name = s.gen.NextName()
	} else {
		s.gen.Reserve(spec.Name)
	}
	p := process.New(s.alloc.Next(), spec.Name, spec.BurstTime, spec.Priority, spec.Memory)
	if err := s.admitLocked(p); err != nil {
		s.gen.ReleaseName(spec.Name)
		return 0, err
	}
	s.events.Record(source, eventlog.Info, "manually admitted %s", p)
	return p.PID, nil
}

// Terminate force-terminates pid and immediately returns its memory, CPU
// slot and name. Terminating either demo role stops the demo. False when
// pid is unknown or already terminated.
func (s *Session) Terminate(pid process.PID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	demoRole := s.isDemoRole(pid)
	if demoRole {
		s.demo.Mutex().Forget(pid)
	}
	if !s.sched.TerminateProcess(pid) {
		return false
	}
	if demoRole && s.demo.Running() {
		// the surviving role would wait on its peer forever
		s.events.Record(source, eventlog.Warning, "demo role P%d terminated, stopping demo", pid)
		_ = s.stopDemoLocked()
	}
	s.reclaimLocked()
	s.syncCPULocked(s.sched.Running())
	s.observeLocked(false)
	return true
}

// SuspendProcess blocks pid on behalf of the user.
func (s *Session) SuspendProcess(pid process.PID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isDemoRole(pid) {
		s.events.Record(source, eventlog.Debug, "suspend P%d ignored: demo role", pid)
		return false
	}
	ok := s.sched.BlockProcess(pid, userReason)
	if ok {
		s.syncCPULocked(s.sched.Running())
		s.observeLocked(false)
	}
	return ok
}

// ResumeProcess unblocks pid.
func (s *Session) ResumeProcess(pid process.PID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isDemoRole(pid) {
		s.events.Record(source, eventlog.Debug, "resume P%d ignored: demo role", pid)
		return false
	}
	return s.sched.UnblockProcess(pid)
}

// StartDemo starts the producer/consumer demo. The role names stay
// reserved until the demo stops, so manual admissions cannot reuse them.
func (s *Session) StartDemo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observeLocked(false)

	producer, consumer := s.demo.RoleNames()
	for _, name := range []string{producer, consumer} {
		if !s.demo.Running() && s.gen.InUse(name) {
			return fmt.Errorf("%w: name %q already in use", ErrInvalidProcess, name)
		}
	}
	if err := s.demo.Start(); err != nil {
		return err
	}
	s.gen.Reserve(producer)
	s.gen.Reserve(consumer)
	return nil
}

// StopDemo stops the demo and reclaims both roles.
func (s *Session) StopDemo() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopDemoLocked(); err != nil {
		return err
	}
	s.reclaimLocked()
	s.syncCPULocked(s.sched.Running())
	s.observeLocked(false)
	return nil
}

// stopDemoLocked stops the demo and returns the role names to the
// generator.
func (s *Session) stopDemoLocked() error {
	if err := s.demo.Stop(); err != nil {
		return err
	}
	producer, consumer := s.demo.RoleNames()
	s.gen.ReleaseName(producer)
	s.gen.ReleaseName(consumer)
	return nil
}

// ResetDemo clears the buffer and counters.
func (s *Session) ResetDemo() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observeLocked(false)
	s.demo.Reset()
	s.seen.produced, s.seen.consumed = 0, 0
}

// ============================================================================
// Queries
// ============================================================================

// ID returns the session identity.
func (s *Session) ID() string { return s.id }

// Config returns the session configuration.
func (s *Session) Config() config.Config { return s.cfg }

// Ticks returns the number of ticks executed.
func (s *Session) Ticks() uint64 { return s.ticks.Load() }

// Stats returns the scheduler statistics.
func (s *Session) Stats() types.SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched.Statistics()
}

// Usage returns the ledger summary.
func (s *Session) Usage() types.ResourceUsage {
	return s.ledger.Usage()
}

// Events returns up to n of the newest events, oldest first. n <= 0
// returns everything retained.
func (s *Session) Events(n int) []types.Event {
	return eventViews(s.events.Recent(n))
}

// Lookup returns a copy of pid's control block.
func (s *Session) Lookup(pid process.PID) (types.ProcessView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.sched.Lookup(pid)
	if !ok {
		return types.ProcessView{}, false
	}
	return p.View(), true
}

// Snapshot returns a consistent between-ticks view.
func (s *Session) Snapshot() types.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := types.Snapshot{
		Driver:     s.Status(),
		Ready:      views(s.sched.ReadyQueue()),
		Waiting:    views(s.sched.WaitingQueue()),
		Terminated: views(s.sched.RecentTerminated(s.window.Terminated)),
		Stats:      s.sched.Statistics(),
		Resources:  s.ledger.Usage(),
		Demo:       s.demo.View(s.window.Accesses),
		Events:     eventViews(s.events.Recent(s.window.Events)),
	}
	if r := s.sched.Running(); r != nil {
		v := r.View()
		snap.Running = &v
	}
	return snap
}

// Report summarises the session so far.
func (s *Session) Report() types.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.Report{
		SchemaVer:  types.ReportSchemaVersion,
		SessionID:  s.id,
		CreatedAt:  time.Now().UTC(),
		Policy:     s.cfg.Policy().String(),
		TimeSlice:  s.cfg.Scheduling.TimeSlice,
		Config:     s.cfg.Summary(),
		Ticks:      s.ticks.Load(),
		Stats:      s.sched.Statistics(),
		Resources:  s.ledger.Usage(),
		Demo:       s.demo.View(0),
		Terminated: views(s.sched.Terminated()),
	}
}

// SaveReport writes Report() to report.path.
func (s *Session) SaveReport() error {
	if s.reports == nil {
		return ErrReportDisabled
	}
	return s.reports.Save(s.Report())
}

// Check verifies the ledger and scheduler invariants.
func (s *Session) Check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.ledger.Check(), s.sched.Check())
}

func views(procs []*process.Process) []types.ProcessView {
	out := make([]types.ProcessView, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.View())
	}
	return out
}

func eventViews(entries []eventlog.Entry) []types.Event {
	out := make([]types.Event, 0, len(entries))
	for _, e := range entries {
		out = append(out, types.Event{
			Seq:     e.Seq,
			SimTime: e.SimTime,
			Source:  e.Source,
			Level:   e.Level.String(),
			Message: e.Message,
		})
	}
	return out
}
