// ============================================================================
// Procsim Producer/Consumer Demo
// ============================================================================
//
// Package: internal/demo
// File: demo.go
// Purpose: Two long-running simulated processes exchange items through a
//          bounded shared buffer guarded by a simulated mutex.
//
// Per-step protocol (producer shown, consumer is symmetric):
//   1. WaitingForSpace and the buffer has room → unblock self, go Idle
//   2. not Running                             → nothing this tick
//   3. mutex denied                            → scheduler already parked us
//   4. buffer full under the mutex             → release, block self,
//                                                WaitingForSpace
//   5. write, release
//   6. consumer WaitingForItem and buffer non-empty → wake it
//
// Role states are owned by this package. The scheduler only sees ordinary
// block/unblock calls.
//
// ============================================================================

package demo

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/procsim/internal/eventlog"
	"github.com/ChuLiYu/procsim/internal/ipc"
	"github.com/ChuLiYu/procsim/internal/process"
	"github.com/ChuLiYu/procsim/pkg/types"
)

const source = "ProducerConsumer"

var (
	ErrAlreadyRunning = errors.New("producer/consumer demo already running")
	ErrNotRunning     = errors.New("producer/consumer demo not running")
)

// Scheduler is the part of the scheduler the demo drives.
type Scheduler interface {
	ipc.Blocker
	AddProcess(p *process.Process) error
	TerminateProcess(pid process.PID) bool
	Lookup(pid process.PID) (*process.Process, bool)
}

// Ledger is the part of the resource ledger the demo drives.
type Ledger interface {
	RequestMemory(p *process.Process) error
	ReleaseMemory(p *process.Process) error
}

// RoleState is what a role is waiting for, if anything.
type RoleState int

const (
	Idle RoleState = iota
	WaitingForSpace
	WaitingForItem
)

func (r RoleState) String() string {
	switch r {
	case Idle:
		return "Idle"
	case WaitingForSpace:
		return "WaitingForSpace"
	case WaitingForItem:
		return "WaitingForItem"
	default:
		return "Unknown"
	}
}

// Config sizes the demo.
type Config struct {
	BufferSize int
	Memory     int   // MB per role
	Priority   int   // scheduling priority of both roles
	BurstTime  int64 // effectively unbounded
}

// DefaultConfig mirrors the stock demo: 5 slots, 50MB, priority 5.
func DefaultConfig() Config {
	return Config{BufferSize: 5, Memory: 50, Priority: 5, BurstTime: 999999}
}

type role struct {
	name  string
	ref   process.Ref
	state RoleState
}

// ProducerConsumer is the demo. It is driven by the simulation tick and is
// not safe for concurrent use on its own.
type ProducerConsumer struct {
	cfg    Config
	sched  Scheduler
	ledger Ledger
	alloc  *process.Allocator
	events eventlog.Recorder

	buffer *ipc.Channel[string]
	mutex  *ipc.Mutex

	producer role
	consumer role
	running  bool

	produced int
	consumed int
	counter  int
}

// New builds a stopped demo.
func New(cfg Config, sched Scheduler, ledger Ledger, alloc *process.Allocator, events eventlog.Recorder) *ProducerConsumer {
	if events == nil {
		events = eventlog.Discard
	}
	return &ProducerConsumer{
		cfg:      cfg,
		sched:    sched,
		ledger:   ledger,
		alloc:    alloc,
		events:   events,
		buffer:   ipc.NewChannel[string](cfg.BufferSize, events),
		mutex:    ipc.NewMutex("buffer_mutex", sched, events),
		producer: role{name: "Producer"},
		consumer: role{name: "Consumer"},
	}
}

// Running reports whether the demo processes are live.
func (d *ProducerConsumer) Running() bool { return d.running }

// Start creates and admits the producer and consumer. Memory for both is
// reserved before either enters the scheduler; on failure nothing is
// admitted.
func (d *ProducerConsumer) Start() error {
	if d.running {
		return ErrAlreadyRunning
	}

	prod := process.New(d.alloc.Next(), d.producer.name, d.cfg.BurstTime, d.cfg.Priority, d.cfg.Memory)
	cons := process.New(d.alloc.Next(), d.consumer.name, d.cfg.BurstTime, d.cfg.Priority, d.cfg.Memory)

	if err := d.ledger.RequestMemory(prod); err != nil {
		return fmt.Errorf("start producer: %w", err)
	}
	if err := d.ledger.RequestMemory(cons); err != nil {
		_ = d.ledger.ReleaseMemory(prod)
		return fmt.Errorf("start consumer: %w", err)
	}
	if err := d.sched.AddProcess(prod); err != nil {
		_ = d.ledger.ReleaseMemory(prod)
		_ = d.ledger.ReleaseMemory(cons)
		return fmt.Errorf("admit producer: %w", err)
	}
	if err := d.sched.AddProcess(cons); err != nil {
		_ = d.ledger.ReleaseMemory(cons)
		d.terminate(prod.Ref())
		return fmt.Errorf("admit consumer: %w", err)
	}

	d.producer.ref, d.producer.state = prod.Ref(), Idle
	d.consumer.ref, d.consumer.state = cons.Ref(), Idle
	d.running = true
	d.events.Record(source, eventlog.Info, "started with %s and %s (buffer %d)",
		prod, cons, d.cfg.BufferSize)
	return nil
}

// Stop releases both roles' memory and force-terminates them.
func (d *ProducerConsumer) Stop() error {
	if !d.running {
		return ErrNotRunning
	}
	d.terminate(d.producer.ref)
	d.terminate(d.consumer.ref)
	d.producer.state = Idle
	d.consumer.state = Idle
	d.running = false
	d.events.Record(source, eventlog.Info, "stopped (produced=%d, consumed=%d)", d.produced, d.consumed)
	return nil
}

func (d *ProducerConsumer) terminate(ref process.Ref) {
	if p, ok := d.sched.Lookup(ref.PID); ok {
		if err := d.ledger.ReleaseMemory(p); err != nil {
			d.events.Record(source, eventlog.Debug, "release %s: %v", ref, err)
		}
	}
	d.mutex.Forget(ref.PID)
	d.sched.TerminateProcess(ref.PID)
}

// Reset clears the buffer and the counters. Roles parked on the buffer are
// woken so they do not stay blocked on a condition that no longer exists.
func (d *ProducerConsumer) Reset() {
	for _, r := range []*role{&d.producer, &d.consumer} {
		if d.running && r.state != Idle && d.stateOf(r) == process.Waiting {
			d.sched.UnblockProcess(r.ref.PID)
		}
		r.state = Idle
	}
	d.buffer.Clear()
	d.produced = 0
	d.consumed = 0
	d.counter = 0
	d.events.Record(source, eventlog.Info, "reset")
}

// Step advances both roles once. The caller picks the order.
func (d *ProducerConsumer) Step(producerFirst bool) []string {
	if !d.running {
		return nil
	}
	var msgs []string
	steps := []func() string{d.ProduceStep, d.ConsumeStep}
	if !producerFirst {
		steps[0], steps[1] = steps[1], steps[0]
	}
	for _, step := range steps {
		if msg := step(); msg != "" {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// ProduceStep runs one producer step.
func (d *ProducerConsumer) ProduceStep() string {
	return d.step(&d.producer, &d.consumer, WaitingForSpace, WaitingForItem, d.buffer.IsFull, d.buffer.IsEmpty, d.produce)
}

// ConsumeStep runs one consumer step.
func (d *ProducerConsumer) ConsumeStep() string {
	return d.step(&d.consumer, &d.producer, WaitingForItem, WaitingForSpace, d.buffer.IsEmpty, d.buffer.IsFull, d.consume)
}

// step is the shared protocol. blocked reports the condition self waits
// on; peerBlocked the one the peer waits on.
func (d *ProducerConsumer) step(self, peer *role, selfWait, peerWait RoleState,
	blocked, peerBlocked func() bool, work func() string) string {

	if !d.running {
		return ""
	}
	st := d.stateOf(self)
	if st == process.Terminated {
		return ""
	}

	if self.state == selfWait {
		if blocked() {
			return fmt.Sprintf("%s: %s", self.name, waitMessage(selfWait))
		}
		if st == process.Waiting {
			d.sched.UnblockProcess(self.ref.PID)
		}
		self.state = Idle
		st = d.stateOf(self)
	}

	if st != process.Running {
		return ""
	}

	if !d.holdsMutex(self) && !d.mutex.Acquire(self.ref) {
		owner, _ := d.mutex.Owner()
		return fmt.Sprintf("%s: waiting on mutex (owner: P%d)", self.name, owner.PID)
	}

	if blocked() {
		d.mutex.Release(self.ref)
		d.sched.BlockProcess(self.ref.PID, blockReason(selfWait))
		self.state = selfWait
		return fmt.Sprintf("%s: %s, blocked", self.name, blockReason(selfWait))
	}

	msg := work()
	d.mutex.Release(self.ref)

	if peer.state == peerWait && !peerBlocked() {
		if d.stateOf(peer) == process.Waiting {
			d.sched.UnblockProcess(peer.ref.PID)
		}
		peer.state = Idle
	}
	return msg
}

func (d *ProducerConsumer) produce() string {
	d.counter++
	item := fmt.Sprintf("Item #%d", d.counter)
	d.buffer.Write(d.producer.ref, item)
	d.produced++
	return fmt.Sprintf("%s: produced %s", d.producer.name, item)
}

func (d *ProducerConsumer) consume() string {
	item, _ := d.buffer.Read(d.consumer.ref)
	d.consumed++
	return fmt.Sprintf("%s: consumed %s", d.consumer.name, item)
}

// holdsMutex covers a hand-off received while the role was parked on the
// mutex: it already owns the lock when it next runs.
func (d *ProducerConsumer) holdsMutex(r *role) bool {
	owner, held := d.mutex.Owner()
	return held && owner.PID == r.ref.PID
}

func (d *ProducerConsumer) stateOf(r *role) process.State {
	p, ok := d.sched.Lookup(r.ref.PID)
	if !ok {
		return process.Terminated
	}
	return p.State()
}

func blockReason(s RoleState) string {
	if s == WaitingForSpace {
		return "buffer full"
	}
	return "buffer empty"
}

func waitMessage(s RoleState) string {
	if s == WaitingForSpace {
		return "waiting for space in buffer"
	}
	return "waiting for items in buffer"
}

// ============================================================================
// Queries
// ============================================================================

// Counters returns produced and consumed totals.
func (d *ProducerConsumer) Counters() (produced, consumed int) { return d.produced, d.consumed }

// RoleStates returns the producer and consumer role states.
func (d *ProducerConsumer) RoleStates() (producer, consumer RoleState) {
	return d.producer.state, d.consumer.state
}

// Roles returns the producer and consumer references. Zero refs before the
// first Start.
func (d *ProducerConsumer) Roles() (producer, consumer process.Ref) {
	return d.producer.ref, d.consumer.ref
}

// RoleNames returns the display names the producer and consumer run under.
func (d *ProducerConsumer) RoleNames() (producer, consumer string) {
	return d.producer.name, d.consumer.name
}

// Buffer exposes the shared buffer for inspection.
func (d *ProducerConsumer) Buffer() *ipc.Channel[string] { return d.buffer }

// Mutex exposes the buffer mutex for inspection.
func (d *ProducerConsumer) Mutex() *ipc.Mutex { return d.mutex }

// View returns the display form with up to recent buffer accesses.
func (d *ProducerConsumer) View(recent int) types.DemoView {
	v := types.DemoView{
		Running:       d.running,
		Produced:      d.produced,
		Consumed:      d.consumed,
		InBuffer:      d.buffer.Size(),
		ProducerPID:   int64(d.producer.ref.PID),
		ConsumerPID:   int64(d.consumer.ref.PID),
		ProducerState: "N/A",
		ConsumerState: "N/A",
		Mutex:         d.mutex.View(),
		Buffer:        d.buffer.View(recent),
	}
	if d.producer.ref.PID != 0 {
		v.ProducerState = fmt.Sprintf("%s/%s", d.stateOf(&d.producer), d.producer.state)
	}
	if d.consumer.ref.PID != 0 {
		v.ConsumerState = fmt.Sprintf("%s/%s", d.stateOf(&d.consumer), d.consumer.state)
	}
	return v
}
