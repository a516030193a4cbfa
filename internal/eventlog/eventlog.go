// Package eventlog keeps the session's human-readable event history.
//
// Every component that changes simulation state (scheduler, ledger, mutex,
// shared buffer, demo, driver) records what it did here. Storage is capped;
// the oldest entries are dropped first. Subscribers see every entry, which is
// how the slog mirror and the trace journal are fed.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Level is the severity of an event.
type Level int

const (
	Info Level = iota
	Warning
	Error
	Forced
	Debug
)

func (l Level) String() string {
	switch l {
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	case Forced:
		return "FORCED"
	case Debug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel is the inverse of Level.String.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "INFO":
		return Info, nil
	case "WARNING":
		return Warning, nil
	case "ERROR":
		return Error, nil
	case "FORCED":
		return Forced, nil
	case "DEBUG":
		return Debug, nil
	default:
		return Info, fmt.Errorf("unknown event level %q", s)
	}
}

// Entry is one recorded event.
type Entry struct {
	Seq     uint64
	SimTime int64 // simulated clock at the time of the event
	Time    time.Time
	Source  string
	Level   Level
	Message string
}

func (e Entry) String() string {
	return fmt.Sprintf("[t=%d] [%s] %s: %s", e.SimTime, e.Level, e.Source, e.Message)
}

// Subscriber receives every entry after it has been stored.
type Subscriber func(Entry)

// Recorder is the narrow interface components log through.
type Recorder interface {
	Record(source string, level Level, format string, args ...any)
}

// Log is a capped, append-only event store.
type Log struct {
	mu          sync.Mutex
	entries     []Entry
	capacity    int
	seq         uint64
	simClock    func() int64
	now         func() time.Time
	subscribers []Subscriber
}

// New creates a log holding at most capacity entries.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1
	}
	return &Log{
		entries:  make([]Entry, 0, min(capacity, 256)),
		capacity: capacity,
		simClock: func() int64 { return 0 },
		now:      time.Now,
	}
}

// SetSimClock installs the simulated clock used to stamp entries.
func (l *Log) SetSimClock(clock func() int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.simClock = clock
}

// Subscribe registers fn for every future entry.
func (l *Log) Subscribe(fn Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

// Record appends an entry. Subscribers run after the log lock is released.
func (l *Log) Record(source string, level Level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}

	l.mu.Lock()
	l.seq++
	e := Entry{
		Seq:     l.seq,
		SimTime: l.simClock(),
		Time:    l.now(),
		Source:  source,
		Level:   level,
		Message: msg,
	}
	if len(l.entries) == l.capacity {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, e)
	subs := l.subscribers
	l.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
}

// Recent returns up to n of the newest entries, oldest first. n <= 0 returns
// everything retained.
func (l *Log) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Total returns how many entries were ever recorded, dropped ones included.
func (l *Log) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Clear drops every retained entry. Sequence numbers keep increasing.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
}

// SlogMirror returns a subscriber that forwards entries to logger.
// FORCED becomes WARN with forced=true.
func SlogMirror(logger *slog.Logger) Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return func(e Entry) {
		level := slog.LevelInfo
		attrs := []slog.Attr{
			slog.String("source", e.Source),
			slog.Int64("sim_time", e.SimTime),
		}
		switch e.Level {
		case Warning:
			level = slog.LevelWarn
		case Error:
			level = slog.LevelError
		case Debug:
			level = slog.LevelDebug
		case Forced:
			level = slog.LevelWarn
			attrs = append(attrs, slog.Bool("forced", true))
		}
		logger.LogAttrs(context.Background(), level, e.Message, attrs...)
	}
}

// Discard is a Recorder that drops everything.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(string, Level, string, ...any) {}
