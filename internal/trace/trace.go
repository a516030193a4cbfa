package trace

// ============================================================================
// Trace Journal
// Responsibility:
// 1. Append every event-log entry to a JSON-lines file
// 2. Stamp each line with a CRC32 checksum and a monotonically increasing seq
// 3. Replay a journal for inspection (never to restore a session)
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/procsim/internal/eventlog"
)

var (
	// ErrChecksumMismatch: a line was altered or truncated.
	ErrChecksumMismatch = errors.New("trace: checksum mismatch")
	// ErrClosed: the journal has been closed.
	ErrClosed = errors.New("trace: journal closed")
)

// Entry is one journal line.
type Entry struct {
	Seq       uint64 `json:"seq"`
	Session   string `json:"session"`
	SimTime   int64  `json:"sim_time"`
	Timestamp int64  `json:"timestamp"` // unix ms
	Source    string `json:"source"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Checksum  uint32 `json:"checksum"`
}

// Handler receives replayed entries. Returning an error stops the replay.
type Handler func(Entry) error

// File is the subset of *os.File the journal writes through.
type File interface {
	io.Writer
	Sync() error
	Close() error
}

// Options tune buffering.
type Options struct {
	BufferSize    int           // entries held before a flush
	FlushInterval time.Duration // max age of the oldest buffered entry
}

// DefaultOptions flushes every 64 entries or every second.
func DefaultOptions() Options {
	return Options{BufferSize: 64, FlushInterval: time.Second}
}

// Journal is an append-only trace file.
type Journal struct {
	mu        sync.Mutex
	file      File
	encoder   *json.Encoder
	path      string
	session   string
	seq       uint64
	buffer    []Entry
	opts      Options
	lastFlush time.Time
	closed    bool
	now       func() time.Time
}

// Checksum covers the fields a reader depends on.
func Checksum(seq uint64, level, source, message string) uint32 {
	data := strconv.FormatUint(seq, 10) + "|" + level + "|" + source + "|" + message
	return crc32.ChecksumIEEE([]byte(data))
}

// Verify reports whether e carries a valid checksum.
func Verify(e Entry) bool {
	return e.Checksum == Checksum(e.Seq, e.Level, e.Source, e.Message)
}

// Open opens or creates the journal at path. Sequence numbers continue
// from the last valid entry already in the file.
func Open(path, session string, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace journal: %w", err)
	}

	var seq uint64
	if stat, err := file.Stat(); err == nil && stat.Size() > 0 {
		if last, err := LastEntry(path); err == nil && last != nil {
			seq = last.Seq
		}
	}
	return newJournal(file, path, session, seq, opts), nil
}

func newJournal(file File, path, session string, seq uint64, opts Options) *Journal {
	return &Journal{
		file:      file,
		encoder:   json.NewEncoder(file),
		path:      path,
		session:   session,
		seq:       seq,
		buffer:    make([]Entry, 0, opts.BufferSize),
		opts:      opts,
		lastFlush: time.Now(),
		now:       time.Now,
	}
}

// Append journals one event-log entry.
func (j *Journal) Append(e eventlog.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	j.seq++
	level := e.Level.String()
	ts := e.Time
	if ts.IsZero() {
		ts = j.now()
	}
	j.buffer = append(j.buffer, Entry{
		Seq:       j.seq,
		Session:   j.session,
		SimTime:   e.SimTime,
		Timestamp: ts.UnixMilli(),
		Source:    e.Source,
		Level:     level,
		Message:   e.Message,
		Checksum:  Checksum(j.seq, level, e.Source, e.Message),
	})

	if len(j.buffer) >= j.opts.BufferSize ||
		(j.opts.FlushInterval > 0 && j.now().Sub(j.lastFlush) >= j.opts.FlushInterval) {
		return j.flushLocked()
	}
	return nil
}

// Subscriber adapts the journal to the event log. Write errors are logged,
// not propagated, so a full disk never stalls a tick.
func (j *Journal) Subscriber(logger *slog.Logger) eventlog.Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return func(e eventlog.Entry) {
		if err := j.Append(e); err != nil && !errors.Is(err, ErrClosed) {
			logger.Error("Failed to append trace entry", "seq", e.Seq, "error", err)
		}
	}
}

// Flush writes buffered entries and syncs the file.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

func (j *Journal) flushLocked() error {
	for _, e := range j.buffer {
		if err := j.encoder.Encode(e); err != nil {
			return fmt.Errorf("trace: write seq=%d: %w", e.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlush = j.now()
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("trace: sync: %w", err)
	}
	return nil
}

// Close flushes and closes the file. The journal cannot be reused.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	flushErr := j.flushLocked()
	j.closed = true
	if err := j.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// LastSeq returns the last sequence number handed out.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// ============================================================================
// Reading
// ============================================================================

// Replay feeds every entry in path to handler, verifying checksums. It
// stops at the first corrupt line with an error naming its line number.
func Replay(path string, handler Handler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("trace: line %d: %w", line, err)
		}
		if !Verify(e) {
			return fmt.Errorf("%w at line %d (seq=%d)", ErrChecksumMismatch, line, e.Seq)
		}
		if err := handler(e); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// LastEntry returns the last valid entry in path, or nil when it has none.
func LastEntry(path string) (*Entry, error) {
	var last *Entry
	err := Replay(path, func(e Entry) error {
		last = &e
		return nil
	})
	if err != nil && last == nil {
		return nil, err
	}
	return last, nil
}

// Count returns the number of valid entries before the first corrupt one.
func Count(path string) (int, error) {
	n := 0
	err := Replay(path, func(Entry) error {
		n++
		return nil
	})
	return n, err
}
