package ipc

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/procsim/internal/eventlog"
	"github.com/ChuLiYu/procsim/internal/process"
	"github.com/ChuLiYu/procsim/pkg/types"
)

// Access is one audit record of a Channel.
type Access[T any] struct {
	Action string // "write" or "read"
	Actor  process.Ref
	Item   T
	Time   time.Time
	Size   int // buffer size after the access
}

// Fill states of a Channel.
const (
	FillEmpty   = "EMPTY"
	FillPartial = "PARTIAL"
	FillFull    = "FULL"
)

// Channel is a fixed-capacity FIFO buffer shared between simulated
// processes. Writes to a full channel and reads from an empty one fail
// instead of waiting.
type Channel[T any] struct {
	capacity int
	items    []T
	log      []Access[T]
	writes   int
	reads    int

	now    func() time.Time
	events eventlog.Recorder
}

// NewChannel creates an empty channel. capacity must be positive.
func NewChannel[T any](capacity int, events eventlog.Recorder) *Channel[T] {
	if events == nil {
		events = eventlog.Discard
	}
	return &Channel[T]{
		capacity: capacity,
		items:    make([]T, 0, capacity),
		now:      time.Now,
		events:   events,
	}
}

// Write appends item. False when full.
func (c *Channel[T]) Write(actor process.Ref, item T) bool {
	if len(c.items) >= c.capacity {
		return false
	}
	c.items = append(c.items, item)
	c.writes++
	c.audit("write", actor, item)
	c.events.Record("Buffer", eventlog.Debug, "%s wrote %v [%d/%d]", actor, item, len(c.items), c.capacity)
	return true
}

// Read pops the oldest item. ok is false when empty.
func (c *Channel[T]) Read(actor process.Ref) (item T, ok bool) {
	if len(c.items) == 0 {
		return item, false
	}
	item = c.items[0]
	var zero T
	c.items[0] = zero
	c.items = c.items[1:]
	c.reads++
	c.audit("read", actor, item)
	c.events.Record("Buffer", eventlog.Debug, "%s read %v [%d/%d]", actor, item, len(c.items), c.capacity)
	return item, true
}

func (c *Channel[T]) audit(action string, actor process.Ref, item T) {
	c.log = append(c.log, Access[T]{
		Action: action,
		Actor:  actor,
		Item:   item,
		Time:   c.now(),
		Size:   len(c.items),
	})
}

// IsFull reports len == capacity.
func (c *Channel[T]) IsFull() bool { return len(c.items) >= c.capacity }

// IsEmpty reports len == 0.
func (c *Channel[T]) IsEmpty() bool { return len(c.items) == 0 }

// Size returns the number of buffered items.
func (c *Channel[T]) Size() int { return len(c.items) }

// Capacity returns the fixed capacity.
func (c *Channel[T]) Capacity() int { return c.capacity }

// Fill returns EMPTY, PARTIAL or FULL.
func (c *Channel[T]) Fill() string {
	switch {
	case c.IsEmpty():
		return FillEmpty
	case c.IsFull():
		return FillFull
	default:
		return FillPartial
	}
}

// Items returns a copy of the buffered items, oldest first.
func (c *Channel[T]) Items() []T {
	return append([]T(nil), c.items...)
}

// Totals returns the number of successful writes and reads.
func (c *Channel[T]) Totals() (writes, reads int) { return c.writes, c.reads }

// Recent returns up to n of the newest audit records, oldest first.
func (c *Channel[T]) Recent(n int) []Access[T] {
	if n <= 0 || n > len(c.log) {
		n = len(c.log)
	}
	return append([]Access[T](nil), c.log[len(c.log)-n:]...)
}

// Clear empties the buffer, the audit log and the totals.
func (c *Channel[T]) Clear() {
	c.items = make([]T, 0, c.capacity)
	c.log = nil
	c.writes = 0
	c.reads = 0
}

// View returns the display form with up to recent audit records (none when
// recent <= 0).
func (c *Channel[T]) View(recent int) types.BufferView {
	v := types.BufferView{
		Capacity:    c.capacity,
		Items:       make([]string, 0, len(c.items)),
		Fill:        c.Fill(),
		TotalWrites: c.writes,
		TotalReads:  c.reads,
	}
	for _, it := range c.items {
		v.Items = append(v.Items, fmt.Sprint(it))
	}
	if recent <= 0 {
		return v
	}
	for _, a := range c.Recent(recent) {
		v.Recent = append(v.Recent, types.BufferAccess{
			Action: a.Action,
			Actor:  a.Actor.String(),
			Item:   fmt.Sprint(a.Item),
			Size:   a.Size,
			Time:   a.Time,
		})
	}
	return v
}
