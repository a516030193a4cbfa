package process

import "sync"

// Allocator hands out process identities. One Allocator belongs to one
// simulation session; identities are never reused within it.
type Allocator struct {
	mu   sync.Mutex
	next PID
}

// NewAllocator returns an allocator whose first identity is 1.
func NewAllocator() *Allocator {
	return &Allocator{next: 1}
}

// Next returns a fresh identity.
func (a *Allocator) Next() PID {
	a.mu.Lock()
	defer a.mu.Unlock()
	pid := a.next
	a.next++
	return pid
}

// Peek returns the identity the next call to Next will hand out.
func (a *Allocator) Peek() PID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Reset rewinds the allocator to 1. Only call it when the session that owns
// the allocator discards every process it created.
func (a *Allocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next = 1
}
