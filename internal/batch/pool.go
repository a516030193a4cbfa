// ============================================================================
// procsim Batch Pool - Concurrent Headless Runs
// ============================================================================
//
// Package: internal/batch
// File: pool.go
// Purpose: Manage a fixed set of worker goroutines that execute independent
// simulation sessions.
//
// Design:
//   Worker Pool pattern:
//   1. A fixed number of worker goroutines run for the pool's lifetime
//   2. Tasks are distributed over one shared task channel
//   3. Results are collected over one result channel
//
//   ┌─────────────┐
//   │  Compare    │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool()   - create channels
//   2. Start(n)    - launch n workers
//   3. Submit()    - queue a task
//   4. ReceiveResult() - read one result
//   5. Close()     - stop accepting tasks, finish queued ones, close results
//      Stop()      - cancel in-flight runs, then Close()
//
// Concurrency:
//   - Submit holds the read lock for the whole send, Close takes the write
//     lock before closing taskCh, so a send never hits a closed channel.
//   - Results already buffered stay readable after Close.
//
// ============================================================================

package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var log = slog.Default()

var (
	// ErrPoolClosed: the pool no longer accepts tasks, or every result has
	// been read.
	ErrPoolClosed = errors.New("batch pool is closed")
	// ErrPoolNotStarted: Submit before Start.
	ErrPoolNotStarted = errors.New("batch pool not started")
	// ErrPoolStarted: Start called twice.
	ErrPoolStarted = errors.New("batch pool already started")
)

// Pool runs tasks on a fixed set of workers.
type Pool struct {
	run      RunFunc
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.RWMutex
	started  bool
	closed   bool
}

// NewPool creates a pool whose task and result channels hold bufferSize
// entries.
func NewPool(bufferSize int, run RunFunc) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		run:      run,
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if p.closed {
		return ErrPoolClosed
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(p.ctx, i, p.run, p.taskCh, p.resultCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	log.Debug("Batch pool started", "workers", workerCount)
	return nil
}

// Submit queues task. It blocks while the task buffer is full.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.closed {
		return ErrPoolClosed
	}
	p.taskCh <- task
	return nil
}

// ReceiveResult returns the next result. It returns ErrPoolClosed once the
// pool is closed and every result has been read, or ctx.Err() when ctx ends
// first.
func (p *Pool) ReceiveResult(ctx context.Context) (Result, error) {
	select {
	case r, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Close stops accepting tasks, waits for the workers to finish the queued
// ones and closes the result channel. Safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.taskCh)
	started := p.started
	p.mu.Unlock()

	if started {
		p.wg.Wait()
	}
	close(p.resultCh)
	p.cancel()
	log.Debug("Batch pool closed")
}

// Stop cancels in-flight and queued runs, then closes the pool.
func (p *Pool) Stop() {
	p.cancel()
	p.Close()
}

// WorkerCount returns the number of started workers.
func (p *Pool) WorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}
