// ============================================================================
// procsim Batch Worker - Headless Run Executor
// ============================================================================
//
// Package: internal/batch
// File: worker.go
// Purpose: Execution unit of the batch pool. Each worker runs in its own
// goroutine and executes one headless session per task.
//
// How it works:
//   1. Receive a task from taskCh (blocking)
//   2. Run it with a per-task context derived from the pool's context
//      (timeout when Task.Timeout > 0)
//   3. Send the result to resultCh
//   4. Repeat until taskCh is closed
//
// Cancellation:
//   The run function checks ctx between ticks; a timed-out run reports
//   context.DeadlineExceeded in its Result.
//
// ============================================================================

package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/procsim/internal/config"
	"github.com/ChuLiYu/procsim/internal/simulation"
	"github.com/ChuLiYu/procsim/pkg/types"
)

// RunFunc executes one task and returns its report.
type RunFunc func(ctx context.Context, task Task) (types.Report, error)

// cancelCheckEvery is how many ticks run between context checks.
const cancelCheckEvery = 64

// SessionRunner returns a RunFunc that builds a fresh session from base with
// the task's policy and seed. Report, trace, metrics and server are always
// disabled for batch runs.
func SessionRunner(base config.Config, logger *slog.Logger) RunFunc {
	return func(ctx context.Context, task Task) (types.Report, error) {
		cfg := base
		cfg.Scheduling.Policy = task.Policy
		cfg.Simulation.Seed = task.Seed
		cfg.Report.Path = ""
		cfg.Trace.Path = ""
		cfg.Metrics.Enabled = false
		cfg.Server.Enabled = false

		sess, err := simulation.NewSession(cfg, simulation.Options{Logger: logger})
		if err != nil {
			return types.Report{}, err
		}
		defer sess.Close()

		for i := 0; i < task.Ticks; i++ {
			if i%cancelCheckEvery == 0 {
				if err := ctx.Err(); err != nil {
					return types.Report{}, fmt.Errorf("run %d stopped after %d ticks: %w", task.ID, i, err)
				}
			}
			sess.Tick()
		}
		if task.Drain {
			sess.Drain(task.Limit)
		}
		return sess.Report(), nil
	}
}

// Worker pulls tasks and pushes results.
type Worker struct {
	id       int
	ctx      context.Context // cancelled by Pool.Stop
	run      RunFunc
	taskCh   <-chan Task
	resultCh chan<- Result
}

func newWorker(ctx context.Context, id int, run RunFunc, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		ctx:      ctx,
		run:      run,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the worker main loop. It returns when taskCh is closed. The result
// send blocks, so the pool's result buffer or a concurrent reader must keep
// up with the workers.
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		ctx := w.ctx
		cancel := func() {}
		if task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		}
		report, err := w.run(ctx, task)
		cancel()

		if err != nil {
			log.Debug("Batch run failed", "worker", w.id, "task", task.ID, "policy", task.Policy, "error", err)
		}
		w.resultCh <- Result{
			Task:     task,
			Report:   report,
			Err:      err,
			Duration: time.Since(start),
		}
	}
}
