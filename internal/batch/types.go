package batch

import (
	"time"

	"github.com/ChuLiYu/procsim/pkg/types"
)

// Task is one headless simulation run.
type Task struct {
	ID      int
	Policy  string
	Seed    int64
	Ticks   int
	Drain   bool          // run remaining work to completion after Ticks
	Limit   int64         // simulated-time limit (ms) for Drain
	Timeout time.Duration // wall-clock bound, 0 means none
}

// Result is the outcome of one Task.
type Result struct {
	Task     Task
	Report   types.Report
	Err      error
	Duration time.Duration
}

// Success reports whether the run produced a report.
func (r Result) Success() bool { return r.Err == nil }
