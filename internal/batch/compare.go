package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
)

// ErrInvalidOptions rejects a comparison that has nothing to run.
var ErrInvalidOptions = errors.New("invalid comparison options")

// Options configures Compare.
type Options struct {
	Policies []string
	Runs     int // seeds 1..Runs, shared across policies
	Ticks    int
	Drain    bool
	Limit    int64
	Workers  int           // 0 uses runtime.NumCPU()
	Timeout  time.Duration // per run, 0 means none
}

// Summary aggregates every run of one policy. Averages are means of the
// per-run values over successful runs.
type Summary struct {
	Policy          string   `json:"policy"`
	Runs            int      `json:"runs"`
	Failed          int      `json:"failed"`
	AvgWaiting      float64  `json:"avg_waiting_time"`
	AvgTurnaround   float64  `json:"avg_turnaround_time"`
	AvgResponse     float64  `json:"avg_response_time"`
	AvgCompleted    float64  `json:"avg_completed"`
	AvgSwitches     float64  `json:"avg_context_switches"`
	Errors          []string `json:"errors,omitempty"`
	TotalWallTimeMs int64    `json:"total_wall_time_ms"`
}

// Compare runs every (policy, seed) pair on a pool and returns one Summary
// per policy, in the order given. A failed run is counted in its summary;
// only ctx ending aborts the comparison.
func Compare(ctx context.Context, run RunFunc, opts Options) ([]Summary, error) {
	if len(opts.Policies) == 0 || opts.Runs <= 0 || opts.Ticks < 0 {
		return nil, fmt.Errorf("%w: need at least one policy and one run", ErrInvalidOptions)
	}
	seen := make(map[string]bool, len(opts.Policies))
	for _, p := range opts.Policies {
		if seen[p] {
			return nil, fmt.Errorf("%w: policy %q listed twice", ErrInvalidOptions, p)
		}
		seen[p] = true
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	total := len(opts.Policies) * opts.Runs
	pool := NewPool(total, run)
	if err := pool.Start(min(workers, total)); err != nil {
		return nil, err
	}

	id := 0
	for _, policy := range opts.Policies {
		for seed := int64(1); seed <= int64(opts.Runs); seed++ {
			task := Task{
				ID:      id,
				Policy:  policy,
				Seed:    seed,
				Ticks:   opts.Ticks,
				Drain:   opts.Drain,
				Limit:   opts.Limit,
				Timeout: opts.Timeout,
			}
			if err := pool.Submit(task); err != nil {
				pool.Stop()
				return nil, err
			}
			id++
		}
	}

	results := make([]Result, 0, total)
	for len(results) < total {
		r, err := pool.ReceiveResult(ctx)
		if err != nil {
			pool.Stop()
			return nil, err
		}
		results = append(results, r)
	}
	pool.Close()

	log.Info("Policy comparison finished", "policies", len(opts.Policies), "runs", total, "workers", workers)
	return summarize(opts.Policies, results), nil
}

func summarize(policies []string, results []Result) []Summary {
	index := make(map[string]int, len(policies))
	out := make([]Summary, len(policies))
	for i, p := range policies {
		index[p] = i
		out[i].Policy = p
	}

	for _, r := range results {
		s := &out[index[r.Task.Policy]]
		s.Runs++
		s.TotalWallTimeMs += r.Duration.Milliseconds()
		if !r.Success() {
			s.Failed++
			s.Errors = append(s.Errors, fmt.Sprintf("seed %d: %v", r.Task.Seed, r.Err))
			continue
		}
		st := r.Report.Stats
		s.AvgWaiting += st.AvgWaitingTime
		s.AvgTurnaround += st.AvgTurnaroundTime
		s.AvgResponse += st.AvgResponseTime
		s.AvgCompleted += float64(st.Completed)
		s.AvgSwitches += float64(st.ContextSwitches)
	}

	for i := range out {
		ok := float64(out[i].Runs - out[i].Failed)
		if ok == 0 {
			continue
		}
		out[i].AvgWaiting /= ok
		out[i].AvgTurnaround /= ok
		out[i].AvgResponse /= ok
		out[i].AvgCompleted /= ok
		out[i].AvgSwitches /= ok
	}
	return out
}
