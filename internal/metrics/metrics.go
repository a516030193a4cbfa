// ============================================================================
// Procsim Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Expose scheduler, ledger and demo activity to Prometheus.
//
// Metrics:
//
//   1. Counters (monotonic):
//      - procsim_ticks_total: driver ticks executed
//      - procsim_processes_admitted_total: admissions (generated, manual, demo)
//      - procsim_admissions_rejected_total: admissions refused for memory
//      - procsim_processes_completed_total: natural completions
//      - procsim_processes_forced_total: forced terminations
//      - procsim_blocks_total: transitions into Waiting
//      - procsim_context_switches_total: dispatches
//      - procsim_demo_items_total{action}: produced / consumed items
//
//   2. Histogram:
//      - procsim_turnaround_sim_ms: turnaround of completed processes in
//        simulated milliseconds
//
//   3. Gauges (sampled after every tick):
//      - procsim_ready_processes, procsim_waiting_processes,
//        procsim_running_processes
//      - procsim_memory_used_mb
//      - procsim_buffer_items
//      - procsim_sim_time_ms
//
// Example queries:
//
//   rate(procsim_processes_completed_total[1m])
//   histogram_quantile(0.95, rate(procsim_turnaround_sim_ms_bucket[5m]))
//   procsim_admissions_rejected_total / procsim_processes_admitted_total
//
// HTTP:
//   Handler() serves the registry at /metrics; the CLI mounts it on
//   metrics.port (default 9090).
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/procsim/pkg/types"
)

// Collector owns every procsim metric.
type Collector struct {
	ticks           prometheus.Counter
	admitted        prometheus.Counter
	rejected        prometheus.Counter
	completed       prometheus.Counter
	forced          prometheus.Counter
	blocks          prometheus.Counter
	contextSwitches prometheus.Counter
	demoItems       *prometheus.CounterVec

	turnaround prometheus.Histogram

	ready       prometheus.Gauge
	waiting     prometheus.Gauge
	running     prometheus.Gauge
	memoryUsed  prometheus.Gauge
	bufferItems prometheus.Gauge
	simTime     prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procsim_ticks_total",
			Help: "Total number of simulation ticks executed",
		}),
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procsim_processes_admitted_total",
			Help: "Total number of processes admitted to the scheduler",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procsim_admissions_rejected_total",
			Help: "Total number of admissions refused for lack of memory",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procsim_processes_completed_total",
			Help: "Total number of processes that finished their burst",
		}),
		forced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procsim_processes_forced_total",
			Help: "Total number of forced terminations",
		}),
		blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procsim_blocks_total",
			Help: "Total number of transitions into Waiting",
		}),
		contextSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procsim_context_switches_total",
			Help: "Total number of dispatches",
		}),
		demoItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procsim_demo_items_total",
			Help: "Items moved through the producer/consumer buffer",
		}, []string{"action"}),
		turnaround: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "procsim_turnaround_sim_ms",
			Help:    "Turnaround time of completed processes in simulated milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10),
		}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procsim_ready_processes",
			Help: "Current length of the ready queue",
		}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procsim_waiting_processes",
			Help: "Current number of waiting processes",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procsim_running_processes",
			Help: "1 when a process holds the CPU",
		}),
		memoryUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procsim_memory_used_mb",
			Help: "Memory currently reserved in the ledger",
		}),
		bufferItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procsim_buffer_items",
			Help: "Items currently in the producer/consumer buffer",
		}),
		simTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procsim_sim_time_ms",
			Help: "Simulated clock",
		}),
	}

	reg.MustRegister(
		c.ticks, c.admitted, c.rejected, c.completed, c.forced, c.blocks,
		c.contextSwitches, c.demoItems, c.turnaround,
		c.ready, c.waiting, c.running, c.memoryUsed, c.bufferItems, c.simTime,
	)
	return c
}

// RecordTick counts one driver tick.
func (c *Collector) RecordTick() { c.ticks.Inc() }

// RecordAdmitted counts an admission.
func (c *Collector) RecordAdmitted() { c.admitted.Inc() }

// RecordRejected counts an admission refused for memory.
func (c *Collector) RecordRejected() { c.rejected.Inc() }

// RecordCompleted counts a natural completion.
func (c *Collector) RecordCompleted(turnaroundMs int64) {
	c.completed.Inc()
	c.turnaround.Observe(float64(turnaroundMs))
}

// RecordForced counts a forced termination.
func (c *Collector) RecordForced() { c.forced.Inc() }

// RecordBlock counts a transition into Waiting.
func (c *Collector) RecordBlock() { c.blocks.Inc() }

// RecordContextSwitch counts n dispatches.
func (c *Collector) RecordContextSwitch(n int) {
	if n > 0 {
		c.contextSwitches.Add(float64(n))
	}
}

// RecordDemoItems counts produced and consumed items since the last call.
func (c *Collector) RecordDemoItems(produced, consumed int) {
	if produced > 0 {
		c.demoItems.WithLabelValues("produced").Add(float64(produced))
	}
	if consumed > 0 {
		c.demoItems.WithLabelValues("consumed").Add(float64(consumed))
	}
}

// UpdateGauges samples queue lengths, memory and the buffer.
func (c *Collector) UpdateGauges(stats types.SchedulerStats, usage types.ResourceUsage, bufferItems int) {
	c.ready.Set(float64(stats.Ready))
	c.waiting.Set(float64(stats.Waiting))
	if stats.Running {
		c.running.Set(1)
	} else {
		c.running.Set(0)
	}
	c.memoryUsed.Set(float64(usage.MemoryUsed))
	c.bufferItems.Set(float64(bufferItems))
	c.simTime.Set(float64(stats.CurrentTime))
}

// Handler serves g in the Prometheus text format. A nil g uses
// prometheus.DefaultGatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing g at /metrics on port.
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
}
