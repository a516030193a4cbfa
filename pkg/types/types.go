// Package types defines the read-only views procsim exposes to its display
// and control layers (CLI, gRPC, reports). Nothing here is mutated by the
// simulation core; views are copies taken between ticks.
package types

import "time"

// ProcessView is a copy of one process control block.
type ProcessView struct {
	PID            int64   `json:"pid"`
	Name           string  `json:"name"`
	State          string  `json:"state"`
	BurstTime      int64   `json:"burst_time"`
	RemainingTime  int64   `json:"remaining_time"`
	Priority       int     `json:"priority"`
	MemoryRequired int     `json:"memory_required"`
	AssignedMemory int     `json:"assigned_memory"`
	Progress       float64 `json:"progress"`

	// Simulated-clock timestamps (ms).
	ArrivalTime int64  `json:"arrival_time"`
	StartTime   *int64 `json:"start_time,omitempty"`
	FinishTime  *int64 `json:"finish_time,omitempty"`

	WaitingTime    int64  `json:"waiting_time"`
	TurnaroundTime int64  `json:"turnaround_time"`
	ResponseTime   *int64 `json:"response_time,omitempty"`
}

// SchedulerStats aggregates the terminated list plus live queue counters.
type SchedulerStats struct {
	Policy             string  `json:"policy"`
	CurrentTime        int64   `json:"current_time"`
	TotalProcesses     int     `json:"total_processes"`
	Completed          int     `json:"completed"`
	Ready              int     `json:"ready"`
	Waiting            int     `json:"waiting"`
	Running            bool    `json:"running"`
	ContextSwitches    int     `json:"context_switches"`
	AvgWaitingTime     float64 `json:"avg_waiting_time"`
	AvgTurnaroundTime  float64 `json:"avg_turnaround_time"`
	AvgResponseTime    float64 `json:"avg_response_time"`
	CompletedNaturally int     `json:"completed_naturally"`
	ForcedTerminations int     `json:"forced_terminations"`
}

// ResourceUsage is the ledger's accounting summary.
type ResourceUsage struct {
	CPUTotal         int     `json:"cpu_total"`
	CPUInUse         int     `json:"cpu_in_use"`
	CPUAvailable     int     `json:"cpu_available"`
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryTotal      int     `json:"memory_total"`
	MemoryUsed       int     `json:"memory_used"`
	MemoryAvailable  int     `json:"memory_available"`
	MemoryPercent    float64 `json:"memory_percent"`
	ProcessesHolding int     `json:"processes_holding"`
}

// MutexView describes the simulated mutex.
type MutexView struct {
	Name     string   `json:"name"`
	Locked   bool     `json:"locked"`
	Owner    string   `json:"owner,omitempty"`
	Waiting  []string `json:"waiting"`
	Acquires int      `json:"acquires"`
	Releases int      `json:"releases"`
	Blocks   int      `json:"blocks"`
}

// BufferAccess is one audit record of the shared buffer.
type BufferAccess struct {
	Action string    `json:"action"`
	Actor  string    `json:"actor"`
	Item   string    `json:"item"`
	Size   int       `json:"size"`
	Time   time.Time `json:"time"`
}

// BufferView describes the shared buffer.
type BufferView struct {
	Capacity    int            `json:"capacity"`
	Items       []string       `json:"items"`
	Fill        string         `json:"fill"`
	TotalWrites int            `json:"total_writes"`
	TotalReads  int            `json:"total_reads"`
	Recent      []BufferAccess `json:"recent,omitempty"`
}

// DemoView is the producer/consumer summary.
type DemoView struct {
	Running       bool       `json:"running"`
	Produced      int        `json:"produced"`
	Consumed      int        `json:"consumed"`
	InBuffer      int        `json:"in_buffer"`
	ProducerPID   int64      `json:"producer_pid,omitempty"`
	ConsumerPID   int64      `json:"consumer_pid,omitempty"`
	ProducerState string     `json:"producer_state"`
	ConsumerState string     `json:"consumer_state"`
	Mutex         MutexView  `json:"mutex"`
	Buffer        BufferView `json:"buffer"`
}

// Event is one event-log entry.
type Event struct {
	Seq     uint64 `json:"seq"`
	SimTime int64  `json:"sim_time"`
	Source  string `json:"source"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// DriverStatus describes the tick driver.
type DriverStatus struct {
	SessionID string  `json:"session_id"`
	Running   bool    `json:"running"`
	Paused    bool    `json:"paused"`
	Speed     float64 `json:"speed"`
	Ticks     uint64  `json:"ticks"`
}

// Snapshot is everything the display layer reads in one consistent view.
type Snapshot struct {
	Driver     DriverStatus   `json:"driver"`
	Running    *ProcessView   `json:"running,omitempty"`
	Ready      []ProcessView  `json:"ready"`
	Waiting    []ProcessView  `json:"waiting"`
	Terminated []ProcessView  `json:"terminated"`
	Stats      SchedulerStats `json:"stats"`
	Resources  ResourceUsage  `json:"resources"`
	Demo       DemoView       `json:"demo"`
	Events     []Event        `json:"events"`
}

// ReportSchemaVersion is the current Report layout version.
const ReportSchemaVersion = 1

// Report is the end-of-session summary written by internal/report.
type Report struct {
	SchemaVer  int               `json:"schema_version"`
	SessionID  string            `json:"session_id"`
	CreatedAt  time.Time         `json:"created_at"`
	Policy     string            `json:"policy"`
	TimeSlice  int64             `json:"time_slice"`
	Config     map[string]string `json:"config,omitempty"`
	Ticks      uint64            `json:"ticks"`
	Stats      SchedulerStats    `json:"stats"`
	Resources  ResourceUsage     `json:"resources"`
	Demo       DemoView          `json:"demo"`
	Terminated []ProcessView     `json:"terminated"`
}
