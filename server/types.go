package server

import (
	"time"

	"github.com/teranos/scry/merge"
	"github.com/teranos/scry/pulse/async"
	"github.com/teranos/scry/slot"
)

const (
	// MaxClients caps concurrent WebSocket connections
	MaxClients = 100
	// MaxClientMessageQueueSize is the per-client channel buffer depth
	MaxClientMessageQueueSize = 256
	// ShutdownTimeout bounds the wait for goroutines in Stop. WorkerPool
	// checkpointing alone can take 20s, so 60s leaves room for the rest.
	ShutdownTimeout = 60 * time.Second
)

// DaemonState is the activity level that drives the adaptive status
// broadcast interval: the busier the daemon, the more often frames go out.
type DaemonState int

const (
	DaemonIdle   DaemonState = iota // No jobs, no recent activity
	DaemonActive                    // Jobs running or queued
	DaemonBusy                      // High load (>60%)
)

// ServerState is the lifecycle phase reported in daemon_status frames.
type ServerState int

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

// cachedDaemonStatus holds the fields of the last status frame that went
// out; the broadcaster skips the next tick when nothing moved.
type cachedDaemonStatus struct {
	activeJobs    int
	queuedJobs    int
	loadPercent   float64
	budgetDaily   float64
	budgetWeekly  float64
	budgetMonthly float64
}

type cachedUsageStats struct {
	totalCost float64
	requests  int
	success   int
	tokens    int
	models    int
}

// QueryMessage is the one inbound frame shape; Type says which of the
// optional fields matter.
type QueryMessage struct {
	Type          string   `json:"type"`           // "dispatch", "slot_run", "ping", "set_verbosity", "daemon_control", "pulse_config_update", "job_control"
	Query         string   `json:"query"`          // For dispatch: the query text
	Engines       []string `json:"engines"`        // For dispatch: engine codes (empty = all enabled)
	Tier          string   `json:"tier"`           // For dispatch: restrict to one latency tier
	Tag           string   `json:"tag"`            // For dispatch: restrict to engines carrying a tag
	Verbosity     int      `json:"verbosity"`      // For set_verbosity
	Action        string   `json:"action"`         // For daemon_control/job_control: "start", "stop", "pause", "resume", "details"
	DailyBudget   float64  `json:"daily_budget"`   // For pulse_config_update
	WeeklyBudget  float64  `json:"weekly_budget"`  // For pulse_config_update
	MonthlyBudget float64  `json:"monthly_budget"` // For pulse_config_update
	JobID         string   `json:"job_id"`         // For job_control

	// Slot carries the resolution request for slot_run messages.
	Slot *slot.ResolvePayload `json:"slot,omitempty"`
}

// VersionMessage is the first frame every client receives after connecting
type VersionMessage struct {
	Type       string `json:"type"` // "version"
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	GoVersion  string `json:"go_version"`
}

// ErrorMessage reports a failed client request over the socket
type ErrorMessage struct {
	Type      string   `json:"type"`              // "error"
	Message   string   `json:"message"`           // Human-readable error
	Details   []string `json:"details,omitempty"` // Structured error context from errors.GetAllDetails()
	Timestamp int64    `json:"timestamp"`         // Unix timestamp
}

// DispatchProgressMessage streams per-engine status transitions during a
// cascade run
type DispatchProgressMessage struct {
	Type      string `json:"type"`   // "dispatch_progress"
	RunID     string `json:"run_id"` // Cascade run this transition belongs to
	Engine    string `json:"engine"` // Engine code
	Status    string `json:"status"` // "running", "completed", "failed", "timeout", "cancelled"
	Timestamp int64  `json:"timestamp"`
}

// DispatchCompleteMessage carries the merged outcome of a cascade run
type DispatchCompleteMessage struct {
	Type       string         `json:"type"`   // "dispatch_complete"
	RunID      string         `json:"run_id"` // Cascade run ID
	Query      string         `json:"query"`  // Original query
	Merged     []merge.Merged `json:"merged"` // Deduplicated cross-engine results
	Counts     map[string]int `json:"counts"` // Executions tallied by terminal status
	DurationMs int64          `json:"duration_ms"`
	Timestamp  int64          `json:"timestamp"`
}

// SlotEventMessage streams one sufficiency-loop iteration
type SlotEventMessage struct {
	Type      string              `json:"type"` // "slot_event"
	State     slot.IterationState `json:"state"`
	Timestamp int64               `json:"timestamp"`
}

// UsageUpdateMessage carries rolling LLM spend totals for the usage panel
type UsageUpdateMessage struct {
	Type      string  `json:"type"`       // "usage_update"
	TotalCost float64 `json:"total_cost"` // Total cost in last 24h
	Requests  int     `json:"requests"`   // Total requests
	Success   int     `json:"success"`    // Successful requests
	Tokens    int     `json:"tokens"`     // Total tokens used
	Models    int     `json:"models"`     // Unique models used
	Since     string  `json:"since"`      // Time period (e.g., "24h")
	Timestamp int64   `json:"timestamp"`  // Unix timestamp
}

// JobUpdateMessage carries one async job, either as a broadcast update
// ("job_update") or a directed reply ("job_details")
type JobUpdateMessage struct {
	Type     string                 `json:"type"`
	Job      *async.Job             `json:"job"`
	Metadata map[string]interface{} `json:"metadata"`
}

// DaemonStatusMessage is the periodic worker-pool and budget snapshot
type DaemonStatusMessage struct {
	Type               string  `json:"type"`                 // "daemon_status"
	Running            bool    `json:"running"`              // Is daemon running
	ActiveJobs         int     `json:"active_jobs"`          // Number of active jobs
	QueuedJobs         int     `json:"queued_jobs"`          // Number of queued jobs
	LoadPercent        float64 `json:"load_percent"`         // Worker utilization (0-100)
	BudgetDaily        float64 `json:"budget_daily"`         // Daily budget spent
	BudgetWeekly       float64 `json:"budget_weekly"`        // Weekly budget spent
	BudgetMonthly      float64 `json:"budget_monthly"`       // Monthly budget spent
	BudgetDailyLimit   float64 `json:"budget_daily_limit"`   // Daily budget limit (config)
	BudgetWeeklyLimit  float64 `json:"budget_weekly_limit"`  // Weekly budget limit (config)
	BudgetMonthlyLimit float64 `json:"budget_monthly_limit"` // Monthly budget limit (config)
	ServerState        string  `json:"server_state"`         // "running", "draining", "stopped"
	Timestamp          int64   `json:"timestamp"`            // Unix timestamp
}
