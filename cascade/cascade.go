// Package cascade fans a single query out across many engines at once,
// bounded by a concurrency limit, with per-engine timeouts derived from
// latency tiers. Every dispatched engine gets exactly one outcome entry in
// the run. A batch deadline never discards results that already completed:
// engines it catches mid-flight read timeout, engines it catches still
// queued read cancelled, and cancelled is otherwise reserved for the caller
// pulling the plug.
package cascade

import (
	"sync"
	"time"

	"github.com/teranos/scry/engine"
)

// ExecutionStatus tracks one engine's dispatch through its lifecycle.
// Transitions only move forward: pending -> running -> one terminal state.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusTimeout   ExecutionStatus = "timeout"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// canTransition enforces the forward-only lifecycle. A terminal status
// never changes; pending may jump straight to a terminal status when an
// engine is unavailable or the batch dies before it starts.
func canTransition(from, to ExecutionStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to.Terminal()
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

// Execution is one engine's outcome within a run.
type Execution struct {
	Engine   string          `json:"engine"`
	Tier     engine.Tier     `json:"tier,omitempty"`
	Status   ExecutionStatus `json:"status"`
	Results  []engine.Result `json:"results,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// Run collects the outcome of one dispatch. Executions holds exactly one
// entry per dispatched engine, unknown and disabled codes included, and
// every entry is terminal by the time Dispatch returns.
type Run struct {
	ID         string                `json:"id"`
	Query      string                `json:"query"`
	Executions map[string]*Execution `json:"executions"`
	Started    time.Time             `json:"started"`
	Duration   time.Duration         `json:"duration"`

	mu sync.Mutex
}

// transition applies a status change if the lifecycle allows it.
func (r *Run) transition(code string, to ExecutionStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ex, ok := r.Executions[code]
	if !ok || !canTransition(ex.Status, to) {
		return false
	}
	ex.Status = to
	return true
}

// finish moves an engine to a terminal status and records its outcome.
func (r *Run) finish(code string, to ExecutionStatus, results []engine.Result, errMsg string, took time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ex, ok := r.Executions[code]
	if !ok || !canTransition(ex.Status, to) {
		return false
	}
	ex.Status = to
	ex.Results = results
	ex.Error = errMsg
	ex.Duration = took
	return true
}

// Status returns one engine's current status.
func (r *Run) Status(code string) (ExecutionStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ex, ok := r.Executions[code]
	if !ok {
		return "", false
	}
	return ex.Status, true
}

// Results returns completed engines' result lists keyed by code, the shape
// the merger consumes.
func (r *Run) Results() map[string][]engine.Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]engine.Result)
	for code, ex := range r.Executions {
		if ex.Status == StatusCompleted {
			out[code] = ex.Results
		}
	}
	return out
}

// Counts tallies executions by status.
func (r *Run) Counts() map[ExecutionStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[ExecutionStatus]int)
	for _, ex := range r.Executions {
		counts[ex.Status]++
	}
	return counts
}

// Config controls scheduling. Zero values take defaults.
type Config struct {
	// MaxConcurrent bounds in-flight engines. Default 5.
	MaxConcurrent int

	// MaxResults caps each engine's result list.
	// Default engine.DefaultMaxResults.
	MaxResults int

	// BatchTimeout caps the whole run. Zero means no batch deadline;
	// per-engine tier timeouts still apply.
	BatchTimeout time.Duration

	// TierTimeouts overrides the built-in per-tier timeouts.
	TierTimeouts map[engine.Tier]time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.MaxResults <= 0 {
		c.MaxResults = engine.DefaultMaxResults
	}
	return c
}

// Progress receives status transitions as they happen. The initial pending
// state is not reported. Callbacks run on scheduler goroutines and must
// return quickly.
type Progress func(runID, engineCode string, status ExecutionStatus)
