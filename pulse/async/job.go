// Package async is the persistent background job queue. Work runs under
// pulse control: rate limits and spend budgets can pause a job mid-flight
// and resume it without losing progress.
package async

import (
	"encoding/json"
	"time"

	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/internal/shortid"
)

// JobStatus is the lifecycle state stored in pulse_jobs.status.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsValidStatus reports whether s names one of the six lifecycle states.
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusRunning, JobStatusPaused,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// PulseState is the rate and spend checkpoint a paused job carries, so a
// resume picks up exactly where the gates stopped it.
type PulseState struct {
	CallsThisMinute int     `json:"calls_this_minute,omitempty"`
	CallsRemaining  int     `json:"calls_remaining,omitempty"`
	SpendToday      float64 `json:"spend_today,omitempty"`
	SpendThisMonth  float64 `json:"spend_this_month,omitempty"`
	BudgetRemaining float64 `json:"budget_remaining,omitempty"`
	IsPaused        bool    `json:"is_paused,omitempty"`
	PauseReason     string  `json:"pause_reason,omitempty"` // "budget_exceeded", "rate_limit", "user_requested"
}

// Progress counts completed operations against the planned total.
type Progress struct {
	Current int `json:"current,omitempty"`
	Total   int `json:"total,omitempty"`
}

// Percentage reports completion as 0-100. A zero total reads as zero.
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Current) / float64(p.Total) * 100
}

// Job is one unit of background work. The queue knows nothing about what
// a job does: HandlerName routes it to the package that does (slot, content,
// report), and Payload carries that package's own encoded arguments.
type Job struct {
	ID           string          `json:"id"`
	HandlerName  string          `json:"handler_name"`      // "slot.resolve", "content.batch"
	Payload      json.RawMessage `json:"payload,omitempty"` // Handler-specific data (domain-owned)
	Source       string          `json:"source"`            // Originating query or URL; with HandlerName, the dedup key
	Status       JobStatus       `json:"status"`
	Progress     Progress        `json:"progress,omitempty"`
	CostEstimate float64         `json:"cost_estimate,omitempty"`
	CostActual   float64         `json:"cost_actual,omitempty"`
	PulseState   *PulseState     `json:"pulse_state,omitempty"`
	Error        string          `json:"error,omitempty"`
	ParentJobID  string          `json:"parent_job_id,omitempty"` // For tasks grouped under parent job
	RetryCount   int             `json:"retry_count,omitempty"`   // Number of retry attempts (max 2)
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewJobWithPayload creates a queued job for the named handler.
//
// Example:
//
//	payload, _ := json.Marshal(content.BatchPayload{URLs: urls})
//	job, _ := async.NewJobWithPayload("content.batch", urls[0], payload, len(urls), 0.50)
func NewJobWithPayload(handlerName string, source string, payload json.RawMessage, totalOps int, estimatedCost float64) (*Job, error) {
	return NewChildJobWithPayload(handlerName, source, payload, totalOps, estimatedCost, "")
}

// NewChildJobWithPayload creates a job grouped under a parent. Slot
// resolves use this for the content fetches they spawn, so deleting the
// parent can sweep the whole family.
func NewChildJobWithPayload(handlerName string, source string, payload json.RawMessage, totalOps int, estimatedCost float64, parentJobID string) (*Job, error) {
	if handlerName == "" {
		return nil, errors.New("handlerName cannot be empty")
	}
	if source == "" {
		source = "system"
	}

	jobID, err := shortid.New("jb")
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate job ID")
	}

	now := time.Now()
	return &Job{
		ID:           jobID,
		HandlerName:  handlerName,
		Payload:      payload,
		Source:       source,
		Status:       JobStatusQueued,
		Progress:     Progress{Current: 0, Total: totalOps},
		CostEstimate: estimatedCost,
		CostActual:   0.0,
		ParentJobID:  parentJobID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Start marks the job running and stamps StartedAt.
func (j *Job) Start() {
	now := time.Now()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
}

// Pause freezes the job. When a checkpoint exists the reason lands on it
// too, so the UI can say why work stopped.
func (j *Job) Pause(reason string) {
	j.Status = JobStatusPaused
	j.UpdatedAt = time.Now()
	if j.PulseState != nil {
		j.PulseState.IsPaused = true
		j.PulseState.PauseReason = reason
	}
}

// Resume unfreezes the job and clears the checkpoint's pause flags.
func (j *Job) Resume() {
	j.Status = JobStatusRunning
	j.UpdatedAt = time.Now()
	if j.PulseState != nil {
		j.PulseState.IsPaused = false
		j.PulseState.PauseReason = ""
	}
}

// Complete closes the job out.
func (j *Job) Complete() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Fail closes the job with the error recorded on it.
func (j *Job) Fail(err error) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.Error = err.Error()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Cancel closes the job with a cancellation reason, for parent deletions
// and operator intervention.
func (j *Job) Cancel(reason string) {
	now := time.Now()
	j.Status = JobStatusCancelled
	j.Error = reason
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// UpdateProgress sets the completed-operation count.
func (j *Job) UpdateProgress(current int) {
	j.Progress.Current = current
	j.UpdatedAt = time.Now()
}

// RecordCost adds incurred spend to the running total.
func (j *Job) RecordCost(cost float64) {
	j.CostActual += cost
	j.UpdatedAt = time.Now()
}

// UpdatePulseState replaces the job's checkpoint.
func (j *Job) UpdatePulseState(state *PulseState) {
	j.PulseState = state
	j.UpdatedAt = time.Now()
}

// MarshalPulseState encodes a checkpoint for the pulse_state column.
// A nil checkpoint encodes to the empty string.
func MarshalPulseState(state *PulseState) (string, error) {
	if state == nil {
		return "", nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal pulse state")
	}
	return string(data), nil
}

// UnmarshalPulseState decodes the pulse_state column; empty means the
// job never ran under pulse control.
func UnmarshalPulseState(data string) (*PulseState, error) {
	if data == "" {
		return nil, nil
	}
	var state PulseState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal pulse state")
	}
	return &state, nil
}
