// pulse_async_jobs.go — /api/pulse/jobs REST surface.
// Lists queued work, exposes single-job details, and returns the child
// tasks a batch orchestrator job spawned.
package server

import (
	"net/http"
	"time"

	"github.com/teranos/scry/logger"
	"github.com/teranos/scry/pulse/async"
)

const (
	// Default and max limits for job listing queries
	defaultJobLimit = 50
	maxJobLimit     = 200
)

// ErrorResponse represents an API error with optional structured details
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"` // Structured error context from errors.GetAllDetails()
}

// ChildJobInfo represents a child task summary under a parent job
type ChildJobInfo struct {
	ID           string  `json:"id"`
	HandlerName  string  `json:"handler_name"`
	Source       string  `json:"source"`
	Status       string  `json:"status"`
	ProgressPct  float64 `json:"progress_pct,omitempty"`
	CostEstimate float64 `json:"cost_estimate,omitempty"`
	CostActual   float64 `json:"cost_actual,omitempty"`
	Error        string  `json:"error,omitempty"`
	CreatedAt    string  `json:"created_at"`
	StartedAt    *string `json:"started_at,omitempty"`
	CompletedAt  *string `json:"completed_at,omitempty"`
}

// JobChildrenResponse represents the response for GET /api/pulse/jobs/:id/children
type JobChildrenResponse struct {
	ParentJobID string         `json:"parent_job_id"`
	Children    []ChildJobInfo `json:"children"`
}

// HandlePulseJobs handles requests to /api/pulse/jobs
// GET: List all async jobs (active, completed, failed)
func (s *ScryServer) HandlePulseJobs(w http.ResponseWriter, r *http.Request) {
	logger.AddPulseSymbol(s.logger).Infow("Pulse list async jobs",
		"method", r.Method,
		"path", r.URL.Path,
		"remote", r.RemoteAddr)

	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	s.handleListAsyncJobs(w, r)
}

// HandlePulseJob handles requests to /api/pulse/jobs/{id}
// GET: Get async job details
// Sub-resources: /api/pulse/jobs/{id}/children
func (s *ScryServer) HandlePulseJob(w http.ResponseWriter, r *http.Request) {
	pathParts := extractPathParts(r.URL.Path, "/api/pulse/jobs/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID")
		return
	}
	jobID := pathParts[0]

	// Child tasks spawned by a batch orchestrator job
	if len(pathParts) > 1 && pathParts[1] == "children" {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		logger.AddPulseSymbol(s.logger).Infow("Pulse get children", "job_id", jobID)
		s.handleGetJobChildren(w, r, jobID)
		return
	}

	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	s.handleGetAsyncJob(w, r, jobID)
}

// handleListAsyncJobs lists all async jobs (active + completed + failed)
func (s *ScryServer) handleListAsyncJobs(w http.ResponseWriter, r *http.Request) {
	if s.svc.Daemon == nil {
		writeError(w, http.StatusServiceUnavailable, "Daemon not available")
		return
	}

	queue := s.svc.Daemon.GetQueue()

	limit := parseIntQueryParam(r, "limit", defaultJobLimit, 1, maxJobLimit)

	var allJobs []*async.Job

	// Active jobs (queued, running, paused)
	activeJobs, err := queue.ListActiveJobs(limit)
	if err != nil {
		s.logger.Warnw("Failed to list active jobs", "error", err)
	} else {
		allJobs = append(allJobs, activeJobs...)
	}

	completedJobs, err := queue.ListJobs(asyncJobStatusPtr(async.JobStatusCompleted), limit)
	if err != nil {
		s.logger.Warnw("Failed to list completed jobs", "error", err)
	} else {
		allJobs = append(allJobs, completedJobs...)
	}

	failedJobs, err := queue.ListJobs(asyncJobStatusPtr(async.JobStatusFailed), limit)
	if err != nil {
		s.logger.Warnw("Failed to list failed jobs", "error", err)
	} else {
		allJobs = append(allJobs, failedJobs...)
	}

	response := map[string]interface{}{
		"jobs":  allJobs,
		"count": len(allJobs),
	}

	writeJSON(w, http.StatusOK, response)
}

// handleGetAsyncJob retrieves a specific async job by ID
func (s *ScryServer) handleGetAsyncJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if s.svc.Daemon == nil {
		writeError(w, http.StatusServiceUnavailable, "Daemon not available")
		return
	}

	queue := s.svc.Daemon.GetQueue()
	job, err := queue.GetJob(jobID)
	if err != nil {
		handleError(w, s.logger, err, "failed to get async job")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// handleGetJobChildren returns all child tasks for a given parent job.
// Parent IDs come straight from the queue: batch handlers enqueue their
// per-item tasks with ParentJobID set to the orchestrator job's ID.
func (s *ScryServer) handleGetJobChildren(w http.ResponseWriter, r *http.Request, jobID string) {
	if s.svc.Daemon == nil {
		writeError(w, http.StatusServiceUnavailable, "Daemon not available")
		return
	}

	queue := s.svc.Daemon.GetQueue()
	childJobs, err := queue.ListTasksByParent(jobID)
	if err != nil {
		logger.AddPulseSymbol(s.logger).Errorw("Failed to fetch child jobs",
			"job_id", jobID,
			"error", err)
		writeWrappedError(w, s.logger, err, "failed to fetch child jobs", http.StatusInternalServerError)
		return
	}

	children := make([]ChildJobInfo, 0, len(childJobs))
	for _, job := range childJobs {
		child := ChildJobInfo{
			ID:           job.ID,
			HandlerName:  job.HandlerName,
			Source:       job.Source,
			Status:       string(job.Status),
			ProgressPct:  job.Progress.Percentage(),
			CostEstimate: job.CostEstimate,
			CostActual:   job.CostActual,
			CreatedAt:    job.CreatedAt.Format(time.RFC3339),
		}

		if job.Error != "" {
			child.Error = job.Error
		}

		if job.StartedAt != nil {
			started := job.StartedAt.Format(time.RFC3339)
			child.StartedAt = &started
		}

		if job.CompletedAt != nil {
			completed := job.CompletedAt.Format(time.RFC3339)
			child.CompletedAt = &completed
		}

		children = append(children, child)
	}

	writeJSON(w, http.StatusOK, JobChildrenResponse{
		ParentJobID: jobID,
		Children:    children,
	})
}
