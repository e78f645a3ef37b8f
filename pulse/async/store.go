package async

import (
	"database/sql"
	"time"

	"github.com/teranos/scry/errors"
)

// Store persists pulse jobs in the pulse_jobs table
type Store struct {
	db *sql.DB
}

// NewStore creates a job store over the given database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullPayload(p []byte) sql.NullString {
	return sql.NullString{String: string(p), Valid: len(p) > 0}
}

// CreateJob inserts a new job row
func (s *Store) CreateJob(job *Job) error {
	pulseStateJSON, err := MarshalPulseState(job.PulseState)
	if err != nil {
		return errors.Wrap(err, "failed to marshal pulse state")
	}

	query := `
		INSERT INTO pulse_jobs (
			id, handler_name, source, status,
			progress_current, progress_total,
			cost_estimate, cost_actual,
			pulse_state, payload,
			parent_job_id, retry_count,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.Exec(query,
		job.ID,
		nullString(job.HandlerName),
		job.Source,
		job.Status,
		job.Progress.Current,
		job.Progress.Total,
		job.CostEstimate,
		job.CostActual,
		pulseStateJSON,
		nullPayload(job.Payload),
		nullString(job.ParentJobID),
		job.RetryCount,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}

	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM pulse_jobs WHERE id = ?`

	var job Job
	err := scanJob(s.db.QueryRow(query, id).Scan, &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	return &job, nil
}

// UpdateJob writes a job's mutable columns back to its row
func (s *Store) UpdateJob(job *Job) error {
	pulseStateJSON, err := MarshalPulseState(job.PulseState)
	if err != nil {
		return errors.Wrap(err, "failed to marshal pulse state")
	}

	query := `
		UPDATE pulse_jobs
		SET handler_name = ?,
		    payload = ?,
		    status = ?,
		    progress_current = ?,
		    progress_total = ?,
		    cost_actual = ?,
		    pulse_state = ?,
		    error = ?,
		    retry_count = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	_, err = s.db.Exec(query,
		nullString(job.HandlerName),
		nullPayload(job.Payload),
		job.Status,
		job.Progress.Current,
		job.Progress.Total,
		job.CostActual,
		pulseStateJSON,
		job.Error,
		job.RetryCount,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
		job.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}

	return nil
}

// NextQueuedJob returns the oldest queued job, or nil when nothing is
// waiting. Claim order is oldest first so long-queued subjects are not
// starved by fresh arrivals; display listings stay newest first.
func (s *Store) NextQueuedJob() (*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM pulse_jobs
		WHERE status = 'queued'
		ORDER BY created_at ASC
		LIMIT 1`

	var job Job
	if err := scanJob(s.db.QueryRow(query).Scan, &job); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to claim next queued job")
	}
	return &job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status
func (s *Store) ListJobs(status *JobStatus, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM pulse_jobs`
	var args []interface{}
	if status != nil {
		query += ` WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{*status, limit}
	} else {
		query += ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return collectJobs(rows, "jobs")
}

// ListActiveJobs returns queued, running, and paused jobs newest first
func (s *Store) ListActiveJobs(limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM pulse_jobs
		WHERE status IN ('queued', 'running', 'paused')
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active jobs")
	}
	defer rows.Close()

	return collectJobs(rows, "active jobs")
}

// ListTasksByParent returns a parent's child tasks in creation order
func (s *Store) ListTasksByParent(parentJobID string) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM pulse_jobs
		WHERE parent_job_id = ?
		ORDER BY created_at ASC`

	rows, err := s.db.Query(query, parentJobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks by parent")
	}
	defer rows.Close()

	return collectJobs(rows, "tasks")
}

// collectJobs drains a result set into jobs, labelling iteration errors
// with what was being listed
func collectJobs(rows *sql.Rows, what string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := scanJob(rows.Scan, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", what)
	}
	return jobs, nil
}

// DeleteJob removes a job row. Missing IDs are an error so callers can
// tell a no-op delete from a successful one.
func (s *Store) DeleteJob(id string) error {
	result, err := s.db.Exec(`DELETE FROM pulse_jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Newf("job not found: %s", id)
	}

	return nil
}

// CleanupOldJobs removes completed and failed jobs whose last update is
// older than the given age, returning how many were removed
func (s *Store) CleanupOldJobs(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	result, err := s.db.Exec(`
		DELETE FROM pulse_jobs
		WHERE status IN ('completed', 'failed')
		  AND updated_at < ?
	`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(rows), nil
}

// FindActiveJobBySourceAndHandler returns the newest queued, running, or
// paused job over the same source and handler, or nil if none is in
// flight. Not finding one is not an error.
func (s *Store) FindActiveJobBySourceAndHandler(source string, handlerName string) (*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM pulse_jobs
		WHERE source = ?
		  AND handler_name = ?
		  AND status IN ('queued', 'running', 'paused')
		ORDER BY created_at DESC
		LIMIT 1`

	var job Job
	err := scanJob(s.db.QueryRow(query, source, handlerName).Scan, &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find active job by source and handler")
	}

	return &job, nil
}

// FindRecentJobBySourceAndHandler returns the newest job over the same
// source and handler that completed or failed inside the window, or nil.
// Watchers use this to skip URLs that were just processed.
func (s *Store) FindRecentJobBySourceAndHandler(source string, handlerName string, within time.Duration) (*Job, error) {
	cutoff := time.Now().Add(-within)

	query := `SELECT ` + jobColumns + `
		FROM pulse_jobs
		WHERE source = ?
		  AND handler_name = ?
		  AND status IN ('completed', 'failed')
		  AND completed_at > ?
		ORDER BY completed_at DESC
		LIMIT 1`

	var job Job
	err := scanJob(s.db.QueryRow(query, source, handlerName, cutoff).Scan, &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find recent job by source and handler")
	}

	return &job, nil
}
