package async

import (
	"database/sql"

	"github.com/teranos/scry/errors"
)

// jobColumns is the canonical SELECT list for job queries. The scan
// targets in jobRow.targets must stay in this order.
const jobColumns = `id, handler_name, source, status,
	progress_current, progress_total,
	cost_estimate, cost_actual,
	pulse_state, error, payload,
	parent_job_id, retry_count,
	created_at, started_at, completed_at, updated_at`

// jobRow buffers the nullable columns of a job row. Scanning lands here
// first; fold then moves the valid values onto the Job.
type jobRow struct {
	handlerName sql.NullString
	payload     sql.NullString
	pulseState  sql.NullString
	errorMsg    sql.NullString
	parentJobID sql.NullString
	startedAt   sql.NullTime
	completedAt sql.NullTime
}

func (r *jobRow) targets(job *Job) []interface{} {
	return []interface{}{
		&job.ID,
		&r.handlerName,
		&job.Source,
		&job.Status,
		&job.Progress.Current,
		&job.Progress.Total,
		&job.CostEstimate,
		&job.CostActual,
		&r.pulseState,
		&r.errorMsg,
		&r.payload,
		&r.parentJobID,
		&job.RetryCount,
		&job.CreatedAt,
		&r.startedAt,
		&r.completedAt,
		&job.UpdatedAt,
	}
}

func (r *jobRow) fold(job *Job) error {
	if r.handlerName.Valid {
		job.HandlerName = r.handlerName.String
	}
	if r.payload.Valid {
		job.Payload = []byte(r.payload.String)
	}
	if r.pulseState.Valid {
		state, err := UnmarshalPulseState(r.pulseState.String)
		if err != nil {
			return errors.Wrapf(err, "failed to unmarshal pulse state for job %s", job.ID)
		}
		job.PulseState = state
	}
	if r.errorMsg.Valid {
		job.Error = r.errorMsg.String
	}
	if r.parentJobID.Valid {
		job.ParentJobID = r.parentJobID.String
	}
	if r.startedAt.Valid {
		job.StartedAt = &r.startedAt.Time
	}
	if r.completedAt.Valid {
		job.CompletedAt = &r.completedAt.Time
	}
	return nil
}

// scanJob reads one job through any row scanner (sql.Row or sql.Rows).
func scanJob(scan func(...interface{}) error, job *Job) error {
	var row jobRow
	if err := scan(row.targets(job)...); err != nil {
		return err
	}
	return row.fold(job)
}
