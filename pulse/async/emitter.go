package async

import (
	"go.uber.org/zap"

	"github.com/teranos/scry/pulse"
)

// JobProgressEmitter implements pulse.ProgressEmitter for async job progress
// updates. Every emit persists the job so a crash never loses more than the
// work since the last stage transition.
type JobProgressEmitter struct {
	job         *Job
	queue       *Queue
	broadcaster interface{} // nil for CLI jobs; the server passes its UI broadcaster
	log         *zap.SugaredLogger
}

var _ pulse.ProgressEmitter = (*JobProgressEmitter)(nil)

// NewJobProgressEmitter creates a progress emitter bound to one job.
// Pass the worker pool's logger; every emitted line carries the job_id.
func NewJobProgressEmitter(job *Job, queue *Queue, broadcaster interface{}, baseLogger *zap.SugaredLogger) *JobProgressEmitter {
	return &JobProgressEmitter{
		job:         job,
		queue:       queue,
		broadcaster: broadcaster,
		log:         baseLogger.With("job_id", job.ID),
	}
}

// EmitStage updates progress on stage transition.
func (e *JobProgressEmitter) EmitStage(stage, message string) {
	if err := e.queue.UpdateJob(e.job); err != nil {
		e.log.Warnw("Failed to update job for stage",
			"stage", stage,
			"error", err,
		)
	}
	e.broadcastJob()
}

// EmitProgress advances job progress by count completed operations.
func (e *JobProgressEmitter) EmitProgress(count int, metadata map[string]interface{}) {
	e.job.UpdateProgress(e.job.Progress.Current + count)

	if err := e.queue.UpdateJob(e.job); err != nil {
		e.log.Warnw("Failed to update job progress",
			"count", count,
			"error", err,
		)
	}
	e.broadcastJob()
}

// EmitComplete is a no-op here: the worker owns the completed/failed
// transition, and double-writing it would race the queue.
func (e *JobProgressEmitter) EmitComplete(summary map[string]interface{}) {
}

// EmitError classifies the failure, records it on the job, and pushes
// the update to any subscribed UI.
func (e *JobProgressEmitter) EmitError(stage string, err error) {
	ctx := ClassifyError(stage, err)

	e.log.Errorw("Job error",
		"stage", stage,
		"error_code", ctx.Code,
		"error", err,
		"retryable", ctx.Retryable,
		"recoverable", ctx.Recoverable,
	)

	e.job.Error = ctx.Message
	if err := e.queue.UpdateJob(e.job); err != nil {
		e.log.Warnw("Failed to update job error state",
			"error", err,
		)
	}

	e.broadcastJob()
}

// EmitInfo logs an informational line under the job's context.
func (e *JobProgressEmitter) EmitInfo(message string) {
	e.log.Info(message)
}

// broadcastJob forwards the current job state to WebSocket clients when a
// broadcaster is set. CLI jobs pass nil and skip this.
func (e *JobProgressEmitter) broadcastJob() {
	if e.broadcaster == nil {
		return
	}
	if b, ok := e.broadcaster.(pulse.JobBroadcaster); ok {
		b.BroadcastJobUpdate(e.job)
	}
}
