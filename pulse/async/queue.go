package async

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/teranos/scry/errors"
)

const (
	// MaxJobsLimit caps status counts so a runaway queue cannot make
	// stats queries unbounded
	MaxJobsLimit = 10000
	// SubscriberChannelBufferSize is the buffer on each subscriber channel
	SubscriberChannelBufferSize = 100
)

// Queue is the persistent work queue behind background dispatches: slot
// resolutions, content batches, and report compiles all flow through it.
// State lives in SQLite so queued work survives a daemon restart.
type Queue struct {
	store       *Store
	mu          sync.RWMutex
	subscribers []chan *Job
}

// NewQueue wraps the given database in a queue.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{
		store:       NewStore(db),
		subscribers: make([]chan *Job, 0),
	}
}

// Enqueue persists a new job and announces it to subscribers
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.CreateJob(job); err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetailf(err, "Job ID: %s", job.ID)
		err = errors.WithDetailf(err, "Handler: %s", job.HandlerName)
		err = errors.WithDetailf(err, "Source: %s", job.Source)
		return err
	}

	q.notifySubscribers(job)
	return nil
}

// Dequeue claims the next queued job and marks it running. Oldest first,
// so long-queued subjects are not starved by fresh arrivals. Returns
// (nil, nil) when nothing is waiting.
func (q *Queue) Dequeue() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.NextQueuedJob()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get next queued job")
	}
	if job == nil {
		return nil, nil
	}

	job.Start()

	if err := q.store.UpdateJob(job); err != nil {
		err = errors.Wrap(err, "failed to mark job as running")
		err = errors.WithDetailf(err, "Job ID: %s", job.ID)
		err = errors.WithDetailf(err, "Handler: %s", job.HandlerName)
		return nil, err
	}

	q.notifySubscribers(job)
	return job, nil
}

// GetJob looks a job up by ID.
func (q *Queue) GetJob(id string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.GetJob(id)
}

// UpdateJob persists a job's current state and announces the change
func (q *Queue) UpdateJob(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.UpdateJob(job); err != nil {
		err = errors.Wrap(err, "failed to update job")
		err = errors.WithDetailf(err, "Job ID: %s", job.ID)
		err = errors.WithDetailf(err, "Handler: %s", job.HandlerName)
		err = errors.WithDetailf(err, "Status: %s", job.Status)
		return err
	}

	q.notifySubscribers(job)
	return nil
}

// PauseJob pauses a running job. Only running jobs can pause; anything
// else is reported back with its actual status.
func (q *Queue) PauseJob(id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.GetJob(id)
	if err != nil {
		err = errors.Wrapf(err, "failed to pause job %s", id)
		err = errors.WithDetailf(err, "Pause reason: %s", reason)
		return err
	}

	if job.Status != JobStatusRunning {
		err := errors.Newf("job %s is not running (status: %s)", id, job.Status)
		err = errors.WithDetailf(err, "Current status: %s", job.Status)
		err = errors.WithDetailf(err, "Handler: %s", job.HandlerName)
		return err
	}

	job.Pause(reason)

	if err := q.store.UpdateJob(job); err != nil {
		err = errors.Wrap(err, "failed to pause job")
		err = errors.WithDetailf(err, "Job ID: %s", job.ID)
		err = errors.WithDetailf(err, "Pause reason: %s", reason)
		return err
	}

	q.notifySubscribers(job)
	return nil
}

// ResumeJob returns a paused job to the queue
func (q *Queue) ResumeJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.GetJob(id)
	if err != nil {
		return errors.Wrapf(err, "failed to resume job %s", id)
	}

	if job.Status != JobStatusPaused {
		err := errors.Newf("job %s is not paused (status: %s)", id, job.Status)
		err = errors.WithDetailf(err, "Current status: %s", job.Status)
		err = errors.WithDetailf(err, "Handler: %s", job.HandlerName)
		return err
	}

	job.Resume()

	if err := q.store.UpdateJob(job); err != nil {
		err = errors.Wrap(err, "failed to resume job")
		err = errors.WithDetailf(err, "Job ID: %s", job.ID)
		err = errors.WithDetailf(err, "Handler: %s", job.HandlerName)
		return err
	}

	q.notifySubscribers(job)
	return nil
}

// CompleteJob marks a job as completed. Children stay untouched: a slot
// resolve's batch jobs are its output and keep processing after the
// parent finishes. Children die only with DeleteJobWithChildren.
func (q *Queue) CompleteJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.GetJob(id)
	if err != nil {
		return errors.Wrapf(err, "failed to complete job %s", id)
	}

	job.Complete()

	if err := q.store.UpdateJob(job); err != nil {
		err = errors.Wrap(err, "failed to complete job")
		err = errors.WithDetailf(err, "Job ID: %s", job.ID)
		err = errors.WithDetailf(err, "Handler: %s", job.HandlerName)
		err = errors.WithDetailf(err, "Source: %s", job.Source)
		return err
	}

	q.notifySubscribers(job)
	return nil
}

// FailJob marks a job as failed with the given error. As with
// CompleteJob, children already spawned keep running; a batch parent
// failing halfway must not take down the fetches it already enqueued.
func (q *Queue) FailJob(id string, jobErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.GetJob(id)
	if err != nil {
		return errors.Wrapf(err, "failed to mark job %s as failed", id)
	}

	job.Fail(jobErr)

	if err := q.store.UpdateJob(job); err != nil {
		err = errors.Wrap(err, "failed to mark job as failed")
		err = errors.WithDetailf(err, "Job ID: %s", job.ID)
		err = errors.WithDetailf(err, "Handler: %s", job.HandlerName)
		err = errors.WithDetailf(err, "Job error: %s", jobErr.Error())
		return err
	}

	q.notifySubscribers(job)
	return nil
}

// DeleteJobWithChildren removes a job and cancels every child task that
// has not already reached a terminal state. This is the one path where
// children are stopped: an explicit delete by the user.
func (q *Queue) DeleteJobWithChildren(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	children, err := q.store.ListTasksByParent(jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to list child tasks for job %s", jobID)
	}

	for _, child := range children {
		switch child.Status {
		case JobStatusQueued, JobStatusRunning, JobStatusPaused:
			child.Cancel("parent job deleted")
			if err := q.store.UpdateJob(child); err != nil {
				err = errors.Wrapf(err, "failed to cancel child task %s", child.ID)
				err = errors.WithDetailf(err, "Parent job ID: %s", jobID)
				err = errors.WithDetailf(err, "Handler: %s", child.HandlerName)
				return err
			}
			q.notifySubscribers(child)
		default:
			// Completed, failed, and cancelled children stay for history
		}
	}

	if err := q.store.DeleteJob(jobID); err != nil {
		err = errors.Wrapf(err, "failed to delete parent job %s", jobID)
		err = errors.WithDetailf(err, "Child tasks cancelled: %d", len(children))
		return err
	}

	return nil
}

// ListJobs lists jobs newest first, optionally filtered to one status.
func (q *Queue) ListJobs(status *JobStatus, limit int) ([]*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListJobs(status, limit)
}

// ListActiveJobs lists every job still in flight: queued, running, or paused.
func (q *Queue) ListActiveJobs(limit int) ([]*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListActiveJobs(limit)
}

// ListTasksByParent lists a parent's child tasks in creation order.
func (q *Queue) ListTasksByParent(parentJobID string) ([]*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListTasksByParent(parentJobID)
}

// Subscribe returns a buffered channel of job updates. Callers own the
// channel: Unsubscribe first, close after, never the other way around.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe stops updates to ch. The channel is left open so a
// concurrent notify cannot hit a closed channel.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers fans a job update out to every subscriber.
// Caller must hold q.mu. Sends never block; a full subscriber misses
// the update rather than stalling the queue.
func (q *Queue) notifySubscribers(job *Job) {
	for _, ch := range q.subscribers {
		select {
		case ch <- job:
		default:
		}
	}
}

// Cleanup removes terminal jobs older than the given age
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.CleanupOldJobs(olderThan)
}

// QueueStats summarizes jobs by status
type QueueStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// GetStats counts jobs in each status bucket
func (q *Queue) GetStats() (*QueueStats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := &QueueStats{}
	buckets := map[JobStatus]*int{
		JobStatusQueued:    &stats.Queued,
		JobStatusRunning:   &stats.Running,
		JobStatusPaused:    &stats.Paused,
		JobStatusCompleted: &stats.Completed,
		JobStatusFailed:    &stats.Failed,
	}

	for status, dst := range buckets {
		st := status
		jobs, err := q.store.ListJobs(&st, MaxJobsLimit)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to count %s jobs", status)
		}
		*dst = len(jobs)
		stats.Total += len(jobs)
	}

	return stats, nil
}

// GetJobCounts returns queued and running counts. Cheaper than GetStats
// and polled often by the system metrics emitter.
func (q *Queue) GetJobCounts() (queued int, running int, err error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	queuedStatus := JobStatusQueued
	queuedJobs, err := q.store.ListJobs(&queuedStatus, MaxJobsLimit)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to count queued jobs")
	}

	runningStatus := JobStatusRunning
	runningJobs, err := q.store.ListJobs(&runningStatus, MaxJobsLimit)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to count running jobs")
	}

	return len(queuedJobs), len(runningJobs), nil
}

// FindActiveJobBySourceAndHandler looks for a queued, running, or paused
// job covering the same source and handler. Watchers use this to avoid
// enqueueing a URL that is already in flight.
func (q *Queue) FindActiveJobBySourceAndHandler(source string, handlerName string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.FindActiveJobBySourceAndHandler(source, handlerName)
}

// FindRecentJobBySourceAndHandler looks for a job over the same source
// and handler that reached a terminal state within the window. Used for
// time-based dedup so a re-shared URL is not fetched again immediately.
func (q *Queue) FindRecentJobBySourceAndHandler(source string, handlerName string, within time.Duration) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.FindRecentJobBySourceAndHandler(source, handlerName, within)
}
