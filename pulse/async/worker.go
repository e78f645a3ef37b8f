package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/scry/am"
	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/pulse/budget"
	"github.com/teranos/scry/sym"
)

// MaxOrphanedJobsToRecover caps how many interrupted jobs a restart will
// re-queue. A daemon that died mid-crawl can leave a lot of running rows
// behind; anything past the cap stays put until the next restart.
const MaxOrphanedJobsToRecover = 1000

// MaxRetries is how many times a retryable failure is re-queued before
// the job fails for good.
const MaxRetries = 2

// BudgetTracker gates job execution on spend limits.
type BudgetTracker interface {
	CheckBudget(estimatedCost float64) error
	GetStatus() (*budget.Status, error)
}

// RateLimiter gates job execution on call frequency.
type RateLimiter interface {
	Allow() error
	Stats() (callsInWindow int, callsRemaining int)
}

// JobExecutor runs a dequeued job to completion or error.
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}

// pulseLogger layers lifecycle markers over a zap.SugaredLogger. The
// level doubles as a visual phase: DEBUG carries opening (✿) events,
// WARN carries closing (❀) events, INFO is the steady-state pulse.
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an opening event.
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a closing event.
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs steady-state worker activity.
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// WorkerPool drains the job queue with a fixed set of workers. Every
// dequeue passes through the rate gate and then the budget gate before
// execution, so a pool under pressure pauses work instead of burning
// through limits.
type WorkerPool struct {
	queue         *Queue
	budgetTracker BudgetTracker // nil disables the budget gate
	rateLimiter   RateLimiter   // nil disables the rate gate
	db            *sql.DB
	config        *am.Config
	poolConfig    WorkerPoolConfig
	workers       int
	parentCtx     context.Context // worker ctx is re-derived from this across Stop/Start cycles
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	executor      JobExecutor
	jobsProcessed int // feeds the poll-interval ramp
	activeWorkers int // workers currently inside Execute
	startTime     time.Time
	logger        pulseLogger
	mu            sync.Mutex
}

// WorkerPoolConfig tunes pool concurrency and pacing.
type WorkerPoolConfig struct {
	// Workers is the number of concurrent job processors.
	Workers int `json:"workers"`
	// PollInterval fixes the dequeue cadence. Zero selects the adaptive
	// ramp: one-second polls through warmup, five seconds after.
	PollInterval time.Duration `json:"poll_interval"`
	// PauseOnBudget pauses jobs when spend limits are hit instead of
	// failing them.
	PauseOnBudget bool `json:"pause_on_budget"`
	// GracefulStartPhase scales the post-restart recovery windows. Zero
	// means production pacing (10s warm phase, 15min slow phase); tests
	// set it low to finish recovery in seconds.
	GracefulStartPhase time.Duration `json:"graceful_start_phase"`
}

// DefaultWorkerPoolConfig returns production defaults: a single worker
// polling every five seconds, pausing rather than failing on budget.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:            1,
		PollInterval:       5 * time.Second,
		PauseOnBudget:      true,
		GracefulStartPhase: 5 * time.Minute,
	}
}

// NewWorkerPool creates a pool with an empty handler registry. Handlers
// must be registered through Registry() before Start, or every dequeued
// job will fail with an unknown-handler error.
func NewWorkerPool(db *sql.DB, cfg *am.Config, poolCfg WorkerPoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	return NewWorkerPoolWithContext(context.Background(), db, cfg, poolCfg, logger)
}

// NewWorkerPoolWithContext is NewWorkerPool with a caller-owned parent
// context. Cancelling the parent shuts the workers down; in-flight jobs
// checkpoint and re-queue rather than fail.
func NewWorkerPoolWithContext(ctx context.Context, db *sql.DB, cfg *am.Config, poolCfg WorkerPoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	return NewWorkerPoolWithRegistry(ctx, db, cfg, poolCfg, logger, NewHandlerRegistry(), nil, nil)
}

// NewWorkerPoolWithRegistry wires a pool to an existing handler registry
// and, optionally, budget and rate gates. Nil gates run the pool ungated,
// which is what tests and minimal setups want.
func NewWorkerPoolWithRegistry(ctx context.Context, db *sql.DB, cfg *am.Config, poolCfg WorkerPoolConfig, logger *zap.SugaredLogger, registry *HandlerRegistry, budgetTracker BudgetTracker, rateLimiter RateLimiter) *WorkerPool {
	workerCtx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		queue:         NewQueue(db),
		budgetTracker: budgetTracker,
		rateLimiter:   rateLimiter,
		db:            db,
		config:        cfg,
		poolConfig:    poolCfg,
		workers:       poolCfg.Workers,
		parentCtx:     ctx,
		ctx:           workerCtx,
		cancel:        cancel,
		executor:      NewRegistryExecutor(registry, nil), // no fallback: an unregistered handler is an error
		logger:        pulseLogger{logger.Named("pulse")},
	}
}

// Start recovers interrupted jobs and launches the workers. Safe to call
// again after Stop: the worker context is re-derived from the parent
// before any worker spawns.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.startTime = time.Now()
	wp.jobsProcessed = 0
	wp.mu.Unlock()

	// Recovery failure is not fatal. The orphans stay in running state
	// until the next restart; new work proceeds regardless.
	if err := wp.recoverOrphanedJobs(); err != nil {
		wp.logger.SugaredLogger.Warnw("Failed to recover orphaned jobs", "error", err)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.SugaredLogger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// recoverOrphanedJobs re-queues jobs an ungraceful shutdown left in
// running state. The first orphan goes back immediately; the rest ramp
// in over the graceful start window so a restarted daemon does not
// replay a crash's whole workload at once.
func (wp *WorkerPool) recoverOrphanedJobs() error {
	running := JobStatusRunning
	orphaned, err := wp.queue.store.ListJobs(&running, MaxOrphanedJobsToRecover)
	if err != nil {
		return errors.Wrap(err, "failed to list running jobs")
	}
	if len(orphaned) == 0 {
		return nil
	}

	wp.logger.Starting("Found orphaned jobs from previous shutdown", "count", len(orphaned))

	if err := wp.requeueOrphanedJob(orphaned[0]); err != nil {
		wp.logger.SugaredLogger.Warnw("Failed to recover orphaned job", "job_id", orphaned[0].ID, "error", err)
	} else {
		wp.logger.Starting("Immediately recovered first job", "current", 1, "total", len(orphaned))
	}

	if len(orphaned) > 1 {
		wp.logger.Starting("Recovering remaining jobs gradually", "count", len(orphaned)-1)
		go wp.gradualRecovery(orphaned[1:])
	}
	return nil
}

// requeueOrphanedJob returns one interrupted job to the queue. Whatever
// checkpoint its pulse state carries rides along, so a resumed batch
// picks up at its last fetched URL instead of starting over.
func (wp *WorkerPool) requeueOrphanedJob(job *Job) error {
	job.Status = JobStatusQueued
	job.Error = "" // pre-crash retry notes no longer apply

	if err := wp.queue.UpdateJob(job); err != nil {
		return errors.Wrapf(err, "failed to update recovered job %s", job.ID)
	}

	wp.logger.Starting("Recovered orphaned job", "job_id", job.ID, "handler", job.HandlerName)
	return nil
}

// gradualRecovery paces re-queues through two phases: a warm phase that
// admits up to nine jobs quickly, then a slow phase spreading the rest
// across the full window. GracefulStartPhase scales both.
func (wp *WorkerPool) gradualRecovery(jobs []*Job) {
	if len(jobs) == 0 {
		return
	}
	begun := time.Now()

	warmWindow := 10 * time.Second
	slowWindow := 15 * time.Minute
	if wp.poolConfig.GracefulStartPhase > 0 {
		warmWindow = wp.poolConfig.GracefulStartPhase / 5
		slowWindow = wp.poolConfig.GracefulStartPhase * 3
	}

	warmCount := min(9, len(jobs))
	warmInterval := warmWindow / time.Duration(warmCount)
	wp.logger.Starting("Warm start phase", "count", warmCount, "interval", warmInterval)

	warmRecovered := wp.recoverJobsWithInterval(jobs[:warmCount], warmInterval, "warm start")
	wp.logger.Starting("Warm start complete", "recovered", warmRecovered, "duration", time.Since(begun))

	remaining := jobs[warmCount:]
	if len(remaining) == 0 {
		wp.logger.Starting("All jobs recovered during warm start")
		return
	}

	slowInterval := slowWindow / time.Duration(len(remaining))
	wp.logger.Starting("Slow start phase", "count", len(remaining), "interval", slowInterval)

	slowRecovered := wp.recoverJobsWithInterval(remaining, slowInterval, "slow start")
	wp.logger.Starting("Gradual recovery complete", "recovered", warmRecovered+slowRecovered, "total", len(jobs), "duration", time.Since(begun))
}

// Stop cancels the workers and waits up to thirty seconds for them to
// checkpoint and exit. On timeout it returns anyway; stragglers finish
// checkpointing in the background rather than block daemon shutdown.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	const timeout = 30 * time.Second
	select {
	case <-done:
		wp.logger.Pulse(sym.PulseClose + " Worker pool stopped, all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Closing("Worker pool stop timed out, workers may still be checkpointing", "timeout", timeout)
	}
}

// worker is the dequeue loop. Consecutive failures back off
// exponentially so a broken database or handler cannot spin the log;
// shutdown-shaped errors end the loop silently.
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	interval := wp.getWorkerInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	const maxConsecutiveErrors = 5
	const maxBackoff = 30 * time.Second
	errorCount := 0
	backoff := time.Second

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			if err := wp.processNextJob(); err != nil {
				select {
				case <-wp.ctx.Done():
					return
				default:
				}
				if errors.Is(err, sql.ErrConnDone) {
					// Database closed under us mid-shutdown.
					return
				}
				errorCount++
				wp.logger.SugaredLogger.Errorw("Worker error processing job",
					"worker_id", id,
					"error", err,
					"consecutive_errors", errorCount)
				if errorCount >= maxConsecutiveErrors {
					wp.logger.SugaredLogger.Warnw("Worker backing off after consecutive errors",
						"worker_id", id,
						"backoff", backoff,
						"consecutive_errors", errorCount)
					time.Sleep(backoff)
					backoff = min(backoff*2, maxBackoff)
				}
			} else {
				if errorCount > 0 {
					wp.logger.SugaredLogger.Infow("Worker recovered",
						"worker_id", id,
						"previous_error_count", errorCount)
				}
				errorCount = 0
				backoff = time.Second
			}

			if next := wp.getWorkerInterval(); next != interval {
				ticker.Reset(next)
				interval = next
			}
		}
	}
}

// getWorkerInterval picks the dequeue cadence. An explicit PollInterval
// wins; otherwise workers poll every second through the warmup window
// (first 20 jobs or first two minutes) and settle to five seconds after.
func (wp *WorkerPool) getWorkerInterval() time.Duration {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.poolConfig.PollInterval > 0 {
		return wp.poolConfig.PollInterval
	}
	if wp.jobsProcessed < 20 || time.Since(wp.startTime) < 2*time.Minute {
		return time.Second
	}
	return 5 * time.Second
}

// processNextJob claims one job and runs it through the gates and the
// executor. The rate gate runs before the budget gate; a rate-paused job
// must not consume budget.
func (wp *WorkerPool) processNextJob() error {
	select {
	case <-wp.ctx.Done():
		return nil
	default:
	}

	job, err := wp.queue.Dequeue()
	if err != nil {
		return errors.Wrap(err, "failed to dequeue job")
	}
	if job == nil {
		return nil
	}

	if paused, err := wp.checkRateLimit(job); paused || err != nil {
		if err != nil {
			return errors.Wrapf(err, "rate limit check failed for job %s", job.ID)
		}
		return nil
	}
	if paused, err := wp.checkBudget(job); paused || err != nil {
		if err != nil {
			return errors.Wrapf(err, "budget check failed for job %s", job.ID)
		}
		return nil
	}

	wp.updateJobPulseState(job)

	wp.mu.Lock()
	wp.jobsProcessed++
	wp.mu.Unlock()

	// A child whose parent is gone has nothing to report back to.
	if job.ParentJobID != "" {
		parent, err := wp.queue.GetJob(job.ParentJobID)
		if err != nil {
			job.Cancel("parent job deleted")
			return wp.queue.UpdateJob(job)
		}
		if parent.Status == JobStatusFailed || parent.Status == JobStatusCancelled {
			job.Cancel(fmt.Sprintf("parent job %s", parent.Status))
			return wp.queue.UpdateJob(job)
		}
	}

	wp.mu.Lock()
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	if err := wp.executor.Execute(wp.ctx, job); err != nil {
		select {
		case <-wp.ctx.Done():
			// Shutdown, not failure. The checkpoint is already on the
			// job; re-queue it so the next start resumes from there.
			wp.logger.Closing("Job interrupted by shutdown, re-queuing with checkpoint", "job_id", job.ID)
			job.Status = JobStatusQueued
			if updateErr := wp.queue.UpdateJob(job); updateErr != nil {
				wp.logger.SugaredLogger.Errorw("Failed to re-queue interrupted job", "job_id", job.ID, "error", updateErr)
			}
			return nil
		default:
			return wp.failOrRetry(job, err)
		}
	}

	return wp.queue.CompleteJob(job.ID)
}

// failOrRetry re-queues a retryable failure until the job exhausts its
// retry budget, then fails it for good. Exhaustion and validation errors
// fail immediately; re-running them would reproduce the same outcome.
func (wp *WorkerPool) failOrRetry(job *Job, execErr error) error {
	cls := ClassifyError("execute", execErr)
	if !cls.Retryable || job.RetryCount >= MaxRetries {
		return wp.queue.FailJob(job.ID, execErr)
	}

	job.RetryCount++
	job.Error = fmt.Sprintf("retry %d/%d: %v", job.RetryCount, MaxRetries, execErr)
	job.Status = JobStatusQueued
	if err := wp.queue.UpdateJob(job); err != nil {
		wp.logger.SugaredLogger.Warnw("Failed to re-queue job for retry",
			"job_id", job.ID,
			"error", err,
		)
		return wp.queue.FailJob(job.ID, execErr)
	}

	wp.logger.SugaredLogger.Infow(sym.Pulse+" Retry scheduled",
		"job_id", job.ID,
		"retry_count", job.RetryCount,
		"max_retries", MaxRetries,
		"error_code", cls.Code,
	)
	return nil
}

// checkRateLimit pauses the job when the call window is exhausted.
// Returns paused=true when the caller should skip this job.
func (wp *WorkerPool) checkRateLimit(job *Job) (paused bool, err error) {
	if wp.rateLimiter == nil {
		return false, nil
	}

	if err := wp.rateLimiter.Allow(); err != nil {
		if pauseErr := wp.queue.PauseJob(job.ID, "rate_limited"); pauseErr != nil {
			return false, errors.Wrapf(pauseErr, "failed to pause job %s", job.ID)
		}
		callsInWindow, callsRemaining := wp.rateLimiter.Stats()
		wp.logger.SugaredLogger.Infow(fmt.Sprintf(sym.Pulse+" Rate limit reached, job paused | calls:%d/%d remaining:%d | job:%s",
			callsInWindow, callsInWindow+callsRemaining, callsRemaining, job.ID),
			"job_id", job.ID,
			"calls_in_window", callsInWindow,
			"calls_remaining", callsRemaining,
			"reason", "rate_limited")
		return true, nil
	}
	return false, nil
}

// checkBudget pauses or fails the job when spend limits are exhausted,
// per PauseOnBudget. Returns paused=true when the caller should skip.
func (wp *WorkerPool) checkBudget(job *Job) (paused bool, err error) {
	if wp.budgetTracker == nil {
		return false, nil
	}

	checkErr := wp.budgetTracker.CheckBudget(job.CostEstimate)
	if checkErr == nil {
		return false, nil
	}

	outcome := "paused"
	if !wp.poolConfig.PauseOnBudget {
		outcome = "failed"
	}
	if status, statusErr := wp.budgetTracker.GetStatus(); statusErr == nil {
		dailyLimit := status.DailySpend + status.DailyRemaining
		monthlyLimit := status.MonthlySpend + status.MonthlyRemaining
		wp.logger.SugaredLogger.Infow(fmt.Sprintf(sym.Pulse+" Budget exceeded, job %s | daily:$%.2f/$%.2f monthly:$%.2f/$%.2f | job:%s",
			outcome,
			status.DailySpend, dailyLimit,
			status.MonthlySpend, monthlyLimit,
			job.ID),
			"job_id", job.ID,
			"estimated_cost", job.CostEstimate,
			"daily_spend", status.DailySpend,
			"daily_remaining", status.DailyRemaining,
			"monthly_spend", status.MonthlySpend,
			"monthly_remaining", status.MonthlyRemaining,
			"reason", "budget_exceeded")
	}

	if wp.poolConfig.PauseOnBudget {
		if pauseErr := wp.queue.PauseJob(job.ID, "budget_exceeded"); pauseErr != nil {
			return false, errors.Wrapf(pauseErr, "failed to pause job %s", job.ID)
		}
		return true, nil
	}
	return true, wp.queue.FailJob(job.ID, checkErr)
}

// updateJobPulseState stamps current rate and budget readings onto the
// job before execution, so the UI can show the conditions it ran under.
func (wp *WorkerPool) updateJobPulseState(job *Job) {
	if wp.budgetTracker == nil || wp.rateLimiter == nil {
		return
	}

	status, err := wp.budgetTracker.GetStatus()
	if err != nil {
		wp.logger.SugaredLogger.Warnw("Failed to get budget status", "error", err)
		return
	}

	callsInWindow, callsRemaining := wp.rateLimiter.Stats()
	job.UpdatePulseState(&PulseState{
		CallsThisMinute: callsInWindow,
		CallsRemaining:  callsRemaining,
		SpendToday:      status.DailySpend,
		SpendThisMonth:  status.MonthlySpend,
		BudgetRemaining: status.DailyRemaining,
		IsPaused:        false,
		PauseReason:     "",
	})
	if err := wp.queue.UpdateJob(job); err != nil {
		wp.logger.SugaredLogger.Warnw("Failed to update job pulse state", "error", err)
	}
}

// recoverJobsWithInterval re-queues jobs one at a time with a fixed gap,
// bailing out if the pool shuts down mid-phase. Returns how many made it
// back to the queue.
func (wp *WorkerPool) recoverJobsWithInterval(jobs []*Job, interval time.Duration, phase string) int {
	recovered := 0
	for i, job := range jobs {
		select {
		case <-wp.ctx.Done():
			wp.logger.Closing("Recovery cancelled during "+phase, "recovered", recovered, "total", len(jobs))
			return recovered
		default:
		}

		if err := wp.requeueOrphanedJob(job); err != nil {
			wp.logger.SugaredLogger.Warnw("Failed to recover job during "+phase, "job_id", job.ID, "error", err)
			continue
		}
		recovered++

		if recovered%10 == 0 {
			wp.logger.Starting("Recovery progress", "current", recovered, "total", len(jobs), "phase", phase)
		}
		if i < len(jobs)-1 {
			time.Sleep(interval)
		}
	}
	return recovered
}

// GetQueue exposes the queue for enqueuing work.
func (wp *WorkerPool) GetQueue() *Queue {
	return wp.queue
}

// Workers reports the configured worker count.
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Registry returns the handler registry so callers can register handlers
// before Start:
//
//	pool := async.NewWorkerPool(db, cfg, poolCfg, logger)
//	pool.Registry().Register(slotHandler)
//	pool.Start()
func (wp *WorkerPool) Registry() *HandlerRegistry {
	if exec, ok := wp.executor.(*RegistryExecutor); ok {
		return exec.registry
	}
	return nil
}
