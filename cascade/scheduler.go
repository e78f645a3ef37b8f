package cascade

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/scry/engine"
	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/internal/shortid"
)

// Scheduler dispatches queries through an engine registry.
type Scheduler struct {
	registry *engine.Registry
	config   Config
	logger   *zap.SugaredLogger
}

// NewScheduler creates a scheduler over the given registry.
func NewScheduler(registry *engine.Registry, config Config, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		registry: registry,
		config:   config.withDefaults(),
		logger:   logger,
	}
}

// Dispatch fans query out to the named engines and blocks until every one
// of them reaches a terminal status. Empty codes means every enabled
// engine in the registry.
func (s *Scheduler) Dispatch(ctx context.Context, query string, codes []string) (*Run, error) {
	return s.DispatchWithProgress(ctx, query, codes, nil)
}

// DispatchWithProgress is Dispatch with a per-transition callback.
func (s *Scheduler) DispatchWithProgress(ctx context.Context, query string, codes []string, progress Progress) (*Run, error) {
	if query == "" {
		return nil, errors.New("empty query")
	}
	if len(codes) == 0 {
		codes = s.registry.Codes()
	}
	if len(codes) == 0 {
		return nil, errors.New("no engines available to dispatch")
	}

	run := &Run{
		ID:         shortid.MustNew("r"),
		Query:      query,
		Executions: make(map[string]*Execution, len(codes)),
		Started:    time.Now(),
	}

	// Requested duplicates collapse to a single execution.
	var order []string
	for _, code := range codes {
		if _, dup := run.Executions[code]; dup {
			continue
		}
		var tier engine.Tier
		if desc, ok := s.registry.Descriptor(code); ok {
			tier = desc.Tier
		}
		run.Executions[code] = &Execution{Engine: code, Status: StatusPending, Tier: tier}
		order = append(order, code)
	}

	batchCtx := ctx
	cancel := func() {}
	if s.config.BatchTimeout > 0 {
		batchCtx, cancel = context.WithTimeout(ctx, s.config.BatchTimeout)
	}
	defer cancel()

	s.logger.Infow("Dispatching query across engines",
		"run", run.ID,
		"engines", len(order),
		"max_concurrent", s.config.MaxConcurrent,
	)

	eg := &errgroup.Group{}
	eg.SetLimit(s.config.MaxConcurrent)
	for _, code := range order {
		eg.Go(func() error {
			s.runOne(ctx, batchCtx, run, code, query, progress)
			return nil
		})
	}
	_ = eg.Wait()

	run.Duration = time.Since(run.Started)
	counts := run.Counts()
	s.logger.Infow("Dispatch finished",
		"run", run.ID,
		"duration_ms", run.Duration.Milliseconds(),
		"completed", counts[StatusCompleted],
		"failed", counts[StatusFailed],
		"timeout", counts[StatusTimeout],
		"cancelled", counts[StatusCancelled],
	)
	return run, nil
}

// runOne drives a single engine from pending to a terminal status. callerCtx
// is the dispatcher's own context, kept separate from batchCtx so a caller
// cancellation and a batch deadline classify differently.
func (s *Scheduler) runOne(callerCtx, batchCtx context.Context, run *Run, code, query string, progress Progress) {
	notify := func(status ExecutionStatus) {
		if progress != nil {
			progress(run.ID, code, status)
		}
	}

	// The batch may have expired while this engine sat queued.
	if batchCtx.Err() != nil {
		if run.finish(code, StatusCancelled, nil, "batch cancelled before start", 0) {
			notify(StatusCancelled)
		}
		return
	}

	if run.transition(code, StatusRunning) {
		notify(StatusRunning)
	}

	engineCtx, cancel := context.WithTimeout(batchCtx, s.timeoutFor(code))
	defer cancel()

	start := time.Now()
	results, err := s.registry.Resolve(engineCtx, code, query, s.config.MaxResults)
	took := time.Since(start)

	status := StatusCompleted
	var errMsg string
	if err != nil {
		errMsg = err.Error()
		switch {
		case callerCtx.Err() != nil:
			// The caller cut the run off; the engine's own outcome no
			// longer matters.
			status = StatusCancelled
		case errors.IsEngineTimeout(err), batchCtx.Err() == context.DeadlineExceeded:
			// The engine ran out of time, whether its own allotment or
			// the batch deadline caught it mid-flight.
			status = StatusTimeout
		default:
			status = StatusFailed
		}
	}
	if run.finish(code, status, results, errMsg, took) {
		notify(status)
	}
}

// timeoutFor resolves the effective timeout for one engine: the descriptor
// override wins, then the configured tier timeout, then the built-in tier
// default.
func (s *Scheduler) timeoutFor(code string) time.Duration {
	desc, ok := s.registry.Descriptor(code)
	if !ok {
		return engine.TierStandard.DefaultTimeout()
	}
	if desc.Timeout > 0 {
		return desc.Timeout
	}
	if t, ok := s.config.TierTimeouts[desc.Tier]; ok && t > 0 {
		return t
	}
	return desc.Tier.DefaultTimeout()
}
