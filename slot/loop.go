package slot

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/scry/cascade"
	"github.com/teranos/scry/engine"
	"github.com/teranos/scry/errors"
)

// Terminal event reasons.
const (
	reasonSufficient  = "sufficient"
	reasonMaxAttempts = "max attempts reached"
	reasonExhausted   = "strategies exhausted"
	reasonCancelled   = "cancelled"
)

// ProbeResult is the outcome of one executed probe.
type ProbeResult struct {
	Status   cascade.ExecutionStatus
	Results  []engine.Result
	Error    string
	Duration time.Duration

	// Reliability is the probed engine's declared reliability, used as
	// the confidence floor for unscored results.
	Reliability float64
}

// Executor runs one probe. Production dispatches through the cascade
// scheduler; tests substitute a stub.
type Executor interface {
	ExecuteProbe(ctx context.Context, query, engineCode string) ProbeResult
}

// SchedulerExecutor adapts the cascade scheduler to the probe contract.
type SchedulerExecutor struct {
	Scheduler *cascade.Scheduler
	Registry  *engine.Registry
}

var _ Executor = (*SchedulerExecutor)(nil)

func (e *SchedulerExecutor) ExecuteProbe(ctx context.Context, query, engineCode string) ProbeResult {
	probe := ProbeResult{Status: cascade.StatusFailed}
	if desc, ok := e.Registry.Descriptor(engineCode); ok {
		probe.Reliability = desc.Reliability
	}

	run, err := e.Scheduler.Dispatch(ctx, query, []string{engineCode})
	if err != nil {
		probe.Error = err.Error()
		return probe
	}
	exec := run.Executions[engineCode]
	if exec == nil {
		probe.Error = "engine missing from dispatch run"
		return probe
	}
	probe.Status = exec.Status
	probe.Results = exec.Results
	probe.Error = exec.Error
	probe.Duration = exec.Duration
	return probe
}

// Recorder persists the audit trail as it accumulates. A nil Recorder
// disables persistence; the in-memory trail on the session survives
// either way.
type Recorder interface {
	CreateSession(ctx context.Context, s *Session) error
	RecordAttempt(ctx context.Context, sessionID string, a Attempt) error
	FinishSession(ctx context.Context, s *Session) error
}

// Loop drives one slot session to a terminal state. Attempts are strictly
// sequential: each iteration's strategy selection depends on everything
// recorded before it. Run separate loops for separate slots.
type Loop struct {
	session    *Session
	executor   Executor
	recorder   Recorder
	strategies []Strategy
	logger     *zap.SugaredLogger
}

// LoopOptions wires a Loop. Executor is required.
type LoopOptions struct {
	Executor Executor
	Recorder Recorder
	Logger   *zap.SugaredLogger
}

func NewLoop(session *Session, o LoopOptions) (*Loop, error) {
	if session == nil {
		return nil, errors.Mark(errors.New("loop needs a session"), errors.ErrInvalidConfig)
	}
	if o.Executor == nil {
		return nil, errors.Mark(errors.New("loop needs an executor"), errors.ErrInvalidConfig)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}

	strategies := make([]Strategy, 0, len(session.Config.Strategies))
	for _, name := range session.Config.Strategies {
		strat, err := strategyByName(name)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, strat)
	}

	return &Loop{
		session:    session,
		executor:   o.Executor,
		recorder:   o.Recorder,
		strategies: strategies,
		logger:     o.Logger,
	}, nil
}

// Session returns the loop's session. Read it only after the Run channel
// has closed.
func (l *Loop) Session() *Session { return l.session }

// Run executes the loop and streams one IterationState per attempt, the
// final event marked terminal. The channel is buffered for the whole run
// and closes after the terminal event, so a slow or abandoned consumer
// never stalls iteration or leaks the goroutine.
func (l *Loop) Run(ctx context.Context) <-chan IterationState {
	events := make(chan IterationState, l.session.Config.MaxAttempts+1)
	go func() {
		defer close(events)
		l.run(ctx, events)
	}()
	return events
}

func (l *Loop) run(ctx context.Context, events chan<- IterationState) {
	s := l.session
	s.Started = time.Now()
	if l.recorder != nil {
		if err := l.recorder.CreateSession(ctx, s); err != nil {
			l.logger.Errorw("Failed to persist slot session",
				"session", s.ID,
				"error", err)
		}
	}
	l.logger.Infow("Slot resolution started",
		"session", s.ID,
		"slot", s.SlotName,
		"subject", s.Subject.Query(),
		"max_attempts", s.Config.MaxAttempts)

	for {
		if ctx.Err() != nil {
			l.finish(ctx, events, Attempt{}, reasonCancelled)
			return
		}

		cand, strategy, ok := l.next()
		if !ok {
			l.finish(ctx, events, Attempt{}, reasonExhausted)
			return
		}

		attempt := l.attempt(ctx, cand, strategy)
		if l.recorder != nil {
			if err := l.recorder.RecordAttempt(ctx, s.ID, attempt); err != nil {
				l.logger.Errorw("Failed to persist attempt",
					"session", s.ID,
					"attempt", attempt.Number,
					"error", err)
			}
		}
		s.recompute()

		if s.IsSufficient() {
			l.finish(ctx, events, attempt, reasonSufficient)
			return
		}
		if len(s.Attempts) >= s.Config.MaxAttempts {
			l.finish(ctx, events, attempt, reasonMaxAttempts)
			return
		}

		events <- l.event(attempt, false, "")
		l.pauseBetween(ctx)
	}
}

// next picks the iteration's probe. The subject's own query against the
// primary engine is always the first probe; strategies generate
// follow-ups in configured order, and the first unseen pair wins.
func (l *Loop) next() (Candidate, string, bool) {
	s := l.session
	base := Candidate{Query: s.Subject.Query(), Engine: s.EngineChain[0]}
	if !s.Seen(base.Query, base.Engine) {
		return base, "base", true
	}

	for _, strat := range l.strategies {
		for _, cand := range strat.Propose(s) {
			cand.Query = strings.TrimSpace(cand.Query)
			if cand.Query == "" || cand.Engine == "" {
				continue
			}
			if !s.Seen(cand.Query, cand.Engine) {
				return cand, strat.Name(), true
			}
		}
	}
	return Candidate{}, "", false
}

func (l *Loop) attempt(ctx context.Context, cand Candidate, strategy string) Attempt {
	s := l.session
	number := len(s.Attempts) + 1
	l.logger.Debugw("Slot attempt",
		"session", s.ID,
		"attempt", number,
		"strategy", strategy,
		"query", cand.Query,
		"engine", cand.Engine)

	probe := l.executor.ExecuteProbe(ctx, cand.Query, cand.Engine)
	attempt := Attempt{
		Number:      number,
		Query:       cand.Query,
		Engine:      cand.Engine,
		Strategy:    strategy,
		ResultCount: len(probe.Results),
		Confidence:  probeConfidence(probe),
		Status:      probe.Status,
		Error:       probe.Error,
		Duration:    probe.Duration,
		At:          time.Now(),
	}
	s.record(attempt, probe.Results)
	return attempt
}

// probeConfidence scores an attempt: the best per-result score, falling
// back to the engine's declared reliability for unscored results.
func probeConfidence(p ProbeResult) float64 {
	if len(p.Results) == 0 {
		return 0
	}
	best := 0.0
	for _, r := range p.Results {
		score := r.Score
		if score <= 0 {
			score = p.Reliability
		}
		if score > best {
			best = score
		}
	}
	if best > 1 {
		best = 1
	}
	if best < 0 {
		best = 0
	}
	return best
}

func (l *Loop) finish(ctx context.Context, events chan<- IterationState, last Attempt, reason string) {
	s := l.session
	if (reason == reasonExhausted || reason == reasonMaxAttempts) && len(s.Results) == 0 {
		// Exhaustion with nothing found is confirmed absence, not
		// "not yet tried".
		s.State = StateVoid
	}
	s.Finished = time.Now()

	if l.recorder != nil {
		// The trail must land even when the run was cancelled.
		if err := l.recorder.FinishSession(context.WithoutCancel(ctx), s); err != nil {
			l.logger.Errorw("Failed to finalize slot session",
				"session", s.ID,
				"error", err)
		}
	}

	l.logger.Infow("Slot resolution finished",
		"session", s.ID,
		"slot", s.SlotName,
		"state", s.State,
		"attempts", len(s.Attempts),
		"results", len(s.Results),
		"reason", reason)
	events <- l.event(last, true, reason)
}

func (l *Loop) event(a Attempt, terminal bool, reason string) IterationState {
	s := l.session
	return IterationState{
		SessionID:      s.ID,
		SlotName:       s.SlotName,
		State:          s.State,
		Attempt:        a,
		TotalResults:   len(s.Results),
		BestConfidence: s.BestConfidence(),
		Sufficient:     s.IsSufficient(),
		Terminal:       terminal,
		Reason:         reason,
	}
}

func (l *Loop) pauseBetween(ctx context.Context) {
	if l.session.Config.AttemptPause <= 0 {
		return
	}
	select {
	case <-time.After(l.session.Config.AttemptPause):
	case <-ctx.Done():
	}
}
