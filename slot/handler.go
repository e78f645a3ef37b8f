package slot

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/teranos/scry/content"
	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/pulse/async"
)

// ResolveHandlerName is the handler identifier for queued slot resolutions.
const ResolveHandlerName = "slot.resolve"

// ResolvePayload is the payload for a queued slot resolution. RequestedBy
// carries dispatch attribution (cli, mcp, an LLM caller) for the audit
// trail; it does not affect execution.
type ResolvePayload struct {
	SlotName    string            `json:"slot_name"`
	Subject     Subject           `json:"subject"`
	Config      SufficiencyConfig `json:"config"`
	EngineChain []string          `json:"engine_chain"`
	RequestedBy string            `json:"requested_by,omitempty"`
}

// ResolveHandler implements async.JobHandler for slot.resolve jobs: build a
// session from the payload and drive a sufficiency loop to its terminal
// state. Exhaustion is a recorded outcome, not a job failure; the job fails
// only on a malformed payload, an invalid config, or cancellation.
type ResolveHandler struct {
	queue       *async.Queue
	broadcaster interface{}
	executor    Executor
	recorder    Recorder
	capture     bool
	logger      *zap.SugaredLogger
}

// ResolveHandlerOptions wires a ResolveHandler. Queue and Executor are
// required; a nil Recorder disables session persistence. CaptureResults
// queues a content.batch child job for the accumulated result pages after
// each run.
type ResolveHandlerOptions struct {
	Queue          *async.Queue
	Broadcaster    interface{}
	Executor       Executor
	Recorder       Recorder
	CaptureResults bool
	Logger         *zap.SugaredLogger
}

// NewResolveHandler creates the slot.resolve job handler.
func NewResolveHandler(o ResolveHandlerOptions) (*ResolveHandler, error) {
	if o.Queue == nil {
		return nil, errors.New("resolve handler needs a queue")
	}
	if o.Executor == nil {
		return nil, errors.New("resolve handler needs an executor")
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return &ResolveHandler{
		queue:       o.Queue,
		broadcaster: o.Broadcaster,
		executor:    o.Executor,
		recorder:    o.Recorder,
		capture:     o.CaptureResults,
		logger:      o.Logger,
	}, nil
}

// Name returns the handler identifier.
func (h *ResolveHandler) Name() string { return ResolveHandlerName }

// SetBroadcaster attaches a UI broadcaster after construction. The server
// wires itself in once it exists; CLI runs leave this nil.
func (h *ResolveHandler) SetBroadcaster(b interface{}) {
	h.broadcaster = b
}

// Execute runs one sufficiency loop for the queued slot.
func (h *ResolveHandler) Execute(ctx context.Context, job *async.Job) error {
	var payload ResolvePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errors.Wrap(err, "failed to decode slot.resolve payload")
	}

	session, err := NewSession(payload.SlotName, payload.Subject, payload.Config, payload.EngineChain)
	if err != nil {
		return err
	}

	loop, err := NewLoop(session, LoopOptions{
		Executor: h.executor,
		Recorder: h.recorder,
		Logger:   h.logger,
	})
	if err != nil {
		return err
	}

	// A requeued job gets a fresh session, so the attempt counter restarts
	// too. Total comes from the config after defaults, not the enqueue-time
	// estimate.
	job.Progress = async.Progress{Current: 0, Total: session.Config.MaxAttempts}
	emitter := async.NewJobProgressEmitter(job, h.queue, h.broadcaster, h.logger)
	emitter.EmitStage("resolving", "Running sufficiency loop")

	for state := range loop.Run(ctx) {
		metadata := map[string]interface{}{
			"session_id": state.SessionID,
			"attempt":    state.Attempt.Number,
			"strategy":   state.Attempt.Strategy,
			"engine":     state.Attempt.Engine,
			"state":      string(state.State),
			"results":    state.TotalResults,
		}
		if state.Terminal {
			metadata["reason"] = state.Reason
		}
		// Exhaustion and cancellation close with an attempt-less terminal
		// event; it updates metadata without consuming attempt budget.
		advance := 0
		if state.Attempt.Number > 0 {
			advance = 1
		}
		emitter.EmitProgress(advance, metadata)
	}

	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "slot resolution interrupted for %s", session.ID)
	}

	outcome := "sufficient"
	if err := session.Outcome(); err != nil {
		outcome = "exhausted"
	}
	h.logger.Infow("Slot resolution finished",
		"job_id", job.ID,
		"session_id", session.ID,
		"slot", session.SlotName,
		"state", string(session.State),
		"outcome", outcome,
		"attempts", len(session.Attempts),
		"results", session.TotalResults(),
		"confidence", session.BestConfidence())

	if h.capture && session.TotalResults() > 0 {
		h.enqueueCapture(job, session)
	}
	return nil
}

// enqueueCapture queues a content.batch child job for the session's result
// pages. Capture is best-effort; a queue failure logs and moves on.
func (h *ResolveHandler) enqueueCapture(parent *async.Job, session *Session) {
	urls := make([]string, 0, len(session.Results))
	for _, r := range session.Results {
		urls = append(urls, r.URL)
	}

	payload, err := json.Marshal(content.BatchPayload{URLs: urls})
	if err != nil {
		h.logger.Warnw("Failed to build capture payload",
			"session_id", session.ID,
			"error", err)
		return
	}

	child, err := async.NewChildJobWithPayload(
		content.BatchHandlerName, session.ID, payload, len(urls), 0, parent.ID)
	if err != nil {
		h.logger.Warnw("Failed to build capture job",
			"session_id", session.ID,
			"error", err)
		return
	}

	if err := h.queue.Enqueue(child); err != nil {
		h.logger.Warnw("Failed to queue capture job",
			"session_id", session.ID,
			"error", err)
		return
	}
	h.logger.Infow("Queued page capture for slot results",
		"session_id", session.ID,
		"child_job_id", child.ID,
		"urls", len(urls))
}
