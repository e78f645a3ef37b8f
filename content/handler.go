package content

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/pulse/async"
)

// BatchHandlerName is the handler identifier for queued URL batch resolution.
const BatchHandlerName = "content.batch"

// BatchPayload is the payload for a queued batch resolve. RequestedBy
// carries dispatch attribution (cli, mcp, an LLM caller) for the audit
// trail; it does not affect execution.
type BatchPayload struct {
	URLs        []string `json:"urls"`
	RequestedBy string   `json:"requested_by,omitempty"`
}

// BatchHandler implements async.JobHandler for content.batch jobs: resolve
// every URL in the payload through the fallback chain and persist the
// captures. Per-URL failures are recorded, never fatal; the job itself
// fails only on a malformed payload or cancellation.
type BatchHandler struct {
	queue       *async.Queue
	broadcaster interface{}
	resolver    *Resolver
	store       *Store
	logger      *zap.SugaredLogger
}

// BatchHandlerOptions wires a BatchHandler. Queue and Resolver are
// required; a nil Store disables capture persistence.
type BatchHandlerOptions struct {
	Queue       *async.Queue
	Broadcaster interface{}
	Resolver    *Resolver
	Store       *Store
	Logger      *zap.SugaredLogger
}

// NewBatchHandler creates the content.batch job handler.
func NewBatchHandler(o BatchHandlerOptions) (*BatchHandler, error) {
	if o.Queue == nil {
		return nil, errors.New("batch handler needs a queue")
	}
	if o.Resolver == nil {
		return nil, errors.New("batch handler needs a resolver")
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return &BatchHandler{
		queue:       o.Queue,
		broadcaster: o.Broadcaster,
		resolver:    o.Resolver,
		store:       o.Store,
		logger:      o.Logger,
	}, nil
}

// Name returns the handler identifier.
func (h *BatchHandler) Name() string { return BatchHandlerName }

// SetBroadcaster attaches a UI broadcaster after construction. The server
// wires itself in once it exists; CLI runs leave this nil.
func (h *BatchHandler) SetBroadcaster(b interface{}) {
	h.broadcaster = b
}

// Execute resolves the payload's URLs and saves one capture per unique page.
func (h *BatchHandler) Execute(ctx context.Context, job *async.Job) error {
	var payload BatchPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errors.Wrap(err, "failed to decode content.batch payload")
	}
	if len(payload.URLs) == 0 {
		return errors.New("content.batch job has no URLs")
	}

	// A requeued job restarts cleanly; the batch is resolved as a whole.
	job.Progress = async.Progress{Current: 0, Total: len(payload.URLs)}
	emitter := async.NewJobProgressEmitter(job, h.queue, h.broadcaster, h.logger)
	emitter.EmitStage("resolving", "Resolving URL batch through the fallback chain")

	results := h.resolver.ResolveMany(ctx, payload.URLs)

	resolved, failed, saved := 0, 0, 0
	for _, res := range results {
		if res.Error == "" {
			resolved++
		} else {
			failed++
		}
		if h.store == nil {
			continue
		}
		if err := h.store.SavePage(ctx, res); err != nil {
			h.logger.Warnw("Failed to save page capture",
				"job_id", job.ID,
				"url", res.URL,
				"error", err)
			continue
		}
		saved++
	}

	emitter.EmitProgress(len(payload.URLs), map[string]interface{}{
		"unique":   len(results),
		"resolved": resolved,
		"failed":   failed,
		"saved":    saved,
	})

	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "content batch interrupted")
	}

	h.logger.Infow("Content batch finished",
		"job_id", job.ID,
		"urls", len(payload.URLs),
		"unique", len(results),
		"resolved", resolved,
		"failed", failed,
		"saved", saved)
	return nil
}
