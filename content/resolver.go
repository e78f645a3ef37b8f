package content

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/merge"
)

// chainEntry binds a stage to its timeout and its place in the trust
// model. Archival entries feed the archive rate stat.
type chainEntry struct {
	stage    Stage
	timeout  time.Duration
	archival bool
}

// Resolver walks the stage chain for each URL and keeps running counters
// across resolutions. Safe for concurrent use.
type Resolver struct {
	entries        []chainEntry
	cleaner        SnippetCleaner
	cleanupTimeout time.Duration
	maxConcurrent  int
	logger         *zap.SugaredLogger

	mu          sync.Mutex
	resolved    int64
	failed      int64
	cleaned     int64
	archiveHits int64
	stageHits   map[string]int64
}

// NewResolver wires the canonical chain: renderer, wayback, archive.today,
// hosted renderer, direct fetch. The renderer entry is omitted when no
// renderer URL is configured.
func NewResolver(o Options) *Resolver {
	o = o.withDefaults()
	r := &Resolver{
		cleaner:        o.Cleaner,
		cleanupTimeout: o.CleanupTimeout,
		maxConcurrent:  o.MaxConcurrent,
		logger:         o.Logger,
		stageHits:      make(map[string]int64),
	}
	if o.RendererURL != "" {
		r.add(&rendererStage{base: strings.TrimRight(o.RendererURL, "/"), client: o.Renderer}, o.timeoutFor(StageRenderer), false)
	}
	r.add(&waybackStage{base: strings.TrimRight(o.WaybackURL, "/"), fetcher: o.Guarded}, o.timeoutFor(StageWayback), true)
	r.add(&archiveTodayStage{base: strings.TrimRight(o.ArchiveTodayURL, "/"), fetcher: o.Guarded}, o.timeoutFor(StageArchiveToday), true)
	r.add(&hostedRendererStage{base: strings.TrimRight(o.HostedRendererURL, "/"), token: o.HostedRendererToken, fetcher: o.Guarded}, o.timeoutFor(StageHostedRenderer), true)
	r.add(&directStage{fetcher: o.Guarded}, o.timeoutFor(StageDirect), false)
	return r
}

func (r *Resolver) add(s Stage, timeout time.Duration, archival bool) {
	r.entries = append(r.entries, chainEntry{stage: s, timeout: timeout, archival: archival})
}

// Resolve walks the chain until a stage produces usable content. The
// returned Result is never nil and its Chain records every stage tried.
// When all stages fail the error carries ErrAllStagesExhausted and the
// result's Error field mirrors it.
func (r *Resolver) Resolve(ctx context.Context, pageURL string) (*Result, error) {
	started := time.Now()
	res := &Result{URL: pageURL, Chain: make([]StageAttempt, 0, len(r.entries))}

	var lastErr error
	for _, entry := range r.entries {
		if err := ctx.Err(); err != nil {
			res.Latency = time.Since(started)
			res.Error = err.Error()
			r.recordFailure()
			return res, errors.Wrapf(err, "content resolution aborted for %s", pageURL)
		}

		stageCtx, cancel := context.WithTimeout(ctx, entry.timeout)
		stageStart := time.Now()
		fetched, err := entry.stage.Fetch(stageCtx, pageURL)
		cancel()

		attempt := StageAttempt{
			Stage:   entry.stage.Name(),
			Timeout: entry.timeout,
			Latency: time.Since(stageStart),
		}
		if err != nil {
			lastErr = errors.Mark(errors.Wrapf(err, "stage %s", attempt.Stage), errors.ErrStageFailure)
			attempt.Error = err.Error()
			res.Chain = append(res.Chain, attempt)
			r.logger.Debugw("Stage failed, falling through",
				"url", pageURL,
				"stage", attempt.Stage,
				"error", err)
			continue
		}

		attempt.Success = true
		attempt.Bytes = len(fetched.Content)
		res.Chain = append(res.Chain, attempt)

		res.Content = fetched.Content
		res.Captured = fetched.Captured
		res.SourceStage = attempt.Stage
		res.Snippet = snippetFrom(fetched.Content)
		r.cleanSnippet(ctx, res)
		res.Latency = time.Since(started)
		r.recordSuccess(entry)
		r.logger.Debugw("Content resolved",
			"url", pageURL,
			"stage", res.SourceStage,
			"bytes", attempt.Bytes)
		return res, nil
	}

	res.Latency = time.Since(started)
	res.Error = "no stage produced content"
	r.recordFailure()
	r.logger.Warnw("Content resolution exhausted all stages",
		"url", pageURL,
		"stages", len(res.Chain))

	// The exhaustion error wraps the last stage's marked failure, so both
	// IsAllStagesExhausted and IsStageFailure answer on it.
	err := errors.Newf("all %d stages failed for %s", len(res.Chain), pageURL)
	if lastErr != nil {
		err = errors.Wrapf(lastErr, "all %d stages failed for %s", len(res.Chain), pageURL)
	}
	return res, errors.Mark(err, errors.ErrAllStagesExhausted)
}

// ResolveMany resolves a batch of URLs concurrently, bounded by the
// resolver's concurrency limit. URLs that normalize to the same page are
// resolved once; the map is keyed by the first-seen form. One URL failing
// never fails the batch, so every entry's Result is populated either way.
func (r *Resolver) ResolveMany(ctx context.Context, urls []string) map[string]*Result {
	unique := make([]string, 0, len(urls))
	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		key := merge.NormalizeURL(u)
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, u)
	}

	out := make(map[string]*Result, len(unique))
	var mu sync.Mutex

	eg := &errgroup.Group{}
	eg.SetLimit(r.maxConcurrent)
	for _, pageURL := range unique {
		eg.Go(func() error {
			res, _ := r.Resolve(ctx, pageURL)
			mu.Lock()
			out[pageURL] = res
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return out
}

// cleanSnippet runs the advisory cleanup pass. Errors, empty output, and
// deadline overruns keep the raw snippet; cleanup never fails a fetch.
func (r *Resolver) cleanSnippet(ctx context.Context, res *Result) {
	if r.cleaner == nil || res.Snippet == "" {
		return
	}
	cleanCtx, cancel := context.WithTimeout(ctx, r.cleanupTimeout)
	defer cancel()

	cleaned, err := r.cleaner.CleanSnippet(cleanCtx, res.URL, res.Snippet)
	if err != nil || strings.TrimSpace(cleaned) == "" {
		r.logger.Debugw("Snippet cleanup degraded to raw extract",
			"url", res.URL,
			"error", err)
		return
	}
	res.Snippet = strings.TrimSpace(cleaned)
	res.SnippetCleaned = true

	r.mu.Lock()
	r.cleaned++
	r.mu.Unlock()
}

func (r *Resolver) recordSuccess(entry chainEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved++
	r.stageHits[entry.stage.Name()]++
	if entry.archival {
		r.archiveHits++
	}
}

func (r *Resolver) recordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
}

// Stats returns a snapshot of the resolver's counters.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Resolved:  r.resolved,
		Failed:    r.failed,
		Cleaned:   r.cleaned,
		StageHits: make(map[string]int64, len(r.stageHits)),
	}
	for stage, hits := range r.stageHits {
		s.StageHits[stage] = hits
	}
	if total := r.resolved + r.failed; total > 0 {
		s.SuccessRate = float64(r.resolved) / float64(total)
	}
	if r.resolved > 0 {
		s.ArchiveRate = float64(r.archiveHits) / float64(r.resolved)
	}
	return s
}
