// Package content fetches usable text for a URL through an ordered chain
// of retrieval stages with decreasing trust and increasing generality: a
// fast self-hosted renderer, the archival chain (snapshot index, public
// web archive, hosted renderer), and a last-resort direct fetch with
// HTML-to-text normalization. The first stage to produce content wins;
// every stage tried is recorded whether it succeeded or not.
package content

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/scry/internal/httpclient"
)

// Stage names, in canonical chain order.
const (
	StageRenderer       = "renderer"
	StageWayback        = "wayback"
	StageArchiveToday   = "archive_today"
	StageHostedRenderer = "hosted_renderer"
	StageDirect         = "direct"
)

// defaultStageTimeouts bound each stage independently. The renderer is
// trusted and close, so it gets the tightest budget.
var defaultStageTimeouts = map[string]time.Duration{
	StageRenderer:       10 * time.Second,
	StageWayback:        15 * time.Second,
	StageArchiveToday:   20 * time.Second,
	StageHostedRenderer: 30 * time.Second,
	StageDirect:         20 * time.Second,
}

const (
	// maxBodyBytes caps how much of any response body is read.
	maxBodyBytes = 2 << 20

	// snippetRunes is the raw snippet budget cut from resolved content.
	snippetRunes = 280

	// defaultCleanupTimeout bounds the advisory LLM snippet cleanup.
	defaultCleanupTimeout = 5 * time.Second
)

// Fetched is one stage's successful payload.
type Fetched struct {
	Content string

	// Captured is the snapshot capture time for archival stages; zero
	// means the content is live.
	Captured time.Time
}

// Stage retrieves content for a URL over one path. Implementations must
// honor ctx; the resolver wraps each call in the stage's timeout.
type Stage interface {
	Name() string
	Fetch(ctx context.Context, pageURL string) (*Fetched, error)
}

// StageAttempt records one stage try within a resolution.
type StageAttempt struct {
	Stage   string        `json:"stage"`
	Timeout time.Duration `json:"timeout"`
	Success bool          `json:"success"`
	Latency time.Duration `json:"latency"`
	Bytes   int           `json:"bytes,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Result is the outcome of resolving one URL. Chain lists every stage
// attempted, in order, failed ones included, so a methodology trail can
// always be reconstructed from the result alone.
type Result struct {
	URL            string         `json:"url"`
	Content        string         `json:"content,omitempty"`
	Snippet        string         `json:"snippet,omitempty"`
	SnippetCleaned bool           `json:"snippet_cleaned,omitempty"`
	SourceStage    string         `json:"source_stage,omitempty"`
	Captured       time.Time      `json:"captured"`
	Chain          []StageAttempt `json:"chain"`
	Latency        time.Duration  `json:"latency"`
	Error          string         `json:"error,omitempty"`
}

// SnippetCleaner tidies a raw extract after a successful fetch. Cleanup is
// advisory: errors, empty output, and slow responses all degrade silently
// to the raw snippet.
type SnippetCleaner interface {
	CleanSnippet(ctx context.Context, pageURL, raw string) (string, error)
}

// Stats is a snapshot of resolver counters.
type Stats struct {
	Resolved  int64            `json:"resolved"`
	Failed    int64            `json:"failed"`
	Cleaned   int64            `json:"cleaned"`
	StageHits map[string]int64 `json:"stage_hits"`

	// SuccessRate is resolved over all finished resolutions.
	SuccessRate float64 `json:"success_rate"`

	// ArchiveRate is the fraction of successes served by the archival
	// chain rather than the renderer or a direct fetch.
	ArchiveRate float64 `json:"archive_rate"`
}

// Options configures a Resolver. Zero values take defaults.
type Options struct {
	// RendererURL is the base URL of a self-hosted rendering service.
	// Empty disables the renderer stage entirely.
	RendererURL string

	// WaybackURL overrides the snapshot index host. Default
	// https://archive.org.
	WaybackURL string

	// ArchiveTodayURL overrides the public web archive host. Default
	// https://archive.ph.
	ArchiveTodayURL string

	// HostedRendererURL overrides the hosted renderer host. Default
	// https://r.jina.ai.
	HostedRendererURL string

	// HostedRendererToken is sent as a bearer token to the hosted
	// renderer. Empty means anonymous (rate-limited) access.
	HostedRendererToken string

	// MaxConcurrent bounds simultaneous resolutions in ResolveMany.
	// Default 20.
	MaxConcurrent int

	// StageTimeouts overrides the built-in per-stage timeouts by name.
	StageTimeouts map[string]time.Duration

	// CleanupTimeout bounds the snippet cleanup call. Default 5s.
	CleanupTimeout time.Duration

	// Guarded is the SSRF-guarded client used for every external stage.
	Guarded *httpclient.SaferClient

	// Renderer is the plain client for the self-hosted renderer, which
	// typically lives on a private address the guarded client refuses.
	Renderer *http.Client

	// Cleaner enables the advisory snippet cleanup when set.
	Cleaner SnippetCleaner

	Logger *zap.SugaredLogger
}

func (o Options) withDefaults() Options {
	if o.WaybackURL == "" {
		o.WaybackURL = "https://archive.org"
	}
	if o.ArchiveTodayURL == "" {
		o.ArchiveTodayURL = "https://archive.ph"
	}
	if o.HostedRendererURL == "" {
		o.HostedRendererURL = "https://r.jina.ai"
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 20
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = defaultCleanupTimeout
	}
	if o.Guarded == nil {
		o.Guarded = httpclient.NewSaferClient(30 * time.Second)
	}
	if o.Renderer == nil {
		o.Renderer = &http.Client{Timeout: 15 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}

func (o Options) timeoutFor(stage string) time.Duration {
	if t, ok := o.StageTimeouts[stage]; ok && t > 0 {
		return t
	}
	return defaultStageTimeouts[stage]
}

// snippetFrom cuts a whitespace-collapsed snippet from content, breaking
// at a word boundary.
func snippetFrom(content string) string {
	collapsed := strings.Join(strings.Fields(content), " ")
	runes := []rune(collapsed)
	if len(runes) <= snippetRunes {
		return collapsed
	}
	cut := string(runes[:snippetRunes])
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}
