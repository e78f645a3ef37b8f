package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/scry/ai/openrouter"
	"github.com/teranos/scry/am"
	"github.com/teranos/scry/cascade"
	"github.com/teranos/scry/content"
	"github.com/teranos/scry/engine"
	scrytest "github.com/teranos/scry/internal/testing"
	"github.com/teranos/scry/merge"
	"github.com/teranos/scry/pulse/budget"
	"github.com/teranos/scry/slot"
)

func newTestService(t *testing.T, cfg *am.Config) *Service {
	t.Helper()
	if cfg == nil {
		cfg = &am.Config{}
	}
	// Keep the registry clean of whatever catalog the host happens to
	// have in ~/.scry.
	if cfg.Engines.CatalogPath == "" {
		cfg.Engines.CatalogPath = t.TempDir() + "/engines.toml"
	}
	db := scrytest.CreateMigratedTestDB(t)
	svc, err := New(context.Background(), Options{
		DB:     db,
		Config: cfg,
		Logger: zap.NewNop().Sugar(),
	})
	require.NoError(t, err)
	return svc
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), Options{Config: &am.Config{}})
	assert.Error(t, err, "nil DB must be rejected")

	db := scrytest.CreateMigratedTestDB(t)
	_, err = New(context.Background(), Options{DB: db})
	assert.Error(t, err, "nil config must be rejected")
}

func TestNew_AssemblesStack(t *testing.T) {
	svc := newTestService(t, nil)

	codes := svc.Registry.Codes()
	assert.Contains(t, codes, "ddg")
	assert.Contains(t, codes, "wikipedia")
	assert.Contains(t, codes, "crtsh")
	assert.Contains(t, codes, "bsky")

	assert.Equal(t, merge.StrategyRanked, svc.Strategy(), "empty strategy falls back to ranked")

	reg := svc.Daemon.Registry()
	assert.True(t, reg.Has(slot.ResolveHandlerName))
	assert.True(t, reg.Has(content.BatchHandlerName))
}

func TestNew_RejectsUnknownMergeStrategy(t *testing.T) {
	db := scrytest.CreateMigratedTestDB(t)
	cfg := &am.Config{}
	cfg.Merge.Strategy = "best"

	_, err := New(context.Background(), Options{DB: db, Config: cfg, Logger: zap.NewNop().Sugar()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "best")
}

func TestNew_AppliesEngineOverrides(t *testing.T) {
	disabled := true
	cfg := &am.Config{}
	cfg.Engines.Overrides = map[string]am.EngineOverrideConfig{
		"ddg": {Disabled: &disabled},
	}
	svc := newTestService(t, cfg)

	assert.NotContains(t, svc.Registry.Codes(), "ddg")
	desc, ok := svc.Registry.Descriptor("ddg")
	require.True(t, ok, "disabled engines stay registered")
	assert.True(t, desc.Disabled)
}

func TestDispatch_NoEnginesEnabled(t *testing.T) {
	cfg := &am.Config{}
	cfg.Engines.Disabled = []string{"ddg", "wikipedia", "crtsh", "bsky"}
	svc := newTestService(t, cfg)

	_, err := svc.Dispatch(context.Background(), "Acme Corp", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no engines enabled")
}

func TestSelectEngines(t *testing.T) {
	svc := newTestService(t, nil)

	// Explicit codes beat everything, but a recognized marker still comes
	// off the query text.
	query, codes, err := svc.SelectEngines("bsky:Acme Corp", []string{"ddg"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", query)
	assert.Equal(t, []string{"ddg"}, codes)

	query, codes, err = svc.SelectEngines("Acme Corp", nil, "lightning", "")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", query)
	assert.Equal(t, []string{"ddg"}, codes, "only ddg sits in the lightning tier")

	_, codes, err = svc.SelectEngines("Acme Corp", nil, "", "social")
	require.NoError(t, err)
	assert.Equal(t, []string{"bsky"}, codes)

	query, codes, err = svc.SelectEngines("bsky:john smith", nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, "john smith", query)
	assert.Equal(t, []string{"bsky"}, codes, "a marker naming a registered engine routes to it alone")

	query, codes, err = svc.SelectEngines("site:example.com", nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, "site:example.com", query, "unrecognized prefixes are query content, not routing")
	assert.ElementsMatch(t, []string{"ddg", "wikipedia", "crtsh", "bsky"}, codes)

	_, _, err = svc.SelectEngines("Acme Corp", nil, "very_slow", "")
	require.Error(t, err, "an empty tier is an error, not a silent no-op dispatch")
	assert.Contains(t, err.Error(), "very_slow")
}

func TestRunSlot_StreamsToTerminalState(t *testing.T) {
	svc := newTestService(t, nil)
	svc.Executor = &stubExecutor{hits: 3}

	loop, events, err := svc.RunSlot(context.Background(), "registry",
		slot.Subject{Name: "Acme Corp"}, slot.SufficiencyConfig{MinResults: 2, MaxAttempts: 3}, []string{"ddg"})
	require.NoError(t, err)

	var last slot.IterationState
	count := 0
	for state := range events {
		last = state
		count++
	}
	assert.Equal(t, 1, count, "three hits at high confidence fill the slot on the first attempt")
	assert.True(t, last.Terminal)

	session := loop.Session()
	assert.Equal(t, slot.StateFilled, session.State)
	assert.Equal(t, 3, session.TotalResults())

	records, err := svc.Slots.ListSessions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1, "loop runs persist through the session store")
	assert.Equal(t, session.ID, records[0].ID)
}

func TestRunSlot_DefaultsFromConfig(t *testing.T) {
	svc := newTestService(t, nil)

	got := svc.fillSlotConfig(slot.SufficiencyConfig{MaxAttempts: 2})
	assert.Equal(t, 2, got.MaxAttempts, "explicit fields survive")
	assert.Equal(t, 3, got.MinResults)
	assert.InDelta(t, 0.6, got.MinConfidence, 1e-9)
	assert.NotEmpty(t, got.Strategies)
}

func TestEnqueueSlot(t *testing.T) {
	svc := newTestService(t, nil)

	job, err := svc.EnqueueSlot(slot.ResolvePayload{
		SlotName: "registry",
		Subject:  slot.Subject{Name: "Acme Corp"},
	})
	require.NoError(t, err)
	assert.Equal(t, slot.ResolveHandlerName, job.HandlerName)
	assert.Equal(t, "Acme Corp", job.Source)
	assert.Equal(t, 8, job.Progress.Total, "attempt budget defaults from config")

	queued, err := svc.Queue.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, queued.ID)
}

func TestEnqueueSlot_RejectsNamelessSubject(t *testing.T) {
	svc := newTestService(t, nil)

	_, err := svc.EnqueueSlot(slot.ResolvePayload{SlotName: "registry"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subject")
}

func TestStats_FreshStack(t *testing.T) {
	svc := newTestService(t, nil)

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Contains(t, stats.Engines, "ddg")
	assert.Zero(t, stats.Engines["ddg"].Calls)
	assert.Zero(t, stats.Pages.Total)
	assert.Zero(t, stats.Resolver.Resolved)
}

// stubExecutor fills probes with synthetic results so slot tests never
// touch the network.
type stubExecutor struct {
	hits int
}

var _ slot.Executor = (*stubExecutor)(nil)

func (e *stubExecutor) ExecuteProbe(ctx context.Context, query, engineCode string) slot.ProbeResult {
	results := make([]engine.Result, 0, e.hits)
	for i := 0; i < e.hits; i++ {
		results = append(results, engine.Result{
			URL:    fmt.Sprintf("https://example.com/%s/%d", engineCode, i),
			Score:  0.9,
			Engine: engineCode,
		})
	}
	return slot.ProbeResult{Status: cascade.StatusCompleted, Results: results, Reliability: 0.9}
}

func TestContentOptions_CleanerFromProviderFactory(t *testing.T) {
	db := scrytest.CreateMigratedTestDB(t)
	tracker := budget.NewTracker(db, budget.BudgetConfig{})

	cfg := &am.Config{}
	cfg.Content.CleanupSnippets = true
	cfg.LocalInference.Enabled = true
	opts := contentOptions(Options{DB: db, Config: cfg, Logger: zap.NewNop().Sugar()}, tracker)
	assert.NotNil(t, opts.Cleaner, "local inference alone enables the cleaner")

	cfg.LocalInference.Enabled = false
	opts = contentOptions(Options{DB: db, Config: cfg, Logger: zap.NewNop().Sugar()}, tracker)
	assert.Nil(t, opts.Cleaner, "no API key and no local endpoint leaves cleanup off")
}

// stubAIClient stands in for the provider factory's backend.
type stubAIClient struct {
	resp  string
	calls int
}

func (s *stubAIClient) Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error) {
	s.calls++
	return &openrouter.ChatResponse{Content: s.resp}, nil
}

func TestMeteredCleaner(t *testing.T) {
	db := scrytest.CreateMigratedTestDB(t)
	stub := &stubAIClient{resp: "cleaned text"}
	mc := &meteredCleaner{client: stub, budget: budget.NewTracker(db, budget.BudgetConfig{})}

	out, err := mc.CleanSnippet(context.Background(), "https://example.org", "raw   text")
	require.NoError(t, err)
	assert.Equal(t, "cleaned text", out)
	assert.Equal(t, 1, stub.calls)

	_, err = mc.CleanSnippet(context.Background(), "https://example.org", "   ")
	assert.Error(t, err, "empty snippet never reaches the backend")
	assert.Equal(t, 1, stub.calls)
}
