// Package service assembles the scry resolution stack: engine registry,
// cascade scheduler, result merger, content resolver, slot machinery, and
// the pulse job system. The stack is built once at startup and shared by
// reference, so the CLI, the server, and the MCP surface all resolve a
// query the exact same way.
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/scry/ai/llm"
	"github.com/teranos/scry/ai/openrouter"
	"github.com/teranos/scry/ai/provider"
	"github.com/teranos/scry/ai/tracker"
	"github.com/teranos/scry/am"
	"github.com/teranos/scry/cascade"
	"github.com/teranos/scry/content"
	"github.com/teranos/scry/engine"
	"github.com/teranos/scry/engine/sources"
	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/merge"
	"github.com/teranos/scry/pulse/async"
	"github.com/teranos/scry/pulse/budget"
	"github.com/teranos/scry/slot"
	"github.com/teranos/scry/version"
)

// Options configures a Service. DB and Config are required.
type Options struct {
	DB     *sql.DB
	Config *am.Config

	// Verbosity feeds usage tracking and AI client logging, 0-4.
	Verbosity int

	// Logger defaults to a nop logger.
	Logger *zap.SugaredLogger
}

// Service is the assembled stack. Every field is safe for concurrent use;
// callers own the Daemon lifecycle (Start/Stop) but nothing else.
type Service struct {
	Registry  *engine.Registry
	Scheduler *cascade.Scheduler
	Resolver  *content.Resolver
	Pages     *content.Store
	Slots     *slot.Store
	Executor  slot.Executor
	Queue     *async.Queue
	Daemon    *async.WorkerPool
	Budget    *budget.Tracker
	Usage     *tracker.UsageTracker

	db             *sql.DB
	cfg            *am.Config
	strategy       merge.Strategy
	logger         *zap.SugaredLogger
	resolveHandler *slot.ResolveHandler
	batchHandler   *content.BatchHandler
}

// New wires the stack from configuration. The context bounds the worker
// pool: cancelling it stops job processing once Daemon.Start has run.
func New(ctx context.Context, o Options) (*Service, error) {
	if o.DB == nil {
		return nil, errors.New("service needs a database")
	}
	if o.Config == nil {
		return nil, errors.New("service needs a config")
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	cfg := o.Config

	strategy := merge.Strategy(cfg.Merge.Strategy)
	if strategy == "" {
		strategy = merge.StrategyRanked
	}
	if !strategy.Valid() {
		return nil, errors.Mark(errors.Newf("unknown merge strategy %q", cfg.Merge.Strategy), errors.ErrInvalidConfig)
	}

	registry, err := buildRegistry(cfg, o.Logger)
	if err != nil {
		return nil, err
	}
	scheduler := cascade.NewScheduler(registry, cascadeConfig(cfg), o.Logger)

	budgetTracker := budget.NewTracker(o.DB, budget.BudgetConfig{
		DailyBudgetUSD:    cfg.Pulse.DailyBudgetUSD,
		WeeklyBudgetUSD:   cfg.Pulse.WeeklyBudgetUSD,
		MonthlyBudgetUSD:  cfg.Pulse.MonthlyBudgetUSD,
		CostPerResolveUSD: cfg.Pulse.CostPerResolveUSD,
	})

	resolver := content.NewResolver(contentOptions(o, budgetTracker))
	pages := content.NewStore(o.DB)
	slots := slot.NewStore(o.DB)
	executor := &slot.SchedulerExecutor{Scheduler: scheduler, Registry: registry}
	queue := async.NewQueue(o.DB)

	handlers := async.NewHandlerRegistry()
	resolveHandler, err := slot.NewResolveHandler(slot.ResolveHandlerOptions{
		Queue:          queue,
		Executor:       executor,
		Recorder:       slots,
		CaptureResults: cfg.Slot.CaptureResults,
		Logger:         o.Logger,
	})
	if err != nil {
		return nil, err
	}
	handlers.Register(resolveHandler)

	batchHandler, err := content.NewBatchHandler(content.BatchHandlerOptions{
		Queue:    queue,
		Resolver: resolver,
		Store:    pages,
		Logger:   o.Logger,
	})
	if err != nil {
		return nil, err
	}
	handlers.Register(batchHandler)

	var limiter async.RateLimiter
	if cfg.Pulse.MaxCallsPerMinute > 0 {
		limiter = budget.NewLimiter(cfg.Pulse.MaxCallsPerMinute)
	}

	poolCfg := async.DefaultWorkerPoolConfig()
	if cfg.Pulse.Workers > 0 {
		poolCfg.Workers = cfg.Pulse.Workers
	}
	if cfg.Pulse.TickerIntervalSeconds > 0 {
		poolCfg.PollInterval = time.Duration(cfg.Pulse.TickerIntervalSeconds) * time.Second
	}
	poolCfg.PauseOnBudget = cfg.Pulse.PauseOnBudgetExceeded
	daemon := async.NewWorkerPoolWithRegistry(ctx, o.DB, cfg, poolCfg, o.Logger, handlers, budgetTracker, limiter)

	return &Service{
		Registry:       registry,
		Scheduler:      scheduler,
		Resolver:       resolver,
		Pages:          pages,
		Slots:          slots,
		Executor:       executor,
		Queue:          queue,
		Daemon:         daemon,
		Budget:         budgetTracker,
		Usage:          tracker.NewUsageTracker(o.DB, o.Verbosity),
		db:             o.DB,
		cfg:            cfg,
		strategy:       strategy,
		logger:         o.Logger,
		resolveHandler: resolveHandler,
		batchHandler:   batchHandler,
	}, nil
}

// SetBroadcaster attaches a UI broadcaster to the job handlers so queued
// work can push progress to connected clients. The server wires itself in
// before the daemon starts; CLI runs never call this.
func (s *Service) SetBroadcaster(b interface{}) {
	s.resolveHandler.SetBroadcaster(b)
	s.batchHandler.SetBroadcaster(b)
}

// Config returns the configuration the service was built from.
func (s *Service) Config() *am.Config { return s.cfg }

// Strategy returns the merge strategy in effect.
func (s *Service) Strategy() merge.Strategy { return s.strategy }

// SelectEngines resolves a dispatch's engine set and query text in one
// place: explicit codes win, then tier/tag filtering, then a legacy
// "code:query" routing marker carried in the query itself, then every
// enabled engine. A recognized marker is stripped from the returned
// text either way; it is routing metadata, not query content.
func (s *Service) SelectEngines(query string, codes []string, tier, tag string) (string, []string, error) {
	q := s.Registry.ParseHinted(query)
	if len(codes) > 0 {
		return q.Text, codes, nil
	}
	if tier != "" || tag != "" {
		selected := s.Registry.List(engine.Filter{Tier: engine.Tier(tier), Tag: tag})
		if len(selected) == 0 {
			return "", nil, errors.Mark(
				errors.Newf("no enabled engines match tier %q tag %q", tier, tag),
				errors.ErrEngineUnavailable)
		}
		out := make([]string, len(selected))
		for i, d := range selected {
			out[i] = d.Code
		}
		return q.Text, out, nil
	}
	if q.EngineHint != "" {
		return q.Text, []string{q.EngineHint}, nil
	}
	return q.Text, s.Registry.Codes(), nil
}

// Dispatch fans the query out across the given engines. Empty codes mean
// every enabled engine; surfaces that accept tier/tag filters or hinted
// queries resolve them through SelectEngines first.
func (s *Service) Dispatch(ctx context.Context, query string, codes []string, progress cascade.Progress) (*cascade.Run, error) {
	if len(codes) == 0 {
		codes = s.Registry.Codes()
	}
	if len(codes) == 0 {
		return nil, errors.Mark(errors.New("no engines enabled"), errors.ErrEngineUnavailable)
	}
	return s.Scheduler.DispatchWithProgress(ctx, query, codes, progress)
}

// Merge combines a run's per-engine results with the configured strategy.
// Configured significant query parameters survive in the dedup key; all
// others are stripped.
func (s *Service) Merge(run *cascade.Run) []merge.Merged {
	return merge.MergeMapWith(s.strategy, s.cfg.Merge.SignificantParams, run.Results())
}

// ResolveContent fetches readable text for a URL through the fallback
// chain and records the outcome, success or failure, in the page store.
func (s *Service) ResolveContent(ctx context.Context, pageURL string) (*content.Result, error) {
	res, err := s.Resolver.Resolve(ctx, pageURL)
	if res != nil {
		if saveErr := s.Pages.SavePage(ctx, res); saveErr != nil {
			s.logger.Warnw("Failed to record resolved page", "url", pageURL, "error", saveErr)
		}
	}
	return res, err
}

// SlotDefaults returns the configured sufficiency baseline. Zero-valued
// caller fields fall back to these.
func (s *Service) SlotDefaults() slot.SufficiencyConfig {
	sc := s.cfg.GetSlotConfig()
	return slot.SufficiencyConfig{
		MinResults:      sc.MinResults,
		MinConfidence:   sc.MinConfidence,
		MaxAttempts:     sc.MaxAttempts,
		Strategies:      append([]string(nil), sc.Strategies...),
		ExcludedDomains: append([]string(nil), sc.ExcludedDomains...),
	}
}

// fillSlotConfig layers the configured defaults under a caller-supplied
// config, leaving explicitly set fields alone.
func (s *Service) fillSlotConfig(cfg slot.SufficiencyConfig) slot.SufficiencyConfig {
	def := s.SlotDefaults()
	if cfg.MinResults <= 0 {
		cfg.MinResults = def.MinResults
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = def.Strategies
	}
	if len(cfg.ExcludedDomains) == 0 {
		cfg.ExcludedDomains = def.ExcludedDomains
	}
	return cfg
}

// RunSlot drives one sufficiency loop synchronously and streams iteration
// states. The loop's session is readable once the channel closes. Empty
// chain means every enabled engine in registry order.
func (s *Service) RunSlot(ctx context.Context, slotName string, subject slot.Subject, cfg slot.SufficiencyConfig, chain []string) (*slot.Loop, <-chan slot.IterationState, error) {
	if len(chain) == 0 {
		chain = s.Registry.Codes()
	}
	session, err := slot.NewSession(slotName, subject, s.fillSlotConfig(cfg), chain)
	if err != nil {
		return nil, nil, err
	}
	loop, err := slot.NewLoop(session, slot.LoopOptions{
		Executor: s.Executor,
		Recorder: s.Slots,
		Logger:   s.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return loop, loop.Run(ctx), nil
}

// EnqueueSlot queues a slot resolution as a background job and returns it.
// The job's source is the subject query so related work groups in the UI;
// RequestedBy is stamped from the calling environment when absent.
func (s *Service) EnqueueSlot(p slot.ResolvePayload) (*async.Job, error) {
	if p.Subject.Query() == "" {
		return nil, errors.Mark(errors.New("slot subject needs a name"), errors.ErrInvalidConfig)
	}
	p.Config = s.fillSlotConfig(p.Config)
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	if len(p.EngineChain) == 0 {
		p.EngineChain = s.Registry.Codes()
	}
	if p.RequestedBy == "" {
		p.RequestedBy = llm.GetLLMInfo().FormatLLMSource()
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal slot payload")
	}
	job, err := async.NewJobWithPayload(slot.ResolveHandlerName, p.Subject.Query(), payload,
		p.Config.MaxAttempts, s.cfg.Pulse.CostPerResolveUSD)
	if err != nil {
		return nil, err
	}
	if err := s.Queue.Enqueue(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Stats is the operational snapshot behind the stats surfaces.
type Stats struct {
	Engines  map[string]engine.Usage `json:"engines"`
	Resolver content.Stats           `json:"resolver"`
	Pages    PageStats               `json:"pages"`
}

// PageStats summarizes the capture store.
type PageStats struct {
	Total  int `json:"total"`
	Failed int `json:"failed"`
}

// Stats gathers dispatch counters, resolver counters, and capture totals.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	total, failed, err := s.Pages.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Engines:  s.Registry.Usages(),
		Resolver: s.Resolver.Stats(),
		Pages:    PageStats{Total: total, Failed: failed},
	}, nil
}

// buildRegistry registers the built-in sources, layers the engine catalog
// on top, and applies operator overrides. A bad catalog entry is logged
// and skipped so one broken engine cannot take the whole stack down.
func buildRegistry(cfg *am.Config, logger *zap.SugaredLogger) (*engine.Registry, error) {
	registry := engine.NewRegistry(version.Version, logger)

	srcOpts := sources.Options{
		RequestsPerMinute: cfg.Engines.RequestsPerMinute,
		Logger:            logger,
	}
	builtins := []engine.Adapter{
		sources.NewDuckDuckGo(srcOpts),
		sources.NewWikipedia(srcOpts),
		sources.NewCrtSh(srcOpts),
		sources.NewBsky(srcOpts, cfg.Bsky.Host),
	}
	for _, adapter := range builtins {
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	catalogPath := cfg.Engines.CatalogPath
	if catalogPath == "" {
		if p, err := engine.DefaultCatalogPath(); err == nil {
			catalogPath = p
		}
	}
	if catalogPath != "" {
		catalog, err := engine.LoadCatalog(catalogPath)
		if err != nil {
			return nil, err
		}
		for _, entry := range catalog.Engines {
			adapter, err := sources.NewExec(entry.Descriptor(), entry.Command, logger)
			if err != nil {
				logger.Warnw("Skipping catalog engine", "code", entry.Code, "error", err)
				continue
			}
			if err := registry.Register(adapter); err != nil {
				logger.Warnw("Skipping catalog engine", "code", entry.Code, "error", err)
			}
		}
	}

	overrides := make(map[string]engine.Override, len(cfg.Engines.Overrides))
	for code, ov := range cfg.Engines.Overrides {
		overrides[code] = engine.Override{
			Disabled:       ov.Disabled,
			TimeoutSeconds: ov.TimeoutSeconds,
			Reliability:    ov.Reliability,
		}
	}
	registry.ApplyOverrides(cfg.Engines.Disabled, overrides)
	return registry, nil
}

func cascadeConfig(cfg *am.Config) cascade.Config {
	cc := cfg.GetCascadeConfig()
	out := cascade.Config{
		MaxConcurrent: cc.MaxConcurrent,
		TierTimeouts: map[engine.Tier]time.Duration{
			engine.TierLightning: time.Duration(cc.Tiers.LightningSeconds) * time.Second,
			engine.TierFast:      time.Duration(cc.Tiers.FastSeconds) * time.Second,
			engine.TierStandard:  time.Duration(cc.Tiers.StandardSeconds) * time.Second,
			engine.TierSlow:      time.Duration(cc.Tiers.SlowSeconds) * time.Second,
			engine.TierVerySlow:  time.Duration(cc.Tiers.VerySlowSeconds) * time.Second,
		},
	}
	if cc.BatchTimeoutSeconds > 0 {
		out.BatchTimeout = time.Duration(cc.BatchTimeoutSeconds) * time.Second
	}
	return out
}

func contentOptions(o Options, budgetTracker *budget.Tracker) content.Options {
	cfg := o.Config
	cc := cfg.GetContentConfig()
	opts := content.Options{
		RendererURL:         cc.FastRenderURL,
		WaybackURL:          cc.SnapshotIndexURL,
		ArchiveTodayURL:     cc.ArchiveURL,
		HostedRendererURL:   cc.HostedRenderURL,
		HostedRendererToken: cc.HostedRenderToken,
		MaxConcurrent:       cc.MaxConcurrent,
		CleanupTimeout:      time.Duration(cc.CleanupTimeoutMs) * time.Millisecond,
		Logger:              o.Logger,
	}

	// An explicit stage timeout flattens the chain; the raw value is
	// checked so the tuned per-stage defaults survive an unset config.
	if cfg.Content.StageTimeoutSeconds > 0 {
		st := time.Duration(cfg.Content.StageTimeoutSeconds) * time.Second
		opts.StageTimeouts = map[string]time.Duration{
			content.StageRenderer:       st,
			content.StageWayback:        st,
			content.StageArchiveToday:   st,
			content.StageHostedRenderer: st,
			content.StageDirect:         st,
		}
	}

	if cc.CleanupSnippets && (cfg.OpenRouter.APIKey != "" || cfg.LocalInference.Enabled) {
		client := provider.NewAIClient(cfg, o.DB, o.Verbosity, "snippet_cleanup", "url", "")
		opts.Cleaner = &meteredCleaner{client: client, budget: budgetTracker}
	}
	return opts
}

// meteredCleaner gates snippet cleanup behind the pulse budget so an
// advisory LLM call can never push spend past a configured limit. With no
// limits configured the gate stands open. The backend comes from the
// provider factory, so a configured local inference server handles cleanup
// at zero spend and OpenRouter is the fallback.
type meteredCleaner struct {
	client provider.AIClient
	budget *budget.Tracker
}

var _ content.SnippetCleaner = (*meteredCleaner)(nil)

func (m *meteredCleaner) CleanSnippet(ctx context.Context, pageURL, raw string) (string, error) {
	limits := m.budget.GetBudgetLimits()
	if limits.DailyBudgetUSD > 0 || limits.WeeklyBudgetUSD > 0 || limits.MonthlyBudgetUSD > 0 {
		if err := m.budget.CheckBudget(0); err != nil {
			return "", err
		}
	}
	req, err := openrouter.SnippetCleanupRequest(pageURL, raw)
	if err != nil {
		return "", err
	}
	resp, err := m.client.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
