package am

// Config represents the core scry configuration
type Config struct {
	Database       DatabaseConfig       `mapstructure:"database"`
	Server         ServerConfig         `mapstructure:"server"`
	Engines        EnginesConfig        `mapstructure:"engines"`
	Cascade        CascadeConfig        `mapstructure:"cascade"`
	Merge          MergeConfig          `mapstructure:"merge"`
	Content        ContentConfig        `mapstructure:"content"`
	Slot           SlotConfig           `mapstructure:"slot"`
	Pulse          PulseConfig          `mapstructure:"pulse"`
	LocalInference LocalInferenceConfig `mapstructure:"local_inference"`
	OpenRouter     OpenRouterConfig     `mapstructure:"openrouter"`
	Bsky           BskyConfig           `mapstructure:"bsky"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the scry web server
type ServerConfig struct {
	Port           *int     `mapstructure:"port"` // Server port: nil = default 7979, 0 is invalid (omit for default)
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	LogTheme       string   `mapstructure:"log_theme"` // Color theme: gruvbox, everforest
}

// Server port constants
const (
	DefaultServerPort  = 7979  // Development port (easy to type)
	FallbackServerPort = 17979 // Fallback when the default port is already bound
)

// EnginesConfig configures the search engine registry
type EnginesConfig struct {
	CatalogPath       string                          `mapstructure:"catalog_path"`        // Extra engine catalog TOML (empty = built-in engines only)
	CatalogURL        string                          `mapstructure:"catalog_url"`         // Source URL for `scry engines pull`
	Disabled          []string                        `mapstructure:"disabled"`            // Engine codes disabled at startup
	RequestsPerMinute int                             `mapstructure:"requests_per_minute"` // Default per-engine rate limit
	Overrides         map[string]EngineOverrideConfig `mapstructure:"overrides"`           // Per-engine operator overrides, keyed by code
}

// EngineOverrideConfig overrides catalog values for a single engine
type EngineOverrideConfig struct {
	Disabled       *bool    `mapstructure:"disabled"`        // nil = catalog value
	TimeoutSeconds *int     `mapstructure:"timeout_seconds"` // nil = tier default
	Reliability    *float64 `mapstructure:"reliability"`     // nil = catalog value
}

// CascadeConfig configures parallel query dispatch across engines
type CascadeConfig struct {
	MaxConcurrent       int               `mapstructure:"max_concurrent"`        // Engines queried in parallel per batch (default: 5)
	BatchTimeoutSeconds int               `mapstructure:"batch_timeout_seconds"` // Global ceiling per batch, 0 = slowest tier timeout
	Tiers               TierTimeoutConfig `mapstructure:"tiers"`
}

// TierTimeoutConfig sets per-tier engine timeouts in seconds.
// Zero values fall back to the built-in defaults (15/30/60/90/120).
type TierTimeoutConfig struct {
	LightningSeconds int `mapstructure:"lightning_seconds"`
	FastSeconds      int `mapstructure:"fast_seconds"`
	StandardSeconds  int `mapstructure:"standard_seconds"`
	SlowSeconds      int `mapstructure:"slow_seconds"`
	VerySlowSeconds  int `mapstructure:"very_slow_seconds"`
}

// MergeConfig configures multi-engine result merging
type MergeConfig struct {
	Strategy          string   `mapstructure:"strategy"`           // interleave, append, ranked (default: ranked)
	SignificantParams []string `mapstructure:"significant_params"` // query params kept in the dedup key (default: none)
}

// ContentConfig configures the URL content resolution chain
type ContentConfig struct {
	MaxConcurrent       int    `mapstructure:"max_concurrent"`        // Parallel URL resolutions (default: 20)
	StageTimeoutSeconds int    `mapstructure:"stage_timeout_seconds"` // Per-stage fetch timeout (default: 20)
	FastRenderURL       string `mapstructure:"fast_render_url"`       // Lightweight render service endpoint
	SnapshotIndexURL    string `mapstructure:"snapshot_index_url"`    // Snapshot index endpoint
	ArchiveURL          string `mapstructure:"archive_url"`           // Web archive endpoint
	HostedRenderURL     string `mapstructure:"hosted_render_url"`     // Full browser render service endpoint
	HostedRenderToken   string `mapstructure:"hosted_render_token"`   // API token for the hosted render service
	CleanupSnippets     bool   `mapstructure:"cleanup_snippets"`      // LLM cleanup of extracted snippets
	CleanupTimeoutMs    int    `mapstructure:"cleanup_timeout_ms"`    // LLM cleanup deadline (default: 5000)
}

// SlotConfig configures iterative slot resolution
type SlotConfig struct {
	MaxAttempts     int      `mapstructure:"max_attempts"`     // Attempt ceiling per slot (default: 8)
	MinResults      int      `mapstructure:"min_results"`      // Results needed for sufficiency (default: 3)
	MinConfidence   float64  `mapstructure:"min_confidence"`   // Confidence needed for sufficiency (default: 0.6)
	Strategies      []string `mapstructure:"strategies"`       // Reformulation strategies in preference order
	ExcludedDomains []string `mapstructure:"excluded_domains"` // Domains dropped by the domain_exclusion strategy
	CaptureResults  bool     `mapstructure:"capture_results"`  // Queue a page-capture job after each resolution (default: true)
}

// PulseConfig configures the Pulse async job system (core infrastructure)
type PulseConfig struct {
	// Worker concurrency configuration
	Workers int `mapstructure:"workers"` // Number of concurrent job workers (default: 1)

	// Ticker configuration for scheduled job execution
	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds"` // How often to check for queued jobs (default: 1)

	// Budget tracking for metered engine and LLM spend
	DailyBudgetUSD    float64 `mapstructure:"daily_budget_usd"`     // Daily spending limit in USD
	WeeklyBudgetUSD   float64 `mapstructure:"weekly_budget_usd"`    // Weekly spending limit in USD
	MonthlyBudgetUSD  float64 `mapstructure:"monthly_budget_usd"`   // Monthly spending limit in USD
	CostPerResolveUSD float64 `mapstructure:"cost_per_resolve_usd"` // Estimated cost per slot resolution

	// Rate limiting and budget-breach behavior for metered calls
	MaxCallsPerMinute     int  `mapstructure:"max_calls_per_minute"`     // Sliding-window cap on metered calls (0 = unlimited)
	PauseOnBudgetExceeded bool `mapstructure:"pause_on_budget_exceeded"` // Pause jobs instead of failing them when over budget
}

// LocalInferenceConfig configures local model inference (Ollama, LocalAI, etc.)
type LocalInferenceConfig struct {
	Enabled        bool   `mapstructure:"enabled"`         // Enable local inference instead of cloud APIs
	BaseURL        string `mapstructure:"base_url"`        // e.g., "http://localhost:11434" for Ollama
	Model          string `mapstructure:"model"`           // e.g., "mistral", "qwen2.5-coder:7b"
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // Request timeout in seconds
	ContextSize    *int   `mapstructure:"context_size"`    // Context window size (nil = model default)
}

// OpenRouterConfig configures OpenRouter.ai API access
type OpenRouterConfig struct {
	APIKey      string   `mapstructure:"api_key"`     // OpenRouter API key
	Model       string   `mapstructure:"model"`       // Default model (e.g., "openai/gpt-4o-mini")
	Temperature *float64 `mapstructure:"temperature"` // Sampling temperature (nil = default 0.2)
	MaxTokens   *int     `mapstructure:"max_tokens"`  // Maximum tokens per request (nil = default 1000)
}

// BskyConfig configures the Bluesky AppView used by the bsky engine
type BskyConfig struct {
	Host string `mapstructure:"host"` // AppView base URL (default: https://public.api.bsky.app)
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
