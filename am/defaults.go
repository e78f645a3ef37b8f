package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults seeds v with the built-in value for every configuration key.
// Any key the rest of the codebase reads must have its default here, or
// introspection will not know about it on a bare install.
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "scry.db")

	// Engine registry defaults
	v.SetDefault("engines.requests_per_minute", 30) // Polite default for public endpoints
	v.SetDefault("engines.disabled", []string{})

	// Cascade defaults
	v.SetDefault("cascade.max_concurrent", 5)        // Engines queried in parallel
	v.SetDefault("cascade.batch_timeout_seconds", 0) // 0 = slowest dispatched tier wins
	v.SetDefault("cascade.tiers.lightning_seconds", 15)
	v.SetDefault("cascade.tiers.fast_seconds", 30)
	v.SetDefault("cascade.tiers.standard_seconds", 60)
	v.SetDefault("cascade.tiers.slow_seconds", 90)
	v.SetDefault("cascade.tiers.very_slow_seconds", 120)

	// Merge defaults
	v.SetDefault("merge.strategy", "ranked")

	// Content resolution defaults
	v.SetDefault("content.max_concurrent", 20)
	v.SetDefault("content.stage_timeout_seconds", 20)
	v.SetDefault("content.fast_render_url", "https://r.jina.ai")
	v.SetDefault("content.snapshot_index_url", "https://archive.org/wayback/available")
	v.SetDefault("content.archive_url", "https://web.archive.org")
	v.SetDefault("content.cleanup_snippets", true)
	v.SetDefault("content.cleanup_timeout_ms", 5000) // Cleanup never delays a resolution by more than 5s

	// Slot resolution defaults
	v.SetDefault("slot.max_attempts", 8)
	v.SetDefault("slot.min_results", 3)
	v.SetDefault("slot.min_confidence", 0.6)
	v.SetDefault("slot.strategies", []string{
		"variation",
		"broadening",
		"fallback_engine",
		"archive",
		"jurisdiction_pivot",
	})
	v.SetDefault("slot.capture_results", true)

	// Local inference defaults point at a stock Ollama install. The hour
	// timeout covers a cold model load on modest hardware.
	v.SetDefault("local_inference.enabled", true)
	v.SetDefault("local_inference.base_url", "http://localhost:11434")
	v.SetDefault("local_inference.model", "llama3.2:3b")
	v.SetDefault("local_inference.context_size", 16384)
	v.SetDefault("local_inference.timeout_seconds", 3600)

	// OpenRouter defaults. The model must stay in sync with openrouter.DefaultModel.
	v.SetDefault("openrouter.model", "openai/gpt-4o-mini")
	v.SetDefault("openrouter.temperature", 0.2) // Low enough to keep cleanup output stable
	v.SetDefault("openrouter.max_tokens", 1000)

	// Bluesky AppView defaults
	v.SetDefault("bsky.host", "https://public.api.bsky.app")

	// Pulse worker and spending defaults
	v.SetDefault("pulse.workers", 1)
	v.SetDefault("pulse.ticker_interval_seconds", 1)
	v.SetDefault("pulse.daily_budget_usd", 3.0)       // Default $3/day limit
	v.SetDefault("pulse.weekly_budget_usd", 7.0)      // Default $7/week limit
	v.SetDefault("pulse.monthly_budget_usd", 15.0)    // Default $15/month limit
	v.SetDefault("pulse.cost_per_resolve_usd", 0.002) // Default $0.002 per slot resolution
	v.SetDefault("pulse.max_calls_per_minute", 60)
	v.SetDefault("pulse.pause_on_budget_exceeded", true)

	// Server configuration defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
	v.SetDefault("server.log_theme", "everforest")
}

// BindSensitiveEnvVars wires the secret-bearing keys to SCRY_* environment
// variables. Secrets stay out of TOML files entirely.
func BindSensitiveEnvVars(v *viper.Viper) {
	// OpenRouter API key (never belongs in a config file checked into a repo)
	v.BindEnv("openrouter.api_key", "SCRY_OPENROUTER_API_KEY")

	// Hosted render service token
	v.BindEnv("content.hosted_render_token", "SCRY_CONTENT_HOSTED_RENDER_TOKEN")

	// Database path
	v.BindEnv("database.path", "SCRY_DATABASE_PATH")

	// Local inference configuration
	v.BindEnv("local_inference.enabled", "SCRY_LOCAL_INFERENCE_ENABLED")
	v.BindEnv("local_inference.base_url", "SCRY_LOCAL_INFERENCE_BASE_URL")
	v.BindEnv("local_inference.model", "SCRY_LOCAL_INFERENCE_MODEL")
}

// GetServerPort reports the port the server should listen on, falling back
// to DefaultServerPort when the config is absent or unreadable.
func GetServerPort() int {
	cfg, err := Load()
	if err != nil || cfg.Server.Port == nil || *cfg.Server.Port == 0 {
		return DefaultServerPort
	}
	return *cfg.Server.Port
}

// GetDatabasePath resolves the SQLite file for this config, never empty.
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "scry.db"
	}
	return c.Database.Path
}

// GetServerAllowedOrigins reports the CORS allowlist, localhost-only
// unless the operator widened it.
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}

// GetServerLogTheme names the ANSI palette console logs are rendered in.
func (c *Config) GetServerLogTheme() string {
	if c.Server.LogTheme == "" {
		return "everforest"
	}
	return c.Server.LogTheme
}

// GetCascadeConfig returns the cascade configuration with defaults applied
func (c *Config) GetCascadeConfig() CascadeConfig {
	cfg := c.Cascade

	// Zero means "not set"; fill in the built-ins
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.Tiers.LightningSeconds == 0 {
		cfg.Tiers.LightningSeconds = 15
	}
	if cfg.Tiers.FastSeconds == 0 {
		cfg.Tiers.FastSeconds = 30
	}
	if cfg.Tiers.StandardSeconds == 0 {
		cfg.Tiers.StandardSeconds = 60
	}
	if cfg.Tiers.SlowSeconds == 0 {
		cfg.Tiers.SlowSeconds = 90
	}
	if cfg.Tiers.VerySlowSeconds == 0 {
		cfg.Tiers.VerySlowSeconds = 120
	}

	return cfg
}

// GetContentConfig returns the content resolution configuration with defaults applied
func (c *Config) GetContentConfig() ContentConfig {
	cfg := c.Content

	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 20
	}
	if cfg.StageTimeoutSeconds == 0 {
		cfg.StageTimeoutSeconds = 20
	}
	if cfg.CleanupTimeoutMs == 0 {
		cfg.CleanupTimeoutMs = 5000
	}
	if cfg.ArchiveURL == "" {
		cfg.ArchiveURL = "https://web.archive.org"
	}

	return cfg
}

// GetSlotConfig returns the slot resolution configuration with defaults applied
func (c *Config) GetSlotConfig() SlotConfig {
	cfg := c.Slot

	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.MinResults == 0 {
		cfg.MinResults = 3
	}
	if cfg.MinConfidence == 0 {
		cfg.MinConfidence = 0.6
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = []string{
			"variation",
			"broadening",
			"fallback_engine",
			"archive",
			"jurisdiction_pivot",
		}
	}

	return cfg
}

// GetEngineOverride returns the operator override for an engine code, if any
func (c *Config) GetEngineOverride(code string) (EngineOverrideConfig, bool) {
	override, ok := c.Engines.Overrides[code]
	return override, ok
}

// String is the terse one-line summary startup logging prints.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Server: {LogTheme: %s}, Pulse: {Workers: %d}}",
		c.Database.Path, c.Server.LogTheme, c.Pulse.Workers)
}
