package am

import "github.com/teranos/scry/errors"

// knownStrategies are the slot reformulation strategies the resolver implements
var knownStrategies = map[string]bool{
	"variation":          true,
	"broadening":         true,
	"fallback_engine":    true,
	"archive":            true,
	"jurisdiction_pivot": true,
	"domain_exclusion":   true,
}

// knownMergeStrategies are the result merge strategies
var knownMergeStrategies = map[string]bool{
	"interleave": true,
	"append":     true,
	"ranked":     true,
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Database path is optional - empty defaults to "scry.db" per defaults.go
	// No validation needed here

	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.New("server.port cannot be 0 (omit for default port 7979)")
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}

	// Cascade concurrency: 0 = use default, negative = invalid
	if c.Cascade.MaxConcurrent < 0 {
		return errors.Newf("cascade.max_concurrent must be >= 0, got %d", c.Cascade.MaxConcurrent)
	}
	if c.Cascade.BatchTimeoutSeconds < 0 {
		return errors.Newf("cascade.batch_timeout_seconds must be >= 0, got %d", c.Cascade.BatchTimeoutSeconds)
	}
	for name, secs := range map[string]int{
		"cascade.tiers.lightning_seconds": c.Cascade.Tiers.LightningSeconds,
		"cascade.tiers.fast_seconds":      c.Cascade.Tiers.FastSeconds,
		"cascade.tiers.standard_seconds":  c.Cascade.Tiers.StandardSeconds,
		"cascade.tiers.slow_seconds":      c.Cascade.Tiers.SlowSeconds,
		"cascade.tiers.very_slow_seconds": c.Cascade.Tiers.VerySlowSeconds,
	} {
		if secs < 0 {
			return errors.Newf("%s must be >= 0, got %d", name, secs)
		}
	}

	// Merge strategy must be a known name when set
	if c.Merge.Strategy != "" && !knownMergeStrategies[c.Merge.Strategy] {
		return errors.Newf("merge.strategy must be one of interleave, append, ranked; got %q", c.Merge.Strategy)
	}

	// Content resolution: 0 = use default, negative = invalid
	if c.Content.MaxConcurrent < 0 {
		return errors.Newf("content.max_concurrent must be >= 0, got %d", c.Content.MaxConcurrent)
	}
	if c.Content.StageTimeoutSeconds < 0 {
		return errors.Newf("content.stage_timeout_seconds must be >= 0, got %d", c.Content.StageTimeoutSeconds)
	}
	if c.Content.CleanupTimeoutMs < 0 {
		return errors.Newf("content.cleanup_timeout_ms must be >= 0, got %d", c.Content.CleanupTimeoutMs)
	}

	// Slot resolution bounds
	if c.Slot.MaxAttempts < 0 {
		return errors.Newf("slot.max_attempts must be >= 0, got %d", c.Slot.MaxAttempts)
	}
	if c.Slot.MinResults < 0 {
		return errors.Newf("slot.min_results must be >= 0, got %d", c.Slot.MinResults)
	}
	if c.Slot.MinConfidence < 0 || c.Slot.MinConfidence > 1 {
		return errors.Newf("slot.min_confidence must be in [0, 1], got %f", c.Slot.MinConfidence)
	}
	for _, strategy := range c.Slot.Strategies {
		if !knownStrategies[strategy] {
			return errors.Newf("slot.strategies contains unknown strategy %q", strategy)
		}
	}

	// Engine registry limits
	if c.Engines.RequestsPerMinute < 0 {
		return errors.Newf("engines.requests_per_minute must be >= 0, got %d", c.Engines.RequestsPerMinute)
	}
	for code, override := range c.Engines.Overrides {
		if override.TimeoutSeconds != nil && *override.TimeoutSeconds <= 0 {
			return errors.Newf("engines.overrides.%s.timeout_seconds must be > 0, got %d (omit for tier default)", code, *override.TimeoutSeconds)
		}
		if override.Reliability != nil && (*override.Reliability < 0 || *override.Reliability > 1) {
			return errors.Newf("engines.overrides.%s.reliability must be in [0, 1], got %f", code, *override.Reliability)
		}
	}

	// Pulse workers: 0 = no background workers, negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}

	// Pulse ticker interval: 0 = no periodic ticking, negative = invalid
	if c.Pulse.TickerIntervalSeconds < 0 {
		return errors.Newf("pulse.ticker_interval_seconds must be >= 0, got %d", c.Pulse.TickerIntervalSeconds)
	}

	// Validate local inference configuration only when enabled
	if c.LocalInference.Enabled {
		if c.LocalInference.BaseURL == "" {
			return errors.New("local_inference.base_url cannot be empty when enabled")
		}
		if c.LocalInference.Model == "" {
			return errors.New("local_inference.model cannot be empty when enabled")
		}
		if c.LocalInference.TimeoutSeconds <= 0 {
			return errors.Newf("local_inference.timeout_seconds must be > 0, got %d", c.LocalInference.TimeoutSeconds)
		}
	}

	// Budget values: 0 = no budget (valid per "zero means zero"), negative = invalid
	if c.Pulse.DailyBudgetUSD < 0 {
		return errors.Newf("pulse.daily_budget_usd must be >= 0, got %f", c.Pulse.DailyBudgetUSD)
	}
	if c.Pulse.WeeklyBudgetUSD < 0 {
		return errors.Newf("pulse.weekly_budget_usd must be >= 0, got %f", c.Pulse.WeeklyBudgetUSD)
	}
	if c.Pulse.MonthlyBudgetUSD < 0 {
		return errors.Newf("pulse.monthly_budget_usd must be >= 0, got %f", c.Pulse.MonthlyBudgetUSD)
	}
	if c.Pulse.CostPerResolveUSD < 0 {
		return errors.Newf("pulse.cost_per_resolve_usd must be >= 0, got %f", c.Pulse.CostPerResolveUSD)
	}

	return nil
}
