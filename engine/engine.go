// Package engine defines search engine adapters and the registry that
// resolution components dispatch queries through.
//
// Engines are compiled in and registered explicitly during startup wiring.
// A TOML catalog can adjust descriptors and declare exec-backed engines,
// but it never loads code. There is no package-level registry; callers
// receive a *Registry from the wiring layer.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/teranos/scry/errors"
)

// DefaultMaxResults is the per-engine result cap applied when a caller
// does not set one.
const DefaultMaxResults = 20

// Descriptor validation failures.
var (
	ErrEmptyCode          = errors.New("engine code is required")
	ErrInvalidTier        = errors.New("unknown engine tier")
	ErrInvalidReliability = errors.New("reliability must be between 0 and 1")
)

// Tier buckets engines by expected latency. The cascade derives per-engine
// timeouts from the tier unless a descriptor carries its own override.
type Tier string

const (
	TierLightning Tier = "lightning"
	TierFast      Tier = "fast"
	TierStandard  Tier = "standard"
	TierSlow      Tier = "slow"
	TierVerySlow  Tier = "very_slow"
)

// Tiers lists all tiers from fastest to slowest.
var Tiers = []Tier{TierLightning, TierFast, TierStandard, TierSlow, TierVerySlow}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierLightning, TierFast, TierStandard, TierSlow, TierVerySlow:
		return true
	}
	return false
}

// DefaultTimeout returns the built-in timeout for the tier. Operator
// configuration can override these per tier; see cascade.tiers.
func (t Tier) DefaultTimeout() time.Duration {
	switch t {
	case TierLightning:
		return 15 * time.Second
	case TierFast:
		return 30 * time.Second
	case TierStandard:
		return 60 * time.Second
	case TierSlow:
		return 90 * time.Second
	case TierVerySlow:
		return 120 * time.Second
	default:
		return 60 * time.Second
	}
}

// Descriptor is the static metadata an adapter reports about itself.
type Descriptor struct {
	// Code is the unique short identifier ("ddg", "wikipedia")
	Code string `json:"code"`

	// Name is the human-readable engine name
	Name string `json:"name"`

	// Tier is the latency bucket the engine belongs to
	Tier Tier `json:"tier"`

	// Tags describe capabilities ("web", "social", "archive", "regional:nl")
	Tags []string `json:"tags,omitempty"`

	// Reliability is an operator-assessed quality score in [0, 1]
	Reliability float64 `json:"reliability"`

	// Disabled engines stay registered but refuse dispatch
	Disabled bool `json:"disabled,omitempty"`

	// Timeout overrides the tier timeout when nonzero
	Timeout time.Duration `json:"timeout,omitempty"`

	// Reentrant declares the adapter safe for concurrent Search calls.
	// The registry serializes calls to non-reentrant adapters.
	Reentrant bool `json:"reentrant,omitempty"`

	// Requires is an optional semver constraint on the running scry version
	Requires string `json:"requires,omitempty"`
}

// EffectiveTimeout returns the descriptor override if set, otherwise the
// tier default.
func (d Descriptor) EffectiveTimeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return d.Tier.DefaultTimeout()
}

// HasTag reports whether the descriptor carries the given tag.
func (d Descriptor) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Validate checks the descriptor fields that registration depends on.
func (d Descriptor) Validate() error {
	if d.Code == "" {
		return ErrEmptyCode
	}
	if !d.Tier.Valid() {
		return ErrInvalidTier
	}
	if d.Reliability < 0 || d.Reliability > 1 {
		return ErrInvalidReliability
	}
	return nil
}

// Result is a single hit returned by one engine. Position is the 0-based
// rank within that engine's output and is assigned by the registry, so
// adapters only need to return results in rank order.
type Result struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Snippet  string `json:"snippet,omitempty"`
	Engine   string `json:"engine"`
	Position int    `json:"position"`

	// Score is the engine's own relevance estimate, when it has one.
	// Zero means unscored; sufficiency checks fall back to engine
	// reliability for unscored results.
	Score float64 `json:"score,omitempty"`

	// Raw preserves the source record for results whose payload carries
	// more than title/url/snippet, such as certificate entries.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Query carries the text to search plus an optional engine pin. The hint is
// a structured field; query text is never parsed for routing prefixes.
type Query struct {
	Text       string `json:"text"`
	EngineHint string `json:"engine_hint,omitempty"`
}

// Adapter is the single interface every engine implements.
type Adapter interface {
	// Descriptor returns static metadata about the engine.
	Descriptor() Descriptor

	// Search runs the query and returns at most maxResults results in
	// rank order. The registry guarantees maxResults is positive. It must
	// honor ctx cancellation and return rather than block past deadline.
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// Override carries the operator-configurable descriptor fields. Nil fields
// leave the registered value untouched.
type Override struct {
	Disabled       *bool
	TimeoutSeconds *int
	Reliability    *float64
}
