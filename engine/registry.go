package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/teranos/scry/errors"
)

// Registry holds every registered engine adapter keyed by code. Components
// that dispatch queries receive the registry through their constructors.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*registration
	version string // running scry version, checked against Requires constraints
	logger  *zap.SugaredLogger
}

// registration pairs an adapter with its effective descriptor. The
// descriptor starts as the adapter's own and accumulates overrides.
type registration struct {
	adapter Adapter
	desc    Descriptor

	// serial holds one permit for adapters not declared reentrant; nil
	// when concurrent Search calls are safe.
	serial chan struct{}

	calls    atomic.Int64
	failures atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry(scryVersion string, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		engines: make(map[string]*registration),
		version: scryVersion,
		logger:  logger,
	}
}

// Register adds an adapter under its descriptor code, replacing any
// earlier registration for the same code so a catalog entry can shadow a
// built-in. Returns error if the descriptor is invalid or its version
// constraint rejects the running scry version.
func (r *Registry) Register(adapter Adapter) error {
	desc := adapter.Descriptor()

	if err := desc.Validate(); err != nil {
		return errors.Wrapf(err, "invalid descriptor for engine %q", desc.Code)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.validateRequires(desc); err != nil {
		return errors.Wrapf(err, "version incompatible for %s", desc.Code)
	}

	if _, exists := r.engines[desc.Code]; exists {
		r.logger.Infow("Replacing engine registration", "engine", desc.Code)
	}

	reg := &registration{adapter: adapter, desc: desc}
	if !desc.Reentrant {
		reg.serial = make(chan struct{}, 1)
	}
	r.engines[desc.Code] = reg
	return nil
}

// validateRequires checks the descriptor's semver constraint against the
// running scry version. Dev builds accept everything.
func (r *Registry) validateRequires(desc Descriptor) error {
	if desc.Requires == "" {
		return nil
	}
	if r.version == "" || r.version == "dev" {
		return nil
	}

	running, err := semver.NewVersion(r.version)
	if err != nil {
		return errors.Wrapf(err, "invalid scry version %s", r.version)
	}

	constraint, err := semver.NewConstraint(desc.Requires)
	if err != nil {
		return errors.Wrapf(err, "invalid version constraint %s", desc.Requires)
	}

	if !constraint.Check(running) {
		return errors.Newf("engine requires scry %s, but running %s", desc.Requires, r.version)
	}

	return nil
}

// ApplyOverrides layers operator configuration onto registered descriptors.
// Codes in disabled are switched off; overrides adjust individual fields.
// Unknown codes are logged and skipped so a stale config cannot block startup.
func (r *Registry) ApplyOverrides(disabled []string, overrides map[string]Override) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, code := range disabled {
		reg, ok := r.engines[code]
		if !ok {
			r.logger.Warnw("Disabled list names unknown engine", "engine", code)
			continue
		}
		reg.desc.Disabled = true
	}

	for code, o := range overrides {
		reg, ok := r.engines[code]
		if !ok {
			r.logger.Warnw("Override for unknown engine", "engine", code)
			continue
		}
		if o.Disabled != nil {
			reg.desc.Disabled = *o.Disabled
		}
		if o.TimeoutSeconds != nil {
			reg.desc.Timeout = time.Duration(*o.TimeoutSeconds) * time.Second
		}
		if o.Reliability != nil {
			reg.desc.Reliability = *o.Reliability
		}
	}
}

// lookup returns the live registration with a snapshot of its effective
// descriptor. Unknown and disabled engines both come back as
// ErrEngineUnavailable so callers treat them uniformly.
func (r *Registry) lookup(code string) (*registration, Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.engines[code]
	if !ok {
		return nil, Descriptor{}, errors.NewEngineUnavailable(code, "not registered")
	}
	if reg.desc.Disabled {
		return nil, Descriptor{}, errors.NewEngineUnavailable(code, "disabled")
	}
	return reg, reg.desc, nil
}

// Get returns the adapter for a code.
func (r *Registry) Get(code string) (Adapter, error) {
	reg, _, err := r.lookup(code)
	if err != nil {
		return nil, err
	}
	return reg.adapter, nil
}

// Descriptor returns the effective descriptor for a code, overrides applied.
func (r *Registry) Descriptor(code string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.engines[code]
	if !ok {
		return Descriptor{}, false
	}
	return reg.desc, true
}

// Filter narrows List output. Zero values match everything.
type Filter struct {
	Tier            Tier
	Tag             string
	IncludeDisabled bool
}

// List returns effective descriptors matching the filter, sorted by code.
func (r *Registry) List(f Filter) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.engines))
	for _, reg := range r.engines {
		d := reg.desc
		if d.Disabled && !f.IncludeDisabled {
			continue
		}
		if f.Tier != "" && d.Tier != f.Tier {
			continue
		}
		if f.Tag != "" && !d.HasTag(f.Tag) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (r *Registry) codes(f Filter) []string {
	descs := r.List(f)
	codes := make([]string, len(descs))
	for i, d := range descs {
		codes[i] = d.Code
	}
	return codes
}

// Codes returns all enabled engine codes in sorted order.
func (r *Registry) Codes() []string { return r.codes(Filter{}) }

// CodesByTier returns enabled engine codes in one tier, sorted.
func (r *Registry) CodesByTier(tier Tier) []string { return r.codes(Filter{Tier: tier}) }

// CodesByTag returns enabled engine codes carrying a tag, sorted.
func (r *Registry) CodesByTag(tag string) []string { return r.codes(Filter{Tag: tag}) }

// Len returns the number of registered engines, disabled included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

// ParseHinted splits a legacy "code:query" routing marker into a
// structured Query. The prefix only counts as a hint when it names a
// registered engine, so queries that happen to contain colons (URLs,
// site: operators) pass through whole.
func (r *Registry) ParseHinted(raw string) Query {
	if code, rest, ok := strings.Cut(raw, ":"); ok {
		code, rest = strings.TrimSpace(code), strings.TrimSpace(rest)
		if rest != "" {
			if _, known := r.Descriptor(code); known {
				return Query{Text: rest, EngineHint: code}
			}
		}
	}
	return Query{Text: strings.TrimSpace(raw)}
}

// Usage is a point-in-time snapshot of one engine's dispatch counters.
type Usage struct {
	Calls    int64 `json:"calls"`
	Failures int64 `json:"failures"`
}

// Usage returns dispatch counters for a code.
func (r *Registry) Usage(code string) (Usage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.engines[code]
	if !ok {
		return Usage{}, false
	}
	return Usage{Calls: reg.calls.Load(), Failures: reg.failures.Load()}, true
}

// Usages returns dispatch counters for every registered engine.
func (r *Registry) Usages() map[string]Usage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Usage, len(r.engines))
	for code, reg := range r.engines {
		out[code] = Usage{Calls: reg.calls.Load(), Failures: reg.failures.Load()}
	}
	return out
}

// Resolve dispatches one query to one engine and classifies the outcome.
// It never panics and logs each failure exactly once, here, so callers
// only record the returned error:
//
//   - unknown or disabled code: ErrEngineUnavailable
//   - adapter panic: ErrEngineFailure, recovered
//   - context deadline: ErrEngineTimeout
//   - any other adapter error: ErrEngineFailure
//
// maxResults caps the returned list; values under 1 take DefaultMaxResults.
// Calls to adapters not declared reentrant are serialized, and waiting for
// the permit respects ctx. On success every result carries the engine code
// and its 0-based position, regardless of what the adapter filled in.
func (r *Registry) Resolve(ctx context.Context, code, query string, maxResults int) (results []Result, err error) {
	reg, _, err := r.lookup(code)
	if err != nil {
		r.logger.Debugw("Engine unavailable", "engine", code, "error", err)
		return nil, err
	}
	if maxResults < 1 {
		maxResults = DefaultMaxResults
	}

	if reg.serial != nil {
		select {
		case reg.serial <- struct{}{}:
			defer func() { <-reg.serial }()
		case <-ctx.Done():
			wrapped := errors.Wrapf(ctx.Err(), "engine %s: waiting for serialized adapter", code)
			if ctx.Err() == context.DeadlineExceeded {
				err = errors.Mark(wrapped, errors.ErrEngineTimeout)
			} else {
				err = errors.Mark(wrapped, errors.ErrEngineFailure)
			}
			r.logger.Warnw("Engine permit wait aborted", "engine", code, "error", ctx.Err())
			return nil, err
		}
	}

	reg.calls.Add(1)
	defer func() {
		if rec := recover(); rec != nil {
			results = nil
			err = errors.Mark(errors.Newf("engine %s panicked: %v", code, rec), errors.ErrEngineFailure)
			reg.failures.Add(1)
			r.logger.Errorw("Engine panicked during search",
				"engine", code,
				"panic", rec,
			)
		}
	}()

	started := time.Now()
	raw, searchErr := reg.adapter.Search(ctx, query, maxResults)
	if searchErr != nil {
		reg.failures.Add(1)
		wrapped := errors.Wrapf(searchErr, "engine %s", code)
		if errors.Is(searchErr, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			err = errors.Mark(wrapped, errors.ErrEngineTimeout)
		} else {
			err = errors.Mark(wrapped, errors.ErrEngineFailure)
		}
		r.logger.Warnw("Engine search failed",
			"engine", code,
			"duration_ms", time.Since(started).Milliseconds(),
			"error", searchErr,
		)
		return nil, err
	}

	if len(raw) > maxResults {
		raw = raw[:maxResults]
	}

	// Position is defined by list order; adapters cannot reorder it.
	for i := range raw {
		raw[i].Engine = code
		raw[i].Position = i
	}

	r.logger.Debugw("Engine search completed",
		"engine", code,
		"results", len(raw),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return raw, nil
}
