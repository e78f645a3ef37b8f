// Package slot drives the sufficiency loop: repeated query generation and
// execution for one information slot of an investigation (a birthdate, an
// employer, a sanctions check) until a declared sufficiency bar is met,
// the attempt ceiling is hit, or no strategy can produce an unseen query.
// Every attempt is retained so the methodology behind a finding can be
// reconstructed after the fact.
package slot

import (
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/teranos/scry/cascade"
	"github.com/teranos/scry/engine"
	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/internal/shortid"
	"github.com/teranos/scry/jurisdiction"
	"github.com/teranos/scry/merge"
)

// State is the slot's position in its lifecycle.
type State string

const (
	// StateEmpty means no attempt has produced anything yet.
	StateEmpty State = "empty"

	// StatePartial means some results exist but the bar is not met.
	StatePartial State = "partial"

	// StateFilled means the sufficiency bar is met.
	StateFilled State = "filled"

	// StateVoid means exhaustion with zero results: confirmed absence,
	// as opposed to not yet tried.
	StateVoid State = "void"

	// StateContested and StateDeferred are imposed by a reviewer. The
	// loop never produces them but stops for them.
	StateContested State = "contested"
	StateDeferred  State = "deferred"
)

// Terminal reports whether the state ends iteration.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateVoid, StateContested, StateDeferred:
		return true
	}
	return false
}

// SufficiencyConfig declares when a slot of a given type counts as
// answered and how hard the loop may try.
type SufficiencyConfig struct {
	// MinResults is the unique-result floor. Default 1.
	MinResults int `toml:"min_results" json:"min_results"`

	// MinConfidence is the best-attempt confidence floor, 0..1.
	MinConfidence float64 `toml:"min_confidence" json:"min_confidence"`

	// MaxAttempts caps the loop. Default 5.
	MaxAttempts int `toml:"max_attempts" json:"max_attempts"`

	// RequiredSources lists engine codes that must have contributed
	// results before the slot is marked Filled.
	RequiredSources []string `toml:"required_sources" json:"required_sources,omitempty"`

	// VoidIsFinding makes confirmed absence a completed finding. A
	// sanctions slot that comes up empty everywhere is answered, not
	// failed.
	VoidIsFinding bool `toml:"void_is_finding" json:"void_is_finding"`

	// Strategies is the query-generation order tried each iteration.
	// Defaults to DefaultStrategyOrder.
	Strategies []string `toml:"strategies" json:"strategies"`

	// ExcludedDomains are dropped by the domain_exclusion strategy even
	// before any result has been seen.
	ExcludedDomains []string `toml:"excluded_domains" json:"excluded_domains,omitempty"`

	// AttemptPause is a polite pause between attempts. Default none;
	// per-engine rate limiters do the real pacing.
	AttemptPause time.Duration `toml:"attempt_pause" json:"attempt_pause,omitempty"`
}

func (c SufficiencyConfig) withDefaults() SufficiencyConfig {
	if c.MinResults <= 0 {
		c.MinResults = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if len(c.Strategies) == 0 {
		c.Strategies = append([]string(nil), DefaultStrategyOrder...)
	}
	return c
}

// Validate rejects configs that could only come from a typo. Strategy
// lists come from configuration files, so an unknown name fails loudly at
// construction instead of silently skipping mid-run.
func (c SufficiencyConfig) Validate() error {
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return errors.Mark(errors.Newf("min_confidence %v outside 0..1", c.MinConfidence), errors.ErrInvalidConfig)
	}
	for _, name := range c.Strategies {
		if !knownStrategy(name) {
			return errors.Mark(errors.Newf("unknown strategy %q", name), errors.ErrInvalidConfig)
		}
	}
	return nil
}

// Subject is what the slot is about, with the hints strategies feed on.
type Subject struct {
	// Name is the canonical search form: a person, company, vessel.
	Name string `json:"name"`

	// Jurisdiction is an optional hint: ISO code, country name, or a
	// location keyword.
	Jurisdiction string `json:"jurisdiction,omitempty"`

	// Keywords are disambiguating context terms ("fintech", "Rotterdam").
	Keywords []string `json:"keywords,omitempty"`
}

// Query is the subject's canonical search form.
func (s Subject) Query() string {
	return strings.TrimSpace(s.Name)
}

// JurisdictionCode resolves the subject's jurisdiction hint to an ISO
// code, falling back to location keywords. Empty when nothing resolves.
func (s Subject) JurisdictionCode() string {
	if s.Jurisdiction != "" {
		if code, err := jurisdiction.Normalize(s.Jurisdiction); err == nil {
			return code
		}
	}
	for _, kw := range s.Keywords {
		if code := jurisdiction.GuessFromLocation(kw); code != "" {
			return code
		}
	}
	return ""
}

// Attempt is one iteration's audit record.
type Attempt struct {
	Number      int                     `json:"number"`
	Query       string                  `json:"query"`
	Engine      string                  `json:"engine"`
	Strategy    string                  `json:"strategy"`
	ResultCount int                     `json:"result_count"`
	Confidence  float64                 `json:"confidence"`
	Status      cascade.ExecutionStatus `json:"status"`
	Error       string                  `json:"error,omitempty"`
	Duration    time.Duration           `json:"duration"`
	At          time.Time               `json:"at"`
}

// Session is the full state of one slot resolution run. The loop owns it
// while running; afterwards it is a plain record.
type Session struct {
	ID       string            `json:"id"`
	SlotName string            `json:"slot_name"`
	Subject  Subject           `json:"subject"`
	Config   SufficiencyConfig `json:"config"`

	// EngineChain is the priority-ordered engine codes for this slot.
	// The first entry is the primary engine; fallback steps down from
	// there.
	EngineChain []string `json:"engine_chain"`

	State    State           `json:"state"`
	Attempts []Attempt       `json:"attempts"`
	Results  []engine.Result `json:"results"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished"`

	seen       map[pairKey]bool
	resultKeys map[string]bool
}

type pairKey struct {
	query  string
	engine string
}

// NewSession builds a session with defaults applied and an s_ run code.
func NewSession(slotName string, subject Subject, cfg SufficiencyConfig, engineChain []string) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if subject.Query() == "" {
		return nil, errors.Mark(errors.New("slot subject has no name"), errors.ErrInvalidConfig)
	}
	if len(engineChain) == 0 {
		return nil, errors.Mark(errors.New("slot has no engine chain"), errors.ErrInvalidConfig)
	}
	return &Session{
		ID:          shortid.MustNew("s"),
		SlotName:    slotName,
		Subject:     subject,
		Config:      cfg,
		EngineChain: append([]string(nil), engineChain...),
		State:       StateEmpty,
		seen:        make(map[pairKey]bool),
		resultKeys:  make(map[string]bool),
	}, nil
}

// Seen reports whether the (query, engine) pair was already attempted.
func (s *Session) Seen(query, engineCode string) bool {
	return s.seen[pairKey{query: query, engine: engineCode}]
}

// record folds one executed attempt into the session: the pair becomes
// seen, the attempt joins the trail, and new results accumulate deduped
// by normalized URL.
func (s *Session) record(a Attempt, results []engine.Result) {
	if s.seen == nil {
		s.seen = make(map[pairKey]bool)
	}
	if s.resultKeys == nil {
		s.resultKeys = make(map[string]bool)
	}
	s.seen[pairKey{query: a.Query, engine: a.Engine}] = true
	s.Attempts = append(s.Attempts, a)
	for _, r := range results {
		key := merge.NormalizeURL(r.URL)
		if key == "" || s.resultKeys[key] {
			continue
		}
		s.resultKeys[key] = true
		s.Results = append(s.Results, r)
	}
}

// recompute refreshes State from the accumulated evidence. Filled needs
// the numeric bar plus every required source to have contributed.
func (s *Session) recompute() {
	if s.State == StateContested || s.State == StateDeferred {
		return
	}
	total := len(s.Results)
	switch {
	case total >= s.Config.MinResults && s.BestConfidence() >= s.Config.MinConfidence && s.requiredSourcesMet():
		s.State = StateFilled
	case total > 0:
		s.State = StatePartial
	default:
		s.State = StateEmpty
	}
}

func (s *Session) requiredSourcesMet() bool {
	for _, code := range s.Config.RequiredSources {
		met := false
		for _, a := range s.Attempts {
			if a.Engine == code && a.ResultCount > 0 {
				met = true
				break
			}
		}
		if !met {
			return false
		}
	}
	return true
}

// BestConfidence is the highest single-attempt confidence so far.
func (s *Session) BestConfidence() float64 {
	best := 0.0
	for _, a := range s.Attempts {
		if a.Confidence > best {
			best = a.Confidence
		}
	}
	return best
}

// TotalResults is the count of unique accumulated results.
func (s *Session) TotalResults() int {
	return len(s.Results)
}

// IsSufficient reports whether the slot's bar is met: Filled, or Void
// when absence itself answers the question, or the raw numeric bar.
func (s *Session) IsSufficient() bool {
	if s.State == StateFilled {
		return true
	}
	if s.State == StateVoid && s.Config.VoidIsFinding {
		return true
	}
	return len(s.Results) >= s.Config.MinResults && s.BestConfidence() >= s.Config.MinConfidence
}

// Impose sets a reviewer-imposed state. Only Contested and Deferred can
// be imposed; the loop's own states are earned through attempts.
func (s *Session) Impose(st State) error {
	if st != StateContested && st != StateDeferred {
		return errors.Newf("state %s cannot be imposed externally", st)
	}
	s.State = st
	return nil
}

// Outcome is nil when the slot met its bar, and an ErrSlotExhausted
// marked error otherwise. Exhaustion is a structured outcome here, never
// a panic out of the loop.
func (s *Session) Outcome() error {
	if s.IsSufficient() {
		return nil
	}
	return errors.Mark(
		errors.Newf("slot %s exhausted after %d attempts in state %s", s.SlotName, len(s.Attempts), s.State),
		errors.ErrSlotExhausted)
}

// SeenDomains lists the distinct hosts among accumulated results, sorted,
// www. prefix dropped. Feeds the domain-exclusion strategy.
func (s *Session) SeenDomains() []string {
	set := make(map[string]bool)
	for _, r := range s.Results {
		u, err := url.Parse(r.URL)
		if err != nil || u.Hostname() == "" {
			continue
		}
		host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		set[host] = true
	}
	out := make([]string, 0, len(set))
	for host := range set {
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}

// IterationState is one event on the Run stream: the attempt just made
// plus the recomputed aggregate. The final event has Terminal set.
type IterationState struct {
	SessionID      string  `json:"session_id"`
	SlotName       string  `json:"slot_name"`
	State          State   `json:"state"`
	Attempt        Attempt `json:"attempt"`
	TotalResults   int     `json:"total_results"`
	BestConfidence float64 `json:"best_confidence"`
	Sufficient     bool    `json:"sufficient"`
	Terminal       bool    `json:"terminal"`

	// Reason is set on the terminal event: sufficient, max attempts
	// reached, strategies exhausted, or cancelled.
	Reason string `json:"reason,omitempty"`
}
