package slot

import (
	"fmt"
	"strings"

	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/jurisdiction"
)

// Strategy names as they appear in configuration.
const (
	StrategyVariation         = "variation"
	StrategyBroadening        = "broadening"
	StrategyFallbackEngine    = "fallback_engine"
	StrategyArchive           = "archive"
	StrategyJurisdictionPivot = "jurisdiction_pivot"
	StrategyDomainExclusion   = "domain_exclusion"
)

// DefaultStrategyOrder is the order used when a slot type declares none.
// Domain exclusion stays opt-in: it only pays off for engines that honor
// -site: operators, so a slot type has to ask for it.
var DefaultStrategyOrder = []string{
	StrategyVariation,
	StrategyBroadening,
	StrategyFallbackEngine,
	StrategyArchive,
	StrategyJurisdictionPivot,
}

// Candidate is a proposed probe: one query aimed at one engine.
type Candidate struct {
	Query  string
	Engine string
}

// Strategy proposes candidate probes from the session so far. Proposals
// are filtered against the attempt history by the loop, so strategies
// stay stateless and may re-propose earlier candidates.
type Strategy interface {
	Name() string
	Propose(s *Session) []Candidate
}

func knownStrategy(name string) bool {
	switch name {
	case StrategyVariation, StrategyBroadening, StrategyFallbackEngine,
		StrategyArchive, StrategyJurisdictionPivot, StrategyDomainExclusion:
		return true
	}
	return false
}

// strategyByName builds the named strategy. Unknown names are an
// ErrInvalidConfig; strategy lists come from config files and a typo
// should fail at construction, not mid-run.
func strategyByName(name string) (Strategy, error) {
	switch name {
	case StrategyVariation:
		return variationStrategy{}, nil
	case StrategyBroadening:
		return broadeningStrategy{}, nil
	case StrategyFallbackEngine:
		return fallbackEngineStrategy{}, nil
	case StrategyArchive:
		return archiveStrategy{}, nil
	case StrategyJurisdictionPivot:
		return jurisdictionPivotStrategy{}, nil
	case StrategyDomainExclusion:
		return domainExclusionStrategy{}, nil
	}
	return nil, errors.Mark(errors.Newf("unknown strategy %q", name), errors.ErrInvalidConfig)
}

// ============================================================================
// variation: lexical variants of the subject
// ============================================================================

type variationStrategy struct{}

func (variationStrategy) Name() string { return StrategyVariation }

func (variationStrategy) Propose(s *Session) []Candidate {
	primary := s.EngineChain[0]
	var out []Candidate
	for _, v := range nameVariants(s.Subject.Name) {
		out = append(out, Candidate{Query: v, Engine: primary})
	}
	// Disambiguating keyword probes keep the exact subject but pin the
	// context.
	base := s.Subject.Query()
	for _, kw := range s.Subject.Keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		out = append(out, Candidate{Query: fmt.Sprintf("%q %s", base, kw), Engine: primary})
	}
	return out
}

var corporateSuffixes = []string{
	"b.v.", "bv", "n.v.", "nv", "gmbh", "ag", "ltd", "ltd.", "llc",
	"inc", "inc.", "corp", "corp.", "plc", "s.a.", "sa", "oy", "ab",
}

// nameVariants generates the lexical variants worth probing: comma
// inversion both ways, an initialed first name, and corporate suffixes
// stripped. The original form is excluded.
func nameVariants(name string) []string {
	name = strings.TrimSpace(name)
	var out []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || strings.EqualFold(v, name) {
			return
		}
		for _, existing := range out {
			if strings.EqualFold(existing, v) {
				return
			}
		}
		out = append(out, v)
	}

	if stripped := stripCorporateSuffix(name); stripped != name {
		add(stripped)
	}

	if i := strings.Index(name, ","); i > 0 {
		// "Smith, John" -> "John Smith"
		add(strings.TrimSpace(name[i+1:]) + " " + strings.TrimSpace(name[:i]))
		return out
	}

	words := strings.Fields(name)
	if len(words) >= 2 {
		// "John Smith" -> "Smith, John"
		add(words[len(words)-1] + ", " + strings.Join(words[:len(words)-1], " "))
		// "John Smith" -> "J. Smith"
		first := []rune(words[0])
		add(string(first[0]) + ". " + strings.Join(words[1:], " "))
	}
	return out
}

func stripCorporateSuffix(name string) string {
	words := strings.Fields(name)
	for len(words) > 1 {
		last := strings.ToLower(strings.Trim(words[len(words)-1], ","))
		found := false
		for _, suffix := range corporateSuffixes {
			if last == suffix {
				found = true
				break
			}
		}
		if !found {
			break
		}
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

// ============================================================================
// broadening: relax exact match toward partial and boolean forms
// ============================================================================

type broadeningStrategy struct{}

func (broadeningStrategy) Name() string { return StrategyBroadening }

func (broadeningStrategy) Propose(s *Session) []Candidate {
	primary := s.EngineChain[0]
	words := strings.Fields(strings.Trim(s.Subject.Query(), `"`))
	if len(words) < 2 {
		return nil
	}
	var out []Candidate
	if len(words) > 2 {
		// First and last token carry most of the identity.
		out = append(out, Candidate{Query: words[0] + " " + words[len(words)-1], Engine: primary})
	}
	out = append(out,
		Candidate{Query: strings.Join(words, " AND "), Engine: primary},
		Candidate{Query: strings.Join(words, " OR "), Engine: primary},
	)
	return out
}

// ============================================================================
// fallback_engine: step the base query down the priority chain
// ============================================================================

type fallbackEngineStrategy struct{}

func (fallbackEngineStrategy) Name() string { return StrategyFallbackEngine }

func (fallbackEngineStrategy) Propose(s *Session) []Candidate {
	base := s.Subject.Query()
	var out []Candidate
	for _, code := range s.EngineChain[1:] {
		out = append(out, Candidate{Query: base, Engine: code})
	}
	return out
}

// ============================================================================
// archive: reformulate toward archived copies
// ============================================================================

type archiveStrategy struct{}

func (archiveStrategy) Name() string { return StrategyArchive }

func (archiveStrategy) Propose(s *Session) []Candidate {
	primary := s.EngineChain[0]
	base := s.Subject.Query()
	return []Candidate{
		{Query: fmt.Sprintf("%q site:web.archive.org", base), Engine: primary},
		{Query: fmt.Sprintf("%q site:archive.ph", base), Engine: primary},
		{Query: base + " archived", Engine: primary},
	}
}

// ============================================================================
// jurisdiction_pivot: retry the subject against adjacent jurisdictions
// ============================================================================

type jurisdictionPivotStrategy struct{}

func (jurisdictionPivotStrategy) Name() string { return StrategyJurisdictionPivot }

func (jurisdictionPivotStrategy) Propose(s *Session) []Candidate {
	code := s.Subject.JurisdictionCode()
	if code == "" {
		return nil
	}
	primary := s.EngineChain[0]
	base := s.Subject.Query()
	var out []Candidate
	for _, adj := range jurisdiction.Adjacent(code) {
		country := jurisdiction.Name(adj)
		if country == "" {
			continue
		}
		out = append(out, Candidate{Query: fmt.Sprintf("%q %s", base, country), Engine: primary})
		if regs := jurisdiction.Registries(adj); len(regs) > 0 {
			out = append(out, Candidate{Query: fmt.Sprintf("%q %s", base, regs[0]), Engine: primary})
		}
	}
	return out
}

// ============================================================================
// domain_exclusion: exclude configured and already-seen domains and widen
// ============================================================================

type domainExclusionStrategy struct{}

func (domainExclusionStrategy) Name() string { return StrategyDomainExclusion }

func (domainExclusionStrategy) Propose(s *Session) []Candidate {
	seen := s.SeenDomains()
	// Excluding too many domains turns the query to mush; the five
	// loudest are the ones drowning out new sources anyway. Operator
	// exclusions are deliberate and stay uncapped.
	if len(seen) > 5 {
		seen = seen[:5]
	}
	domains := make([]string, 0, len(s.Config.ExcludedDomains)+len(seen))
	have := make(map[string]bool)
	for _, d := range append(append([]string(nil), s.Config.ExcludedDomains...), seen...) {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www.")
		if d == "" || have[d] {
			continue
		}
		have[d] = true
		domains = append(domains, d)
	}
	if len(domains) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(s.Subject.Query())
	for _, d := range domains {
		sb.WriteString(" -site:")
		sb.WriteString(d)
	}
	return []Candidate{{Query: sb.String(), Engine: s.EngineChain[0]}}
}
