// Package merge combines per-engine result lists into one deduplicated,
// optionally ranked list. Merging is pure: inputs are never modified and the
// same inputs always produce the same output.
package merge

import (
	"net/url"
	"sort"
	"strings"

	"github.com/teranos/scry/engine"
)

// Strategy selects how per-engine lists combine.
type Strategy string

const (
	// StrategyInterleave round-robins across lists in input order.
	StrategyInterleave Strategy = "interleave"

	// StrategyAppend concatenates lists in input order.
	StrategyAppend Strategy = "append"

	// StrategyRanked orders by cross-engine agreement, then by rank-weighted
	// score. A result two engines agree on outranks any single-engine result.
	StrategyRanked Strategy = "ranked"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyInterleave, StrategyAppend, StrategyRanked:
		return true
	}
	return false
}

// Merged is one deduplicated result with its provenance.
type Merged struct {
	Title   string   `json:"title"`
	URL     string   `json:"url"`
	Snippet string   `json:"snippet,omitempty"`
	Engines []string `json:"engines"`
	Score   float64  `json:"score"`
}

// Merge combines per-engine result lists with the given strategy. The first
// occurrence of a URL keeps its surface form; later duplicates contribute
// provenance, score, and any title or snippet the first occurrence lacked.
// List order is the tie-break order, so callers with map-shaped input should
// use MergeMap for determinism.
func Merge(strategy Strategy, lists ...[]engine.Result) []Merged {
	return MergeWith(strategy, nil, lists...)
}

// MergeWith is Merge with declared-significant query parameters feeding the
// dedup key; see NormalizeURLKeeping.
func MergeWith(strategy Strategy, significant []string, lists ...[]engine.Result) []Merged {
	acc := newAccumulator(significant)

	switch strategy {
	case StrategyInterleave:
		for row := 0; ; row++ {
			found := false
			for _, list := range lists {
				if row < len(list) {
					acc.add(list[row])
					found = true
				}
			}
			if !found {
				break
			}
		}
	default: // append and ranked share the visit order
		for _, list := range lists {
			for _, r := range list {
				acc.add(r)
			}
		}
	}

	merged := acc.results()
	if strategy == StrategyRanked {
		sort.SliceStable(merged, func(i, j int) bool {
			if len(merged[i].Engines) != len(merged[j].Engines) {
				return len(merged[i].Engines) > len(merged[j].Engines)
			}
			return merged[i].Score > merged[j].Score
		})
	}
	return merged
}

// MergeMap merges a per-engine map in sorted engine-code order, giving
// deterministic output for batch results keyed by engine.
func MergeMap(strategy Strategy, byEngine map[string][]engine.Result) []Merged {
	return MergeMapWith(strategy, nil, byEngine)
}

// MergeMapWith is MergeMap with declared-significant query parameters.
func MergeMapWith(strategy Strategy, significant []string, byEngine map[string][]engine.Result) []Merged {
	codes := make([]string, 0, len(byEngine))
	for code := range byEngine {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	lists := make([][]engine.Result, len(codes))
	for i, code := range codes {
		lists[i] = byEngine[code]
	}
	return MergeWith(strategy, significant, lists...)
}

type accumulator struct {
	ordered     []*Merged
	byKey       map[string]*Merged
	significant []string
}

func newAccumulator(significant []string) *accumulator {
	return &accumulator{byKey: make(map[string]*Merged), significant: significant}
}

func (a *accumulator) add(r engine.Result) {
	if r.URL == "" {
		return
	}
	key := NormalizeURLKeeping(r.URL, a.significant)

	score := 1.0 / float64(1+r.Position)
	if m, ok := a.byKey[key]; ok {
		m.Score += score
		if !containsString(m.Engines, r.Engine) {
			m.Engines = append(m.Engines, r.Engine)
		}
		if m.Title == "" {
			m.Title = r.Title
		}
		if m.Snippet == "" {
			m.Snippet = r.Snippet
		}
		return
	}

	m := &Merged{
		Title:   r.Title,
		URL:     r.URL,
		Snippet: r.Snippet,
		Engines: []string{r.Engine},
		Score:   score,
	}
	a.byKey[key] = m
	a.ordered = append(a.ordered, m)
}

func (a *accumulator) results() []Merged {
	out := make([]Merged, len(a.ordered))
	for i, m := range a.ordered {
		out[i] = *m
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// NormalizeURL canonicalizes a URL for deduplication: scheme and host
// lowercase, www. prefix and default ports dropped, fragment removed,
// trailing slash trimmed, and the query string stripped entirely — session
// tokens, tracking codes, and pagination noise vary per click without
// changing the page. Unparseable input falls back to a trimmed, lowercased
// form so dedup still catches byte-identical strings.
func NormalizeURL(raw string) string {
	return NormalizeURLKeeping(raw, nil)
}

// NormalizeURLKeeping is NormalizeURL for sites where some query parameters
// select the document rather than decorate it (an ?id= on a registry lookup,
// a ?q= on a directory). Declared parameters survive in sorted key order;
// everything else is stripped.
func NormalizeURLKeeping(raw string, significant []string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(raw))
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")

	if port := u.Port(); port != "" {
		if !(scheme == "http" && port == "80") && !(scheme == "https" && port == "443") {
			host += ":" + port
		}
	}

	path := strings.TrimSuffix(u.EscapedPath(), "/")

	query := ""
	if u.RawQuery != "" && len(significant) > 0 {
		values := u.Query()
		keep := url.Values{}
		for _, key := range significant {
			if vs, ok := values[key]; ok {
				keep[key] = vs
			}
		}
		query = keep.Encode() // sorts keys
	}

	normalized := scheme + "://" + host + path
	if query != "" {
		normalized += "?" + query
	}
	return normalized
}
