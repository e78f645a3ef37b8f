package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/scry/engine"
)

func results(code string, urls ...string) []engine.Result {
	out := make([]engine.Result, len(urls))
	for i, u := range urls {
		out[i] = engine.Result{
			Title:    u,
			URL:      u,
			Engine:   code,
			Position: i,
		}
	}
	return out
}

func urls(merged []Merged) []string {
	out := make([]string, len(merged))
	for i, m := range merged {
		out[i] = m.URL
	}
	return out
}

func TestStrategy_Valid(t *testing.T) {
	assert.True(t, StrategyRanked.Valid())
	assert.True(t, StrategyAppend.Valid())
	assert.True(t, StrategyInterleave.Valid())
	assert.False(t, Strategy("shuffle").Valid())
}

func TestMerge_Append(t *testing.T) {
	a := results("a", "https://one.example", "https://two.example")
	b := results("b", "https://three.example")

	merged := Merge(StrategyAppend, a, b)
	assert.Equal(t, []string{
		"https://one.example",
		"https://two.example",
		"https://three.example",
	}, urls(merged))
}

func TestMerge_Interleave(t *testing.T) {
	a := results("a", "https://a1.example", "https://a2.example", "https://a3.example")
	b := results("b", "https://b1.example")

	merged := Merge(StrategyInterleave, a, b)
	assert.Equal(t, []string{
		"https://a1.example",
		"https://b1.example",
		"https://a2.example",
		"https://a3.example",
	}, urls(merged))
}

func TestMerge_Ranked(t *testing.T) {
	t.Run("agreement beats single-engine rank", func(t *testing.T) {
		// shared.example sits low in both lists; solo.example tops one list.
		a := results("a", "https://solo.example", "https://shared.example")
		b := results("b", "https://other.example", "https://shared.example")

		merged := Merge(StrategyRanked, a, b)
		require.NotEmpty(t, merged)
		assert.Equal(t, "https://shared.example", merged[0].URL)
		assert.ElementsMatch(t, []string{"a", "b"}, merged[0].Engines)
	})

	t.Run("score orders within equal agreement", func(t *testing.T) {
		a := results("a", "https://top.example", "https://low.example")

		merged := Merge(StrategyRanked, a)
		require.Len(t, merged, 2)
		assert.Equal(t, "https://top.example", merged[0].URL)
		assert.InDelta(t, 1.0, merged[0].Score, 1e-9)
		assert.InDelta(t, 0.5, merged[1].Score, 1e-9)
	})

	t.Run("score sums across engines", func(t *testing.T) {
		// shared.example: position 0 in a (1.0) plus position 1 in b (0.5)
		a := results("a", "https://shared.example")
		b := results("b", "https://x.example", "https://shared.example")

		merged := Merge(StrategyRanked, a, b)
		require.NotEmpty(t, merged)
		assert.Equal(t, "https://shared.example", merged[0].URL)
		assert.InDelta(t, 1.5, merged[0].Score, 1e-9)
	})
}

func TestMerge_Dedup(t *testing.T) {
	a := []engine.Result{
		{Title: "Acme", URL: "https://Example.com/page/", Engine: "a", Position: 0},
	}
	b := []engine.Result{
		{Title: "", URL: "https://example.com/page", Snippet: "company profile", Engine: "b", Position: 0},
	}

	merged := Merge(StrategyAppend, a, b)
	require.Len(t, merged, 1)
	// First occurrence keeps its surface form; the duplicate fills gaps.
	assert.Equal(t, "https://Example.com/page/", merged[0].URL)
	assert.Equal(t, "Acme", merged[0].Title)
	assert.Equal(t, "company profile", merged[0].Snippet)
	assert.Equal(t, []string{"a", "b"}, merged[0].Engines)
	assert.InDelta(t, 2.0, merged[0].Score, 1e-9)
}

func TestMerge_EmptyURLSkipped(t *testing.T) {
	a := []engine.Result{
		{Title: "no link", Engine: "a", Position: 0},
		{Title: "linked", URL: "https://ok.example", Engine: "a", Position: 1},
	}

	merged := Merge(StrategyRanked, a)
	require.Len(t, merged, 1)
	assert.Equal(t, "https://ok.example", merged[0].URL)
}

func TestMerge_Idempotent(t *testing.T) {
	a := results("a", "https://one.example", "https://two.example", "https://shared.example")
	b := results("b", "https://shared.example", "https://three.example")

	first := Merge(StrategyRanked, a, b)

	// Re-merging the merged output as a single list preserves the order.
	relist := make([]engine.Result, len(first))
	for i, m := range first {
		relist[i] = engine.Result{Title: m.Title, URL: m.URL, Engine: m.Engines[0], Position: i}
	}
	second := Merge(StrategyRanked, relist)

	assert.Equal(t, urls(first), urls(second))
}

func TestMerge_PureInputsUntouched(t *testing.T) {
	a := results("a", "https://one.example", "https://shared.example")
	b := results("b", "https://shared.example")
	aCopy := append([]engine.Result(nil), a...)

	Merge(StrategyRanked, a, b)
	Merge(StrategyInterleave, a, b)

	assert.Equal(t, aCopy, a)
}

func TestMergeMap_Deterministic(t *testing.T) {
	byEngine := map[string][]engine.Result{
		"zeta":  results("zeta", "https://z.example"),
		"alpha": results("alpha", "https://a.example"),
	}

	first := MergeMap(StrategyAppend, byEngine)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, MergeMap(StrategyAppend, byEngine))
	}
	// Sorted engine-code order, not map order
	assert.Equal(t, []string{"https://a.example", "https://z.example"}, urls(first))
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"strips www", "https://www.example.com/a", "https://example.com/a"},
		{"strips default https port", "https://example.com:443/a", "https://example.com/a"},
		{"strips default http port", "http://example.com:80/a", "http://example.com/a"},
		{"keeps explicit port", "https://example.com:8443/a", "https://example.com:8443/a"},
		{"strips fragment", "https://example.com/a#section", "https://example.com/a"},
		{"strips trailing slash", "https://example.com/a/", "https://example.com/a"},
		{"strips the query string", "https://example.com/a?utm_source=x&id=7", "https://example.com/a"},
		{"strips session tokens", "https://example.com/a?session=1", "https://example.com/a"},
		{"schemeless falls back to lowercase", "not a url", "not a url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeURL(tt.in))
		})
	}
}

func TestNormalizeURLKeeping(t *testing.T) {
	tests := []struct {
		name        string
		in          string
		significant []string
		want        string
	}{
		{"keeps a declared param", "https://example.com/a?session=1&id=7", []string{"id"}, "https://example.com/a?id=7"},
		{"sorts kept keys", "https://example.com/a?q=acme&id=7", []string{"q", "id"}, "https://example.com/a?id=7&q=acme"},
		{"absent declared param leaves no query", "https://example.com/a?session=1", []string{"id"}, "https://example.com/a"},
		{"nil declaration strips everything", "https://example.com/a?id=7", nil, "https://example.com/a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeURLKeeping(tt.in, tt.significant))
		})
	}
}

func TestMerge_QueryVariantsCollapse(t *testing.T) {
	a := []engine.Result{
		{Title: "Acme", URL: "https://example.com/page?session=1", Engine: "a", Position: 0},
	}
	b := []engine.Result{
		{URL: "https://example.com/page?session=2", Engine: "b", Position: 0},
	}

	merged := Merge(StrategyAppend, a, b)
	require.Len(t, merged, 1, "undeclared query params must not split duplicates")
	assert.Equal(t, []string{"a", "b"}, merged[0].Engines)

	// A declared-significant param keeps genuinely different documents apart.
	distinct := MergeWith(StrategyAppend, []string{"session"}, a, b)
	assert.Len(t, distinct, 2)
}

func TestNormalizeURL_EquivalentForms(t *testing.T) {
	forms := []string{
		"https://www.Example.com/page/",
		"https://example.com/page",
		"https://example.com:443/page",
		"https://example.com/page#top",
		"https://example.com/page?utm_campaign=osint",
		"https://example.com/page?session=2",
	}
	want := NormalizeURL(forms[0])
	for _, f := range forms[1:] {
		assert.Equal(t, want, NormalizeURL(f), f)
	}
}
