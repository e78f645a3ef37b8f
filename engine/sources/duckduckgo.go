package sources

import (
	"context"
	"fmt"
	"net/url"

	"github.com/teranos/scry/engine"
)

const defaultDuckDuckGoURL = "https://api.duckduckgo.com"

// DuckDuckGo queries the DuckDuckGo Instant Answer API. Responses are
// abstract-plus-related-topics rather than a full web index, which keeps it
// key-free and fast enough for the lightning tier.
type DuckDuckGo struct {
	client
	baseURL string
}

func NewDuckDuckGo(o Options) *DuckDuckGo {
	return &DuckDuckGo{
		client:  newClient(o),
		baseURL: defaultDuckDuckGoURL,
	}
}

func (d *DuckDuckGo) Descriptor() engine.Descriptor {
	return engine.Descriptor{
		Code:        "ddg",
		Name:        "DuckDuckGo",
		Tier:        engine.TierLightning,
		Tags:        []string{"web", "general"},
		Reliability: 0.9,
		Reentrant:   true,
	}
}

type ddgTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Topics   []ddgTopic `json:"Topics"`
}

type ddgResponse struct {
	Heading       string     `json:"Heading"`
	AbstractText  string     `json:"AbstractText"`
	AbstractURL   string     `json:"AbstractURL"`
	Results       []ddgTopic `json:"Results"`
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
}

func (d *DuckDuckGo) Search(ctx context.Context, query string, maxResults int) ([]engine.Result, error) {
	requestURL := fmt.Sprintf("%s/?q=%s&format=json&no_html=1&no_redirect=1",
		d.baseURL, url.QueryEscape(query))

	var resp ddgResponse
	if err := d.getJSON(ctx, requestURL, &resp); err != nil {
		return nil, err
	}

	var results []engine.Result
	if resp.AbstractURL != "" {
		results = append(results, engine.Result{
			Title:   resp.Heading,
			URL:     resp.AbstractURL,
			Snippet: resp.AbstractText,
		})
	}
	results = appendTopics(results, resp.Results)
	results = appendTopics(results, resp.RelatedTopics)

	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

// appendTopics flattens topic lists; category groups nest one level deep.
func appendTopics(results []engine.Result, topics []ddgTopic) []engine.Result {
	for _, t := range topics {
		if len(t.Topics) > 0 {
			results = appendTopics(results, t.Topics)
			continue
		}
		if t.FirstURL == "" {
			continue
		}
		results = append(results, engine.Result{
			Title: t.Text,
			URL:   t.FirstURL,
		})
	}
	return results
}
