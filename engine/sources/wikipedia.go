package sources

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/teranos/scry/engine"
)

const defaultWikipediaURL = "https://en.wikipedia.org"

// Wikipedia queries the MediaWiki fulltext search API.
type Wikipedia struct {
	client
	baseURL string
}

func NewWikipedia(o Options) *Wikipedia {
	return &Wikipedia{
		client:  newClient(o),
		baseURL: defaultWikipediaURL,
	}
}

func (w *Wikipedia) Descriptor() engine.Descriptor {
	return engine.Descriptor{
		Code:        "wikipedia",
		Name:        "Wikipedia",
		Tier:        engine.TierFast,
		Tags:        []string{"reference", "encyclopedia"},
		Reliability: 0.95,
		Reentrant:   true,
	}
}

type wikiResponse struct {
	Query struct {
		Search []struct {
			Title   string `json:"title"`
			Snippet string `json:"snippet"`
			PageID  int    `json:"pageid"`
		} `json:"search"`
	} `json:"query"`
}

// searchmatch markup and friends arrive embedded in snippets
var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

func (w *Wikipedia) Search(ctx context.Context, query string, maxResults int) ([]engine.Result, error) {
	requestURL := fmt.Sprintf("%s/w/api.php?action=query&list=search&format=json&srlimit=%d&srsearch=%s",
		w.baseURL, maxResults, url.QueryEscape(query))

	var resp wikiResponse
	if err := w.getJSON(ctx, requestURL, &resp); err != nil {
		return nil, err
	}

	results := make([]engine.Result, 0, len(resp.Query.Search))
	for _, hit := range resp.Query.Search {
		results = append(results, engine.Result{
			Title:   hit.Title,
			URL:     w.articleURL(hit.Title),
			Snippet: cleanSnippet(hit.Snippet),
		})
	}
	return results, nil
}

func (w *Wikipedia) articleURL(title string) string {
	return fmt.Sprintf("%s/wiki/%s", w.baseURL, url.PathEscape(strings.ReplaceAll(title, " ", "_")))
}

func cleanSnippet(s string) string {
	return strings.TrimSpace(html.UnescapeString(htmlTagPattern.ReplaceAllString(s, "")))
}
