package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/teranos/scry/engine"
)

const defaultCrtShURL = "https://crt.sh"

// CrtSh queries the crt.sh certificate transparency index. Useful for
// mapping an organization's domains and subdomains from issued
// certificates. The backing database is frequently overloaded, hence the
// slow tier.
type CrtSh struct {
	client
	baseURL string
}

func NewCrtSh(o Options) *CrtSh {
	return &CrtSh{
		client:  newClient(o),
		baseURL: defaultCrtShURL,
	}
}

func (c *CrtSh) Descriptor() engine.Descriptor {
	return engine.Descriptor{
		Code:        "crtsh",
		Name:        "crt.sh Certificate Search",
		Tier:        engine.TierSlow,
		Tags:        []string{"technical", "infrastructure"},
		Reliability: 0.85,
		Reentrant:   true,
	}
}

type crtShEntry struct {
	ID         int64  `json:"id"`
	IssuerName string `json:"issuer_name"`
	CommonName string `json:"common_name"`
	NameValue  string `json:"name_value"`
	NotBefore  string `json:"not_before"`
	NotAfter   string `json:"not_after"`
}

func (c *CrtSh) Search(ctx context.Context, query string, maxResults int) ([]engine.Result, error) {
	requestURL := fmt.Sprintf("%s/?q=%s&output=json", c.baseURL, url.QueryEscape(query))

	var entries []crtShEntry
	if err := c.getJSON(ctx, requestURL, &entries); err != nil {
		return nil, err
	}

	// Renewals produce near-duplicate rows; keep the first per common name.
	seen := make(map[string]bool, len(entries))
	var results []engine.Result
	for _, e := range entries {
		name := e.CommonName
		if name == "" {
			name = firstName(e.NameValue)
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		// The full certificate entry rides along for downstream analysis.
		raw, _ := json.Marshal(e)
		results = append(results, engine.Result{
			Title:   name,
			URL:     fmt.Sprintf("%s/?id=%d", c.baseURL, e.ID),
			Snippet: certSummary(e),
			Raw:     raw,
		})
		if len(results) >= maxResults {
			break
		}
	}
	return results, nil
}

func firstName(nameValue string) string {
	for _, line := range strings.Split(nameValue, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func certSummary(e crtShEntry) string {
	names := strings.Join(strings.Fields(strings.ReplaceAll(e.NameValue, "\n", " ")), ", ")
	summary := fmt.Sprintf("Certificate for %s", names)
	if e.IssuerName != "" {
		summary += fmt.Sprintf(", issued by %s", e.IssuerName)
	}
	if e.NotBefore != "" && e.NotAfter != "" {
		summary += fmt.Sprintf(", valid %s to %s", e.NotBefore, e.NotAfter)
	}
	return summary
}
