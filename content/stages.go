package content

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/internal/httpclient"
)

const userAgent = "Mozilla/5.0 (compatible; scry/1.0)"

// readText drains a response body through the shared size cap and converts
// HTML payloads to plain text. Empty output counts as a stage failure so
// the chain keeps falling through.
func readText(resp *http.Response) (string, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", errors.Wrap(err, "failed to read response body")
	}
	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		text = HTMLToText(text)
	} else {
		text = strings.TrimSpace(text)
	}
	if text == "" {
		return "", errors.New("empty content")
	}
	return text, nil
}

// rendererStage fronts a self-hosted rendering service with a reader-style
// API: GET {base}/{url} returns the extracted page text. It is the only
// stage on a plain HTTP client, since the service usually lives on an
// address the guarded client refuses.
type rendererStage struct {
	base   string
	client *http.Client
}

func (s *rendererStage) Name() string { return StageRenderer }

func (s *rendererStage) Fetch(ctx context.Context, pageURL string) (*Fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/"+pageURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build renderer request")
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("renderer status %d", resp.StatusCode)
	}
	text, err := readText(resp)
	if err != nil {
		return nil, err
	}
	return &Fetched{Content: text}, nil
}

// waybackStage asks the snapshot index for the closest capture of a URL
// and fetches it. The availability lookup and the snapshot fetch are two
// round trips; either failing fails the stage.
type waybackStage struct {
	base    string
	fetcher *httpclient.SaferClient
}

func (s *waybackStage) Name() string { return StageWayback }

type waybackAvailability struct {
	ArchivedSnapshots struct {
		Closest struct {
			Available bool   `json:"available"`
			URL       string `json:"url"`
			Timestamp string `json:"timestamp"`
		} `json:"closest"`
	} `json:"archived_snapshots"`
}

func (s *waybackStage) Fetch(ctx context.Context, pageURL string) (*Fetched, error) {
	lookupURL := fmt.Sprintf("%s/wayback/available?url=%s", s.base, url.QueryEscape(pageURL))
	resp, err := s.fetcher.GetContext(ctx, lookupURL)
	if err != nil {
		return nil, errors.Wrap(err, "availability lookup failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("availability lookup status %d", resp.StatusCode)
	}
	var avail waybackAvailability
	if err := json.NewDecoder(resp.Body).Decode(&avail); err != nil {
		return nil, errors.Wrap(err, "failed to decode availability response")
	}

	closest := avail.ArchivedSnapshots.Closest
	if !closest.Available || closest.URL == "" {
		return nil, errors.New("no snapshot available")
	}

	snap, err := s.fetcher.GetContext(ctx, closest.URL)
	if err != nil {
		return nil, errors.Wrap(err, "snapshot fetch failed")
	}
	defer snap.Body.Close()

	if snap.StatusCode != http.StatusOK {
		return nil, errors.Newf("snapshot status %d", snap.StatusCode)
	}
	text, err := readText(snap)
	if err != nil {
		return nil, err
	}

	// Capture times come back as a compact UTC stamp. An unparseable one
	// leaves Captured zero rather than failing a usable snapshot.
	captured, _ := time.Parse("20060102150405", closest.Timestamp)
	return &Fetched{Content: text, Captured: captured}, nil
}

// archiveTodayStage fetches the newest capture from a public web archive
// that serves GET {base}/newest/{url}.
type archiveTodayStage struct {
	base    string
	fetcher *httpclient.SaferClient
}

func (s *archiveTodayStage) Name() string { return StageArchiveToday }

func (s *archiveTodayStage) Fetch(ctx context.Context, pageURL string) (*Fetched, error) {
	resp, err := s.fetcher.GetContext(ctx, s.base+"/newest/"+pageURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("archive status %d", resp.StatusCode)
	}
	text, err := readText(resp)
	if err != nil {
		return nil, err
	}
	return &Fetched{Content: text}, nil
}

// hostedRendererStage is the paid-tier fallback of the archival chain: a
// hosted reader service with the same GET {base}/{url} contract as the
// self-hosted renderer, but reached through the guarded client.
type hostedRendererStage struct {
	base    string
	token   string
	fetcher *httpclient.SaferClient
}

func (s *hostedRendererStage) Name() string { return StageHostedRenderer }

func (s *hostedRendererStage) Fetch(ctx context.Context, pageURL string) (*Fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/"+pageURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build renderer request")
	}
	req.Header.Set("Accept", "text/plain")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.fetcher.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("hosted renderer status %d", resp.StatusCode)
	}
	text, err := readText(resp)
	if err != nil {
		return nil, err
	}
	return &Fetched{Content: text}, nil
}

// directStage fetches the URL itself and strips the markup. Last in the
// chain: no rendering, no archive, just whatever the origin serves.
type directStage struct {
	fetcher *httpclient.SaferClient
}

func (s *directStage) Name() string { return StageDirect }

func (s *directStage) Fetch(ctx context.Context, pageURL string) (*Fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")

	resp, err := s.fetcher.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("origin status %d", resp.StatusCode)
	}
	text, err := readText(resp)
	if err != nil {
		return nil, err
	}
	return &Fetched{Content: text}, nil
}
