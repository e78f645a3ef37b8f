// Package sources holds the built-in engine adapters: general web search,
// reference lookups, certificate transparency, social search, and the exec
// adapter that animates catalog-declared engines.
//
// Every HTTP source runs behind its own rate limiter and the shared
// SSRF-guarded client, so a hostile result URL can never turn a search into
// an internal network probe.
package sources

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/internal/httpclient"
)

// Options configures the built-in sources. Zero values get defaults.
type Options struct {
	// Client is the HTTP client for all requests. Defaults to an
	// SSRF-guarded client with a 30 second timeout.
	Client *httpclient.SaferClient

	// RequestsPerMinute caps the request rate per engine. Defaults to 30.
	RequestsPerMinute int

	// Logger defaults to a nop logger.
	Logger *zap.SugaredLogger
}

func (o Options) withDefaults() Options {
	if o.Client == nil {
		o.Client = httpclient.NewSaferClient(30 * time.Second)
	}
	if o.RequestsPerMinute <= 0 {
		o.RequestsPerMinute = 30
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}

// client is the shared plumbing embedded in each HTTP source: the guarded
// HTTP client plus a per-engine rate limiter.
type client struct {
	http    *httpclient.SaferClient
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

func newClient(o Options) client {
	o = o.withDefaults()
	return client{
		http:    o.Client,
		limiter: rate.NewLimiter(rate.Limit(float64(o.RequestsPerMinute)/60.0), 1),
		logger:  o.Logger,
	}
}

// getJSON rate-limits, fetches, and decodes a JSON endpoint. The limiter
// wait is context-bound so cancelled batches do not queue up requests.
func (c client) getJSON(ctx context.Context, requestURL string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limit wait aborted")
	}

	resp, err := c.http.GetContext(ctx, requestURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}
