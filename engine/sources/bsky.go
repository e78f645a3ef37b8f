package sources

import (
	"context"
	"fmt"
	"strings"

	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/xrpc"

	"github.com/teranos/scry/engine"
	"github.com/teranos/scry/errors"
)

const defaultBskyHost = "https://public.api.bsky.app"

// Bsky searches public Bluesky posts through the AppView XRPC API.
// No session is required; the public AppView serves search unauthenticated.
type Bsky struct {
	client
	xrpc *xrpc.Client
}

// NewBsky creates the Bluesky source. host overrides the public AppView
// when nonempty (bsky.host in config).
func NewBsky(o Options, host string) *Bsky {
	if host == "" {
		host = defaultBskyHost
	}
	c := newClient(o)
	return &Bsky{
		client: c,
		xrpc: &xrpc.Client{
			Host:   host,
			Client: c.http.Client,
		},
	}
}

func (b *Bsky) Descriptor() engine.Descriptor {
	return engine.Descriptor{
		Code:        "bsky",
		Name:        "Bluesky",
		Tier:        engine.TierStandard,
		Tags:        []string{"social"},
		Reliability: 0.7,
		Reentrant:   true,
	}
}

func (b *Bsky) Search(ctx context.Context, query string, maxResults int) ([]engine.Result, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit wait aborted")
	}

	out, err := appbsky.FeedSearchPosts(ctx, b.xrpc,
		"",                // author
		"",                // cursor
		"",                // domain
		"",                // lang
		int64(maxResults), // limit
		"",                // mentions
		query,             // q
		"",                // since
		"",                // sort (server default)
		nil,               // tag
		"",                // until
		"",                // url
	)
	if err != nil {
		return nil, errors.Wrap(err, "post search failed")
	}

	results := make([]engine.Result, 0, len(out.Posts))
	for _, post := range out.Posts {
		if post == nil || post.Author == nil {
			continue
		}

		title := fmt.Sprintf("@%s", post.Author.Handle)
		if post.Author.DisplayName != nil && *post.Author.DisplayName != "" {
			title = fmt.Sprintf("%s (@%s)", *post.Author.DisplayName, post.Author.Handle)
		}

		var text string
		if post.Record != nil {
			if rec, ok := post.Record.Val.(*appbsky.FeedPost); ok {
				text = rec.Text
			}
		}

		results = append(results, engine.Result{
			Title:   title,
			URL:     postWebURL(post.Author.Handle, post.Uri),
			Snippet: text,
		})
	}
	return results, nil
}

// postWebURL converts an at:// record URI to a public bsky.app link:
// at://did:plc:xyz/app.bsky.feed.post/3kabc -> .../profile/handle/post/3kabc
func postWebURL(handle, atURI string) string {
	parts := strings.Split(atURI, "/")
	rkey := parts[len(parts)-1]
	return fmt.Sprintf("https://bsky.app/profile/%s/post/%s", handle, rkey)
}
