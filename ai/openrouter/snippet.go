package openrouter

import (
	"context"
	"fmt"
	"strings"

	"github.com/teranos/scry/errors"
)

const (
	// cleanupSystemPrompt keeps the model on a short leash: snippets feed
	// investigation summaries, so invented detail is worse than raw noise.
	cleanupSystemPrompt = `You tidy raw text extracted from web pages. Remove navigation fragments, cookie banners, boilerplate, and broken markup. Fix spacing and truncation. Do NOT add, summarize, or rephrase content beyond what the extract contains. Reply with the cleaned text only.`

	// cleanupMaxTokens caps cleanup responses. Snippets are a few hundred
	// runes, so anything longer is the model going off-script.
	cleanupMaxTokens = 300

	// cleanupTemperature keeps output close to the source text.
	cleanupTemperature = 0.1
)

// SnippetCleanupRequest builds the chat request for cleaning one page
// extract. It is shared between the OpenRouter client and the provider
// factory path so every backend sees the same prompt.
func SnippetCleanupRequest(pageURL, raw string) (ChatRequest, error) {
	if strings.TrimSpace(raw) == "" {
		return ChatRequest{}, errors.New("empty snippet")
	}
	temp := cleanupTemperature
	maxTokens := cleanupMaxTokens
	return ChatRequest{
		SystemPrompt: cleanupSystemPrompt,
		UserPrompt:   fmt.Sprintf("Source: %s\n\n%s", pageURL, raw),
		Temperature:  &temp,
		MaxTokens:    &maxTokens,
	}, nil
}

// CleanSnippet rewrites a raw page extract into a readable snippet. It
// implements content.SnippetCleaner; callers treat an error or empty output
// as a signal to keep the raw snippet, so this never needs to succeed.
func (c *Client) CleanSnippet(ctx context.Context, pageURL, raw string) (string, error) {
	req, err := SnippetCleanupRequest(pageURL, raw)
	if err != nil {
		return "", err
	}
	resp, err := c.WithEntity("url", pageURL).Chat(ctx, req)
	if err != nil {
		return "", errors.Wrap(err, "snippet cleanup")
	}

	return resp.Content, nil
}
