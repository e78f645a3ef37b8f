// Package openrouter is the hosted-LLM client used for snippet cleanup and
// other small text passes. Every call is retried, cost-tracked into the
// llm_usage table, and sent through the SSRF-safer HTTP client.
package openrouter

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/scry/ai/tracker"
	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/internal/httpclient"
)

// DefaultModel is used when no model is configured. Must stay in sync
// with the openrouter.model default in am.
const DefaultModel = "openai/gpt-4o-mini"

const baseURL = "https://openrouter.ai/api/v1"

// Client talks to OpenRouter's chat completions API.
type Client struct {
	apiKey       string
	baseURL      string
	httpClient   *httpclient.SaferClient
	config       Config
	usageTracker *tracker.UsageTracker
	logger       *zap.SugaredLogger
}

// Config holds client configuration. DB enables automatic usage tracking
// and should be set anywhere spend matters; the budget gates read what
// the tracker writes.
type Config struct {
	APIKey        string
	Model         string
	Temperature   *float64 // nil selects 0.2
	MaxTokens     *int     // nil selects 1000
	Debug         bool
	Logger        *zap.SugaredLogger // nil selects a nop logger
	DB            *sql.DB
	Verbosity     int
	OperationType string // tracking context, e.g. "snippet_cleanup"
	EntityType    string // e.g. "url"
	EntityID      string // e.g. the page URL
}

// NewClient builds a client with scry defaults filled in.
func NewClient(config Config) *Client {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Temperature == nil {
		defaultTemp := 0.2
		config.Temperature = &defaultTemp
	}
	if config.MaxTokens == nil {
		defaultTokens := 1000
		config.MaxTokens = &defaultTokens
	}

	var usageTracker *tracker.UsageTracker
	if config.DB != nil {
		usageTracker = tracker.NewUsageTracker(config.DB, config.Verbosity)
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	// Outbound calls go through the SSRF-safer client: private IPs,
	// localhost, and metadata endpoints stay unreachable even if the
	// base URL is ever misconfigured.
	blockPrivateIP := true
	saferClient := httpclient.NewSaferClientWithOptions(120*time.Second, httpclient.SaferClientOptions{
		BlockPrivateIP: &blockPrivateIP,
	})

	return &Client{
		apiKey:       config.APIKey,
		baseURL:      baseURL,
		httpClient:   saferClient,
		config:       config,
		usageTracker: usageTracker,
		logger:       logger,
	}
}

// NewClientWithAPIKey builds a client from just an API key.
func NewClientWithAPIKey(apiKey string) *Client {
	return NewClient(Config{APIKey: apiKey})
}

// WithEntity returns a copy of the client whose usage rows are attributed
// to the given entity. The copy shares the HTTP client, tracker, and
// logger, so it is cheap to create per call site.
func (c *Client) WithEntity(entityType, entityID string) *Client {
	clone := *c
	clone.config.EntityType = entityType
	clone.config.EntityID = entityID
	return &clone
}

// ChatCompletionRequest is the wire request for /chat/completions.
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatRequest is the high-level request surface. Nil overrides fall back
// to the client's configured defaults.
type ChatRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  *float64
	MaxTokens    *int
	Model        *string
}

// ChatResponse is the high-level response: trimmed content plus usage.
type ChatResponse struct {
	Content string
	Usage   Usage
}

// Message is one turn in a chat completion.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse is the wire response from /chat/completions.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage is the token accounting OpenRouter returns per call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CreateChatCompletion performs one raw API call, no retries, no tracking.
// Most callers want Chat.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	// X-Title groups calls on the OpenRouter dashboard by operation.
	title := "scry"
	if c.config.OperationType != "" {
		title = "scry/" + c.config.OperationType
	}
	httpReq.Header.Set("X-Title", title)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("API request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}

	return &chatResp, nil
}

// Chat runs a completion with retry, default-filling, and usage tracking.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c.config.APIKey == "" {
		return nil, errors.New("OpenRouter API key not configured")
	}

	model, temperature, maxTokens := c.resolveParams(req)

	c.logger.Debugw("AI Chat Request",
		"model", model,
		"temperature", temperature,
		"max_tokens", maxTokens,
		"system_prompt", req.SystemPrompt,
		"user_prompt", req.UserPrompt,
	)

	var messages []Message
	if req.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, Message{Role: "user", Content: req.UserPrompt})

	wireReq := ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	requestTime := time.Now()

	// Linear backoff: 0s, 1s, 2s.
	const maxRetries = 3
	var resp *ChatCompletionResponse
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * time.Second
			c.logger.Debugw("Retrying OpenRouter request",
				"attempt", attempt, "max_retries", maxRetries-1, "delay", delay)
			time.Sleep(delay)
		}

		resp, err = c.CreateChatCompletion(ctx, wireReq)
		if err == nil {
			if attempt > 0 {
				c.logger.Infow("Request succeeded after retries", "attempts", attempt+1, "model", model)
			}
			break
		}

		c.logger.Warnw("OpenRouter API error",
			"attempt", attempt+1, "max_retries", maxRetries,
			"error", err, "model", model,
			"url", c.baseURL+"/chat/completions")

		if isRetryableError(err) {
			continue
		}

		c.recordUsage(requestTime, model, temperature, maxTokens, nil, err)
		return nil, errors.Wrap(err, "OpenRouter API error")
	}

	if err != nil {
		c.recordUsage(requestTime, model, temperature, maxTokens, nil, err)
		return nil, errors.Wrapf(err, "OpenRouter API error after %d retries", maxRetries)
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("no response choices from OpenRouter")
	}

	responseText := resp.Choices[0].Message.Content

	c.logger.Debugw("OpenRouter response",
		"content_length", len(responseText),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"total_tokens", resp.Usage.TotalTokens,
	)

	c.recordUsage(requestTime, model, temperature, maxTokens, &resp.Usage, nil)

	return &ChatResponse{
		Content: strings.TrimSpace(responseText),
		Usage:   resp.Usage,
	}, nil
}

// resolveParams applies per-request overrides on top of the configured
// defaults.
func (c *Client) resolveParams(req ChatRequest) (model string, temperature float64, maxTokens int) {
	model = c.config.Model
	if req.Model != nil {
		model = *req.Model
	}
	temperature = *c.config.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens = *c.config.MaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	return model, temperature, maxTokens
}

// retryableFragments match network failures that arrive as plain strings
// from the HTTP stack.
var retryableFragments = []string{
	"connection reset by peer",
	"connection refused",
	"timeout",
	"temporary failure",
	"network is unreachable",
	"i/o timeout",
}

// isRetryableError reports whether the call failed in a way a retry can
// fix: timeouts and connection-level faults, never API rejections.
func isRetryableError(err error) bool {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}

	if opErr, ok := err.(*net.OpError); ok {
		if errno, ok := opErr.Err.(syscall.Errno); ok {
			switch errno {
			case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT:
				return true
			}
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(errStr, fragment) {
			return true
		}
	}
	return false
}

// recordUsage writes one llm_usage row for the call. A nil usage with a
// non-nil callErr records a failure; tracking failures are logged but
// never surface to the caller.
func (c *Client) recordUsage(requestTime time.Time, model string, temperature float64, maxTokens int, usage *Usage, callErr error) {
	if c.usageTracker == nil {
		return
	}

	responseTime := time.Now()
	row := &tracker.ModelUsage{
		OperationType:     c.config.OperationType,
		EntityType:        c.config.EntityType,
		EntityID:          c.config.EntityID,
		ModelName:         model,
		ModelProvider:     "openrouter",
		ModelConfig:       tracker.NewModelConfig(&temperature, &maxTokens),
		RequestTimestamp:  requestTime,
		ResponseTimestamp: &responseTime,
		Success:           callErr == nil,
	}

	if callErr != nil {
		errMsg := callErr.Error()
		row.ErrorMessage = &errMsg
	}
	if usage != nil {
		tokensUsed := usage.TotalTokens
		cost := CalculateCost(model, usage.PromptTokens, usage.CompletionTokens)
		row.TokensUsed = &tokensUsed
		row.Cost = &cost
	}

	if err := c.usageTracker.TrackUsage(row); err != nil {
		// The budget gates read this table; a gap matters enough to log.
		c.logger.Warnw("Failed to track usage", "error", err, "model", model, "success", callErr == nil)
	}
}

// IsConfigured reports whether an API key is present.
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

// SetHTTPClient swaps the transport. Test hook only; production stays on
// the SSRF-safer client.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = httpclient.WrapClient(client)
}
