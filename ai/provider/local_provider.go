package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/teranos/scry/am"
	"github.com/teranos/scry/errors"
)

// LocalProvider speaks to a local inference server over the
// OpenAI-compatible chat endpoint. Ollama and LocalAI both answer it.
type LocalProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
	config     *am.LocalInferenceConfig
}

// NewLocalProvider builds a provider from the local-inference section of
// the config.
func NewLocalProvider(cfg *am.LocalInferenceConfig) *LocalProvider {
	return &LocalProvider{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		config: cfg,
	}
}

// ChatCompletionRequest is the OpenAI-shaped request body. The Options
// block is Ollama's extension and is ignored by servers that do not know
// it.
type ChatCompletionRequest struct {
	Model    string          `json:"model"`
	Messages []ChatMessage   `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *CompletionOpts `json:"options,omitempty"`
}

// ChatMessage is one turn of the conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionOpts carries Ollama sampling knobs. num_predict is Ollama's
// name for max tokens; num_ctx sizes the context window, zero meaning the
// model default.
type CompletionOpts struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"num_predict,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

// ChatCompletionResponse is the OpenAI-shaped response body. Usage is a
// pointer because local servers often omit it entirely.
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

// GenerateText runs one completion against the local server and returns
// the assistant's text.
func (lp *LocalProvider) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	numCtx := 0
	if lp.config.ContextSize != nil && *lp.config.ContextSize > 0 {
		numCtx = *lp.config.ContextSize
	}

	reqBody := ChatCompletionRequest{
		Model: lp.model,
		Messages: []ChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Stream: false,
		Options: &CompletionOpts{
			Temperature: 0.7,
			MaxTokens:   4096,
			NumCtx:      numCtx,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal request")
	}

	endpoint := lp.baseURL + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := lp.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", errors.Newf("local inference returned status %d: %s", resp.StatusCode, string(body))
	}

	var completion ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", errors.Wrap(err, "failed to decode response")
	}

	if len(completion.Choices) == 0 {
		return "", errors.New("no completion choices returned")
	}

	return completion.Choices[0].Message.Content, nil
}

// EstimateCost is always zero: local tokens are free. GPU time is not
// metered.
func (lp *LocalProvider) EstimateCost(promptTokens, completionTokens int) float64 {
	return 0.0
}

// GetModelName returns the configured local model.
func (lp *LocalProvider) GetModelName() string {
	return lp.model
}
