// Package provider selects which LLM backend a caller talks to: a local
// inference server when one is configured, OpenRouter otherwise. Callers
// hold the AIClient interface and never learn which one they got.
package provider

import (
	"context"
	"database/sql"

	"github.com/teranos/scry/ai/openrouter"
	"github.com/teranos/scry/am"
)

// AIClient is the one method every backend must offer. The request and
// response types are openrouter's so a caller can switch backends without
// touching its call sites.
type AIClient interface {
	Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error)
}

// ClientConfig carries the tracking context a client attributes its usage
// rows to.
type ClientConfig struct {
	DB            *sql.DB
	Verbosity     int
	OperationType string
	EntityType    string
	EntityID      string
}

// NewAIClient picks a backend from configuration alone. Local inference
// wins when enabled; OpenRouter is the default.
func NewAIClient(cfg *am.Config, db *sql.DB, verbosity int, operationType, entityType, entityID string) AIClient {
	return NewAIClientWithProvider(cfg, ProviderAuto, ClientConfig{
		DB:            db,
		Verbosity:     verbosity,
		OperationType: operationType,
		EntityType:    entityType,
		EntityID:      entityID,
	})
}

// NewAIClientWithProvider builds a client for a named backend.
// ProviderAuto, and anything unrecognized, defers to configuration.
func NewAIClientWithProvider(cfg *am.Config, provider Provider, clientCfg ClientConfig) AIClient {
	switch provider {
	case ProviderLocal:
		return newLocalClient(cfg, clientCfg)
	case ProviderOpenRouter:
		return newOpenRouterClient(cfg, clientCfg)
	default:
		if cfg.LocalInference.Enabled {
			return newLocalClient(cfg, clientCfg)
		}
		return newOpenRouterClient(cfg, clientCfg)
	}
}

func newLocalClient(cfg *am.Config, clientCfg ClientConfig) AIClient {
	return &LocalClientAdapter{
		provider: NewLocalProvider(&cfg.LocalInference),
		config:   clientCfg,
	}
}

func newOpenRouterClient(cfg *am.Config, clientCfg ClientConfig) AIClient {
	return openrouter.NewClient(openrouter.Config{
		APIKey:        cfg.OpenRouter.APIKey,
		Model:         cfg.OpenRouter.Model,
		Temperature:   cfg.OpenRouter.Temperature,
		MaxTokens:     cfg.OpenRouter.MaxTokens,
		DB:            clientCfg.DB,
		Verbosity:     clientCfg.Verbosity,
		OperationType: clientCfg.OperationType,
		EntityType:    clientCfg.EntityType,
		EntityID:      clientCfg.EntityID,
	})
}

// GetAvailableProviders lists the backends the current configuration can
// actually reach. Local needs the enable flag; OpenRouter needs a key.
func GetAvailableProviders(cfg *am.Config) []Provider {
	var providers []Provider
	if cfg.LocalInference.Enabled {
		providers = append(providers, ProviderLocal)
	}
	if cfg.OpenRouter.APIKey != "" {
		providers = append(providers, ProviderOpenRouter)
	}
	return providers
}

// LocalClientAdapter presents a LocalProvider through the AIClient
// interface.
type LocalClientAdapter struct {
	provider *LocalProvider
	config   ClientConfig
}

// Chat forwards to the local server. Per-request model overrides are not
// honored here; the local model is fixed in LocalInferenceConfig. Zero
// usage is reported on purpose: local tokens cost nothing and must not
// eat budget.
func (lca *LocalClientAdapter) Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error) {
	content, err := lca.provider.GenerateText(ctx, req.SystemPrompt, req.UserPrompt)
	if err != nil {
		return nil, err
	}
	return &openrouter.ChatResponse{
		Content: content,
		Usage:   openrouter.Usage{},
	}, nil
}

var _ AIClient = (*openrouter.Client)(nil)
var _ AIClient = (*LocalClientAdapter)(nil)
