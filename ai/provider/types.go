package provider

import "fmt"

// Provider represents an LLM provider type
type Provider string

const (
	// ProviderLocal uses local inference (Ollama, LocalAI)
	ProviderLocal Provider = "local"
	// ProviderOpenRouter uses OpenRouter.ai API
	ProviderOpenRouter Provider = "openrouter"
	// ProviderAuto automatically selects based on configuration
	ProviderAuto Provider = "auto"
)

// ParseProvider converts a string to a Provider type
func ParseProvider(s string) (Provider, error) {
	switch s {
	case "local", "ollama", "localai":
		return ProviderLocal, nil
	case "openrouter", "or":
		return ProviderOpenRouter, nil
	case "auto", "":
		return ProviderAuto, nil
	default:
		return "", fmt.Errorf("unknown provider: %s (valid: local, openrouter, auto)", s)
	}
}
