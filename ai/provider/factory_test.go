package provider

import (
	"testing"

	"github.com/teranos/scry/am"
)

func TestParseProvider(t *testing.T) {
	tests := []struct {
		input    string
		expected Provider
		wantErr  bool
	}{
		{"local", ProviderLocal, false},
		{"ollama", ProviderLocal, false},
		{"localai", ProviderLocal, false},
		{"openrouter", ProviderOpenRouter, false},
		{"or", ProviderOpenRouter, false},
		{"auto", ProviderAuto, false},
		{"", ProviderAuto, false},
		{"anthropic", "", true},
		{"gibberish", "", true},
	}

	for _, tt := range tests {
		t.Run("input: "+tt.input, func(t *testing.T) {
			got, err := ParseProvider(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseProvider(%q) expected error, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseProvider(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("ParseProvider(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNewAIClientWithProvider(t *testing.T) {
	cfg := &am.Config{
		LocalInference: am.LocalInferenceConfig{
			Enabled: true,
			BaseURL: "http://localhost:11434",
			Model:   "mistral",
		},
		OpenRouter: am.OpenRouterConfig{
			APIKey: "test-key",
		},
	}

	tests := []struct {
		name      string
		provider  Provider
		wantLocal bool
	}{
		{"explicit local", ProviderLocal, true},
		{"explicit openrouter", ProviderOpenRouter, false},
		{"auto prefers local when enabled", ProviderAuto, true},
		{"unknown falls back to auto", Provider("bogus"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewAIClientWithProvider(cfg, tt.provider, ClientConfig{})
			_, isLocal := client.(*LocalClientAdapter)
			if isLocal != tt.wantLocal {
				t.Errorf("provider %v: got local=%v, want local=%v", tt.provider, isLocal, tt.wantLocal)
			}
		})
	}
}

func TestAutoSelectFallsBackToOpenRouter(t *testing.T) {
	cfg := &am.Config{
		LocalInference: am.LocalInferenceConfig{Enabled: false},
		OpenRouter:     am.OpenRouterConfig{APIKey: "test-key"},
	}

	client := NewAIClientWithProvider(cfg, ProviderAuto, ClientConfig{})
	if _, isLocal := client.(*LocalClientAdapter); isLocal {
		t.Error("expected OpenRouter client when local inference is disabled")
	}
}

func TestGetAvailableProviders(t *testing.T) {
	tests := []struct {
		name     string
		config   *am.Config
		expected []Provider
	}{
		{
			name: "both configured",
			config: &am.Config{
				LocalInference: am.LocalInferenceConfig{Enabled: true, BaseURL: "http://localhost:11434"},
				OpenRouter:     am.OpenRouterConfig{APIKey: "key"},
			},
			expected: []Provider{ProviderLocal, ProviderOpenRouter},
		},
		{
			name: "only openrouter",
			config: &am.Config{
				OpenRouter: am.OpenRouterConfig{APIKey: "key"},
			},
			expected: []Provider{ProviderOpenRouter},
		},
		{
			name:     "nothing configured",
			config:   &am.Config{},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetAvailableProviders(tt.config)
			if len(got) != len(tt.expected) {
				t.Fatalf("GetAvailableProviders() = %v, want %v", got, tt.expected)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("provider %d = %v, want %v", i, got[i], tt.expected[i])
				}
			}
		})
	}
}
