// Package llm detects when a coding agent, rather than a person, is
// driving the CLI. Output switches to machine-shaped JSON and pulse jobs
// get attributed to the agent that requested them.
package llm

import "os"

// LLMInfo identifies the agent driving the current process.
type LLMInfo struct {
	IsLLM    bool
	Tool     string
	ModelID  string
	Provider string
}

// signature maps an agent CLI to the environment it leaves behind.
// modelEnv names the variable the agent exposes its model through, when
// it has one.
type signature struct {
	markers  []string
	tool     string
	provider string
	modelEnv string
}

var signatures = []signature{
	{
		markers:  []string{"CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT"},
		tool:     "claude-code",
		provider: "anthropic",
		modelEnv: "CLAUDE_MODEL",
	},
	{
		markers:  []string{"CURSOR"},
		tool:     "cursor",
		provider: "cursor-ai",
		modelEnv: "CURSOR_MODEL",
	},
	{
		markers:  []string{"GITHUB_COPILOT"},
		tool:     "github-copilot",
		provider: "github",
	},
}

// IsLLMEnvironment reports whether an agent is driving this process.
// SCRY_CALLER=llm forces it for callers the signature table does not know.
func IsLLMEnvironment() bool {
	if os.Getenv("SCRY_CALLER") == "llm" {
		return true
	}
	_, ok := matchSignature()
	return ok
}

// GetLLMInfo identifies the detected agent. The explicit SCRY_CALLER
// override wins, with SCRY_LLM_MODEL and SCRY_LLM_PROVIDER filling in
// what the signature table cannot.
func GetLLMInfo() LLMInfo {
	if os.Getenv("SCRY_CALLER") == "llm" {
		return LLMInfo{
			IsLLM:    true,
			Tool:     "generic-llm",
			ModelID:  os.Getenv("SCRY_LLM_MODEL"),
			Provider: os.Getenv("SCRY_LLM_PROVIDER"),
		}
	}

	sig, ok := matchSignature()
	if !ok {
		return LLMInfo{}
	}

	info := LLMInfo{IsLLM: true, Tool: sig.tool, Provider: sig.provider}
	if sig.modelEnv != "" {
		info.ModelID = os.Getenv(sig.modelEnv)
	}
	return info
}

func matchSignature() (signature, bool) {
	for _, sig := range signatures {
		for _, marker := range sig.markers {
			if os.Getenv(marker) != "" {
				return sig, true
			}
		}
	}
	return signature{}, false
}

// FormatLLMSource renders the agent identity as tool+model@provider for
// job attribution. Unknown parts degrade to "unknown" rather than
// dropping the attribution.
func (info LLMInfo) FormatLLMSource() string {
	if !info.IsLLM {
		return ""
	}
	if info.Tool == "" {
		return "llm+unknown@unknown"
	}

	model := info.ModelID
	if model == "" {
		model = "unknown"
	}
	provider := info.Provider
	if provider == "" {
		provider = "unknown"
	}
	return info.Tool + "+" + model + "@" + provider
}

// ShouldDisableColor reports whether ANSI color would be wasted on the
// reader. Agents parse; they do not see color.
func ShouldDisableColor() bool {
	return IsLLMEnvironment()
}
