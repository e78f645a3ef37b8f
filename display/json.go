package display

import (
	"encoding/json"
	"flag"

	"github.com/teranos/scry/ai/llm"
)

// MarshalJSON renders v compactly when an LLM agent is driving the CLI and
// indented when a human is. Agent output carries a "json:" prefix so the
// driving tool treats it as opaque text instead of reflowing it.
func MarshalJSON(v interface{}) ([]byte, error) {
	// Golden-file tests need stable indented output regardless of env.
	if flag.Lookup("test.v") != nil {
		return json.MarshalIndent(v, "", "  ")
	}

	if llm.IsLLMEnvironment() {
		result, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return append([]byte("json:"), result...), nil
	}

	return json.MarshalIndent(v, "", "  ")
}
