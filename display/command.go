package display

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/scry/ai/llm"
)

// ShouldOutputJSON resolves the output mode for a command: an explicit
// --json flag wins, then the root persistent flag, and with neither set an
// LLM-driven environment defaults to machine output.
func ShouldOutputJSON(cmd *cobra.Command) bool {
	// Result rendering sometimes runs without a command context.
	if cmd == nil {
		return llm.IsLLMEnvironment()
	}

	if cmd.Flags().Changed("json") {
		jsonFlag, _ := cmd.Flags().GetBool("json")
		return jsonFlag
	}

	if globalFlag, _ := cmd.Root().PersistentFlags().GetBool("json"); globalFlag {
		return true
	}

	return llm.IsLLMEnvironment()
}

// OutputJSON marshals v through MarshalJSON and prints it.
func OutputJSON(v interface{}) error {
	data, err := MarshalJSON(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
