package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/teranos/scry/cmd/scry/commands"
	"github.com/teranos/scry/logger"
)

var rootCmd = &cobra.Command{
	Use:   "scry",
	Short: "scry - Multi-source query resolution for investigations",
	Long: `scry - Multi-source query resolution for OSINT investigations.

scry fans queries out across search engines and data sources, merges
what comes back, fetches page content through an archival fallback
chain, and iterates until an investigation slot has enough evidence.

Available commands:
  dispatch - Query engines in parallel and merge results
  resolve  - Fetch page content through the fallback chain
  slot     - Iterate queries until a slot has enough results
  engines  - Inspect and manage the source registry
  am       - Manage scry configuration ("I am")
  pulse    - Manage Pulse daemon (async job processor)
  db       - Manage scry database operations
  serve    - Start WebSocket investigation server
  mcp      - Serve scry tools over the Model Context Protocol

Examples:
  scry dispatch "Meridian Holdings BV"    # Fan out and merge
  scry resolve https://example.org/page   # Fetch through the chain
  scry slot run sanctions "Acme Corp"     # Loop until sufficient
  scry engines ls                         # Show registered engines
  scry serve                              # Start the server`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Config printing and the MCP stdio transport both need a clean
		// stdout, so those commands manage their own logging.
		if cmd.Name() == "show" || cmd.Name() == "mcp" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if err := logger.InitializeWithLevel(false, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	// Add global flags
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json", false, "Output results as JSON")

	// Add commands
	rootCmd.AddCommand(commands.DispatchCmd)
	rootCmd.AddCommand(commands.ResolveCmd)
	rootCmd.AddCommand(commands.SlotCmd)
	rootCmd.AddCommand(commands.EnginesCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.McpCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
