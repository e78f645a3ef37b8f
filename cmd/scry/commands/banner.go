package commands

import (
	"fmt"

	"github.com/teranos/scry/logger"
	"github.com/teranos/scry/sym"
	"github.com/teranos/scry/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(verbosity int, dbPath string) {
	// ANSI escape codes
	cyan := "\033[36m"
	green := "\033[32m"
	yellow := "\033[33m"
	blue := "\033[34m"
	magenta := "\033[35m"
	bold := "\033[1m"
	reset := "\033[0m"

	versionInfo := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ╔═══════════════════════════════════════════════════╗\n")
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ║    ███████  ██████ ██████  ██    ██               ║\n")
	fmt.Printf("   ║    ██      ██      ██   ██  ██  ██                ║\n")
	fmt.Printf("   ║    ███████ ██      ██████    ████                 ║\n")
	fmt.Printf("   ║         ██ ██      ██   ██    ██                  ║\n")
	fmt.Printf("   ║    ███████  ██████ ██   ██    ██                  ║\n")
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ║   %s%s%s Dispatch  %s%s%s Resolve  %s%s%s Slot  %s%s%s Pulse         ║\n",
		blue, sym.Dispatch, reset+cyan+bold,
		yellow, sym.Resolve, reset+cyan+bold,
		green, sym.Slot, reset+cyan+bold,
		magenta, sym.Pulse, reset+cyan+bold)
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ╚═══════════════════════════════════════════════════╝%s\n\n", reset)

	fmt.Printf("%s%s┌─ scry Info ─────────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:   %s (commit %s)\n", green, reset, versionInfo.Version, versionInfo.Short())
	fmt.Printf("%s│%s Built:     %s\n", green, reset, versionInfo.BuildTime)
	fmt.Printf("%s│%s Verbosity: %s\n", green, reset, logger.LevelName(verbosity))
	if dbPath != "" {
		fmt.Printf("%s│%s Database:  %s\n", green, reset, dbPath)
	}
	fmt.Printf("%s└─────────────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s%s✨ Dispatch queries to stream live run updates%s\n", yellow, bold, reset)
	fmt.Printf("%s💡 Press Ctrl+C to stop%s\n\n", blue, reset)
}
