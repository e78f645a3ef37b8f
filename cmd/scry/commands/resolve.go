package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/scry/display"
	"github.com/teranos/scry/sym"
)

var resolveShowContent bool

// ResolveCmd represents the resolve command
var ResolveCmd = &cobra.Command{
	Use:   "resolve <url>",
	Short: sym.Resolve + " Fetch page content through the fallback chain",
	Long: sym.Resolve + ` resolve — Fetch page content through the fallback chain

Fetch readable text for a URL by walking the resolution chain:
renderer, archive snapshots, hosted renderer, direct fetch. Every
stage attempt is recorded, so the output shows not just the content
but how it was obtained.

The capture is persisted either way; failed resolutions keep their
chain so the trail shows what was tried.

Examples:
  scry resolve https://example.org/about          # Snippet + chain
  scry resolve https://example.org/about --content # Full extracted text
  scry resolve https://example.org/about --json`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func init() {
	ResolveCmd.Flags().BoolVar(&resolveShowContent, "content", false, "Print the full extracted text, not just the snippet")
}

func runResolve(cmd *cobra.Command, args []string) error {
	pageURL := args[0]
	useJSON := display.ShouldOutputJSON(cmd)

	svc, database, err := buildService(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	var spinner *pterm.SpinnerPrinter
	if !useJSON {
		spinner, _ = pterm.DefaultSpinner.Start(fmt.Sprintf("Resolving %s...", pageURL))
	}

	res, err := svc.ResolveContent(cmd.Context(), pageURL)
	if spinner != nil {
		spinner.Stop()
	}
	if err != nil && res == nil {
		return err
	}

	if useJSON {
		return display.OutputJSON(res)
	}

	if res.Error != "" {
		pterm.Error.Printf("Resolution failed: %s\n", res.Error)
	} else {
		fmt.Printf("%s Resolved via %s in %s\n", sym.Resolve,
			res.SourceStage, res.Latency.Round(time.Millisecond))
	}

	fmt.Printf("\nChain:\n")
	for _, attempt := range res.Chain {
		mark := "✗"
		if attempt.Success {
			mark = "✓"
		}
		fmt.Printf("  %s %-16s %8s", mark, attempt.Stage, attempt.Latency.Round(time.Millisecond))
		if attempt.Bytes > 0 {
			fmt.Printf("  %d bytes", attempt.Bytes)
		}
		if attempt.Error != "" {
			fmt.Printf("  (%s)", attempt.Error)
		}
		fmt.Println()
	}

	if resolveShowContent && res.Content != "" {
		fmt.Printf("\n%s\n", res.Content)
	} else if res.Snippet != "" {
		fmt.Printf("\n%s\n", res.Snippet)
	}

	// err is non-nil here only when every stage failed; the chain above
	// already told that story, so surface it as the exit status.
	return err
}
