package commands

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/scry/cascade"
	"github.com/teranos/scry/display"
	"github.com/teranos/scry/merge"
	"github.com/teranos/scry/sym"
)

var (
	dispatchEngines string
	dispatchTier    string
	dispatchTag     string
	dispatchLimit   int
)

// DispatchCmd represents the dispatch command
var DispatchCmd = &cobra.Command{
	Use:   "dispatch <query>",
	Short: sym.Dispatch + " Query engines in parallel and merge results",
	Long: sym.Dispatch + ` dispatch — Query engines in parallel and merge results

Fan the query out across registered engines, tier by tier, and merge
whatever comes back into one ranked list. A slow or broken engine
times out on its own clock; the rest of the batch is unaffected.

Examples:
  scry dispatch "Meridian Holdings BV"              # All enabled engines
  scry dispatch "Jan de Vries" -e ddg,wikipedia     # Only these engines
  scry dispatch "Acme Corp" --tier fast             # One latency tier
  scry dispatch "Acme Corp" --tag social            # Engines with a tag
  scry dispatch "Acme Corp" --limit 5 --json        # Machine output`,
	Args: cobra.ExactArgs(1),
	RunE: runDispatch,
}

func init() {
	DispatchCmd.Flags().StringVarP(&dispatchEngines, "engines", "e", "", "Comma-separated engine codes (default: all enabled)")
	DispatchCmd.Flags().StringVar(&dispatchTier, "tier", "", "Dispatch to one tier (lightning, fast, standard, slow, very_slow)")
	DispatchCmd.Flags().StringVar(&dispatchTag, "tag", "", "Dispatch to engines carrying a tag")
	DispatchCmd.Flags().IntVarP(&dispatchLimit, "limit", "l", 20, "Maximum number of merged results to display")
}

// dispatchReport is the JSON shape for one dispatch run.
type dispatchReport struct {
	Query    string         `json:"query"`
	RunID    string         `json:"run_id"`
	Engines  map[string]int `json:"engines"` // terminal status counts
	Duration string         `json:"duration"`
	Results  []merge.Merged `json:"results"`
}

func runDispatch(cmd *cobra.Command, args []string) error {
	query := args[0]
	useJSON := display.ShouldOutputJSON(cmd)

	svc, database, err := buildService(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	query, codes, err := svc.SelectEngines(query, splitCodes(dispatchEngines), dispatchTier, dispatchTag)
	if err != nil {
		return err
	}
	total := len(codes)

	// Progress feedback while engines run; JSON mode stays silent so the
	// output is parseable.
	var spinner *pterm.SpinnerPrinter
	var progress cascade.Progress
	if !useJSON {
		spinner, _ = pterm.DefaultSpinner.Start(
			fmt.Sprintf("Dispatching across %d engine(s)...", total))
		var done atomic.Int64
		progress = func(runID, engineCode string, status cascade.ExecutionStatus) {
			if !status.Terminal() {
				return
			}
			n := done.Add(1)
			if spinner != nil {
				spinner.UpdateText(fmt.Sprintf("Engines finished: %d/%d (last: %s %s)",
					n, total, engineCode, status))
			}
		}
	}

	run, err := svc.Dispatch(cmd.Context(), query, codes, progress)
	if spinner != nil {
		spinner.Stop()
	}
	if err != nil {
		return err
	}

	merged := svc.Merge(run)
	if dispatchLimit > 0 && len(merged) > dispatchLimit {
		merged = merged[:dispatchLimit]
	}

	if useJSON {
		counts := make(map[string]int)
		for status, n := range run.Counts() {
			counts[string(status)] = n
		}
		return display.OutputJSON(dispatchReport{
			Query:    query,
			RunID:    run.ID,
			Engines:  counts,
			Duration: run.Duration.Round(time.Millisecond).String(),
			Results:  merged,
		})
	}

	displayRunSummary(run)
	displayMerged(merged)
	return nil
}

// displayRunSummary prints the per-engine outcome line for a run.
func displayRunSummary(run *cascade.Run) {
	counts := run.Counts()
	fmt.Printf("%s Run %s finished in %s: %d completed, %d failed, %d timeout\n\n",
		sym.Dispatch,
		run.ID,
		run.Duration.Round(time.Millisecond),
		counts[cascade.StatusCompleted],
		counts[cascade.StatusFailed],
		counts[cascade.StatusTimeout],
	)
}

// displayMerged prints merged results as a readable list.
func displayMerged(merged []merge.Merged) {
	if len(merged) == 0 {
		fmt.Println("No results")
		return
	}

	for i, m := range merged {
		fmt.Printf("%2d. %s\n", i+1, m.Title)
		fmt.Printf("    %s\n", m.URL)
		if m.Snippet != "" {
			fmt.Printf("    %s\n", truncate(m.Snippet, 120))
		}
		fmt.Printf("    engines: %v  score: %.2f\n\n", m.Engines, m.Score)
	}
	fmt.Printf("Total: %d result(s)\n", len(merged))
}
