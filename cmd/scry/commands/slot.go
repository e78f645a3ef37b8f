package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/scry/display"
	"github.com/teranos/scry/slot"
	"github.com/teranos/scry/sym"
)

// SlotCmd represents the slot command
var SlotCmd = &cobra.Command{
	Use:   "slot",
	Short: sym.Slot + " Iterate queries until a slot has enough results",
	Long: sym.Slot + ` slot — Iterate queries until a slot has enough results

A slot is one cell of an investigation: "sanctions exposure for Acme",
"news coverage of Jan de Vries". The loop reformulates the query,
walks the engine chain, and stops when results are sufficient or the
attempt budget runs out. Every attempt lands in the session trail.

Examples:
  scry slot run sanctions "Meridian Holdings BV"           # Run a loop
  scry slot run news "Acme" -j NL -k fintech,Rotterdam     # With hints
  scry slot run sanctions "Acme" --async                   # Queue as job
  scry slot ls                                             # Recent sessions
  scry slot show sl_9QmT3k                                 # Full trail`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var (
	slotJurisdiction  string
	slotKeywords      string
	slotEngines       string
	slotMaxAttempts   int
	slotMinResults    int
	slotMinConfidence float64
	slotRequire       string
	slotVoidIsFinding bool
	slotAsync         bool
	slotLsLimit       int
)

// slotRunCmd drives one sufficiency loop, inline or queued.
var slotRunCmd = &cobra.Command{
	Use:   "run <slot-name> <subject>",
	Short: "Run a sufficiency loop for one slot",
	Long: `Run the sufficiency loop for a named slot against a subject.

Zero-valued thresholds fall back to the configured defaults
(slot.min_results, slot.min_confidence, slot.max_attempts).

With --async the loop is queued as a Pulse job instead of running
inline; use 'scry pulse start' or 'scry serve' to process it.`,
	Args: cobra.ExactArgs(2),
	RunE: runSlotRun,
}

// slotShowCmd prints a stored session trail.
var slotShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's methodology trail",
	Long: `Display one stored slot session: state, aggregates, and the full
attempt trail (what was asked, where, in what order, what came back).`,
	Args: cobra.ExactArgs(1),
	RunE: runSlotShow,
}

// slotLsCmd lists recent sessions.
var slotLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent slot sessions",
	RunE:  runSlotLs,
}

func init() {
	slotRunCmd.Flags().StringVarP(&slotJurisdiction, "jurisdiction", "j", "", "Jurisdiction hint (ISO code, country name, or location keyword)")
	slotRunCmd.Flags().StringVarP(&slotKeywords, "keywords", "k", "", "Comma-separated disambiguating keywords")
	slotRunCmd.Flags().StringVarP(&slotEngines, "engines", "e", "", "Comma-separated engine chain (default: all enabled)")
	slotRunCmd.Flags().IntVar(&slotMaxAttempts, "max-attempts", 0, "Attempt budget (0 = configured default)")
	slotRunCmd.Flags().IntVar(&slotMinResults, "min-results", 0, "Unique-result floor (0 = configured default)")
	slotRunCmd.Flags().Float64Var(&slotMinConfidence, "min-confidence", 0, "Confidence floor 0..1 (0 = configured default)")
	slotRunCmd.Flags().StringVar(&slotRequire, "require", "", "Comma-separated engine codes that must contribute results")
	slotRunCmd.Flags().BoolVar(&slotVoidIsFinding, "void-is-finding", false, "Treat confirmed absence as a completed finding")
	slotRunCmd.Flags().BoolVar(&slotAsync, "async", false, "Queue the loop as a Pulse job instead of running inline")

	slotLsCmd.Flags().IntVarP(&slotLsLimit, "limit", "l", 20, "Maximum number of sessions to display")

	SlotCmd.AddCommand(slotRunCmd)
	SlotCmd.AddCommand(slotShowCmd)
	SlotCmd.AddCommand(slotLsCmd)
}

func runSlotRun(cmd *cobra.Command, args []string) error {
	slotName, subjectName := args[0], args[1]
	useJSON := display.ShouldOutputJSON(cmd)

	svc, database, err := buildService(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	subject := slot.Subject{
		Name:         subjectName,
		Jurisdiction: slotJurisdiction,
		Keywords:     splitCodes(slotKeywords),
	}
	cfg := slot.SufficiencyConfig{
		MinResults:      slotMinResults,
		MinConfidence:   slotMinConfidence,
		MaxAttempts:     slotMaxAttempts,
		RequiredSources: splitCodes(slotRequire),
		VoidIsFinding:   slotVoidIsFinding,
	}
	chain := splitCodes(slotEngines)

	if slotAsync {
		job, err := svc.EnqueueSlot(slot.ResolvePayload{
			SlotName:    slotName,
			Subject:     subject,
			Config:      cfg,
			EngineChain: chain,
		})
		if err != nil {
			return err
		}
		if useJSON {
			return display.OutputJSON(job)
		}
		fmt.Printf("%s Queued slot %q for %q as job %s\n", sym.Slot, slotName, subjectName, job.ID)
		fmt.Println("Process it with 'scry pulse start' or 'scry serve'")
		return nil
	}

	loop, states, err := svc.RunSlot(cmd.Context(), slotName, subject, cfg, chain)
	if err != nil {
		return err
	}

	var last slot.IterationState
	for state := range states {
		last = state
		if useJSON {
			continue
		}
		a := state.Attempt
		line := fmt.Sprintf("attempt %d [%s] %q via %s -> %d results (confidence %.2f, %s)",
			a.Number, a.Strategy, a.Query, a.Engine, a.ResultCount, a.Confidence, a.Status)
		if a.Error != "" {
			pterm.Warning.Println(line + ": " + a.Error)
		} else {
			fmt.Println("  " + line)
		}
	}

	session := loop.Session()
	if useJSON {
		return display.OutputJSON(session)
	}

	fmt.Println()
	switch session.State {
	case slot.StateFilled:
		pterm.Success.Printf("Slot filled: %d results, best confidence %.2f (%s)\n",
			last.TotalResults, last.BestConfidence, last.Reason)
	case slot.StateVoid:
		pterm.Info.Printf("Slot void: confirmed absence after %d attempts (%s)\n",
			len(session.Attempts), last.Reason)
	default:
		pterm.Warning.Printf("Slot %s: %d results, best confidence %.2f (%s)\n",
			session.State, last.TotalResults, last.BestConfidence, last.Reason)
	}
	fmt.Printf("Session %s recorded; 'scry slot show %s' replays the trail\n",
		session.ID, session.ID)
	return nil
}

func runSlotShow(cmd *cobra.Command, args []string) error {
	sessionID := args[0]
	useJSON := display.ShouldOutputJSON(cmd)

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	rec, err := slot.NewStore(database).GetSession(cmd.Context(), sessionID)
	if err != nil {
		return err
	}

	if useJSON {
		return display.OutputJSON(rec)
	}
	fmt.Print(rec.Trail())
	return nil
}

func runSlotLs(cmd *cobra.Command, args []string) error {
	useJSON := display.ShouldOutputJSON(cmd)

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	sessions, err := slot.NewStore(database).ListSessions(cmd.Context(), slotLsLimit)
	if err != nil {
		return err
	}

	if useJSON {
		return display.OutputJSON(sessions)
	}

	if len(sessions) == 0 {
		fmt.Printf("%s No sessions found\n", sym.Slot)
		return nil
	}

	fmt.Printf("%-12s %-14s %-24s %-10s %-8s %-6s %s\n",
		"SESSION", "SLOT", "SUBJECT", "STATE", "RESULTS", "CONF", "STARTED")
	fmt.Printf("%-12s %-14s %-24s %-10s %-8s %-6s %s\n",
		"-------", "----", "-------", "-----", "-------", "----", "-------")
	for _, s := range sessions {
		fmt.Printf("%-12s %-14s %-24s %-10s %-8d %-6.2f %s\n",
			truncate(s.ID, 12),
			truncate(s.SlotName, 14),
			truncate(s.Subject, 24),
			s.State,
			s.TotalResults,
			s.BestConfidence,
			s.StartedAt.Format("2006-01-02 15:04"))
	}
	fmt.Printf("\nTotal: %d session(s)\n", len(sessions))
	return nil
}
