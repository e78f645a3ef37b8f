package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/teranos/scry/am"
	"github.com/teranos/scry/display"
	"github.com/teranos/scry/internal/service"
	"github.com/teranos/scry/logger"
	"github.com/teranos/scry/sym"
)

// PulseCmd represents the pulse command - Pulse daemon for async job processing
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Manage Pulse daemon (async job processor)",
	Long: sym.Pulse + ` Pulse daemon - continuous resolution infrastructure.

The Pulse daemon provides:
- Async job queue processing with worker pool
- Budget tracking and enforcement (daily/weekly/monthly limits)
- Rate limiting on outbound engine and LLM calls
- GRACE shutdown (completes current jobs before exit)

Pulse is how long-running work happens without a terminal attached:
queued slot loops, batch content resolution, recurring refreshes.

Example:
  scry pulse start              # Start daemon in foreground
  scry pulse start --workers 3  # Start with 3 concurrent workers
  scry pulse status             # Queue depth and budget state`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the Pulse daemon
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse daemon",
	Long: `Start the Pulse daemon in foreground mode.

The daemon will:
- Recover jobs orphaned by a previous shutdown
- Start the worker pool for async job processing
- Enforce budget limits on operations
- Run until interrupted (Ctrl+C) with GRACE shutdown`,
	RunE: runPulseStart,
}

// PulseStatusCmd reports queue and budget state without starting workers
var PulseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth and budget state",
	RunE:  runPulseStatus,
}

func init() {
	PulseStartCmd.Flags().Int("workers", 0, "Number of concurrent workers (0 = configured default)")
	PulseCmd.AddCommand(PulseStartCmd)
	PulseCmd.AddCommand(PulseStatusCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	workers, _ := cmd.Flags().GetInt("workers")

	// Load configuration
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if workers > 0 {
		cfg.Pulse.Workers = workers
	}

	// Open and migrate database
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	verbosity, _ := cmd.Flags().GetCount("verbose")
	svc, err := service.New(ctx, service.Options{
		DB:        database,
		Config:    cfg,
		Verbosity: verbosity,
		Logger:    logger.Logger,
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s Starting Pulse daemon with %d worker(s)...\n", sym.Pulse, cfg.Pulse.Workers)
	svc.Daemon.Start()

	fmt.Printf("%s Pulse daemon started\n", sym.Pulse)
	fmt.Printf("  Workers: %d\n", cfg.Pulse.Workers)
	fmt.Printf("  Daily budget: $%.2f\n", cfg.Pulse.DailyBudgetUSD)
	fmt.Printf("  Monthly budget: $%.2f\n", cfg.Pulse.MonthlyBudgetUSD)
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Printf("\n%s Initiating GRACE shutdown...\n", sym.Pulse)

	svc.Daemon.Stop()
	cancel() // Clean up parent context

	fmt.Printf("%s Pulse daemon stopped\n", sym.Pulse)
	return nil
}

// pulseStatusReport is the JSON shape for `scry pulse status`.
type pulseStatusReport struct {
	Queue  interface{} `json:"queue"`
	Budget interface{} `json:"budget"`
}

func runPulseStatus(cmd *cobra.Command, args []string) error {
	useJSON := display.ShouldOutputJSON(cmd)

	svc, database, err := buildService(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := svc.Queue.GetStats()
	if err != nil {
		return fmt.Errorf("failed to get queue stats: %w", err)
	}
	status, err := svc.Budget.GetStatus()
	if err != nil {
		return fmt.Errorf("failed to get budget status: %w", err)
	}

	if useJSON {
		return display.OutputJSON(pulseStatusReport{Queue: stats, Budget: status})
	}

	fmt.Printf("%s Queue\n", sym.Pulse)
	fmt.Printf("  Queued:    %d\n", stats.Queued)
	fmt.Printf("  Running:   %d\n", stats.Running)
	fmt.Printf("  Paused:    %d\n", stats.Paused)
	fmt.Printf("  Completed: %d\n", stats.Completed)
	fmt.Printf("  Failed:    %d\n", stats.Failed)
	fmt.Println()

	limits := svc.Budget.GetBudgetLimits()
	fmt.Printf("%s Budget\n", sym.Pulse)
	fmt.Printf("  Daily:   $%.3f spent of $%.2f (%d ops)\n",
		status.DailySpend, limits.DailyBudgetUSD, status.DailyOps)
	if limits.WeeklyBudgetUSD > 0 {
		fmt.Printf("  Weekly:  $%.3f spent of $%.2f (%d ops)\n",
			status.WeeklySpend, limits.WeeklyBudgetUSD, status.WeeklyOps)
	}
	fmt.Printf("  Monthly: $%.3f spent of $%.2f (%d ops)\n",
		status.MonthlySpend, limits.MonthlyBudgetUSD, status.MonthlyOps)
	return nil
}
