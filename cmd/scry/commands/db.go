package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/teranos/scry/am"
	"github.com/teranos/scry/content"
	"github.com/teranos/scry/db"
	"github.com/teranos/scry/display"
	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/pulse/async"
	"github.com/teranos/scry/slot"
	"github.com/teranos/scry/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage scry database",
	Long: sym.DB + ` db — Manage scry database operations

Manage database operations including statistics and retention cleanup.

Examples:
  scry db stats                     # Row counts and on-disk size
  scry db cleanup                   # Drop finished work older than 30 days
  scry db cleanup --older-than 168h # Custom retention window`,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Long:  "Display row counts for the scry tables and the database file size",
	RunE:  runDbStats,
}

var dbCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old finished jobs, sessions, and captures",
	Long: `Delete completed and failed pulse jobs, terminal slot sessions (with
their attempt trails), and page captures older than the retention
window, then vacuum the database. Running work is never touched.`,
	RunE: runDbCleanup,
}

var cleanupOlderThan time.Duration

func init() {
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbCleanupCmd)
	dbCleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 30*24*time.Hour, "Retention window for finished work")
}

func runDbStats(cmd *cobra.Command, args []string) error {
	useJSON := display.ShouldOutputJSON(cmd)

	// Load configuration for the resolved path
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	dbPath := cfg.GetDatabasePath()

	database, err := openDatabase("")
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	stats, err := db.CollectStats(database, dbPath)
	if err != nil {
		return err
	}

	if useJSON {
		return display.OutputJSON(stats)
	}

	fmt.Printf("%s Database Statistics\n", sym.DB)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path: %s\n", stats.Path)
	fmt.Printf("Size:          %.1f MB\n\n", float64(stats.SizeBytes)/(1024*1024))
	for _, t := range stats.Tables {
		fmt.Printf("%-16s %d rows\n", t.Name, t.Rows)
	}
	return nil
}

func runDbCleanup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cutoff := time.Now().Add(-cleanupOlderThan)

	database, err := openDatabase("")
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	jobs, err := async.NewQueue(database).Cleanup(ctx, cleanupOlderThan)
	if err != nil {
		return errors.Wrap(err, "failed to clean up jobs")
	}

	sessions, err := slot.NewStore(database).DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return errors.Wrap(err, "failed to clean up sessions")
	}

	pages, err := content.NewStore(database).DeleteCapturedBefore(ctx, cutoff)
	if err != nil {
		return errors.Wrap(err, "failed to clean up captures")
	}

	if err := db.Vacuum(database); err != nil {
		return err
	}

	fmt.Printf("%s Removed %d job(s), %d session(s), %d capture(s) older than %s\n",
		sym.DB, jobs, sessions, pages, cleanupOlderThan)
	return nil
}
