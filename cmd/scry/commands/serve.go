package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/scry/am"
	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/server"
)

// ServeCmd starts the scry server
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the scry server for live investigation sessions",
	Long: `Launch the scry server: REST endpoints for dispatch, resolution, and
slot sessions, plus a WebSocket hub that streams job progress, engine
usage, and daemon status to connected clients. The Pulse daemon runs
inside the server process and picks up queued work.`,
	RunE: runServe,
}

var (
	servePort   int
	serveDBPath string
)

func init() {
	ServeCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (0 = configured default)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Custom database path (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Get verbosity flag - default to 1 (Info) for server
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = 1
	}

	port := servePort
	if port == 0 {
		port = am.GetServerPort()
	}

	// Open and migrate database
	database, err := openDatabase(serveDBPath)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	// Resolve the actual path for the banner
	dbPath := serveDBPath
	if dbPath == "" {
		if resolved, err := am.GetDatabasePath(); err == nil && resolved != "" {
			dbPath = resolved
		} else {
			dbPath = "scry.db"
		}
	}

	// Print startup banner
	printStartupBanner(verbosity, dbPath)

	// Create server
	srv, err := server.NewServer(database, dbPath, verbosity)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Start server in background
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(port)
	}()

	// GRACE: Wait for shutdown signal (Ctrl+C)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		// Server failed to start or stopped unexpectedly
		return errors.Wrap(err, "server failed to start")
	case <-sigChan:
		// First Ctrl+C - graceful shutdown
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		// Start graceful shutdown in background
		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- srv.Stop()
		}()

		// Wait for either shutdown completion or second Ctrl+C
		select {
		case err := <-shutdownDone:
			// Graceful shutdown completed
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			// Second Ctrl+C - force immediate exit
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}
