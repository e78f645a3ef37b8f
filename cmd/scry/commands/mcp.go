package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/teranos/scry/am"
	"github.com/teranos/scry/db"
	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/internal/service"
	"github.com/teranos/scry/logger"
	"github.com/teranos/scry/mcp"
)

// McpCmd serves scry tools over the Model Context Protocol
var McpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve scry tools over the Model Context Protocol",
	Long: `Serve scry's resolution operations as MCP tools over stdio:
scry_dispatch, scry_resolve_content, scry_run_slot, scry_engines.

Point an MCP client at this command to give an assistant direct
access to the engine registry, the dispatch cascade, the content
chain, and slot loops.

Example client registration:
  { "command": "scry", "args": ["mcp"] }`,
	RunE: runMcp,
}

func runMcp(cmd *cobra.Command, args []string) error {
	// The MCP transport owns stdout, so all diagnostics go to stderr.
	verbosity, _ := cmd.Flags().GetCount("verbose")
	zapLogger := zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(os.Stderr),
		logger.VerbosityToLevel(verbosity),
	))
	log := zapLogger.Sugar()
	defer log.Sync()

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, err := db.OpenWithMigrations(cfg.GetDatabasePath(), log)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	svc, err := service.New(context.Background(), service.Options{
		DB:        database,
		Config:    cfg,
		Verbosity: verbosity,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	return mcp.NewMCPServer(svc, log).Serve()
}
