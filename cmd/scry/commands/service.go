package commands

import (
	"context"
	"database/sql"
	"strings"

	"github.com/spf13/cobra"
	"github.com/teranos/scry/am"
	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/internal/service"
	"github.com/teranos/scry/logger"
)

// buildService assembles the resolution stack for one command invocation.
// The caller owns the returned database handle and closes it when done;
// the daemon inside is built but never started here.
func buildService(ctx context.Context, cmd *cobra.Command) (*service.Service, *sql.DB, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase("")
	if err != nil {
		return nil, nil, err
	}

	verbosity, _ := cmd.Flags().GetCount("verbose")
	svc, err := service.New(ctx, service.Options{
		DB:        database,
		Config:    cfg,
		Verbosity: verbosity,
		Logger:    logger.Logger,
	})
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return svc, database, nil
}

// splitCodes turns a comma-separated flag value into engine codes,
// dropping empties and surrounding whitespace.
func splitCodes(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if code := strings.TrimSpace(part); code != "" {
			out = append(out, code)
		}
	}
	return out
}

// truncate truncates a string to maxLen characters
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
