package db

import (
	"database/sql"
	"embed"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/scry/errors"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

// Migrate applies every pending migration in version order. Migration 000
// bootstraps the schema_migrations ledger, so it is the only one allowed to
// run when the ledger table does not exist yet. A nil logger runs silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	entries, err := migrations.ReadDir("sqlite/migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, filename := range files {
		version := strings.Split(filename, "_")[0]

		applied, err := migrationApplied(db, version)
		if err != nil {
			// No ledger table yet; only the bootstrap migration may proceed.
			if version != "000" {
				return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
			}
		} else if applied {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)",
					"migration", filename,
					"version", version,
				)
			}
			continue
		}

		if logger != nil {
			logger.Infow("Applying migration",
				"migration", filename,
				"version", version,
			)
		}
		if err := applyMigration(db, filename, version); err != nil {
			return err
		}
	}

	if logger != nil {
		logger.Infow("Migrations complete",
			"total_migrations", len(files),
		)
	}

	return nil
}

func migrationApplied(db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
	return exists, err
}

// applyMigration executes one migration file and records it in the ledger
// inside a single transaction; 000 creates the ledger and then records
// itself.
func applyMigration(db *sql.DB, filename, version string) error {
	sqlBytes, err := migrations.ReadFile(filepath.Join("sqlite/migrations", filename))
	if err != nil {
		return errors.Wrapf(err, "read %s", filename)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", filename)
	}

	if _, err := tx.Exec(string(sqlBytes)); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "execute %s", filename)
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "record %s", filename)
	}

	return errors.Wrapf(tx.Commit(), "commit %s", filename)
}
