// Package db manages the SQLite database that backs slot sessions, the
// async job queue, and LLM usage tracking.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/scry/errors"
)

// SQLiteBusyTimeoutMS is how long SQLite waits on a locked database before
// returning SQLITE_BUSY. The daemon and CLI can share one database file, so
// short lock contention is expected.
const SQLiteBusyTimeoutMS = 5000

// Open opens a SQLite database at the specified path with optimized settings.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Enable WAL mode for concurrent reads during writes
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable WAL mode")
	}

	// Enable foreign key constraints
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable foreign keys")
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", SQLiteBusyTimeoutMS)); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to set busy timeout")
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and brings the schema up to date.
// This is the entry point used by the CLI and the daemon.
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, errors.Wrap(err, "open for migrations")
	}

	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "migrate %s", path)
	}

	return db, nil
}
