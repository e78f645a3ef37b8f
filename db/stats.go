package db

import (
	"database/sql"
	"os"

	"github.com/teranos/scry/errors"
)

// TableStats holds row counts for one table.
type TableStats struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// Stats summarizes the database for `scry db stats`.
type Stats struct {
	Path      string       `json:"path"`
	SizeBytes int64        `json:"size_bytes"`
	Tables    []TableStats `json:"tables"`
}

// statTables are the tables reported by CollectStats, in display order.
var statTables = []string{
	"slot_sessions",
	"slot_attempts",
	"pulse_jobs",
	"resolved_pages",
	"llm_usage",
}

// CollectStats gathers row counts for the scry tables plus the on-disk size.
// Missing tables report zero rows rather than failing, so stats work against
// databases created by older versions.
func CollectStats(database *sql.DB, path string) (*Stats, error) {
	stats := &Stats{Path: path}

	if info, err := os.Stat(path); err == nil {
		stats.SizeBytes = info.Size()
	}

	for _, table := range statTables {
		var exists int
		err := database.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = ?", table,
		).Scan(&exists)
		if err != nil {
			return nil, errors.Wrapf(err, "check table %s", table)
		}

		ts := TableStats{Name: table}
		if exists > 0 {
			if err := database.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&ts.Rows); err != nil {
				return nil, errors.Wrapf(err, "count rows in %s", table)
			}
		}
		stats.Tables = append(stats.Tables, ts)
	}

	return stats, nil
}

// Vacuum reclaims free pages after cleanup deletes.
func Vacuum(database *sql.DB) error {
	if _, err := database.Exec("VACUUM"); err != nil {
		return errors.Wrap(err, "vacuum")
	}
	return nil
}
