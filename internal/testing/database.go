package testing

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/teranos/scry/db"
)

// CreateTestDB creates an in-memory SQLite test database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Create in-memory SQLite database
	database, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	// Enable foreign keys
	if _, err := database.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	// Register cleanup
	t.Cleanup(func() {
		database.Close()
	})

	return database
}

// CreateMigratedTestDB creates an in-memory SQLite database with the full
// schema applied. Store tests use this instead of hand-written CREATE TABLE
// statements so they exercise the real migrations.
func CreateMigratedTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database := CreateTestDB(t)
	if err := db.Migrate(database, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return database
}
