package db

import (
	"strings"

	"github.com/teranos/scry/errors"
)

// ErrDatabaseClosed marks operations attempted after the connection was
// closed, which shows up during shutdown when the daemon's goroutines
// outlive the handle.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err means the connection is gone. The
// string probe covers errors minted inside database/sql and the sqlite
// driver, which cannot be wrapped at the source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "sql: database is closed")
}
