package slot

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/scry/cascade"
	"github.com/teranos/scry/errors"
)

// Store persists slot sessions and their attempt trails to SQLite. The
// trail is the system of record for how a finding was produced, so every
// attempt lands in its own row as it happens rather than in one blob at
// the end.
type Store struct {
	db *sql.DB
}

var _ Recorder = (*Store)(nil)

// NewStore creates a slot session store on an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateSession inserts the session row at the start of a run.
func (st *Store) CreateSession(ctx context.Context, s *Session) error {
	query := `
		INSERT INTO slot_sessions (
			id, slot_name, subject, state,
			total_results, best_confidence, void_is_finding, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := st.db.ExecContext(ctx, query,
		s.ID,
		s.SlotName,
		s.Subject.Query(),
		string(s.State),
		len(s.Results),
		s.BestConfidence(),
		s.Config.VoidIsFinding,
		s.Started,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create slot session")
	}
	return nil
}

// RecordAttempt appends one attempt to the session's trail.
func (st *Store) RecordAttempt(ctx context.Context, sessionID string, a Attempt) error {
	query := `
		INSERT INTO slot_attempts (
			session_id, attempt_number, query, engine_code, strategy,
			result_count, confidence, status, error, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	errText := sql.NullString{String: a.Error, Valid: a.Error != ""}
	_, err := st.db.ExecContext(ctx, query,
		sessionID,
		a.Number,
		a.Query,
		a.Engine,
		a.Strategy,
		a.ResultCount,
		a.Confidence,
		string(a.Status),
		errText,
		a.Duration.Milliseconds(),
		a.At,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record attempt")
	}
	return nil
}

// FinishSession writes the terminal state and aggregates.
func (st *Store) FinishSession(ctx context.Context, s *Session) error {
	query := `
		UPDATE slot_sessions
		SET state = ?, total_results = ?, best_confidence = ?, finished_at = ?
		WHERE id = ?
	`
	_, err := st.db.ExecContext(ctx, query,
		string(s.State),
		len(s.Results),
		s.BestConfidence(),
		s.Finished,
		s.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to finish slot session")
	}
	return nil
}

// SessionRecord is a persisted session read back from the database.
type SessionRecord struct {
	ID             string    `json:"id"`
	SlotName       string    `json:"slot_name"`
	Subject        string    `json:"subject"`
	State          State     `json:"state"`
	TotalResults   int       `json:"total_results"`
	BestConfidence float64   `json:"best_confidence"`
	VoidIsFinding  bool      `json:"void_is_finding"`
	StartedAt      time.Time `json:"started_at"`

	// FinishedAt is zero while the session is still running.
	FinishedAt time.Time `json:"finished_at,omitempty"`

	Attempts []Attempt `json:"attempts,omitempty"`
}

const sessionColumns = `id, slot_name, subject, state, total_results,
	best_confidence, void_is_finding, started_at, finished_at`

func scanSession(row interface{ Scan(...any) error }) (SessionRecord, error) {
	var rec SessionRecord
	var state string
	var finished sql.NullTime
	err := row.Scan(
		&rec.ID,
		&rec.SlotName,
		&rec.Subject,
		&state,
		&rec.TotalResults,
		&rec.BestConfidence,
		&rec.VoidIsFinding,
		&rec.StartedAt,
		&finished,
	)
	if err != nil {
		return rec, err
	}
	rec.State = State(state)
	if finished.Valid {
		rec.FinishedAt = finished.Time
	}
	return rec, nil
}

// GetSession loads one session with its full attempt trail.
func (st *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM slot_sessions WHERE id = ?`

	rec, err := scanSession(st.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("slot session %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get slot session")
	}

	attempts, err := st.attempts(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Attempts = attempts
	return &rec, nil
}

// ListSessions returns recent sessions, newest first, without trails.
func (st *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + sessionColumns + ` FROM slot_sessions
		ORDER BY started_at DESC LIMIT ?`

	rows, err := st.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list slot sessions")
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan slot session")
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate slot sessions")
}

func (st *Store) attempts(ctx context.Context, sessionID string) ([]Attempt, error) {
	query := `
		SELECT attempt_number, query, engine_code, strategy, result_count,
		       confidence, status, error, duration_ms, created_at
		FROM slot_attempts
		WHERE session_id = ?
		ORDER BY attempt_number
	`
	rows, err := st.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list attempts")
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var status string
		var errText sql.NullString
		var durationMS int64
		if err := rows.Scan(
			&a.Number,
			&a.Query,
			&a.Engine,
			&a.Strategy,
			&a.ResultCount,
			&a.Confidence,
			&status,
			&errText,
			&durationMS,
			&a.At,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan attempt")
		}
		a.Status = cascade.ExecutionStatus(status)
		a.Error = errText.String
		a.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate attempts")
}

// DeleteFinishedBefore removes terminal sessions that finished before the
// cutoff, trails included, and returns how many sessions went. Running
// sessions are never touched.
func (st *Store) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	// Attempts first: the trail rows reference the session id.
	_, err := st.db.ExecContext(ctx, `
		DELETE FROM slot_attempts WHERE session_id IN (
			SELECT id FROM slot_sessions
			WHERE finished_at IS NOT NULL AND finished_at < ?
		)`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old attempts")
	}

	res, err := st.db.ExecContext(ctx, `
		DELETE FROM slot_sessions
		WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old sessions")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count deleted sessions")
	}
	return int(rows), nil
}

// Trail renders the session as a human-readable methodology trail: what
// was asked, where, in what order, and what came back.
func (r *SessionRecord) Trail() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "slot %s (%s) subject %q: %s, %d results, best confidence %.2f\n",
		r.SlotName, r.ID, r.Subject, r.State, r.TotalResults, r.BestConfidence)
	for _, a := range r.Attempts {
		fmt.Fprintf(&sb, "  %d. [%s] %q via %s -> %d results (confidence %.2f, %s, %s)\n",
			a.Number, a.Strategy, a.Query, a.Engine, a.ResultCount,
			a.Confidence, a.Status, a.Duration.Round(time.Millisecond))
		if a.Error != "" {
			fmt.Fprintf(&sb, "     error: %s\n", a.Error)
		}
	}
	return sb.String()
}
