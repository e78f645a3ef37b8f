package content

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/merge"
)

// Store persists captured page text to SQLite. A capture is evidence:
// what the page said when we fetched it, through which stage, and when.
// Rows are keyed by normalized URL so re-resolving a page refreshes the
// capture in place instead of piling up near-duplicates.
type Store struct {
	db *sql.DB
}

// NewStore creates a page capture store on an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SavePage upserts the capture for one resolved page. Failed resolutions
// are saved too, with the error set, so the trail shows what was tried.
func (st *Store) SavePage(ctx context.Context, res *Result) error {
	if res == nil || res.URL == "" {
		return errors.New("cannot save a page without a URL")
	}

	query := `
		INSERT INTO resolved_pages (
			url_key, url, content, snippet, snippet_cleaned,
			source_stage, error, latency_ms, captured_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url_key) DO UPDATE SET
			url = excluded.url,
			content = excluded.content,
			snippet = excluded.snippet,
			snippet_cleaned = excluded.snippet_cleaned,
			source_stage = excluded.source_stage,
			error = excluded.error,
			latency_ms = excluded.latency_ms,
			captured_at = excluded.captured_at,
			updated_at = CURRENT_TIMESTAMP
	`

	captured := res.Captured
	if captured.IsZero() {
		// Failed resolutions never set Captured; the attempt time still matters.
		captured = time.Now()
	}
	errText := sql.NullString{String: res.Error, Valid: res.Error != ""}
	stage := sql.NullString{String: res.SourceStage, Valid: res.SourceStage != ""}

	_, err := st.db.ExecContext(ctx, query,
		merge.NormalizeURL(res.URL),
		res.URL,
		res.Content,
		res.Snippet,
		res.SnippetCleaned,
		stage,
		errText,
		res.Latency.Milliseconds(),
		captured,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save resolved page")
	}
	return nil
}

// PageRecord is a persisted capture read back from the database.
type PageRecord struct {
	ID             int64         `json:"id"`
	URL            string        `json:"url"`
	Content        string        `json:"content,omitempty"`
	Snippet        string        `json:"snippet,omitempty"`
	SnippetCleaned bool          `json:"snippet_cleaned,omitempty"`
	SourceStage    string        `json:"source_stage,omitempty"`
	Error          string        `json:"error,omitempty"`
	Latency        time.Duration `json:"latency"`
	CapturedAt     time.Time     `json:"captured_at"`
}

const pageColumns = `id, url, content, snippet, snippet_cleaned,
	source_stage, error, latency_ms, captured_at`

func scanPage(row interface{ Scan(...any) error }) (PageRecord, error) {
	var rec PageRecord
	var stage, errText sql.NullString
	var latencyMS int64
	err := row.Scan(
		&rec.ID,
		&rec.URL,
		&rec.Content,
		&rec.Snippet,
		&rec.SnippetCleaned,
		&stage,
		&errText,
		&latencyMS,
		&rec.CapturedAt,
	)
	if err != nil {
		return rec, err
	}
	rec.SourceStage = stage.String
	rec.Error = errText.String
	rec.Latency = time.Duration(latencyMS) * time.Millisecond
	return rec, nil
}

// GetPage loads the capture for a URL, matching on the normalized form so
// tracking-parameter variants find the same row.
func (st *Store) GetPage(ctx context.Context, pageURL string) (*PageRecord, error) {
	query := `SELECT ` + pageColumns + ` FROM resolved_pages WHERE url_key = ?`

	rec, err := scanPage(st.db.QueryRowContext(ctx, query, merge.NormalizeURL(pageURL)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no capture for %s", pageURL)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get resolved page")
	}
	return &rec, nil
}

// ListRecent returns the newest captures first.
func (st *Store) ListRecent(ctx context.Context, limit int) ([]PageRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + pageColumns + ` FROM resolved_pages
		ORDER BY captured_at DESC LIMIT ?`

	rows, err := st.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list resolved pages")
	}
	defer rows.Close()

	var out []PageRecord
	for rows.Next() {
		rec, err := scanPage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan resolved page")
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate resolved pages")
}

// Count reports how many captures exist and how many of them are failures.
func (st *Store) Count(ctx context.Context) (total int, failed int, err error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN error IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM resolved_pages
	`
	if err := st.db.QueryRowContext(ctx, query).Scan(&total, &failed); err != nil {
		return 0, 0, errors.Wrap(err, "failed to count resolved pages")
	}
	return total, failed, nil
}

// DeleteCapturedBefore removes captures older than the cutoff and returns
// how many rows went.
func (st *Store) DeleteCapturedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := st.db.ExecContext(ctx,
		`DELETE FROM resolved_pages WHERE captured_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old resolved pages")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count deleted pages")
	}
	return int(rows), nil
}
