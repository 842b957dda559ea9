// Package tracker keeps a per-request history of analysis outcomes and
// aggregates it per client.
package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/persona/pkg/models"
)

// reasonRateLimited matches the pipeline's rate limit reason.
const reasonRateLimited = "rate_limited"

// Tracker records and queries analysis requests.
type Tracker interface {
	// Record stores one finished request.
	Record(ctx context.Context, rec models.AnalysisRecord) error
	// Recent returns records for a client since a given time, newest first.
	Recent(ctx context.Context, clientID string, since time.Time) ([]models.AnalysisRecord, error)
	// Summary returns per-client totals, optionally filtered by client.
	Summary(ctx context.Context, clientID string) ([]models.ClientSummary, error)
	// Prune deletes records created before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS analysis_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL DEFAULT '',
	client_id TEXT NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	cache_hit INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_client_time ON analysis_requests(client_id, created_at);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// Record stores an analysis record. A zero CreatedAt is set to now.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.AnalysisRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO analysis_requests (request_id, client_id, fingerprint, outcome, reason, cache_hit, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.ClientID, rec.Fingerprint, string(rec.Outcome), rec.Reason,
		rec.CacheHit, rec.LatencyMs, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record analysis: %w", err)
	}
	return nil
}

// Recent returns records for clientID created at or after since.
func (t *SQLiteTracker) Recent(ctx context.Context, clientID string, since time.Time) ([]models.AnalysisRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, request_id, client_id, fingerprint, outcome, reason, cache_hit, latency_ms, created_at
		 FROM analysis_requests WHERE client_id = ? AND created_at >= ? ORDER BY created_at DESC, id DESC`,
		clientID, since.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	var records []models.AnalysisRecord
	for rows.Next() {
		var r models.AnalysisRecord
		var outcome string
		var created int64
		if err := rows.Scan(&r.ID, &r.RequestID, &r.ClientID, &r.Fingerprint, &outcome, &r.Reason, &r.CacheHit, &r.LatencyMs, &created); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		r.Outcome = models.Outcome(outcome)
		r.CreatedAt = time.Unix(0, created).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// Summary returns totals grouped by client.
func (t *SQLiteTracker) Summary(ctx context.Context, clientID string) ([]models.ClientSummary, error) {
	query := `SELECT client_id,
			COUNT(*),
			SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END),
			SUM(CASE WHEN reason = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = ? AND reason <> ? THEN 1 ELSE 0 END),
			MIN(created_at), MAX(created_at)
		 FROM analysis_requests`
	args := []any{string(models.OutcomeCompleted), reasonRateLimited, string(models.OutcomeFailed), reasonRateLimited}
	if clientID != "" {
		query += ` WHERE client_id = ?`
		args = append(args, clientID)
	}
	query += ` GROUP BY client_id ORDER BY client_id`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.ClientSummary
	for rows.Next() {
		var s models.ClientSummary
		var first, last int64
		if err := rows.Scan(&s.ClientID, &s.Requests, &s.Completed, &s.CacheHits, &s.RateLimited, &s.Failed, &first, &last); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.FirstSeen = time.Unix(0, first).UTC()
		s.LastSeen = time.Unix(0, last).UTC()
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Prune deletes records created before cutoff.
func (t *SQLiteTracker) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM analysis_requests WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune analyses: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
