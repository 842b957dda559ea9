// Package audit stores a searchable log of analysis requests and their
// results in a dedicated SQLite database.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/persona/pkg/models"
)

// Include flags.
const (
	IncludeText      = "text"
	IncludeResponses = "responses"
)

// Logger writes and queries audit entries in a dedicated SQLite database.
type Logger struct {
	db      *sql.DB
	cfg     models.AuditConfig
	done    chan struct{}
	wg      sync.WaitGroup
	include map[string]bool
}

// New opens the audit SQLite database and creates the schema. A retention
// goroutine runs until Close when RetentionDays is positive.
func New(cfg models.AuditConfig) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	inc := make(map[string]bool)
	for _, v := range cfg.Include {
		inc[v] = true
	}

	l := &Logger{
		db:      db,
		cfg:     cfg,
		done:    make(chan struct{}),
		include: inc,
	}

	if cfg.RetentionDays > 0 {
		l.wg.Add(1)
		go l.retentionLoop()
	}

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_log (
		request_id    TEXT PRIMARY KEY,
		client_hash   TEXT NOT NULL,
		client_prefix TEXT NOT NULL,
		fingerprint   TEXT NOT NULL DEFAULT '',
		outcome       TEXT NOT NULL,
		reason        TEXT NOT NULL DEFAULT '',
		error         TEXT NOT NULL DEFAULT '',
		cache_hit     INTEGER NOT NULL DEFAULT 0,
		text          TEXT NOT NULL DEFAULT '',
		response      TEXT NOT NULL DEFAULT '',
		status_code   INTEGER NOT NULL,
		latency_ms    INTEGER NOT NULL,
		created_at    INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_outcome ON audit_log(outcome)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_prefix ON audit_log(client_prefix)`)
	return err
}

// Log inserts an audit entry, respecting include configuration. The raw
// client ID is replaced by its hash and prefix. Entries without a request
// ID get one derived from the client and timestamp.
func (l *Logger) Log(ctx context.Context, entry models.AuditEntry) error {
	if l == nil || l.db == nil {
		return nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.ClientID != "" {
		entry.ClientHash, entry.ClientPrefix = HashClient(entry.ClientID)
	}
	if entry.RequestID == "" {
		entry.RequestID = fmt.Sprintf("%s-%d", entry.ClientPrefix, entry.CreatedAt.UnixNano())
	}

	text := entry.Text
	response := entry.Response
	if !l.include[IncludeText] {
		text = ""
	}
	if !l.include[IncludeResponses] {
		response = ""
	}
	if l.cfg.MaxBodySize > 0 {
		text = truncate(text, l.cfg.MaxBodySize)
		response = truncate(response, l.cfg.MaxBodySize)
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO audit_log
		(request_id, client_hash, client_prefix, fingerprint, outcome, reason, error,
		 cache_hit, text, response, status_code, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.ClientHash, entry.ClientPrefix, entry.Fingerprint,
		string(entry.Outcome), entry.Reason, entry.Error, entry.CacheHit,
		text, response, entry.StatusCode, entry.LatencyMs, entry.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Query returns audit entries matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	q := `SELECT request_id, client_hash, client_prefix, fingerprint, outcome, reason, error,
		cache_hit, text, response, status_code, latency_ms, created_at
		FROM audit_log WHERE 1=1`
	var args []any

	if opts.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, opts.RequestID)
	}
	if opts.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, string(opts.Outcome))
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UnixNano())
	}
	if opts.ClientPrefix != "" {
		q += " AND client_prefix = ?"
		args = append(args, opts.ClientPrefix)
	}
	if opts.Fingerprint != "" {
		q += " AND fingerprint = ?"
		args = append(args, opts.Fingerprint)
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var outcome string
		var created int64
		if err := rows.Scan(
			&e.RequestID, &e.ClientHash, &e.ClientPrefix, &e.Fingerprint,
			&outcome, &e.Reason, &e.Error, &e.CacheHit,
			&e.Text, &e.Response, &e.StatusCode, &e.LatencyMs, &created,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Outcome = models.Outcome(outcome)
		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns aggregate counts grouped by outcome and UTC day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT outcome, date(created_at / 1000000000, 'unixepoch') AS day, count(*) AS cnt
		 FROM audit_log GROUP BY outcome, day ORDER BY day DESC, outcome`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var outcome string
		var day sql.NullString
		if err := rows.Scan(&outcome, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		s.Outcome = models.Outcome(outcome)
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the configured retention period. A
// non-positive retention keeps everything.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	if l.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}

// HashClient returns the SHA-256 hex hash and 8-char prefix of the hash for
// a client identifier. The prefix is taken from the hash so raw addresses
// never reach the database.
func HashClient(clientID string) (hash, prefix string) {
	h := sha256.Sum256([]byte(clientID))
	hash = hex.EncodeToString(h[:])
	return hash, hash[:8]
}
