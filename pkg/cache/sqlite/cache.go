// Package sqlite is a file-backed analysis cache. It implements the same
// contract as the memory cache so results survive a restart.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/persona/pkg/models"
)

// ErrInvalidTTL is returned by Put for a non-positive ttl.
var ErrInvalidTTL = errors.New("cache ttl must be positive")

// Cache is an exact-match analysis cache backed by SQLite.
type Cache struct {
	db       *sql.DB
	capacity int
	now      func() time.Time

	// mu serializes writers so the capacity check and insert are atomic.
	mu          sync.Mutex
	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS analysis_cache (
	fingerprint TEXT PRIMARY KEY,
	result TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	last_access INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analysis_cache_access ON analysis_cache(last_access, created_at);
`

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New opens (or creates) the cache database. capacity <= 0 means unbounded.
func New(dbPath string, capacity int, opts ...Option) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// One connection keeps writes ordered and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	if capacity < 0 {
		capacity = 0
	}
	c := &Cache{db: db, capacity: capacity, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Timestamps are stored as unix nanoseconds so ordering is exact.
func stamp(t time.Time) int64 { return t.UnixNano() }

// Get retrieves a cached result. Query or decode failures count as misses.
func (c *Cache) Get(key string) (models.AnalysisResult, bool) {
	now := c.now()

	var raw string
	var expiresAt int64
	err := c.db.QueryRow(
		`SELECT result, expires_at FROM analysis_cache WHERE fingerprint = ?`, key,
	).Scan(&raw, &expiresAt)
	if err != nil {
		c.misses.Add(1)
		return models.AnalysisResult{}, false
	}

	if stamp(now) >= expiresAt {
		if res, err := c.db.Exec(`DELETE FROM analysis_cache WHERE fingerprint = ? AND expires_at = ?`, key, expiresAt); err == nil {
			if n, _ := res.RowsAffected(); n > 0 {
				c.expirations.Add(n)
			}
		}
		c.misses.Add(1)
		return models.AnalysisResult{}, false
	}

	var result models.AnalysisResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		c.misses.Add(1)
		return models.AnalysisResult{}, false
	}

	_, _ = c.db.Exec(`UPDATE analysis_cache SET last_access = ? WHERE fingerprint = ?`, stamp(now), key)
	c.hits.Add(1)
	return result, true
}

// Put stores a result with expiry now+ttl, evicting the least recently used
// entries when the capacity bound is reached.
func (c *Cache) Put(key string, result models.AnalysisResult, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	defer tx.Rollback()

	if c.capacity > 0 {
		if err := c.makeRoom(tx, key, now); err != nil {
			return fmt.Errorf("cache put: %w", err)
		}
	}

	_, err = tx.Exec(
		`INSERT OR REPLACE INTO analysis_cache (fingerprint, result, created_at, expires_at, last_access)
		 VALUES (?, ?, ?, ?, ?)`,
		key, string(data), stamp(now), stamp(now.Add(ttl)), stamp(now),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return tx.Commit()
}

func (c *Cache) makeRoom(tx *sql.Tx, key string, now time.Time) error {
	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM analysis_cache WHERE fingerprint = ?`, key).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM analysis_cache`).Scan(&count); err != nil {
		return err
	}
	if count < c.capacity {
		return nil
	}

	res, err := tx.Exec(`DELETE FROM analysis_cache WHERE expires_at <= ?`, stamp(now))
	if err != nil {
		return err
	}
	expired, _ := res.RowsAffected()
	c.expirations.Add(expired)
	count -= int(expired)

	if over := count - c.capacity + 1; over > 0 {
		res, err := tx.Exec(
			`DELETE FROM analysis_cache WHERE fingerprint IN (
				SELECT fingerprint FROM analysis_cache ORDER BY last_access, created_at LIMIT ?)`, over)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		c.evictions.Add(n)
	}
	return nil
}

// Peek returns the stored entry without touching recency or counters.
func (c *Cache) Peek(key string) (models.CacheEntry, bool) {
	var raw string
	var created, expires, access int64
	err := c.db.QueryRow(
		`SELECT result, created_at, expires_at, last_access FROM analysis_cache WHERE fingerprint = ?`, key,
	).Scan(&raw, &created, &expires, &access)
	if err != nil || stamp(c.now()) >= expires {
		return models.CacheEntry{}, false
	}
	e := models.CacheEntry{
		Fingerprint: key,
		CreatedAt:   time.Unix(0, created),
		ExpiresAt:   time.Unix(0, expires),
		LastAccess:  time.Unix(0, access),
	}
	if err := json.Unmarshal([]byte(raw), &e.Result); err != nil {
		return models.CacheEntry{}, false
	}
	return e, true
}

// Stats returns cache performance metrics.
func (c *Cache) Stats() (models.CacheStats, error) {
	var count int64
	err := c.db.QueryRow(`SELECT COUNT(*) FROM analysis_cache`).Scan(&count)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries:     count,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
	}, nil
}

// Clear removes cache entries. If expiredOnly is true, only expired entries are removed.
func (c *Cache) Clear(expiredOnly bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !expiredOnly {
		if _, err := c.db.Exec(`DELETE FROM analysis_cache`); err != nil {
			return fmt.Errorf("cache clear: %w", err)
		}
		return nil
	}
	res, err := c.db.Exec(`DELETE FROM analysis_cache WHERE expires_at <= ?`, stamp(c.now()))
	if err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	n, _ := res.RowsAffected()
	c.expirations.Add(n)
	return nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
