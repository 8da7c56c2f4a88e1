package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/medlearn/aicache/pkg/cache"
	"github.com/medlearn/aicache/pkg/models"
)

// Backend is a cache.Backend stored in a SQLite table.
// Timestamps are stored as unix milliseconds.
type Backend struct {
	db *sql.DB
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	prompt_hash TEXT PRIMARY KEY,
	mode TEXT NOT NULL,
	context TEXT NOT NULL,
	response TEXT NOT NULL,
	model TEXT,
	tokens_used INTEGER,
	cost REAL,
	hits INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL,
	expires_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_cache_mode ON cache_entries(mode);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
`

// New opens (or creates) the cache table in the database at dbPath.
func New(dbPath string) (*Backend, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Backend{db: db}, nil
}

// Get reads one record.
func (b *Backend) Get(ctx context.Context, fingerprint string) (*models.CacheEntry, error) {
	var (
		e                     models.CacheEntry
		ctxJSON, respJSON     string
		model                 sql.NullString
		tokens                sql.NullInt64
		cost                  sql.NullFloat64
		expires               sql.NullInt64
		createdMs, accessedMs int64
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT prompt_hash, mode, context, response, model, tokens_used, cost, hits, created_at, last_accessed_at, expires_at
		 FROM cache_entries WHERE prompt_hash = ?`,
		fingerprint,
	).Scan(&e.PromptHash, &e.Mode, &ctxJSON, &respJSON, &model, &tokens, &cost, &e.Hits, &createdMs, &accessedMs, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}

	e.Context = []byte(ctxJSON)
	e.Response = []byte(respJSON)
	e.CreatedAt = fromMillis(createdMs)
	e.LastAccessedAt = fromMillis(accessedMs)
	if model.Valid {
		e.Model = &model.String
	}
	if tokens.Valid {
		e.TokensUsed = &tokens.Int64
	}
	if cost.Valid {
		e.Cost = &cost.Float64
	}
	if expires.Valid {
		t := fromMillis(expires.Int64)
		e.ExpiresAt = &t
	}
	return &e, nil
}

// Touch counts a hit in one statement and returns the new count.
func (b *Backend) Touch(ctx context.Context, fingerprint string, now time.Time) (int64, error) {
	var hits int64
	err := b.db.QueryRowContext(ctx,
		`UPDATE cache_entries SET hits = hits + 1, last_accessed_at = ?
		 WHERE prompt_hash = ? RETURNING hits`,
		now.UnixMilli(), fingerprint,
	).Scan(&hits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, cache.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("cache touch: %w", err)
	}
	return hits, nil
}

// Evict deletes the record if it is expired at now.
func (b *Backend) Evict(ctx context.Context, fingerprint string, now time.Time) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE prompt_hash = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		fingerprint, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("cache evict: %w", err)
	}
	return nil
}

// Upsert inserts or replaces a record, keeping hits and created_at of an
// existing one.
func (b *Backend) Upsert(ctx context.Context, e *models.CacheEntry) error {
	var expires any
	if e.ExpiresAt != nil {
		expires = e.ExpiresAt.UnixMilli()
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO cache_entries
		 (prompt_hash, mode, context, response, model, tokens_used, cost, hits, created_at, last_accessed_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT(prompt_hash) DO UPDATE SET
			mode = excluded.mode,
			context = excluded.context,
			response = excluded.response,
			model = excluded.model,
			tokens_used = excluded.tokens_used,
			cost = excluded.cost,
			last_accessed_at = excluded.last_accessed_at,
			expires_at = excluded.expires_at`,
		e.PromptHash, e.Mode, string(e.Context), string(e.Response),
		nullString(e.Model), nullInt(e.TokensUsed), nullFloat(e.Cost),
		e.CreatedAt.UnixMilli(), e.LastAccessedAt.UnixMilli(), expires,
	)
	if err != nil {
		return fmt.Errorf("cache upsert: %w", err)
	}
	return nil
}

// Clear removes records of mode, or all records when mode is empty.
func (b *Backend) Clear(ctx context.Context, mode string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if mode == "" {
		res, err = b.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	} else {
		res, err = b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE mode = ?`, mode)
	}
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return res.RowsAffected()
}

// Purge removes every record expired at now.
func (b *Backend) Purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at < ?`,
		now.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	return res.RowsAffected()
}

// Stats aggregates entries per mode.
func (b *Backend) Stats(ctx context.Context) (models.CacheStats, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT mode, COUNT(*), COALESCE(SUM(hits), 0), COALESCE(SUM(COALESCE(cost, 0) * hits), 0)
		 FROM cache_entries GROUP BY mode`)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	defer rows.Close()

	byMode := make(map[string]models.ModeStats)
	for rows.Next() {
		var mode string
		var m models.ModeStats
		if err := rows.Scan(&mode, &m.Count, &m.Hits, &m.CostSaved); err != nil {
			return models.CacheStats{}, fmt.Errorf("scan cache stats: %w", err)
		}
		byMode[mode] = m
	}
	if err := rows.Err(); err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return cache.Aggregate(byMode), nil
}

// Ping checks the database connection.
func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close releases the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

var _ cache.Backend = (*Backend)(nil)
