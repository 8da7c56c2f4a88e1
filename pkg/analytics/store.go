// Package analytics records one event per cache-aware invocation and reports
// hit, miss and cost totals per mode.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/medlearn/aicache/pkg/models"
)

// Store writes and queries cache events in SQLite.
type Store struct {
	db        *sql.DB
	retention time.Duration
	logger    *zap.Logger
	done      chan struct{}
	wg        sync.WaitGroup
}

const createEventsTable = `
CREATE TABLE IF NOT EXISTS cache_events (
	id TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	mode TEXT NOT NULL,
	outcome TEXT NOT NULL,
	model TEXT,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_created ON cache_events(created_at);
CREATE INDEX IF NOT EXISTS idx_events_mode ON cache_events(mode, created_at);
`

// NewStore opens the events table at dbPath. With retentionDays > 0 a
// background loop deletes older events hourly.
func NewStore(dbPath string, retentionDays int, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open analytics db: %w", err)
	}
	if _, err := db.Exec(createEventsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate analytics db: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		db:        db,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger,
		done:      make(chan struct{}),
	}
	if s.retention > 0 {
		s.wg.Add(1)
		go s.retentionLoop()
	}
	return s, nil
}

// Write inserts a batch of events in one transaction.
func (s *Store) Write(ctx context.Context, events []models.CacheEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin events tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO cache_events
		 (id, fingerprint, mode, outcome, model, tokens_used, cost_usd, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare events insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			ev.ID, ev.Fingerprint, ev.Mode, string(ev.Outcome), ev.Model,
			ev.TokensUsed, ev.CostUSD, ev.LatencyMs, ev.CreatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return tx.Commit()
}

// Summary aggregates events per mode since the given time.
// Cost spent counts misses; cost saved counts hits and shared misses.
func (s *Store) Summary(ctx context.Context, since time.Time) ([]models.EventSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mode,
			SUM(CASE WHEN outcome = 'hit' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'miss' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'shared' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END),
			COALESCE(SUM(CASE WHEN outcome = 'miss' THEN cost_usd ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome IN ('hit', 'shared') THEN cost_usd ELSE 0 END), 0)
		 FROM cache_events WHERE created_at >= ?
		 GROUP BY mode ORDER BY mode`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("query event summary: %w", err)
	}
	defer rows.Close()

	var out []models.EventSummary
	for rows.Next() {
		var e models.EventSummary
		if err := rows.Scan(&e.Mode, &e.Hits, &e.Misses, &e.Shared, &e.Errors, &e.CostSpent, &e.CostSaved); err != nil {
			return nil, fmt.Errorf("scan event summary: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than before.
func (s *Store) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_events WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("events cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention loop and closes the database.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) retentionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			n, err := s.Cleanup(context.Background(), time.Now().Add(-s.retention))
			if err != nil {
				s.logger.Warn("analytics retention failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("analytics retention", zap.Int64("deleted", n))
			}
		}
	}
}

// DefaultWindow is the reporting window used when no start is given.
const DefaultWindow = 24 * time.Hour

// ParseSince interprets s as a look-back duration ("90m", "24h", "7d") or an
// RFC 3339 timestamp. An empty s means DefaultWindow before now.
func ParseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return now.Add(-DefaultWindow), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || days < 0 {
			return time.Time{}, fmt.Errorf("invalid since %q", s)
		}
		return now.AddDate(0, 0, -days), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid since %q", s)
	}
	return now.Add(-d), nil
}
