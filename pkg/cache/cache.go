// Package cache implements the AI response cache store.
//
// Backends persist entries and report every failure. Store wraps a backend and
// applies the cache policy on top of it: bounded operation time, lazy
// eviction of expired entries, hit accounting, and treating any persistence
// failure on the request path as a miss.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/medlearn/aicache/pkg/models"
)

// DefaultTTL applies when a caller does not choose a TTL.
const DefaultTTL = 7 * 24 * time.Hour

// DefaultTimeout bounds every backend call made by Store.
const DefaultTimeout = 2 * time.Second

// ErrNotFound is returned by backends for an absent fingerprint.
var ErrNotFound = errors.New("cache entry not found")

// Backend is a persistent fingerprint -> entry table.
//
// Upsert must be atomic on the fingerprint and must preserve Hits and
// CreatedAt of an existing record. Touch must increment hits and set
// last_accessed_at in a single atomic update and return ErrNotFound instead
// of recreating a deleted record.
type Backend interface {
	Get(ctx context.Context, fingerprint string) (*models.CacheEntry, error)
	Touch(ctx context.Context, fingerprint string, now time.Time) (int64, error)
	// Evict deletes the record only if it is expired at now.
	Evict(ctx context.Context, fingerprint string, now time.Time) error
	Upsert(ctx context.Context, entry *models.CacheEntry) error
	// Clear deletes records with the given mode, or all records for "".
	Clear(ctx context.Context, mode string) (int64, error)
	// Purge deletes every record expired at now.
	Purge(ctx context.Context, now time.Time) (int64, error)
	Stats(ctx context.Context) (models.CacheStats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Observer receives store failures, typically to count them.
type Observer interface {
	ObserveStoreError(op string)
}

// Store is the cache used by the invocation wrapper and the admin surface.
type Store struct {
	backend  Backend
	logger   *zap.Logger
	timeout  time.Duration
	now      func() time.Time
	observer Observer
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for swallowed failures.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithTimeout bounds each backend call. Zero or less keeps DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithObserver registers an observer for backend failures.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// New creates a Store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  zap.NewNop(),
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// Get returns the live entry for fingerprint and counts the hit.
// Absent, expired, undecodable and unreachable entries all report a miss;
// an expired entry is deleted as it is discovered.
func (s *Store) Get(ctx context.Context, fingerprint string) (*models.Lookup, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entry, err := s.backend.Get(ctx, fingerprint)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.fail("get", fingerprint, err)
		}
		return nil, false
	}

	now := s.Now()
	if entry.Expired(now) {
		if err := s.backend.Evict(ctx, fingerprint, now); err != nil {
			s.fail("evict", fingerprint, err)
		}
		return nil, false
	}

	artifact, err := entry.Artifact()
	if err != nil {
		s.fail("decode", fingerprint, err)
		return nil, false
	}

	hits, err := s.backend.Touch(ctx, fingerprint, now)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.fail("touch", fingerprint, err)
		}
		return nil, false
	}
	entry.Hits = hits
	entry.LastAccessedAt = now

	age := int64(now.Sub(entry.CreatedAt) / time.Second)
	if age < 0 {
		age = 0
	}
	return &models.Lookup{
		Entry:     *entry,
		Artifact:  artifact,
		CacheAge:  age,
		TotalHits: hits,
	}, true
}

// Set stores artifact under fingerprint. A ttl of zero or less stores the
// entry without expiry. Failures are logged and never returned.
func (s *Store) Set(ctx context.Context, fingerprint, mode string, reqContext map[string]any, artifact models.Artifact, ttl time.Duration) {
	entry, err := s.newEntry(fingerprint, mode, reqContext, artifact, ttl)
	if err != nil {
		s.fail("encode", fingerprint, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.backend.Upsert(ctx, entry); err != nil {
		s.fail("set", fingerprint, err)
	}
}

func (s *Store) newEntry(fingerprint, mode string, reqContext map[string]any, artifact models.Artifact, ttl time.Duration) (*models.CacheEntry, error) {
	ctxJSON, err := json.Marshal(reqContext)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	respJSON, err := json.Marshal(artifact)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}

	now := s.Now()
	entry := &models.CacheEntry{
		PromptHash:     fingerprint,
		Mode:           mode,
		Context:        ctxJSON,
		Response:       respJSON,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if u := artifact.Usage; u != nil {
		if u.Model != "" {
			model := u.Model
			entry.Model = &model
		}
		if tokens := u.Tokens(); tokens > 0 {
			entry.TokensUsed = &tokens
		}
		if u.CostUSD != 0 {
			cost := u.CostUSD
			entry.Cost = &cost
		}
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		entry.ExpiresAt = &expires
	}
	return entry, nil
}

// Clear deletes entries of mode, or every entry when mode is empty.
func (s *Store) Clear(ctx context.Context, mode string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.backend.Clear(ctx, mode)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	s.logger.Info("cache cleared", zap.String("mode", mode), zap.Int64("deleted", n))
	return n, nil
}

// Purge deletes every expired entry.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.backend.Purge(ctx, s.Now())
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	return n, nil
}

// Stats returns the aggregate cache report.
func (s *Store) Stats(ctx context.Context) (models.CacheStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stats, err := s.backend.Stats(ctx)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return stats, nil
}

// Ping checks that the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.backend.Ping(ctx)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) fail(op, fingerprint string, err error) {
	s.logger.Warn("cache operation failed",
		zap.String("op", op),
		zap.String("fingerprint", fingerprint),
		zap.Error(err))
	if s.observer != nil {
		s.observer.ObserveStoreError(op)
	}
}

// Aggregate builds a CacheStats report from per-mode rows.
func Aggregate(byMode map[string]models.ModeStats) models.CacheStats {
	stats := models.CacheStats{ByMode: byMode}
	if stats.ByMode == nil {
		stats.ByMode = map[string]models.ModeStats{}
	}
	for _, m := range stats.ByMode {
		stats.TotalEntries += m.Count
		stats.TotalHits += m.Hits
		stats.TotalCostSaved += m.CostSaved
	}
	stats.HitRate = models.HitRate(stats.TotalHits, stats.TotalEntries)
	return stats
}
