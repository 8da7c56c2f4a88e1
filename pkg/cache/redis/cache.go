// Package redis stores cache entries in Redis so that independent workers
// share one cache.
//
// Each entry is a hash at <prefix>:entry:<fingerprint>. The set
// <prefix>:entries indexes every fingerprint, <prefix>:mode:<mode> indexes
// fingerprints per mode and <prefix>:modes lists the modes seen. Expiry is
// enforced by the cache policy on read, not by Redis key expiry.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/medlearn/aicache/pkg/cache"
	"github.com/medlearn/aicache/pkg/models"
)

// Backend is a cache.Backend on a Redis server.
type Backend struct {
	client *redis.Client
	prefix string
}

// touchScript increments hits only on an existing hash.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
redis.call('HSET', KEYS[1], 'last_accessed_at', ARGV[1])
return redis.call('HINCRBY', KEYS[1], 'hits', 1)
`)

// evictScript deletes the hash and its index memberships only if expired.
var evictScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if not exp or exp == '' or tonumber(exp) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
redis.call('SREM', KEYS[3], ARGV[2])
return 1
`)

// New connects to the Redis server at url.
func New(ctx context.Context, url, prefix string) (*Backend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewWithClient(client, prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = "aicache"
	}
	return &Backend{client: client, prefix: prefix}
}

func (b *Backend) entryKey(fp string) string { return b.prefix + ":entry:" + fp }
func (b *Backend) modeKey(mode string) string { return b.prefix + ":mode:" + mode }
func (b *Backend) entriesKey() string { return b.prefix + ":entries" }
func (b *Backend) modesKey() string { return b.prefix + ":modes" }

// Get reads one entry hash.
func (b *Backend) Get(ctx context.Context, fingerprint string) (*models.CacheEntry, error) {
	fields, err := b.client.HGetAll(ctx, b.entryKey(fingerprint)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	if len(fields) == 0 {
		return nil, cache.ErrNotFound
	}
	e, err := decodeEntry(fingerprint, fields)
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return e, nil
}

// Touch counts a hit atomically and returns the new count.
func (b *Backend) Touch(ctx context.Context, fingerprint string, now time.Time) (int64, error) {
	hits, err := touchScript.Run(ctx, b.client, []string{b.entryKey(fingerprint)}, now.UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("cache touch: %w", err)
	}
	if hits < 0 {
		return 0, cache.ErrNotFound
	}
	return hits, nil
}

// Evict deletes the entry if it is expired at now.
func (b *Backend) Evict(ctx context.Context, fingerprint string, now time.Time) error {
	mode, err := b.client.HGet(ctx, b.entryKey(fingerprint), "mode").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache evict: %w", err)
	}
	_, err = b.evict(ctx, fingerprint, mode, now)
	return err
}

// evict reports whether the script deleted the entry. It keeps entries a
// concurrent write has refreshed since the caller read expires_at.
func (b *Backend) evict(ctx context.Context, fingerprint, mode string, now time.Time) (bool, error) {
	keys := []string{b.entryKey(fingerprint), b.entriesKey(), b.modeKey(mode)}
	deleted, err := evictScript.Run(ctx, b.client, keys, now.UnixMilli(), fingerprint).Int()
	if err != nil {
		return false, fmt.Errorf("cache evict: %w", err)
	}
	return deleted == 1, nil
}

// Upsert writes the entry in one MULTI/EXEC; hits and created_at are only
// set when absent.
func (b *Backend) Upsert(ctx context.Context, e *models.CacheEntry) error {
	key := b.entryKey(e.PromptHash)
	fields := map[string]any{
		"mode":             e.Mode,
		"context":          string(e.Context),
		"response":         string(e.Response),
		"model":            optString(e.Model),
		"tokens_used":      optInt(e.TokensUsed),
		"cost":             optFloat(e.Cost),
		"last_accessed_at": e.LastAccessedAt.UnixMilli(),
		"expires_at":       optTime(e.ExpiresAt),
	}
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.HSetNX(ctx, key, "hits", 0)
		pipe.HSetNX(ctx, key, "created_at", e.CreatedAt.UnixMilli())
		pipe.SAdd(ctx, b.entriesKey(), e.PromptHash)
		pipe.SAdd(ctx, b.modeKey(e.Mode), e.PromptHash)
		pipe.SAdd(ctx, b.modesKey(), e.Mode)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache upsert: %w", err)
	}
	return nil
}

// Clear removes entries of mode, or all entries when mode is empty.
func (b *Backend) Clear(ctx context.Context, mode string) (int64, error) {
	if mode != "" {
		return b.clearMode(ctx, mode)
	}

	modes, err := b.client.SMembers(ctx, b.modesKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	var total int64
	for _, m := range modes {
		n, err := b.clearMode(ctx, m)
		if err != nil {
			return total, err
		}
		total += n
	}
	// Entries whose mode index was lost are still listed globally.
	fps, err := b.client.SMembers(ctx, b.entriesKey()).Result()
	if err != nil {
		return total, fmt.Errorf("cache clear: %w", err)
	}
	n, err := b.deleteEntries(ctx, fps)
	if err != nil {
		return total, err
	}
	total += n
	if err := b.client.Del(ctx, b.entriesKey(), b.modesKey()).Err(); err != nil {
		return total, fmt.Errorf("cache clear: %w", err)
	}
	return total, nil
}

func (b *Backend) clearMode(ctx context.Context, mode string) (int64, error) {
	fps, err := b.client.SMembers(ctx, b.modeKey(mode)).Result()
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	n, err := b.deleteEntries(ctx, fps)
	if err != nil {
		return 0, err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(fps) > 0 {
			members := make([]any, len(fps))
			for i, fp := range fps {
				members[i] = fp
			}
			pipe.SRem(ctx, b.entriesKey(), members...)
		}
		pipe.Del(ctx, b.modeKey(mode))
		pipe.SRem(ctx, b.modesKey(), mode)
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("cache clear: %w", err)
	}
	return n, nil
}

func (b *Backend) deleteEntries(ctx context.Context, fps []string) (int64, error) {
	if len(fps) == 0 {
		return 0, nil
	}
	keys := make([]string, len(fps))
	for i, fp := range fps {
		keys[i] = b.entryKey(fp)
	}
	n, err := b.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return n, nil
}

// Purge removes every entry expired at now.
func (b *Backend) Purge(ctx context.Context, now time.Time) (int64, error) {
	rows, err := b.scan(ctx, "mode", "expires_at")
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	var n int64
	for fp, vals := range rows {
		exp, ok := parseInt(vals[1])
		if !ok || exp >= now.UnixMilli() {
			continue
		}
		deleted, err := b.evict(ctx, fp, vals[0], now)
		if err != nil {
			return n, err
		}
		if deleted {
			n++
		}
	}
	return n, nil
}

// Stats aggregates entries per mode.
func (b *Backend) Stats(ctx context.Context) (models.CacheStats, error) {
	rows, err := b.scan(ctx, "mode", "hits", "cost")
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	byMode := make(map[string]models.ModeStats)
	for _, vals := range rows {
		m := byMode[vals[0]]
		hits, _ := parseInt(vals[1])
		cost, _ := strconv.ParseFloat(vals[2], 64)
		m.Count++
		m.Hits += hits
		m.CostSaved += cost * float64(hits)
		byMode[vals[0]] = m
	}
	return cache.Aggregate(byMode), nil
}

// scan reads the given fields of every indexed entry. Index members whose
// hash no longer exists are skipped.
func (b *Backend) scan(ctx context.Context, fields ...string) (map[string][]string, error) {
	fps, err := b.client.SMembers(ctx, b.entriesKey()).Result()
	if err != nil {
		return nil, err
	}
	cmds := make([]*redis.SliceCmd, len(fps))
	_, err = b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, fp := range fps {
			cmds[i] = pipe.HMGet(ctx, b.entryKey(fp), fields...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string][]string, len(fps))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 || vals[0] == nil {
			continue
		}
		row := make([]string, len(fields))
		for j, v := range vals {
			if s, ok := v.(string); ok {
				row[j] = s
			}
		}
		out[fps[i]] = row
	}
	return out, nil
}

// Ping checks the connection.
func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the client.
func (b *Backend) Close() error {
	return b.client.Close()
}

func decodeEntry(fp string, f map[string]string) (*models.CacheEntry, error) {
	e := &models.CacheEntry{
		PromptHash: fp,
		Mode:       f["mode"],
		Context:    []byte(f["context"]),
		Response:   []byte(f["response"]),
	}
	if v := f["model"]; v != "" {
		e.Model = &v
	}
	if v, ok := parseInt(f["tokens_used"]); ok {
		e.TokensUsed = &v
	}
	if v := f["cost"]; v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("field cost: %w", err)
		}
		e.Cost = &c
	}
	hits, _ := parseInt(f["hits"])
	e.Hits = hits
	created, ok := parseInt(f["created_at"])
	if !ok {
		return nil, fmt.Errorf("field created_at missing")
	}
	e.CreatedAt = time.UnixMilli(created).UTC()
	if v, ok := parseInt(f["last_accessed_at"]); ok {
		e.LastAccessedAt = time.UnixMilli(v).UTC()
	}
	if v, ok := parseInt(f["expires_at"]); ok {
		t := time.UnixMilli(v).UTC()
		e.ExpiresAt = &t
	}
	return e, nil
}

func parseInt(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Absent optional values are stored as empty strings.

func optString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optInt(i *int64) string {
	if i == nil {
		return ""
	}
	return strconv.FormatInt(*i, 10)
}

func optFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'g', -1, 64)
}

func optTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

var _ cache.Backend = (*Backend)(nil)
