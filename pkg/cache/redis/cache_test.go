package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medlearn/aicache/pkg/cache"
	"github.com/medlearn/aicache/pkg/cache/cachetest"
	"github.com/medlearn/aicache/pkg/models"
)

// newTestBackend connects to AICACHE_TEST_REDIS_URL with a unique key prefix
// so parallel runs do not collide.
func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	url := os.Getenv("AICACHE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("AICACHE_TEST_REDIS_URL not set")
	}
	b, err := New(context.Background(), url, "aicache-test-"+uuid.NewString())
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = b.Clear(context.Background(), "")
		b.Close()
	})
	return b
}

func TestBackendSuite(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) cache.Backend {
		return newTestBackend(t)
	})
}

func TestTouchDeletedEntry(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.Touch(ctx, "missing", time.Now())
	assert.ErrorIs(t, err, cache.ErrNotFound)

	// Touch must not recreate the hash.
	_, err = b.Get(ctx, "missing")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestEvictKeepsFreshEntry(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now().UTC()
	exp := now.Add(time.Hour)

	require.NoError(t, b.Upsert(ctx, &models.CacheEntry{
		PromptHash:     "fp",
		Mode:           "quiz",
		Context:        []byte(`{}`),
		Response:       []byte(`{"text":"x"}`),
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      &exp,
	}))
	require.NoError(t, b.Evict(ctx, "fp", now))

	_, err := b.Get(ctx, "fp")
	assert.NoError(t, err)
}

func TestPurgeCountsOnlyDeletedEntries(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	entry := func(fp string, exp time.Time) *models.CacheEntry {
		return &models.CacheEntry{
			PromptHash:     fp,
			Mode:           "quiz",
			Context:        []byte(`{}`),
			Response:       []byte(`{"text":"x"}`),
			CreatedAt:      past,
			LastAccessedAt: past,
			ExpiresAt:      &exp,
		}
	}
	require.NoError(t, b.Upsert(ctx, entry("stale", past)))

	// A write that refreshed expires_at after it was scanned survives the
	// eviction and is not counted.
	require.NoError(t, b.Upsert(ctx, entry("refreshed", now.Add(time.Hour))))
	deleted, err := b.evict(ctx, "refreshed", "quiz", now)
	require.NoError(t, err)
	assert.False(t, deleted)

	n, err := b.Purge(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = b.Get(ctx, "refreshed")
	assert.NoError(t, err)
	_, err = b.Get(ctx, "stale")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestNewBadURL(t *testing.T) {
	_, err := New(context.Background(), "not-a-url", "")
	assert.Error(t, err)
}

func TestDecodeEntry(t *testing.T) {
	e, err := decodeEntry("fp", map[string]string{
		"mode":             "quiz",
		"context":          `{"a":1}`,
		"response":         `{"text":"x"}`,
		"model":            "",
		"tokens_used":      "42",
		"cost":             "0.5",
		"hits":             "3",
		"created_at":       "1000",
		"last_accessed_at": "2000",
		"expires_at":       "",
	})
	require.NoError(t, err)
	assert.Nil(t, e.Model)
	assert.Equal(t, int64(42), *e.TokensUsed)
	assert.InDelta(t, 0.5, *e.Cost, 1e-9)
	assert.Equal(t, int64(3), e.Hits)
	assert.Equal(t, time.UnixMilli(1000).UTC(), e.CreatedAt)
	assert.Nil(t, e.ExpiresAt)
}

func TestDecodeEntryMissingCreated(t *testing.T) {
	_, err := decodeEntry("fp", map[string]string{"mode": "quiz"})
	assert.Error(t, err)
}

func TestNewWithClientDefaultPrefix(t *testing.T) {
	b := NewWithClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "")
	defer b.Close()
	assert.Equal(t, "aicache:entry:abc", b.entryKey("abc"))
	assert.Equal(t, "aicache:mode:quiz", b.modeKey("quiz"))
}
