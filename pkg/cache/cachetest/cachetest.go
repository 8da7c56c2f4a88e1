// Package cachetest holds a behavioral suite shared by every cache.Backend.
package cachetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medlearn/aicache/pkg/cache"
	"github.com/medlearn/aicache/pkg/models"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory returns a fresh, empty backend for one test.
type Factory func(t *testing.T) cache.Backend

// Run executes the suite against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s *cache.Store, clock *Clock)
	}{
		{"RoundTrip", testRoundTrip},
		{"Miss", testMiss},
		{"ExpiryBoundary", testExpiryBoundary},
		{"NoExpiry", testNoExpiry},
		{"UpsertSingleRecord", testUpsertSingleRecord},
		{"HitsPreservedOnOverwrite", testHitsPreservedOnOverwrite},
		{"HitAccounting", testHitAccounting},
		{"ClearByMode", testClearByMode},
		{"ClearAll", testClearAll},
		{"Purge", testPurge},
		{"Stats", testStats},
		{"UsageExtraction", testUsageExtraction},
		{"ConcurrentAccess", testConcurrentAccess},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := NewClock()
			b := newBackend(t)
			s := cache.New(b, cache.WithClock(clock.Now))
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s, clock)
		})
	}
}

func artifact(text string, cost float64) models.Artifact {
	return models.Artifact{
		Text:  text,
		Usage: &models.UsageInfo{Model: "claude-haiku-4-5", InputTokens: 100, OutputTokens: 50, CostUSD: cost},
	}
}

func testRoundTrip(t *testing.T, s *cache.Store, _ *Clock) {
	ctx := context.Background()
	want := models.Artifact{Text: "Heart has four chambers.", Payload: []byte(`{"bullets":["a","b"]}`)}
	s.Set(ctx, "fp-1", "summary", map[string]any{"topicIds": []any{1, 2, 3}}, want, time.Hour)

	got, ok := s.Get(ctx, "fp-1")
	require.True(t, ok, "expected cache hit")
	assert.Equal(t, want.Text, got.Artifact.Text)
	assert.JSONEq(t, string(want.Payload), string(got.Artifact.Payload))
	assert.Nil(t, got.Artifact.Usage)
	assert.Equal(t, "summary", got.Entry.Mode)
	assert.JSONEq(t, `{"topicIds":[1,2,3]}`, string(got.Entry.Context))
	assert.EqualValues(t, 1, got.TotalHits)
	assert.EqualValues(t, 0, got.CacheAge)
}

func testMiss(t *testing.T, s *cache.Store, _ *Clock) {
	_, ok := s.Get(context.Background(), "absent")
	assert.False(t, ok)
}

func testExpiryBoundary(t *testing.T, s *cache.Store, clock *Clock) {
	ctx := context.Background()
	s.Set(ctx, "fp-ttl", "quiz", nil, artifact("q", 0.001), time.Second)

	clock.Advance(500 * time.Millisecond)
	_, ok := s.Get(ctx, "fp-ttl")
	require.True(t, ok, "expected hit before expiry")

	clock.Advance(1500 * time.Millisecond)
	_, ok = s.Get(ctx, "fp-ttl")
	require.False(t, ok, "expected miss after expiry")

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.TotalEntries, "expired entry should be deleted on read")
}

func testNoExpiry(t *testing.T, s *cache.Store, clock *Clock) {
	ctx := context.Background()
	s.Set(ctx, "fp-zero", "summary", nil, artifact("a", 0), 0)
	s.Set(ctx, "fp-neg", "summary", nil, artifact("b", 0), -time.Minute)

	clock.Advance(10 * 365 * 24 * time.Hour)
	for _, fp := range []string{"fp-zero", "fp-neg"} {
		got, ok := s.Get(ctx, fp)
		require.True(t, ok, fp)
		assert.Nil(t, got.Entry.ExpiresAt, fp)
	}
}

func testUpsertSingleRecord(t *testing.T, s *cache.Store, _ *Clock) {
	ctx := context.Background()
	s.Set(ctx, "fp-dup", "review", nil, artifact("first", 0.01), time.Hour)
	s.Set(ctx, "fp-dup", "review", nil, artifact("second", 0.02), time.Hour)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalEntries)

	got, ok := s.Get(ctx, "fp-dup")
	require.True(t, ok)
	assert.Equal(t, "second", got.Artifact.Text)
	require.NotNil(t, got.Entry.Cost)
	assert.InDelta(t, 0.02, *got.Entry.Cost, 1e-9)
}

func testHitsPreservedOnOverwrite(t *testing.T, s *cache.Store, clock *Clock) {
	ctx := context.Background()
	s.Set(ctx, "fp-keep", "summary", nil, artifact("v1", 0), time.Hour)
	created := clock.Now()
	for i := 0; i < 3; i++ {
		_, ok := s.Get(ctx, "fp-keep")
		require.True(t, ok)
	}

	clock.Advance(10 * time.Second)
	s.Set(ctx, "fp-keep", "summary", nil, artifact("v2", 0), time.Hour)

	got, ok := s.Get(ctx, "fp-keep")
	require.True(t, ok)
	assert.Equal(t, "v2", got.Artifact.Text)
	assert.EqualValues(t, 4, got.TotalHits)
	assert.True(t, got.Entry.CreatedAt.Equal(created), "created_at must not change on overwrite")
	assert.EqualValues(t, 10, got.CacheAge)
}

func testHitAccounting(t *testing.T, s *cache.Store, clock *Clock) {
	ctx := context.Background()
	s.Set(ctx, "fp-hits", "quiz", nil, artifact("q", 0), time.Hour)

	var last int64
	for i := 1; i <= 5; i++ {
		clock.Advance(time.Second)
		got, ok := s.Get(ctx, "fp-hits")
		require.True(t, ok)
		assert.Greater(t, got.TotalHits, last)
		assert.EqualValues(t, i, got.TotalHits)
		assert.EqualValues(t, i, got.CacheAge)
		assert.True(t, got.Entry.LastAccessedAt.Equal(clock.Now()))
		last = got.TotalHits
	}
}

func seedModes(t *testing.T, s *cache.Store) {
	t.Helper()
	ctx := context.Background()
	s.Set(ctx, "quiz-1", "quiz", nil, artifact("q1", 0.01), time.Hour)
	s.Set(ctx, "quiz-2", "quiz", nil, artifact("q2", 0.01), time.Hour)
	s.Set(ctx, "sum-1", "summary", nil, artifact("s1", 0.002), time.Hour)
	s.Set(ctx, "rev-1", "review", nil, artifact("r1", 0.05), time.Hour)
	for _, fp := range []string{"sum-1", "sum-1", "rev-1"} {
		_, ok := s.Get(ctx, fp)
		require.True(t, ok)
	}
}

func testClearByMode(t *testing.T, s *cache.Store, _ *Clock) {
	ctx := context.Background()
	seedModes(t, s)

	n, err := s.Clear(ctx, "quiz")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, ok := s.Get(ctx, "quiz-1")
	assert.False(t, ok)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalEntries)
	assert.NotContains(t, stats.ByMode, "quiz")
	assert.EqualValues(t, 2, stats.ByMode["summary"].Hits)
	assert.EqualValues(t, 1, stats.ByMode["review"].Hits)

	n, err = s.Clear(ctx, "nonexistent")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func testClearAll(t *testing.T, s *cache.Store, _ *Clock) {
	ctx := context.Background()
	seedModes(t, s)

	n, err := s.Clear(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.TotalEntries)
	assert.Empty(t, stats.ByMode)
}

func testPurge(t *testing.T, s *cache.Store, clock *Clock) {
	ctx := context.Background()
	s.Set(ctx, "short", "quiz", nil, artifact("a", 0), time.Second)
	s.Set(ctx, "long", "quiz", nil, artifact("b", 0), time.Hour)
	s.Set(ctx, "forever", "quiz", nil, artifact("c", 0), 0)

	clock.Advance(time.Minute)

	// Expired but unread entries stay until read or purged.
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.TotalEntries)

	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalEntries)
}

func testStats(t *testing.T, s *cache.Store, _ *Clock) {
	ctx := context.Background()
	seedModes(t, s)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.TotalEntries)
	assert.EqualValues(t, 3, stats.TotalHits)
	// summary: 0.002 * 2, review: 0.05 * 1, quiz: 0
	assert.InDelta(t, 0.054, stats.TotalCostSaved, 1e-9)
	assert.InDelta(t, 3.0/7.0, stats.HitRate, 1e-9)

	quiz := stats.ByMode["quiz"]
	assert.EqualValues(t, 2, quiz.Count)
	assert.EqualValues(t, 0, quiz.Hits)
	assert.InDelta(t, 0, quiz.CostSaved, 1e-9)

	summary := stats.ByMode["summary"]
	assert.EqualValues(t, 1, summary.Count)
	assert.EqualValues(t, 2, summary.Hits)
	assert.InDelta(t, 0.004, summary.CostSaved, 1e-9)
}

func testUsageExtraction(t *testing.T, s *cache.Store, _ *Clock) {
	ctx := context.Background()
	s.Set(ctx, "with-usage", "summary", nil, artifact("a", 0.002), time.Hour)
	s.Set(ctx, "no-usage", "summary", nil, models.Artifact{Text: "b"}, time.Hour)

	got, ok := s.Get(ctx, "with-usage")
	require.True(t, ok)
	require.NotNil(t, got.Entry.Model)
	assert.Equal(t, "claude-haiku-4-5", *got.Entry.Model)
	require.NotNil(t, got.Entry.TokensUsed)
	assert.EqualValues(t, 150, *got.Entry.TokensUsed)
	require.NotNil(t, got.Entry.Cost)
	assert.InDelta(t, 0.002, *got.Entry.Cost, 1e-9)
	require.NotNil(t, got.Artifact.Usage)
	assert.EqualValues(t, 100, got.Artifact.Usage.InputTokens)

	got, ok = s.Get(ctx, "no-usage")
	require.True(t, ok)
	assert.Nil(t, got.Entry.Model)
	assert.Nil(t, got.Entry.TokensUsed)
	assert.Nil(t, got.Entry.Cost)
}

func testConcurrentAccess(t *testing.T, s *cache.Store, _ *Clock) {
	ctx := context.Background()
	s.Set(ctx, "hot", "summary", nil, artifact("hot", 0.001), time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if j%5 == 0 {
					s.Set(ctx, "hot", "summary", nil, artifact("hot", 0.001), time.Hour)
					continue
				}
				s.Get(ctx, "hot")
			}
		}(i)
	}
	wg.Wait()

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalEntries)

	got, ok := s.Get(ctx, "hot")
	require.True(t, ok)
	assert.Equal(t, "hot", got.Artifact.Text)
	assert.Positive(t, got.TotalHits)
}
