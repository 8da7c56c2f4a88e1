package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/medlearn/aicache/pkg/analytics"
	"github.com/medlearn/aicache/pkg/cache"
	"github.com/medlearn/aicache/pkg/cache/sqlite"
	"github.com/medlearn/aicache/pkg/config"
	"github.com/medlearn/aicache/pkg/generate"
	"github.com/medlearn/aicache/pkg/invoke"
	"github.com/medlearn/aicache/pkg/metrics"
	"github.com/medlearn/aicache/pkg/modelhint"
	"github.com/medlearn/aicache/pkg/models"
)

type testEnv struct {
	srv    *Server
	store  *cache.Store
	events *analytics.Store
	calls  int
	genErr error
}

func setupServer(t *testing.T, keys ...string) *testEnv {
	t.Helper()
	dir := t.TempDir()

	b, err := sqlite.New(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	m := metrics.New()
	store := cache.New(b, cache.WithObserver(m))
	t.Cleanup(func() { store.Close() })

	events, err := analytics.NewStore(filepath.Join(dir, "cache.db"), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { events.Close() })

	env := &testEnv{store: store, events: events}
	inv := invoke.New(store, modelhint.New(config.ModelsConfig{Default: "claude-haiku-4-5"}),
		invoke.WithObserver(m))
	gen := func(_ context.Context, mode string, reqCtx map[string]any) (models.Artifact, error) {
		env.calls++
		if env.genErr != nil {
			return models.Artifact{}, env.genErr
		}
		return models.Artifact{
			Text:  fmt.Sprintf("%s for %v", mode, reqCtx["topic"]),
			Usage: &models.UsageInfo{Model: "claude-haiku-4-5", CostUSD: 0.002},
		}, nil
	}

	env.srv = New(":0", Deps{
		Store:    store,
		Invoker:  inv,
		Generate: gen,
		Events:   events,
		Metrics:  m.Handler(),
		Auth:     NewKeyAuthenticator(keys),
	})
	return env
}

func (e *testEnv) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func TestGenerateMissThenHit(t *testing.T) {
	env := setupServer(t)
	body := `{"context":{"topic":"cardiology","topicIds":[1,2,3]}}`

	w := env.do(http.MethodPost, "/v1/generate/quiz", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get(CacheHeader) != "miss" {
		t.Error("expected cache miss on first request")
	}

	w = env.do(http.MethodPost, "/v1/generate/quiz", `{"context":{"topicIds":[1,2,3],"topic":"cardiology"}}`)
	if w.Header().Get(CacheHeader) != "hit" {
		t.Fatal("expected cache hit on reordered keys")
	}
	var res models.InvokeResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Cached || !res.CacheHit || res.TotalHits != 1 {
		t.Errorf("unexpected result metadata %+v", res)
	}
	if res.Artifact.Text != "quiz for cardiology" {
		t.Errorf("unexpected artifact %q", res.Artifact.Text)
	}
	if env.calls != 1 {
		t.Errorf("expected one generation, got %d", env.calls)
	}
}

func TestGenerateFreshHitReportsCacheAge(t *testing.T) {
	env := setupServer(t)
	body := `{"context":{"topic":"fresh"}}`
	w := env.do(http.MethodPost, "/v1/generate/quiz", body)
	var raw map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["cacheAge"]; ok {
		t.Errorf("miss should not carry cacheAge: %s", w.Body.String())
	}

	w = env.do(http.MethodPost, "/v1/generate/quiz", body)
	raw = nil
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	age, ok := raw["cacheAge"]
	if !ok {
		t.Fatalf("hit under a second old should carry cacheAge: %s", w.Body.String())
	}
	if age.(float64) < 0 {
		t.Errorf("unexpected cacheAge %v", age)
	}
}

func TestGenerateErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		body   string
		status int
	}{
		{"bad body", nil, `{`, http.StatusBadRequest},
		{"rate limited", &generate.UpstreamError{StatusCode: 429}, `{"context":{}}`, http.StatusTooManyRequests},
		{"upstream failure", &generate.UpstreamError{StatusCode: 500}, `{"context":{}}`, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := setupServer(t)
			env.genErr = tc.err
			w := env.do(http.MethodPost, "/v1/generate/quiz", tc.body)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, w.Code, w.Body.String())
			}
			var eb errorBody
			if err := json.Unmarshal(w.Body.Bytes(), &eb); err != nil {
				t.Fatal(err)
			}
			if eb.Error.Code != tc.status || eb.Error.Type != "aicache_error" {
				t.Errorf("unexpected error body %+v", eb)
			}
		})
	}
}

func TestGenerateTTLSeconds(t *testing.T) {
	env := setupServer(t)
	w := env.do(http.MethodPost, "/v1/generate/quiz", `{"context":{"a":1},"ttl_seconds":0}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	lk, ok := env.store.Get(context.Background(), mustFingerprint(t, env, "quiz", map[string]any{"a": 1}))
	if !ok {
		t.Fatal("expected entry to be stored")
	}
	if lk.Entry.ExpiresAt != nil {
		t.Errorf("ttl_seconds 0 should store without expiry, got %v", lk.Entry.ExpiresAt)
	}
}

func TestGenerateTTLSecondsBounds(t *testing.T) {
	env := setupServer(t)
	w := env.do(http.MethodPost, "/v1/generate/quiz", `{"context":{"a":2},"ttl_seconds":9300000000}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized ttl, got %d: %s", w.Code, w.Body.String())
	}
	if env.calls != 0 {
		t.Errorf("expected no generation, got %d", env.calls)
	}

	w = env.do(http.MethodPost, "/v1/generate/quiz", fmt.Sprintf(`{"context":{"a":3},"ttl_seconds":%d}`, maxTTLSeconds))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 at the ttl limit, got %d", w.Code)
	}
	lk, ok := env.store.Get(context.Background(), mustFingerprint(t, env, "quiz", map[string]any{"a": 3}))
	if !ok || lk.Entry.ExpiresAt == nil || !lk.Entry.ExpiresAt.After(time.Now().AddDate(100, 0, 0)) {
		t.Errorf("expected far-future expiry, got %+v", lk)
	}

	w = env.do(http.MethodPost, "/v1/generate/quiz", `{"context":{"a":4},"ttl_seconds":-9300000000}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for negative ttl, got %d", w.Code)
	}
	lk, ok = env.store.Get(context.Background(), mustFingerprint(t, env, "quiz", map[string]any{"a": 4}))
	if !ok || lk.Entry.ExpiresAt != nil {
		t.Errorf("negative ttl should store without expiry, got %+v", lk)
	}
}

func mustFingerprint(t *testing.T, env *testEnv, mode string, ctx map[string]any) string {
	t.Helper()
	fp, err := env.srv.deps.Invoker.Fingerprint(mode, ctx)
	if err != nil {
		t.Fatal(err)
	}
	return fp
}

func TestStatsAndClear(t *testing.T) {
	env := setupServer(t)
	env.do(http.MethodPost, "/v1/generate/quiz", `{"context":{"topic":"a"}}`)
	env.do(http.MethodPost, "/v1/generate/quiz", `{"context":{"topic":"a"}}`)
	env.do(http.MethodPost, "/v1/generate/summary", `{"context":{"topic":"b"}}`)

	w := env.do(http.MethodGet, "/admin/cache/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var stats models.CacheStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalEntries != 2 || stats.TotalHits != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.ByMode["quiz"].Hits != 1 || stats.ByMode["summary"].Count != 1 {
		t.Errorf("unexpected by_mode %+v", stats.ByMode)
	}

	w = env.do(http.MethodDelete, "/admin/cache?mode=quiz", "")
	var cleared clearResponse
	if err := json.Unmarshal(w.Body.Bytes(), &cleared); err != nil {
		t.Fatal(err)
	}
	if cleared.DeletedCount != 1 {
		t.Errorf("expected 1 deleted, got %d", cleared.DeletedCount)
	}

	w = env.do(http.MethodDelete, "/admin/cache", "")
	json.Unmarshal(w.Body.Bytes(), &cleared)
	if cleared.DeletedCount != 1 {
		t.Errorf("expected remaining entry deleted, got %d", cleared.DeletedCount)
	}
}

func TestStatsJSONShape(t *testing.T) {
	env := setupServer(t)
	w := env.do(http.MethodGet, "/admin/cache/stats", "")
	var raw map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"total_entries", "total_hits", "total_cost_saved", "hit_rate", "by_mode"} {
		if _, ok := raw[k]; !ok {
			t.Errorf("missing key %q in %s", k, w.Body.String())
		}
	}
}

func TestAuth(t *testing.T) {
	env := setupServer(t, "sk-admin")

	w := env.do(http.MethodGet, "/admin/cache/stats", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", w.Code)
	}
	w = env.do(http.MethodGet, "/admin/cache/stats", "", "Authorization", "Bearer wrong")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong key, got %d", w.Code)
	}
	w = env.do(http.MethodGet, "/admin/cache/stats", "", "Authorization", "Bearer sk-admin")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with bearer key, got %d", w.Code)
	}
	w = env.do(http.MethodGet, "/admin/cache/stats", "", "x-api-key", "sk-admin")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with x-api-key, got %d", w.Code)
	}

	// Health stays open.
	w = env.do(http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected open healthz, got %d", w.Code)
	}
}

func TestEvents(t *testing.T) {
	env := setupServer(t)
	now := time.Now().UTC()
	err := env.events.Write(context.Background(), []models.CacheEvent{
		{ID: "1", Mode: "quiz", Outcome: models.OutcomeMiss, CostUSD: 0.002, CreatedAt: now},
		{ID: "2", Mode: "quiz", Outcome: models.OutcomeHit, CostUSD: 0.002, CreatedAt: now},
	})
	if err != nil {
		t.Fatal(err)
	}

	w := env.do(http.MethodGet, "/admin/events?since=1h", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Modes []models.EventSummary `json:"modes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Modes) != 1 || body.Modes[0].Hits != 1 || body.Modes[0].Misses != 1 {
		t.Errorf("unexpected summary %+v", body.Modes)
	}

	w = env.do(http.MethodGet, "/admin/events?since=whenever", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad since, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupServer(t)
	env.do(http.MethodPost, "/v1/generate/quiz", `{"context":{"topic":"a"}}`)

	w := env.do(http.MethodGet, "/metrics", "")
	if !strings.Contains(w.Body.String(), `aicache_lookups_total{mode="quiz",result="miss"} 1`) {
		t.Errorf("expected lookup counter in metrics output")
	}
}

func TestHealth(t *testing.T) {
	env := setupServer(t)
	w := env.do(http.MethodGet, "/healthz", "")
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected health body %v", body)
	}
}
