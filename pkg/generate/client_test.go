package generate

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/medlearn/aicache/pkg/config"
	"github.com/medlearn/aicache/pkg/modelhint"
	"github.com/medlearn/aicache/pkg/models"
)

func newTestClient(t *testing.T, upstream *httptest.Server, providerType string) *Client {
	t.Helper()
	cfg := &config.Config{
		Providers: []config.ProviderConfig{
			{Name: "test", URL: upstream.URL, APIKey: "sk-provider", Type: providerType},
		},
		Modes: map[string]config.ModeConfig{
			"summary": {Provider: "test", System: "Be brief.", Prompt: "Summarize topics {{json .topicIds}}", MaxTokens: 256},
		},
		Pricing: []models.ModelPricing{
			{Model: "claude-haiku-4-5", PromptCost: 1, CompletionCost: 5},
		},
	}
	c, err := New(cfg, modelhint.New(config.ModelsConfig{Default: "claude-haiku-4-5"}))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestGenerateAnthropic(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-provider" {
			t.Error("expected provider API key in upstream request")
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
			return
		}
		if req.Model != "claude-haiku-4-5" {
			t.Errorf("expected resolved model, got %s", req.Model)
		}
		if req.System != "Be brief." || req.MaxTokens != 256 {
			t.Errorf("unexpected request: %+v", req)
		}
		if got := req.Messages[0].Content; got != "Summarize topics [1,2,3]" {
			t.Errorf("unexpected prompt %q", got)
		}
		json.NewEncoder(w).Encode(anthropicResponse{
			ID:      "msg_1",
			Model:   "claude-haiku-4-5",
			Content: []anthropicContent{{Type: "text", Text: "Hearts pump."}},
			Usage:   &anthropicUsage{InputTokens: 1000, OutputTokens: 200},
		})
	}))
	defer upstream.Close()

	c := newTestClient(t, upstream, "anthropic")
	a, err := c.Generate(context.Background(), "summary", map[string]any{"topicIds": []any{1, 2, 3}})
	if err != nil {
		t.Fatal(err)
	}
	if a.Text != "Hearts pump." {
		t.Errorf("unexpected text %q", a.Text)
	}
	if a.Usage == nil || a.Usage.Tokens() != 1200 {
		t.Fatalf("unexpected usage %+v", a.Usage)
	}
	// 1000/1000*1 + 200/1000*5
	if math.Abs(a.Usage.CostUSD-2.0) > 1e-9 {
		t.Errorf("expected cost 2.0, got %f", a.Usage.CostUSD)
	}
}

func TestGenerateOpenAI(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-provider" {
			t.Error("expected bearer provider key")
		}
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
			return
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("expected system then user message, got %+v", req.Messages)
		}
		json.NewEncoder(w).Encode(chatCompletionResponse{
			Model:   "gpt-4o-mini",
			Choices: []choice{{Message: chatMessage{Role: "assistant", Content: "ok"}}},
			Usage:   &openAIUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		})
	}))
	defer upstream.Close()

	c := newTestClient(t, upstream, "openai")
	a, err := c.Generate(context.Background(), "summary", map[string]any{"topicIds": []any{1}})
	if err != nil {
		t.Fatal(err)
	}
	if a.Text != "ok" || a.Usage.Model != "gpt-4o-mini" || a.Usage.Tokens() != 15 {
		t.Errorf("unexpected artifact %+v usage %+v", a, a.Usage)
	}
	if a.Usage.CostUSD != 0 {
		t.Errorf("expected no cost for unpriced model, got %f", a.Usage.CostUSD)
	}
}

func TestGenerateRateLimited(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer upstream.Close()

	c := newTestClient(t, upstream, "anthropic")
	_, err := c.Generate(context.Background(), "summary", map[string]any{"topicIds": []any{1}})
	if !IsRateLimited(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Body != `{"error":"slow down"}` {
		t.Errorf("unexpected upstream error %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no retries, got %d calls", calls)
	}
}

func TestGenerateServerError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	c := newTestClient(t, upstream, "")
	_, err := c.Generate(context.Background(), "summary", map[string]any{"topicIds": []any{1}})
	if err == nil || IsRateLimited(err) {
		t.Fatalf("expected non rate limit upstream error, got %v", err)
	}
}

func TestGenerateDefaultPrompt(t *testing.T) {
	var prompt string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		json.NewDecoder(r.Body).Decode(&req)
		prompt = req.Messages[0].Content
		json.NewEncoder(w).Encode(anthropicResponse{Content: []anthropicContent{{Type: "text", Text: "x"}}})
	}))
	defer upstream.Close()

	c := newTestClient(t, upstream, "anthropic")
	a, err := c.Generate(context.Background(), "quiz", map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if prompt != `{"a":1,"b":2}` {
		t.Errorf("unexpected default prompt %q", prompt)
	}
	if a.Usage != nil {
		t.Errorf("expected nil usage when upstream reports none, got %+v", a.Usage)
	}
}

func TestGenerateNoProvider(t *testing.T) {
	c, err := New(&config.Config{}, modelhint.New(config.ModelsConfig{}))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Generate(context.Background(), "quiz", nil)
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
}

func TestNewBadTemplate(t *testing.T) {
	cfg := &config.Config{Modes: map[string]config.ModeConfig{"quiz": {Prompt: "{{.unclosed"}}}
	if _, err := New(cfg, modelhint.New(config.ModelsConfig{})); err == nil {
		t.Error("expected template parse error")
	}
}
