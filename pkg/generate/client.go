// Package generate calls the upstream model API for a mode and returns the
// resulting artifact with usage and cost.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/medlearn/aicache/pkg/config"
	"github.com/medlearn/aicache/pkg/modelhint"
	"github.com/medlearn/aicache/pkg/models"
)

const (
	defaultMaxTokens        = 1024
	defaultTimeout          = 60 * time.Second
	defaultAnthropicVersion = "2023-06-01"
)

// ErrNoProvider is returned when a mode has no provider to call.
var ErrNoProvider = errors.New("no provider configured")

// UpstreamError is a non-2xx response from the provider.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned %d: %s", e.Provider, e.StatusCode, e.Body)
}

// IsRateLimited reports whether err is an upstream 429.
func IsRateLimited(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.StatusCode == http.StatusTooManyRequests
}

// Client generates artifacts from configured providers.
type Client struct {
	providers map[string]config.ProviderConfig
	fallback  string
	modes     map[string]config.ModeConfig
	prompts   map[string]*template.Template
	pricing   map[string]models.ModelPricing
	hints     *modelhint.Resolver
	http      *http.Client
	logger    *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// defaultPrompt renders the whole request context as JSON.
var defaultPrompt = template.Must(newTemplate("default").Parse(`{{json .}}`))

func newTemplate(name string) *template.Template {
	return template.New(name).Option("missingkey=zero").Funcs(template.FuncMap{
		"json": func(v any) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	})
}

// New builds a Client and parses every mode prompt.
func New(cfg *config.Config, hints *modelhint.Resolver, opts ...Option) (*Client, error) {
	c := &Client{
		providers: make(map[string]config.ProviderConfig, len(cfg.Providers)),
		modes:     cfg.Modes,
		prompts:   make(map[string]*template.Template, len(cfg.Modes)),
		pricing:   make(map[string]models.ModelPricing, len(cfg.Pricing)),
		hints:     hints,
		http:      &http.Client{},
		logger:    zap.NewNop(),
	}
	for _, p := range cfg.Providers {
		c.providers[p.Name] = p
		if c.fallback == "" {
			c.fallback = p.Name
		}
	}
	for _, p := range cfg.Pricing {
		c.pricing[p.Model] = p
	}
	for mode, m := range cfg.Modes {
		if m.Prompt == "" {
			continue
		}
		tmpl, err := newTemplate(mode).Parse(m.Prompt)
		if err != nil {
			return nil, fmt.Errorf("mode %q prompt: %w", mode, err)
		}
		c.prompts[mode] = tmpl
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Generate renders the mode prompt against reqContext and calls the
// provider. It does not retry.
func (c *Client) Generate(ctx context.Context, mode string, reqContext map[string]any) (models.Artifact, error) {
	m := c.modes[mode]
	name := m.Provider
	if name == "" {
		name = c.fallback
	}
	provider, ok := c.providers[name]
	if !ok {
		return models.Artifact{}, fmt.Errorf("mode %q: %w", mode, ErrNoProvider)
	}

	prompt, err := c.render(mode, reqContext)
	if err != nil {
		return models.Artifact{}, err
	}

	model := c.hints.Resolve(mode)
	maxTokens := m.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	timeout := provider.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var artifact models.Artifact
	switch provider.Type {
	case "openai":
		artifact, err = c.callOpenAI(ctx, provider, model, m.System, prompt, maxTokens)
	default:
		artifact, err = c.callAnthropic(ctx, provider, model, m.System, prompt, maxTokens)
	}
	if err != nil {
		return models.Artifact{}, err
	}

	if u := artifact.Usage; u != nil {
		if p, ok := c.pricing[u.Model]; ok {
			u.CostUSD = p.Cost(u.InputTokens, u.OutputTokens)
		}
	}
	c.logger.Debug("generated",
		zap.String("mode", mode),
		zap.String("provider", provider.Name),
		zap.String("model", model),
		zap.Duration("latency", time.Since(start)))
	return artifact, nil
}

func (c *Client) render(mode string, reqContext map[string]any) (string, error) {
	tmpl, ok := c.prompts[mode]
	if !ok {
		tmpl = defaultPrompt
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, reqContext); err != nil {
		return "", fmt.Errorf("render %q prompt: %w", mode, err)
	}
	return buf.String(), nil
}

func (c *Client) callAnthropic(ctx context.Context, p config.ProviderConfig, model, system, prompt string, maxTokens int) (models.Artifact, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		System:    system,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return models.Artifact{}, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{
		"x-api-key":         p.APIKey,
		"anthropic-version": defaultAnthropicVersion,
	}
	raw, err := c.post(ctx, p, "/v1/messages", headers, body)
	if err != nil {
		return models.Artifact{}, err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return models.Artifact{}, fmt.Errorf("decode %s response: %w", p.Name, err)
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	artifact := models.Artifact{Text: text.String(), Payload: raw}
	if resp.Usage != nil {
		artifact.Usage = &models.UsageInfo{
			Model:        firstNonEmpty(resp.Model, model),
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TokensUsed:   resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	return artifact, nil
}

func (c *Client) callOpenAI(ctx context.Context, p config.ProviderConfig, model, system, prompt string, maxTokens int) (models.Artifact, error) {
	var msgs []chatMessage
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatCompletionRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: &maxTokens,
	})
	if err != nil {
		return models.Artifact{}, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{"Authorization": "Bearer " + p.APIKey}
	raw, err := c.post(ctx, p, "/v1/chat/completions", headers, body)
	if err != nil {
		return models.Artifact{}, err
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return models.Artifact{}, fmt.Errorf("decode %s response: %w", p.Name, err)
	}
	artifact := models.Artifact{Payload: raw}
	if len(resp.Choices) > 0 {
		artifact.Text = resp.Choices[0].Message.Content
	}
	if resp.Usage != nil {
		artifact.Usage = &models.UsageInfo{
			Model:        firstNonEmpty(resp.Model, model),
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TokensUsed:   resp.Usage.TotalTokens,
		}
	}
	return artifact, nil
}

// post sends body to the provider and returns the 2xx response body.
func (c *Client) post(ctx context.Context, p config.ProviderConfig, path string, headers map[string]string, body []byte) ([]byte, error) {
	target, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid provider URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(target.String(), "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", p.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{Provider: p.Name, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
