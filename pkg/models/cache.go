package models

import (
	"encoding/json"
	"time"
)

// Descriptor describes what was asked of the generation collaborator.
// Two descriptors that differ only in map key order fingerprint identically.
type Descriptor struct {
	Mode      string         `json:"mode"`
	ModelHint string         `json:"modelHint"`
	Context   map[string]any `json:"context"`
}

// CacheEntry is one persisted cache record, keyed by PromptHash.
type CacheEntry struct {
	PromptHash     string          `json:"prompt_hash"`
	Mode           string          `json:"mode"`
	Context        json.RawMessage `json:"context"`
	Response       json.RawMessage `json:"response"`
	Model          *string         `json:"model"`
	TokensUsed     *int64          `json:"tokens_used"`
	Cost           *float64        `json:"cost"`
	Hits           int64           `json:"hits"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
	ExpiresAt      *time.Time      `json:"expires_at"`
}

// Expired reports whether the entry has an expiry that is before now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

// Artifact decodes the stored response.
func (e *CacheEntry) Artifact() (Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(e.Response, &a); err != nil {
		return Artifact{}, err
	}
	return a, nil
}

// Lookup is the result of a cache hit.
type Lookup struct {
	Entry     CacheEntry
	Artifact  Artifact
	CacheAge  int64 // whole seconds since CreatedAt
	TotalHits int64 // hit count after this read
}

// ModeStats aggregates entries that share a mode.
type ModeStats struct {
	Count     int64   `json:"count"`
	Hits      int64   `json:"hits"`
	CostSaved float64 `json:"cost_saved"`
}

// CacheStats is the administrative cache report.
//
// HitRate is total_hits / (total_hits + total_entries), or 0 for an empty cache.
// CostSaved sums cost * hits over entries.
type CacheStats struct {
	TotalEntries   int64                `json:"total_entries"`
	TotalHits      int64                `json:"total_hits"`
	TotalCostSaved float64              `json:"total_cost_saved"`
	HitRate        float64              `json:"hit_rate"`
	ByMode         map[string]ModeStats `json:"by_mode"`
}

// HitRate computes the ratio reported in CacheStats.
func HitRate(hits, entries int64) float64 {
	if hits+entries == 0 {
		return 0
	}
	return float64(hits) / float64(hits+entries)
}

// InvokeResult is what a cache-aware invocation returns to an endpoint.
// CacheAge is set on every hit, including hits younger than a second.
type InvokeResult struct {
	Artifact  Artifact `json:"artifact"`
	Cached    bool     `json:"cached"`
	CacheHit  bool     `json:"cacheHit,omitempty"`
	CacheAge  *int64   `json:"cacheAge,omitempty"`
	TotalHits int64    `json:"totalHits,omitempty"`
}
