package models

import "time"

// EventOutcome classifies one pass through the invocation wrapper.
type EventOutcome string

const (
	OutcomeHit   EventOutcome = "hit"
	OutcomeMiss  EventOutcome = "miss"
	OutcomeError EventOutcome = "error"
	// OutcomeShared is a miss that waited on another caller's generation
	// for the same fingerprint instead of generating itself.
	OutcomeShared EventOutcome = "shared"
)

// CacheEvent is one analytics record emitted by the invocation wrapper.
type CacheEvent struct {
	ID          string       `json:"id"`
	Fingerprint string       `json:"fingerprint"`
	Mode        string       `json:"mode"`
	Outcome     EventOutcome `json:"outcome"`
	Model       string       `json:"model,omitempty"`
	TokensUsed  int64        `json:"tokens_used"`
	CostUSD     float64      `json:"cost_usd"`
	LatencyMs   int64        `json:"latency_ms"`
	CreatedAt   time.Time    `json:"created_at"`
}

// EventSummary aggregates events for a mode since a point in time.
// CostSaved sums the cost of artifacts served from cache or shared from an
// in-flight generation.
type EventSummary struct {
	Mode      string  `json:"mode"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Shared    int64   `json:"shared"`
	Errors    int64   `json:"errors"`
	CostSpent float64 `json:"cost_spent"`
	CostSaved float64 `json:"cost_saved"`
}
