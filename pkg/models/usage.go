package models

import "time"

// Outcome is the terminal state of an analysis request.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// AnalysisRecord tracks a single processed analysis request.
type AnalysisRecord struct {
	ID          int64     `json:"id"`
	RequestID   string    `json:"request_id,omitempty"`
	ClientID    string    `json:"client_id"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	CacheHit    bool      `json:"cache_hit"`
	LatencyMs   int64     `json:"latency_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// ClientSummary aggregates analysis requests for one client.
type ClientSummary struct {
	ClientID    string    `json:"client_id"`
	Requests    int       `json:"requests"`
	Completed   int       `json:"completed"`
	CacheHits   int       `json:"cache_hits"`
	RateLimited int       `json:"rate_limited"`
	Failed      int       `json:"failed"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// LimiterStats reports rate limiter counters.
type LimiterStats struct {
	Clients  int   `json:"clients"`
	Admitted int64 `json:"admitted"`
	Rejected int64 `json:"rejected"`
	Swept    int64 `json:"swept"`
}
