package models

import "time"

// AuditEntry represents a single audited analysis request/response pair.
type AuditEntry struct {
	RequestID    string    `json:"request_id"`
	ClientID     string    `json:"-"` // hashed by the audit logger, never stored
	ClientHash   string    `json:"client_hash"`
	ClientPrefix string    `json:"client_prefix"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	Error        string    `json:"error,omitempty"`
	CacheHit     bool      `json:"cache_hit"`
	Text         string    `json:"text,omitempty"`
	Response     string    `json:"response,omitempty"`
	StatusCode   int       `json:"status_code"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditConfig controls the audit logging subsystem.
type AuditConfig struct {
	Enabled       bool     `yaml:"enabled"`
	DBPath        string   `yaml:"db_path"`
	RetentionDays int      `yaml:"retention_days"`
	Include       []string `yaml:"include"` // "text", "responses"
	MaxBodySize   int      `yaml:"max_body_size"`
}

// AuditQueryOpts specifies filters for querying audit entries.
type AuditQueryOpts struct {
	Outcome      Outcome
	Since        time.Time
	ClientPrefix string
	Fingerprint  string
	RequestID    string
	Limit        int
}

// AuditStat holds aggregate audit counts for an outcome/day combination.
type AuditStat struct {
	Outcome Outcome
	Day     string
	Count   int
}
