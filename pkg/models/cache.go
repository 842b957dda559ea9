package models

import "time"

// CacheEntry stores a cached analysis result.
type CacheEntry struct {
	Fingerprint string         `json:"fingerprint"`
	Result      AnalysisResult `json:"result"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	LastAccess  time.Time      `json:"last_access"`
}

// Expired reports whether the entry is past its expiry at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries     int64 `json:"entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

// HitRatio returns hits / (hits + misses), or 0 when nothing was looked up.
func (s CacheStats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
