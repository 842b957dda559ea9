package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/persona/pkg/models"
)

func newTestTracker(t *testing.T) *SQLiteTracker {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	tr, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestRecordAndRecent(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := models.AnalysisRecord{
		RequestID:   "req-1",
		ClientID:    "10.0.0.1",
		Fingerprint: "abc",
		Outcome:     models.OutcomeCompleted,
		CacheHit:    true,
		LatencyMs:   12,
		CreatedAt:   now,
	}
	if err := tr.Record(ctx, rec); err != nil {
		t.Fatal(err)
	}

	records, err := tr.Recent(ctx, "10.0.0.1", now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.RequestID != "req-1" || !got.CacheHit || got.LatencyMs != 12 || got.Outcome != models.OutcomeCompleted {
		t.Errorf("unexpected record: %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("expected created_at %v, got %v", now, got.CreatedAt)
	}

	records, err = tr.Recent(ctx, "10.0.0.1", now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records after since, got %d", len(records))
	}
}

func TestSummary(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	recs := []models.AnalysisRecord{
		{ClientID: "a", Outcome: models.OutcomeCompleted},
		{ClientID: "a", Outcome: models.OutcomeCompleted, CacheHit: true},
		{ClientID: "a", Outcome: models.OutcomeFailed, Reason: "rate_limited"},
		{ClientID: "a", Outcome: models.OutcomeFailed, Reason: "timeout"},
		{ClientID: "b", Outcome: models.OutcomeFailed, Reason: "too_short"},
	}
	for i, r := range recs {
		r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := tr.Record(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	all, err := tr.Summary(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 clients, got %d", len(all))
	}

	a := all[0]
	if a.ClientID != "a" || a.Requests != 4 || a.Completed != 2 || a.CacheHits != 1 || a.RateLimited != 1 || a.Failed != 1 {
		t.Errorf("unexpected summary for a: %+v", a)
	}
	if !a.FirstSeen.Equal(base) || !a.LastSeen.Equal(base.Add(3*time.Minute)) {
		t.Errorf("unexpected first/last seen: %v %v", a.FirstSeen, a.LastSeen)
	}

	only, err := tr.Summary(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(only) != 1 || only[0].Failed != 1 {
		t.Errorf("unexpected filtered summary: %+v", only)
	}
}

func TestPrune(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = tr.Record(ctx, models.AnalysisRecord{ClientID: "a", Outcome: models.OutcomeCompleted, CreatedAt: now.Add(-48 * time.Hour)})
	_ = tr.Record(ctx, models.AnalysisRecord{ClientID: "a", Outcome: models.OutcomeCompleted, CreatedAt: now})

	n, err := tr.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned record, got %d", n)
	}
}
