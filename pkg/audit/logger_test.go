package audit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/persona/pkg/models"
)

func tempCfg(t *testing.T) models.AuditConfig {
	t.Helper()
	return models.AuditConfig{
		Enabled:       true,
		DBPath:        filepath.Join(t.TempDir(), "audit_test.db"),
		RetentionDays: 90,
		MaxBodySize:   1024,
		Include:       []string{IncludeText, IncludeResponses},
	}
}

func mustNew(t *testing.T, cfg models.AuditConfig) *Logger {
	t.Helper()
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sampleEntry() models.AuditEntry {
	return models.AuditEntry{
		RequestID:   "req-001",
		ClientID:    "203.0.113.7",
		Fingerprint: "f00d",
		Outcome:     models.OutcomeCompleted,
		Text:        "I like quiet mornings and long books.",
		Response:    `{"mbti_type":"INTP"}`,
		StatusCode:  200,
		LatencyMs:   150,
		CreatedAt:   time.Now(),
	}
}

func TestLogAndQuery(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	if err := l.Log(ctx, sampleEntry()); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{Outcome: models.OutcomeCompleted})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.RequestID != "req-001" {
		t.Errorf("expected req-001, got %s", e.RequestID)
	}
	if e.Response != `{"mbti_type":"INTP"}` {
		t.Errorf("unexpected response %q", e.Response)
	}
	if strings.Contains(e.ClientHash+e.ClientPrefix, "203.0.113.7") {
		t.Error("raw client ID must not be stored")
	}
	hash, prefix := HashClient("203.0.113.7")
	if e.ClientHash != hash || e.ClientPrefix != prefix {
		t.Errorf("unexpected client hash %s/%s", e.ClientHash, e.ClientPrefix)
	}
}

func TestQueryFilters(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	_ = l.Log(ctx, sampleEntry())
	failed := sampleEntry()
	failed.RequestID = "req-002"
	failed.ClientID = "198.51.100.1"
	failed.Outcome = models.OutcomeFailed
	failed.Reason = "too_short"
	failed.StatusCode = 400
	_ = l.Log(ctx, failed)

	entries, err := l.Query(ctx, models.AuditQueryOpts{RequestID: "req-002"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].Reason != "too_short" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	_, prefix := HashClient("203.0.113.7")
	entries, _ = l.Query(ctx, models.AuditQueryOpts{ClientPrefix: prefix})
	if len(entries) != 1 || entries[0].RequestID != "req-001" {
		t.Errorf("prefix filter returned %+v", entries)
	}

	entries, _ = l.Query(ctx, models.AuditQueryOpts{Fingerprint: "f00d", Limit: 1})
	if len(entries) != 1 {
		t.Errorf("expected limit to apply, got %d", len(entries))
	}

	entries, _ = l.Query(ctx, models.AuditQueryOpts{Since: time.Now().Add(time.Hour)})
	if len(entries) != 0 {
		t.Errorf("expected no entries in the future, got %d", len(entries))
	}
}

func TestBodyTruncation(t *testing.T) {
	cfg := tempCfg(t)
	cfg.MaxBodySize = 16
	l := mustNew(t, cfg)
	ctx := context.Background()

	entry := sampleEntry()
	entry.Text = strings.Repeat("x", 15) + "é"
	if err := l.Log(ctx, entry); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{RequestID: "req-001"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if entries[0].Text != strings.Repeat("x", 15) {
		t.Errorf("expected rune-safe truncation, got %q", entries[0].Text)
	}
}

func TestIncludeFiltering(t *testing.T) {
	cfg := tempCfg(t)
	cfg.Include = nil
	l := mustNew(t, cfg)
	ctx := context.Background()

	if err := l.Log(ctx, sampleEntry()); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{RequestID: "req-001"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if entries[0].Text != "" {
		t.Errorf("expected empty text, got %q", entries[0].Text)
	}
	if entries[0].Response != "" {
		t.Errorf("expected empty response, got %q", entries[0].Response)
	}
}

func TestCleanup(t *testing.T) {
	cfg := tempCfg(t)
	cfg.RetentionDays = 7
	l := mustNew(t, cfg)
	ctx := context.Background()

	old := sampleEntry()
	old.CreatedAt = time.Now().AddDate(0, 0, -8)
	_ = l.Log(ctx, old)
	fresh := sampleEntry()
	fresh.RequestID = "req-002"
	fresh.CreatedAt = time.Now().AddDate(0, 0, -1)
	_ = l.Log(ctx, fresh)

	deleted, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
}

func TestCleanupDisabled(t *testing.T) {
	cfg := tempCfg(t)
	cfg.RetentionDays = 0
	l := mustNew(t, cfg)
	ctx := context.Background()

	entry := sampleEntry()
	entry.CreatedAt = time.Now().AddDate(-1, 0, 0)
	_ = l.Log(ctx, entry)

	deleted, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 0 {
		t.Errorf("retention 0 must keep everything, deleted %d", deleted)
	}
}

func TestStats(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	_ = l.Log(ctx, sampleEntry())
	e2 := sampleEntry()
	e2.RequestID = "req-002"
	_ = l.Log(ctx, e2)

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 stat row, got %d", len(stats))
	}
	if stats[0].Count != 2 || stats[0].Outcome != models.OutcomeCompleted {
		t.Errorf("unexpected stat %+v", stats[0])
	}
	if stats[0].Day != time.Now().UTC().Format("2006-01-02") {
		t.Errorf("unexpected day %q", stats[0].Day)
	}
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	if err := l.Log(context.Background(), sampleEntry()); err != nil {
		t.Errorf("expected nil logger to ignore entries, got %v", err)
	}
}
