package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/persona/pkg/models"
	"github.com/pario-ai/persona/pkg/validation"
)

const timeLayout = "2006-01-02 15:04:05"

func formatCacheStats(backend string, s models.CacheStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backend:     %s\n", backend)
	fmt.Fprintf(&b, "Entries:     %d\n", s.Entries)
	fmt.Fprintf(&b, "Hits:        %d\n", s.Hits)
	fmt.Fprintf(&b, "Misses:      %d\n", s.Misses)
	fmt.Fprintf(&b, "Evictions:   %d\n", s.Evictions)
	fmt.Fprintf(&b, "Expirations: %d\n", s.Expirations)
	fmt.Fprintf(&b, "Hit ratio:   %.1f%%\n", s.HitRatio()*100)
	return b.String()
}

func formatSummaries(sums []models.ClientSummary) string {
	if len(sums) == 0 {
		return "No requests recorded.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-40s %8s %9s %6s %7s %6s %-19s\n",
		"CLIENT", "REQUESTS", "COMPLETED", "CACHED", "LIMITED", "FAILED", "LAST SEEN")
	b.WriteString(strings.Repeat("-", 103) + "\n")
	for _, s := range sums {
		fmt.Fprintf(&b, "%-40s %8d %9d %6d %7d %6d %-19s\n",
			s.ClientID, s.Requests, s.Completed, s.CacheHits, s.RateLimited, s.Failed,
			s.LastSeen.Local().Format(timeLayout))
	}
	return b.String()
}

func formatRecords(recs []models.AnalysisRecord) string {
	if len(recs) == 0 {
		return "No requests recorded.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-19s %-10s %-18s %-6s %8s %-12s\n", "TIME", "OUTCOME", "REASON", "CACHED", "LATENCY", "FINGERPRINT")
	b.WriteString(strings.Repeat("-", 80) + "\n")
	for _, r := range recs {
		fmt.Fprintf(&b, "%-19s %-10s %-18s %-6t %6dms %-12s\n",
			r.CreatedAt.Local().Format(timeLayout), r.Outcome, dash(r.Reason), r.CacheHit, r.LatencyMs, short(r.Fingerprint))
	}
	return b.String()
}

func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-8s %-10s %-18s %6s %8s %-19s\n",
		"REQUEST ID", "CLIENT", "OUTCOME", "REASON", "STATUS", "LATENCY", "TIME")
	b.WriteString(strings.Repeat("-", 112) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-36s %-8s %-10s %-18s %6d %6dms %-19s\n",
			e.RequestID, e.ClientPrefix, e.Outcome, dash(e.Reason), e.StatusCode, e.LatencyMs,
			e.CreatedAt.Local().Format(timeLayout))
	}
	return b.String()
}

func formatAuditEntry(e models.AuditEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request ID:    %s\n", e.RequestID)
	fmt.Fprintf(&b, "Client:        %s...\n", e.ClientPrefix)
	fmt.Fprintf(&b, "Outcome:       %s\n", e.Outcome)
	if e.Reason != "" {
		fmt.Fprintf(&b, "Reason:        %s\n", e.Reason)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, "Error:         %s\n", e.Error)
	}
	fmt.Fprintf(&b, "Cache hit:     %t\n", e.CacheHit)
	fmt.Fprintf(&b, "Fingerprint:   %s\n", dash(e.Fingerprint))
	fmt.Fprintf(&b, "Status:        %d\n", e.StatusCode)
	fmt.Fprintf(&b, "Latency:       %dms\n", e.LatencyMs)
	fmt.Fprintf(&b, "Time:          %s\n", e.CreatedAt.Format(time.RFC3339))
	if e.Text != "" {
		fmt.Fprintf(&b, "\n--- Text ---\n%s\n", e.Text)
	}
	if e.Response != "" {
		fmt.Fprintf(&b, "\n--- Response ---\n%s\n", e.Response)
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No audit stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-12s %8s\n", "OUTCOME", "DAY", "COUNT")
	b.WriteString(strings.Repeat("-", 34) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-12s %-12s %8d\n", s.Outcome, s.Day, s.Count)
	}
	return b.String()
}

func formatReport(r validation.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Length:      %d -> %d characters\n", r.OriginalLength, r.CleanedLength)
	fmt.Fprintf(&b, "Words:       %d in %d sentences\n", r.Stats.Words, r.Stats.Sentences)
	fmt.Fprintf(&b, "Language:    %s\n", r.Stats.Language)
	fmt.Fprintf(&b, "ASCII ratio: %.2f\n", r.Stats.ASCIIRatio)
	if len(r.Warnings) == 0 {
		b.WriteString("Warnings:    none\n")
	} else {
		b.WriteString("Warnings:\n")
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "  - %s\n", w)
		}
	}
	fmt.Fprintf(&b, "\n%s\n", r.Text)
	return b.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return dash(fp)
}
