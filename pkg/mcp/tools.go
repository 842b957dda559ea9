package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/persona/pkg/fingerprint"
	"github.com/pario-ai/persona/pkg/models"
	"github.com/pario-ai/persona/pkg/pipeline"
)

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var handlers = map[string]toolHandler{
	"persona_analyze":      handleAnalyze,
	"persona_validate":     handleValidate,
	"persona_fingerprint":  handleFingerprint,
	"persona_cache_stats":  handleCacheStats,
	"persona_client_stats": handleClientStats,
	"persona_audit_search": handleAuditSearch,
}

func textSchema(desc string) map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"text"},
		"properties": map[string]any{
			"text": map[string]any{"type": "string", "description": desc},
		},
	}
}

var tools = []Tool{
	{
		Name:        "persona_analyze",
		Description: "Analyze the personality of a text: Big Five scores, MBTI type, tone, style and a summary. Identical texts are answered from cache.",
		InputSchema: textSchema("Text written by the person to analyze"),
	},
	{
		Name:        "persona_validate",
		Description: "Check whether a text would be accepted for analysis and show the cleaned text, warnings and statistics.",
		InputSchema: textSchema("Text to check"),
	},
	{
		Name:        "persona_fingerprint",
		Description: "Show the cache key a text maps to after normalization.",
		InputSchema: textSchema("Text to fingerprint"),
	},
	{
		Name:        "persona_cache_stats",
		Description: "Show result cache statistics (entries, hits, misses, evictions, expirations).",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "persona_client_stats",
		Description: "Show per-client request counts, optionally for one client.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"client_id": map[string]any{"type": "string", "description": "Client ID (optional)"},
			},
		},
	},
	{
		Name:        "persona_audit_search",
		Description: "Search the analysis audit log.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"outcome":     map[string]any{"type": "string", "description": "completed or failed (optional)"},
				"since":       map[string]any{"type": "string", "description": "Start date YYYY-MM-DD (optional)"},
				"fingerprint": map[string]any{"type": "string", "description": "Text fingerprint (optional)"},
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

func jsonResult(v any) ToolCallResult {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("encode result: " + err.Error())
	}
	return textResult(string(b))
}

type textArgs struct {
	Text string `json:"text"`
}

func parseText(raw json.RawMessage) (string, *ToolCallResult) {
	var args textArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		r := errorResult("invalid arguments: " + err.Error())
		return "", &r
	}
	return args.Text, nil
}

func handleAnalyze(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	text, bad := parseText(raw)
	if bad != nil {
		return *bad
	}
	out, err := s.deps.Pipeline.Process(ctx, text, ClientID)
	if err != nil {
		perr := pipeline.AsError(err)
		msg := fmt.Sprintf("Analysis %s (%s): %v", perr.Kind, perr.Reason, perr.Err)
		if perr.RetryAfter > 0 {
			msg += fmt.Sprintf("; retry in %s", perr.RetryAfter.Round(time.Second))
		}
		return errorResult(msg)
	}
	return jsonResult(map[string]any{
		"result":      out.Result,
		"cached":      out.Cached,
		"fingerprint": out.Fingerprint,
		"warnings":    out.Warnings,
	})
}

func handleValidate(_ context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	text, bad := parseText(raw)
	if bad != nil {
		return *bad
	}
	rep, err := s.deps.Validator.Inspect(text)
	if err != nil {
		return errorResult("Rejected: " + err.Error())
	}
	return jsonResult(rep)
}

func handleFingerprint(_ context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	text, bad := parseText(raw)
	if bad != nil {
		return *bad
	}
	rep, err := s.deps.Validator.Inspect(text)
	if err != nil {
		return errorResult("Rejected: " + err.Error())
	}
	return textResult(fingerprint.Fingerprint(rep.Text))
}

func handleCacheStats(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.deps.Cache == nil {
		return textResult("Cache is not configured.")
	}
	st, err := s.deps.Cache.Stats()
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(fmt.Sprintf("Cache Statistics\n"+
		"  Entries:     %d\n"+
		"  Hits:        %d\n"+
		"  Misses:      %d\n"+
		"  Evictions:   %d\n"+
		"  Expirations: %d\n"+
		"  Hit Rate:    %.1f%%\n",
		st.Entries, st.Hits, st.Misses, st.Evictions, st.Expirations, st.HitRatio()*100))
}

func handleClientStats(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.deps.History == nil {
		return textResult("Request tracking is not configured.")
	}
	var args struct {
		ClientID string `json:"client_id"`
	}
	_ = json.Unmarshal(raw, &args)

	sums, err := s.deps.History.Summary(ctx, args.ClientID)
	if err != nil {
		return errorResult("Error fetching client stats: " + err.Error())
	}
	if len(sums) == 0 {
		return textResult("No requests recorded.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-40s %8s %9s %6s %7s %6s\n", "Client", "Requests", "Completed", "Cached", "Limited", "Failed")
	b.WriteString(strings.Repeat("-", 81) + "\n")
	for _, c := range sums {
		fmt.Fprintf(&b, "%-40s %8d %9d %6d %7d %6d\n",
			c.ClientID, c.Requests, c.Completed, c.CacheHits, c.RateLimited, c.Failed)
	}
	return textResult(b.String())
}

func handleAuditSearch(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.deps.Audit == nil {
		return textResult("Audit logging is not configured.")
	}
	var args struct {
		Outcome     string `json:"outcome"`
		Since       string `json:"since"`
		Fingerprint string `json:"fingerprint"`
	}
	_ = json.Unmarshal(raw, &args)

	opts := models.AuditQueryOpts{
		Outcome:     models.Outcome(args.Outcome),
		Fingerprint: args.Fingerprint,
		Limit:       50,
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	entries, err := s.deps.Audit.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching audit log: " + err.Error())
	}
	if len(entries) == 0 {
		return textResult("No audit entries found.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-10s %-18s %6s %8s %-20s\n", "Request ID", "Outcome", "Reason", "Status", "Latency", "Time")
	b.WriteString(strings.Repeat("-", 103) + "\n")
	for _, e := range entries {
		reason := e.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(&b, "%-36s %-10s %-18s %6d %6dms %-20s\n",
			e.RequestID, e.Outcome, reason, e.StatusCode, e.LatencyMs, e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return textResult(b.String())
}
