package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/persona/pkg/models"
	"github.com/pario-ai/persona/pkg/pipeline"
)

type analyzeRequest struct {
	Text string `json:"text"`
}

type analyzeResponse struct {
	Result      models.AnalysisResult `json:"result"`
	Cached      bool                  `json:"cached"`
	Fingerprint string                `json:"fingerprint"`
	Warnings    []string              `json:"warnings,omitempty"`
	RequestID   string                `json:"request_id,omitempty"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			// An oversized body can only hold text over the maximum length.
			writeJSONError(w, http.StatusBadRequest, string(pipeline.KindValidation), string(pipeline.ReasonTooLong), "text too long")
			return
		}
		writeJSONError(w, http.StatusBadRequest, string(pipeline.KindValidation), "", "invalid request body")
		return
	}

	out, err := s.deps.Pipeline.Process(r.Context(), req.Text, clientID(r, s.cfg.TrustProxy))
	s.setRateLimitHeaders(w, out)
	if err != nil {
		perr := pipeline.AsError(err)
		if perr.Kind == pipeline.KindRateLimited && perr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(perr.RetryAfter.Seconds()))))
		}
		writeJSONError(w, perr.HTTPStatus(), string(perr.Kind), string(perr.Reason), publicMessage(perr))
		return
	}

	writeJSON(w, http.StatusOK, analyzeResponse{
		Result:      out.Result,
		Cached:      out.Cached,
		Fingerprint: out.Fingerprint,
		Warnings:    out.Warnings,
		RequestID:   pipeline.RequestID(r.Context()),
	})
}

func (s *Server) setRateLimitHeaders(w http.ResponseWriter, out pipeline.Outcome) {
	if out.RateLimit.ResetAt.IsZero() {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(s.rateLimit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(out.RateLimit.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(out.RateLimit.ResetAt.Unix(), 10))
}

// publicMessage keeps upstream and internal detail out of responses.
func publicMessage(e *pipeline.Error) string {
	switch e.Kind {
	case pipeline.KindValidation:
		return e.Err.Error()
	case pipeline.KindRateLimited:
		return "rate limit exceeded, retry later"
	case pipeline.KindUpstream:
		return "analysis service failed: " + string(e.Reason)
	default:
		return "internal error"
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.deps.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

type statsResponse struct {
	Cache    models.CacheStats   `json:"cache"`
	HitRatio float64             `json:"cache_hit_ratio"`
	Limiter  models.LimiterStats `json:"rate_limiter"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	cs, err := s.deps.Cache.Stats()
	if err != nil {
		s.logger.Warn("cache stats", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, string(pipeline.KindInternal), "", "cache stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Cache:    cs,
		HitRatio: cs.HitRatio(),
		Limiter:  s.deps.Limiter.Stats(),
	})
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "", "request tracking is disabled")
		return
	}
	sums, err := s.deps.History.Summary(r.Context(), r.URL.Query().Get("client"))
	if err != nil {
		s.logger.Warn("client summary", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, string(pipeline.KindInternal), "", "client summary failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": sums})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "", "audit logging is disabled")
		return
	}
	opts, err := auditQuery(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, string(pipeline.KindValidation), "", err.Error())
		return
	}
	entries, err := s.deps.Audit.Query(r.Context(), opts)
	if err != nil {
		s.logger.Warn("audit query", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, string(pipeline.KindInternal), "", "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "", "audit logging is disabled")
		return
	}
	stats, err := s.deps.Audit.Stats(r.Context())
	if err != nil {
		s.logger.Warn("audit stats", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, string(pipeline.KindInternal), "", "audit stats failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func auditQuery(r *http.Request) (models.AuditQueryOpts, error) {
	q := r.URL.Query()
	opts := models.AuditQueryOpts{
		Outcome:      models.Outcome(q.Get("outcome")),
		ClientPrefix: q.Get("client"),
		Fingerprint:  q.Get("fingerprint"),
		RequestID:    q.Get("request_id"),
	}
	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return opts, fmt.Errorf("invalid since %q: %w", v, err)
		}
		opts.Since = time.Now().Add(-d)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid limit %q", v)
		}
		opts.Limit = n
	}
	return opts, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Reason  string `json:"reason,omitempty"`
	Code    int    `json:"code"`
}

func writeJSONError(w http.ResponseWriter, code int, typ, reason, message string) {
	writeJSON(w, code, errorBody{Error: errorDetail{Message: message, Type: typ, Reason: reason, Code: code}})
}
