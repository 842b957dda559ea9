// Package pipeline runs an analysis request through validation, rate
// limiting, the result cache and the analyzer.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/persona/pkg/analyzer"
	"github.com/pario-ai/persona/pkg/fingerprint"
	"github.com/pario-ai/persona/pkg/models"
	"github.com/pario-ai/persona/pkg/ratelimit"
	"github.com/pario-ai/persona/pkg/validation"
)

// Defaults.
const (
	DefaultTTL             = time.Hour
	DefaultTimeout         = 30 * time.Second
	// DefaultMaxPendingHooks bounds in-flight recorder/auditor writes.
	DefaultMaxPendingHooks = 256
	hookTimeout            = 5 * time.Second
)

// Validator checks and sanitizes raw text.
type Validator interface {
	Inspect(raw string) (validation.Report, error)
}

// Limiter admits or rejects requests per client.
type Limiter interface {
	Check(clientID string) ratelimit.Decision
}

// Cache stores analysis results by fingerprint.
type Cache interface {
	Get(key string) (models.AnalysisResult, bool)
	Put(key string, result models.AnalysisResult, ttl time.Duration) error
	Stats() (models.CacheStats, error)
}

// Recorder receives one record per finished request.
type Recorder interface {
	Record(ctx context.Context, rec models.AnalysisRecord) error
}

// Auditor receives one audit entry per finished request.
type Auditor interface {
	Log(ctx context.Context, entry models.AuditEntry) error
}

// Observer receives timing and outcome data, usually for metrics.
type Observer interface {
	ObserveRequest(state State, reason Reason, cached bool, elapsed time.Duration)
	// ObserveUpstream gets an empty reason for a successful call.
	ObserveUpstream(elapsed time.Duration, reason Reason)
}

// Config holds the tunables of a Pipeline.
type Config struct {
	// TTL applies to every stored result.
	TTL time.Duration
	// Timeout bounds each analyzer call.
	Timeout time.Duration
	// MaxPendingHooks caps concurrent hook writes. Records arriving while
	// the cap is reached are dropped with a warning.
	MaxPendingHooks int
}

// Pipeline is safe for concurrent use. Its components are owned by the
// caller and may be shared with other readers such as metrics.
type Pipeline struct {
	validator Validator
	limiter   Limiter
	cache     Cache
	analyzer  analyzer.Analyzer
	cfg       Config

	logger   *zap.Logger
	recorder Recorder
	auditor  Auditor
	observer Observer
	now      func() time.Time

	flights   singleflight.Group
	hooks     sync.WaitGroup
	hookSlots chan struct{}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithRecorder sets the request tracker.
func WithRecorder(r Recorder) Option { return func(p *Pipeline) { p.recorder = r } }

// WithAuditor sets the audit log.
func WithAuditor(a Auditor) Option { return func(p *Pipeline) { p.auditor = a } }

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option { return func(p *Pipeline) { p.observer = o } }

// WithClock replaces time.Now for latency measurement.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// New wires a Pipeline from its components.
func New(v Validator, l Limiter, c Cache, a analyzer.Analyzer, cfg Config, opts ...Option) *Pipeline {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxPendingHooks <= 0 {
		cfg.MaxPendingHooks = DefaultMaxPendingHooks
	}
	p := &Pipeline{
		validator: v,
		limiter:   l,
		cache:     c,
		analyzer:  a,
		cfg:       cfg,
		logger:    zap.NewNop(),
		now:       time.Now,
		hookSlots: make(chan struct{}, cfg.MaxPendingHooks),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process runs rawText through the pipeline on behalf of clientID. A failure
// stops at the failing stage; later stages are not invoked. The returned
// error, if any, is a *Error.
func (p *Pipeline) Process(ctx context.Context, rawText, clientID string) (Outcome, error) {
	start := p.now()
	out := Outcome{}
	out.advance(StateReceived)

	res, perr := p.run(ctx, &out, rawText, clientID)
	if perr != nil {
		out.advance(StateFailed)
	} else {
		out.Result = res
		out.advance(StateCompleted)
	}

	p.finish(ctx, &out, rawText, clientID, perr, p.now().Sub(start))
	if perr != nil {
		return out, perr
	}
	return out, nil
}

func (p *Pipeline) run(ctx context.Context, out *Outcome, rawText, clientID string) (models.AnalysisResult, *Error) {
	rep, err := p.validator.Inspect(rawText)
	if err != nil {
		return models.AnalysisResult{}, validationError(err)
	}
	out.Warnings = rep.Warnings
	out.advance(StateValidated)

	dec, perr := p.admit(clientID)
	if perr != nil {
		return models.AnalysisResult{}, perr
	}
	out.RateLimit = dec
	if !dec.Allowed {
		return models.AnalysisResult{}, &Error{
			Kind:       KindRateLimited,
			Reason:     ReasonRateLimited,
			Err:        fmt.Errorf("%w for client %s", ErrRateLimited, clientID),
			RetryAfter: dec.RetryAfter(p.now()),
		}
	}
	out.advance(StateRateChecked)

	out.Fingerprint = fingerprint.Fingerprint(rep.Text)
	res, hit := p.lookup(out.Fingerprint)
	out.advance(StateCacheChecked)
	if hit {
		out.Cached = true
		out.advance(StateCacheHit)
		return res, nil
	}

	out.advance(StateExternalCallPending)
	res, shared, perr := p.analyze(ctx, out.Fingerprint, rep.Text)
	out.Shared = shared
	return res, perr
}

func (p *Pipeline) admit(clientID string) (dec ratelimit.Decision, perr *Error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("rate limiter panic", zap.Any("panic", r))
			perr = internalError("rate limiter: %v", r)
		}
	}()
	return p.limiter.Check(clientID), nil
}

// lookup treats any cache fault as a miss.
func (p *Pipeline) lookup(key string) (res models.AnalysisResult, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("cache lookup failed, treating as miss", zap.String("fingerprint", key), zap.Any("panic", r))
			res, ok = models.AnalysisResult{}, false
		}
	}()
	return p.cache.Get(key)
}

func (p *Pipeline) store(key string, res models.AnalysisResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("cache store failed", zap.String("fingerprint", key), zap.Any("panic", r))
		}
	}()
	if err := p.cache.Put(key, res, p.cfg.TTL); err != nil {
		p.logger.Warn("cache store failed", zap.String("fingerprint", key), zap.Error(err))
	}
}

// analyze coalesces concurrent misses for the same fingerprint into one
// analyzer call. The call is detached from any single caller so one client
// going away does not fail the others; each caller still stops waiting when
// its own ctx is done.
func (p *Pipeline) analyze(ctx context.Context, key, text string) (models.AnalysisResult, bool, *Error) {
	ch := p.flights.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
		defer cancel()
		return p.call(callCtx, key, text)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return models.AnalysisResult{}, r.Shared, upstreamError(r.Err)
		}
		return r.Val.(models.AnalysisResult), r.Shared, nil
	case <-ctx.Done():
		return models.AnalysisResult{}, false, upstreamError(fmt.Errorf("%w: %v", analyzer.ErrTimeout, context.Cause(ctx)))
	}
}

func (p *Pipeline) call(ctx context.Context, key, text string) (res any, err error) {
	start := p.now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("analyzer panic", zap.Any("panic", r))
			res, err = nil, fmt.Errorf("%w: analyzer: %v", ErrInternal, r)
		}
		if p.observer != nil {
			var reason Reason
			if err != nil {
				reason = upstreamError(err).Reason
			}
			p.observer.ObserveUpstream(p.now().Sub(start), reason)
		}
	}()

	result, err := p.analyzer.Analyze(ctx, text)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, analyzer.ErrTimeout) {
			err = fmt.Errorf("%w: %v", analyzer.ErrTimeout, err)
		}
		return nil, err
	}
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", analyzer.ErrMalformedResponse, err)
	}

	p.store(key, result)
	return result, nil
}

// finish logs the outcome and hands it to the hooks.
func (p *Pipeline) finish(ctx context.Context, out *Outcome, rawText, clientID string, perr *Error, elapsed time.Duration) {
	reqID := RequestID(ctx)
	var reason Reason
	fields := []zap.Field{
		zap.String("request_id", reqID),
		zap.String("client_id", clientID),
		zap.String("state", string(out.State)),
		zap.Bool("cached", out.Cached),
		zap.Duration("elapsed", elapsed),
	}
	if out.Fingerprint != "" {
		fields = append(fields, zap.String("fingerprint", out.Fingerprint[:12]))
	}
	if perr != nil {
		reason = perr.Reason
		fields = append(fields, zap.String("kind", string(perr.Kind)), zap.String("reason", string(reason)), zap.Error(perr.Err))
		if perr.Kind == KindInternal || perr.Kind == KindUpstream {
			p.logger.Warn("analysis failed", fields...)
		} else {
			p.logger.Info("analysis rejected", fields...)
		}
	} else {
		p.logger.Info("analysis completed", fields...)
	}

	if p.observer != nil {
		p.observer.ObserveRequest(out.State, reason, out.Cached, elapsed)
	}
	if p.recorder == nil && p.auditor == nil {
		return
	}

	now := p.now().UTC()
	outcome := models.OutcomeCompleted
	status := http.StatusOK
	var errText string
	if perr != nil {
		outcome = models.OutcomeFailed
		status = perr.HTTPStatus()
		errText = perr.Error()
	}

	rec := models.AnalysisRecord{
		RequestID:   reqID,
		ClientID:    clientID,
		Fingerprint: out.Fingerprint,
		Outcome:     outcome,
		Reason:      string(reason),
		CacheHit:    out.Cached,
		LatencyMs:   elapsed.Milliseconds(),
		CreatedAt:   now,
	}
	entry := models.AuditEntry{
		RequestID:   reqID,
		ClientID:    clientID,
		Fingerprint: out.Fingerprint,
		Outcome:     outcome,
		Reason:      string(reason),
		Error:       errText,
		CacheHit:    out.Cached,
		Text:        rawText,
		StatusCode:  status,
		LatencyMs:   elapsed.Milliseconds(),
		CreatedAt:   now,
	}
	if perr == nil {
		if b, err := json.Marshal(out.Result); err == nil {
			entry.Response = string(b)
		}
	}

	select {
	case p.hookSlots <- struct{}{}:
	default:
		p.logger.Warn("hook backlog full, dropping record", zap.String("request_id", reqID))
		return
	}

	hookCtx := context.WithoutCancel(ctx)
	p.hooks.Add(1)
	go func() {
		defer func() {
			<-p.hookSlots
			p.hooks.Done()
		}()
		ctx, cancel := context.WithTimeout(hookCtx, hookTimeout)
		defer cancel()
		if p.recorder != nil {
			if err := p.recorder.Record(ctx, rec); err != nil {
				p.logger.Warn("record analysis", zap.String("request_id", reqID), zap.Error(err))
			}
		}
		if p.auditor != nil {
			if err := p.auditor.Log(ctx, entry); err != nil {
				p.logger.Warn("audit analysis", zap.String("request_id", reqID), zap.Error(err))
			}
		}
	}()
}

// Wait blocks until every pending hook has returned.
func (p *Pipeline) Wait() { p.hooks.Wait() }

// Stats returns the cache counters.
func (p *Pipeline) Stats() (models.CacheStats, error) { return p.cache.Stats() }
