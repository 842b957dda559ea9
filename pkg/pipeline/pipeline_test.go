package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/persona/pkg/analyzer"
	"github.com/pario-ai/persona/pkg/cache/memory"
	"github.com/pario-ai/persona/pkg/models"
	"github.com/pario-ai/persona/pkg/ratelimit"
	"github.com/pario-ai/persona/pkg/validation"
)

const sampleText = "I spend most weekends hiking with friends and writing about it afterwards."

func sampleResult() models.AnalysisResult {
	return models.AnalysisResult{
		Openness:          0.8,
		Conscientiousness: 0.6,
		Extraversion:      0.7,
		Agreeableness:     0.75,
		Neuroticism:       0.2,
		MBTIType:          "ENFP",
		ToneAnalysis:      "upbeat",
		WritingStyle:      "casual",
		Summary:           "Sociable and curious.",
	}
}

type countingLimiter struct {
	*ratelimit.Limiter
	calls atomic.Int64
}

func (l *countingLimiter) Check(id string) ratelimit.Decision {
	l.calls.Add(1)
	return l.Limiter.Check(id)
}

type countingCache struct {
	*memory.Cache
	gets atomic.Int64
	puts atomic.Int64
}

func (c *countingCache) Get(k string) (models.AnalysisResult, bool) {
	c.gets.Add(1)
	return c.Cache.Get(k)
}

func (c *countingCache) Put(k string, r models.AnalysisResult, ttl time.Duration) error {
	c.puts.Add(1)
	return c.Cache.Put(k, r, ttl)
}

type fakeAnalyzer struct {
	calls atomic.Int64
	fn    func(ctx context.Context, text string) (models.AnalysisResult, error)
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, text string) (models.AnalysisResult, error) {
	a.calls.Add(1)
	if a.fn != nil {
		return a.fn(ctx, text)
	}
	return sampleResult(), nil
}

type harness struct {
	p        *Pipeline
	limiter  *countingLimiter
	cache    *countingCache
	analyzer *fakeAnalyzer
}

func newHarness(t *testing.T, rpm int, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		limiter:  &countingLimiter{Limiter: ratelimit.New(rpm, time.Minute)},
		cache:    &countingCache{Cache: memory.New(100)},
		analyzer: &fakeAnalyzer{},
	}
	v := validation.New(validation.Options{MinLength: 20, MaxLength: 200})
	h.p = New(v, h.limiter, h.cache, h.analyzer, cfg, opts...)
	t.Cleanup(h.p.Wait)
	return h
}

func requirePipelineError(t *testing.T, err error, kind Kind, reason Reason) *Error {
	t.Helper()
	require.Error(t, err)
	var pe *Error
	require.True(t, errors.As(err, &pe), "expected *Error, got %T", err)
	assert.Equal(t, kind, pe.Kind)
	assert.Equal(t, reason, pe.Reason)
	return pe
}

func TestIdenticalTextAnalyzedOnce(t *testing.T) {
	h := newHarness(t, 10, Config{})
	ctx := context.Background()

	first, err := h.p.Process(ctx, sampleText, "client")
	require.NoError(t, err)
	second, err := h.p.Process(ctx, "  "+strings.ToUpper(sampleText)+"  ", "client")
	require.NoError(t, err)

	assert.Equal(t, int64(1), h.analyzer.calls.Load())
	assert.Equal(t, StateCompleted, first.State)
	assert.Equal(t, StateCompleted, second.State)
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	assert.Equal(t, []State{StateReceived, StateValidated, StateRateChecked, StateCacheChecked, StateExternalCallPending, StateCompleted}, first.Trail)
	assert.Equal(t, []State{StateReceived, StateValidated, StateRateChecked, StateCacheChecked, StateCacheHit, StateCompleted}, second.Trail)

	st, err := h.p.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
}

func TestOverMaxNeverReachesLimiterOrCache(t *testing.T) {
	h := newHarness(t, 10, Config{})

	out, err := h.p.Process(context.Background(), strings.Repeat("words and more ", 20), "client")
	pe := requirePipelineError(t, err, KindValidation, ReasonTooLong)

	assert.Equal(t, 400, pe.HTTPStatus())
	assert.ErrorIs(t, err, validation.ErrTooLong)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, []State{StateReceived, StateFailed}, out.Trail)
	assert.Zero(t, h.limiter.calls.Load())
	assert.Zero(t, h.cache.gets.Load())
	assert.Zero(t, h.cache.puts.Load())
	assert.Zero(t, h.analyzer.calls.Load())
}

func TestUnsafeContentRejected(t *testing.T) {
	h := newHarness(t, 10, Config{})

	_, err := h.p.Process(context.Background(), sampleText+" <script>alert(1)</script>", "client")
	requirePipelineError(t, err, KindValidation, ReasonUnsafeContent)
	assert.Zero(t, h.limiter.calls.Load())
}

func TestRateLimited(t *testing.T) {
	h := newHarness(t, 1, Config{})
	ctx := context.Background()

	_, err := h.p.Process(ctx, sampleText, "client")
	require.NoError(t, err)

	out, err := h.p.Process(ctx, sampleText+" Again.", "client")
	pe := requirePipelineError(t, err, KindRateLimited, ReasonRateLimited)
	assert.Equal(t, 429, pe.HTTPStatus())
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Greater(t, pe.RetryAfter, time.Duration(0))
	assert.False(t, out.RateLimit.Allowed)
	assert.Equal(t, int64(1), h.cache.gets.Load(), "rejected request must not reach the cache")

	_, err = h.p.Process(ctx, sampleText, "other-client")
	assert.NoError(t, err)
}

func TestUpstreamFailureNotCached(t *testing.T) {
	h := newHarness(t, 10, Config{})
	var fail atomic.Bool
	fail.Store(true)
	h.analyzer.fn = func(ctx context.Context, text string) (models.AnalysisResult, error) {
		if fail.Load() {
			return models.AnalysisResult{}, analyzer.ErrQuotaExhausted
		}
		return sampleResult(), nil
	}

	_, err := h.p.Process(context.Background(), sampleText, "client")
	pe := requirePipelineError(t, err, KindUpstream, ReasonQuotaExhausted)
	assert.Equal(t, 500, pe.HTTPStatus())
	assert.Zero(t, h.cache.puts.Load())

	fail.Store(false)
	out, err := h.p.Process(context.Background(), sampleText, "client")
	require.NoError(t, err)
	assert.False(t, out.Cached)
	assert.Equal(t, int64(2), h.analyzer.calls.Load())
}

func TestMalformedResultNotCached(t *testing.T) {
	h := newHarness(t, 10, Config{})
	h.analyzer.fn = func(ctx context.Context, text string) (models.AnalysisResult, error) {
		r := sampleResult()
		r.MBTIType = "WXYZ"
		return r, nil
	}

	_, err := h.p.Process(context.Background(), sampleText, "client")
	requirePipelineError(t, err, KindUpstream, ReasonMalformedResponse)
	assert.ErrorIs(t, err, analyzer.ErrMalformedResponse)
	assert.Zero(t, h.cache.Len())
}

func TestAnalyzerTimeout(t *testing.T) {
	h := newHarness(t, 10, Config{Timeout: 20 * time.Millisecond})
	h.analyzer.fn = func(ctx context.Context, text string) (models.AnalysisResult, error) {
		<-ctx.Done()
		return models.AnalysisResult{}, ctx.Err()
	}

	start := time.Now()
	_, err := h.p.Process(context.Background(), sampleText, "client")
	requirePipelineError(t, err, KindUpstream, ReasonTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, h.cache.puts.Load())
}

func TestUnknownAnalyzerErrorIsUnavailable(t *testing.T) {
	h := newHarness(t, 10, Config{})
	h.analyzer.fn = func(ctx context.Context, text string) (models.AnalysisResult, error) {
		return models.AnalysisResult{}, errors.New("connection reset")
	}

	_, err := h.p.Process(context.Background(), sampleText, "client")
	requirePipelineError(t, err, KindUpstream, ReasonUnavailable)
}

func TestConcurrentMissesShareOneCall(t *testing.T) {
	h := newHarness(t, 100, Config{})
	release := make(chan struct{})
	h.analyzer.fn = func(ctx context.Context, text string) (models.AnalysisResult, error) {
		<-release
		return sampleResult(), nil
	}

	const n = 10
	var wg sync.WaitGroup
	outs := make([]Outcome, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = h.p.Process(context.Background(), sampleText, "client")
		}(i)
	}

	require.Eventually(t, func() bool { return h.cache.gets.Load() == n }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), h.analyzer.calls.Load())
	assert.Equal(t, int64(1), h.cache.puts.Load())
	shared := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, sampleResult(), outs[i].Result)
		if outs[i].Shared {
			shared++
		}
	}
	assert.Equal(t, n, shared)
}

func TestCancelledCallerDoesNotCancelSharedCall(t *testing.T) {
	h := newHarness(t, 100, Config{})
	release := make(chan struct{})
	var sawCancel atomic.Bool
	h.analyzer.fn = func(ctx context.Context, text string) (models.AnalysisResult, error) {
		<-release
		sawCancel.Store(ctx.Err() != nil)
		return sampleResult(), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.p.Process(ctx, sampleText, "a")
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.analyzer.calls.Load() == 1 }, time.Second, time.Millisecond)

	done := make(chan Outcome, 1)
	go func() {
		out, _ := h.p.Process(context.Background(), sampleText, "b")
		done <- out
	}()
	require.Eventually(t, func() bool { return h.cache.gets.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		requirePipelineError(t, err, KindUpstream, ReasonTimeout)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)
	out := <-done
	assert.Equal(t, StateCompleted, out.State)
	assert.False(t, sawCancel.Load())
	assert.Equal(t, int64(1), h.analyzer.calls.Load())

	_, ok := h.cache.Peek(out.Fingerprint)
	assert.True(t, ok, "shared call result is cached")
}

type panicCache struct{}

func (panicCache) Get(string) (models.AnalysisResult, bool) { panic("corrupt index") }
func (panicCache) Put(string, models.AnalysisResult, time.Duration) error {
	panic("corrupt index")
}
func (panicCache) Stats() (models.CacheStats, error) { return models.CacheStats{}, nil }

func TestCacheFaultDegradesToMiss(t *testing.T) {
	a := &fakeAnalyzer{}
	p := New(validation.New(validation.Options{MinLength: 20}), ratelimit.New(10, time.Minute), panicCache{}, a, Config{})

	out, err := p.Process(context.Background(), sampleText, "client")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
	assert.False(t, out.Cached)
	assert.Equal(t, int64(1), a.calls.Load())
}

type panicLimiter struct{}

func (panicLimiter) Check(string) ratelimit.Decision { panic("bad window") }

func TestLimiterFaultIsInternal(t *testing.T) {
	a := &fakeAnalyzer{}
	p := New(validation.New(validation.Options{MinLength: 20}), panicLimiter{}, memory.New(0), a, Config{})

	_, err := p.Process(context.Background(), sampleText, "client")
	pe := requirePipelineError(t, err, KindInternal, ReasonInternal)
	assert.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, 500, pe.HTTPStatus())
	assert.Zero(t, a.calls.Load())
}

func TestAnalyzerPanicIsInternal(t *testing.T) {
	h := newHarness(t, 10, Config{})
	h.analyzer.fn = func(ctx context.Context, text string) (models.AnalysisResult, error) {
		panic("nil map")
	}

	_, err := h.p.Process(context.Background(), sampleText, "client")
	requirePipelineError(t, err, KindInternal, ReasonInternal)
}

type memRecorder struct {
	mu   sync.Mutex
	recs []models.AnalysisRecord
}

func (r *memRecorder) Record(_ context.Context, rec models.AnalysisRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

type memAuditor struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (a *memAuditor) Log(_ context.Context, e models.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return errors.New("disk full")
}

type countingObserver struct {
	requests atomic.Int64
	upstream atomic.Int64
}

func (o *countingObserver) ObserveRequest(State, Reason, bool, time.Duration) { o.requests.Add(1) }
func (o *countingObserver) ObserveUpstream(time.Duration, Reason) { o.upstream.Add(1) }

func TestHooksReceiveOneRecordPerRequest(t *testing.T) {
	rec := &memRecorder{}
	aud := &memAuditor{}
	obs := &countingObserver{}
	h := newHarness(t, 10, Config{}, WithRecorder(rec), WithAuditor(aud), WithObserver(obs))

	ctx := WithRequestID(context.Background(), "req-1")
	_, err := h.p.Process(ctx, sampleText, "client")
	require.NoError(t, err)
	_, err = h.p.Process(context.Background(), "short", "client")
	require.Error(t, err)
	h.p.Wait()

	require.Len(t, rec.recs, 2)
	byOutcome := map[models.Outcome]models.AnalysisRecord{}
	for _, r := range rec.recs {
		byOutcome[r.Outcome] = r
	}
	assert.Equal(t, "req-1", byOutcome[models.OutcomeCompleted].RequestID)
	assert.NotEmpty(t, byOutcome[models.OutcomeCompleted].Fingerprint)
	assert.Equal(t, string(ReasonTooShort), byOutcome[models.OutcomeFailed].Reason)

	require.Len(t, aud.entries, 2, "auditor failures are only logged")
	for _, e := range aud.entries {
		if e.Outcome == models.OutcomeCompleted {
			assert.Contains(t, e.Response, `"mbti_type":"ENFP"`)
			assert.Equal(t, 200, e.StatusCode)
		} else {
			assert.Equal(t, 400, e.StatusCode)
		}
	}

	assert.Equal(t, int64(2), obs.requests.Load())
	assert.Equal(t, int64(1), obs.upstream.Load())
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))
	pe := AsError(errors.New("boom"))
	assert.Equal(t, KindInternal, pe.Kind)
	wrapped := &Error{Kind: KindValidation, Reason: ReasonTooShort}
	assert.Same(t, wrapped, AsError(wrapped))
	assert.Equal(t, "validation: too_short", wrapped.Error())
}

type blockingRecorder struct {
	release chan struct{}
	count   atomic.Int64
}

func (r *blockingRecorder) Record(context.Context, models.AnalysisRecord) error {
	<-r.release
	r.count.Add(1)
	return nil
}

func TestHookBacklogIsBounded(t *testing.T) {
	rec := &blockingRecorder{release: make(chan struct{})}
	h := newHarness(t, 10, Config{MaxPendingHooks: 1}, WithRecorder(rec))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 3 {
			_, err := h.p.Process(context.Background(), sampleText, "client")
			assert.NoError(t, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Process blocked on a stalled recorder")
	}

	close(rec.release)
	h.p.Wait()
	assert.Equal(t, int64(1), rec.count.Load(), "records beyond the cap are dropped")

	_, err := h.p.Process(context.Background(), sampleText, "client")
	require.NoError(t, err)
	h.p.Wait()
	assert.Equal(t, int64(2), rec.count.Load(), "slot is released after the write")
}
