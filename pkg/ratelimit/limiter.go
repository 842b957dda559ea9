// Package ratelimit implements a per-client sliding-window request limiter.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/persona/pkg/models"
)

// Defaults.
const (
	DefaultLimit  = 60
	DefaultWindow = time.Minute
)

// Decision is the result of an admission check.
type Decision struct {
	Allowed bool
	// Remaining is how many more requests fit in the current window.
	Remaining int
	// ResetAt is the window end of the oldest recorded request. That
	// request still counts at ResetAt itself and is gone an instant later.
	ResetAt time.Time
}

// RetryAfter returns how long a rejected client should wait at now.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return time.Nanosecond
}

type window struct {
	mu    sync.Mutex
	times []time.Time
	// dead is set under mu once the window has been removed from the index.
	dead bool
}

// prune drops timestamps older than cutoff; one exactly at cutoff still
// counts. Timestamps are appended in
// order, so the survivors are a suffix.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.times) && w.times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(w.times, w.times[i:])
	clear(w.times[n:])
	w.times = w.times[:n]
}

// Limiter is safe for concurrent use. Each client has its own window lock;
// the index lock is only held to find or remove a window.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]*window

	admitted atomic.Int64
	rejected atomic.Int64
	swept    atomic.Int64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used by Run.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Limiter admitting at most limit requests per client within
// any trailing window. Non-positive values fall back to the defaults.
func New(limit int, windowLen time.Duration, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if windowLen <= 0 {
		windowLen = DefaultWindow
	}
	l := &Limiter{
		limit:   limit,
		window:  windowLen,
		now:     time.Now,
		logger:  zap.NewNop(),
		clients: make(map[string]*window),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Limit returns the per-window request limit.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Admit records a request for clientID and reports whether it is allowed.
func (l *Limiter) Admit(clientID string) bool {
	return l.Check(clientID).Allowed
}

// Check is Admit with the remaining quota and reset time. A rejected
// attempt is not recorded.
func (l *Limiter) Check(clientID string) Decision {
	for {
		w := l.lookup(clientID)
		w.mu.Lock()
		if w.dead {
			// Swept between lookup and lock; retry on a fresh window.
			w.mu.Unlock()
			continue
		}
		d := l.decide(w)
		w.mu.Unlock()

		if d.Allowed {
			l.admitted.Add(1)
		} else {
			l.rejected.Add(1)
		}
		return d
	}
}

func (l *Limiter) decide(w *window) Decision {
	now := l.now()
	w.prune(now.Add(-l.window))

	if len(w.times) >= l.limit {
		return Decision{Allowed: false, Remaining: 0, ResetAt: w.times[0].Add(l.window)}
	}
	w.times = append(w.times, now)
	return Decision{
		Allowed:   true,
		Remaining: l.limit - len(w.times),
		ResetAt:   w.times[0].Add(l.window),
	}
}

func (l *Limiter) lookup(clientID string) *window {
	l.mu.RLock()
	w, ok := l.clients[clientID]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.clients[clientID]; ok {
		return w
	}
	w = &window{times: make([]time.Time, 0, min(l.limit, 16))}
	l.clients[clientID] = w
	return w
}

// Usage reports the requests clientID has in the current window without
// recording anything.
func (l *Limiter) Usage(clientID string) int {
	l.mu.RLock()
	w, ok := l.clients[clientID]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	cutoff := l.now().Add(-l.window)
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, t := range w.times {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}

// Sweep removes clients whose window has no timestamps left after pruning
// and returns how many were removed.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, w := range l.clients {
		w.mu.Lock()
		w.prune(cutoff)
		if len(w.times) == 0 {
			w.dead = true
			delete(l.clients, id)
			n++
		}
		w.mu.Unlock()
	}
	l.swept.Add(int64(n))
	return n
}

// Run sweeps idle clients every interval until ctx is done. Admission does
// not depend on it; it only bounds memory for clients that never return.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("rate limiter sweep", zap.Int("removed", n))
			}
		}
	}
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.clients)
}

// Stats returns cumulative counters.
func (l *Limiter) Stats() models.LimiterStats {
	return models.LimiterStats{
		Clients:  l.Clients(),
		Admitted: l.admitted.Load(),
		Rejected: l.rejected.Load(),
		Swept:    l.swept.Load(),
	}
}
