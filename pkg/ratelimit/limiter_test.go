package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestAdmitBoundary(t *testing.T) {
	clk := newClock()
	l := New(3, 60*time.Second, WithClock(clk.Now))

	assert.True(t, l.Admit("c"))
	clk.Advance(10 * time.Second)
	assert.True(t, l.Admit("c"))
	clk.Advance(10 * time.Second)
	assert.True(t, l.Admit("c"))

	clk.Advance(10 * time.Second)
	assert.False(t, l.Admit("c"), "fourth request in the window is rejected")

	// First request was at t=0. It still counts at t=60s and is gone
	// right after.
	clk.Advance(29 * time.Second)
	assert.False(t, l.Admit("c"))
	clk.Advance(time.Second)
	assert.False(t, l.Admit("c"), "request exactly one window old still counts")
	clk.Advance(time.Nanosecond)
	assert.True(t, l.Admit("c"))
	assert.False(t, l.Admit("c"))
}

func TestRejectedAttemptsAreNotRecorded(t *testing.T) {
	clk := newClock()
	l := New(2, time.Minute, WithClock(clk.Now))

	require.True(t, l.Admit("c"))
	require.True(t, l.Admit("c"))
	for i := 0; i < 10; i++ {
		assert.False(t, l.Admit("c"))
	}
	assert.Equal(t, 2, l.Usage("c"))

	clk.Advance(time.Minute + time.Second)
	assert.True(t, l.Admit("c"), "rejections must not extend the window")
}

func TestClientsAreIndependent(t *testing.T) {
	l := New(1, time.Minute)
	assert.True(t, l.Admit("a"))
	assert.False(t, l.Admit("a"))
	assert.True(t, l.Admit("b"))
}

func TestCheckDecision(t *testing.T) {
	clk := newClock()
	l := New(3, time.Minute, WithClock(clk.Now))
	start := clk.Now()

	d := l.Check("c")
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
	assert.Equal(t, start.Add(time.Minute), d.ResetAt)

	clk.Advance(5 * time.Second)
	l.Check("c")
	d = l.Check("c")
	assert.Equal(t, 0, d.Remaining)

	d = l.Check("c")
	assert.False(t, d.Allowed)
	assert.Equal(t, start.Add(time.Minute), d.ResetAt)
	assert.Equal(t, 55*time.Second, d.RetryAfter(clk.Now()))

	clk.Advance(55 * time.Second)
	d = l.Check("c")
	assert.False(t, d.Allowed, "still full at ResetAt")
	assert.Positive(t, d.RetryAfter(clk.Now()))
}

func TestConcurrentAdmitNeverOverAdmits(t *testing.T) {
	for round := 0; round < 20; round++ {
		l := New(5, time.Minute)

		var admitted atomic.Int64
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if l.Admit("same") {
					admitted.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		require.Equal(t, int64(5), admitted.Load(), "round %d", round)
		st := l.Stats()
		assert.Equal(t, int64(5), st.Admitted)
		assert.Equal(t, int64(95), st.Rejected)
	}
}

func TestSweepRemovesIdleClients(t *testing.T) {
	clk := newClock()
	l := New(5, time.Minute, WithClock(clk.Now))

	l.Admit("idle")
	clk.Advance(30 * time.Second)
	l.Admit("active")
	assert.Equal(t, 2, l.Clients())

	clk.Advance(30 * time.Second)
	assert.Equal(t, 0, l.Sweep(), "a request exactly one window old is kept")
	clk.Advance(time.Second)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Clients())
	assert.Equal(t, 1, l.Usage("active"))

	clk.Advance(time.Minute)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 0, l.Clients())
	assert.Equal(t, int64(2), l.Stats().Swept)
}

func TestSweepDuringAdmitLosesNothing(t *testing.T) {
	clk := newClock()
	l := New(1000, time.Millisecond, WithClock(clk.Now))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			clk.Advance(time.Millisecond)
			l.Sweep()
		}
	}()

	var wg sync.WaitGroup
	var admitted atomic.Int64
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if l.Admit(fmt.Sprintf("c%d", g%3)) {
					admitted.Add(1)
				}
			}
		}(g)
	}
	wg.Wait()
	cancel()
	<-done

	assert.Equal(t, int64(1600), admitted.Load())
	assert.Equal(t, int64(1600), l.Stats().Admitted)
}

func TestRunStopsOnCancel(t *testing.T) {
	clk := newClock()
	l := New(1, time.Second, WithClock(clk.Now))
	l.Admit("c")
	clk.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return l.Clients() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDefaults(t *testing.T) {
	l := New(0, 0)
	assert.Equal(t, DefaultLimit, l.Limit())
	assert.Equal(t, DefaultWindow, l.Window())
}
