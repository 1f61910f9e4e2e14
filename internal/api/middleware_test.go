package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func limitedHandler(l *RateLimiter) http.Handler {
	return IdentityMiddleware(l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
}

func hit(t *testing.T, h http.Handler, username string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/appointments", nil)
	req.Header.Set(HeaderUsername, username)
	req.Header.Set(HeaderRole, "patient")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimiter_SweepEvictsIdleCallers(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)}
	l := NewRateLimiter(1, 1)
	l.now = clock.Now
	h := limitedHandler(l)

	for i := 0; i < 100; i++ {
		require.Equal(t, http.StatusNoContent, hit(t, h, fmt.Sprintf("caller%d", i)))
	}
	assert.Equal(t, 100, l.Len())

	clock.Advance(5 * time.Minute)
	require.Equal(t, http.StatusNoContent, hit(t, h, "active"))

	clock.Advance(6 * time.Minute)
	removed := l.Sweep(10 * time.Minute)
	assert.Equal(t, 100, removed)
	assert.Equal(t, 1, l.Len(), "recently seen caller keeps its bucket")
}

func TestRateLimiter_RunStopsWithContext(t *testing.T) {
	l := NewRateLimiter(1, 1)
	h := limitedHandler(l)
	require.Equal(t, http.StatusNoContent, hit(t, h, "patient1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, time.Millisecond, 0)
		close(done)
	}()

	assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
