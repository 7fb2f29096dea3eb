// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(cfg RateLimitConfig) (*ipLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newIPLimiter(cfg)
	l.nowFunc = clock.Now
	return l, clock
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func hit(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remote
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RateLimitConfig
		wantErr string
	}{
		{"disabled", RateLimitConfig{}, ""},
		{"valid", RateLimitConfig{RequestsPerSecond: 5, Burst: 10}, ""},
		{"missing burst", RateLimitConfig{RequestsPerSecond: 5}, "burst must be positive"},
		{"negative rate", RateLimitConfig{RequestsPerSecond: -1, Burst: 1}, "must not be negative"},
		{"negative visitors", RateLimitConfig{MaxVisitors: -1}, "max visitors"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, defaultMaxVisitors, cfg.MaxVisitors)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRateLimit_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(RateLimitConfig{RequestsPerSecond: 2, Burst: 3, MaxVisitors: 10})
	h := l.middleware(okHandler())

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, hit(h, "192.168.1.1:12345").Code, "request %d within burst", i)
	}

	w := hit(h, "192.168.1.1:12345")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "server.request.budget_exceeded")

	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, http.StatusOK, hit(h, "192.168.1.1:12345").Code, "one token refilled")
}

func TestRateLimit_RetryAfterRoundsUp(t *testing.T) {
	l, _ := newTestLimiter(RateLimitConfig{RequestsPerSecond: 0.25, Burst: 1, MaxVisitors: 10})
	h := l.middleware(okHandler())

	require.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1").Code)
	w := hit(h, "10.0.0.1:1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "4", w.Header().Get("Retry-After"))
}

func TestRateLimit_PerIPNotPerConnection(t *testing.T) {
	l, _ := newTestLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1, MaxVisitors: 10})
	h := l.middleware(okHandler())

	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "10.0.0.1:2000").Code, "a new port shares the bucket")
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.2:1000").Code, "another IP has its own bucket")
	assert.Equal(t, http.StatusOK, hit(h, "no-port").Code)
}

func TestRateLimit_SweepDropsStaleAndEnforcesCap(t *testing.T) {
	l, clock := newTestLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1, MaxVisitors: 2})

	l.reserve("stale")
	clock.Advance(staleThreshold + time.Minute)
	for i := 0; i < 3; i++ {
		l.reserve(fmt.Sprintf("10.0.0.%d", i))
		clock.Advance(time.Second)
	}

	l.sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.visitors, 2)
	assert.NotContains(t, l.visitors, "stale")
	assert.NotContains(t, l.visitors, "10.0.0.0", "oldest visitor evicted over the cap")
}

func TestRateLimit_CleanupLoopStops(t *testing.T) {
	l := newIPLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1})
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		l.cleanupLoop(done)
		close(exited)
	}()
	close(done)

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not exit")
	}
}
