// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

const (
	defaultMaxVisitors = 10000
	cleanupInterval    = 5 * time.Minute
	staleThreshold     = 10 * time.Minute
)

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained request rate per IP. Zero disables limiting.
	RequestsPerSecond float64
	// Burst is the maximum burst size per IP.
	Burst int
	// MaxVisitors caps the number of tracked IPs. The least recently seen
	// are evicted on cleanup. Default: 10000.
	MaxVisitors int
}

// Validate checks that the RateLimitConfig is valid and applies defaults.
func (c *RateLimitConfig) Validate() error {
	if c.RequestsPerSecond > 0 && c.Burst <= 0 {
		return relayerr.Errorf(relayerr.CodeServerConfigInvalid,
			"rate limit burst must be positive when rate is set (got burst=%d, rate=%g)",
			c.Burst, c.RequestsPerSecond)
	}
	if c.RequestsPerSecond < 0 {
		return relayerr.Errorf(relayerr.CodeServerConfigInvalid,
			"rate limit requests per second must not be negative (got %g)",
			c.RequestsPerSecond)
	}
	if c.MaxVisitors < 0 {
		return relayerr.Errorf(relayerr.CodeServerConfigInvalid,
			"rate limit max visitors must not be negative (got %d)",
			c.MaxVisitors)
	}
	if c.MaxVisitors == 0 {
		c.MaxVisitors = defaultMaxVisitors
	}
	return nil
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter holds one token bucket per client IP.
type ipLimiter struct {
	cfg     RateLimitConfig
	nowFunc func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

func newIPLimiter(cfg RateLimitConfig) *ipLimiter {
	return &ipLimiter{
		cfg:      cfg,
		nowFunc:  time.Now,
		visitors: make(map[string]*visitor),
	}
}

// reserve takes a token for ip. When none is available it returns how
// long the client should wait.
func (l *ipLimiter) reserve(ip string) (bool, time.Duration) {
	now := l.nowFunc()

	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now

	if v.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := v.limiter.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

// sweep drops stale visitors, then evicts the oldest ones beyond the cap.
func (l *ipLimiter) sweep() {
	now := l.nowFunc()

	l.mu.Lock()
	defer l.mu.Unlock()

	type entry struct {
		ip       string
		lastSeen time.Time
	}
	entries := make([]entry, 0, len(l.visitors))
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > staleThreshold {
			delete(l.visitors, ip)
		} else {
			entries = append(entries, entry{ip: ip, lastSeen: v.lastSeen})
		}
	}

	if l.cfg.MaxVisitors <= 0 || len(entries) <= l.cfg.MaxVisitors {
		return
	}
	slices.SortFunc(entries, func(a, b entry) int { return a.lastSeen.Compare(b.lastSeen) })
	toEvict := len(entries) - l.cfg.MaxVisitors
	for i := 0; i < toEvict; i++ {
		delete(l.visitors, entries[i].ip)
	}
	slog.Warn("rate limiter visitor map cap enforced",
		"evicted", toEvict, "max_visitors", l.cfg.MaxVisitors, "remaining", len(l.visitors))
}

func (l *ipLimiter) cleanupLoop(done <-chan struct{}) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-done:
			return
		}
	}
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Limit by IP, not by connection: ephemeral ports would otherwise
		// each get their own bucket.
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		ok, wait := l.reserve(ip)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		slog.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
		retryAfter := int(math.Ceil(wait.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.WriteHeader(http.StatusTooManyRequests)
		body, _ := json.Marshal(map[string]string{
			"error": "rate limit exceeded",
			"code":  string(relayerr.CodeServerRateLimited),
		})
		if _, err := w.Write(body); err != nil {
			slog.Warn("failed to write rate limit response", "error", err)
		}
	})
}
