// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package provider

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	relayerr "github.com/sigil-dev/relay/pkg/errors"
	"github.com/sigil-dev/relay/pkg/health"
)

const (
	// DefaultSuccessTTL is how long a successful probe is trusted.
	DefaultSuccessTTL = 5 * time.Minute
	// DefaultFailureTTL is how long a failed probe suppresses new probes.
	DefaultFailureTTL = 30 * time.Second
)

// AvailabilityRecord is the last known reachability of one provider.
type AvailabilityRecord struct {
	ProviderID string        `json:"provider_id"`
	Available  bool          `json:"available"`
	CheckedAt  time.Time     `json:"checked_at"`
	TTL        time.Duration `json:"ttl"`
}

// Fresh reports whether the record can still be served at now.
func (r AvailabilityRecord) Fresh(now time.Time) bool {
	return now.Sub(r.CheckedAt) < r.TTL
}

// ProbeFunc performs a live reachability check.
type ProbeFunc func(ctx context.Context) bool

// AvailabilityCache memoizes provider probes with an asymmetric TTL.
// Concurrent callers that find a stale record may each run a probe; the
// last result written wins.
type AvailabilityCache struct {
	mu         sync.RWMutex
	records    map[string]AvailabilityRecord
	failures   map[string]int64
	successTTL time.Duration
	failureTTL time.Duration
	nowFunc    func() time.Time // for testing
}

// NewAvailabilityCache returns an empty cache. Both TTLs must be positive.
func NewAvailabilityCache(successTTL, failureTTL time.Duration) (*AvailabilityCache, error) {
	if successTTL <= 0 || failureTTL <= 0 {
		return nil, relayerr.Errorf(relayerr.CodeConfigValidateInvalidValue,
			"availability TTLs must be positive, got success=%s failure=%s", successTTL, failureTTL)
	}
	return &AvailabilityCache{
		records:    make(map[string]AvailabilityRecord),
		failures:   make(map[string]int64),
		successTTL: successTTL,
		failureTTL: failureTTL,
		nowFunc:    time.Now,
	}, nil
}

// IsAvailable serves a fresh record, or runs probe and stores its result.
// A done ctx skips the probe and reports unavailable without caching.
func (c *AvailabilityCache) IsAvailable(ctx context.Context, providerID string, probe ProbeFunc) bool {
	c.mu.RLock()
	rec, ok := c.records[providerID]
	now := c.nowFunc()
	c.mu.RUnlock()

	if ok && rec.Fresh(now) {
		return rec.Available
	}
	if ctx.Err() != nil {
		return false
	}

	available := probe(ctx)
	c.Record(providerID, available)
	return available
}

// Record stores an observation made outside a probe, for example a chat
// call that failed with a connection error.
func (c *AvailabilityCache) Record(providerID string, available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ttl := c.successTTL
	if !available {
		ttl = c.failureTTL
		c.failures[providerID]++
	}
	c.records[providerID] = AvailabilityRecord{
		ProviderID: providerID,
		Available:  available,
		CheckedAt:  c.nowFunc(),
		TTL:        ttl,
	}
}

// Lookup returns the stored record without probing.
func (c *AvailabilityCache) Lookup(providerID string) AvailabilityRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.records[providerID]
}

// Invalidate drops the record so the next IsAvailable probes again.
func (c *AvailabilityCache) Invalidate(providerID string) {
	c.mu.Lock()
	delete(c.records, providerID)
	c.mu.Unlock()
}

// Snapshot returns every record sorted by provider id.
func (c *AvailabilityCache) Snapshot() []AvailabilityRecord {
	c.mu.RLock()
	out := make([]AvailabilityRecord, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r)
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b AvailabilityRecord) int { return strings.Compare(a.ProviderID, b.ProviderID) })
	return out
}

// Metrics returns the health snapshot of one provider.
func (c *AvailabilityCache) Metrics(providerID string) health.Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[providerID]
	m := health.Metrics{FailureCount: c.failures[providerID]}
	if !ok {
		return m
	}
	checked := rec.CheckedAt
	expires := rec.CheckedAt.Add(rec.TTL)
	m.Available = rec.Available
	m.CheckedAt = &checked
	m.ExpiresAt = &expires
	m.Stale = !rec.Fresh(c.nowFunc())
	return m
}

// SetNowFunc overrides the time source (for testing).
func (c *AvailabilityCache) SetNowFunc(fn func() time.Time) {
	c.mu.Lock()
	c.nowFunc = fn
	c.mu.Unlock()
}
