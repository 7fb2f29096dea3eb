// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package health

import "time"

// Metrics exposes the cached reachability of a provider for monitoring
// and operator visibility. All fields are point-in-time snapshots safe
// to serialize to JSON.
type Metrics struct {
	Available    bool       `json:"available"`
	Stale        bool       `json:"stale"`
	FailureCount int64      `json:"failure_count"`
	CheckedAt    *time.Time `json:"checked_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}
