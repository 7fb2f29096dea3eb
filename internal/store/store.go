// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package store keeps the audit trail of answered turns.
package store

import (
	"context"
	"time"
)

// DefaultQueryLimit caps a query that sets no limit.
const DefaultQueryLimit = 100

// MaxQueryLimit caps every query.
const MaxQueryLimit = 1000

// TurnStore records turns and reads them back newest first.
type TurnStore interface {
	Append(ctx context.Context, rec *TurnRecord) error
	Query(ctx context.Context, filter TurnFilter) ([]*TurnRecord, error)
	Close() error
}

// TurnRecord is the audit entry of one answered turn. It holds routing
// and recovery metadata, never tool payloads.
type TurnRecord struct {
	ID              string        `json:"id"`
	Timestamp       time.Time     `json:"timestamp"`
	Question        string        `json:"question"`
	Provider        string        `json:"provider"`
	Source          string        `json:"source"`
	Server          string        `json:"server,omitempty"`
	Tool            string        `json:"tool,omitempty"`
	Strategy        string        `json:"strategy,omitempty"`
	StrategiesTried []string      `json:"strategies_tried,omitempty"`
	Attempts        int           `json:"attempts,omitempty"`
	ResultKind      string        `json:"result_kind,omitempty"`
	ToolError       string        `json:"tool_error,omitempty"`
	Directives      int           `json:"directives,omitempty"`
	Duration        time.Duration `json:"duration_ns"`
}

// TurnFilter selects audit entries. Zero fields match everything.
type TurnFilter struct {
	Provider string
	Server   string
	Tool     string
	// FailedOnly keeps turns whose tool call ended in an error.
	FailedOnly bool
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// Matches reports whether rec passes every set criterion. From is
// inclusive, To exclusive.
func (f TurnFilter) Matches(rec *TurnRecord) bool {
	switch {
	case f.Provider != "" && rec.Provider != f.Provider:
		return false
	case f.Server != "" && rec.Server != f.Server:
		return false
	case f.Tool != "" && rec.Tool != f.Tool:
		return false
	case f.FailedOnly && rec.ToolError == "":
		return false
	case !f.From.IsZero() && rec.Timestamp.Before(f.From):
		return false
	case !f.To.IsZero() && !rec.Timestamp.Before(f.To):
		return false
	}
	return true
}

// EffectiveLimit clamps Limit to (0, MaxQueryLimit], defaulting to
// DefaultQueryLimit.
func (f TurnFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultQueryLimit
	case f.Limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return f.Limit
	}
}
