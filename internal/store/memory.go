// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import (
	"context"
	"slices"
	"sync"
	"time"

	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

var _ TurnStore = (*Memory)(nil)

// Memory is a TurnStore that lives as long as the process.
type Memory struct {
	mu      sync.RWMutex
	records []*TurnRecord
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, rec *TurnRecord) error {
	if err := prepare(rec); err != nil {
		return err
	}
	cp := *rec
	cp.StrategiesTried = slices.Clone(rec.StrategiesTried)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, &cp)
	return nil
}

func (m *Memory) Query(_ context.Context, filter TurnFilter) ([]*TurnRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*TurnRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		if filter.Matches(m.records[i]) {
			matched = append(matched, m.records[i])
		}
	}
	slices.SortStableFunc(matched, func(a, b *TurnRecord) int { return b.Timestamp.Compare(a.Timestamp) })

	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[max(filter.Offset, 0):]
	if limit := filter.EffectiveLimit(); len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*TurnRecord, len(matched))
	for i, rec := range matched {
		cp := *rec
		cp.StrategiesTried = slices.Clone(rec.StrategiesTried)
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

// prepare rejects records without an id and stamps a missing timestamp.
func prepare(rec *TurnRecord) error {
	if rec == nil || rec.ID == "" {
		return relayerr.New(relayerr.CodeStoreWriteFailure, "turn record requires an id")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return nil
}

// Prepare is prepare for backend packages.
func Prepare(rec *TurnRecord) error { return prepare(rec) }
