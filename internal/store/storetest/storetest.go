// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package storetest holds the behaviour every TurnStore backend shares.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/relay/internal/store"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// Opener returns a fresh, empty store for one subtest.
type Opener func(t *testing.T) store.TurnStore

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s store.TurnStore) {
	t.Helper()
	recs := []*store.TurnRecord{
		{ID: "t1", Timestamp: base, Question: "hi", Provider: "ollama", Source: "heuristic"},
		{
			ID: "t2", Timestamp: base.Add(time.Minute), Question: "how many nodes", Provider: "ollama",
			Source: "llm", Server: "graph", Tool: "graph_query", ResultKind: "json", Duration: 1500 * time.Millisecond,
		},
		{
			ID: "t3", Timestamp: base.Add(2 * time.Minute), Question: "latest docs", Provider: "openai",
			Source: "llm", Server: "docs", Tool: "search", Strategy: "alternative_tool",
			StrategiesTried: []string{"simplify_query", "alternative_tool"}, Attempts: 2,
			ToolError: "search timed out", Directives: 1,
		},
	}
	for _, rec := range recs {
		require.NoError(t, s.Append(context.Background(), rec))
	}
}

func ids(recs []*store.TurnRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

// Run exercises open against the TurnStore contract.
func Run(t *testing.T, open Opener) {
	t.Run("round trip", func(t *testing.T) {
		s := open(t)
		seed(t, s)

		got, err := s.Query(context.Background(), store.TurnFilter{Tool: "search"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		rec := got[0]
		assert.Equal(t, "t3", rec.ID)
		assert.True(t, base.Add(2*time.Minute).Equal(rec.Timestamp))
		assert.Equal(t, "openai", rec.Provider)
		assert.Equal(t, "alternative_tool", rec.Strategy)
		assert.Equal(t, []string{"simplify_query", "alternative_tool"}, rec.StrategiesTried)
		assert.Equal(t, 2, rec.Attempts)
		assert.Equal(t, "search timed out", rec.ToolError)
		assert.Equal(t, 1, rec.Directives)
	})

	t.Run("filters", func(t *testing.T) {
		s := open(t)
		seed(t, s)

		tests := []struct {
			name   string
			filter store.TurnFilter
			want   []string
		}{
			{"everything newest first", store.TurnFilter{}, []string{"t3", "t2", "t1"}},
			{"by provider", store.TurnFilter{Provider: "ollama"}, []string{"t2", "t1"}},
			{"by server", store.TurnFilter{Server: "graph"}, []string{"t2"}},
			{"failed only", store.TurnFilter{FailedOnly: true}, []string{"t3"}},
			{"from is inclusive", store.TurnFilter{From: base.Add(time.Minute)}, []string{"t3", "t2"}},
			{"to is exclusive", store.TurnFilter{To: base.Add(time.Minute)}, []string{"t1"}},
			{"limit", store.TurnFilter{Limit: 2}, []string{"t3", "t2"}},
			{"offset", store.TurnFilter{Limit: 2, Offset: 2}, []string{"t1"}},
			{"offset past the end", store.TurnFilter{Offset: 5}, []string{}},
			{"nothing matches", store.TurnFilter{Provider: "anthropic"}, []string{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.Query(context.Background(), tt.filter)
				require.NoError(t, err)
				assert.Equal(t, tt.want, ids(got))
			})
		}
	})

	t.Run("stamps missing timestamp", func(t *testing.T) {
		s := open(t)
		before := time.Now().Add(-time.Second)
		require.NoError(t, s.Append(context.Background(), &store.TurnRecord{ID: "now", Question: "q"}))

		got, err := s.Query(context.Background(), store.TurnFilter{})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Timestamp.After(before))
	})

	t.Run("rejects record without id", func(t *testing.T) {
		s := open(t)
		err := s.Append(context.Background(), &store.TurnRecord{Question: "q"})
		assert.True(t, relayerr.HasCode(err, relayerr.CodeStoreWriteFailure))
	})
}
