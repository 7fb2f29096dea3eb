// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/relay/internal/analyzer"
	"github.com/sigil-dev/relay/internal/orchestrator"
	"github.com/sigil-dev/relay/internal/provider"
	"github.com/sigil-dev/relay/internal/server"
	"github.com/sigil-dev/relay/pkg/health"
)

// fakeTurner echoes the last message, or fails with err.
type fakeTurner struct {
	mu    sync.Mutex
	err   error
	seen  []provider.ChatMessage
	calls int
	// deadline records whether the turn context carried a deadline.
	deadline bool
}

func (f *fakeTurner) Turn(ctx context.Context, msgs []provider.ChatMessage) (*orchestrator.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = msgs
	f.calls++
	_, f.deadline = ctx.Deadline()
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.Response{
		ID:       "turn-1",
		Content:  "echo: " + lastContent(msgs),
		Provider: "ollama/llama3.1",
		Analysis: analyzer.QueryAnalysis{Source: analyzer.SourceHeuristic},
	}, nil
}

func (f *fakeTurner) Analyze(_ context.Context, msgs []provider.ChatMessage) (analyzer.QueryAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return analyzer.QueryAnalysis{}, f.err
	}
	return analyzer.Heuristic(lastContent(msgs)), nil
}

func lastContent(msgs []provider.ChatMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Content
}

type fakeStatus []provider.Status

func (f fakeStatus) Status(context.Context) []provider.Status { return f }

type fakeHealth map[string]health.Metrics

func (f fakeHealth) Metrics(id string) health.Metrics { return f[id] }

func newTestServer(t *testing.T, cfg server.Config, svc server.Services) *server.Server {
	t.Helper()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if svc.Turns == nil {
		svc.Turns = &fakeTurner{}
	}
	if svc.Providers == nil {
		svc.Providers = fakeStatus{}
	}
	srv, err := server.New(cfg, svc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}
