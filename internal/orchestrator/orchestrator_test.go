// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/sigil-dev/relay/internal/analyzer"
	"github.com/sigil-dev/relay/internal/normalize"
	"github.com/sigil-dev/relay/internal/orchestrator"
	"github.com/sigil-dev/relay/internal/provider"
	"github.com/sigil-dev/relay/internal/recovery"
	"github.com/sigil-dev/relay/internal/store"
	"github.com/sigil-dev/relay/internal/toolserver"
	"github.com/sigil-dev/relay/internal/toolserver/toolservertest"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

var routes = orchestrator.Routes{
	Graph: toolserver.ToolRef{Server: "graph", Tool: "graph_query"},
	Docs:  toolserver.ToolRef{Server: "docs", Tool: "search"},
}

// fakeCompleter fails classifier chats so routing uses heuristics, and
// records every generation request.
type fakeCompleter struct {
	mu       sync.Mutex
	answer   string
	err      error
	requests [][]provider.ChatMessage
}

func (f *fakeCompleter) Chat(context.Context, []provider.ChatMessage) (string, error) {
	return "", errors.New("classifier offline")
}

func (f *fakeCompleter) Complete(_ context.Context, msgs []provider.ChatMessage) (provider.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, msgs)
	if f.err != nil {
		return provider.Completion{}, f.err
	}
	return provider.Completion{Text: f.answer, Provider: "fake", Kind: provider.KindOllama}, nil
}

func (f *fakeCompleter) last(t *testing.T) []provider.ChatMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func newOrchestrator(t *testing.T, completer *fakeCompleter, tools toolserver.Client) *orchestrator.Orchestrator {
	t.Helper()
	o, err := orchestrator.New(orchestrator.Config{Completer: completer, Tools: tools, Routes: routes})
	require.NoError(t, err)
	return o
}

func ask(text string) []provider.ChatMessage {
	return []provider.ChatMessage{provider.NewMessage(provider.RoleUser, text)}
}

func TestTurn_CountReachesModelVerbatim(t *testing.T) {
	tools := toolservertest.New().Reply("graph", "graph_query", toolserver.TextResult("1000"))
	completer := &fakeCompleter{answer: "You have 1000 users."}

	resp, err := newOrchestrator(t, completer, tools).Turn(context.Background(), ask("How many users do we have?"))
	require.NoError(t, err)

	assert.Equal(t, "You have 1000 users.", resp.Content)
	assert.Equal(t, "fake", resp.Provider)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, analyzer.SourceHeuristic, resp.Analysis.Source)

	require.NotNil(t, resp.Tool)
	assert.Equal(t, normalize.KindCount, resp.Tool.Result.Kind)
	assert.Equal(t, recovery.StrategyNone, resp.Tool.Strategy)
	assert.Equal(t, 1, resp.Tool.Attempts)

	calls := tools.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/users/$count", calls[0].Args["path"])
	assert.Equal(t, "eventual", calls[0].Args["consistencyLevel"])

	msgs := completer.last(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, provider.RoleSystem, msgs[0].Role)
	assert.Equal(t, provider.RoleSystem, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "Count: 1000")
	assert.Equal(t, provider.RoleUser, msgs[2].Role)
	assert.Equal(t, "How many users do we have?", msgs[2].Content)
}

func TestTurn_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		msgs []provider.ChatMessage
	}{
		{"no messages", nil},
		{"blank user message", ask("   ")},
		{"assistant last", []provider.ChatMessage{
			provider.NewMessage(provider.RoleUser, "Hi"),
			provider.NewMessage(provider.RoleAssistant, "Hello"),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completer := &fakeCompleter{}
			_, err := newOrchestrator(t, completer, toolservertest.New()).Turn(context.Background(), tt.msgs)
			assert.True(t, relayerr.HasCode(err, relayerr.CodeTurnInputInvalid))
			assert.Empty(t, completer.requests)
		})
	}
}

func TestTurn_MissingToolIsANote(t *testing.T) {
	tools := toolservertest.New().Reply("graph", "other_tool", toolserver.TextResult("1"))
	completer := &fakeCompleter{answer: "I could not look that up."}

	resp, err := newOrchestrator(t, completer, tools).Turn(context.Background(), ask("How many users do we have?"))
	require.NoError(t, err)

	assert.Empty(t, tools.Calls())
	require.NotNil(t, resp.Tool)
	assert.NotEmpty(t, resp.Tool.Error)
	assert.Contains(t, completer.last(t)[1].Content, "graph/graph_query tool is not available")
}

func TestTurn_PermissionFailureBecomesRemediation(t *testing.T) {
	tools := toolservertest.New().Handle("graph", "graph_query", func(context.Context, map[string]any) (toolserver.Result, error) {
		return nil, relayerr.New(relayerr.CodeToolCallDenied, "Authorization_RequestDenied on /auditLogs/signIns")
	})
	completer := &fakeCompleter{answer: "You need more permissions."}

	resp, err := newOrchestrator(t, completer, tools).Turn(context.Background(), ask("Show recent sign-ins"))
	require.NoError(t, err)

	require.NotNil(t, resp.Tool)
	assert.Equal(t, []recovery.Strategy{recovery.StrategySimplify}, resp.Tool.StrategiesTried)
	assert.Equal(t, 2, resp.Tool.Attempts)
	assert.Equal(t, normalize.KindPermissionError, resp.Tool.Result.Kind)
	assert.Contains(t, completer.last(t)[1].Content, "AuditLog.Read.All")
}

func TestTurn_DocsRoute(t *testing.T) {
	tools := toolservertest.New().Reply("docs", "search", toolserver.TextResult("Entra ID manages identities."))
	completer := &fakeCompleter{answer: "Entra ID is Microsoft's identity service."}

	resp, err := newOrchestrator(t, completer, tools).Turn(context.Background(), ask("Explain Microsoft Entra"))
	require.NoError(t, err)

	calls := tools.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "docs", calls[0].Server)
	assert.Equal(t, map[string]any{"query": "Explain Microsoft Entra"}, calls[0].Args)
	assert.Equal(t, normalize.KindScalar, resp.Tool.Result.Kind)
}

func TestTurn_NoToolNeeded(t *testing.T) {
	history := []provider.ChatMessage{
		provider.NewMessage(provider.RoleSystem, "Be brief."),
		provider.NewMessage(provider.RoleUser, "How many users do we have?"),
		provider.NewMessage(provider.RoleAssistant, "1000."),
		provider.NewMessage(provider.RoleUser, "Thanks, that helps"),
	}
	tools := toolservertest.New()
	completer := &fakeCompleter{answer: "Glad to help."}

	resp, err := newOrchestrator(t, completer, tools).Turn(context.Background(), history)
	require.NoError(t, err)

	assert.Nil(t, resp.Tool)
	assert.Empty(t, tools.Calls())
	assert.Equal(t, history, completer.last(t), "caller system prompt passes through untouched")
}

func TestTurn_ExpandsDirectives(t *testing.T) {
	tools := toolservertest.New().
		Reply("graph", "graph_query", toolserver.TextResult(`{"value": [{"displayName": "Admins", "id": "1"}]}`))
	completer := &fakeCompleter{answer: "Your groups:\n```json\n{\"endpoint\": \"/groups\"}\n```"}

	resp, err := newOrchestrator(t, completer, tools).Turn(context.Background(), ask("Thanks, that helps"))
	require.NoError(t, err)

	assert.Equal(t, 1, resp.Directives)
	assert.Contains(t, resp.Content, "| Admins | 1 |")
	assert.NotContains(t, resp.Content, "```json")
}

func TestTurn_GenerationFailure(t *testing.T) {
	completer := &fakeCompleter{err: relayerr.New(relayerr.CodeProviderAllUnavailable, "no providers")}

	_, err := newOrchestrator(t, completer, nil).Turn(context.Background(), ask("Hello there"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generating answer")
	assert.Equal(t, relayerr.CodeProviderAllUnavailable, relayerr.CodeOf(err), "the provider code survives wrapping")
}

func TestTurn_WithoutToolsSkipsRouting(t *testing.T) {
	completer := &fakeCompleter{answer: "I cannot query the directory."}

	resp, err := newOrchestrator(t, completer, nil).Turn(context.Background(), ask("How many users do we have?"))
	require.NoError(t, err)

	assert.True(t, resp.Analysis.NeedsGraphTool)
	assert.Nil(t, resp.Tool)
	assert.Len(t, completer.last(t), 2)
}

func TestTurn_RecordsSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	completer := &fakeCompleter{answer: "ok"}
	_, err := newOrchestrator(t, completer, nil).Turn(context.Background(), ask("Hello there"))
	require.NoError(t, err)

	var names []string
	for _, s := range exporter.GetSpans() {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "turn")
}

type failingRecorder struct{}

func (failingRecorder) Append(context.Context, *store.TurnRecord) error {
	return relayerr.New(relayerr.CodeStoreWriteFailure, "disk full")
}

func TestTurn_RecordsAudit(t *testing.T) {
	tools := toolservertest.New().Reply("graph", "graph_query", toolserver.TextResult("1000"))
	audit := store.NewMemory()
	o, err := orchestrator.New(orchestrator.Config{
		Completer: &fakeCompleter{answer: "You have 1000 users."},
		Tools:     tools,
		Routes:    routes,
		Audit:     audit,
	})
	require.NoError(t, err)

	resp, err := o.Turn(context.Background(), ask("How many users do we have?"))
	require.NoError(t, err)

	recs, err := audit.Query(context.Background(), store.TurnFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, resp.ID, rec.ID)
	assert.Equal(t, "How many users do we have?", rec.Question)
	assert.Equal(t, "fake", rec.Provider)
	assert.Equal(t, "graph", rec.Server)
	assert.Equal(t, "graph_query", rec.Tool)
	assert.Equal(t, string(resp.Tool.Result.Kind), rec.ResultKind)
	assert.Empty(t, rec.ToolError)
	assert.False(t, rec.Timestamp.IsZero())
}

func TestTurn_AuditFailureKeepsAnswer(t *testing.T) {
	o, err := orchestrator.New(orchestrator.Config{
		Completer: &fakeCompleter{answer: "Hi!"},
		Audit:     failingRecorder{},
	})
	require.NoError(t, err)

	resp, err := o.Turn(context.Background(), ask("Hello there"))
	require.NoError(t, err)
	assert.Equal(t, "Hi!", resp.Content)
}

func TestAnalyze(t *testing.T) {
	o := newOrchestrator(t, &fakeCompleter{}, nil)

	qa, err := o.Analyze(context.Background(), ask("Show me guest accounts"))
	require.NoError(t, err)
	assert.Equal(t, "/users", qa.Endpoint)

	_, err = o.Analyze(context.Background(), nil)
	assert.True(t, relayerr.HasCode(err, relayerr.CodeTurnInputInvalid))
}

func TestNew_RequiresCompleter(t *testing.T) {
	_, err := orchestrator.New(orchestrator.Config{})
	assert.Error(t, err)
}
