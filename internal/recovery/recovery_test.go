// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package recovery_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/sigil-dev/relay/internal/recovery"
	"github.com/sigil-dev/relay/internal/retry"
	"github.com/sigil-dev/relay/internal/toolserver"
	"github.com/sigil-dev/relay/internal/toolserver/toolservertest"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

const (
	graphServer = "graph"
	graphTool   = "graph_query"
)

func graphArgs(path string, params map[string]any) map[string]any {
	return toolserver.NewGraphQuery(path, "get", params).Args()
}

func query(t *testing.T, args map[string]any) toolserver.GraphQuery {
	t.Helper()
	q, ok := toolserver.ParseGraphQuery(args)
	require.True(t, ok)
	return q
}

// graphHandler answers with fn and counts calls.
func graphHandler(t *testing.T, calls *atomic.Int32, fn func(q toolserver.GraphQuery) (toolserver.Result, error)) toolservertest.HandlerFunc {
	return func(_ context.Context, args map[string]any) (toolserver.Result, error) {
		calls.Add(1)
		return fn(query(t, args))
	}
}

func toolErr(msg string) error {
	return relayerr.New(relayerr.CodeToolCallFailure, msg)
}

func TestCall_SucceedsWithoutRecovery(t *testing.T) {
	fake := toolservertest.New().Reply(graphServer, graphTool, toolserver.TextResult("1000"))
	out := recovery.New(fake).Call(context.Background(), graphServer, graphTool, graphArgs("/users/$count", nil))

	require.NoError(t, out.Err)
	assert.Equal(t, recovery.StrategyNone, out.Strategy)
	assert.Equal(t, 1, out.AttemptsMade)
	assert.Empty(t, out.StrategiesTried)
	assert.Equal(t, toolserver.TextResult("1000"), out.Result)
}

func TestCall_SyntaxFix(t *testing.T) {
	var calls atomic.Int32
	fake := toolservertest.New().Handle(graphServer, graphTool, graphHandler(t, &calls, func(q toolserver.GraphQuery) (toolserver.Result, error) {
		if !strings.Contains(q.QueryParams["$filter"], "'Guest'") {
			return nil, toolErr("Invalid filter clause: syntax error at position 12")
		}
		return toolserver.TextResult(`{"value":[]}`), nil
	}))

	out := recovery.New(fake).Call(context.Background(), graphServer, graphTool,
		graphArgs("/users", map[string]any{"$filter": "userType eq Guest"}))

	require.NoError(t, out.Err)
	assert.Equal(t, recovery.StrategySyntaxFix, out.Strategy)
	assert.Equal(t, 2, out.AttemptsMade)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "userType eq 'Guest'", query(t, out.Args).QueryParams["$filter"])
}

func TestCall_SyntaxFailureNeverCascades(t *testing.T) {
	var calls atomic.Int32
	fake := toolservertest.New().Handle(graphServer, graphTool, graphHandler(t, &calls, func(q toolserver.GraphQuery) (toolserver.Result, error) {
		return nil, toolErr(fmt.Sprintf("Syntax error in query, attempt %d", calls.Load()))
	}))

	out := recovery.New(fake).Call(context.Background(), graphServer, graphTool,
		graphArgs("/users", map[string]any{"$filter": "startswith(displayName, ada) and userType eq Member"}))

	require.Error(t, out.Err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []recovery.Strategy{recovery.StrategySyntaxFix}, out.StrategiesTried)

	var exhausted *recovery.ExhaustedError
	require.ErrorAs(t, out.Err, &exhausted)
	assert.Contains(t, exhausted.Err.Error(), "attempt 1")
	assert.Equal(t, 2, exhausted.Attempts)
	assert.Equal(t, relayerr.CodeToolRecoveryExhausted, relayerr.CodeOf(out.Err))
	assert.Contains(t, out.Err.Error(), "recovery tried: syntax_fix")
}

func TestCall_SyntaxFailureWithNothingToFix(t *testing.T) {
	var calls atomic.Int32
	fake := toolservertest.New().Handle(graphServer, graphTool, graphHandler(t, &calls, func(toolserver.GraphQuery) (toolserver.Result, error) {
		return nil, &retry.StatusError{StatusCode: 400, Err: errors.New("bad request")}
	}))

	out := recovery.New(fake).Call(context.Background(), graphServer, graphTool,
		graphArgs("/users", map[string]any{"$filter": "userType eq 'Guest'"}))

	require.Error(t, out.Err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, out.StrategiesTried)
}

func TestCall_PermissionSimplifies(t *testing.T) {
	var calls atomic.Int32
	fake := toolservertest.New().Handle(graphServer, graphTool, graphHandler(t, &calls, func(q toolserver.GraphQuery) (toolserver.Result, error) {
		if len(q.QueryParams) > 0 {
			return nil, toolErr("Authorization_RequestDenied: Insufficient privileges to complete the operation.")
		}
		return toolserver.TextResult(`{"value":[{"id":"1"}]}`), nil
	}))

	out := recovery.New(fake).Call(context.Background(), graphServer, graphTool,
		graphArgs("/users", map[string]any{"$select": "id,signInActivity", "ConsistencyLevel": "eventual"}))

	require.NoError(t, out.Err)
	assert.Equal(t, recovery.StrategySimplify, out.Strategy)
	q := query(t, out.Args)
	assert.Empty(t, q.QueryParams)
	assert.Equal(t, "eventual", q.ConsistencyLevel)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCall_PermissionErrorContentTriggersSimplify(t *testing.T) {
	var calls atomic.Int32
	fake := toolservertest.New().Handle(graphServer, graphTool, graphHandler(t, &calls, func(q toolserver.GraphQuery) (toolserver.Result, error) {
		if len(q.QueryParams) > 0 {
			return toolserver.ContentList{Items: []toolserver.ContentItem{{Type: "text", Text: "403 Forbidden"}}, IsError: true}, nil
		}
		return toolserver.TextResult("ok"), nil
	}))

	out := recovery.New(fake).Call(context.Background(), graphServer, graphTool,
		graphArgs("/groups", map[string]any{"$top": "5"}))

	require.NoError(t, out.Err)
	assert.Equal(t, recovery.StrategySimplify, out.Strategy)
	require.Len(t, out.Attempts, 2)
	assert.False(t, out.Attempts[0].Succeeded())
	assert.Nil(t, out.Attempts[0].Result)
}

func TestCall_AlternativeEndpoints(t *testing.T) {
	var calls atomic.Int32
	var paths []string
	fake := toolservertest.New().Handle(graphServer, graphTool, graphHandler(t, &calls, func(q toolserver.GraphQuery) (toolserver.Result, error) {
		paths = append(paths, q.Path)
		if q.Path == "/me" {
			return toolserver.TextResult(`{"displayName":"Ada"}`), nil
		}
		return nil, toolErr("Resource not found for the segment")
	}))

	out := recovery.New(fake).Call(context.Background(), graphServer, graphTool,
		graphArgs("/auditLogs/signIns", map[string]any{"$top": "10"}))

	require.NoError(t, out.Err)
	assert.Equal(t, recovery.StrategyAlternativeEndpoint, out.Strategy)
	assert.Equal(t, []string{"/auditLogs/signIns", "/users", "/me"}, paths)
	assert.Equal(t, 3, out.AttemptsMade)
	assert.Equal(t, "/me", query(t, out.Args).Path)
}

func TestCall_AlternativesStopAtFirstSuccess(t *testing.T) {
	var calls atomic.Int32
	fake := toolservertest.New().Handle(graphServer, graphTool, graphHandler(t, &calls, func(q toolserver.GraphQuery) (toolserver.Result, error) {
		if q.Path == "/users" {
			return toolserver.TextResult(`{"value":[]}`), nil
		}
		return nil, toolErr("service unavailable")
	}))

	out := recovery.New(fake).Call(context.Background(), graphServer, graphTool, graphArgs("/auditLogs/signIns", nil))

	require.NoError(t, out.Err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCall_AlternativesExhaustedKeepFirstError(t *testing.T) {
	var calls atomic.Int32
	fake := toolservertest.New().Handle(graphServer, graphTool, graphHandler(t, &calls, func(q toolserver.GraphQuery) (toolserver.Result, error) {
		return nil, toolErr("failed on " + q.Path)
	}))

	out := recovery.New(fake,
		recovery.WithAlternatives(map[string][]string{"/devices": {"/me/registeredDevices"}}),
	).Call(context.Background(), graphServer, graphTool, graphArgs("/devices", nil))

	var exhausted *recovery.ExhaustedError
	require.ErrorAs(t, out.Err, &exhausted)
	assert.Equal(t, "failed on /devices", exhausted.Err.Error())
	assert.Equal(t, []recovery.Strategy{recovery.StrategyAlternativeEndpoint}, exhausted.Tried)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCall_NonGraphToolIsNotRepaired(t *testing.T) {
	var calls atomic.Int32
	fake := toolservertest.New().Handle("docs", "search", func(context.Context, map[string]any) (toolserver.Result, error) {
		calls.Add(1)
		return nil, toolErr("upstream timeout")
	})

	out := recovery.New(fake).Call(context.Background(), "docs", "search", map[string]any{"query": "entra"})

	var exhausted *recovery.ExhaustedError
	require.ErrorAs(t, out.Err, &exhausted)
	assert.Empty(t, exhausted.Tried)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCall_UnknownServerIsReturnedAsIs(t *testing.T) {
	out := recovery.New(toolservertest.New()).Call(context.Background(), "nope", graphTool, graphArgs("/users", nil))
	assert.True(t, relayerr.IsNotFound(out.Err))
	assert.Equal(t, 1, out.AttemptsMade)
}

func TestCall_CancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fake := toolservertest.New().Handle(graphServer, graphTool, func(ctx context.Context, _ map[string]any) (toolserver.Result, error) {
		return nil, ctx.Err()
	})
	out := recovery.New(fake).Call(ctx, graphServer, graphTool, graphArgs("/users", nil))

	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 1, out.AttemptsMade)
}

func TestCall_RecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var calls atomic.Int32
	fake := toolservertest.New().Handle(graphServer, graphTool, graphHandler(t, &calls, func(q toolserver.GraphQuery) (toolserver.Result, error) {
		if calls.Load() == 1 {
			return nil, toolErr("syntax error")
		}
		return toolserver.TextResult("ok"), nil
	}))
	out := recovery.New(fake).Call(context.Background(), graphServer, graphTool,
		graphArgs("/users", map[string]any{"$filter": "mail eq ada"}))
	require.NoError(t, out.Err)

	var names []string
	for _, s := range exporter.GetSpans() {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{"tool.recover", "recovery.syntax_fix"}, names)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want recovery.Class
	}{
		{"filter syntax", errors.New("Invalid filter clause"), recovery.ClassSyntax},
		{"status 400", &retry.StatusError{StatusCode: 400}, recovery.ClassSyntax},
		{"status 403", &retry.StatusError{StatusCode: 403}, recovery.ClassPermission},
		{"denied code", relayerr.New(relayerr.CodeToolCallDenied, "nope"), recovery.ClassPermission},
		{"denied text", errors.New("Authorization_RequestDenied"), recovery.ClassPermission},
		{"not found", errors.New("Resource not found"), recovery.ClassOther},
		{"timeout", &retry.StatusError{StatusCode: 504}, recovery.ClassOther},
		{"nil", nil, recovery.ClassOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, recovery.Classify(tt.err))
		})
	}
}
