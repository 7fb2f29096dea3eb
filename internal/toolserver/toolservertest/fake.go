// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package toolservertest provides an in-memory toolserver.Client for
// tests of packages that call tools.
package toolservertest

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/sigil-dev/relay/internal/toolserver"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// HandlerFunc answers one tool call.
type HandlerFunc func(ctx context.Context, args map[string]any) (toolserver.Result, error)

// Call records one invocation.
type Call struct {
	Server string
	Tool   string
	Args   map[string]any
}

// Fake is a scriptable toolserver.Client. It is safe for concurrent use.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]map[string]HandlerFunc
	calls    []Call
}

var _ toolserver.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{handlers: make(map[string]map[string]HandlerFunc)}
}

// Handle registers fn for server/tool and returns f for chaining.
func (f *Fake) Handle(server, tool string, fn HandlerFunc) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[server] == nil {
		f.handlers[server] = make(map[string]HandlerFunc)
	}
	f.handlers[server][tool] = fn
	return f
}

// Reply registers a handler that always returns res.
func (f *Fake) Reply(server, tool string, res toolserver.Result) *Fake {
	return f.Handle(server, tool, func(context.Context, map[string]any) (toolserver.Result, error) {
		return res, nil
	})
}

func (f *Fake) CallTool(ctx context.Context, server, tool string, args map[string]any) (toolserver.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Server: server, Tool: tool, Args: maps.Clone(args)})
	tools, ok := f.handlers[server]
	var fn HandlerFunc
	if ok {
		fn = tools[tool]
	}
	f.mu.Unlock()

	if !ok {
		return nil, relayerr.New(relayerr.CodeToolServerNotFound, "unknown tool server "+server,
			relayerr.FieldServer(server))
	}
	if fn == nil {
		return nil, relayerr.New(relayerr.CodeToolNotFound, "unknown tool "+tool,
			relayerr.FieldServer(server), relayerr.FieldTool(tool))
	}
	return fn(ctx, args)
}

func (f *Fake) ListTools(_ context.Context, server string) ([]toolserver.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tools, ok := f.handlers[server]
	if !ok {
		return nil, relayerr.New(relayerr.CodeToolServerNotFound, "unknown tool server "+server,
			relayerr.FieldServer(server))
	}
	var out []toolserver.Tool
	for _, name := range slices.Sorted(maps.Keys(tools)) {
		out = append(out, toolserver.Tool{Name: name})
	}
	return out, nil
}

func (f *Fake) Servers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Sorted(maps.Keys(f.handlers))
}

// Calls returns every recorded invocation in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}
