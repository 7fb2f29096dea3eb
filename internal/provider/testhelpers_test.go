// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package provider_test

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sigil-dev/relay/internal/provider"
)

// fakeAdapter is a scriptable provider.Adapter. Embed or configure it per
// test; chatFunc overrides the canned reply.
type fakeAdapter struct {
	name      string
	kind      provider.Kind
	available atomic.Bool
	probes    atomic.Int32
	reply     string
	chatFunc  func(ctx context.Context, msgs []provider.ChatMessage) (string, error)

	mu    sync.Mutex
	calls int
}

func newFakeAdapter(kind provider.Kind, available bool) *fakeAdapter {
	f := &fakeAdapter{name: string(kind), kind: kind, reply: "from " + string(kind)}
	f.available.Store(available)
	return f
}

func (f *fakeAdapter) Name() string        { return f.name }
func (f *fakeAdapter) Kind() provider.Kind { return f.kind }

func (f *fakeAdapter) Chat(ctx context.Context, msgs []provider.ChatMessage) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.chatFunc != nil {
		return f.chatFunc(ctx, msgs)
	}
	return f.reply, nil
}

func (f *fakeAdapter) Available(context.Context) bool {
	f.probes.Add(1)
	return f.available.Load()
}

func (f *fakeAdapter) ListModels(context.Context) []string { return []string{"fake-model"} }

func (f *fakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeBuilder hands out pre-registered adapters by kind and counts builds.
type fakeBuilder struct {
	mu       sync.Mutex
	adapters map[provider.Kind]*fakeAdapter
	builds   map[provider.Kind]int
}

func newFakeBuilder(adapters ...*fakeAdapter) *fakeBuilder {
	b := &fakeBuilder{
		adapters: make(map[provider.Kind]*fakeAdapter),
		builds:   make(map[provider.Kind]int),
	}
	for _, a := range adapters {
		b.adapters[a.kind] = a
	}
	return b
}

func (b *fakeBuilder) Build(_ context.Context, cfg provider.ProviderConfig) (provider.Adapter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.builds[cfg.Kind]++
	if a, ok := b.adapters[cfg.Kind]; ok {
		return a, nil
	}
	return newFakeAdapter(cfg.Kind, true), nil
}

func (b *fakeBuilder) Builds(kind provider.Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds[kind]
}
