// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package provider

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sigil-dev/relay/internal/retry"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// BuildFunc constructs an adapter from a validated config.
type BuildFunc func(ctx context.Context, cfg ProviderConfig) (Adapter, error)

// SelectorConfig is the provider section of the runtime configuration.
type SelectorConfig struct {
	LocalFirst bool             `mapstructure:"local_first" json:"local_first"`
	Providers  []ProviderConfig `mapstructure:"list" json:"list"`
}

type slot struct {
	cfg     ProviderConfig
	adapter Adapter
}

// SelectorState is an immutable snapshot of the configured adapters.
// It is replaced wholesale by UpdateConfig and never mutated.
type SelectorState struct {
	localFirst bool
	local      *slot
	cloud      *slot
	// built holds every adapter this state owns, keyed by config, so the
	// next rebuild can reuse unchanged ones.
	built map[ProviderConfig]Adapter
}

// LocalFirst reports the preference order.
func (s *SelectorState) LocalFirst() bool { return s.localFirst }

// Local returns the local adapter, or nil.
func (s *SelectorState) Local() Adapter {
	if s.local == nil {
		return nil
	}
	return s.local.adapter
}

// Cloud returns the hosted adapter, or nil.
func (s *SelectorState) Cloud() Adapter {
	if s.cloud == nil {
		return nil
	}
	return s.cloud.adapter
}

// candidates returns the linear fallback chain.
func (s *SelectorState) candidates() []*slot {
	var out []*slot
	if s.localFirst && s.local != nil {
		out = append(out, s.local)
	}
	if s.cloud != nil {
		out = append(out, s.cloud)
	}
	if !s.localFirst && s.local != nil {
		out = append(out, s.local)
	}
	return out
}

// Selector picks the first reachable adapter for each call.
type Selector struct {
	build  BuildFunc
	state  atomic.Pointer[SelectorState]
	update sync.Mutex
	tracer trace.Tracer
}

// Completion is the text of a chat plus the adapter that produced it.
type Completion struct {
	Text     string
	Provider string
	Kind     Kind
}

// NewSelector builds the initial state from cfg.
func NewSelector(ctx context.Context, build BuildFunc, cfg SelectorConfig) (*Selector, error) {
	if build == nil {
		return nil, relayerr.New(relayerr.CodeConfigValidateInvalidValue, "selector requires a build function")
	}
	s := &Selector{
		build:  build,
		tracer: otel.Tracer("github.com/sigil-dev/relay/internal/provider"),
	}
	s.state.Store(&SelectorState{built: map[ProviderConfig]Adapter{}})
	if err := s.UpdateConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// State returns the current snapshot.
func (s *Selector) State() *SelectorState { return s.state.Load() }

// UpdateConfig builds a new state and swaps it in. Adapters whose config
// did not change are carried over; everything else is rebuilt. Calls
// already running keep the state they loaded.
func (s *Selector) UpdateConfig(ctx context.Context, cfg SelectorConfig) error {
	s.update.Lock()
	defer s.update.Unlock()

	prev := s.state.Load()
	next := &SelectorState{
		localFirst: cfg.LocalFirst,
		built:      make(map[ProviderConfig]Adapter, len(cfg.Providers)),
	}

	var errs []error
	for _, pc := range cfg.Providers {
		if (pc.Kind.IsLocal() && next.local != nil) || (!pc.Kind.IsLocal() && next.cloud != nil) {
			slog.Warn("provider ignored, family already configured",
				"provider", pc.ID(), "kind", pc.Kind)
			continue
		}
		if err := pc.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}

		adapter, ok := prev.built[pc]
		if !ok {
			var err error
			adapter, err = s.build(ctx, pc)
			if err != nil {
				errs = append(errs, relayerr.With(err, relayerr.FieldProvider(pc.ID())))
				continue
			}
		}
		next.built[pc] = adapter

		sl := &slot{cfg: pc, adapter: adapter}
		if pc.Kind.IsLocal() {
			next.local = sl
		} else {
			next.cloud = sl
		}
	}

	if len(errs) > 0 {
		return relayerr.Join(errs...)
	}

	s.state.Store(next)
	slog.Info("provider selector updated",
		"local_first", next.localFirst,
		"local", slotName(next.local),
		"cloud", slotName(next.cloud),
	)
	return nil
}

func slotName(s *slot) string {
	if s == nil {
		return ""
	}
	return s.cfg.ID()
}

// Chat implements Chatter.
func (s *Selector) Chat(ctx context.Context, msgs []ChatMessage) (string, error) {
	c, err := s.Complete(ctx, msgs)
	if err != nil {
		return "", err
	}
	return c.Text, nil
}

// Complete walks the fallback chain and returns the first successful
// completion. An adapter that fails because it could not be reached is
// marked unavailable and the chain continues; any other error is
// returned as is.
func (s *Selector) Complete(ctx context.Context, msgs []ChatMessage) (Completion, error) {
	ctx, span := s.tracer.Start(ctx, "provider.select")
	defer span.End()

	state := s.state.Load()
	chain := state.candidates()
	if len(chain) == 0 {
		err := relayerr.New(relayerr.CodeProviderNoneConfigured, "no provider configured")
		span.SetStatus(codes.Error, err.Error())
		return Completion{}, err
	}

	var unreachable []string
	for _, sl := range chain {
		name := sl.cfg.ID()
		if !sl.adapter.Available(ctx) {
			unreachable = append(unreachable, string(sl.cfg.Kind))
			continue
		}

		span.SetAttributes(attribute.String("provider", name), attribute.String("provider.kind", string(sl.cfg.Kind)))
		text, err := sl.adapter.Chat(ctx, msgs)
		if err == nil {
			return Completion{Text: text, Provider: name, Kind: sl.cfg.Kind}, nil
		}
		if ctx.Err() != nil || !unreachableErr(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Completion{}, err
		}

		slog.Warn("provider unreachable, failing over", "provider", name, "error", err)
		unreachable = append(unreachable, string(sl.cfg.Kind))
	}

	err := relayerr.New(relayerr.CodeProviderAllUnavailable,
		"no provider available; configured but unreachable: "+strings.Join(unreachable, ", "),
		relayerr.Field("unreachable", unreachable),
	)
	span.SetStatus(codes.Error, err.Error())
	return Completion{}, err
}

// unreachableErr reports whether err means the adapter could not serve
// any request right now, as opposed to rejecting this one.
func unreachableErr(err error) bool {
	if relayerr.HasCode(err, relayerr.CodeProviderNotRunning) {
		return true
	}
	var ce *ChatError
	if errors.As(err, &ce) {
		return retry.IsRetryable(ce.Err)
	}
	return false
}

// Status reports every configured adapter in fallback order, probing
// through the cache. The first available one is marked active.
func (s *Selector) Status(ctx context.Context) []Status {
	var (
		out    []Status
		active bool
	)
	for _, sl := range s.state.Load().candidates() {
		avail := sl.adapter.Available(ctx)
		st := Status{
			Provider:  sl.cfg.ID(),
			Kind:      sl.cfg.Kind,
			Model:     sl.cfg.Model,
			Available: avail,
		}
		if avail && !active {
			st.Active = true
			active = true
		}
		out = append(out, st)
	}
	return out
}

// Adapters returns the adapters in fallback order.
func (s *Selector) Adapters() []Adapter {
	var out []Adapter
	for _, sl := range s.state.Load().candidates() {
		out = append(out, sl.adapter)
	}
	return out
}
