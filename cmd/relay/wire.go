// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strings"

	"github.com/sigil-dev/relay/internal/analyzer"
	"github.com/sigil-dev/relay/internal/config"
	"github.com/sigil-dev/relay/internal/normalize"
	"github.com/sigil-dev/relay/internal/orchestrator"
	"github.com/sigil-dev/relay/internal/provider"
	"github.com/sigil-dev/relay/internal/provider/builtin"
	"github.com/sigil-dev/relay/internal/recovery"
	"github.com/sigil-dev/relay/internal/server"
	"github.com/sigil-dev/relay/internal/store"
	_ "github.com/sigil-dev/relay/internal/store/sqlite"
	"github.com/sigil-dev/relay/internal/toolserver"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// Runtime holds all wired subsystems.
type Runtime struct {
	Config       *config.Config
	Cache        *provider.AvailabilityCache
	Selector     *provider.Selector
	Tools        toolserver.Client
	Audit        store.TurnStore
	Orchestrator *orchestrator.Orchestrator
}

// Close releases the audit store.
func (rt *Runtime) Close() error {
	if rt.Audit == nil {
		return nil
	}
	return rt.Audit.Close()
}

type wireOptions struct {
	heuristicOnly bool
}

type wireOption func(*wireOptions)

// withHeuristicRouting skips the LLM classifier.
func withHeuristicRouting() wireOption {
	return func(o *wireOptions) { o.heuristicOnly = true }
}

// Wire creates all subsystems from cfg and wires them together.
func Wire(ctx context.Context, cfg *config.Config, opts ...wireOption) (*Runtime, error) {
	var wo wireOptions
	for _, opt := range opts {
		opt(&wo)
	}

	// 1. Availability cache shared by every adapter.
	cache, err := provider.NewAvailabilityCache(cfg.Availability.SuccessTTL, cfg.Availability.FailureTTL)
	if err != nil {
		return nil, relayerr.Wrap(err, relayerr.CodeCLISetupFailure, "creating availability cache")
	}

	// 2. Provider selector over the built-in adapters.
	build := builtin.Build(provider.Options{
		Cache:        cache,
		Retry:        cfg.Retry,
		ChatTimeout:  cfg.Providers.ChatTimeout,
		ProbeTimeout: cfg.Availability.ProbeTimeout,
	})
	sel, err := provider.NewSelector(ctx, build, cfg.SelectorConfig())
	if err != nil {
		return nil, relayerr.Wrap(err, relayerr.CodeCLISetupFailure, "creating provider selector")
	}

	rt := &Runtime{Config: cfg, Cache: cache, Selector: sel}

	// 3. Tool servers, when any are configured.
	occ := orchestrator.Config{
		Completer:    sel,
		Routes:       cfg.Tools.Routes(),
		Normalizer:   normalize.New(cfg.Normalize),
		SystemPrompt: cfg.Providers.SystemPrompt,
	}
	if len(cfg.Tools.Servers) > 0 {
		mcp, err := toolserver.NewMCP(cfg.Tools.Servers, nil)
		if err != nil {
			return nil, relayerr.Wrap(err, relayerr.CodeCLISetupFailure, "creating tool server client")
		}
		rt.Tools = mcp
		occ.Tools = mcp
		occ.Recovery = recovery.New(mcp, recovery.WithAlternatives(alternatives(cfg.Tools.Alternatives)))
	}

	// 4. Turn audit trail.
	if cfg.Audit.Backend != "" {
		audit, err := store.Open(cfg.Audit)
		if err != nil {
			return nil, relayerr.Wrap(err, relayerr.CodeCLISetupFailure, "opening audit store")
		}
		rt.Audit = audit
		occ.Audit = audit
	}

	// 5. Query analyzer and the turn orchestrator.
	var aopts []analyzer.Option
	if wo.heuristicOnly {
		aopts = append(aopts, analyzer.WithHeuristicOnly())
	}
	occ.Analyzer = analyzer.New(sel, aopts...)

	orch, err := orchestrator.New(occ)
	if err != nil {
		return nil, errors.Join(
			relayerr.Wrap(err, relayerr.CodeCLISetupFailure, "creating orchestrator"),
			rt.Close(),
		)
	}
	rt.Orchestrator = orch

	slog.Debug("runtime wired",
		"providers", len(cfg.Providers.List),
		"tool_servers", len(cfg.Tools.Servers),
		"audit", cfg.Audit.Backend,
	)
	return rt, nil
}

// history returns the audit store as a query service, or nil when the
// audit trail is disabled.
func (rt *Runtime) history() server.TurnQuerier {
	if rt.Audit == nil {
		return nil
	}
	return rt.Audit
}

// alternatives extends the built-in related-endpoint table with the
// configured entries. Configured keys win.
func alternatives(extra map[string][]string) map[string][]string {
	table := maps.Clone(recovery.DefaultAlternatives)
	for endpoint, alts := range extra {
		table[strings.ToLower(endpoint)] = alts
	}
	return table
}

// wire loads the config and wires the runtime.
func (c *cli) wire(ctx context.Context, opts ...wireOption) (*Runtime, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	return Wire(ctx, cfg, opts...)
}
