// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sigil-dev/relay/internal/config"
	"github.com/sigil-dev/relay/internal/provider"
	"github.com/sigil-dev/relay/internal/server"
	"github.com/sigil-dev/relay/internal/telemetry"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay HTTP API",
		Long:  "Load configuration, wire providers and tool servers, and serve the HTTP API until interrupted. Provider changes in the config file are applied without a restart.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runServe(cmd)
		},
	}

	cmd.Flags().String("listen", "", "override listen address (host:port)")
	_ = c.v.BindPFlag("server.listen", cmd.Flags().Lookup("listen"))

	return cmd
}

func (c *cli) runServe(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("flushing traces", "error", err)
		}
	}()

	rt, err := Wire(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			slog.Warn("closing audit store", "error", err)
		}
	}()

	if cfg.Availability.WarmInterval > 0 {
		warmer, err := provider.NewWarmer(rt.Selector, cfg.Availability.WarmInterval)
		if err != nil {
			return err
		}
		if err := warmer.Start(ctx); err != nil {
			return err
		}
	}

	if path := c.v.ConfigFileUsed(); path != "" {
		watcher, err := config.NewWatcher(path, config.DefaultReloadDebounce, func(next *config.Config) {
			applyReload(ctx, rt, next)
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "path", path, "error", err)
		} else {
			go watcher.Run(ctx)
		}
	}

	srv, err := server.New(server.Config{
		ListenAddr:      cfg.Server.Listen,
		CORSOrigins:     cfg.Server.CORSOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		TurnTimeout:     cfg.Server.TurnTimeout,
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
			Burst:             cfg.Server.RateLimit.Burst,
		},
		Version: version,
	}, server.Services{
		Turns:     rt.Orchestrator,
		Providers: rt.Selector,
		Health:    rt.Cache,
		Tools:     rt.Tools,
		History:   rt.history(),
	})
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(cmd.OutOrStdout(), "relay %s serving on %s\n", version, cfg.Server.Listen); err != nil {
		return err
	}
	return srv.Start(ctx)
}

// applyReload swaps in the provider section of a reloaded config. Other
// sections take effect on restart.
func applyReload(ctx context.Context, rt *Runtime, next *config.Config) {
	if err := rt.Selector.UpdateConfig(ctx, next.SelectorConfig()); err != nil {
		slog.Warn("provider reload rejected, keeping current providers",
			"error", err, "code", relayerr.CodeOf(err))
		return
	}
	slog.Info("providers reloaded", "count", len(next.Providers.List))
}
