// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package config_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/relay/internal/config"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

func TestWatcher_ReloadsValidChanges(t *testing.T) {
	path := writeConfig(t, "server:\n  listen: \"127.0.0.1:9001\"\n")

	reloaded := make(chan *config.Config, 4)
	w, err := config.NewWatcher(path, 20*time.Millisecond, func(cfg *config.Config) { reloaded <- cfg })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	// An invalid edit is skipped.
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \"nope\"\n"), 0o600))
	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid config was applied: %+v", cfg.Server)
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \"127.0.0.1:9002\"\n"), 0o600))
	select {
	case cfg := <-reloaded:
		assert.Equal(t, "127.0.0.1:9002", cfg.Server.Listen)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not picked up")
	}
}

func TestNewWatcher_RequiresPath(t *testing.T) {
	_, err := config.NewWatcher("", 0, func(*config.Config) {})
	assert.True(t, relayerr.HasCode(err, relayerr.CodeConfigWatchFailure))
}
