// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// DefaultReloadDebounce coalesces the burst of events an editor save
// produces.
const DefaultReloadDebounce = 250 * time.Millisecond

// Watcher reloads a config file when it changes on disk and hands every
// valid result to onChange. Invalid edits are logged and skipped, so the
// last good configuration stays in effect.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	fs       *fsnotify.Watcher

	mu      sync.Mutex
	pending *time.Timer
}

// NewWatcher watches path. The parent directory is watched so that
// editors replacing the file by rename are seen too.
func NewWatcher(path string, debounce time.Duration, onChange func(*Config)) (*Watcher, error) {
	if path == "" {
		return nil, relayerr.New(relayerr.CodeConfigWatchFailure, "no config file to watch")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, relayerr.Wrap(err, relayerr.CodeConfigWatchFailure, "resolving config path")
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, relayerr.Wrap(err, relayerr.CodeConfigWatchFailure, "creating file watcher")
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, relayerr.Wrapf(err, relayerr.CodeConfigWatchFailure, "watching %s", filepath.Dir(abs))
	}

	return &Watcher{path: abs, debounce: debounce, onChange: onChange, fs: fsw}, nil
}

// Run processes file events until ctx is done, then releases the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.close()
	slog.Debug("watching config file", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	slog.Debug("config file changed", "path", event.Name, "op", event.Op.String())

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("config reload rejected, keeping current configuration", "path", w.path, "error", err)
		return
	}
	slog.Info("config reloaded", "path", w.path, "providers", len(cfg.Providers.List))
	w.onChange(cfg)
}

func (w *Watcher) close() {
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	if err := w.fs.Close(); err != nil {
		slog.Debug("closing config watcher", "error", err)
	}
}
