// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import (
	"slices"
	"sync"

	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// BackendMemory keeps records in process memory.
const BackendMemory = "memory"

// Config selects a backend. Path is backend specific; the sqlite
// backend takes a database file.
type Config struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// Factory opens a TurnStore for cfg.
type Factory func(cfg Config) (TurnStore, error)

var (
	factories   = map[string]Factory{}
	factoriesMu sync.RWMutex
)

func init() {
	RegisterBackend(BackendMemory, func(Config) (TurnStore, error) { return NewMemory(), nil })
}

// RegisterBackend registers a factory for a named backend. Backend
// packages call this from init(). This function is goroutine-safe.
func RegisterBackend(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Backends lists the registered backend names.
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Open creates the store for cfg.Backend.
func Open(cfg Config) (TurnStore, error) {
	factoriesMu.RLock()
	f, ok := factories[cfg.Backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, relayerr.Errorf(relayerr.CodeStoreBackendUnsupported,
			"unsupported audit backend %q (registered: %v)", cfg.Backend, Backends())
	}
	return f(cfg)
}
