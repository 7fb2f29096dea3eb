// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import "github.com/sigil-dev/relay/internal/store"

// BackendName is the audit backend key this package registers.
const BackendName = "sqlite"

func init() {
	store.RegisterBackend(BackendName, func(cfg store.Config) (store.TurnStore, error) {
		return NewTurnStore(cfg.Path)
	})
}
