// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package config

import (
	_ "embed"
	"log/slog"
	"os"
	"path/filepath"

	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

//go:embed relay.yaml.default
var DefaultConfigYAML []byte

// DefaultConfigPath returns ~/.config/relay/relay.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", relayerr.Errorf(relayerr.CodeConfigLoadReadFailure, "resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "relay", "relay.yaml"), nil
}

// BootstrapConfig writes the default commented config to path if it does
// not already exist. It returns the path written, or an empty string when
// the file already existed or could not be written. Failures are logged
// at debug level and otherwise ignored.
func BootstrapConfig(path string) string {
	if _, err := os.Stat(path); err == nil {
		return ""
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Debug("skipping config bootstrap: cannot create directory", "path", dir, "error", err)
		return ""
	}

	if err := os.WriteFile(path, DefaultConfigYAML, 0o600); err != nil {
		slog.Debug("skipping config bootstrap: cannot write config", "path", path, "error", err)
		return ""
	}

	slog.Info("created default config", "path", path)
	return path
}
