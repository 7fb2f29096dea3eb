// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

//go:build windows

package config

import "log/slog"

// WarnInsecurePermissions only notes the path on Windows, where file
// access is governed by ACLs instead of mode bits.
func WarnInsecurePermissions(path string, _ []string) {
	if path == "" {
		return
	}
	slog.Debug("skipping config permission check on windows", "path", path)
}
