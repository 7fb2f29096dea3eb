// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

//go:build !windows

package config

import (
	"io/fs"
	"log/slog"
	"os"
)

// WarnInsecurePermissions checks the mode of the config file at path
// against the plaintext credentials it holds (see PlaintextSecrets). A
// file readable by group or others is a warning when it holds any, and
// only noted at Debug otherwise. It never fails startup.
func WarnInsecurePermissions(path string, plaintext []string) {
	if path == "" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		slog.Debug("could not stat config file for permission check", "path", path, "error", err)
		return
	}

	const groupOrOtherRead fs.FileMode = 0o044
	mode := info.Mode()
	if mode.Perm()&groupOrOtherRead == 0 {
		return
	}

	if len(plaintext) == 0 {
		slog.Debug("config file is readable by other users but holds no plaintext credentials",
			"path", path, "mode", mode)
		return
	}
	slog.Warn("config file with plaintext credentials is readable by other users",
		"path", path,
		"mode", mode,
		"settings", plaintext,
		"recommended", "chmod 0600, or move the values to relay secret set",
	)
}
