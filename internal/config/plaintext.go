// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/viper"

	"github.com/sigil-dev/relay/internal/secrets"
)

// secretHeaderMarkers mark tool-server header names that carry credentials.
var secretHeaderMarkers = []string{"authorization", "cookie", "key", "token", "secret"}

// PlaintextSecrets lists the settings in v whose credential is written
// into the file itself rather than referenced as ${VAR} or keyring://.
func PlaintextSecrets(v *viper.Viper) []string {
	var raw Config
	if err := v.Unmarshal(&raw); err != nil {
		return nil
	}

	var out []string
	for i, p := range raw.Providers.List {
		if isPlaintextSecret(p.Credential) {
			out = append(out, fmt.Sprintf("providers.list[%d].credential", i))
		}
	}
	for i, s := range raw.Tools.Servers {
		names := make([]string, 0, len(s.Headers))
		for name := range s.Headers {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			if secretHeader(name) && isPlaintextSecret(s.Headers[name]) {
				out = append(out, fmt.Sprintf("tools.servers[%d].headers.%s", i, name))
			}
		}
	}
	return out
}

func isPlaintextSecret(val string) bool {
	val = strings.TrimSpace(val)
	return val != "" && !secrets.IsReference(val) && !strings.Contains(val, "$")
}

func secretHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, m := range secretHeaderMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
