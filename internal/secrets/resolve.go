// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package secrets

import (
	"strings"

	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

const scheme = "keyring://"

// IsReference reports whether value names a keyring entry.
func IsReference(value string) bool {
	return strings.HasPrefix(value, scheme)
}

// Reference builds the keyring:// form of service and key.
func Reference(service, key string) string {
	return scheme + service + "/" + key
}

// ParseReference splits keyring://service/key. The key may contain
// slashes.
func ParseReference(ref string) (service, key string, err error) {
	if !IsReference(ref) {
		return "", "", relayerr.Errorf(relayerr.CodeSecretInputInvalid, "not a keyring reference: %q", ref)
	}
	service, key, ok := strings.Cut(strings.TrimPrefix(ref, scheme), "/")
	if !ok || service == "" || key == "" {
		return "", "", relayerr.Errorf(relayerr.CodeSecretInputInvalid,
			"invalid keyring reference %q: expected keyring://service/key", ref)
	}
	return service, key, nil
}

// Resolve returns the secret that value references, or value unchanged when it
// is not a reference.
func Resolve(store Store, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}
	service, key, err := ParseReference(value)
	if err != nil {
		return "", err
	}
	secret, err := store.Get(service, key)
	if err != nil {
		return "", relayerr.Wrapf(err, relayerr.CodeSecretResolveFailure, "resolving %s", value)
	}
	return secret, nil
}
