// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package secrets

import (
	"encoding/json"
	"errors"
	"log/slog"
	"slices"

	"github.com/zalando/go-keyring"

	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// indexKey holds the JSON list of key names per service, since the
// keyring cannot enumerate entries.
const indexKey = "__relay_index__"

var _ Store = (*KeyringStore)(nil)

// KeyringStore is a Store on the OS keyring: Keychain on macOS,
// secret-service on Linux, Credential Manager on Windows.
type KeyringStore struct{}

func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

func checkName(op, service, key string) error {
	switch {
	case service == "":
		return relayerr.Errorf(relayerr.CodeSecretInputInvalid, "secret %s: service must not be empty", op)
	case key == "":
		return relayerr.Errorf(relayerr.CodeSecretInputInvalid, "secret %s: key must not be empty", op)
	case key == indexKey:
		return relayerr.Errorf(relayerr.CodeSecretInputInvalid, "secret %s: %q is reserved", op, key)
	}
	return nil
}

func (s *KeyringStore) Set(service, key, value string) error {
	if err := checkName("set", service, key); err != nil {
		return err
	}
	if err := keyring.Set(service, key, value); err != nil {
		return relayerr.Wrapf(err, relayerr.CodeSecretKeyringFailure, "storing secret %s/%s", service, key)
	}

	keys, err := s.List(service)
	if err != nil {
		return err
	}
	if slices.Contains(keys, key) {
		return nil
	}
	return s.saveIndex(service, append(keys, key))
}

func (s *KeyringStore) Get(service, key string) (string, error) {
	if err := checkName("get", service, key); err != nil {
		return "", err
	}
	val, err := keyring.Get(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", relayerr.Errorf(relayerr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	}
	if err != nil {
		return "", relayerr.Wrapf(err, relayerr.CodeSecretKeyringFailure, "reading secret %s/%s", service, key)
	}
	return val, nil
}

func (s *KeyringStore) Delete(service, key string) error {
	if err := checkName("delete", service, key); err != nil {
		return err
	}
	err := keyring.Delete(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return relayerr.Errorf(relayerr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	}
	if err != nil {
		return relayerr.Wrapf(err, relayerr.CodeSecretKeyringFailure, "deleting secret %s/%s", service, key)
	}

	keys, err := s.List(service)
	if err != nil {
		return err
	}
	return s.saveIndex(service, slices.DeleteFunc(keys, func(k string) bool { return k == key }))
}

// List returns the key names stored under service, oldest first.
func (s *KeyringStore) List(service string) ([]string, error) {
	raw, err := keyring.Get(service, indexKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, relayerr.Wrapf(err, relayerr.CodeSecretKeyringFailure, "reading key index of %s", service)
	}

	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, relayerr.Wrapf(err, relayerr.CodeSecretKeyringFailure, "decoding key index of %s", service)
	}
	return keys, nil
}

func (s *KeyringStore) saveIndex(service string, keys []string) error {
	if len(keys) == 0 {
		if err := keyring.Delete(service, indexKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			slog.Debug("removing empty key index", "service", service, "error", err)
		}
		return nil
	}

	data, err := json.Marshal(keys)
	if err != nil {
		return relayerr.Wrapf(err, relayerr.CodeSecretKeyringFailure, "encoding key index of %s", service)
	}
	if err := keyring.Set(service, indexKey, string(data)); err != nil {
		return relayerr.Wrapf(err, relayerr.CodeSecretKeyringFailure, "saving key index of %s", service)
	}
	return nil
}
