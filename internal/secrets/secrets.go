// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package secrets keeps provider credentials out of the config file. A
// credential written as keyring://service/key is looked up in the OS
// keyring when the config loads.
package secrets

// DefaultService is the keyring service relay stores its own entries under.
const DefaultService = "relay"

// Store reads and writes named secrets grouped by service.
type Store interface {
	Set(service, key, value string) error
	// Get fails with CodeSecretNotFound when the key does not exist.
	Get(service, key string) (string, error)
	Delete(service, key string) error
	List(service string) ([]string, error)
}
