// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package google

// BuildRequest exposes buildRequest for white-box testing.
var BuildRequest = buildRequest
