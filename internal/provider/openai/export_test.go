// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package openai

import (
	openaisdk "github.com/openai/openai-go"

	"github.com/sigil-dev/relay/internal/provider"
)

// BuildParams exposes buildParams for white-box testing.
var BuildParams = func(model string, cfg provider.ProviderConfig, msgs []provider.ChatMessage) openaisdk.ChatCompletionNewParams {
	return buildParams(model, cfg, msgs)
}

// TrimBase exposes trimBase for white-box testing.
var TrimBase = trimBase
