// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package builtin wires every provider kind to its adapter constructor.
package builtin

import (
	"context"

	"github.com/sigil-dev/relay/internal/provider"
	"github.com/sigil-dev/relay/internal/provider/anthropic"
	"github.com/sigil-dev/relay/internal/provider/azure"
	"github.com/sigil-dev/relay/internal/provider/google"
	"github.com/sigil-dev/relay/internal/provider/ollama"
	"github.com/sigil-dev/relay/internal/provider/openai"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// lmStudioModels is reported when an LM Studio server cannot list its
// loaded models.
var lmStudioModels = []string{"qwen2.5-7b-instruct", "llama-3.2-3b-instruct"}

// Build returns a provider.BuildFunc that shares opts across every
// adapter it constructs.
func Build(opts provider.Options) provider.BuildFunc {
	return func(ctx context.Context, cfg provider.ProviderConfig) (provider.Adapter, error) {
		switch cfg.Kind {
		case provider.KindOllama:
			return ollama.New(cfg, opts)
		case provider.KindLMStudio:
			fallback := lmStudioModels
			if cfg.Model != "" {
				fallback = []string{cfg.Model}
			}
			return openai.NewCompatible(cfg, opts, fallback)
		case provider.KindOpenAI:
			return openai.New(cfg, opts)
		case provider.KindAnthropic:
			return anthropic.New(cfg, opts)
		case provider.KindGoogle:
			return google.New(ctx, cfg, opts)
		case provider.KindAzure:
			return azure.New(cfg, opts)
		default:
			return nil, relayerr.New(relayerr.CodeProviderKindUnsupported,
				"unsupported provider kind "+string(cfg.Kind), relayerr.FieldProvider(cfg.ID()))
		}
	}
}
