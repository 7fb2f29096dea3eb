// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package azure adapts Azure OpenAI deployments through the OpenAI SDK's
// Azure middleware.
package azure

import (
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"

	"github.com/sigil-dev/relay/internal/provider"
	"github.com/sigil-dev/relay/internal/provider/openai"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// New validates the deployment URL locally and builds a hosted adapter.
// A URL missing its deployment segment or api-version never reaches the
// network.
func New(cfg provider.ProviderConfig, opts provider.Options) (*openai.Provider, error) {
	if cfg.Credential == "" {
		return nil, relayerr.New(relayerr.CodeProviderConfigInvalid, "azure: missing credential",
			relayerr.FieldProvider(cfg.ID()))
	}
	ep, err := provider.ParseAzureEndpoint(cfg.EndpointURL)
	if err != nil {
		return nil, relayerr.With(err, relayerr.FieldProvider(cfg.ID()))
	}
	opts, err = opts.WithDefaults()
	if err != nil {
		return nil, err
	}

	client := openaisdk.NewClient(
		azure.WithEndpoint(ep.BaseURL, ep.APIVersion),
		azure.WithAPIKey(cfg.Credential),
		option.WithHTTPClient(opts.HTTPClient),
		option.WithMaxRetries(0),
	)

	// The Azure middleware routes by deployment, sent as the model name.
	return openai.NewWithClient(client, cfg, opts, openai.Hosted, ep.Deployment, []string{ep.Deployment}), nil
}
