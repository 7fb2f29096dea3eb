// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package anthropic

import (
	"context"
	"errors"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sigil-dev/relay/internal/provider"
	"github.com/sigil-dev/relay/internal/retry"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

const defaultMaxTokens = 4096

// Provider implements provider.Adapter using the Anthropic Messages API.
type Provider struct {
	client anthropicsdk.Client
	cfg    provider.ProviderConfig
	opts   provider.Options
	model  string
}

// New creates a hosted Anthropic adapter. EndpointURL overrides the API
// base URL.
func New(cfg provider.ProviderConfig, opts provider.Options) (*Provider, error) {
	if cfg.Credential == "" {
		return nil, relayerr.New(relayerr.CodeProviderConfigInvalid, "anthropic: missing credential",
			relayerr.FieldProvider(cfg.ID()))
	}
	opts, err := opts.WithDefaults()
	if err != nil {
		return nil, err
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.Credential),
		option.WithHTTPClient(opts.HTTPClient),
		option.WithMaxRetries(0),
	}
	if cfg.EndpointURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.EndpointURL))
	}

	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &Provider{
		client: anthropicsdk.NewClient(reqOpts...),
		cfg:    cfg,
		opts:   opts,
		model:  model,
	}, nil
}

func (p *Provider) Name() string        { return p.cfg.ID() }
func (p *Provider) Kind() provider.Kind { return provider.KindAnthropic }

func knownModels() []string {
	return []string{"claude-opus-4-6", "claude-sonnet-4-5", "claude-haiku-4-5"}
}

func (p *Provider) Chat(ctx context.Context, msgs []provider.ChatMessage) (string, error) {
	params := buildParams(p.model, p.cfg, provider.EnsureSystemPrompt(msgs, p.opts.SystemPrompt))

	return provider.RunHosted(ctx, p.opts, p.Name(), func(ctx context.Context) (string, error) {
		resp, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return "", classify(err)
		}
		var b strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		return b.String(), nil
	})
}

func (p *Provider) Available(ctx context.Context) bool {
	return provider.Probe(ctx, p.opts, p.Name(), func(ctx context.Context) error {
		_, err := p.client.Models.List(ctx, anthropicsdk.ModelListParams{})
		return classify(err)
	})
}

func (p *Provider) ListModels(ctx context.Context) []string {
	listCtx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	defer cancel()

	page, err := p.client.Models.List(listCtx, anthropicsdk.ModelListParams{})
	if err != nil || page == nil || len(page.Data) == 0 {
		return knownModels()
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids
}

// buildParams moves system content to the top-level system field, which
// is where the Messages API expects it.
func buildParams(model string, cfg provider.ProviderConfig, msgs []provider.ChatMessage) anthropicsdk.MessageNewParams {
	system, rest := provider.SplitSystem(msgs)

	out := make([]anthropicsdk.MessageParam, 0, len(rest))
	for _, m := range rest {
		if m.Role == provider.RoleAssistant {
			out = append(out, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Content)))
			continue
		}
		out = append(out, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content)))
	}

	maxTokens := int64(cfg.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		Messages:  out,
		MaxTokens: maxTokens,
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}
	if cfg.Temperature > 0 {
		params.Temperature = anthropicsdk.Float(cfg.Temperature)
	}
	return params
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		return &retry.StatusError{StatusCode: apiErr.StatusCode, Err: err}
	}
	return err
}
