// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package openai adapts the OpenAI Chat Completions API. The same
// adapter serves OpenAI-compatible endpoints and Azure deployments when
// built with a client configured for them.
package openai

import (
	"context"
	"errors"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/sigil-dev/relay/internal/provider"
	"github.com/sigil-dev/relay/internal/retry"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// Mode selects the retry and logging behaviour of the adapter.
type Mode int

const (
	// Hosted calls run under the retry policy.
	Hosted Mode = iota
	// Local calls run once and treat connection refused as "not running".
	Local
)

// Provider implements provider.Adapter on top of the OpenAI SDK.
type Provider struct {
	client   openaisdk.Client
	cfg      provider.ProviderConfig
	opts     provider.Options
	mode     Mode
	model    string
	fallback []string
}

// New creates a hosted OpenAI adapter. EndpointURL overrides the API
// base URL, which tests use to point at a fake server.
func New(cfg provider.ProviderConfig, opts provider.Options) (*Provider, error) {
	if cfg.Credential == "" {
		return nil, relayerr.New(relayerr.CodeProviderConfigInvalid, "openai: missing credential",
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
		model = "gpt-4.1-mini"
	}
	return NewWithClient(openaisdk.NewClient(reqOpts...), cfg, opts, Hosted, model, knownModels()), nil
}

// NewWithClient wraps a preconfigured SDK client. SDK-level retries must
// be disabled on client so that only the relay retry loop runs.
func NewWithClient(client openaisdk.Client, cfg provider.ProviderConfig, opts provider.Options, mode Mode, model string, fallback []string) *Provider {
	return &Provider{
		client:   client,
		cfg:      cfg,
		opts:     opts,
		mode:     mode,
		model:    model,
		fallback: fallback,
	}
}

func (p *Provider) Name() string        { return p.cfg.ID() }
func (p *Provider) Kind() provider.Kind { return p.cfg.Kind }

func knownModels() []string {
	return []string{"gpt-4.1", "gpt-4.1-mini", "gpt-4.1-nano", "gpt-4o", "gpt-4o-mini", "o4-mini"}
}

func (p *Provider) Chat(ctx context.Context, msgs []provider.ChatMessage) (string, error) {
	params := buildParams(p.model, p.cfg, provider.EnsureSystemPrompt(msgs, p.opts.SystemPrompt))

	call := func(ctx context.Context) (string, error) {
		resp, err := p.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return "", classify(err)
		}
		if len(resp.Choices) == 0 {
			return "", relayerr.New(relayerr.CodeProviderResponseInvalid, "response has no choices",
				relayerr.FieldProvider(p.Name()))
		}
		return resp.Choices[0].Message.Content, nil
	}

	if p.mode == Local {
		return provider.RunLocal(ctx, p.opts, p.Name(), call)
	}
	return provider.RunHosted(ctx, p.opts, p.Name(), call)
}

func (p *Provider) Available(ctx context.Context) bool {
	return provider.Probe(ctx, p.opts, p.Name(), func(ctx context.Context) error {
		_, err := p.client.Models.List(ctx)
		return classify(err)
	})
}

func (p *Provider) ListModels(ctx context.Context) []string {
	listCtx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	defer cancel()

	page, err := p.client.Models.List(listCtx)
	if err != nil || page == nil || len(page.Data) == 0 {
		return append([]string(nil), p.fallback...)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids
}

// buildParams converts the conversation into SDK params. System messages
// are kept in place.
func buildParams(model string, cfg provider.ProviderConfig, msgs []provider.ChatMessage) openaisdk.ChatCompletionNewParams {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case provider.RoleSystem:
			out = append(out, openaisdk.SystemMessage(m.Content))
		case provider.RoleAssistant:
			out = append(out, openaisdk.AssistantMessage(m.Content))
		default:
			out = append(out, openaisdk.UserMessage(m.Content))
		}
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: out,
	}
	if cfg.Temperature > 0 {
		params.Temperature = param.NewOpt(cfg.Temperature)
	}
	if cfg.MaxOutputTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(cfg.MaxOutputTokens))
	}
	return params
}

// classify attaches the HTTP status of SDK API errors so retry and
// failover decisions can see it.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		return &retry.StatusError{StatusCode: apiErr.StatusCode, Err: err}
	}
	return err
}

// trimBase strips a trailing /chat/completions so a full completions
// URL can be used as a base URL.
func trimBase(raw string) string {
	raw = strings.TrimRight(raw, "/")
	return strings.TrimSuffix(raw, "/chat/completions")
}

// NewCompatible creates a local adapter for an OpenAI-compatible server
// such as LM Studio.
func NewCompatible(cfg provider.ProviderConfig, opts provider.Options, fallback []string) (*Provider, error) {
	if strings.TrimSpace(cfg.EndpointURL) == "" {
		return nil, relayerr.New(relayerr.CodeProviderConfigInvalid, cfg.ID()+": endpoint_url is required",
			relayerr.FieldProvider(cfg.ID()))
	}
	opts, err := opts.WithDefaults()
	if err != nil {
		return nil, err
	}
	key := cfg.Credential
	if key == "" {
		key = "not-needed"
	}
	client := openaisdk.NewClient(
		option.WithBaseURL(trimBase(cfg.EndpointURL)+"/"),
		option.WithAPIKey(key),
		option.WithHTTPClient(opts.HTTPClient),
		option.WithMaxRetries(0),
	)
	return NewWithClient(client, cfg, opts, Local, cfg.Model, fallback), nil
}
