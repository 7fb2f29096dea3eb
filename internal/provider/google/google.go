// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package google

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"

	"github.com/sigil-dev/relay/internal/provider"
	"github.com/sigil-dev/relay/internal/retry"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

const defaultModel = "gemini-2.5-flash"

// Provider implements provider.Adapter using the Gemini API.
type Provider struct {
	client *genai.Client
	cfg    provider.ProviderConfig
	opts   provider.Options
	model  string
}

// New creates a hosted Gemini adapter. EndpointURL overrides the API
// base URL.
func New(ctx context.Context, cfg provider.ProviderConfig, opts provider.Options) (*Provider, error) {
	if cfg.Credential == "" {
		return nil, relayerr.New(relayerr.CodeProviderConfigInvalid, "google: missing credential",
			relayerr.FieldProvider(cfg.ID()))
	}
	opts, err := opts.WithDefaults()
	if err != nil {
		return nil, err
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.Credential,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
	}
	if cfg.EndpointURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(cfg.EndpointURL, "/") + "/"}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, relayerr.Wrap(err, relayerr.CodeProviderConfigInvalid, "creating gemini client",
			relayerr.FieldProvider(cfg.ID()))
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Provider{client: client, cfg: cfg, opts: opts, model: model}, nil
}

func (p *Provider) Name() string        { return p.cfg.ID() }
func (p *Provider) Kind() provider.Kind { return provider.KindGoogle }

func knownModels() []string {
	return []string{"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.0-flash"}
}

func (p *Provider) Chat(ctx context.Context, msgs []provider.ChatMessage) (string, error) {
	contents, cfg := buildRequest(p.cfg, provider.EnsureSystemPrompt(msgs, p.opts.SystemPrompt))

	return provider.RunHosted(ctx, p.opts, p.Name(), func(ctx context.Context) (string, error) {
		resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
		if err != nil {
			return "", classify(err)
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			return "", relayerr.New(relayerr.CodeProviderResponseInvalid, "response has no candidates",
				relayerr.FieldProvider(p.Name()))
		}
		var b strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			if part != nil && !part.Thought {
				b.WriteString(part.Text)
			}
		}
		return b.String(), nil
	})
}

func (p *Provider) Available(ctx context.Context) bool {
	return provider.Probe(ctx, p.opts, p.Name(), func(ctx context.Context) error {
		_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{})
		return classify(err)
	})
}

func (p *Provider) ListModels(ctx context.Context) []string {
	listCtx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	defer cancel()

	page, err := p.client.Models.List(listCtx, &genai.ListModelsConfig{})
	if err != nil || len(page.Items) == 0 {
		return knownModels()
	}
	var ids []string
	for _, m := range page.Items {
		name := strings.TrimPrefix(m.Name, "models/")
		if strings.Contains(name, "gemini") && !strings.Contains(name, "embed") {
			ids = append(ids, name)
		}
	}
	if len(ids) == 0 {
		return knownModels()
	}
	return ids
}

// buildRequest converts the conversation. System content goes to
// SystemInstruction and the assistant role is called "model".
func buildRequest(pc provider.ProviderConfig, msgs []provider.ChatMessage) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, rest := provider.SplitSystem(msgs)

	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		role := "user"
		if m.Role == provider.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}

	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if pc.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(pc.Temperature))
	}
	if pc.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(pc.MaxOutputTokens)
	}
	return contents, cfg
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &retry.StatusError{StatusCode: apiErr.Code, Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &retry.StatusError{StatusCode: apiErrPtr.Code, Err: err}
	}
	return err
}
