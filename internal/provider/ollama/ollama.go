// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package ollama talks to a local Ollama daemon over its native HTTP API.
package ollama

import (
	"context"
	"net/http"
	"strings"

	"github.com/sigil-dev/relay/internal/provider"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// DefaultEndpoint is where the daemon listens unless configured otherwise.
const DefaultEndpoint = "http://localhost:11434"

const defaultModel = "llama3.1"

// Provider implements provider.Adapter for Ollama. Calls are never
// retried; a refused connection means the daemon is not running.
type Provider struct {
	cfg     provider.ProviderConfig
	opts    provider.Options
	baseURL string
	model   string
}

func New(cfg provider.ProviderConfig, opts provider.Options) (*Provider, error) {
	opts, err := opts.WithDefaults()
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.EndpointURL), "/")
	if base == "" {
		base = DefaultEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Provider{cfg: cfg, opts: opts, baseURL: base, model: model}, nil
}

func (p *Provider) Name() string        { return p.cfg.ID() }
func (p *Provider) Kind() provider.Kind { return provider.KindOllama }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatResponse struct {
	Model   string      `json:"model"`
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (p *Provider) Chat(ctx context.Context, msgs []provider.ChatMessage) (string, error) {
	req := buildRequest(p.model, p.cfg, provider.EnsureSystemPrompt(msgs, p.opts.SystemPrompt))

	return provider.RunLocal(ctx, p.opts, p.Name(), func(ctx context.Context) (string, error) {
		var resp chatResponse
		if err := provider.DoJSON(ctx, p.opts.HTTPClient, http.MethodPost, p.baseURL+"/api/chat", nil, req, &resp); err != nil {
			return "", err
		}
		if !resp.Done && resp.Message.Content == "" {
			return "", relayerr.New(relayerr.CodeProviderResponseInvalid, "incomplete chat response",
				relayerr.FieldProvider(p.Name()))
		}
		return resp.Message.Content, nil
	})
}

func (p *Provider) Available(ctx context.Context) bool {
	return provider.Probe(ctx, p.opts, p.Name(), func(ctx context.Context) error {
		return provider.DoJSON(ctx, p.opts.HTTPClient, http.MethodGet, p.baseURL+"/api/tags", nil, nil, nil)
	})
}

// ListModels returns the installed models, skipping embedding models.
// An unreachable daemon yields the configured model only.
func (p *Provider) ListModels(ctx context.Context) []string {
	listCtx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	defer cancel()

	var tags tagsResponse
	if err := provider.DoJSON(listCtx, p.opts.HTTPClient, http.MethodGet, p.baseURL+"/api/tags", nil, nil, &tags); err != nil {
		return []string{p.model}
	}
	var out []string
	for _, m := range tags.Models {
		if strings.Contains(strings.ToLower(m.Name), "embed") {
			continue
		}
		out = append(out, m.Name)
	}
	if len(out) == 0 {
		return []string{p.model}
	}
	return out
}

func buildRequest(model string, cfg provider.ProviderConfig, msgs []provider.ChatMessage) chatRequest {
	req := chatRequest{Model: model, Stream: false}
	for _, m := range msgs {
		req.Messages = append(req.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	if cfg.Temperature > 0 || cfg.MaxOutputTokens > 0 {
		req.Options = &chatOptions{Temperature: cfg.Temperature, NumPredict: cfg.MaxOutputTokens}
	}
	return req
}
