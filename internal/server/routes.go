// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/sigil-dev/relay/internal/analyzer"
	"github.com/sigil-dev/relay/internal/orchestrator"
	"github.com/sigil-dev/relay/internal/provider"
	"github.com/sigil-dev/relay/internal/store"
	"github.com/sigil-dev/relay/internal/toolserver"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
	"github.com/sigil-dev/relay/pkg/health"
)

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "chat",
		Method:      http.MethodPost,
		Path:        "/api/v1/chat",
		Summary:     "Run one conversation turn",
		Tags:        []string{"chat"},
	}, s.handleChat)

	huma.Register(s.api, huma.Operation{
		OperationID: "analyze",
		Method:      http.MethodPost,
		Path:        "/api/v1/analyze",
		Summary:     "Classify the latest user message without answering it",
		Tags:        []string{"chat"},
	}, s.handleAnalyze)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        "/api/v1/providers",
		Summary:     "Provider availability in fallback order",
		Tags:        []string{"providers"},
	}, s.handleListProviders)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-tools",
		Method:      http.MethodGet,
		Path:        "/api/v1/tools",
		Summary:     "Tool servers and the tools they expose",
		Tags:        []string{"tools"},
	}, s.handleListTools)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-turns",
		Method:      http.MethodGet,
		Path:        "/api/v1/turns",
		Summary:     "Recent turns from the audit trail, newest first",
		Tags:        []string{"audit"},
	}, s.handleListTurns)
}

// --- Request/Response types for huma ---

// MessageBody is one conversation entry on the wire.
type MessageBody struct {
	Role    string `json:"role" enum:"system,user,assistant" doc:"Author of the message"`
	Content string `json:"content" doc:"Message text"`
}

type conversationInput struct {
	Body struct {
		Messages []MessageBody `json:"messages" minItems:"1" doc:"Conversation history, oldest first; the last entry must come from the user"`
	}
}

// validate rejects a body whose messages are missing or null,
// which minItems does not catch.
func (in *conversationInput) validate() error {
	if len(in.Body.Messages) == 0 {
		return huma.Error422UnprocessableEntity("messages must contain at least one entry")
	}
	return nil
}

func (in *conversationInput) chatMessages() []provider.ChatMessage {
	out := make([]provider.ChatMessage, 0, len(in.Body.Messages))
	for _, m := range in.Body.Messages {
		out = append(out, provider.NewMessage(provider.Role(m.Role), m.Content))
	}
	return out
}

type chatOutput struct {
	Body *orchestrator.Response
}

type analyzeOutput struct {
	Body analyzer.QueryAnalysis
}

// ProviderStatus is one row of the availability snapshot.
type ProviderStatus struct {
	provider.Status
	Health *health.Metrics `json:"health,omitempty"`
}

type listProvidersOutput struct {
	Body struct {
		Providers []ProviderStatus `json:"providers"`
	}
}

// ToolServerSummary lists what one server exposes. Error is set when the
// server could not be reached.
type ToolServerSummary struct {
	Name  string            `json:"name"`
	Tools []toolserver.Tool `json:"tools"`
	Error string            `json:"error,omitempty"`
}

type listToolsOutput struct {
	Body struct {
		Servers []ToolServerSummary `json:"servers"`
	}
}

type listTurnsInput struct {
	Provider   string    `query:"provider" doc:"Only turns answered by this provider"`
	Server     string    `query:"server" doc:"Only turns that called this tool server"`
	Tool       string    `query:"tool" doc:"Only turns that called this tool"`
	FailedOnly bool      `query:"failed" doc:"Only turns whose tool call failed"`
	Since      time.Time `query:"since" doc:"Only turns at or after this time (RFC 3339)"`
	Limit      int       `query:"limit" minimum:"0" maximum:"1000" default:"50" doc:"Maximum number of turns"`
	Offset     int       `query:"offset" minimum:"0" doc:"Number of turns to skip"`
}

type listTurnsOutput struct {
	Body struct {
		Turns []*store.TurnRecord `json:"turns"`
	}
}

// --- Handlers ---

func (s *Server) handleChat(ctx context.Context, input *conversationInput) (*chatOutput, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout)
	defer cancel()

	resp, err := s.services.Turns.Turn(ctx, input.chatMessages())
	if err != nil {
		return nil, toHumaError(ctx, "turn failed", err)
	}
	return &chatOutput{Body: resp}, nil
}

func (s *Server) handleAnalyze(ctx context.Context, input *conversationInput) (*analyzeOutput, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout)
	defer cancel()

	qa, err := s.services.Turns.Analyze(ctx, input.chatMessages())
	if err != nil {
		return nil, toHumaError(ctx, "analysis failed", err)
	}
	return &analyzeOutput{Body: qa}, nil
}

func (s *Server) handleListProviders(ctx context.Context, _ *struct{}) (*listProvidersOutput, error) {
	out := &listProvidersOutput{}
	out.Body.Providers = []ProviderStatus{}
	for _, st := range s.services.Providers.Status(ctx) {
		row := ProviderStatus{Status: st}
		if s.services.Health != nil {
			m := s.services.Health.Metrics(st.Provider)
			row.Health = &m
		}
		out.Body.Providers = append(out.Body.Providers, row)
	}
	return out, nil
}

func (s *Server) handleListTools(ctx context.Context, _ *struct{}) (*listToolsOutput, error) {
	out := &listToolsOutput{}
	out.Body.Servers = []ToolServerSummary{}
	if s.services.Tools == nil {
		return out, nil
	}
	for _, name := range s.services.Tools.Servers() {
		summary := ToolServerSummary{Name: name, Tools: []toolserver.Tool{}}
		tools, err := s.services.Tools.ListTools(ctx, name)
		if err != nil {
			slog.Warn("listing tools failed", "server", name, "error", err)
			summary.Error = err.Error()
		} else {
			summary.Tools = tools
		}
		out.Body.Servers = append(out.Body.Servers, summary)
	}
	return out, nil
}

func (s *Server) handleListTurns(ctx context.Context, input *listTurnsInput) (*listTurnsOutput, error) {
	if s.services.History == nil {
		return nil, huma.Error404NotFound("turn audit trail is disabled")
	}
	turns, err := s.services.History.Query(ctx, store.TurnFilter{
		Provider:   input.Provider,
		Server:     input.Server,
		Tool:       input.Tool,
		FailedOnly: input.FailedOnly,
		From:       input.Since,
		Limit:      input.Limit,
		Offset:     input.Offset,
	})
	if err != nil {
		return nil, toHumaError(ctx, "querying turns failed", err)
	}
	out := &listTurnsOutput{}
	out.Body.Turns = turns
	if out.Body.Turns == nil {
		out.Body.Turns = []*store.TurnRecord{}
	}
	return out, nil
}

// toHumaError maps a domain error onto the HTTP status its code implies.
func toHumaError(ctx context.Context, msg string, err error) error {
	status := relayerr.HTTPStatus(err)
	if ctx.Err() != nil && status == http.StatusInternalServerError {
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		slog.Error(msg, "error", err, "code", relayerr.CodeOf(err))
	}
	return huma.NewError(status, msg, err)
}
