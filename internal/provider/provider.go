// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package provider

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Adapter is one configured LLM backend. Implementations are immutable
// once built; a configuration change produces a new Adapter.
type Adapter interface {
	// Name is the provider id used for availability records and errors.
	Name() string
	Kind() Kind
	// Chat sends the conversation and returns the assistant text.
	Chat(ctx context.Context, msgs []ChatMessage) (string, error)
	// Available reports reachability, served from the availability cache.
	Available(ctx context.Context) bool
	// ListModels returns live model ids, or a static list when the
	// backend cannot be listed.
	ListModels(ctx context.Context) []string
}

// Chatter is the narrow view of the Selector used by the analyzer and
// the orchestrator.
type Chatter interface {
	Chat(ctx context.Context, msgs []ChatMessage) (string, error)
}

// Role defines the role of a message sender.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one immutable entry of a conversation.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage stamps a message with a fresh id and the current time.
func NewMessage(role Role, content string) ChatMessage {
	return ChatMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// DefaultSystemPrompt is injected when a conversation carries no system
// message of its own.
const DefaultSystemPrompt = "You are a helpful assistant for directory and identity administration. " +
	"Answer concisely. When tool results are provided as context, use the numbers and names " +
	"from that context verbatim and never invent values."

// EnsureSystemPrompt returns msgs unchanged when any system message is
// present, and otherwise a copy with prompt prepended.
func EnsureSystemPrompt(msgs []ChatMessage, prompt string) []ChatMessage {
	for _, m := range msgs {
		if m.Role == RoleSystem {
			return msgs
		}
	}
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	out := make([]ChatMessage, 0, len(msgs)+1)
	out = append(out, NewMessage(RoleSystem, prompt))
	return append(out, msgs...)
}

// SplitSystem separates system content from the rest of the
// conversation for backends that take the system prompt out of band.
// Multiple system messages are joined with blank lines.
func SplitSystem(msgs []ChatMessage) (string, []ChatMessage) {
	var system string
	rest := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

// Status is a point-in-time view of one adapter for operators.
type Status struct {
	Provider  string `json:"provider"`
	Kind      Kind   `json:"kind"`
	Model     string `json:"model,omitempty"`
	Available bool   `json:"available"`
	Active    bool   `json:"active"`
}
