// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package toolserver is the boundary to external tool servers. Every
// reply is converted to the closed Result variant before it leaves the
// package.
package toolserver

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/sigil-dev/relay/internal/retry"
)

// Client calls named tools on named servers.
type Client interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (Result, error)
	ListTools(ctx context.Context, server string) ([]Tool, error)
	// Servers returns the configured server names in sorted order.
	Servers() []string
}

// Tool describes one callable tool as reported by tools/list.
type Tool struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty" yaml:"-"`
}

// DefaultCallTimeout bounds a single tool call.
const DefaultCallTimeout = 30 * time.Second

// DefaultToolsTTL is how long a tools/list reply is reused.
const DefaultToolsTTL = 5 * time.Minute

// ServerConfig addresses one MCP server over streamable HTTP.
type ServerConfig struct {
	Name    string            `mapstructure:"name" json:"name"`
	URL     string            `mapstructure:"url" json:"url"`
	Headers map[string]string `mapstructure:"headers" json:"-"`
	// Timeout bounds each request. Defaults to DefaultCallTimeout.
	Timeout time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
	// Retry applies to transport failures only. A zero policy disables
	// retries.
	Retry retry.Policy `mapstructure:"retry" json:"retry"`
}

// ToolRef names one tool on one server.
type ToolRef struct {
	Server string `mapstructure:"server" json:"server" yaml:"server"`
	Tool   string `mapstructure:"tool" json:"tool" yaml:"tool"`
}

// IsZero reports whether r names nothing.
func (r ToolRef) IsZero() bool { return r.Server == "" || r.Tool == "" }

func (r ToolRef) String() string { return r.Server + "/" + r.Tool }

// HasTool reports whether tools contains name.
func HasTool(tools []Tool, name string) bool {
	return slices.ContainsFunc(tools, func(t Tool) bool { return t.Name == name })
}
