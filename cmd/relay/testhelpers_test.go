// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// isolate points HOME at a temp dir so config discovery and bootstrap
// never touch the real user config.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return runContext(context.Background(), t, args...)
}

func runContext(ctx context.Context, t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

// fakeOllama answers the Ollama tags and chat endpoints and records the
// last chat request.
type fakeOllama struct {
	*httptest.Server

	mu    sync.Mutex
	reply string
	last  []map[string]any
}

func newFakeOllama(t *testing.T, reply string) *fakeOllama {
	t.Helper()
	f := &fakeOllama{reply: reply}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"llama3.1"},{"name":"nomic-embed-text"},{"name":"qwen2.5"}]}`))
		case "/api/chat":
			var req struct {
				Messages []map[string]any `json:"messages"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.mu.Lock()
			f.last = req.Messages
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{
				"model":   "llama3.1",
				"message": map[string]any{"role": "assistant", "content": f.reply},
				"done":    true,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeOllama) lastMessages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// newFakeMCP serves a JSON-RPC tool server with one graph tool that
// always answers text.
func newFakeMCP(t *testing.T, tool, text string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{"protocolVersion": "2025-03-26", "capabilities": map[string]any{}}
		case "tools/list":
			result = map[string]any{"tools": []map[string]any{{"name": tool, "description": "Query the directory"}}}
		case "tools/call":
			result = map[string]any{"content": []map[string]any{{"type": "text", "text": text}}}
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, *req.ID)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeConfig writes a config using ollamaURL and, when mcpURL is set, a
// graph tool server.
func writeConfig(t *testing.T, ollamaURL, mcpURL string) string {
	t.Helper()
	content := fmt.Sprintf(`
server:
  listen: "127.0.0.1:8790"
providers:
  list:
    - kind: ollama
      model: llama3.1
      endpoint_url: %s
retry:
  base_delay: 10ms
  max_delay: 20ms
availability:
  probe_timeout: 2s
  warm_interval: 0s
`, ollamaURL)
	if mcpURL != "" {
		content += fmt.Sprintf(`
tools:
  servers:
    - name: graph
      url: %s
  graph:
    server: graph
    tool: graph_query
`, mcpURL)
	}
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// withSQLiteAudit appends a sqlite audit section to the config at path and
// returns the database path.
func withSQLiteAudit(t *testing.T, path string) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "turns.db")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = fmt.Fprintf(f, "audit:\n  backend: sqlite\n  path: %s\n", db)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return db
}
