// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package toolserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sigil-dev/relay/internal/retry"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

const (
	protocolVersion = "2025-03-26"
	sessionHeader   = "Mcp-Session-Id"
	maxErrorBody    = 2048
)

// ClientVersion is reported in the initialize handshake.
var ClientVersion = "dev"

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object returned by a server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type session struct {
	cfg ServerConfig
	ids atomic.Int64

	mu          sync.Mutex
	initialized bool
	sessionID   string
	tools       []Tool
	toolsAt     time.Time
}

// MCP is a Client speaking MCP JSON-RPC 2.0 over streamable HTTP. Each
// server is initialized lazily on first use.
type MCP struct {
	servers  map[string]*session
	http     *http.Client
	tracer   trace.Tracer
	toolsTTL time.Duration
	nowFunc  func() time.Time // for testing
}

// NewMCP validates the server list. httpClient may be nil.
func NewMCP(servers []ServerConfig, httpClient *http.Client) (*MCP, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	m := &MCP{
		servers:  make(map[string]*session, len(servers)),
		http:     httpClient,
		tracer:   otel.Tracer("github.com/sigil-dev/relay/internal/toolserver"),
		toolsTTL: DefaultToolsTTL,
		nowFunc:  time.Now,
	}
	for _, sc := range servers {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			return nil, relayerr.New(relayerr.CodeConfigValidateInvalidValue, "tool server name is required")
		}
		if strings.TrimSpace(sc.URL) == "" {
			return nil, relayerr.New(relayerr.CodeConfigValidateInvalidValue,
				"tool server "+name+": url is required", relayerr.FieldServer(name))
		}
		if _, dup := m.servers[name]; dup {
			return nil, relayerr.New(relayerr.CodeConfigValidateInvalidValue,
				"duplicate tool server "+name, relayerr.FieldServer(name))
		}
		if sc.Timeout <= 0 {
			sc.Timeout = DefaultCallTimeout
		}
		sc.Name = name
		m.servers[name] = &session{cfg: sc}
	}
	return m, nil
}

// Servers implements Client.
func (m *MCP) Servers() []string {
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (m *MCP) session(server string) (*session, error) {
	s, ok := m.servers[server]
	if !ok {
		return nil, relayerr.New(relayerr.CodeToolServerNotFound, "unknown tool server "+server,
			relayerr.FieldServer(server))
	}
	return s, nil
}

// ListTools implements Client. Replies are cached per server.
func (m *MCP) ListTools(ctx context.Context, server string) ([]Tool, error) {
	s, err := m.session(server)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.tools != nil && m.nowFunc().Sub(s.toolsAt) < m.toolsTTL {
		tools := slices.Clone(s.tools)
		s.mu.Unlock()
		return tools, nil
	}
	s.mu.Unlock()

	raw, err := m.call(ctx, s, "tools/list", map[string]any{})
	if err != nil {
		return nil, relayerr.Wrap(err, relayerr.CodeToolCallFailure, "listing tools",
			relayerr.FieldServer(server))
	}
	var reply struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, relayerr.Wrap(err, relayerr.CodeToolResponseInvalid, "decoding tools/list",
			relayerr.FieldServer(server))
	}
	if reply.Tools == nil {
		reply.Tools = []Tool{}
	}

	s.mu.Lock()
	s.tools = reply.Tools
	s.toolsAt = m.nowFunc()
	s.mu.Unlock()
	return slices.Clone(reply.Tools), nil
}

// CallTool implements Client. A reply flagged isError becomes a
// CodeToolCallFailure error whose message is the tool's own text.
func (m *MCP) CallTool(ctx context.Context, server, tool string, args map[string]any) (Result, error) {
	ctx, span := m.tracer.Start(ctx, "tool.call", trace.WithAttributes(
		attribute.String("tool.server", server),
		attribute.String("tool.name", tool),
	))
	defer span.End()

	res, err := m.callTool(ctx, server, tool, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (m *MCP) callTool(ctx context.Context, server, tool string, args map[string]any) (Result, error) {
	s, err := m.session(server)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	raw, err := m.call(ctx, s, "tools/call", map[string]any{"name": tool, "arguments": args})
	if err != nil {
		code := relayerr.CodeToolCallFailure
		if errors.Is(err, context.DeadlineExceeded) {
			code = relayerr.CodeToolCallTimeout
		}
		return nil, relayerr.Wrap(err, code, fmt.Sprintf("%s/%s", server, tool),
			relayerr.FieldServer(server), relayerr.FieldTool(tool))
	}

	res := FromRaw(raw)
	if list, ok := res.(ContentList); ok && list.IsError {
		text := list.Text()
		if text == "" {
			text = "tool reported an error"
		}
		return nil, relayerr.New(relayerr.CodeToolCallFailure, text,
			relayerr.FieldServer(server), relayerr.FieldTool(tool))
	}
	return res, nil
}

// call runs one request under the server's timeout and retry policy.
func (m *MCP) call(ctx context.Context, s *session, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if s.cfg.Retry == (retry.Policy{}) {
		return m.request(ctx, s, method, params)
	}
	return retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) (json.RawMessage, error) {
		return m.request(ctx, s, method, params)
	}, retry.WithNotify(func(err error, attempt int, delay time.Duration) {
		slog.Warn("tool server request failed, retrying",
			"server", s.cfg.Name, "method", method, "attempt", attempt, "delay", delay, "error", err)
	}))
}

// request performs the handshake if needed and sends one call. An
// expired session (404 with a session id) is re-initialized once.
func (m *MCP) request(ctx context.Context, s *session, method string, params any) (json.RawMessage, error) {
	if err := m.ensureInitialized(ctx, s); err != nil {
		return nil, err
	}

	raw, err := m.send(ctx, s, method, params, true)
	if status, ok := retry.StatusOf(err); ok && status == http.StatusNotFound && s.currentSession() != "" {
		slog.Debug("tool server session expired", "server", s.cfg.Name)
		s.reset()
		if err := m.ensureInitialized(ctx, s); err != nil {
			return nil, err
		}
		return m.send(ctx, s, method, params, true)
	}
	return raw, err
}

func (m *MCP) ensureInitialized(ctx context.Context, s *session) error {
	s.mu.Lock()
	done := s.initialized
	s.mu.Unlock()
	if done {
		return nil
	}

	_, err := m.send(ctx, s, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "relay", "version": ClientVersion},
	}, true)
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr) && rpcErr.Code == -32601:
		// Plain JSON-RPC tool endpoints without a handshake.
		slog.Debug("tool server has no initialize method", "server", s.cfg.Name)
	case err != nil:
		return err
	default:
		if _, err := m.send(ctx, s, "notifications/initialized", nil, false); err != nil {
			slog.Debug("initialized notification failed", "server", s.cfg.Name, "error", err)
		}
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	return nil
}

func (s *session) currentSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *session) reset() {
	s.mu.Lock()
	s.initialized = false
	s.sessionID = ""
	s.mu.Unlock()
}

// send posts one JSON-RPC message. Notifications (withID false) expect
// no reply body.
func (m *MCP) send(ctx context.Context, s *session, method string, params any, withID bool) (json.RawMessage, error) {
	msg := rpcRequest{JSONRPC: "2.0", Method: method, Params: params}
	var id int64
	if withID {
		id = s.ids.Add(1)
		msg.ID = &id
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, relayerr.Errorf(relayerr.CodeToolCallFailure, "encoding %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, relayerr.Errorf(relayerr.CodeToolCallFailure, "building %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sid := s.currentSession(); sid != "" {
		req.Header.Set(sessionHeader, sid)
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		s.mu.Lock()
		s.sessionID = sid
		s.mu.Unlock()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &retry.StatusError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s %s: %s", method, s.cfg.Name, strings.TrimSpace(string(snippet))),
		}
	}
	if !withID {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	}

	var reply *rpcResponse
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		reply, err = readEventStream(resp.Body, id)
	} else {
		reply = &rpcResponse{}
		err = json.NewDecoder(resp.Body).Decode(reply)
	}
	if err != nil {
		return nil, relayerr.Wrap(err, relayerr.CodeToolResponseInvalid, "decoding "+method+" reply",
			relayerr.FieldServer(s.cfg.Name))
	}
	if reply.Error != nil {
		return nil, reply.Error
	}
	return reply.Result, nil
}

// readEventStream returns the first JSON-RPC response with the given id
// from a server-sent event stream.
func readEventStream(r io.Reader, id int64) (*rpcResponse, error) {
	want := strconv.FormatInt(id, 10)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)

	var data strings.Builder
	flush := func() (*rpcResponse, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var msg rpcResponse
		if err := json.Unmarshal([]byte(data.String()), &msg); err != nil {
			return nil, false
		}
		if strings.TrimSpace(string(msg.ID)) != want {
			return nil, false
		}
		return &msg, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if msg, ok := flush(); ok {
				return msg, nil
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(rest, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if msg, ok := flush(); ok {
		return msg, nil
	}
	return nil, errors.New("event stream ended without a response")
}
