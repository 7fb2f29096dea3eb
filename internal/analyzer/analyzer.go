// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package analyzer decides, for one user turn, whether a documentation,
// directory-data or web lookup is needed and which Graph endpoint to
// call. An LLM classifier is the primary path; deterministic keyword
// heuristics are the fallback.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/sigil-dev/relay/internal/provider"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// Source records which path produced an analysis.
type Source string

const (
	SourceLLM       Source = "llm"
	SourceHeuristic Source = "heuristic"
)

// QueryAnalysis is the routing decision for one turn.
type QueryAnalysis struct {
	NeedsDocsTool  bool           `json:"needsDocsTool" yaml:"needs_docs_tool"`
	NeedsGraphTool bool           `json:"needsGraphTool" yaml:"needs_graph_tool"`
	NeedsWebTool   bool           `json:"needsWebTool" yaml:"needs_web_tool"`
	Endpoint       string         `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Method         string         `json:"method,omitempty" yaml:"method,omitempty"`
	Params         map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Confidence     float64        `json:"confidence" yaml:"confidence"`
	Reasoning      string         `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
	Source         Source         `json:"source" yaml:"source"`
}

// NeedsTool reports whether any lookup is needed.
func (q QueryAnalysis) NeedsTool() bool {
	return q.NeedsDocsTool || q.NeedsGraphTool || q.NeedsWebTool
}

// maxHistory bounds how many prior messages go into the classifier prompt.
const maxHistory = 6

const classifierPrompt = `You route questions for a Microsoft 365 and Entra ID administration assistant.
Decide which lookup the latest question needs and reply with ONE JSON object and nothing else:
{
  "needsDocsTool": bool,   // product documentation or how-to questions
  "needsGraphTool": bool,  // live tenant data: users, groups, devices, apps, sign-ins
  "needsWebTool": bool,    // current events or anything outside the product docs
  "endpoint": string,      // Microsoft Graph path such as "/users/$count", empty unless needsGraphTool
  "method": "get",
  "params": object,        // OData query options such as {"$filter": "userType eq 'Guest'"}; use "ConsistencyLevel": "eventual" for $count
  "confidence": number,    // 0 to 1
  "reasoning": string
}
Prefer needsDocsTool over needsWebTool for any question about a Microsoft product.`

// Analyzer is safe for concurrent use.
type Analyzer struct {
	chat          provider.Chatter
	heuristicOnly bool
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithHeuristicOnly skips the classifier call.
func WithHeuristicOnly() Option {
	return func(a *Analyzer) { a.heuristicOnly = true }
}

// New returns an Analyzer. With a nil chat only heuristics are used.
func New(chat provider.Chatter, opts ...Option) *Analyzer {
	a := &Analyzer{chat: chat}
	for _, opt := range opts {
		opt(a)
	}
	if chat == nil {
		a.heuristicOnly = true
	}
	return a
}

// Analyze classifies turn. history holds the prior messages of the
// conversation, oldest first. It never fails: classifier errors and
// unparsable replies fall back to Heuristic.
func (a *Analyzer) Analyze(ctx context.Context, turn string, history []provider.ChatMessage) QueryAnalysis {
	if a.heuristicOnly {
		return Heuristic(turn)
	}

	reply, err := a.chat.Chat(ctx, classifierMessages(turn, history))
	if err != nil {
		slog.Warn("query classifier failed, using heuristics", "error", err)
		return Heuristic(turn)
	}

	qa, err := ParseAnalysis(reply)
	if err != nil {
		slog.Warn("query classifier reply unusable, using heuristics",
			"code", relayerr.CodeOf(err), "error", err)
		return Heuristic(turn)
	}

	// A graph decision without an endpoint borrows the heuristic template.
	if qa.NeedsGraphTool && qa.Endpoint == "" {
		h := Heuristic(turn)
		if h.NeedsGraphTool {
			qa.Endpoint, qa.Method, qa.Params = h.Endpoint, h.Method, h.Params
		} else {
			qa.Endpoint, qa.Method = "/me", "get"
		}
	}
	return qa
}

func classifierMessages(turn string, history []provider.ChatMessage) []provider.ChatMessage {
	var b strings.Builder
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	var prior []string
	for _, m := range history {
		if m.Role == provider.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		prior = append(prior, string(m.Role)+": "+m.Content)
	}
	if len(prior) > 0 {
		b.WriteString("Conversation so far:\n")
		b.WriteString(strings.Join(prior, "\n"))
		b.WriteString("\n\n")
	}
	b.WriteString("Latest question: ")
	b.WriteString(turn)

	return []provider.ChatMessage{
		provider.NewMessage(provider.RoleSystem, classifierPrompt),
		provider.NewMessage(provider.RoleUser, b.String()),
	}
}

// ParseAnalysis decodes the first JSON object in reply. Missing or
// wrong-typed fields get safe defaults and confidence is clamped to [0,1].
func ParseAnalysis(reply string) (QueryAnalysis, error) {
	span, ok := firstObject(reply)
	if !ok {
		return QueryAnalysis{}, relayerr.New(relayerr.CodeAnalyzerResponseInvalid,
			"no JSON object in classifier reply")
	}
	var raw map[string]any
	dec := json.NewDecoder(strings.NewReader(span))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return QueryAnalysis{}, relayerr.Wrap(err, relayerr.CodeAnalyzerResponseInvalid,
			"decoding classifier reply")
	}

	qa := QueryAnalysis{
		NeedsDocsTool:  asBool(raw["needsDocsTool"]),
		NeedsGraphTool: asBool(raw["needsGraphTool"]),
		NeedsWebTool:   asBool(raw["needsWebTool"]),
		Endpoint:       strings.TrimSpace(asString(raw["endpoint"])),
		Method:         strings.ToLower(strings.TrimSpace(asString(raw["method"]))),
		Params:         asParams(raw["params"]),
		Confidence:     clamp(asFloat(raw["confidence"])),
		Reasoning:      asString(raw["reasoning"]),
		Source:         SourceLLM,
	}
	if qa.Method == "" && qa.NeedsGraphTool {
		qa.Method = "get"
	}
	if !qa.NeedsGraphTool {
		qa.Endpoint, qa.Method, qa.Params = "", "", nil
	}
	return qa, nil
}

// firstObject returns the first balanced {...} span of s, skipping braces
// inside JSON strings.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func asBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		s := strings.TrimSpace(x)
		if strings.EqualFold(s, "yes") {
			return true
		}
		b, err := strconv.ParseBool(s)
		return err == nil && b
	case json.Number:
		f, err := x.Float64()
		return err == nil && f != 0
	}
	return false
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case json.Number:
		f, _ := x.Float64()
		return f
	case float64:
		return x
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(x, "%")), 64)
		if err != nil {
			return 0
		}
		if strings.HasSuffix(x, "%") {
			f /= 100
		}
		return f
	}
	return 0
}

// asParams accepts an object or a JSON-encoded object string. Values
// become strings and nested values are re-encoded as JSON text.
func asParams(v any) map[string]any {
	var obj map[string]any
	switch x := v.(type) {
	case map[string]any:
		obj = x
	case string:
		dec := json.NewDecoder(strings.NewReader(x))
		dec.UseNumber()
		if dec.Decode(&obj) != nil {
			return nil
		}
	default:
		return nil
	}
	if len(obj) == 0 {
		return nil
	}
	out := make(map[string]any, len(obj))
	for k, val := range obj {
		switch y := val.(type) {
		case string, bool:
			out[k] = fmt.Sprint(y)
		case json.Number:
			out[k] = y.String()
		case nil:
		default:
			raw, _ := json.Marshal(y)
			out[k] = string(raw)
		}
	}
	return out
}

func clamp(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}
