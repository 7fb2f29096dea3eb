// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package directive finds tool-call directives that a model embedded in
// its answer as fenced JSON blocks, runs them and splices the rendered
// results back into the text.
//
// Two shapes are recognised:
//
//	{"endpoint": "/users", "method": "get", "params": {...}, "select": "..."}
//	{"server": "docs", "tool": "search", "args": {...}}
//
// The first goes to the configured graph tool. The second calls the named
// tool directly. Any other fenced block is left untouched.
package directive

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/sigil-dev/relay/internal/toolserver"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// Directive is one parsed tool call.
type Directive struct {
	Endpoint string         `json:"endpoint,omitempty"`
	Method   string         `json:"method,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	// Select is a jq expression applied to the normalized value.
	Select string `json:"select,omitempty"`

	Server string         `json:"server,omitempty"`
	Tool   string         `json:"tool,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
}

// IsGraph reports whether d targets the graph tool.
func (d Directive) IsGraph() bool { return d.Endpoint != "" }

// Query returns the graph query of a graph directive.
func (d Directive) Query() toolserver.GraphQuery {
	return toolserver.NewGraphQuery(d.Endpoint, d.Method, d.Params)
}

// Label names d in notes and logs.
func (d Directive) Label() string {
	if d.IsGraph() {
		return d.Query().String()
	}
	return d.Server + "/" + d.Tool
}

// Block is a directive found in text. Start and End are byte offsets of
// the whole fenced block.
type Block struct {
	Start     int
	End       int
	Directive Directive
}

// fencePattern matches a fenced block and captures its info string and body.
var fencePattern = regexp.MustCompile("(?s)```[ \\t]*([A-Za-z0-9_-]*)[^\\n]*\\n(.*?)```")

var directiveInfo = map[string]bool{"": true, "json": true, "tool": true, "graph": true}

// Extract returns the directive blocks of text in order.
func Extract(text string) []Block {
	var blocks []Block
	for _, m := range fencePattern.FindAllStringSubmatchIndex(text, -1) {
		info := strings.ToLower(text[m[2]:m[3]])
		if !directiveInfo[info] {
			continue
		}
		d, err := Parse(text[m[4]:m[5]])
		if err != nil {
			continue
		}
		blocks = append(blocks, Block{Start: m[0], End: m[1], Directive: d})
	}
	return blocks
}

// Parse decodes one block body. It fails with CodeDirectiveParseInvalid
// when body is not a directive.
func Parse(body string) (Directive, error) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace([]byte(body))))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Directive{}, relayerr.Wrap(err, relayerr.CodeDirectiveParseInvalid, "decoding directive")
	}
	if dec.More() {
		return Directive{}, relayerr.New(relayerr.CodeDirectiveParseInvalid, "trailing data after directive")
	}

	str := func(key string) string {
		s, _ := raw[key].(string)
		return strings.TrimSpace(s)
	}
	obj := func(key string) map[string]any {
		m, _ := raw[key].(map[string]any)
		return m
	}

	if endpoint := str("endpoint"); endpoint != "" {
		method := strings.ToLower(str("method"))
		if method == "" {
			method = "get"
		}
		return Directive{
			Endpoint: endpoint,
			Method:   method,
			Params:   obj("params"),
			Select:   str("select"),
		}, nil
	}
	if server, tool := str("server"), str("tool"); server != "" && tool != "" {
		args := obj("args")
		if args == nil {
			args = map[string]any{}
		}
		return Directive{Server: server, Tool: tool, Args: args, Select: str("select")}, nil
	}
	return Directive{}, relayerr.New(relayerr.CodeDirectiveParseInvalid,
		"block has neither endpoint nor server and tool")
}
