// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package toolserver

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Result is what a tool call produced. The set of implementations is
// closed: Number, PlainText, JSON and ContentList.
type Result interface {
	isResult()
}

// Number is a bare numeric reply.
type Number float64

// PlainText is a bare string reply.
type PlainText string

// JSON is any other decoded JSON value: an object, an array, a bool or
// null. Numbers inside Value are json.Number.
type JSON struct {
	Value any
}

// ContentItem is one entry of an MCP content list.
type ContentItem struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	JSON json.RawMessage `json:"json,omitempty"`
	// MIMEType is set on resource and blob entries.
	MIMEType string `json:"mimeType,omitempty"`
}

// ContentList is the MCP tools/call result envelope.
type ContentList struct {
	Items   []ContentItem
	IsError bool
}

func (Number) isResult()      {}
func (PlainText) isResult()   {}
func (JSON) isResult()        {}
func (ContentList) isResult() {}

// Text concatenates the text entries of the list.
func (c ContentList) Text() string {
	var parts []string
	for _, it := range c.Items {
		if it.Type == "text" && it.Text != "" {
			parts = append(parts, it.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// TextResult wraps text in a single-entry content list, the shape most
// MCP servers reply with.
func TextResult(text string) ContentList {
	return ContentList{Items: []ContentItem{{Type: "text", Text: text}}}
}

// FromRaw converts a raw tools/call result into a Result.
func FromRaw(raw json.RawMessage) Result {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return PlainText("")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return PlainText(string(trimmed))
	}
	if obj, ok := v.(map[string]any); ok {
		if list, ok := contentList(trimmed, obj); ok {
			return list
		}
	}
	return FromValue(v)
}

// FromValue converts a decoded Go value into a Result.
func FromValue(v any) Result {
	switch x := v.(type) {
	case Result:
		return x
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return Number(f)
		}
		return PlainText(x.String())
	case float64:
		return Number(x)
	case float32:
		return Number(x)
	case int:
		return Number(x)
	case int64:
		return Number(x)
	case string:
		return PlainText(x)
	case []ContentItem:
		return ContentList{Items: x}
	default:
		return JSON{Value: v}
	}
}

// contentList recognizes {"content": [{"type": ...}, ...], "isError"?}.
func contentList(raw []byte, obj map[string]any) (ContentList, bool) {
	items, ok := obj["content"].([]any)
	if !ok {
		return ContentList{}, false
	}
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return ContentList{}, false
		}
		if _, ok := m["type"].(string); !ok {
			return ContentList{}, false
		}
	}

	var env struct {
		Content []ContentItem `json:"content"`
		IsError bool          `json:"isError"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return ContentList{}, false
	}
	return ContentList{Items: env.Content, IsError: env.IsError}, true
}

// ParseNumber accepts a bare integer or decimal, optionally surrounded
// by whitespace or double quotes.
func ParseNumber(s string) (float64, bool) {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
