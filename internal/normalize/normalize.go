// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package normalize reduces whatever a tool server returned to a
// canonical value plus a rendering that is safe to put into a prompt.
package normalize

import (
	"bytes"
	"encoding/json"
	"log/slog"

	"github.com/sigil-dev/relay/internal/toolserver"
)

// Kind classifies a normalized result.
type Kind string

const (
	KindCount           Kind = "count"
	KindScalar          Kind = "scalar"
	KindCollection      Kind = "collection"
	KindObject          Kind = "object"
	KindPermissionError Kind = "permission_error"
	KindUnrecognized    Kind = "unrecognized"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCount, KindScalar, KindCollection, KindObject, KindPermissionError, KindUnrecognized:
		return true
	default:
		return false
	}
}

// Result is the canonical form of one tool reply. Value is float64 for
// Count, string for Scalar and PermissionError, []any for Collection and
// map[string]any for Object.
type Result struct {
	Kind  Kind   `json:"kind" yaml:"kind"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
	Text  string `json:"rendered_text" yaml:"rendered_text"`
	// Remediation is set on permission errors.
	Remediation string `json:"remediation,omitempty" yaml:"remediation,omitempty"`
}

// AuthMode selects the wording of permission remediation.
type AuthMode string

const (
	AuthApplication AuthMode = "application"
	AuthDelegated   AuthMode = "delegated"
)

const (
	DefaultMaxBytes = 16 << 10
	DefaultMaxRows  = 50
	DefaultMaxCols  = 6
)

// Options bounds the rendering.
type Options struct {
	MaxBytes int      `mapstructure:"max_bytes" json:"max_bytes"`
	MaxRows  int      `mapstructure:"max_rows" json:"max_rows"`
	MaxCols  int      `mapstructure:"max_cols" json:"max_cols"`
	AuthMode AuthMode `mapstructure:"auth_mode" json:"auth_mode"`
}

// DefaultOptions returns the bounds used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		MaxBytes: DefaultMaxBytes,
		MaxRows:  DefaultMaxRows,
		MaxCols:  DefaultMaxCols,
		AuthMode: AuthApplication,
	}
}

// rule is one (predicate, extractor) pair of the shape pipeline.
type rule struct {
	name    string
	match   func(in input) bool
	extract func(n *Normalizer, in input) Result
}

type input struct {
	res  toolserver.Result
	args map[string]any
}

// Normalizer is stateless after construction and safe for concurrent use.
type Normalizer struct {
	opts  Options
	rules []rule
	text  []textRule
}

// New fills zero options with defaults.
func New(opts Options) *Normalizer {
	def := DefaultOptions()
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = def.MaxBytes
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = def.MaxRows
	}
	if opts.MaxCols <= 0 {
		opts.MaxCols = def.MaxCols
	}
	if opts.AuthMode == "" {
		opts.AuthMode = def.AuthMode
	}
	return &Normalizer{opts: opts, rules: shapeRules(), text: textPipeline()}
}

// shapeRules is the ordered pipeline. The first matching rule wins;
// new tool-server quirks go in as new entries.
func shapeRules() []rule {
	return []rule{
		{name: "number", match: isNumeric, extract: func(n *Normalizer, in input) Result {
			f, _ := numericValue(in.res)
			return countResult(f)
		}},
		{name: "content_json", match: hasJSONContent, extract: func(n *Normalizer, in input) Result {
			list := in.res.(toolserver.ContentList)
			for _, it := range list.Items {
				if it.Type == "json" && len(it.JSON) > 0 {
					if v, ok := decode(it.JSON); ok {
						return n.renderValue(v)
					}
				}
			}
			return n.unrecognized(in.res)
		}},
		{name: "content_text", match: hasTextContent, extract: func(n *Normalizer, in input) Result {
			return n.normalizeText(in.res.(toolserver.ContentList).Text(), in.args)
		}},
		{name: "plain_text", match: isPlainText, extract: func(n *Normalizer, in input) Result {
			return n.normalizeText(string(in.res.(toolserver.PlainText)), in.args)
		}},
		{name: "structured", match: isJSON, extract: func(n *Normalizer, in input) Result {
			return n.renderValue(in.res.(toolserver.JSON).Value)
		}},
	}
}

// Normalize classifies res. args are the arguments the tool was called
// with; they are used to recognize a server echoing its request back and
// may be nil.
func (n *Normalizer) Normalize(res toolserver.Result, args map[string]any) Result {
	in := input{res: res, args: args}
	for _, r := range n.rules {
		if r.match(in) {
			out := r.extract(n, in)
			slog.Debug("tool result normalized", "rule", r.name, "kind", out.Kind)
			return out
		}
	}
	return n.unrecognized(res)
}

// Error classifies a failed tool call. Permission failures get the same
// remediation as a permission-denial payload; anything else renders as
// an inline failure note.
func (n *Normalizer) Error(err error) Result {
	if err == nil {
		return Result{Kind: KindUnrecognized}
	}
	msg := err.Error()
	if r, ok := n.permission(msg); ok {
		return r
	}
	return Result{
		Kind:  KindUnrecognized,
		Value: msg,
		Text:  "The query failed: " + msg,
	}
}

func (n *Normalizer) unrecognized(res toolserver.Result) Result {
	raw, _ := json.Marshal(res)
	return Result{
		Kind: KindUnrecognized,
		Text: "The query ran but returned an unexpected format: " + truncate(string(raw), 200),
	}
}

func isNumeric(in input) bool {
	_, ok := numericValue(in.res)
	return ok
}

func numericValue(res toolserver.Result) (float64, bool) {
	switch r := res.(type) {
	case toolserver.Number:
		return float64(r), true
	case toolserver.PlainText:
		return toolserver.ParseNumber(string(r))
	}
	return 0, false
}

func hasJSONContent(in input) bool {
	list, ok := in.res.(toolserver.ContentList)
	if !ok {
		return false
	}
	for _, it := range list.Items {
		if it.Type == "json" && len(it.JSON) > 0 {
			return true
		}
	}
	return false
}

func hasTextContent(in input) bool {
	list, ok := in.res.(toolserver.ContentList)
	return ok && list.Text() != ""
}

func isPlainText(in input) bool {
	_, ok := in.res.(toolserver.PlainText)
	return ok
}

func isJSON(in input) bool {
	_, ok := in.res.(toolserver.JSON)
	return ok
}

// decode parses JSON keeping numbers as json.Number.
func decode(raw []byte) (any, bool) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return v, true
}
