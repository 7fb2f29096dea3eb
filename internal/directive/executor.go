// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package directive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/sigil-dev/relay/internal/normalize"
	"github.com/sigil-dev/relay/internal/toolserver"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// Caller runs one tool call.
type Caller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (toolserver.Result, error)
}

// Execution is the outcome of one directive.
type Execution struct {
	Directive Directive
	Result    normalize.Result
	Err       error
}

// Executor is safe for concurrent use.
type Executor struct {
	caller     Caller
	graph      toolserver.ToolRef
	normalizer *normalize.Normalizer
}

// NewExecutor sends graph directives to graph. A nil n uses default
// normalization options.
func NewExecutor(caller Caller, graph toolserver.ToolRef, n *normalize.Normalizer) *Executor {
	if n == nil {
		n = normalize.New(normalize.DefaultOptions())
	}
	return &Executor{caller: caller, graph: graph, normalizer: n}
}

// Process runs every directive in text and replaces each block with its
// rendered result or an inline failure note. A failing directive does
// not stop the others.
func (e *Executor) Process(ctx context.Context, text string) (string, []Execution) {
	blocks := Extract(text)
	if len(blocks) == 0 {
		return text, nil
	}

	var b strings.Builder
	execs := make([]Execution, 0, len(blocks))
	last := 0
	for _, blk := range blocks {
		b.WriteString(text[last:blk.Start])
		ex := e.run(ctx, blk.Directive)
		execs = append(execs, ex)
		b.WriteString(render(ex))
		last = blk.End
	}
	b.WriteString(text[last:])
	return b.String(), execs
}

func (e *Executor) run(ctx context.Context, d Directive) Execution {
	ex := Execution{Directive: d}

	server, tool, args := d.Server, d.Tool, d.Args
	if d.IsGraph() {
		if e.graph.IsZero() {
			ex.Err = relayerr.New(relayerr.CodeToolServerNotFound, "no graph tool configured")
			return ex
		}
		server, tool, args = e.graph.Server, e.graph.Tool, d.Query().Args()
	}

	res, err := e.caller.CallTool(ctx, server, tool, args)
	if err == nil {
		if list, ok := res.(toolserver.ContentList); ok && list.IsError {
			err = relayerr.New(relayerr.CodeToolCallFailure, list.Text(),
				relayerr.FieldServer(server), relayerr.FieldTool(tool))
		}
	}
	if err != nil {
		slog.Warn("directive failed", "directive", d.Label(), "error", err)
		ex.Err = err
		ex.Result = e.normalizer.Error(err)
		return ex
	}

	ex.Result = e.normalizer.Normalize(res, args)
	if d.Select != "" && ex.Result.Kind != normalize.KindPermissionError && ex.Result.Kind != normalize.KindUnrecognized {
		selected, err := e.project(ctx, d.Select, ex.Result.Value)
		if err != nil {
			ex.Err = err
			return ex
		}
		ex.Result = e.normalizer.Normalize(selected, nil)
	}
	return ex
}

// project runs the jq expression on value. A single output is used as
// is; several outputs are collected into an array.
func (e *Executor) project(ctx context.Context, expr string, value any) (toolserver.Result, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, relayerr.Wrap(err, relayerr.CodeDirectiveSelectInvalid, "parsing select expression",
			relayerr.Field("select", expr))
	}

	input, err := jqValue(value)
	if err != nil {
		return nil, relayerr.Wrap(err, relayerr.CodeDirectiveSelectInvalid, "preparing select input")
	}

	var out []any
	iter := query.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, relayerr.Wrap(err, relayerr.CodeDirectiveSelectInvalid, "running select expression",
				relayerr.Field("select", expr))
		}
		out = append(out, v)
	}

	switch len(out) {
	case 0:
		return toolserver.JSON{Value: []any{}}, nil
	case 1:
		return toolserver.FromValue(out[0]), nil
	default:
		return toolserver.JSON{Value: out}, nil
	}
}

// jqValue converts v to the plain types gojq accepts: numbers become
// float64.
func jqValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func render(ex Execution) string {
	if ex.Err != nil {
		if ex.Result.Kind == normalize.KindPermissionError {
			return ex.Result.Text
		}
		return fmt.Sprintf("> Tool call `%s` failed: %s", ex.Directive.Label(), firstLine(ex.Err.Error()))
	}
	return ex.Result.Text
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
