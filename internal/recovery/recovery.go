// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package recovery retries a failed tool call with one deterministic
// repair chosen by the failure category.
//
// The engine is a small state machine. The routed call runs first. A
// syntax failure gets one SyntaxFix retry, a permission failure gets one
// Simplify retry, and anything else walks the related-endpoint list for
// the intent. Families never cascade, so the worst case is the original
// attempt plus the length of the alternative list.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sigil-dev/relay/internal/toolserver"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// Strategy names the repair that produced an outcome.
type Strategy string

const (
	StrategyNone                Strategy = "none"
	StrategySyntaxFix           Strategy = "syntax_fix"
	StrategySimplify            Strategy = "simplify"
	StrategyAlternativeEndpoint Strategy = "alternative_endpoint"
)

// Caller is the part of toolserver.Client the engine needs.
type Caller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (toolserver.Result, error)
}

// Attempt is one call: a success when Err is nil, a failure otherwise.
type Attempt struct {
	Strategy Strategy
	Args     map[string]any
	Result   toolserver.Result
	Err      error
}

func (a Attempt) Succeeded() bool { return a.Err == nil }

// Outcome describes one routed call and its recovery attempts. On success
// Args are the arguments of the call that worked.
type Outcome struct {
	Server          string
	Tool            string
	Args            map[string]any
	Result          toolserver.Result
	Err             error
	AttemptsMade    int
	Strategy        Strategy
	StrategiesTried []Strategy
	Attempts        []Attempt
}

// ExhaustedError is returned when every applicable repair failed. Err is
// the first failure, which is the most diagnostic one.
type ExhaustedError struct {
	Server   string
	Tool     string
	Err      error
	Tried    []Strategy
	Attempts int
}

func (e *ExhaustedError) Error() string {
	tried := "none"
	if len(e.Tried) > 0 {
		names := make([]string, len(e.Tried))
		for i, s := range e.Tried {
			names[i] = string(s)
		}
		tried = strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s/%s failed after %d attempt(s), recovery tried: %s: %v",
		e.Server, e.Tool, e.Attempts, tried, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// ErrorCode implements relayerr.Coder.
func (e *ExhaustedError) ErrorCode() relayerr.Code { return relayerr.CodeToolRecoveryExhausted }

// Engine is safe for concurrent use.
type Engine struct {
	caller       Caller
	alternatives map[string][]string
	tracer       trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithAlternatives replaces the related-endpoint table. Keys are
// lower-case endpoint paths.
func WithAlternatives(table map[string][]string) Option {
	return func(e *Engine) {
		e.alternatives = maps.Clone(table)
	}
}

func New(caller Caller, opts ...Option) *Engine {
	e := &Engine{
		caller:       caller,
		alternatives: DefaultAlternatives,
		tracer:       otel.Tracer("github.com/sigil-dev/relay/internal/recovery"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type state int

const (
	stateInitial state = iota
	stateSyntaxRepair
	stateSimplify
	stateAlternative
	stateSucceeded
	stateFailed
)

// run holds the progress of one Call.
type run struct {
	eng    *Engine
	query  toolserver.GraphQuery
	graph  bool
	first  error
	result Outcome
}

// Call runs the tool and, when it fails, the repair family its failure
// class allows. Unknown servers or tools and cancellation are returned
// as they are, without repairs.
func (e *Engine) Call(ctx context.Context, server, tool string, args map[string]any) Outcome {
	ctx, span := e.tracer.Start(ctx, "tool.recover", trace.WithAttributes(
		attribute.String("tool.server", server),
		attribute.String("tool.name", tool),
	))
	defer span.End()

	r := &run{
		eng:    e,
		result: Outcome{Server: server, Tool: tool, Args: args, Strategy: StrategyNone},
	}
	r.query, r.graph = toolserver.ParseGraphQuery(args)

	st := stateInitial
	for st != stateSucceeded && st != stateFailed {
		st = r.step(ctx, st)
	}

	out := r.result
	if st == stateFailed {
		out.Err = r.failure(ctx)
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, "recovery exhausted")
	}
	span.SetAttributes(
		attribute.String("recovery.strategy", string(out.Strategy)),
		attribute.Int("recovery.attempts", out.AttemptsMade),
	)
	return out
}

func (r *run) step(ctx context.Context, st state) state {
	switch st {
	case stateInitial:
		a := r.attempt(ctx, StrategyNone, r.result.Args)
		if a.Succeeded() {
			return r.succeed(a)
		}
		r.first = a.Err
		if ctx.Err() != nil || relayerr.IsNotFound(a.Err) || !r.graph {
			return stateFailed
		}
		switch Classify(a.Err) {
		case ClassSyntax:
			return stateSyntaxRepair
		case ClassPermission:
			return stateSimplify
		default:
			return stateAlternative
		}

	case stateSyntaxRepair:
		q, ok := syntaxFix(r.query)
		if !ok {
			slog.Debug("no syntax repair applies", "query", r.query.String())
			return stateFailed
		}
		return r.settle(r.attempt(ctx, StrategySyntaxFix, q.Args()))

	case stateSimplify:
		q, ok := simplify(r.query)
		if !ok {
			slog.Debug("query has no params to strip", "query", r.query.String())
			return stateFailed
		}
		return r.settle(r.attempt(ctx, StrategySimplify, q.Args()))

	case stateAlternative:
		for _, path := range alternativesFor(r.eng.alternatives, r.query.Path) {
			if ctx.Err() != nil {
				break
			}
			a := r.attempt(ctx, StrategyAlternativeEndpoint, r.query.WithPath(path).Args())
			if a.Succeeded() {
				return r.succeed(a)
			}
		}
		return stateFailed
	}
	return stateFailed
}

func (r *run) settle(a Attempt) state {
	if a.Succeeded() {
		return r.succeed(a)
	}
	return stateFailed
}

func (r *run) succeed(a Attempt) state {
	r.result.Result = a.Result
	r.result.Args = a.Args
	r.result.Strategy = a.Strategy
	return stateSucceeded
}

// failure is the terminal error: the first failure as it is when no
// repair could run for a reason outside recovery, else an ExhaustedError.
func (r *run) failure(ctx context.Context) error {
	if len(r.result.StrategiesTried) == 0 && (ctx.Err() != nil || relayerr.IsNotFound(r.first)) {
		return r.first
	}
	return &ExhaustedError{
		Server:   r.result.Server,
		Tool:     r.result.Tool,
		Err:      r.first,
		Tried:    slices.Clone(r.result.StrategiesTried),
		Attempts: r.result.AttemptsMade,
	}
}

func (r *run) attempt(ctx context.Context, strategy Strategy, args map[string]any) Attempt {
	r.result.AttemptsMade++
	if strategy != StrategyNone {
		if !slices.Contains(r.result.StrategiesTried, strategy) {
			r.result.StrategiesTried = append(r.result.StrategiesTried, strategy)
		}
		slog.Warn("tool call failed, trying recovery",
			"server", r.result.Server,
			"tool", r.result.Tool,
			"strategy", strategy,
			"path", args["path"],
			"first_error", r.first,
		)
	}

	var span trace.Span
	if strategy != StrategyNone {
		ctx, span = r.eng.tracer.Start(ctx, "recovery."+string(strategy))
		defer span.End()
	}

	res, err := r.eng.caller.CallTool(ctx, r.result.Server, r.result.Tool, args)
	if err == nil {
		if list, ok := res.(toolserver.ContentList); ok && list.IsError {
			err = relayerr.New(relayerr.CodeToolCallFailure, list.Text(),
				relayerr.FieldServer(r.result.Server), relayerr.FieldTool(r.result.Tool))
			res = nil
		}
	}
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	a := Attempt{Strategy: strategy, Args: args, Result: res, Err: err}
	r.result.Attempts = append(r.result.Attempts, a)
	return a
}
