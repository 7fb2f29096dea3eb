// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package orchestrator runs one conversational turn end to end: route the
// question, call and repair the tool, normalize its result, generate the
// answer and expand any directives the model left in it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sigil-dev/relay/internal/analyzer"
	"github.com/sigil-dev/relay/internal/directive"
	"github.com/sigil-dev/relay/internal/normalize"
	"github.com/sigil-dev/relay/internal/provider"
	"github.com/sigil-dev/relay/internal/recovery"
	"github.com/sigil-dev/relay/internal/store"
	"github.com/sigil-dev/relay/internal/toolserver"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// DirectiveGuide is appended to the system prompt so the model knows it
// may ask for more data inline.
const DirectiveGuide = "If you need more directory data to finish the answer, emit a fenced json block " +
	`such as {"endpoint": "/users", "params": {"$top": "5"}}; it will be replaced with the result.`

// Completer issues chat calls and reports which provider answered.
// *provider.Selector satisfies it.
type Completer interface {
	provider.Chatter
	Complete(ctx context.Context, msgs []provider.ChatMessage) (provider.Completion, error)
}

// Routes names the tool behind each routing decision. A zero ref
// disables that route.
type Routes struct {
	Graph toolserver.ToolRef `mapstructure:"graph" json:"graph"`
	Docs  toolserver.ToolRef `mapstructure:"docs" json:"docs"`
	Web   toolserver.ToolRef `mapstructure:"web" json:"web"`
}

// Recorder persists the audit entry of a finished turn.
// store.TurnStore satisfies it.
type Recorder interface {
	Append(ctx context.Context, rec *store.TurnRecord) error
}

// Config holds dependencies for the Orchestrator. Analyzer, Recovery,
// Normalizer and Directives are built from the others when nil. Audit is
// optional.
type Config struct {
	Completer    Completer
	Tools        toolserver.Client
	Routes       Routes
	Analyzer     *analyzer.Analyzer
	Recovery     *recovery.Engine
	Normalizer   *normalize.Normalizer
	Directives   *directive.Executor
	Audit        Recorder
	SystemPrompt string
}

// Orchestrator is safe for concurrent use; turns share no state.
type Orchestrator struct {
	completer    Completer
	tools        toolserver.Client
	routes       Routes
	analyzer     *analyzer.Analyzer
	recovery     *recovery.Engine
	normalizer   *normalize.Normalizer
	directives   *directive.Executor
	recorder     Recorder
	systemPrompt string
	tracer       trace.Tracer
}

// ToolUse records the tool call a turn made.
type ToolUse struct {
	Server          string              `json:"server"`
	Tool            string              `json:"tool"`
	Args            map[string]any      `json:"args,omitempty"`
	Strategy        recovery.Strategy   `json:"strategy"`
	StrategiesTried []recovery.Strategy `json:"strategies_tried,omitempty"`
	Attempts        int                 `json:"attempts"`
	Result          normalize.Result    `json:"result"`
	Error           string              `json:"error,omitempty"`
}

// Response is the outcome of one turn.
type Response struct {
	ID         string                 `json:"id"`
	Content    string                 `json:"content"`
	Provider   string                 `json:"provider,omitempty"`
	Analysis   analyzer.QueryAnalysis `json:"analysis"`
	Tool       *ToolUse               `json:"tool,omitempty"`
	Directives int                    `json:"directives,omitempty"`
}

// New creates an Orchestrator. Completer is required.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Completer == nil {
		return nil, relayerr.New(relayerr.CodeConfigValidateInvalidValue, "orchestrator requires a completer")
	}

	o := &Orchestrator{
		completer:    cfg.Completer,
		tools:        cfg.Tools,
		routes:       cfg.Routes,
		analyzer:     cfg.Analyzer,
		recovery:     cfg.Recovery,
		normalizer:   cfg.Normalizer,
		directives:   cfg.Directives,
		recorder:     cfg.Audit,
		systemPrompt: cfg.SystemPrompt,
		tracer:       otel.Tracer("github.com/sigil-dev/relay/internal/orchestrator"),
	}
	if o.analyzer == nil {
		o.analyzer = analyzer.New(cfg.Completer)
	}
	if o.normalizer == nil {
		o.normalizer = normalize.New(normalize.DefaultOptions())
	}
	if o.tools != nil {
		if o.recovery == nil {
			o.recovery = recovery.New(o.tools)
		}
		if o.directives == nil {
			o.directives = directive.NewExecutor(o.tools, cfg.Routes.Graph, o.normalizer)
		}
	}
	if o.systemPrompt == "" {
		o.systemPrompt = provider.DefaultSystemPrompt
		if o.directives != nil {
			o.systemPrompt += "\n\n" + DirectiveGuide
		}
	}
	return o, nil
}

// Analyze runs only the routing step for the last user message in msgs.
func (o *Orchestrator) Analyze(ctx context.Context, msgs []provider.ChatMessage) (analyzer.QueryAnalysis, error) {
	turn, history, err := splitTurn(msgs)
	if err != nil {
		return analyzer.QueryAnalysis{}, err
	}
	return o.analyzer.Analyze(ctx, turn, history), nil
}

// Turn executes the pipeline:
// RECEIVE → ANALYZE → ROUTE → CALL → NORMALIZE → GENERATE → DIRECTIVES → AUDIT.
// Steps run strictly in order. Only input validation and generation can
// fail the turn; tool trouble becomes context for the model.
func (o *Orchestrator) Turn(ctx context.Context, msgs []provider.ChatMessage) (*Response, error) {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "turn")
	defer span.End()

	// Step 1: RECEIVE. The last message must be a non-empty user message.
	turn, history, err := splitTurn(msgs)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp := &Response{ID: uuid.New().String()}

	// Step 2: ANALYZE. Decide whether a tool is needed.
	resp.Analysis = o.analyzer.Analyze(ctx, turn, history)
	span.SetAttributes(
		attribute.String("analysis.source", string(resp.Analysis.Source)),
		attribute.Float64("analysis.confidence", resp.Analysis.Confidence),
	)

	// Step 3: ROUTE, CALL, NORMALIZE. At most one tool per turn.
	var toolContext string
	ref, args, routed := o.route(resp.Analysis, turn)
	if routed {
		resp.Tool, toolContext = o.useTool(ctx, ref, args)
	}

	// Step 4: GENERATE. Final answer through the provider selector.
	completion, err := o.completer.Complete(ctx, o.messages(msgs, toolContext))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, relayerr.Wrap(err, relayerr.CodeTurnFailure, "generating answer")
	}
	resp.Provider = completion.Provider
	resp.Content = completion.Text

	// Step 5: DIRECTIVES. Expand tool calls the model embedded.
	if o.directives != nil {
		var execs []directive.Execution
		resp.Content, execs = o.directives.Process(ctx, resp.Content)
		resp.Directives = len(execs)
	}

	// Step 6: AUDIT. Log and record the interaction.
	o.audit(ctx, turn, resp, started)
	return resp, nil
}

// route maps an analysis to a tool and its arguments.
func (o *Orchestrator) route(qa analyzer.QueryAnalysis, turn string) (toolserver.ToolRef, map[string]any, bool) {
	if o.tools == nil {
		return toolserver.ToolRef{}, nil, false
	}
	switch {
	case qa.NeedsGraphTool && !o.routes.Graph.IsZero():
		return o.routes.Graph, toolserver.NewGraphQuery(qa.Endpoint, qa.Method, qa.Params).Args(), true
	case qa.NeedsDocsTool && !o.routes.Docs.IsZero():
		return o.routes.Docs, map[string]any{"query": turn}, true
	case qa.NeedsWebTool && !o.routes.Web.IsZero():
		return o.routes.Web, map[string]any{"query": turn}, true
	}
	if qa.NeedsTool() {
		slog.Debug("no tool configured for routing decision",
			"graph", qa.NeedsGraphTool, "docs", qa.NeedsDocsTool, "web", qa.NeedsWebTool)
	}
	return toolserver.ToolRef{}, nil, false
}

// useTool checks that ref exists, calls it with recovery and renders the
// outcome as model context.
func (o *Orchestrator) useTool(ctx context.Context, ref toolserver.ToolRef, args map[string]any) (*ToolUse, string) {
	use := &ToolUse{Server: ref.Server, Tool: ref.Tool, Args: args, Strategy: recovery.StrategyNone}

	if err := o.checkTool(ctx, ref); err != nil {
		slog.Warn("routed tool unavailable", "server", ref.Server, "tool", ref.Tool, "error", err)
		use.Error = err.Error()
		use.Result = o.normalizer.Error(err)
		return use, fmt.Sprintf("The %s tool is not available right now, answer without it.", ref)
	}

	outcome := o.recovery.Call(ctx, ref.Server, ref.Tool, args)
	use.Args = outcome.Args
	use.Strategy = outcome.Strategy
	use.StrategiesTried = outcome.StrategiesTried
	use.Attempts = outcome.AttemptsMade

	if outcome.Err != nil {
		use.Error = outcome.Err.Error()
		cause := outcome.Err
		var exhausted *recovery.ExhaustedError
		if errors.As(cause, &exhausted) {
			cause = exhausted.Err
		}
		use.Result = o.normalizer.Error(cause)
	} else {
		use.Result = o.normalizer.Normalize(outcome.Result, outcome.Args)
	}
	return use, use.Result.Text
}

// checkTool fails with a not-found error when ref is not advertised.
func (o *Orchestrator) checkTool(ctx context.Context, ref toolserver.ToolRef) error {
	tools, err := o.tools.ListTools(ctx, ref.Server)
	if err != nil {
		return err
	}
	if !toolserver.HasTool(tools, ref.Tool) {
		return relayerr.New(relayerr.CodeToolNotFound, "tool not advertised by server",
			relayerr.FieldServer(ref.Server), relayerr.FieldTool(ref.Tool))
	}
	return nil
}

// messages builds the generation request. Tool context goes in a system
// message right before the latest user message.
func (o *Orchestrator) messages(msgs []provider.ChatMessage, toolContext string) []provider.ChatMessage {
	out := provider.EnsureSystemPrompt(msgs, o.systemPrompt)
	if toolContext == "" {
		return out
	}
	note := provider.NewMessage(provider.RoleSystem,
		"Tool result for the latest question. Use it verbatim:\n\n"+toolContext)

	last := len(out) - 1
	withContext := make([]provider.ChatMessage, 0, len(out)+1)
	withContext = append(withContext, out[:last]...)
	withContext = append(withContext, note, out[last])
	return withContext
}

func (o *Orchestrator) audit(ctx context.Context, turn string, resp *Response, started time.Time) {
	elapsed := time.Since(started)
	attrs := []slog.Attr{
		slog.String("id", resp.ID),
		slog.String("provider", resp.Provider),
		slog.Group("analysis",
			slog.String("source", string(resp.Analysis.Source)),
			slog.Float64("confidence", resp.Analysis.Confidence),
			slog.String("endpoint", resp.Analysis.Endpoint),
		),
		slog.Int("directives", resp.Directives),
		slog.Duration("elapsed", elapsed),
	}
	level := slog.LevelInfo
	if t := resp.Tool; t != nil {
		attrs = append(attrs, slog.Group("tool",
			slog.String("ref", t.Server+"/"+t.Tool),
			slog.String("strategy", string(t.Strategy)),
			slog.Int("attempts", t.Attempts),
			slog.String("kind", string(t.Result.Kind)),
		))
		if t.Error != "" {
			level = slog.LevelWarn
		}
	}
	slog.LogAttrs(ctx, level, "turn completed", attrs...)

	if o.recorder == nil {
		return
	}
	if err := o.recorder.Append(ctx, auditRecord(turn, resp, started, elapsed)); err != nil {
		slog.Warn("recording turn failed", "id", resp.ID, "error", err)
	}
}

// auditRecord flattens resp into its audit entry. Tool payloads stay out.
func auditRecord(turn string, resp *Response, started time.Time, elapsed time.Duration) *store.TurnRecord {
	rec := &store.TurnRecord{
		ID:         resp.ID,
		Timestamp:  started.UTC(),
		Question:   turn,
		Provider:   resp.Provider,
		Source:     string(resp.Analysis.Source),
		Directives: resp.Directives,
		Duration:   elapsed,
	}
	if t := resp.Tool; t != nil {
		rec.Server = t.Server
		rec.Tool = t.Tool
		rec.Strategy = string(t.Strategy)
		rec.Attempts = t.Attempts
		rec.ResultKind = string(t.Result.Kind)
		rec.ToolError = t.Error
		for _, s := range t.StrategiesTried {
			rec.StrategiesTried = append(rec.StrategiesTried, string(s))
		}
	}
	return rec
}

// splitTurn validates msgs and separates the latest user message from
// the prior conversation.
func splitTurn(msgs []provider.ChatMessage) (string, []provider.ChatMessage, error) {
	if len(msgs) == 0 {
		return "", nil, relayerr.New(relayerr.CodeTurnInputInvalid, "turn has no messages")
	}
	last := msgs[len(msgs)-1]
	if last.Role != provider.RoleUser {
		return "", nil, relayerr.New(relayerr.CodeTurnInputInvalid, "last message must be from the user",
			relayerr.Field("role", string(last.Role)))
	}
	turn := strings.TrimSpace(last.Content)
	if turn == "" {
		return "", nil, relayerr.New(relayerr.CodeTurnInputInvalid, "last message is empty")
	}
	return turn, msgs[:len(msgs)-1], nil
}
