// Package router picks the pipeline that answers a question. A selector runs hop by hop, the
// lookup tools it asks for run concurrently, and every unit of work is announced as a step.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/schema"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/insight-desk/backend/internal/config"
	"github.com/zhouzirui/insight-desk/backend/internal/model/assistant"
	"github.com/zhouzirui/insight-desk/backend/internal/model/chat"
	"github.com/zhouzirui/insight-desk/backend/internal/service/trace"
	"github.com/zhouzirui/insight-desk/backend/pkg/logger"
	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// ErrUnsupportedPipeline is returned when the selector picks a pipeline the assistant does not enable.
var ErrUnsupportedPipeline = errors.New("pipeline not enabled for assistant")

// Request is the input of one routing run.
type Request struct {
	Assistant *assistant.Assistant
	Query     string
	History   []chat.Message
	// ParentID nests the router step under another step. Usually empty.
	ParentID string
}

// Decision is the routing result handed to the executor.
type Decision struct {
	Pipeline assistant.Pipeline
	// Query is the rewritten, self-contained question.
	Query     string
	View      string
	File      string
	Documents []*schema.Document
	Reason    string
	Tokens    protocol.Tokens
	Hops      int
}

// Router runs the selection loop.
type Router struct {
	selector Selector
	tools    *Toolbox
	cfg      config.RouterConfig
	log      *logger.Logger
}

// New returns a router. Zero config values fall back to 3 hops and 4 parallel tools.
func New(selector Selector, tools *Toolbox, cfg config.RouterConfig, log *logger.Logger) *Router {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 3
	}
	if cfg.ParallelTools <= 0 {
		cfg.ParallelTools = 4
	}
	if log == nil {
		log = logger.Nop()
	}
	if tools == nil {
		tools = &Toolbox{}
	}
	return &Router{selector: selector, tools: tools, cfg: cfg, log: log}
}

// Route announces the router step tree on tr and returns the decision. On failure the active
// step and its ancestors are announced failed.
func (r *Router) Route(ctx context.Context, tr *trace.Tracer, req Request) (Decision, error) {
	a := req.Assistant
	if a == nil {
		return Decision{}, fmt.Errorf("route: %w", assistant.ErrAssistantNotFound)
	}

	root := tr.Start(ctx, trace.Spec{ParentID: req.ParentID, Type: protocol.StepRouter, Payload: map[string]any{"assistant_id": a.ID}})

	rewrite := tr.Start(ctx, trace.Spec{ParentID: root.ID(), Type: protocol.StepQueryRewrite})
	query, rewritten := Rewrite(req.Query, req.History)
	rewrite.Set("rewritten", rewritten)
	if rewritten {
		rewrite.Set("query", query)
	}
	rewrite.End()

	choices := make([]string, 0, len(a.Pipelines))
	for _, p := range a.Pipelines {
		choices = append(choices, string(p))
	}
	processing := tr.Start(ctx, trace.Spec{ParentID: root.ID(), Type: protocol.StepRouterProcessing, Payload: map[string]any{"choices": choices}})
	processing.End()

	decision := Decision{Query: query}
	var choice *Choice

	if len(a.Pipelines) == 1 {
		choice = &Choice{Pipeline: a.Pipelines[0], Reason: "only pipeline enabled"}
		skipSelection(ctx, tr, root)
	} else {
		var err error
		choice, err = r.selectLoop(ctx, tr, root, a, &decision)
		if err != nil {
			root.Fail(err)
			return Decision{}, err
		}
	}

	synthesis := tr.Start(ctx, trace.Spec{ParentID: root.ID(), Type: protocol.StepRouterSynthesis})
	if err := complete(a, choice, &decision); err != nil {
		synthesis.Fail(err)
		root.Fail(err)
		return Decision{}, err
	}
	synthesis.SetTokens(decision.Tokens).
		Set("pipeline", string(decision.Pipeline)).
		Set("reason", decision.Reason)
	if decision.View != "" {
		synthesis.Set("view", decision.View)
	}
	synthesis.End()

	root.Set("pipeline", string(decision.Pipeline)).End()

	r.log.Debug("pipeline selected",
		"assistant_id", a.ID,
		"pipeline", decision.Pipeline,
		"hops", decision.Hops,
		"documents", len(decision.Documents),
	)
	return decision, nil
}

// skipSelection announces the selection steps as instant and skipped, so every routed request
// shows the same router tree.
func skipSelection(ctx context.Context, tr *trace.Tracer, root *trace.Span) {
	skipped := trace.Outcome{Status: protocol.StatusCompleted, Payload: map[string]any{"skipped": "single pipeline"}}
	execution := tr.Instant(ctx, trace.Spec{ParentID: root.ID(), Type: protocol.StepQueryExecution}, skipped)
	tr.Instant(ctx, trace.Spec{ParentID: execution.ID(), Type: protocol.StepRouterSelection}, skipped)
}

func (r *Router) selectLoop(ctx context.Context, tr *trace.Tracer, root *trace.Span, a *assistant.Assistant, decision *Decision) (*Choice, error) {
	execution := tr.Start(ctx, trace.Spec{ParentID: root.ID(), Type: protocol.StepQueryExecution})

	messages := []*schema.Message{SystemMessage(a), schema.UserMessage(decision.Query)}
	infos := r.tools.Infos(a)
	var used []string
	seenDocs := make(map[string]bool)

	for hop := 1; hop <= r.cfg.MaxHops; hop++ {
		if err := ctx.Err(); err != nil {
			execution.Fail(err)
			return nil, err
		}
		decision.Hops = hop

		selection := tr.Start(ctx, trace.Spec{ParentID: execution.ID(), Type: protocol.StepRouterSelection, Payload: map[string]any{"hop": hop}})
		sel, err := r.selector.Select(ctx, Turn{
			Assistant: a,
			Query:     decision.Query,
			Hop:       hop,
			Messages:  messages,
			Tools:     infos,
			Used:      used,
		})
		if err != nil {
			err = fmt.Errorf("router hop %d: %w", hop, err)
			selection.Fail(err)
			execution.Fail(err)
			return nil, err
		}
		// Selector usage is reported once on router_synthesis.
		decision.Tokens = decision.Tokens.Add(sel.Tokens)

		if sel.Final != nil {
			selection.Set("decision", string(sel.Final.Pipeline)).End()
			execution.Set("hops", hop).End()
			return sel.Final, nil
		}

		results, err := r.runTools(ctx, tr, selection.ID(), a, decision.Query, sel.Calls)
		if err != nil {
			selection.Fail(err)
			execution.Fail(err)
			return nil, err
		}

		names := make([]string, 0, len(results))
		messages = append(messages, sel.Message)
		for _, res := range results {
			names = append(names, res.Call.Name)
			used = append(used, res.Call.Name)
			messages = append(messages, schema.ToolMessage(res.Content, res.Call.ID))
			for _, doc := range res.Documents {
				if !seenDocs[doc.ID] {
					seenDocs[doc.ID] = true
					decision.Documents = append(decision.Documents, doc)
				}
			}
		}
		selection.Set("tool_calls", names).End()
	}

	execution.Set("hops", decision.Hops).Set("exhausted", true).End()
	return inferChoice(a, used), nil
}

// runTools executes the calls of one hop concurrently. Each task gets its own step and a context
// carrying its tool name. Results keep the call order.
func (r *Router) runTools(ctx context.Context, tr *trace.Tracer, parentID string, a *assistant.Assistant, query string, calls []ToolCall) ([]ToolResult, error) {
	if len(calls) == 0 {
		return nil, fmt.Errorf("selector returned neither tool calls nor a pipeline")
	}

	results := make([]ToolResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ParallelTools)

	for i, call := range calls {
		g.Go(func() error {
			taskCtx := WithToolName(gctx, call.Name)
			span := tr.Start(taskCtx, trace.Spec{
				ParentID: parentID,
				Type:     protocol.StepRetrieval,
				Payload:  map[string]any{"tool_name": ToolNameFrom(taskCtx)},
			})

			res, err := r.tools.Run(taskCtx, a, call, query)
			if err != nil {
				span.Fail(err)
				return err
			}
			span.Set("tool_name", ToolNameFrom(taskCtx))
			if call.Name == ToolSearchDocuments {
				span.Set("source_count", len(res.Documents))
			}
			span.End()
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// inferChoice picks a pipeline after the hop budget ran out: the last lookup tool that hints at an
// enabled pipeline wins, else the assistant default.
func inferChoice(a *assistant.Assistant, used []string) *Choice {
	for i := len(used) - 1; i >= 0; i-- {
		if p, ok := toolPipeline[used[i]]; ok && a.Supports(p) {
			return &Choice{Pipeline: p, Reason: fmt.Sprintf("hop limit reached, inferred from %s", used[i])}
		}
	}
	return &Choice{Pipeline: a.DefaultPipeline, Reason: "hop limit reached, default pipeline"}
}

// complete validates choice against a and fills the pipeline specific fields of decision.
func complete(a *assistant.Assistant, choice *Choice, decision *Decision) error {
	if choice == nil || choice.Pipeline == "" {
		choice = &Choice{Pipeline: a.DefaultPipeline, Reason: "default pipeline"}
	}
	if !a.Supports(choice.Pipeline) {
		return fmt.Errorf("%w: %s", ErrUnsupportedPipeline, choice.Pipeline)
	}

	decision.Pipeline = choice.Pipeline
	decision.Reason = choice.Reason
	switch choice.Pipeline {
	case assistant.PipelineCertifiedSQL:
		decision.View = choice.View
		if _, ok := a.FindView(decision.View); !ok {
			decision.View = pickView(a, decision.Query)
		}
	case assistant.PipelineCSV:
		file, ok := a.FindCSV(choice.File)
		if !ok {
			file, _ = a.FindCSV("")
		}
		decision.File = file.Name
	}
	return nil
}
