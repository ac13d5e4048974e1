// Package orchestrator runs one chat turn end to end: cache lookup, routing, the selected
// executor, token streaming, then the bookkeeping steps and the completed step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/insight-desk/backend/internal/model/assistant"
	"github.com/zhouzirui/insight-desk/backend/internal/model/chat"
	"github.com/zhouzirui/insight-desk/backend/internal/observability"
	"github.com/zhouzirui/insight-desk/backend/internal/service/ai"
	"github.com/zhouzirui/insight-desk/backend/internal/service/cache"
	chatservice "github.com/zhouzirui/insight-desk/backend/internal/service/chat"
	"github.com/zhouzirui/insight-desk/backend/internal/service/pipeline"
	"github.com/zhouzirui/insight-desk/backend/internal/service/router"
	"github.com/zhouzirui/insight-desk/backend/internal/service/trace"
	"github.com/zhouzirui/insight-desk/backend/internal/service/trending"
	"github.com/zhouzirui/insight-desk/backend/internal/stream"
	"github.com/zhouzirui/insight-desk/backend/pkg/logger"
	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

var (
	// ErrEmptyMessage is returned for blank questions.
	ErrEmptyMessage = errors.New("message is required")
	// ErrAborted is reported when the client went away mid stream.
	ErrAborted = errors.New("stream aborted by client")
)

// Deps wires the orchestrator. Cache, Trending and Metrics are optional.
type Deps struct {
	Assistants assistant.Store
	History    chatservice.Store
	Cache      *cache.Cache
	Router     *router.Router
	Executors  pipeline.Executors
	Trending   *trending.Service
	Metrics    *observability.Metrics
	Log        *logger.Logger
	// CacheWriteTimeout bounds the background cache write; zero means 10s.
	CacheWriteTimeout time.Duration
}

// Orchestrator is shared by all requests.
type Orchestrator struct {
	deps Deps
	log  *logger.Logger
	wg   sync.WaitGroup
}

// New validates deps.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Assistants == nil || deps.History == nil || deps.Router == nil {
		return nil, fmt.Errorf("orchestrator requires assistants, history and router")
	}
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.CacheWriteTimeout <= 0 {
		deps.CacheWriteTimeout = 10 * time.Second
	}
	return &Orchestrator{deps: deps, log: deps.Log}, nil
}

// Request is one user turn as received by a transport.
type Request struct {
	Message     string
	AssistantID string
	SessionID   string
	Language    string
	// RequestID is echoed as ref in error frames.
	RequestID string
}

// Turn is a resolved request: known assistant, ensured session, loaded history.
type Turn struct {
	Request
	Assistant assistant.Assistant
	Session   chat.Session
	History   []chat.Message
}

// Begin resolves the assistant and session of req. Its errors are client errors reported before
// the stream opens.
func (o *Orchestrator) Begin(ctx context.Context, req Request) (*Turn, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}
	a, ok := o.deps.Assistants.FindByID(req.AssistantID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", assistant.ErrAssistantNotFound, req.AssistantID)
	}
	session, _, err := o.deps.History.EnsureSession(ctx, req.SessionID, a.ID)
	if err != nil {
		return nil, err
	}
	history, err := o.deps.History.LoadTranscript(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return &Turn{Request: req, Assistant: a, Session: session, History: history}, nil
}

// Result summarizes a finished turn.
type Result struct {
	Message  chat.Message
	Cached   bool
	Pipeline assistant.Pipeline
	Outcome  string
	Err      error
}

// run is the state of one turn.
type run struct {
	o      *Orchestrator
	turn   *Turn
	sink   trace.Sink
	tracer *trace.Tracer
	log    *logger.Logger

	text     strings.Builder
	blocks   []protocol.ContentBlock
	sources  []protocol.Source
	viz      *protocol.Visualization
	aborted  bool
	pipeline assistant.Pipeline
}

// emit sends a non-step frame. Once the client is gone every later frame is dropped.
func (r *run) emit(frame protocol.Frame) error {
	if r.aborted {
		return ErrAborted
	}
	if err := r.sink.Emit(frame); err != nil {
		if errors.Is(err, stream.ErrClosed) {
			r.aborted = true
			return ErrAborted
		}
		return err
	}
	return nil
}

func (r *run) token(content string) error {
	if err := r.emit(protocol.TokenFrame(content)); err != nil {
		return err
	}
	r.text.WriteString(content)
	return nil
}

// Run executes turn, writing frames to sink. It never returns before the completed or error frame
// was sent; the background cache write may still be running (see Wait).
func (o *Orchestrator) Run(ctx context.Context, turn *Turn, sink trace.Sink) (res Result) {
	done := o.deps.Metrics.StreamStarted()

	var opts []trace.Option
	if o.deps.Metrics != nil {
		opts = append(opts, trace.WithObserver(o.deps.Metrics))
	}
	r := &run{
		o:      o,
		turn:   turn,
		sink:   sink,
		tracer: trace.New(sink, opts...),
		log:    o.log.With("session_id", turn.Session.ID, "assistant_id", turn.Assistant.ID, "request_id", turn.RequestID),
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("chat turn panicked", "panic", p)
			res = r.fail(ctx, fmt.Errorf("panic: %v", p), protocol.ErrorTechnical)
		}
		done(res.Outcome)
	}()

	if _, err := o.deps.History.SaveMessage(ctx, chat.Message{
		SessionID: turn.Session.ID,
		Sender:    chat.SenderUser,
		Content:   turn.Message,
	}); err != nil {
		r.log.Warn("save user message failed", "error", err)
	}

	if hit, ok := r.lookupCache(ctx); ok {
		return r.serveCached(ctx, hit)
	}
	return r.answer(ctx)
}

// Wait blocks until background cache writes finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (r *run) lookupCache(ctx context.Context) (cache.Result, bool) {
	c := r.o.deps.Cache
	if c == nil {
		return cache.Result{}, false
	}
	_ = r.emit(protocol.StatusFrame(statusMessage(r.turn.Language, "cache")))

	span := r.tracer.Start(ctx, trace.Spec{Type: protocol.StepCacheLookup})
	res, err := c.Lookup(ctx, r.turn.Assistant.ID, r.turn.Message)
	if err != nil {
		// A broken cache is a miss.
		r.log.Warn("cache lookup failed", "error", err)
		span.Set("hit", false).Set("degraded", true).End()
		r.o.deps.Metrics.ObserveCache(false)
		return cache.Result{}, false
	}
	span.Set("hit", res.Hit)
	if res.Hit {
		span.Set("score", res.Score)
	}
	span.End()
	r.o.deps.Metrics.ObserveCache(res.Hit)
	return res, res.Hit
}

// serveCached replays a cached answer in the order a live answer streams it: content blocks and
// the chart descriptor before the text that carries the chart anchor. The chart gets a fresh id so
// the anchor of the original message stays unique within the session.
func (r *run) serveCached(ctx context.Context, hit cache.Result) Result {
	entry := hit.Entry
	text := entry.Answer
	if entry.Visualization != nil {
		viz := *entry.Visualization
		viz.ID = uuid.NewString()
		text = strings.ReplaceAll(text, protocol.ChartAnchor(entry.Visualization.ID), protocol.ChartAnchor(viz.ID))
		r.viz = &viz
	}

	for _, block := range entry.Blocks {
		if err := r.emit(protocol.BlockFrame(block)); err != nil {
			return r.abort(ctx)
		}
		r.blocks = append(r.blocks, block)
	}
	if r.viz != nil {
		if err := r.emit(protocol.VisualizationFrame(*r.viz)); err != nil {
			return r.abort(ctx)
		}
	}
	if err := r.token(text); err != nil {
		return r.abort(ctx)
	}
	r.sources = entry.Sources
	if len(r.sources) > 0 {
		if err := r.emit(protocol.SourcesFrame(r.sources)); err != nil {
			return r.abort(ctx)
		}
	}
	r.tracer.Complete(ctx, map[string]any{"cached": true})
	msg := r.persist(ctx, false)
	return Result{Message: msg, Cached: true, Outcome: observability.OutcomeCached}
}

func (r *run) answer(ctx context.Context) Result {
	turn := r.turn
	_ = r.emit(protocol.StatusFrame(statusMessage(turn.Language, "routing")))

	decision, err := r.o.deps.Router.Route(ctx, r.tracer, router.Request{
		Assistant: &turn.Assistant,
		Query:     turn.Message,
		History:   turn.History,
	})
	if err != nil {
		return r.fail(ctx, err, protocol.ErrorFunctional)
	}
	r.pipeline = decision.Pipeline

	exec, err := r.o.deps.Executors.For(decision.Pipeline)
	if err != nil {
		return r.fail(ctx, err, protocol.ErrorTechnical)
	}
	_ = r.emit(protocol.StatusFrame(statusMessage(turn.Language, "answering")))

	answer, err := exec.Prepare(ctx, &pipeline.Run{
		Tracer:    r.tracer,
		Assistant: &turn.Assistant,
		Decision:  decision,
		History:   turn.History,
	})
	if err != nil {
		return r.fail(ctx, err, protocol.ErrorFunctional)
	}

	for _, block := range answer.Blocks {
		if err := r.emit(protocol.BlockFrame(block)); err != nil {
			return r.abort(ctx)
		}
		r.blocks = append(r.blocks, block)
	}

	if err := r.relay(ctx, answer); err != nil {
		if errors.Is(err, ErrAborted) {
			return r.abort(ctx)
		}
		return r.fail(ctx, err, protocol.ErrorTechnical)
	}

	r.sources = answer.Sources
	if len(r.sources) > 0 {
		if err := r.emit(protocol.SourcesFrame(r.sources)); err != nil {
			return r.abort(ctx)
		}
	}

	r.viz = answer.Visualization
	if r.viz == nil && answer.ChartFromText {
		viz, _, err := pipeline.ExtractChart(r.text.String())
		if err != nil {
			r.log.Debug("ignoring malformed chart block", "error", err)
		}
		r.viz = viz
	}
	if r.viz != nil {
		if err := r.emit(protocol.VisualizationFrame(*r.viz)); err != nil {
			return r.abort(ctx)
		}
		if err := r.token("\n\n" + protocol.ChartAnchor(r.viz.ID)); err != nil {
			return r.abort(ctx)
		}
	}

	sheet := r.techSheet(decision)
	if err := r.emit(protocol.BlockFrame(sheet)); err != nil {
		return r.abort(ctx)
	}
	r.blocks = append(r.blocks, sheet)

	r.recordTrending(ctx, decision)

	span := r.tracer.Start(ctx, trace.Spec{Type: protocol.StepAssistantPersistence})
	msg := r.persistWith(ctx, false, span)

	r.scheduleCacheWrite(ctx, decision)

	completed := r.tracer.Complete(ctx, map[string]any{
		"cached":   false,
		"pipeline": string(decision.Pipeline),
	})
	if completed.Tokens != nil {
		r.o.deps.Metrics.ObserveTokens(*completed.Tokens)
	}
	msg = r.storeFinalSteps(ctx, msg)
	return Result{Message: msg, Pipeline: decision.Pipeline, Outcome: observability.OutcomeAnswered}
}

// storeFinalSteps rewrites the stored step tree once cache_update and completed were announced, so
// a reloaded message shows the same steps as the live stream.
func (r *run) storeFinalSteps(ctx context.Context, msg chat.Message) chat.Message {
	if msg.ID == "" {
		return msg
	}
	steps := r.tracer.Tree()
	if err := r.o.deps.History.UpdateSteps(context.WithoutCancel(ctx), msg.SessionID, msg.ID, steps); err != nil {
		r.log.Warn("update stored steps failed", "error", err)
		return msg
	}
	msg.Steps = steps
	return msg
}

// relay drains the answer stream inside the streaming step.
func (r *run) relay(ctx context.Context, answer *pipeline.Answer) error {
	span := r.tracer.Start(ctx, trace.Spec{Type: protocol.StepStreaming})
	chunks := 0
	_, tokens, err := ai.Drain(answer.Stream, func(chunk string) error {
		if err := ctx.Err(); err != nil {
			return ErrAborted
		}
		chunks++
		return r.token(chunk)
	})
	span.SetTokens(tokens).Set("chunks", chunks)
	if err != nil {
		span.Fail(err)
		return err
	}
	span.End()
	return nil
}

func (r *run) techSheet(decision router.Decision) protocol.ContentBlock {
	totals := r.tracer.Totals()
	data := map[string]any{
		"pipeline":      string(decision.Pipeline),
		"reason":        decision.Reason,
		"hops":          decision.Hops,
		"input_tokens":  totals.Tokens.Input,
		"output_tokens": totals.Tokens.Output,
		"steps":         totals.Steps,
	}
	if decision.View != "" {
		data["view"] = decision.View
	}
	if decision.File != "" {
		data["file"] = decision.File
	}
	return protocol.ContentBlock{Type: protocol.BlockTechSheet, Data: data}
}

func (r *run) recordTrending(ctx context.Context, decision router.Decision) {
	svc := r.o.deps.Trending
	if svc == nil {
		return
	}
	span := r.tracer.Start(ctx, trace.Spec{Type: protocol.StepTrending})
	if err := svc.Record(ctx, r.turn.Assistant.ID, string(decision.Pipeline), r.turn.Message); err != nil {
		r.log.Warn("record trending failed", "error", err)
		span.Fail(err)
		return
	}
	span.End()
}

// scheduleCacheWrite announces the cache update and performs it in the background with a detached,
// time-bounded context. Rewritten follow-ups are not cached: their meaning depends on history.
func (r *run) scheduleCacheWrite(ctx context.Context, decision router.Decision) {
	c := r.o.deps.Cache
	if c == nil {
		return
	}
	if decision.Query != r.turn.Message {
		r.tracer.Instant(ctx, trace.Spec{Type: protocol.StepCacheUpdate}, trace.Outcome{
			Status:  protocol.StatusCompleted,
			Payload: map[string]any{"skipped": "follow-up"},
		})
		return
	}

	r.tracer.Instant(ctx, trace.Spec{Type: protocol.StepCacheUpdate}, trace.Outcome{
		Status:  protocol.StatusCompleted,
		Payload: map[string]any{"async": true},
	})

	assistantID, sessionID, query := r.turn.Assistant.ID, r.turn.Session.ID, r.turn.Message
	answer := cache.Answer{
		Text:    r.text.String(),
		Sources: append([]protocol.Source(nil), r.sources...),
		Blocks:  append([]protocol.ContentBlock(nil), r.blocks...),
	}
	if r.viz != nil {
		viz := *r.viz
		answer.Visualization = &viz
	}
	log := r.log
	timeout := r.o.deps.CacheWriteTimeout

	r.o.wg.Add(1)
	go func() {
		defer r.o.wg.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := c.Save(writeCtx, assistantID, sessionID, query, answer); err != nil {
			log.Warn("cache write failed", "error", err)
		}
	}()
}

func (r *run) persist(ctx context.Context, failed bool) chat.Message {
	return r.persistWith(ctx, failed, nil)
}

// persistWith stores the bot message. When span is set it brackets the write and is recorded as
// completed in the stored tree.
func (r *run) persistWith(ctx context.Context, failed bool, span *trace.Span) chat.Message {
	steps := r.tracer.Tree()
	if span != nil {
		if own := protocol.Find(steps, span.ID()); own != nil {
			own.Status = protocol.StatusCompleted
		}
	}

	text := r.text.String()
	blocks := append([]protocol.ContentBlock(nil), r.blocks...)
	if text != "" {
		blocks = append([]protocol.ContentBlock{{Type: protocol.BlockText, Data: text}}, blocks...)
	}

	msg, err := r.o.deps.History.SaveMessage(context.WithoutCancel(ctx), chat.Message{
		SessionID:     r.turn.Session.ID,
		Sender:        chat.SenderBot,
		Content:       text,
		ContentBlocks: blocks,
		Steps:         steps,
		Sources:       r.sources,
		Visualization: r.viz,
		Failed:        failed,
	})
	if err != nil {
		r.log.Warn("save bot message failed", "error", err)
		if span != nil {
			span.Fail(err)
		}
		return chat.Message{}
	}
	if span != nil {
		span.Set("message_id", msg.ID).End()
	}
	return msg
}

// fail ends the turn with an error frame. Functional errors are translated, technical ones carry
// only a generic marker and the request id.
func (r *run) fail(ctx context.Context, err error, kind protocol.ErrorKind) Result {
	if r.aborted || errors.Is(err, ErrAborted) || errors.Is(ctx.Err(), context.Canceled) {
		return r.abort(ctx)
	}
	r.log.Warn("chat turn failed", "pipeline", r.pipeline, "kind", kind, "error", err)

	message := technicalMessage
	if kind == protocol.ErrorFunctional {
		message = functionalMessage(r.turn.Language, err)
	}
	_ = r.emit(protocol.ErrorFrame(kind, message, r.turn.RequestID))

	msg := r.persist(ctx, true)
	return Result{Message: msg, Pipeline: r.pipeline, Outcome: observability.OutcomeFailed, Err: err}
}

// abort stops after the client disconnected. The partial answer is kept as a failed message.
func (r *run) abort(ctx context.Context) Result {
	r.aborted = true
	r.log.Info("chat stream aborted by client", "chars", r.text.Len())
	msg := r.persist(ctx, true)
	return Result{Message: msg, Pipeline: r.pipeline, Outcome: observability.OutcomeAborted, Err: ErrAborted}
}
