// Package trace wraps units of work in step announcements: Start emits a running step, End or
// Fail re-announces the same step id with its terminal status and duration.
package trace

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/insight-desk/backend/pkg/logger"
	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// Sink receives step frames. stream.Emitter satisfies it.
type Sink interface {
	Emit(frame protocol.Frame) error
}

// Observer is told about every terminal step. The prometheus metrics implement it.
type Observer interface {
	ObserveStep(stepType string, status protocol.StepStatus, seconds float64)
}

// Spec identifies a unit of work. An empty ID gets a generated one.
type Spec struct {
	ID       string
	ParentID string
	Type     string
	Payload  map[string]any
}

type record struct {
	event protocol.StepEvent
	start time.Time
	end   time.Time
	ended bool
}

// Tracer keeps the step records of one request. It is safe for concurrent use.
type Tracer struct {
	mu       sync.Mutex
	sink     Sink
	observer Observer
	records  map[string]*record
	order    []string
	sinkErr  error
	now      func() time.Time

	// completed is the synthetic top-level step, kept out of the records so totals never count it.
	completed *protocol.StepEvent
}

// Option customizes a Tracer.
type Option func(*Tracer)

// WithObserver reports terminal steps to o.
func WithObserver(o Observer) Option {
	return func(t *Tracer) { t.observer = o }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) { t.now = now }
}

// New returns a tracer emitting to sink.
func New(sink Sink, opts ...Option) *Tracer {
	t := &Tracer{
		sink:    sink,
		records: make(map[string]*record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start records the ENTRY of a unit of work and announces it as running.
func (t *Tracer) Start(_ context.Context, spec Spec) *Span {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	now := t.now()

	event := protocol.StepEvent{
		StepID:   spec.ID,
		ParentID: spec.ParentID,
		StepType: spec.Type,
		Status:   protocol.StatusRunning,
		Payload:  sanitize(spec.Payload),
	}

	t.mu.Lock()
	if _, exists := t.records[spec.ID]; !exists {
		t.order = append(t.order, spec.ID)
	}
	t.records[spec.ID] = &record{event: event, start: now}
	t.mu.Unlock()

	t.emit(event)
	return &Span{tracer: t, spec: spec, payload: cloneMap(spec.Payload)}
}

// Outcome is the EXIT data of a span.
type Outcome struct {
	Status  protocol.StepStatus
	Tokens  protocol.Tokens
	Payload map[string]any
}

// finish records the EXIT of id. A second call replaces the first: the end time, tokens and
// payload are overwritten, never accumulated.
func (t *Tracer) finish(spec Spec, out Outcome) {
	now := t.now()

	t.mu.Lock()
	rec, ok := t.records[spec.ID]
	if !ok {
		rec = &record{start: now}
		t.records[spec.ID] = rec
		t.order = append(t.order, spec.ID)
	}
	seconds := round(now.Sub(rec.start).Seconds())
	event := protocol.StepEvent{
		StepID:   spec.ID,
		ParentID: spec.ParentID,
		StepType: spec.Type,
		Status:   out.Status,
		Duration: protocol.Seconds(seconds),
		Payload:  sanitize(out.Payload),
	}
	if !out.Tokens.IsZero() {
		tokens := out.Tokens
		event.Tokens = &tokens
	}
	rec.event = event
	rec.end = now
	rec.ended = true
	observer := t.observer
	t.mu.Unlock()

	if observer != nil {
		observer.ObserveStep(spec.Type, out.Status, seconds)
	}
	t.emit(event)
}

// Instant announces a step that starts and ends at once, such as a cache lookup.
func (t *Tracer) Instant(ctx context.Context, spec Spec, out Outcome) *Span {
	span := t.Start(ctx, spec)
	span.Finish(out)
	return span
}

// Complete announces the synthetic top-level completed step carrying the request totals.
func (t *Tracer) Complete(_ context.Context, payload map[string]any) protocol.StepEvent {
	totals := t.Totals()

	event := protocol.StepEvent{
		StepID:   uuid.NewString(),
		StepType: protocol.StepCompleted,
		Status:   protocol.StatusCompleted,
		Duration: protocol.Seconds(round(totals.Duration.Seconds())),
		Payload:  sanitize(payload),
	}
	if !totals.Tokens.IsZero() {
		tokens := totals.Tokens
		event.Tokens = &tokens
	}
	t.mu.Lock()
	t.completed = event.Clone()
	t.mu.Unlock()
	t.emit(event)
	return event
}

// Totals aggregates the recorded steps.
type Totals struct {
	Tokens   protocol.Tokens
	Duration time.Duration
	Steps    int
}

// Totals sums tokens over leaf steps (steps no other step names as parent) and measures the
// duration from the earliest start to the latest end, so concurrent steps are not double counted.
func (t *Tracer) Totals() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()

	parents := make(map[string]bool, len(t.records))
	for _, rec := range t.records {
		if rec.event.ParentID != "" {
			parents[rec.event.ParentID] = true
		}
	}

	var (
		out          Totals
		earliest     time.Time
		latest       time.Time
		haveInterval bool
	)
	for id, rec := range t.records {
		out.Steps++
		if !parents[id] && rec.event.Tokens != nil {
			out.Tokens = out.Tokens.Add(*rec.event.Tokens)
		}
		if earliest.IsZero() || rec.start.Before(earliest) {
			earliest = rec.start
		}
		if rec.ended && rec.end.After(latest) {
			latest = rec.end
			haveInterval = true
		}
	}
	if haveInterval && latest.After(earliest) {
		out.Duration = latest.Sub(earliest)
	}
	return out
}

// Steps returns the latest announcement of every recorded step in start order.
func (t *Tracer) Steps() []protocol.StepEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.StepEvent, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.records[id].event.Clone())
	}
	return out
}

// Tree nests the recorded steps by parent id. Steps whose parent was never recorded stay top level.
// The completed step, once announced, is the last root.
func (t *Tracer) Tree() []*protocol.StepEvent {
	steps := t.Steps()
	t.mu.Lock()
	var completed *protocol.StepEvent
	if t.completed != nil {
		completed = t.completed.Clone()
	}
	t.mu.Unlock()

	nodes := make(map[string]*protocol.StepEvent, len(steps))
	for i := range steps {
		nodes[steps[i].StepID] = &steps[i]
	}

	var roots []*protocol.StepEvent
	for i := range steps {
		node := &steps[i]
		if parent, ok := nodes[node.ParentID]; ok && node.ParentID != "" {
			parent.SubSteps = append(parent.SubSteps, node)
			continue
		}
		roots = append(roots, node)
	}
	if completed != nil {
		roots = append(roots, completed)
	}
	return roots
}

// Err returns the first error the sink reported, typically a disconnected client.
func (t *Tracer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sinkErr
}

func (t *Tracer) emit(event protocol.StepEvent) {
	if t.sink == nil {
		return
	}
	if err := t.sink.Emit(protocol.StepFrame(event)); err != nil {
		t.mu.Lock()
		if t.sinkErr == nil {
			t.sinkErr = err
		}
		t.mu.Unlock()
	}
}

// Span is the handle of a started step.
type Span struct {
	tracer *Tracer
	spec   Spec

	mu      sync.Mutex
	payload map[string]any
	tokens  protocol.Tokens
}

// ID returns the step id, used as parent id by nested work.
func (s *Span) ID() string { return s.spec.ID }

// Type returns the step type.
func (s *Span) Type() string { return s.spec.Type }

// Set adds a payload field announced on EXIT.
func (s *Span) Set(key string, value any) *Span {
	s.mu.Lock()
	if s.payload == nil {
		s.payload = make(map[string]any)
	}
	s.payload[key] = value
	s.mu.Unlock()
	return s
}

// SetTokens sets the token usage announced on EXIT.
func (s *Span) SetTokens(tokens protocol.Tokens) *Span {
	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()
	return s
}

// End announces the step as completed.
func (s *Span) End() {
	s.Finish(Outcome{Status: protocol.StatusCompleted})
}

// Fail announces the step as failed with the error message in payload.error.
func (s *Span) Fail(err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	s.Set("error", msg)
	s.Finish(Outcome{Status: protocol.StatusFailed})
}

// Finish announces the step with out. Payload and tokens set on the span are merged under out.
func (s *Span) Finish(out Outcome) {
	if !out.Status.Terminal() {
		out.Status = protocol.StatusCompleted
	}

	s.mu.Lock()
	payload := cloneMap(s.payload)
	for k, v := range out.Payload {
		if payload == nil {
			payload = make(map[string]any)
		}
		payload[k] = v
	}
	if out.Tokens.IsZero() {
		out.Tokens = s.tokens
	}
	s.mu.Unlock()

	out.Payload = payload
	s.tracer.finish(s.spec, out)
}

// sanitize copies payload without secret-looking keys, recursing into nested maps.
func sanitize(payload map[string]any) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if logger.IsSecretKey(k) {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			v = sanitize(nested)
		}
		if s, ok := v.(string); ok && looksLikeCredential(s) {
			continue
		}
		out[k] = v
	}
	return out
}

func looksLikeCredential(v string) bool {
	lower := strings.ToLower(v)
	return strings.HasPrefix(lower, "bearer ") || strings.HasPrefix(lower, "sk-")
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func round(seconds float64) float64 {
	return math.Round(seconds*1000) / 1000
}
