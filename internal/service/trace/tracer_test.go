package trace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []protocol.Frame
	err    error
}

func (s *recordingSink) Emit(f protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return s.err
}

func (s *recordingSink) steps() []protocol.StepEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.StepEvent
	for _, f := range s.frames {
		if f.Type == protocol.FrameStep {
			out = append(out, *f.StepEvent)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

type countingObserver struct {
	mu    sync.Mutex
	calls map[string]int
}

func (o *countingObserver) ObserveStep(stepType string, _ protocol.StepStatus, _ float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = map[string]int{}
	}
	o.calls[stepType]++
}

func TestSpanEntryExit(t *testing.T) {
	sink := &recordingSink{}
	clock := newClock()
	tr := New(sink, WithClock(clock.Now))

	span := tr.Start(context.Background(), Spec{ID: "s1", Type: protocol.StepRetrieval, Payload: map[string]any{"tool_name": "search_documents"}})
	clock.Advance(400 * time.Millisecond)
	span.Set("source_count", 3).SetTokens(protocol.Tokens{Input: 5, Output: 1})
	span.End()

	steps := sink.steps()
	require.Len(t, steps, 2)
	assert.Equal(t, protocol.StatusRunning, steps[0].Status)
	assert.Nil(t, steps[0].Duration)

	done := steps[1]
	assert.Equal(t, "s1", done.StepID)
	assert.Equal(t, protocol.StatusCompleted, done.Status)
	require.NotNil(t, done.Duration)
	assert.InDelta(t, 0.4, *done.Duration, 1e-9)
	assert.Equal(t, 3, done.Payload["source_count"])
	assert.Equal(t, "search_documents", done.Payload["tool_name"])
	assert.Equal(t, &protocol.Tokens{Input: 5, Output: 1}, done.Tokens)
}

func TestDoubleExitReplacesInsteadOfAccumulating(t *testing.T) {
	clock := newClock()
	obs := &countingObserver{}
	tr := New(&recordingSink{}, WithClock(clock.Now), WithObserver(obs))

	span := tr.Start(context.Background(), Spec{ID: "s1", Type: protocol.StepSynthesis})
	clock.Advance(time.Second)
	span.SetTokens(protocol.Tokens{Input: 10, Output: 20})
	span.End()
	span.End()

	totals := tr.Totals()
	assert.Equal(t, protocol.Tokens{Input: 10, Output: 20}, totals.Tokens)
	assert.Equal(t, time.Second, totals.Duration)
	assert.Equal(t, 1, totals.Steps)
	assert.Len(t, tr.Steps(), 1)
	assert.Equal(t, 2, obs.calls[protocol.StepSynthesis])
}

func TestTotalsUseLeavesAndWallClock(t *testing.T) {
	clock := newClock()
	tr := New(nil, WithClock(clock.Now))
	ctx := context.Background()

	router := tr.Start(ctx, Spec{ID: "router", Type: protocol.StepRouter})
	a := tr.Start(ctx, Spec{ID: "a", ParentID: "router", Type: protocol.StepRetrieval})
	b := tr.Start(ctx, Spec{ID: "b", ParentID: "router", Type: protocol.StepRetrieval})

	clock.Advance(2 * time.Second)
	a.SetTokens(protocol.Tokens{Input: 3, Output: 1})
	a.End()
	b.SetTokens(protocol.Tokens{Input: 4, Output: 2})
	b.End()

	clock.Advance(time.Second)
	// 父节点的 token 不计入叶子合计。
	router.SetTokens(protocol.Tokens{Input: 100, Output: 100})
	router.End()

	totals := tr.Totals()
	assert.Equal(t, protocol.Tokens{Input: 7, Output: 3}, totals.Tokens)
	assert.Equal(t, 3*time.Second, totals.Duration, "concurrent children must not be summed")

	tree := tr.Tree()
	require.Len(t, tree, 1)
	assert.Len(t, tree[0].SubSteps, 2)
}

func TestFailCarriesErrorAndStripsSecrets(t *testing.T) {
	sink := &recordingSink{}
	tr := New(sink)

	span := tr.Start(context.Background(), Spec{Type: protocol.StepSQLExecution, Payload: map[string]any{
		"api_key": "sk-123",
		"query":   "SELECT 1",
		"nested":  map[string]any{"password": "p", "rows": 2},
		"header":  "Bearer abc",
	}})
	span.Fail(errors.New("relation does not exist"))

	steps := sink.steps()
	require.Len(t, steps, 2)
	assert.NotEmpty(t, steps[0].StepID)
	for _, step := range steps {
		assert.NotContains(t, step.Payload, "api_key")
		assert.NotContains(t, step.Payload, "header")
		assert.Equal(t, map[string]any{"rows": 2}, step.Payload["nested"])
	}
	assert.Equal(t, protocol.StatusFailed, steps[1].Status)
	assert.Equal(t, "relation does not exist", steps[1].Payload["error"])
}

func TestCompleteCarriesTotals(t *testing.T) {
	sink := &recordingSink{}
	clock := newClock()
	tr := New(sink, WithClock(clock.Now))

	span := tr.Start(context.Background(), Spec{Type: protocol.StepSynthesis})
	clock.Advance(1500 * time.Millisecond)
	span.SetTokens(protocol.Tokens{Input: 2, Output: 8})
	span.End()

	done := tr.Complete(context.Background(), map[string]any{"pipeline": "rag"})
	assert.Equal(t, protocol.StepCompleted, done.StepType)
	assert.Empty(t, done.ParentID)
	require.NotNil(t, done.Duration)
	assert.InDelta(t, 1.5, *done.Duration, 1e-9)
	assert.Equal(t, &protocol.Tokens{Input: 2, Output: 8}, done.Tokens)

	steps := sink.steps()
	assert.Equal(t, protocol.StepCompleted, steps[len(steps)-1].StepType)

	tree := tr.Tree()
	require.Len(t, tree, 2)
	assert.Equal(t, done.StepID, tree[1].StepID)
	assert.Equal(t, &protocol.Tokens{Input: 2, Output: 8}, tree[1].Tokens)
	assert.Equal(t, protocol.Tokens{Input: 2, Output: 8}, tr.Totals().Tokens, "completed step is not a leaf of the totals")
}

func TestSinkErrorIsRemembered(t *testing.T) {
	gone := errors.New("client gone")
	tr := New(&recordingSink{err: gone})
	tr.Start(context.Background(), Spec{Type: protocol.StepRouter}).End()
	assert.ErrorIs(t, tr.Err(), gone)
}

func TestConcurrentSpans(t *testing.T) {
	tr := New(&recordingSink{})
	ctx := context.Background()
	parent := tr.Start(ctx, Spec{ID: "hop", Type: protocol.StepRouterSelection})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			span := tr.Start(ctx, Spec{ParentID: parent.ID(), Type: protocol.StepRetrieval})
			span.SetTokens(protocol.Tokens{Input: 1})
			span.End()
		}()
	}
	wg.Wait()
	parent.End()

	assert.Equal(t, 16, tr.Totals().Tokens.Input)
	assert.Equal(t, 17, tr.Totals().Steps)
}
