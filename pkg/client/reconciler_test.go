package client

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

func step(id, parent, typ string, status protocol.StepStatus) protocol.Frame {
	return protocol.StepFrame(protocol.StepEvent{StepID: id, ParentID: parent, StepType: typ, Status: status})
}

func fold(frames ...protocol.Frame) (*Message, *Reconciler) {
	msg := &Message{Sender: SenderBot}
	rec := NewReconciler(msg, Observer{}, LabelsFor("en"))
	for _, f := range frames {
		rec.Apply(f)
	}
	return msg, rec
}

func TestReconcilerBasicScenario(t *testing.T) {
	completed := protocol.StepEvent{StepID: "s1", StepType: protocol.StepRetrieval, Status: protocol.StatusCompleted, Duration: protocol.Seconds(0.4)}
	msg, _ := fold(
		step("s1", "", protocol.StepRetrieval, protocol.StatusRunning),
		protocol.TokenFrame("Hel"),
		protocol.TokenFrame("lo"),
		protocol.StepFrame(completed),
		protocol.SourcesFrame([]protocol.Source{{ID: "d1", Text: "...", Metadata: map[string]any{"file_name": "a.pdf"}}}),
	)

	assert.Equal(t, "Hello", msg.Text)
	require.Len(t, msg.Steps, 1)
	assert.Equal(t, "s1", msg.Steps[0].StepID)
	assert.Equal(t, protocol.StatusCompleted, msg.Steps[0].Status)
	require.NotNil(t, msg.Steps[0].Duration)
	assert.InDelta(t, 0.4, *msg.Steps[0].Duration, 1e-9)
	require.Len(t, msg.Sources, 1)
	assert.Equal(t, DisplayPDF, msg.Sources[0].DisplayType)
	require.Len(t, msg.Blocks, 1)
	assert.Equal(t, "Hello", msg.Blocks[0].Data)
}

func TestReconcilerReannouncementReplaces(t *testing.T) {
	done := protocol.StepEvent{StepID: "r", StepType: protocol.StepRouter, Status: protocol.StatusCompleted,
		Duration: protocol.Seconds(1.2), Tokens: &protocol.Tokens{Input: 30, Output: 5}}
	msg, _ := fold(
		step("r", "", protocol.StepRouter, protocol.StatusRunning),
		step("c", "r", protocol.StepRouterSelection, protocol.StatusRunning),
		protocol.StepFrame(done),
		protocol.StepFrame(done),
	)

	require.Len(t, msg.Steps, 1)
	root := msg.Steps[0]
	assert.Equal(t, protocol.StatusCompleted, root.Status)
	assert.Equal(t, &protocol.Tokens{Input: 30, Output: 5}, root.Tokens)
	require.Len(t, root.SubSteps, 1, "sub steps survive a re-announcement without children")
	assert.Equal(t, "c", root.SubSteps[0].StepID)
}

func TestReconcilerReannouncementKeepsOmittedFields(t *testing.T) {
	enriched := protocol.StepEvent{StepID: "s1", StepType: protocol.StepRetrieval, Status: protocol.StatusCompleted,
		Duration: protocol.Seconds(0.4), Tokens: &protocol.Tokens{Input: 5, Output: 7},
		Payload: map[string]any{"tool_name": "vector_search"}}
	msg, _ := fold(
		protocol.StepFrame(enriched),
		step("s1", "", protocol.StepRetrieval, protocol.StatusFailed),
	)

	require.Len(t, msg.Steps, 1)
	got := msg.Steps[0]
	assert.Equal(t, protocol.StatusFailed, got.Status)
	require.NotNil(t, got.Duration)
	assert.InDelta(t, 0.4, *got.Duration, 1e-9)
	assert.Equal(t, &protocol.Tokens{Input: 5, Output: 7}, got.Tokens)
	assert.Equal(t, "vector_search", got.Payload["tool_name"])
	assert.Equal(t, "Retrieval: searching documents", got.Label)
}

func TestReconcilerLateRunningFillsTerminalStep(t *testing.T) {
	running := protocol.StepEvent{StepID: "s1", StepType: protocol.StepRetrieval, Status: protocol.StatusRunning,
		Payload: map[string]any{"tool_name": "vector_search"}}
	msg, _ := fold(
		step("s1", "", protocol.StepRetrieval, protocol.StatusCompleted),
		protocol.StepFrame(running),
	)

	require.Len(t, msg.Steps, 1)
	assert.Equal(t, protocol.StatusCompleted, msg.Steps[0].Status)
	assert.Equal(t, "vector_search", msg.Steps[0].Payload["tool_name"])
	assert.Equal(t, "Retrieval: searching documents", msg.Steps[0].Label)
}

func TestReconcilerAbortPromotesOrphans(t *testing.T) {
	msg, rec := fold(
		protocol.TokenFrame("partial"),
		step("c1", "missing", protocol.StepRetrieval, protocol.StatusRunning),
	)
	require.Equal(t, 1, rec.Pending())

	rec.Abort(AbortMarker)

	assert.True(t, msg.Done)
	assert.True(t, msg.Aborted)
	assert.True(t, msg.Failed)
	assert.Contains(t, msg.Text, AbortMarker)
	assert.Equal(t, 0, rec.Pending())
	require.Len(t, msg.Steps, 1)
	assert.Equal(t, "c1", msg.Steps[0].StepID)
}

func TestReconcilerNestsRecursively(t *testing.T) {
	msg, _ := fold(
		step("r", "", protocol.StepRouter, protocol.StatusRunning),
		step("e", "r", protocol.StepQueryExecution, protocol.StatusRunning),
		step("h", "e", protocol.StepRouterSelection, protocol.StatusRunning),
		step("t1", "h", protocol.StepRetrieval, protocol.StatusRunning),
		step("t1", "h", protocol.StepRetrieval, protocol.StatusCompleted),
	)
	require.Len(t, msg.Steps, 1)
	leaf := protocol.Find(msg.Steps, "t1")
	require.NotNil(t, leaf)
	assert.Equal(t, protocol.StatusCompleted, leaf.Status)
	assert.Len(t, msg.Steps[0].SubSteps[0].SubSteps[0].SubSteps, 1)
}

func TestReconcilerOrphanWaitsForParent(t *testing.T) {
	msg, rec := fold(
		step("child", "router1", protocol.StepRetrieval, protocol.StatusRunning),
		step("grandchild", "child", protocol.StepSQLGeneration, protocol.StatusCompleted),
	)
	assert.Empty(t, msg.Steps, "orphans are parked, not shown at top level")
	assert.Equal(t, 2, rec.Pending())

	rec.Apply(step("child", "router1", protocol.StepRetrieval, protocol.StatusCompleted))
	rec.Apply(step("router1", "", protocol.StepRouter, protocol.StatusRunning))

	assert.Zero(t, rec.Pending())
	require.Len(t, msg.Steps, 1)
	require.Len(t, msg.Steps[0].SubSteps, 1)
	child := msg.Steps[0].SubSteps[0]
	assert.Equal(t, "child", child.StepID)
	assert.Equal(t, protocol.StatusCompleted, child.Status)
	require.Len(t, child.SubSteps, 1)
	assert.Equal(t, "grandchild", child.SubSteps[0].StepID)
}

func TestReconcilerPromotesOrphansAtEnd(t *testing.T) {
	msg, rec := fold(
		step("a", "", protocol.StepCacheLookup, protocol.StatusCompleted),
		step("lost", "never", protocol.StepRetrieval, protocol.StatusCompleted),
		step("done", "", protocol.StepCompleted, protocol.StatusCompleted),
	)
	assert.Zero(t, rec.Pending())
	assert.True(t, msg.Done)
	ids := []string{}
	for _, s := range msg.Steps {
		ids = append(ids, s.StepID)
	}
	assert.Equal(t, []string{"a", "done", "lost"}, ids)
}

func TestReconcilerIgnoresFramesAfterDone(t *testing.T) {
	msg, rec := fold(
		protocol.TokenFrame("answer"),
		step("done", "", protocol.StepCompleted, protocol.StatusCompleted),
	)
	rec.Apply(protocol.TokenFrame(" late"))
	rec.Apply(step("x", "", protocol.StepRetrieval, protocol.StatusRunning))
	assert.Equal(t, "answer", msg.Text)
	assert.Len(t, msg.Steps, 1)
}

func TestReconcilerErrorFrames(t *testing.T) {
	msg, _ := fold(
		protocol.TokenFrame("partial"),
		protocol.ErrorFrame(protocol.ErrorFunctional, "Je n'ai pas pu répondre", "req-1"),
	)
	assert.True(t, msg.Failed)
	assert.True(t, msg.Done)
	assert.Equal(t, "partial\n\n⚠ Je n'ai pas pu répondre", msg.Text)

	msg, _ = fold(protocol.ErrorFrame(protocol.ErrorTechnical, "technical error", "req-2"))
	assert.Equal(t, "⚠ [technical error] technical error (ref: req-2)", msg.Text)
	assert.Equal(t, "req-2", msg.Ref)
}

func TestReconcilerObserverOrder(t *testing.T) {
	var events []string
	msg := &Message{}
	rec := NewReconciler(msg, Observer{
		OnStatus:        func(m string) { events = append(events, "status:"+m) },
		OnToken:         func(c string) { events = append(events, "token:"+c) },
		OnStep:          func(s *protocol.StepEvent) { events = append(events, "step:"+s.Label) },
		OnBlock:         func(b protocol.ContentBlock) { events = append(events, "block:"+string(b.Type)) },
		OnSources:       func(s []protocol.Source) { events = append(events, fmt.Sprintf("sources:%d", len(s))) },
		OnVisualization: func(v protocol.Visualization) { events = append(events, "viz:"+v.ID) },
		OnDone:          func(*Message) { events = append(events, "done") },
	}, LabelsFor("en"))

	rec.Apply(protocol.StatusFrame("Routing"))
	rec.Apply(protocol.TokenFrame("a"))
	rec.Apply(protocol.BlockFrame(protocol.ContentBlock{Type: protocol.BlockTechSheet, Data: map[string]any{}}))
	rec.Apply(protocol.VisualizationFrame(protocol.Visualization{ID: "v1", Chart: "bar"}))
	rec.Apply(protocol.SourcesFrame(nil))
	rec.Apply(step("done", "", protocol.StepCompleted, protocol.StatusCompleted))

	assert.Equal(t, []string{
		"status:Routing", "token:a", "block:tech-sheet", "viz:v1", "sources:0", "step:Done", "done",
	}, events)
	assert.Equal(t, "v1", msg.Visualization.ID)
	assert.Empty(t, msg.StatusMessage)
}

func TestReconcilerTokensAreAdditive(t *testing.T) {
	chunks := []string{"The ", "answer", " is ", "42", ".", "\n\n", "<div data-chart-id=\"v\"></div>"}
	frames := []protocol.Frame{step("s", "", protocol.StepStreaming, protocol.StatusRunning)}
	for i, c := range chunks {
		frames = append(frames, protocol.TokenFrame(c))
		if i == 2 {
			frames = append(frames, protocol.BlockFrame(protocol.ContentBlock{Type: protocol.BlockTable, Data: protocol.Table{}}))
		}
	}
	msg, _ := fold(frames...)
	assert.Equal(t, strings.Join(chunks, ""), msg.Text)

	var fromBlocks strings.Builder
	for _, b := range msg.Blocks {
		if b.Type == protocol.BlockText {
			fromBlocks.WriteString(b.Data.(string))
		}
	}
	assert.Equal(t, msg.Text, fromBlocks.String())
}

// treeFrames is a router-shaped trace: every step announced running then completed.
func treeFrames() []protocol.Frame {
	type node struct{ id, parent, typ string }
	nodes := []node{
		{"cache", "", protocol.StepCacheLookup},
		{"router", "", protocol.StepRouter},
		{"rewrite", "router", protocol.StepQueryRewrite},
		{"exec", "router", protocol.StepQueryExecution},
		{"hop1", "exec", protocol.StepRouterSelection},
		{"t1", "hop1", protocol.StepRetrieval},
		{"t2", "hop1", protocol.StepRetrieval},
		{"t3", "hop1", protocol.StepRetrieval},
		{"synth", "router", protocol.StepRouterSynthesis},
		{"answer", "", protocol.StepSynthesis},
	}
	var frames []protocol.Frame
	for i, n := range nodes {
		frames = append(frames, step(n.id, n.parent, n.typ, protocol.StatusRunning))
		done := protocol.StepEvent{StepID: n.id, ParentID: n.parent, StepType: n.typ, Status: protocol.StatusCompleted,
			Duration: protocol.Seconds(float64(i) / 10), Tokens: &protocol.Tokens{Input: i, Output: 1}}
		frames = append(frames, protocol.StepFrame(done))
	}
	return frames
}

// canonical renders a tree independently of sibling order.
func canonical(steps []*protocol.StepEvent) string {
	var lines []string
	protocol.Walk(steps, func(s *protocol.StepEvent) bool {
		var children []string
		for _, c := range s.SubSteps {
			children = append(children, c.StepID)
		}
		sort.Strings(children)
		d := 0.0
		if s.Duration != nil {
			d = *s.Duration
		}
		lines = append(lines, fmt.Sprintf("%s<%s %s %s %.1f %v [%s]", s.StepID, s.ParentID, s.StepType, s.Status, d, s.Tokens, strings.Join(children, ",")))
		return true
	})
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

func TestReconcilerOrderIndependent(t *testing.T) {
	frames := treeFrames()
	want, _ := fold(frames...)
	wantTree := canonical(want.Steps)

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		shuffled := append([]protocol.Frame(nil), frames...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		ordered := parentFirst(shuffled)

		got, rec := fold(ordered...)
		require.Zero(t, rec.Pending())
		assert.Equal(t, wantTree, canonical(got.Steps), "round %d", round)
	}
}

func TestReconcilerOrphanOrderMatchesArrivalOrder(t *testing.T) {
	frames := treeFrames()
	want, _ := fold(frames...)

	reversed := make([]protocol.Frame, len(frames))
	for i, f := range frames {
		reversed[len(frames)-1-i] = f
	}
	got, rec := fold(reversed...)
	assert.Zero(t, rec.Pending())
	assert.Equal(t, canonical(want.Steps), canonical(got.Steps))
}

// parentFirst stably moves every step after the first frame of its parent.
func parentFirst(frames []protocol.Frame) []protocol.Frame {
	seen := map[string]bool{}
	var out, waiting []protocol.Frame
	for _, f := range frames {
		waiting = append(waiting, f)
		for progress := true; progress; {
			progress = false
			for i, w := range waiting {
				if w.ParentID == "" || seen[w.ParentID] {
					out = append(out, w)
					seen[w.StepID] = true
					waiting = append(waiting[:i], waiting[i+1:]...)
					progress = true
					break
				}
			}
		}
	}
	return append(out, waiting...)
}
