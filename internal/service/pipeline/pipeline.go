// Package pipeline holds the answer executors. Each executor announces its retrieval work, then
// opens the synthesis stream the orchestrator relays as token frames.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/insight-desk/backend/internal/model/assistant"
	"github.com/zhouzirui/insight-desk/backend/internal/model/chat"
	"github.com/zhouzirui/insight-desk/backend/internal/service/router"
	"github.com/zhouzirui/insight-desk/backend/internal/service/trace"
	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// ErrNoExecutor is returned when no executor serves a pipeline.
var ErrNoExecutor = errors.New("no executor for pipeline")

// Run is the input of one executor run.
type Run struct {
	Tracer    *trace.Tracer
	Assistant *assistant.Assistant
	Decision  router.Decision
	History   []chat.Message
}

// Answer is what an executor hands back before streaming starts.
type Answer struct {
	// Stream yields the answer text. The orchestrator drains it inside the streaming step.
	Stream        *schema.StreamReader[*schema.Message]
	Sources       []protocol.Source
	Blocks        []protocol.ContentBlock
	Visualization *protocol.Visualization
	// ChartFromText asks the caller to look for a fenced chart block in the streamed text.
	ChartFromText bool
}

// Executor prepares the answer of one pipeline family.
type Executor interface {
	Prepare(ctx context.Context, run *Run) (*Answer, error)
}

// Executors maps pipelines to executors.
type Executors map[assistant.Pipeline]Executor

// For returns the executor of p.
func (e Executors) For(p assistant.Pipeline) (Executor, error) {
	exec, ok := e[p]
	if !ok || exec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoExecutor, p)
	}
	return exec, nil
}

// synthesize announces the synthesis step around opening the answer stream.
func synthesize(ctx context.Context, run *Run, synth Synthesizer, contextText string) (*schema.StreamReader[*schema.Message], error) {
	span := run.Tracer.Start(ctx, trace.Spec{
		Type: protocol.StepSynthesis,
		Payload: map[string]any{
			"synthesizer": synth.Name(),
			"pipeline":    string(run.Decision.Pipeline),
		},
	})

	stream, err := synth.Synthesize(ctx, SynthesisRequest{
		Assistant: run.Assistant,
		History:   run.History,
		Query:     run.Decision.Query,
		Context:   contextText,
	})
	if err != nil {
		span.Fail(err)
		return nil, fmt.Errorf("synthesis: %w", err)
	}
	span.Set("context_chars", len(contextText)).End()
	return stream, nil
}

// renderTable writes rows as a pipe separated text table for prompts.
func renderTable(columns []string, rows [][]any, truncated bool) string {
	var b strings.Builder
	b.WriteString(strings.Join(columns, " | "))
	b.WriteByte('\n')
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprint(v)
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteByte('\n')
	}
	if truncated {
		b.WriteString("(more rows omitted)\n")
	}
	return b.String()
}
