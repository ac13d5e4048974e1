package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zhouzirui/insight-desk/backend/internal/service/ai"
	"github.com/zhouzirui/insight-desk/backend/internal/service/analytics"
	"github.com/zhouzirui/insight-desk/backend/internal/service/trace"
	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// ChartPlanner proposes a chart plan for a dataset.
type ChartPlanner interface {
	Plan(ctx context.Context, question string, profile analytics.Profile) (analytics.ChartPlan, protocol.Tokens, error)
}

// LLMChartPlanner asks the chat model for a JSON chart plan.
type LLMChartPlanner struct {
	AI *ai.Service
}

const planPrompt = `You plan one chart for a CSV file. The file profile is:
%s
Reply with JSON only: {"chart":"bar|line|pie","title":"...","dimension":"<text column>",
"measures":["<numeric column>"],"agg":"sum|avg|count"}`

func (p *LLMChartPlanner) Plan(ctx context.Context, question string, profile analytics.Profile) (analytics.ChartPlan, protocol.Tokens, error) {
	raw, err := json.Marshal(profile)
	if err != nil {
		return analytics.ChartPlan{}, protocol.Tokens{}, fmt.Errorf("marshal profile: %w", err)
	}
	msg, err := p.AI.Generate(ctx, ai.Prompt{System: fmt.Sprintf(planPrompt, raw), Query: question})
	if err != nil {
		return analytics.ChartPlan{}, protocol.Tokens{}, err
	}
	tokens := ai.Usage(msg)

	content := msg.Content
	start, end := strings.Index(content, "{"), strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return analytics.ChartPlan{}, tokens, fmt.Errorf("chart plan is not JSON")
	}
	var plan analytics.ChartPlan
	if err := json.Unmarshal([]byte(content[start:end+1]), &plan); err != nil {
		return analytics.ChartPlan{}, tokens, fmt.Errorf("parse chart plan: %w", err)
	}
	return plan, tokens, nil
}

// CSV answers from a tabular file and always produces a chart.
type CSV struct {
	Catalog *analytics.Catalog
	// Planner may be nil; the heuristic plan is used then and whenever the planner's plan is unusable.
	Planner     ChartPlanner
	Synthesizer Synthesizer
}

func (e *CSV) Prepare(ctx context.Context, run *Run) (*Answer, error) {
	span := run.Tracer.Start(ctx, trace.Spec{Type: protocol.StepCSVSchemaRetrieval, Payload: map[string]any{"file": run.Decision.File}})

	ds, err := e.Catalog.Dataset(ctx, run.Assistant, run.Decision.File)
	if err != nil {
		span.Fail(err)
		return nil, err
	}
	profile := ds.Profile(5)
	columns := make([]string, 0, len(profile.Columns))
	for _, c := range profile.Columns {
		columns = append(columns, c.Name+":"+string(c.Kind))
	}
	span.Set("columns", columns).Set("row_count", profile.RowCount)

	plan, tokens, planner := e.plan(ctx, run.Decision.Query, ds, profile)
	span.SetTokens(tokens).Set("planner", planner)

	viz, table, err := analytics.Aggregate(ds, plan)
	if err != nil {
		err = fmt.Errorf("aggregate %s: %w", ds.Name, err)
		span.Fail(err)
		return nil, err
	}
	span.Set("chart", viz.Chart).End()

	contextText := fmt.Sprintf("File %s aggregated by %s (%s):\n%s", ds.Name, plan.Dimension, plan.Agg, renderTable(table.Columns, table.Rows, false))
	stream, err := synthesize(ctx, run, e.Synthesizer, contextText)
	if err != nil {
		return nil, err
	}

	file, _ := run.Assistant.FindCSV(run.Decision.File)
	return &Answer{
		Stream:        stream,
		Visualization: &viz,
		Sources: []protocol.Source{{
			ID:       "csv:" + ds.Name,
			Text:     file.Description,
			Metadata: map[string]any{"title": ds.Name, "file_name": ds.Name + ".csv", "row_count": profile.RowCount},
		}},
	}, nil
}

func (e *CSV) plan(ctx context.Context, question string, ds *analytics.Dataset, profile analytics.Profile) (analytics.ChartPlan, protocol.Tokens, string) {
	var tokens protocol.Tokens
	if e.Planner != nil {
		plan, used, err := e.Planner.Plan(ctx, question, profile)
		tokens = used
		if err == nil && plan.Validate(ds) == nil {
			return plan, tokens, "llm"
		}
	}
	plan, err := analytics.HeuristicPlan(ds, question)
	if err != nil {
		// Aggregate reports the invalid plan.
		return analytics.ChartPlan{Title: ds.Name}, tokens, "heuristic"
	}
	return plan, tokens, "heuristic"
}
