package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/zhouzirui/insight-desk/backend/internal/service/ai"
	"github.com/zhouzirui/insight-desk/backend/internal/service/analytics"
	"github.com/zhouzirui/insight-desk/backend/internal/service/trace"
	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// CertifiedSQL answers from a curated view.
type CertifiedSQL struct {
	Runner      *analytics.Runner
	Synthesizer Synthesizer
	// Limit bounds the rows read from the view; zero uses the runner maximum.
	Limit int
}

func (e *CertifiedSQL) Prepare(ctx context.Context, run *Run) (*Answer, error) {
	span := run.Tracer.Start(ctx, trace.Spec{
		Type:    protocol.StepRetrieval,
		Payload: map[string]any{"tool_name": "certified_view", "view": run.Decision.View},
	})

	view, ok := run.Assistant.FindView(run.Decision.View)
	if !ok {
		err := fmt.Errorf("unknown certified view %q", run.Decision.View)
		span.Fail(err)
		return nil, err
	}
	if e.Runner == nil {
		err := fmt.Errorf("no analytics database configured")
		span.Fail(err)
		return nil, err
	}

	res, err := e.Runner.View(ctx, view.Name, view.Query, e.Limit)
	if err != nil {
		err = fmt.Errorf("query view %s: %w", view.Name, err)
		span.Fail(err)
		return nil, err
	}
	span.Set("row_count", len(res.Rows)).Set("truncated", res.Truncated).End()

	contextText := fmt.Sprintf("Certified view %s (%s):\n%s", view.Name, view.Description, renderTable(res.Columns, res.Rows, res.Truncated))
	stream, err := synthesize(ctx, run, e.Synthesizer, contextText)
	if err != nil {
		return nil, err
	}

	return &Answer{
		Stream: stream,
		Blocks: []protocol.ContentBlock{{Type: protocol.BlockTable, Data: res.Table(view.Name)}},
		Sources: []protocol.Source{{
			ID:       "view:" + view.Name,
			Text:     view.Description,
			Metadata: map[string]any{"title": view.Name, "row_count": len(res.Rows)},
		}},
	}, nil
}

// SQLGenerator writes a query for a question over the given tables.
type SQLGenerator interface {
	GenerateSQL(ctx context.Context, question string, tables []analytics.TableSchema) (string, protocol.Tokens, error)
}

// LLMSQLGenerator asks the chat model for a query.
type LLMSQLGenerator struct {
	AI *ai.Service
	// Dialect is mentioned in the prompt, e.g. "sqlite" or "postgres".
	Dialect string
}

const sqlPrompt = `You write one read-only %s SQL query answering the user's question.
Only use these tables:
%s
Reply with the query only, optionally inside a sql code fence. Never modify data.`

func (g *LLMSQLGenerator) GenerateSQL(ctx context.Context, question string, tables []analytics.TableSchema) (string, protocol.Tokens, error) {
	raw, err := json.Marshal(tables)
	if err != nil {
		return "", protocol.Tokens{}, fmt.Errorf("marshal schema: %w", err)
	}
	dialect := g.Dialect
	if dialect == "" {
		dialect = "ANSI"
	}

	msg, err := g.AI.Generate(ctx, ai.Prompt{System: fmt.Sprintf(sqlPrompt, dialect, raw), Query: question})
	if err != nil {
		return "", protocol.Tokens{}, err
	}
	return msg.Content, ai.Usage(msg), nil
}

// HeuristicSQLGenerator builds a simple query from table names found in the question.
type HeuristicSQLGenerator struct {
	Limit int
}

var countQuestion = regexp.MustCompile(`(?i)\bhow many\b|\bcount\b|多少个|几个`)

func (g HeuristicSQLGenerator) GenerateSQL(_ context.Context, question string, tables []analytics.TableSchema) (string, protocol.Tokens, error) {
	if len(tables) == 0 {
		return "", protocol.Tokens{}, fmt.Errorf("no tables available")
	}
	lower := strings.ToLower(question)
	table := tables[0].Name
	for _, t := range tables {
		singular := strings.TrimSuffix(strings.ToLower(t.Name), "s")
		if strings.Contains(lower, singular) {
			table = t.Name
			break
		}
	}

	if countQuestion.MatchString(question) {
		return fmt.Sprintf("SELECT COUNT(*) AS total FROM %s", table), protocol.Tokens{}, nil
	}
	limit := g.Limit
	if limit <= 0 {
		limit = 20
	}
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d", table, limit), protocol.Tokens{}, nil
}

// AdhocSQL generates, checks and runs a query over the assistant's tables.
type AdhocSQL struct {
	Runner      *analytics.Runner
	Generator   SQLGenerator
	Synthesizer Synthesizer
}

func (e *AdhocSQL) Prepare(ctx context.Context, run *Run) (*Answer, error) {
	span := run.Tracer.Start(ctx, trace.Spec{Type: protocol.StepRetrieval, Payload: map[string]any{"tool_name": "describe_tables"}})
	if e.Runner == nil {
		err := fmt.Errorf("no analytics database configured")
		span.Fail(err)
		return nil, err
	}

	tables, err := e.Runner.DescribeTables(ctx, run.Assistant.Tables)
	if err != nil {
		span.Fail(err)
		return nil, err
	}
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		names = append(names, t.Name)
	}
	span.Set("tables", names)

	gen := run.Tracer.Start(ctx, trace.Spec{ParentID: span.ID(), Type: protocol.StepSQLGeneration})
	query, tokens, err := e.Generator.GenerateSQL(ctx, run.Decision.Query, tables)
	if err == nil {
		query, err = analytics.CheckReadOnly(query)
	}
	gen.SetTokens(tokens)
	if err != nil {
		err = fmt.Errorf("generate sql: %w", err)
		gen.Fail(err)
		span.Fail(err)
		return nil, err
	}
	gen.Set("sql", query).End()

	exec := run.Tracer.Start(ctx, trace.Spec{ParentID: span.ID(), Type: protocol.StepSQLExecution})
	res, err := e.Runner.Query(ctx, query)
	if err != nil {
		exec.Fail(err)
		span.Fail(err)
		return nil, err
	}
	exec.Set("row_count", len(res.Rows)).Set("truncated", res.Truncated).End()
	span.End()

	contextText := fmt.Sprintf("Query:\n%s\nResult:\n%s", query, renderTable(res.Columns, res.Rows, res.Truncated))
	stream, err := synthesize(ctx, run, e.Synthesizer, contextText)
	if err != nil {
		return nil, err
	}

	return &Answer{
		Stream: stream,
		Blocks: []protocol.ContentBlock{{Type: protocol.BlockTable, Data: res.Table("")}},
		Sources: []protocol.Source{{
			ID:       "sql",
			Text:     query,
			Metadata: map[string]any{"title": "Generated SQL", "row_count": len(res.Rows)},
		}},
	}, nil
}
