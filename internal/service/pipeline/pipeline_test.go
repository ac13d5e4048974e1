package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/insight-desk/backend/internal/model/assistant"
	"github.com/zhouzirui/insight-desk/backend/internal/platform/database"
	"github.com/zhouzirui/insight-desk/backend/internal/service/ai"
	"github.com/zhouzirui/insight-desk/backend/internal/service/ai/aitest"
	"github.com/zhouzirui/insight-desk/backend/internal/service/analytics"
	"github.com/zhouzirui/insight-desk/backend/internal/service/router"
	"github.com/zhouzirui/insight-desk/backend/internal/service/trace"
	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

type stubRetriever struct {
	calls int
}

func (s *stubRetriever) Retrieve(context.Context, string, ...retriever.Option) ([]*schema.Document, error) {
	s.calls++
	doc := &schema.Document{ID: "doc-faq", Content: "Certified views are curated SQL views.", MetaData: map[string]any{"title": "FAQ", "url": "https://docs.example.com/faq"}}
	return []*schema.Document{doc.WithScore(0.7)}, nil
}

func seedAssistant(t *testing.T, id string) *assistant.Assistant {
	t.Helper()
	a, ok := assistant.NewMemoryStore(assistant.Seed()).FindByID(id)
	require.True(t, ok)
	return &a
}

func demoRunner(t *testing.T) *analytics.Runner {
	t.Helper()
	db, err := database.Open("sqlite://" + filepath.Join(t.TempDir(), "analytics.db"))
	require.NoError(t, err)
	require.NoError(t, analytics.SeedDemo(context.Background(), db))
	return analytics.NewRunner(db, 50)
}

func newRun(t *testing.T, assistantID string, decision router.Decision) *Run {
	t.Helper()
	return &Run{Tracer: trace.New(nil), Assistant: seedAssistant(t, assistantID), Decision: decision}
}

func drain(t *testing.T, answer *Answer) string {
	t.Helper()
	text, _, err := ai.Drain(answer.Stream, nil)
	require.NoError(t, err)
	return text
}

func stepByType(t *testing.T, tr *trace.Tracer, stepType string) protocol.StepEvent {
	t.Helper()
	for _, s := range tr.Steps() {
		if s.StepType == stepType {
			return s
		}
	}
	t.Fatalf("no %s step", stepType)
	return protocol.StepEvent{}
}

func llmService(t *testing.T, m *aitest.ChatModel) *ai.Service {
	t.Helper()
	svc, err := ai.NewServiceWithModel(context.Background(), m, true)
	require.NoError(t, err)
	return svc
}

func TestRAGReusesRouterDocuments(t *testing.T) {
	docs := &stubRetriever{}
	routed, err := docs.Retrieve(context.Background(), "")
	require.NoError(t, err)
	docs.calls = 0

	exec := &RAG{Retriever: docs, Synthesizer: ExtractiveSynthesizer{ChunkRunes: 8}}
	run := newRun(t, "knowledge", router.Decision{Pipeline: assistant.PipelineRAG, Query: "what are certified views", Documents: routed})

	answer, err := exec.Prepare(context.Background(), run)
	require.NoError(t, err)
	assert.Zero(t, docs.calls)
	assert.True(t, answer.ChartFromText)

	text := drain(t, answer)
	assert.Contains(t, text, "Certified views are curated SQL views.")

	require.Len(t, answer.Sources, 1)
	assert.Equal(t, "doc-faq", answer.Sources[0].ID)
	assert.Equal(t, "https://docs.example.com/faq", answer.Sources[0].Metadata["url"])
	require.NotNil(t, answer.Sources[0].Score)

	retrievalStep := stepByType(t, run.Tracer, protocol.StepRetrieval)
	assert.Equal(t, true, retrievalStep.Payload["reused"])
	assert.Equal(t, 1, retrievalStep.Payload["source_count"])
	assert.Equal(t, protocol.StatusCompleted, stepByType(t, run.Tracer, protocol.StepSynthesis).Status)
}

func TestRAGRetrievesWhenRouterFoundNothing(t *testing.T) {
	docs := &stubRetriever{}
	model := aitest.Text("Certified views are curated by the data team.", 40, 9)
	model.ChunkSize = 5
	exec := &RAG{Retriever: docs, Synthesizer: &LLMSynthesizer{AI: llmService(t, model)}}
	run := newRun(t, "knowledge", router.Decision{Pipeline: assistant.PipelineRAG, Query: "what are certified views"})

	answer, err := exec.Prepare(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, 1, docs.calls)

	text, tokens, err := ai.Drain(answer.Stream, nil)
	require.NoError(t, err)
	assert.Equal(t, "Certified views are curated by the data team.", text)
	assert.Equal(t, protocol.Tokens{Input: 40, Output: 9}, tokens)

	calls := model.Calls()
	require.Len(t, calls, 1)
	assert.True(t, aitest.SystemContains(calls[0], "[1] FAQ: Certified views"))
}

func TestCertifiedSQLEmitsTable(t *testing.T) {
	exec := &CertifiedSQL{Runner: demoRunner(t), Synthesizer: ExtractiveSynthesizer{}}
	run := newRun(t, "sales", router.Decision{Pipeline: assistant.PipelineCertifiedSQL, Query: "monthly revenue", View: "monthly_revenue"})

	answer, err := exec.Prepare(context.Background(), run)
	require.NoError(t, err)
	require.Len(t, answer.Blocks, 1)
	assert.Equal(t, protocol.BlockTable, answer.Blocks[0].Type)

	table, ok := answer.Blocks[0].Data.(protocol.Table)
	require.True(t, ok)
	assert.Equal(t, []string{"month", "revenue"}, table.Columns)
	assert.Len(t, table.Rows, 6)
	assert.Nil(t, answer.Visualization)
	assert.Contains(t, drain(t, answer), "month | revenue")

	step := stepByType(t, run.Tracer, protocol.StepRetrieval)
	assert.Equal(t, "monthly_revenue", step.Payload["view"])
	assert.Equal(t, 6, step.Payload["row_count"])
}

func TestCertifiedSQLUnknownView(t *testing.T) {
	exec := &CertifiedSQL{Runner: demoRunner(t), Synthesizer: ExtractiveSynthesizer{}}
	run := newRun(t, "sales", router.Decision{Pipeline: assistant.PipelineCertifiedSQL, View: "secret_salaries"})

	_, err := exec.Prepare(context.Background(), run)
	require.Error(t, err)
	assert.Equal(t, protocol.StatusFailed, stepByType(t, run.Tracer, protocol.StepRetrieval).Status)
}

func TestAdhocSQLHeuristicCount(t *testing.T) {
	exec := &AdhocSQL{Runner: demoRunner(t), Generator: HeuristicSQLGenerator{}, Synthesizer: ExtractiveSynthesizer{}}
	run := newRun(t, "sales", router.Decision{Pipeline: assistant.PipelineAdhocSQL, Query: "How many orders do we have?"})

	answer, err := exec.Prepare(context.Background(), run)
	require.NoError(t, err)

	table := answer.Blocks[0].Data.(protocol.Table)
	require.Len(t, table.Rows, 1)
	assert.EqualValues(t, 24, table.Rows[0][0])
	assert.Equal(t, "SELECT COUNT(*) AS total FROM orders", answer.Sources[0].Text)

	parent := stepByType(t, run.Tracer, protocol.StepRetrieval)
	gen := stepByType(t, run.Tracer, protocol.StepSQLGeneration)
	exe := stepByType(t, run.Tracer, protocol.StepSQLExecution)
	assert.Equal(t, parent.StepID, gen.ParentID)
	assert.Equal(t, parent.StepID, exe.ParentID)
	assert.Equal(t, protocol.StatusCompleted, parent.Status)
	assert.ElementsMatch(t, []string{"orders", "customers"}, parent.Payload["tables"])
}

func TestAdhocSQLRejectsWrites(t *testing.T) {
	model := aitest.Text("```sql\nDROP TABLE orders;\n```", 30, 6)
	exec := &AdhocSQL{
		Runner:      demoRunner(t),
		Generator:   &LLMSQLGenerator{AI: llmService(t, model), Dialect: "sqlite"},
		Synthesizer: ExtractiveSynthesizer{},
	}
	run := newRun(t, "sales", router.Decision{Pipeline: assistant.PipelineAdhocSQL, Query: "remove all orders"})

	_, err := exec.Prepare(context.Background(), run)
	require.ErrorIs(t, err, analytics.ErrReadOnlySQL)

	gen := stepByType(t, run.Tracer, protocol.StepSQLGeneration)
	assert.Equal(t, protocol.StatusFailed, gen.Status)
	require.NotNil(t, gen.Tokens)
	assert.Equal(t, protocol.Tokens{Input: 30, Output: 6}, *gen.Tokens)
	assert.Equal(t, protocol.StatusFailed, stepByType(t, run.Tracer, protocol.StepRetrieval).Status)

	for _, s := range run.Tracer.Steps() {
		assert.NotEqual(t, protocol.StepSQLExecution, s.StepType)
	}
}

func TestCSVPlansWithModel(t *testing.T) {
	model := aitest.Text(`{"chart":"pie","title":"Units by region","dimension":"region","measures":["units"],"agg":"sum"}`, 50, 20)
	exec := &CSV{
		Catalog:     analytics.NewCatalog(nil, filepath.Join("..", "..", "..")),
		Planner:     &LLMChartPlanner{AI: llmService(t, model)},
		Synthesizer: ExtractiveSynthesizer{},
	}
	run := newRun(t, "sales", router.Decision{Pipeline: assistant.PipelineCSV, Query: "share of units per region", File: "regional_sales"})

	answer, err := exec.Prepare(context.Background(), run)
	require.NoError(t, err)
	require.NotNil(t, answer.Visualization)
	assert.Equal(t, "pie", answer.Visualization.Chart)
	assert.True(t, strings.HasPrefix(answer.Visualization.ID, "viz-"))
	assert.Empty(t, answer.Blocks)

	step := stepByType(t, run.Tracer, protocol.StepCSVSchemaRetrieval)
	assert.Equal(t, "llm", step.Payload["planner"])
	require.NotNil(t, step.Tokens)
	assert.Equal(t, 50, step.Tokens.Input)
	assert.Equal(t, "csv:regional_sales", answer.Sources[0].ID)
}

func TestCSVFallsBackToHeuristicPlan(t *testing.T) {
	model := aitest.Text(`{"chart":"bar","dimension":"nope","measures":["revenue"]}`, 10, 5)
	exec := &CSV{
		Catalog:     analytics.NewCatalog(nil, filepath.Join("..", "..", "..")),
		Planner:     &LLMChartPlanner{AI: llmService(t, model)},
		Synthesizer: ExtractiveSynthesizer{},
	}
	run := newRun(t, "sales", router.Decision{Pipeline: assistant.PipelineCSV, Query: "revenue trend by region"})

	answer, err := exec.Prepare(context.Background(), run)
	require.NoError(t, err)
	require.NotNil(t, answer.Visualization)
	assert.Equal(t, "line", answer.Visualization.Chart)
	assert.Equal(t, "heuristic", stepByType(t, run.Tracer, protocol.StepCSVSchemaRetrieval).Payload["planner"])
}

func TestSynthesisFailureFailsStep(t *testing.T) {
	svc, err := ai.NewServiceWithModel(context.Background(), aitest.Failing(errors.New("model overloaded")), false)
	require.NoError(t, err)
	exec := &RAG{Retriever: &stubRetriever{}, Synthesizer: &LLMSynthesizer{AI: svc}}
	run := newRun(t, "knowledge", router.Decision{Pipeline: assistant.PipelineRAG, Query: "faq"})

	_, err = exec.Prepare(context.Background(), run)
	require.Error(t, err)
	step := stepByType(t, run.Tracer, protocol.StepSynthesis)
	assert.Equal(t, protocol.StatusFailed, step.Status)
	assert.Contains(t, step.Payload["error"], "model overloaded")
}

func TestExtractChart(t *testing.T) {
	text := "Revenue grew.\n```chart\n{\"chart\":\"line\",\"labels\":[\"Jan\",\"Feb\"],\"series\":[{\"name\":\"revenue\",\"data\":[1,2]}]}\n```"
	viz, cleaned, err := ExtractChart(text)
	require.NoError(t, err)
	require.NotNil(t, viz)
	assert.Equal(t, "line", viz.Chart)
	assert.Equal(t, []string{"Jan", "Feb"}, viz.Labels)
	assert.NotEmpty(t, viz.ID)
	assert.Equal(t, "Revenue grew.", cleaned)

	viz, cleaned, err = ExtractChart("no chart here")
	require.NoError(t, err)
	assert.Nil(t, viz)
	assert.Equal(t, "no chart here", cleaned)

	_, _, err = ExtractChart("```chart\n{\"chart\":\"bar\"}\n```")
	assert.Error(t, err)
}

func TestExecutorsFor(t *testing.T) {
	execs := Executors{assistant.PipelineRAG: &RAG{}}
	_, err := execs.For(assistant.PipelineRAG)
	require.NoError(t, err)
	_, err = execs.For(assistant.PipelineCSV)
	assert.ErrorIs(t, err, ErrNoExecutor)
}
