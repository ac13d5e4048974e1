package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/insight-desk/backend/internal/model/assistant"
	"github.com/zhouzirui/insight-desk/backend/internal/service/retrieval"
)

// Tool names offered to the selector.
const (
	ToolSearchDocuments = "search_documents"
	ToolDescribeViews   = "describe_views"
	ToolDescribeTables  = "describe_tables"
	ToolDescribeCSV     = "describe_csv"
	ToolSelectPipeline  = "select_pipeline"
)

// toolPipeline maps a lookup tool to the pipeline it hints at.
var toolPipeline = map[string]assistant.Pipeline{
	ToolSearchDocuments: assistant.PipelineRAG,
	ToolDescribeViews:   assistant.PipelineCertifiedSQL,
	ToolDescribeTables:  assistant.PipelineAdhocSQL,
	ToolDescribeCSV:     assistant.PipelineCSV,
}

// Catalog describes the structured sources of an assistant. analytics.Catalog implements it.
type Catalog interface {
	DescribeViews(ctx context.Context, a *assistant.Assistant) (string, error)
	DescribeTables(ctx context.Context, a *assistant.Assistant) (string, error)
	DescribeCSV(ctx context.Context, a *assistant.Assistant, file string) (string, error)
}

// ToolCall is one function call requested by the selector.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

func (c ToolCall) args() map[string]any {
	out := map[string]any{}
	if strings.TrimSpace(c.Arguments) == "" {
		return out
	}
	_ = json.Unmarshal([]byte(c.Arguments), &out)
	return out
}

func (c ToolCall) stringArg(key string) string {
	v, _ := c.args()[key].(string)
	return strings.TrimSpace(v)
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	Call      ToolCall
	Content   string
	Documents []*schema.Document
}

// Toolbox executes lookup tools for one assistant.
type Toolbox struct {
	Retriever retriever.Retriever
	Catalog   Catalog
}

// Infos returns the tool schemas available to assistant a.
func (t *Toolbox) Infos(a *assistant.Assistant) []*schema.ToolInfo {
	var infos []*schema.ToolInfo
	if a.Supports(assistant.PipelineRAG) && t.Retriever != nil {
		infos = append(infos, &schema.ToolInfo{
			Name: ToolSearchDocuments,
			Desc: "Search the assistant's documents for passages relevant to a query.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"query": {Type: schema.String, Desc: "search query", Required: true},
			}),
		})
	}
	if a.Supports(assistant.PipelineCertifiedSQL) {
		infos = append(infos, &schema.ToolInfo{
			Name: ToolDescribeViews,
			Desc: "List the certified SQL views with their descriptions.",
		})
	}
	if a.Supports(assistant.PipelineAdhocSQL) {
		infos = append(infos, &schema.ToolInfo{
			Name: ToolDescribeTables,
			Desc: "Describe the tables available for ad-hoc SQL.",
		})
	}
	if a.Supports(assistant.PipelineCSV) {
		files := make([]string, 0, len(a.CSVFiles))
		for _, f := range a.CSVFiles {
			files = append(files, f.Name)
		}
		infos = append(infos, &schema.ToolInfo{
			Name: ToolDescribeCSV,
			Desc: "Describe the columns and sample rows of a CSV file.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"file": {Type: schema.String, Desc: "file name", Enum: files},
			}),
		})
	}

	pipelines := make([]string, 0, len(a.Pipelines))
	for _, p := range a.Pipelines {
		pipelines = append(pipelines, string(p))
	}
	infos = append(infos, &schema.ToolInfo{
		Name: ToolSelectPipeline,
		Desc: "Choose the pipeline that will answer. Call it once you know enough.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"pipeline": {Type: schema.String, Desc: "pipeline to run", Enum: pipelines, Required: true},
			"view":     {Type: schema.String, Desc: "certified view name, for certified_sql"},
			"file":     {Type: schema.String, Desc: "csv file name, for csv"},
			"reason":   {Type: schema.String, Desc: "one sentence explaining the choice"},
		}),
	})
	return infos
}

// Run executes one lookup tool. The tool name is read from ctx.
func (t *Toolbox) Run(ctx context.Context, a *assistant.Assistant, call ToolCall, fallbackQuery string) (ToolResult, error) {
	name := ToolNameFrom(ctx)
	if name == "" {
		name = call.Name
	}
	res := ToolResult{Call: call}

	switch name {
	case ToolSearchDocuments:
		if t.Retriever == nil {
			return res, fmt.Errorf("%s: no retriever configured", name)
		}
		query := call.stringArg("query")
		if query == "" {
			query = fallbackQuery
		}
		docs, err := t.Retriever.Retrieve(ctx, query, retrieval.SearchOptions(a)...)
		if err != nil {
			return res, fmt.Errorf("%s: %w", name, err)
		}
		res.Documents = docs
		res.Content = summarizeDocuments(docs)
	case ToolDescribeViews, ToolDescribeTables, ToolDescribeCSV:
		if t.Catalog == nil {
			return res, fmt.Errorf("%s: no catalog configured", name)
		}
		var (
			content string
			err     error
		)
		switch name {
		case ToolDescribeViews:
			content, err = t.Catalog.DescribeViews(ctx, a)
		case ToolDescribeTables:
			content, err = t.Catalog.DescribeTables(ctx, a)
		default:
			content, err = t.Catalog.DescribeCSV(ctx, a, call.stringArg("file"))
		}
		if err != nil {
			return res, fmt.Errorf("%s: %w", name, err)
		}
		res.Content = content
	default:
		return res, fmt.Errorf("unsupported tool %q", name)
	}
	return res, nil
}

func summarizeDocuments(docs []*schema.Document) string {
	if len(docs) == 0 {
		return "no matching documents"
	}
	type item struct {
		ID      string  `json:"id"`
		Title   any     `json:"title,omitempty"`
		Excerpt string  `json:"excerpt"`
		Score   float64 `json:"score"`
	}
	items := make([]item, 0, len(docs))
	for _, d := range docs {
		excerpt := d.Content
		if r := []rune(excerpt); len(r) > 240 {
			excerpt = string(r[:240]) + "…"
		}
		items = append(items, item{ID: d.ID, Title: d.MetaData[retrieval.MetaTitle], Excerpt: excerpt, Score: d.Score()})
	}
	raw, _ := json.Marshal(items)
	return string(raw)
}
