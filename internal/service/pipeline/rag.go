package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/insight-desk/backend/internal/service/retrieval"
	"github.com/zhouzirui/insight-desk/backend/internal/service/trace"
	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// RAG answers from the assistant's documents.
type RAG struct {
	Retriever   retriever.Retriever
	Synthesizer Synthesizer
}

func (e *RAG) Prepare(ctx context.Context, run *Run) (*Answer, error) {
	span := run.Tracer.Start(ctx, trace.Spec{Type: protocol.StepRetrieval, Payload: map[string]any{"tool_name": "vector_search"}})

	docs := run.Decision.Documents
	reused := len(docs) > 0
	if !reused {
		if e.Retriever == nil {
			err := fmt.Errorf("no document retriever configured")
			span.Fail(err)
			return nil, err
		}
		var err error
		docs, err = e.Retriever.Retrieve(ctx, run.Decision.Query, retrieval.SearchOptions(run.Assistant)...)
		if err != nil {
			err = fmt.Errorf("retrieve documents: %w", err)
			span.Fail(err)
			return nil, err
		}
	}
	span.Set("source_count", len(docs)).Set("reused", reused).End()

	stream, err := synthesize(ctx, run, e.Synthesizer, documentContext(docs))
	if err != nil {
		return nil, err
	}
	return &Answer{Stream: stream, Sources: DocumentSources(docs), ChartFromText: true}, nil
}

func documentContext(docs []*schema.Document) string {
	var b strings.Builder
	for i, d := range docs {
		title, _ := d.MetaData[retrieval.MetaTitle].(string)
		if title == "" {
			title = d.ID
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, title, strings.TrimSpace(d.Content))
	}
	return b.String()
}

// DocumentSources converts retrieved documents into citation records.
func DocumentSources(docs []*schema.Document) []protocol.Source {
	out := make([]protocol.Source, 0, len(docs))
	for _, d := range docs {
		meta := make(map[string]any, 3)
		for _, key := range []string{retrieval.MetaTitle, retrieval.MetaFileName, retrieval.MetaURL} {
			if v, ok := d.MetaData[key]; ok && v != "" {
				meta[key] = v
			}
		}
		src := protocol.Source{ID: d.ID, Text: excerpt(d.Content, 280), Metadata: meta}
		if score := d.Score(); score > 0 {
			src.Score = &score
		}
		out = append(out, src)
	}
	return out
}

func excerpt(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}
