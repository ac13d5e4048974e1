// Package retrieval provides the document retrievers used by the router's search tool and the
// RAG pipeline. Both implement eino's retriever.Retriever.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/insight-desk/backend/internal/model/assistant"
	"github.com/zhouzirui/insight-desk/backend/internal/service/cache"
)

// Metadata keys set on retrieved documents.
const (
	MetaTitle       = "title"
	MetaFileName    = "file_name"
	MetaURL         = "url"
	MetaAssistantID = "assistant_id"
)

// SearchOptions scopes a retrieval to one assistant: the index is the assistant id, the sub index
// its vector class.
func SearchOptions(a *assistant.Assistant) []retriever.Option {
	opts := []retriever.Option{
		retriever.WithIndex(a.ID),
		retriever.WithTopK(a.TopK),
	}
	if a.VectorClass != "" {
		opts = append(opts, retriever.WithSubIndex(a.VectorClass))
	}
	return opts
}

var _ retriever.Retriever = (*MemoryRetriever)(nil)

// MemoryRetriever ranks the documents declared on assistants by embedding similarity.
type MemoryRetriever struct {
	embedder embedding.Embedder

	mu   sync.RWMutex
	docs map[string][]indexedDoc
}

type indexedDoc struct {
	doc    *schema.Document
	vector []float64
}

// NewMemoryRetriever indexes the documents of every assistant.
func NewMemoryRetriever(ctx context.Context, embedder embedding.Embedder, assistants []assistant.Assistant) (*MemoryRetriever, error) {
	r := &MemoryRetriever{embedder: embedder, docs: make(map[string][]indexedDoc)}
	for i := range assistants {
		if err := r.Index(ctx, &assistants[i]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Index replaces the documents of one assistant.
func (r *MemoryRetriever) Index(ctx context.Context, a *assistant.Assistant) error {
	if len(a.Documents) == 0 {
		return nil
	}

	texts := make([]string, len(a.Documents))
	for i, d := range a.Documents {
		texts[i] = d.Title + "\n" + d.Text
	}
	vectors, err := r.embedder.EmbedStrings(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed documents of %s: %w", a.ID, err)
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("embed documents of %s: got %d vectors for %d texts", a.ID, len(vectors), len(texts))
	}

	indexed := make([]indexedDoc, len(a.Documents))
	for i, d := range a.Documents {
		indexed[i] = indexedDoc{doc: toDocument(a.ID, d), vector: vectors[i]}
	}

	r.mu.Lock()
	r.docs[a.ID] = indexed
	r.mu.Unlock()
	return nil
}

func (r *MemoryRetriever) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	options := retriever.GetCommonOptions(&retriever.Options{TopK: ptr(4)}, opts...)
	if options.Index == nil || *options.Index == "" {
		return nil, fmt.Errorf("retrieve: index (assistant id) is required")
	}

	vectors, err := r.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vectors))
	}

	r.mu.RLock()
	candidates := r.docs[*options.Index]
	r.mu.RUnlock()

	type scored struct {
		doc   *schema.Document
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		score := cache.Cosine(vectors[0], c.vector)
		if options.ScoreThreshold != nil && score < *options.ScoreThreshold {
			continue
		}
		ranked = append(ranked, scored{doc: c.doc, score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	topK := 4
	if options.TopK != nil && *options.TopK > 0 {
		topK = *options.TopK
	}
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	out := make([]*schema.Document, 0, len(ranked))
	for _, s := range ranked {
		doc := *s.doc
		doc.MetaData = copyMeta(s.doc.MetaData)
		out = append(out, doc.WithScore(s.score))
	}
	return out, nil
}

func toDocument(assistantID string, d assistant.Document) *schema.Document {
	meta := map[string]any{MetaAssistantID: assistantID}
	if d.Title != "" {
		meta[MetaTitle] = d.Title
	}
	if d.FileName != "" {
		meta[MetaFileName] = d.FileName
	}
	if d.URL != "" {
		meta[MetaURL] = d.URL
	}
	return &schema.Document{ID: d.ID, Content: strings.TrimSpace(d.Text), MetaData: meta}
}

func copyMeta(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func ptr[T any](v T) *T { return &v }
