package retrieval

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

var _ retriever.Retriever = (*WeaviateRetriever)(nil)

// WeaviateRetriever runs nearVector searches against a weaviate class. Objects carry the
// properties content, title, file_name, url and assistant_id.
type WeaviateRetriever struct {
	client       *weaviate.Client
	embedder     embedding.Embedder
	defaultClass string
}

// NewWeaviateClient builds a client for rawURL ("http://host:8080"). apiKey may be empty.
func NewWeaviateClient(rawURL, apiKey string) (*weaviate.Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid weaviate url %q", rawURL)
	}

	cfg := weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	}
	if apiKey != "" {
		cfg.AuthConfig = auth.ApiKey{Value: apiKey}
	}

	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return client, nil
}

// NewWeaviateRetriever searches defaultClass unless the sub index option names another class.
func NewWeaviateRetriever(client *weaviate.Client, embedder embedding.Embedder, defaultClass string) *WeaviateRetriever {
	if defaultClass == "" {
		defaultClass = "Document"
	}
	return &WeaviateRetriever{client: client, embedder: embedder, defaultClass: defaultClass}
}

func (r *WeaviateRetriever) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	options := retriever.GetCommonOptions(&retriever.Options{TopK: ptr(4)}, opts...)

	className := r.defaultClass
	if options.SubIndex != nil && *options.SubIndex != "" {
		className = *options.SubIndex
	}
	topK := 4
	if options.TopK != nil && *options.TopK > 0 {
		topK = *options.TopK
	}

	vectors, err := r.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vectors))
	}

	nearVector := r.client.GraphQL().NearVectorArgBuilder().
		WithVector(toFloat32(vectors[0]))

	fields := []graphql.Field{
		{Name: "content"},
		{Name: MetaTitle},
		{Name: MetaFileName},
		{Name: MetaURL},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
		}},
	}

	get := r.client.GraphQL().Get().
		WithClassName(className).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(topK)

	if options.Index != nil && *options.Index != "" {
		get = get.WithWhere(filters.Where().
			WithPath([]string{MetaAssistantID}).
			WithOperator(filters.Equal).
			WithValueString(*options.Index))
	}

	result, err := get.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search error: %s", result.Errors[0].Message)
	}

	docs := parseDocuments(result, className)
	if options.ScoreThreshold != nil {
		kept := docs[:0]
		for _, d := range docs {
			if d.Score() >= *options.ScoreThreshold {
				kept = append(kept, d)
			}
		}
		docs = kept
	}
	return docs, nil
}

func parseDocuments(result *models.GraphQLResponse, className string) []*schema.Document {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[className].([]interface{})
	if !ok {
		return nil
	}

	docs := make([]*schema.Document, 0, len(objects))
	for _, raw := range objects {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		doc := &schema.Document{MetaData: map[string]any{}}
		doc.Content, _ = obj["content"].(string)
		for _, key := range []string{MetaTitle, MetaFileName, MetaURL} {
			if v, ok := obj[key].(string); ok && v != "" {
				doc.MetaData[key] = v
			}
		}

		var certainty float64
		if additional, ok := obj["_additional"].(map[string]interface{}); ok {
			doc.ID, _ = additional["id"].(string)
			certainty, _ = additional["certainty"].(float64)
		}
		docs = append(docs, doc.WithScore(certainty))
	}
	return docs
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
