package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/zhouzirui/insight-desk/backend/internal/model/assistant"
	"github.com/zhouzirui/insight-desk/backend/internal/service/cache"
)

func TestMemoryRetrieverRanksAssistantDocuments(t *testing.T) {
	ctx := context.Background()
	seed := assistant.Seed()
	r, err := NewMemoryRetriever(ctx, cache.LexicalEmbedder{}, seed)
	require.NoError(t, err)

	var knowledge *assistant.Assistant
	for i := range seed {
		if seed[i].ID == "knowledge" {
			knowledge = &seed[i]
		}
	}
	require.NotNil(t, knowledge)

	docs, err := r.Retrieve(ctx, "how long do we retain customer data", SearchOptions(knowledge)...)
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.LessOrEqual(t, len(docs), knowledge.TopK)
	assert.Equal(t, "knowledge", docs[0].MetaData[MetaAssistantID])
	for i := 1; i < len(docs); i++ {
		assert.GreaterOrEqual(t, docs[i-1].Score(), docs[i].Score())
	}
}

func TestMemoryRetrieverRequiresIndex(t *testing.T) {
	r, err := NewMemoryRetriever(context.Background(), cache.LexicalEmbedder{}, nil)
	require.NoError(t, err)
	_, err = r.Retrieve(context.Background(), "anything")
	assert.Error(t, err)
}

func TestParseDocuments(t *testing.T) {
	result := &models.GraphQLResponse{Data: map[string]models.JSONObject{
		"Get": map[string]interface{}{
			"Document": []interface{}{
				map[string]interface{}{
					"content":   "Retention is 90 days.",
					"file_name": "retention.docx",
					"_additional": map[string]interface{}{
						"id":        "abc",
						"certainty": 0.87,
					},
				},
			},
		},
	}}

	docs := parseDocuments(result, "Document")
	require.Len(t, docs, 1)
	assert.Equal(t, "abc", docs[0].ID)
	assert.Equal(t, "retention.docx", docs[0].MetaData[MetaFileName])
	assert.InDelta(t, 0.87, docs[0].Score(), 1e-9)
}
