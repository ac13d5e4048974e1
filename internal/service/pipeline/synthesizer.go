package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/insight-desk/backend/internal/model/assistant"
	"github.com/zhouzirui/insight-desk/backend/internal/model/chat"
	"github.com/zhouzirui/insight-desk/backend/internal/service/ai"
)

// SynthesisRequest is the material an answer is written from.
type SynthesisRequest struct {
	Assistant *assistant.Assistant
	History   []chat.Message
	Query     string
	Context   string
}

// Synthesizer turns retrieved context into an answer stream.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, req SynthesisRequest) (*schema.StreamReader[*schema.Message], error)
}

// LLMSynthesizer streams the answer from the chat model.
type LLMSynthesizer struct {
	AI *ai.Service
}

func (s *LLMSynthesizer) Name() string { return "llm" }

const answerInstructions = `Answer the user's question using only the context below. If the context does not
contain the answer, say so. Keep the answer short and mention which source you used.
When a chart would help and the context holds numbers, you may append a fenced block:
` + "```chart" + `
{"chart":"bar","title":"...","labels":["..."],"series":[{"name":"...","data":[1]}]}
` + "```"

func (s *LLMSynthesizer) Synthesize(ctx context.Context, req SynthesisRequest) (*schema.StreamReader[*schema.Message], error) {
	system := answerInstructions
	if req.Assistant != nil && req.Assistant.SystemPrompt != "" {
		system = req.Assistant.SystemPrompt + "\n\n" + system
	}
	system += "\n\nContext:\n" + req.Context

	return s.AI.Stream(ctx, ai.Prompt{System: system, History: req.History, Query: req.Query})
}

// ExtractiveSynthesizer answers without a model by quoting the context. It is used when no chat
// model is configured.
type ExtractiveSynthesizer struct {
	// ChunkRunes is the size of the streamed pieces; zero means 24.
	ChunkRunes int
}

func (ExtractiveSynthesizer) Name() string { return "extractive" }

func (s ExtractiveSynthesizer) Synthesize(_ context.Context, req SynthesisRequest) (*schema.StreamReader[*schema.Message], error) {
	text := extractiveAnswer(req.Context)

	size := s.ChunkRunes
	if size <= 0 {
		size = 24
	}
	runes := []rune(text)
	chunks := make([]*schema.Message, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, schema.AssistantMessage(string(runes[start:end]), nil))
	}
	return schema.StreamReaderFromArray(chunks), nil
}

func extractiveAnswer(contextText string) string {
	contextText = strings.TrimSpace(contextText)
	if contextText == "" {
		return "I could not find anything relevant to answer this question."
	}
	lines := strings.Split(contextText, "\n")
	const maxLines = 8
	if len(lines) > maxLines {
		lines = append(lines[:maxLines], fmt.Sprintf("… (%d more lines)", len(lines)-maxLines))
	}
	return "Here is what I found:\n" + strings.Join(lines, "\n")
}
