// Package aitest provides scripted chat models for tests.
package aitest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Responder produces the reply for one Generate/Stream call.
type Responder func(ctx context.Context, input []*schema.Message) (*schema.Message, error)

// ChatModel is a goroutine-safe fake model.ChatModel driven by a Responder.
type ChatModel struct {
	mu      sync.Mutex
	respond Responder
	calls   [][]*schema.Message
	// ChunkSize splits streamed content into pieces of this many runes. Zero streams one chunk.
	ChunkSize int
}

var _ model.ChatModel = (*ChatModel)(nil)

// New returns a fake model answering with respond.
func New(respond Responder) *ChatModel {
	return &ChatModel{respond: respond}
}

// Text returns a fake model that always answers content with the given usage.
func Text(content string, promptTokens, completionTokens int) *ChatModel {
	return New(func(context.Context, []*schema.Message) (*schema.Message, error) {
		return WithUsage(schema.AssistantMessage(content, nil), promptTokens, completionTokens), nil
	})
}

// Failing returns a fake model whose every call fails.
func Failing(err error) *ChatModel {
	return New(func(context.Context, []*schema.Message) (*schema.Message, error) {
		return nil, err
	})
}

// WithUsage attaches token usage to msg.
func WithUsage(msg *schema.Message, promptTokens, completionTokens int) *schema.Message {
	msg.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}}
	return msg
}

// ToolCall builds an assistant message requesting one tool call.
func ToolCall(id, name, arguments string) schema.ToolCall {
	return schema.ToolCall{ID: id, Type: "function", Function: schema.FunctionCall{Name: name, Arguments: arguments}}
}

func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	m.calls = append(m.calls, input)
	respond := m.respond
	m.mu.Unlock()

	if respond == nil {
		return nil, fmt.Errorf("aitest: no responder")
	}
	return respond(ctx, input)
}

func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray(m.split(msg)), nil
}

func (m *ChatModel) BindTools([]*schema.ToolInfo) error { return nil }

// Calls returns the inputs of every call so far.
func (m *ChatModel) Calls() [][]*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]*schema.Message, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *ChatModel) split(msg *schema.Message) []*schema.Message {
	runes := []rune(msg.Content)
	if m.ChunkSize <= 0 || len(runes) <= m.ChunkSize {
		return []*schema.Message{msg}
	}

	var chunks []*schema.Message
	for start := 0; start < len(runes); start += m.ChunkSize {
		end := start + m.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, &schema.Message{Role: schema.Assistant, Content: string(runes[start:end])})
	}
	chunks[len(chunks)-1].ResponseMeta = msg.ResponseMeta
	return chunks
}

// LastUserContent returns the content of the last user message in input.
func LastUserContent(input []*schema.Message) string {
	for i := len(input) - 1; i >= 0; i-- {
		if input[i].Role == schema.User {
			return input[i].Content
		}
	}
	return ""
}

// SystemContains reports whether the system message of input contains substr.
func SystemContains(input []*schema.Message, substr string) bool {
	for _, msg := range input {
		if msg.Role == schema.System && strings.Contains(msg.Content, substr) {
			return true
		}
	}
	return false
}
