package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/insight-desk/backend/internal/config"
	"github.com/zhouzirui/insight-desk/backend/internal/model/chat"
	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// Service encapsulates the chat model and the prompt chains built on top of it.
type Service struct {
	chatModel model.ChatModel
	streaming bool
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates the Ark chat model from cfg and compiles the chains.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg.StreamResponse)
}

// NewServiceWithModel wires an existing chat model. Tests pass fakes here.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, streaming bool) (*Service, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		streaming: streaming,
		chain:     runnable,
	}, nil
}

// StreamingEnabled 指示是否开启流式输出。
func (s *Service) StreamingEnabled() bool {
	return s.streaming
}

// GetChatModel 返回底层的聊天模型
func (s *Service) GetChatModel() model.ChatModel {
	return s.chatModel
}

// Prompt is the input of one chain run.
type Prompt struct {
	System  string
	History []chat.Message
	Query   string
}

func (p Prompt) input() map[string]any {
	return map[string]any{
		"system":  p.System,
		"history": BuildHistoryMessages(p.History),
		"query":   p.Query,
	}
}

// Generate runs the chain to completion.
func (s *Service) Generate(ctx context.Context, p Prompt) (*schema.Message, error) {
	response, err := s.chain.Invoke(ctx, p.input())
	if err != nil {
		return nil, fmt.Errorf("failed to run AI chain: %w", err)
	}
	return response, nil
}

// Stream streams the chain output. When streaming is disabled the full answer is generated and
// wrapped in a single-chunk stream so callers keep one code path.
func (s *Service) Stream(ctx context.Context, p Prompt) (*schema.StreamReader[*schema.Message], error) {
	if !s.StreamingEnabled() {
		msg, err := s.Generate(ctx, p)
		if err != nil {
			return nil, err
		}
		return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
	}

	stream, err := s.chain.Stream(ctx, p.input())
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	return stream, nil
}

// GenerateWithTools asks the model for the next message with the given tools available. Tools
// are passed per call so concurrent requests never share bound state.
func (s *Service) GenerateWithTools(ctx context.Context, messages []*schema.Message, tools []*schema.ToolInfo) (*schema.Message, error) {
	msg, err := s.chatModel.Generate(ctx, messages, model.WithTools(tools))
	if err != nil {
		return nil, fmt.Errorf("failed to generate with tools: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("model returned no message")
	}
	return msg, nil
}

// Usage extracts token accounting from a model message.
func Usage(msg *schema.Message) protocol.Tokens {
	if msg == nil || msg.ResponseMeta == nil || msg.ResponseMeta.Usage == nil {
		return protocol.Tokens{}
	}
	return protocol.Tokens{
		Input:  msg.ResponseMeta.Usage.PromptTokens,
		Output: msg.ResponseMeta.Usage.CompletionTokens,
	}
}

// Drain reads a model stream, calling onChunk for every non-empty content delta, and returns the
// concatenated text and the last reported usage.
func Drain(stream *schema.StreamReader[*schema.Message], onChunk func(string) error) (string, protocol.Tokens, error) {
	defer stream.Close()

	var (
		builder strings.Builder
		usage   protocol.Tokens
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return builder.String(), usage, nil
		}
		if err != nil {
			return builder.String(), usage, fmt.Errorf("stream recv: %w", err)
		}
		if chunk == nil {
			continue
		}
		if u := Usage(chunk); !u.IsZero() {
			usage = u
		}
		if chunk.Content == "" {
			continue
		}
		builder.WriteString(chunk.Content)
		if onChunk != nil {
			if err := onChunk(chunk.Content); err != nil {
				return builder.String(), usage, err
			}
		}
	}
}

// BuildHistoryMessages converts the tail of a transcript into model messages.
func BuildHistoryMessages(messages []chat.Message) []*schema.Message {
	const historyLimit = 10

	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		if msg.Failed || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		switch msg.Sender {
		case chat.SenderUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.SenderBot:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}

	return history
}
