package ai_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/insight-desk/backend/internal/model/chat"
	"github.com/zhouzirui/insight-desk/backend/internal/service/ai"
	"github.com/zhouzirui/insight-desk/backend/internal/service/ai/aitest"
)

func TestServiceStreamDrain(t *testing.T) {
	fake := aitest.Text("Hello world", 12, 3)
	fake.ChunkSize = 4

	svc, err := ai.NewServiceWithModel(context.Background(), fake, true)
	require.NoError(t, err)

	stream, err := svc.Stream(context.Background(), ai.Prompt{System: "be brief", Query: "hi"})
	require.NoError(t, err)

	var chunks []string
	text, usage, err := ai.Drain(stream, func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)
	assert.Equal(t, []string{"Hell", "o wo", "rld"}, chunks)
	assert.Equal(t, 12, usage.Input)
	assert.Equal(t, 3, usage.Output)
}

func TestServiceStreamDisabledFallsBackToGenerate(t *testing.T) {
	svc, err := ai.NewServiceWithModel(context.Background(), aitest.Text("full answer", 1, 1), false)
	require.NoError(t, err)

	stream, err := svc.Stream(context.Background(), ai.Prompt{Query: "q"})
	require.NoError(t, err)
	text, _, err := ai.Drain(stream, nil)
	require.NoError(t, err)
	assert.Equal(t, "full answer", text)
}

func TestDrainStopsOnCallbackError(t *testing.T) {
	stream := schema.StreamReaderFromArray([]*schema.Message{
		schema.AssistantMessage("a", nil),
		schema.AssistantMessage("b", nil),
	})
	stop := errors.New("client gone")

	text, _, err := ai.Drain(stream, func(string) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, "a", text)
}

func TestBuildHistoryMessagesSkipsFailedTurns(t *testing.T) {
	history := ai.BuildHistoryMessages([]chat.Message{
		{Sender: chat.SenderUser, Content: "q1"},
		{Sender: chat.SenderBot, Content: "broken", Failed: true},
		{Sender: chat.SenderBot, Content: "a1"},
	})
	require.Len(t, history, 2)
	assert.Equal(t, schema.User, history[0].Role)
	assert.Equal(t, schema.Assistant, history[1].Role)
}

func TestUsageWithoutMeta(t *testing.T) {
	assert.True(t, ai.Usage(schema.AssistantMessage("x", nil)).IsZero())
	assert.True(t, ai.Usage(nil).IsZero())
}
