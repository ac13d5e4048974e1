package chat

import "time"

// Session scopes a conversation with one assistant.
type Session struct {
	ID          string    `json:"id"`
	AssistantID string    `json:"assistantId"`
	CreatedAt   time.Time `json:"createdAt"`
}
