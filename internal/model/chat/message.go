package chat

import (
	"time"

	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// Sender values.
const (
	SenderUser = "user"
	SenderBot  = "bot"
)

// Message persists individual turns. Steps keep step_type, status, nesting, duration, tokens
// and payload only: labels are regenerated by clients on load.
type Message struct {
	ID            string                  `json:"id"`
	SessionID     string                  `json:"sessionId"`
	Sender        string                  `json:"sender"`
	Content       string                  `json:"content"`
	ContentBlocks []protocol.ContentBlock `json:"contentBlocks,omitempty"`
	Steps         []*protocol.StepEvent   `json:"steps,omitempty"`
	Sources       []protocol.Source       `json:"sources,omitempty"`
	Visualization *protocol.Visualization `json:"visualization,omitempty"`
	Failed        bool                    `json:"failed,omitempty"`
	CreatedAt     time.Time               `json:"createdAt"`
}
