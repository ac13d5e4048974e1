// Package client consumes the chat stream: it decodes NDJSON frames, folds them into one open
// message (step tree, text, sources, chart) and bridges chart descriptors to a rendering surface.
package client

import (
	"strings"

	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// Sender values of a Message.
const (
	SenderUser = "user"
	SenderBot  = "bot"
)

// Message is the client view of one chat message. While a stream is open it has exactly one
// writer, the Reconciler of that stream.
type Message struct {
	ID            string
	Sender        string
	Text          string
	Blocks        []protocol.ContentBlock
	Steps         []*protocol.StepEvent
	Sources       []protocol.Source
	Visualization *protocol.Visualization
	StatusMessage string
	Failed        bool
	Aborted       bool
	// Done is set after the top-level completed step or an error; later frames are ignored.
	Done bool
	// Ref is the correlation id of a technical error.
	Ref string
}

// Clone returns a deep copy that is safe to read while the original keeps streaming.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Blocks = append([]protocol.ContentBlock(nil), m.Blocks...)
	out.Sources = append([]protocol.Source(nil), m.Sources...)
	if m.Steps != nil {
		out.Steps = make([]*protocol.StepEvent, len(m.Steps))
		for i, s := range m.Steps {
			out.Steps[i] = s.Clone()
		}
	}
	if m.Visualization != nil {
		v := *m.Visualization
		out.Visualization = &v
	}
	return &out
}

// appendText extends Text and the trailing text block, creating the block when the last block is
// not text.
func (m *Message) appendText(s string) {
	m.Text += s
	if n := len(m.Blocks); n > 0 && m.Blocks[n-1].Type == protocol.BlockText {
		prev, _ := m.Blocks[n-1].Data.(string)
		m.Blocks[n-1].Data = prev + s
		return
	}
	m.Blocks = append(m.Blocks, protocol.ContentBlock{Type: protocol.BlockText, Data: s})
}

// markFailed appends a visible error marker once.
func (m *Message) markFailed(marker string) {
	if m.Failed && strings.Contains(m.Text, marker) {
		return
	}
	sep := ""
	if m.Text != "" {
		sep = "\n\n"
	}
	m.appendText(sep + marker)
	m.Failed = true
}

// StepLabels returns the labels of every step, depth first.
func (m *Message) StepLabels() []string {
	var out []string
	protocol.Walk(m.Steps, func(s *protocol.StepEvent) bool {
		out = append(out, s.Label)
		return true
	})
	return out
}
