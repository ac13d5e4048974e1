package client

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// Conversation is one chat session seen from the client. Sending a new message aborts the stream
// of the previous one; frames of an aborted stream are never applied.
type Conversation struct {
	client      *Client
	assistantID string
	language    string

	mu        sync.Mutex
	sessionID string
	gen       uint64
	cancel    context.CancelFunc
	messages  []*Message

	// rec folds the open stream; it is nil once that stream ended or was aborted.
	rec *Reconciler
}

// NewConversation starts a conversation with assistantID. sessionID may be empty; the server then
// assigns one on the first message.
func (c *Client) NewConversation(assistantID, sessionID, language string) *Conversation {
	return &Conversation{client: c, assistantID: assistantID, sessionID: sessionID, language: language}
}

// SessionID is the current session id, known after the first response.
func (cv *Conversation) SessionID() string {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return cv.sessionID
}

// Messages returns snapshots of every message of the conversation.
func (cv *Conversation) Messages() []*Message {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	out := make([]*Message, len(cv.messages))
	for i, m := range cv.messages {
		out[i] = m.Clone()
	}
	return out
}

// Turn is one in-flight answer.
type Turn struct {
	cv   *Conversation
	msg  *Message
	done chan struct{}
	res  StreamResult
	err  error
}

// Wait blocks until the stream ended and returns a snapshot of the answer.
func (t *Turn) Wait() (*Message, StreamResult, error) {
	<-t.done
	return t.Snapshot(), t.res, t.err
}

// Done is closed when the stream ended.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Snapshot copies the answer as folded so far.
func (t *Turn) Snapshot() *Message {
	t.cv.mu.Lock()
	defer t.cv.mu.Unlock()
	return t.msg.Clone()
}

// Send aborts the previous stream, then streams the answer to text. obs callbacks run on the
// streaming goroutine and stop synchronously once a newer Send started. They run while the
// conversation is locked and must not call back into it.
func (cv *Conversation) Send(ctx context.Context, text string, obs Observer) *Turn {
	ctx, cancel := context.WithCancel(ctx)

	cv.mu.Lock()
	cv.abortLocked()
	cv.gen++
	gen := cv.gen
	cv.cancel = cancel
	user := &Message{ID: uuid.NewString(), Sender: SenderUser, Text: text, Done: true}
	bot := &Message{ID: uuid.NewString(), Sender: SenderBot}
	cv.messages = append(cv.messages, user, bot)
	rec := NewReconciler(bot, obs, LabelsFor(cv.language))
	cv.rec = rec
	req := protocol.StreamRequest{
		Message:     text,
		AssistantID: cv.assistantID,
		SessionID:   cv.sessionID,
		Language:    cv.language,
	}
	cv.mu.Unlock()

	turn := &Turn{cv: cv, msg: bot, done: make(chan struct{})}

	go func() {
		defer close(turn.done)
		defer cancel()
		res, err := cv.client.stream(ctx, req, func(f protocol.Frame) { cv.apply(gen, rec, f) }, &guarded{cv: cv, gen: gen, rec: rec})
		cv.mu.Lock()
		if cv.gen == gen {
			if res.SessionID != "" {
				cv.sessionID = res.SessionID
			}
			cv.rec = nil
		}
		cv.mu.Unlock()
		if errors.Is(err, context.Canceled) {
			err = ErrAborted
		}
		turn.res, turn.err = res, err
	}()
	return turn
}

// AbortMarker is appended to a message whose stream was aborted.
const AbortMarker = "⚠ [aborted]"

// ErrAborted is returned by Turn.Wait for a stream replaced by a newer Send or closed by Abort.
var ErrAborted = errors.New("stream aborted")

// Abort stops the in-flight stream, if any.
func (cv *Conversation) Abort() {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	cv.abortLocked()
	cv.gen++
}

// Reset aborts, deletes the session on the server and forgets local messages.
func (cv *Conversation) Reset(ctx context.Context) error {
	cv.Abort()
	id := cv.SessionID()
	if id != "" {
		if err := cv.client.Reset(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return err
		}
	}
	cv.mu.Lock()
	cv.messages = nil
	cv.sessionID = ""
	cv.mu.Unlock()
	return nil
}

// abortLocked cancels the open stream and marks its message aborted. Callers bump gen.
func (cv *Conversation) abortLocked() {
	if cv.cancel == nil {
		return
	}
	cv.cancel()
	cv.cancel = nil
	if cv.rec != nil {
		cv.rec.Abort(AbortMarker)
		cv.rec = nil
	}
}

// apply folds f only while gen is still the current generation.
func (cv *Conversation) apply(gen uint64, rec *Reconciler, f protocol.Frame) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if cv.gen != gen {
		return
	}
	rec.Apply(f)
}

// guarded applies transport failures under the same generation check as frames.
type guarded struct {
	cv  *Conversation
	gen uint64
	rec *Reconciler
}

func (g *guarded) Fail(reason, ref string) {
	g.cv.mu.Lock()
	defer g.cv.mu.Unlock()
	if g.cv.gen != g.gen {
		return
	}
	g.rec.Fail(reason, ref)
}

func (g *guarded) Message() *Message {
	g.cv.mu.Lock()
	defer g.cv.mu.Unlock()
	return g.rec.Message().Clone()
}
