package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

type fakeAPI struct {
	t       *testing.T
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	deleted []string
	lastReq protocol.StreamRequest
}

func (a *fakeAPI) write(w http.ResponseWriter, frames ...protocol.Frame) {
	for _, f := range frames {
		line, err := protocol.Encode(f)
		require.NoError(a.t, err)
		_, _ = w.Write(line)
	}
	w.(http.Flusher).Flush()
}

func (a *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/chat/stream":
		var req protocol.StreamRequest
		require.NoError(a.t, json.NewDecoder(r.Body).Decode(&req))
		a.mu.Lock()
		a.lastReq = req
		a.mu.Unlock()

		if req.Message == "broken" {
			w.Header().Set(HeaderRequestID, "req-500")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"boom"}`))
			return
		}
		w.Header().Set(HeaderSessionID, "sess-1")
		w.Header().Set(HeaderRequestID, "req-"+req.Message)
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)

		switch req.Message {
		case "slow":
			a.write(w, step("s1", "", protocol.StepStreaming, protocol.StatusRunning), protocol.TokenFrame("first"))
			select {
			case <-a.release:
			case <-r.Context().Done():
			}
			a.write(w, protocol.TokenFrame(" late"), step("done", "", protocol.StepCompleted, protocol.StatusCompleted))
		case "cut":
			a.write(w, protocol.TokenFrame("half"))
		default:
			a.write(w,
				step("s1", "", protocol.StepRetrieval, protocol.StatusRunning),
				protocol.TokenFrame(req.Message),
				step("s1", "", protocol.StepRetrieval, protocol.StatusCompleted),
				step("done", "", protocol.StepCompleted, protocol.StatusCompleted),
			)
		}
	case r.Method == http.MethodGet && r.URL.Path == "/api/chat/sess-1/history":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"session_id":"sess-1","messages":[
			{"id":"m1","sender":"user","content":"hi"},
			{"id":"m2","sender":"bot","content":"hello","steps":[{"step_id":"r","step_type":"router","status":"completed",
				"sub_steps":[{"step_id":"t","parent_id":"r","step_type":"retrieval","status":"completed","payload":{"tool_name":"describe_csv"}}]}],
			 "sources":[{"id":"csv:regional_sales","text":"x"}]}]}`))
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/api/chat/"):
		id := strings.TrimPrefix(r.URL.Path, "/api/chat/")
		if id != "sess-1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"session not found"}`))
			return
		}
		a.mu.Lock()
		a.deleted = append(a.deleted, id)
		a.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Client) {
	api := &fakeAPI{t: t, release: make(chan struct{})}
	srv := httptest.NewServer(api)
	t.Cleanup(func() {
		api.once.Do(func() { close(api.release) })
		srv.Close()
	})
	return api, New(srv.URL + "/api")
}

func TestConversationSendStreamsAnswer(t *testing.T) {
	api, c := newFakeAPI(t)
	cv := c.NewConversation("knowledge", "", "fr")

	var tokens []string
	msg, res, err := cv.Send(context.Background(), "bonjour", Observer{
		OnToken: func(s string) { tokens = append(tokens, s) },
	}).Wait()
	require.NoError(t, err)

	assert.Equal(t, "bonjour", msg.Text)
	assert.Equal(t, []string{"bonjour"}, tokens)
	assert.True(t, msg.Done)
	assert.False(t, msg.Failed)
	require.Len(t, msg.Steps, 2)
	assert.Equal(t, "Recherche", msg.Steps[0].Label)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Equal(t, "req-bonjour", res.RequestID)
	assert.Equal(t, "sess-1", cv.SessionID())

	_, _, err = cv.Send(context.Background(), "encore", Observer{}).Wait()
	require.NoError(t, err)
	api.mu.Lock()
	assert.Equal(t, "sess-1", api.lastReq.SessionID)
	assert.Equal(t, "fr", api.lastReq.Language)
	api.mu.Unlock()
	assert.Len(t, cv.Messages(), 4)
}

func TestConversationAbortDropsLateFrames(t *testing.T) {
	api, c := newFakeAPI(t)
	cv := c.NewConversation("knowledge", "", "en")

	firstToken := make(chan struct{}, 1)
	var mu sync.Mutex
	var oldTokens []string
	slow := cv.Send(context.Background(), "slow", Observer{
		OnToken: func(s string) {
			mu.Lock()
			oldTokens = append(oldTokens, s)
			mu.Unlock()
			select {
			case firstToken <- struct{}{}:
			default:
			}
		},
	})
	select {
	case <-firstToken:
	case <-time.After(5 * time.Second):
		t.Fatal("no token from the slow stream")
	}

	fast := cv.Send(context.Background(), "fast", Observer{})
	api.once.Do(func() { close(api.release) })

	oldMsg, _, err := slow.Wait()
	assert.ErrorIs(t, err, ErrAborted)
	assert.True(t, oldMsg.Aborted)
	assert.True(t, oldMsg.Failed)
	assert.NotContains(t, oldMsg.Text, "late")
	assert.True(t, strings.HasPrefix(oldMsg.Text, "first"))

	newMsg, _, err := fast.Wait()
	require.NoError(t, err)
	assert.Equal(t, "fast", newMsg.Text)

	mu.Lock()
	assert.Equal(t, []string{"first"}, oldTokens)
	mu.Unlock()
}

func TestConversationDropsFramesOfStaleGeneration(t *testing.T) {
	cv := New("http://127.0.0.1:0").NewConversation("knowledge", "", "en")
	msg := &Message{Sender: SenderBot}
	rec := NewReconciler(msg, Observer{}, LabelsFor("en"))

	cv.mu.Lock()
	cv.gen = 1
	cv.mu.Unlock()

	cv.apply(1, rec, protocol.TokenFrame("kept"))
	cv.Abort()
	cv.apply(1, rec, protocol.TokenFrame(" injected"))
	(&guarded{cv: cv, gen: 1, rec: rec}).Fail("late failure", "")

	assert.Equal(t, "kept", msg.Text)
	assert.False(t, msg.Failed)
}

func TestConversationAbortPromotesWaitingSteps(t *testing.T) {
	cv := New("http://127.0.0.1:0").NewConversation("knowledge", "", "en")
	msg := &Message{Sender: SenderBot}
	rec := NewReconciler(msg, Observer{}, LabelsFor("en"))
	rec.Apply(step("child", "router-1", protocol.StepRouterSelection, protocol.StatusRunning))
	require.Equal(t, 1, rec.Pending())

	cancelled := false
	cv.mu.Lock()
	cv.messages = append(cv.messages, msg)
	cv.rec = rec
	cv.cancel = func() { cancelled = true }
	cv.mu.Unlock()

	cv.Abort()

	assert.True(t, cancelled)
	assert.True(t, msg.Aborted)
	assert.True(t, msg.Done)
	assert.Contains(t, msg.Text, AbortMarker)
	require.Len(t, msg.Steps, 1)
	assert.Equal(t, "child", msg.Steps[0].StepID)
	assert.Equal(t, 0, rec.Pending())
}

func TestConversationTransportFailures(t *testing.T) {
	_, c := newFakeAPI(t)

	msg, _, err := c.NewConversation("knowledge", "", "en").Send(context.Background(), "broken", Observer{}).Wait()
	require.Error(t, err)
	assert.True(t, msg.Failed)
	assert.Equal(t, "⚠ [technical error] HTTP 500: boom (ref: req-500)", msg.Text)

	var errs []protocol.Frame
	msg, _, err = c.NewConversation("knowledge", "", "en").Send(context.Background(), "cut", Observer{
		OnError: func(f protocol.Frame) { errs = append(errs, f) },
	}).Wait()
	require.Error(t, err)
	assert.True(t, msg.Failed)
	assert.True(t, msg.Done)
	assert.Equal(t, "half\n\n⚠ [technical error] stream ended before completion (ref: req-cut)", msg.Text)
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.ErrorTechnical, errs[0].Kind)
}

func TestClientHistoryRegeneratesLabels(t *testing.T) {
	_, c := newFakeAPI(t)

	msgs, err := c.History(context.Background(), "sess-1", "en")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	bot := msgs[1]
	assert.Equal(t, []string{"Routing", "Retrieval: reading CSV files"}, bot.StepLabels())
	assert.Equal(t, DisplayCSV, bot.Sources[0].DisplayType)
	assert.True(t, bot.Done)

	_, err = c.History(context.Background(), "missing", "en")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConversationReset(t *testing.T) {
	api, c := newFakeAPI(t)
	cv := c.NewConversation("knowledge", "", "en")
	_, _, err := cv.Send(context.Background(), "hello", Observer{}).Wait()
	require.NoError(t, err)

	require.NoError(t, cv.Reset(context.Background()))
	assert.Empty(t, cv.Messages())
	assert.Empty(t, cv.SessionID())
	api.mu.Lock()
	assert.Equal(t, []string{"sess-1"}, api.deleted)
	api.mu.Unlock()

	assert.ErrorIs(t, c.Reset(context.Background(), "other"), ErrSessionNotFound)
}
