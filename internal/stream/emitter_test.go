package stream

import (
	"bufio"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

func TestNDJSONWriterOneLinePerFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewNDJSONWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Emit(protocol.StepFrame(protocol.StepEvent{StepID: "s1", StepType: protocol.StepRetrieval, Status: protocol.StatusRunning})))
	require.NoError(t, w.Emit(protocol.TokenFrame("Hel")))
	require.NoError(t, w.Emit(protocol.TokenFrame("lo\nworld")))

	assert.Equal(t, ContentType, rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)

	lines := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	frame, err := protocol.Decode([]byte(lines[2]))
	require.NoError(t, err)
	assert.Equal(t, "lo\nworld", frame.Content)
}

func TestNDJSONWriterRejectsInvalidFrames(t *testing.T) {
	w, err := NewNDJSONWriter(httptest.NewRecorder())
	require.NoError(t, err)
	assert.Error(t, w.Emit(protocol.Frame{Type: "bogus"}))
	assert.Error(t, w.Emit(protocol.StepFrame(protocol.StepEvent{StepType: protocol.StepRouter, Status: protocol.StatusRunning})))
}

func TestNDJSONWriterClosed(t *testing.T) {
	w, err := NewNDJSONWriter(httptest.NewRecorder())
	require.NoError(t, err)
	w.Close()
	assert.ErrorIs(t, w.Emit(protocol.TokenFrame("x")), ErrClosed)
}

func TestNDJSONWriterConcurrentEmit(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewNDJSONWriter(rec)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Emit(protocol.TokenFrame("abc"))
		}()
	}
	wg.Wait()

	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	count := 0
	for scanner.Scan() {
		_, err := protocol.Decode(scanner.Bytes())
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 50, count)
}

func TestRecorderFailAfter(t *testing.T) {
	r := &Recorder{FailAfter: 1}
	require.NoError(t, r.Emit(protocol.TokenFrame("a")))
	assert.True(t, errors.Is(r.Emit(protocol.TokenFrame("b")), ErrClosed))
	assert.Len(t, r.Frames(), 1)
}

func TestWSWriterSendsTextFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws := NewWSWriter(conn)
		_ = ws.Emit(protocol.StatusFrame("thinking"))
		_ = ws.Emit(protocol.TokenFrame("hi"))
		_ = ws.Close()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var got []protocol.Frame
	for i := 0; i < 2; i++ {
		kind, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, kind)
		frame, err := protocol.Decode(data)
		require.NoError(t, err)
		got = append(got, frame)
	}
	assert.Equal(t, protocol.FrameStatus, got[0].Type)
	assert.Equal(t, "hi", got[1].Content)
}
