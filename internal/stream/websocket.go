package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

const wsWriteWait = 10 * time.Second

// WSWriter sends every frame as one websocket text message.
type WSWriter struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWSWriter wraps an upgraded connection.
func NewWSWriter(conn *websocket.Conn) *WSWriter {
	return &WSWriter{conn: conn}
}

// Emit writes one frame.
func (s *WSWriter) Emit(frame protocol.Frame) error {
	if err := frame.Validate(); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data[:len(data)-1]); err != nil {
		s.closed = true
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Ping keeps the connection alive between turns.
func (s *WSWriter) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// Close sends a close message and marks the writer closed.
func (s *WSWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	return s.conn.Close()
}
