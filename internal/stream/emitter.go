// Package stream writes protocol frames to a client: one JSON object per line over a flushed HTTP
// response, or one text message per frame over a websocket.
package stream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// ContentType of the NDJSON stream.
const ContentType = "application/x-ndjson"

var (
	// ErrClosed is returned once the client is gone or the emitter was closed.
	ErrClosed = errors.New("stream closed")
	// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
	ErrStreamingUnsupported = errors.New("streaming unsupported")
)

// Emitter sends frames to one client. Implementations are safe for concurrent use.
type Emitter interface {
	Emit(frame protocol.Frame) error
}

// NDJSONWriter writes frames as newline-delimited JSON and flushes after each one.
type NDJSONWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

// NewNDJSONWriter prepares w for streaming and writes the headers.
func NewNDJSONWriter(w http.ResponseWriter) (*NDJSONWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &NDJSONWriter{w: w, flusher: flusher}, nil
}

// Emit validates, encodes and flushes one frame.
func (s *NDJSONWriter) Emit(frame protocol.Frame) error {
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
	if _, err := s.w.Write(data); err != nil {
		s.closed = true
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	s.flusher.Flush()
	return nil
}

// Close makes later Emit calls fail with ErrClosed.
func (s *NDJSONWriter) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Recorder keeps frames in memory. It backs tests and the offline tester.
type Recorder struct {
	mu     sync.Mutex
	frames []protocol.Frame
	// FailAfter makes Emit return ErrClosed once that many frames were recorded. Zero disables.
	FailAfter int
}

// Emit records a validated frame.
func (r *Recorder) Emit(frame protocol.Frame) error {
	if err := frame.Validate(); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailAfter > 0 && len(r.frames) >= r.FailAfter {
		return ErrClosed
	}
	r.frames = append(r.frames, frame)
	return nil
}

// Frames returns a copy of the recorded frames.
func (r *Recorder) Frames() []protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Frame, len(r.frames))
	copy(out, r.frames)
	return out
}
