package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zhouzirui/insight-desk/backend/pkg/logger"
	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// Response headers set by the server.
const (
	HeaderSessionID = "X-Session-Id"
	HeaderRequestID = "X-Request-Id"
)

// ErrSessionNotFound is returned by History and Reset for unknown sessions.
var ErrSessionNotFound = errors.New("session not found")

// Client talks to the chat API.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. It must not set a total timeout shorter than
// a streamed answer.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used for skipped frames and transport errors.
func WithLogger(log *logger.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New returns a client for the API rooted at baseURL, e.g. "http://localhost:8080/api".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: http.DefaultTransport},
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StreamResult describes a finished stream.
type StreamResult struct {
	SessionID string
	RequestID string
	// Skipped counts malformed frames that were dropped.
	Skipped int
}

// Stream posts req and folds every frame through rec until the stream ends. Transport failures
// are folded into the message as a technical error marker and also returned. A canceled ctx
// returns ctx.Err() without touching the message.
func (c *Client) Stream(ctx context.Context, req protocol.StreamRequest, rec *Reconciler) (StreamResult, error) {
	return c.stream(ctx, req, rec.Apply, rec)
}

// folder receives transport failures of a stream. Reconciler implements it.
type folder interface {
	Fail(reason, ref string)
	Message() *Message
}

func (c *Client) stream(ctx context.Context, req protocol.StreamRequest, apply func(protocol.Frame), rec folder) (StreamResult, error) {
	var res StreamResult
	body, err := json.Marshal(req)
	if err != nil {
		return res, fmt.Errorf("encode stream request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	if req.Language != "" {
		httpReq.Header.Set("Accept-Language", req.Language)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		rec.Fail("connection failed", "")
		return res, fmt.Errorf("post chat stream: %w", err)
	}
	defer resp.Body.Close()

	res.SessionID = resp.Header.Get(HeaderSessionID)
	res.RequestID = resp.Header.Get(HeaderRequestID)

	if resp.StatusCode/100 != 2 {
		reason := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if msg := errorMessage(resp.Body); msg != "" {
			reason += ": " + msg
		}
		rec.Fail(reason, res.RequestID)
		return res, fmt.Errorf("chat stream: %s", reason)
	}

	dec := NewDecoder(apply, c.log)
	_, err = dec.ReadFrom(resp.Body)
	res.Skipped = dec.Skipped()
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		c.log.Warn("chat stream interrupted", "request_id", res.RequestID, "error", err)
		rec.Fail("connection lost", res.RequestID)
		return res, fmt.Errorf("read chat stream: %w", err)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if !rec.Message().Done {
		rec.Fail("stream ended before completion", res.RequestID)
		return res, fmt.Errorf("chat stream ended before completion")
	}
	return res, nil
}

// History loads the persisted messages of a session with labels regenerated for lang.
func (c *Client) History(ctx context.Context, sessionID, lang string) ([]*Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL(sessionID)+"/history", nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		Messages []storedMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	labels := LabelsFor(lang)
	out := make([]*Message, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		out = append(out, m.toMessage(labels))
	}
	return out, nil
}

// Reset deletes the session history and the cached answers it produced.
func (c *Client) Reset(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.sessionURL(sessionID), nil)
	if err != nil {
		return fmt.Errorf("build reset request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) sessionURL(sessionID string) string {
	return c.baseURL + "/chat/" + url.PathEscape(sessionID)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrSessionNotFound
	}
	return nil, fmt.Errorf("%s %s: HTTP %d %s", req.Method, req.URL.Path, resp.StatusCode, errorMessage(resp.Body))
}

func errorMessage(r io.Reader) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 64<<10)).Decode(&body); err != nil {
		return ""
	}
	return body.Error
}

// storedMessage is the persisted form returned by the history endpoint.
type storedMessage struct {
	ID            string                  `json:"id"`
	Sender        string                  `json:"sender"`
	Content       string                  `json:"content"`
	ContentBlocks []protocol.ContentBlock `json:"contentBlocks"`
	Steps         []*protocol.StepEvent   `json:"steps"`
	Sources       []protocol.Source       `json:"sources"`
	Visualization *protocol.Visualization `json:"visualization"`
	Failed        bool                    `json:"failed"`
	CreatedAt     time.Time               `json:"createdAt"`
}

func (m storedMessage) toMessage(labels Labels) *Message {
	labels.Apply(m.Steps)
	return &Message{
		ID:            m.ID,
		Sender:        m.Sender,
		Text:          m.Content,
		Blocks:        m.ContentBlocks,
		Steps:         m.Steps,
		Sources:       NormalizeSources(m.Sources),
		Visualization: m.Visualization,
		Failed:        m.Failed,
		Done:          true,
	}
}
