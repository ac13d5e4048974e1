package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/insight-desk/backend/internal/model/chat"
	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

var (
	ErrAssistantRequired = errors.New("assistant id is required")
	ErrSessionNotFound   = errors.New("session not found")
	ErrAssistantMismatch = errors.New("session belongs to another assistant")
	ErrMessageNotFound   = errors.New("message not found")
)

// Store is the history contract used by handlers and the orchestrator.
type Store interface {
	CreateSession(ctx context.Context, assistantID string) (chat.Session, error)
	EnsureSession(ctx context.Context, sessionID, assistantID string) (chat.Session, bool, error)
	GetSession(ctx context.Context, sessionID string) (chat.Session, error)
	SaveMessage(ctx context.Context, message chat.Message) (chat.Message, error)
	LoadTranscript(ctx context.Context, sessionID string) ([]chat.Message, error)
	// UpdateSteps replaces the step tree of a stored message, used once the turn's last steps ran.
	UpdateSteps(ctx context.Context, sessionID, messageID string, steps []*protocol.StepEvent) error
	DeleteSession(ctx context.Context, sessionID string) error
}

var _ Store = (*Service)(nil)

// Service encapsulates conversation state in memory.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
	messages map[string][]chat.Message
}

// NewService bootstraps the in-memory history store.
func NewService() *Service {
	return &Service{
		sessions: make(map[string]chat.Session),
		messages: make(map[string][]chat.Message),
	}
}

// CreateSession provisions an anonymous session bound to an assistant.
func (s *Service) CreateSession(_ context.Context, assistantID string) (chat.Session, error) {
	if assistantID == "" {
		return chat.Session{}, ErrAssistantRequired
	}

	session := newSession(uuid.NewString(), assistantID)

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.messages[session.ID] = make([]chat.Message, 0, 16)
	s.mu.Unlock()

	return session, nil
}

// EnsureSession returns the session with sessionID, creating it on first use. An empty
// sessionID always creates a new session.
func (s *Service) EnsureSession(ctx context.Context, sessionID, assistantID string) (chat.Session, bool, error) {
	if assistantID == "" {
		return chat.Session{}, false, ErrAssistantRequired
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		session, err := s.CreateSession(ctx, assistantID)
		return session, err == nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[sessionID]; ok {
		if existing.AssistantID != assistantID {
			return chat.Session{}, false, ErrAssistantMismatch
		}
		return existing, false, nil
	}

	session := newSession(sessionID, assistantID)
	s.sessions[sessionID] = session
	s.messages[sessionID] = make([]chat.Message, 0, 16)
	return session, true, nil
}

// SaveMessage appends a message to the session history.
func (s *Service) SaveMessage(_ context.Context, message chat.Message) (chat.Message, error) {
	if message.SessionID == "" {
		return chat.Message{}, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[message.SessionID]; !ok {
		return chat.Message{}, ErrSessionNotFound
	}

	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	message.Steps = persistableSteps(message.Steps)
	s.messages[message.SessionID] = append(s.messages[message.SessionID], message)
	return message, nil
}

// UpdateSteps replaces the steps of message messageID.
func (s *Service) UpdateSteps(_ context.Context, sessionID, messageID string, steps []*protocol.StepEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages, ok := s.messages[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	for i := range messages {
		if messages[i].ID == messageID {
			messages[i].Steps = persistableSteps(steps)
			return nil
		}
	}
	return ErrMessageNotFound
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// LoadTranscript returns stored messages for the provided session.
func (s *Service) LoadTranscript(_ context.Context, sessionID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// DeleteSession drops the session and its history.
func (s *Service) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	return nil
}

// persistableSteps copies the step tree without display labels.
func persistableSteps(steps []*protocol.StepEvent) []*protocol.StepEvent {
	if len(steps) == 0 {
		return nil
	}
	out := make([]*protocol.StepEvent, len(steps))
	for i, step := range steps {
		out[i] = step.Clone()
	}
	protocol.Walk(out, func(s *protocol.StepEvent) bool {
		s.Label = ""
		return true
	})
	return out
}

func newSession(id, assistantID string) chat.Session {
	return chat.Session{
		ID:          id,
		AssistantID: assistantID,
		CreatedAt:   time.Now().UTC(),
	}
}
