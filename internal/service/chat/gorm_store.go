package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/zhouzirui/insight-desk/backend/internal/model/chat"
	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

type sessionRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	AssistantID string `gorm:"size:64;index"`
	CreatedAt   time.Time
}

func (sessionRecord) TableName() string { return "chat_sessions" }

type messageRecord struct {
	ID            string `gorm:"primaryKey;size:64"`
	SessionID     string `gorm:"size:64;index"`
	Seq           int64  `gorm:"index"`
	Sender        string `gorm:"size:16"`
	Content       string
	ContentBlocks datatypes.JSON
	Steps         datatypes.JSON
	Sources       datatypes.JSON
	Visualization datatypes.JSON
	Failed        bool
	CreatedAt     time.Time
}

func (messageRecord) TableName() string { return "chat_messages" }

var _ Store = (*GormStore)(nil)

// GormStore persists sessions and messages through gorm (sqlite or postgres).
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the history tables and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db required")
	}
	if err := db.AutoMigrate(&sessionRecord{}, &messageRecord{}); err != nil {
		return nil, fmt.Errorf("migrate chat tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) CreateSession(ctx context.Context, assistantID string) (chat.Session, error) {
	if assistantID == "" {
		return chat.Session{}, ErrAssistantRequired
	}
	session := newSession(uuid.NewString(), assistantID)
	if err := s.db.WithContext(ctx).Create(toSessionRecord(session)).Error; err != nil {
		return chat.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (s *GormStore) EnsureSession(ctx context.Context, sessionID, assistantID string) (chat.Session, bool, error) {
	if assistantID == "" {
		return chat.Session{}, false, ErrAssistantRequired
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		session, err := s.CreateSession(ctx, assistantID)
		return session, err == nil, err
	}

	existing, err := s.GetSession(ctx, sessionID)
	switch {
	case err == nil:
		if existing.AssistantID != assistantID {
			return chat.Session{}, false, ErrAssistantMismatch
		}
		return existing, false, nil
	case !errors.Is(err, ErrSessionNotFound):
		return chat.Session{}, false, err
	}

	session := newSession(sessionID, assistantID)
	if err := s.db.WithContext(ctx).Create(toSessionRecord(session)).Error; err != nil {
		return chat.Session{}, false, fmt.Errorf("create session: %w", err)
	}
	return session, true, nil
}

func (s *GormStore) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	var rec sessionRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("get session: %w", err)
	}
	return chat.Session{ID: rec.ID, AssistantID: rec.AssistantID, CreatedAt: rec.CreatedAt}, nil
}

func (s *GormStore) SaveMessage(ctx context.Context, message chat.Message) (chat.Message, error) {
	if message.SessionID == "" {
		return chat.Message{}, ErrSessionNotFound
	}
	if _, err := s.GetSession(ctx, message.SessionID); err != nil {
		return chat.Message{}, err
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	rec, err := toMessageRecord(message)
	if err != nil {
		return chat.Message{}, err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return chat.Message{}, fmt.Errorf("save message: %w", err)
	}
	return message, nil
}

func (s *GormStore) LoadTranscript(ctx context.Context, sessionID string) ([]chat.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	var recs []messageRecord
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq asc").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	out := make([]chat.Message, 0, len(recs))
	for _, rec := range recs {
		msg, err := fromMessageRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *GormStore) UpdateSteps(ctx context.Context, sessionID, messageID string, steps []*protocol.StepEvent) error {
	raw, err := marshalJSON(steps)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&messageRecord{}).
		Where("id = ? AND session_id = ?", messageID, sessionID).
		Update("steps", raw)
	if res.Error != nil {
		return fmt.Errorf("update steps: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *GormStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&sessionRecord{}, "id = ?", sessionID)
		if res.Error != nil {
			return fmt.Errorf("delete session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		if err := tx.Delete(&messageRecord{}, "session_id = ?", sessionID).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		return nil
	})
}

func toSessionRecord(s chat.Session) *sessionRecord {
	return &sessionRecord{ID: s.ID, AssistantID: s.AssistantID, CreatedAt: s.CreatedAt}
}

func toMessageRecord(m chat.Message) (*messageRecord, error) {
	rec := &messageRecord{
		ID:        m.ID,
		SessionID: m.SessionID,
		Seq:       m.CreatedAt.UnixNano(),
		Sender:    m.Sender,
		Content:   m.Content,
		Failed:    m.Failed,
		CreatedAt: m.CreatedAt,
	}
	var err error
	if rec.ContentBlocks, err = marshalJSON(m.ContentBlocks); err != nil {
		return nil, err
	}
	if rec.Steps, err = marshalJSON(m.Steps); err != nil {
		return nil, err
	}
	if rec.Sources, err = marshalJSON(m.Sources); err != nil {
		return nil, err
	}
	if m.Visualization != nil {
		if rec.Visualization, err = marshalJSON(m.Visualization); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func fromMessageRecord(rec messageRecord) (chat.Message, error) {
	msg := chat.Message{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		Sender:    rec.Sender,
		Content:   rec.Content,
		Failed:    rec.Failed,
		CreatedAt: rec.CreatedAt,
	}
	if err := unmarshalJSON(rec.ContentBlocks, &msg.ContentBlocks); err != nil {
		return chat.Message{}, err
	}
	if err := unmarshalJSON(rec.Steps, &msg.Steps); err != nil {
		return chat.Message{}, err
	}
	if err := unmarshalJSON(rec.Sources, &msg.Sources); err != nil {
		return chat.Message{}, err
	}
	if len(rec.Visualization) > 0 {
		var v protocol.Visualization
		if err := unmarshalJSON(rec.Visualization, &v); err != nil {
			return chat.Message{}, err
		}
		msg.Visualization = &v
	}
	return msg, nil
}

func marshalJSON(v any) (datatypes.JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message column: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func unmarshalJSON(raw datatypes.JSON, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal message column: %w", err)
	}
	return nil
}
