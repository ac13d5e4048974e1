package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// Entry is one cached answer. Answer is the streamed text, chart anchor included; Blocks and
// Visualization are replayed with it.
type Entry struct {
	ID            string                  `json:"id"`
	AssistantID   string                  `json:"assistant_id"`
	SessionID     string                  `json:"session_id"`
	Query         string                  `json:"query"`
	Vector        []float64               `json:"vector"`
	Answer        string                  `json:"answer"`
	Sources       []protocol.Source       `json:"sources,omitempty"`
	Blocks        []protocol.ContentBlock `json:"blocks,omitempty"`
	Visualization *protocol.Visualization `json:"visualization,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	ExpiresAt     time.Time               `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store persists cache entries per assistant.
type Store interface {
	Put(ctx context.Context, entry Entry) error
	List(ctx context.Context, assistantID string) ([]Entry, error)
	Delete(ctx context.Context, assistantID string, ids ...string) error
	DeleteSession(ctx context.Context, sessionID string) (int, error)
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]map[string]Entry)}
}

func (s *MemoryStore) Put(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.entries[entry.AssistantID]
	if !ok {
		bucket = make(map[string]Entry)
		s.entries[entry.AssistantID] = bucket
	}
	bucket[entry.ID] = entry
	return nil
}

func (s *MemoryStore) List(_ context.Context, assistantID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.entries[assistantID]
	out := make([]Entry, 0, len(bucket))
	for _, e := range bucket {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, assistantID string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.entries[assistantID], id)
	}
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, bucket := range s.entries {
		for id, e := range bucket {
			if e.SessionID == sessionID {
				delete(bucket, id)
				removed++
			}
		}
	}
	return removed, nil
}
