// Package trending counts the questions asked per assistant. Recording is best effort: callers
// log failures and move on.
package trending

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/zhouzirui/insight-desk/backend/internal/service/cache"
)

// Item is one trending question.
type Item struct {
	Query string `json:"query"`
	Count int64  `json:"count"`
}

// Store persists question counters.
type Store interface {
	Incr(ctx context.Context, assistantID, query string) error
	Top(ctx context.Context, assistantID string, n int) ([]Item, error)
}

// Recorder is the metrics hook of the service. observability.Metrics implements it.
type Recorder interface {
	ObserveQuery(assistantID, pipeline string)
}

// Service records asked questions.
type Service struct {
	store    Store
	recorder Recorder
}

// New returns a service over store. recorder may be nil.
func New(store Store, recorder Recorder) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Service{store: store, recorder: recorder}
}

// Record counts query for assistantID.
func (s *Service) Record(ctx context.Context, assistantID, pipeline, query string) error {
	key := cache.Normalize(query)
	if key == "" {
		return fmt.Errorf("empty query")
	}
	if s.recorder != nil {
		s.recorder.ObserveQuery(assistantID, pipeline)
	}
	if err := s.store.Incr(ctx, assistantID, key); err != nil {
		return fmt.Errorf("record trending query: %w", err)
	}
	return nil
}

// Top returns the n most asked questions of assistantID.
func (s *Service) Top(ctx context.Context, assistantID string, n int) ([]Item, error) {
	if n <= 0 {
		n = 5
	}
	return s.store.Top(ctx, assistantID, n)
}

// MemoryStore keeps counters in process.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[string]map[string]int64)}
}

func (s *MemoryStore) Incr(_ context.Context, assistantID, query string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[assistantID] == nil {
		s.counts[assistantID] = make(map[string]int64)
	}
	s.counts[assistantID][query]++
	return nil
}

func (s *MemoryStore) Top(_ context.Context, assistantID string, n int) ([]Item, error) {
	s.mu.Lock()
	items := make([]Item, 0, len(s.counts[assistantID]))
	for q, c := range s.counts[assistantID] {
		items = append(items, Item{Query: q, Count: c})
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].Count != items[j].Count {
			return items[i].Count > items[j].Count
		}
		return items[i].Query < items[j].Query
	})
	if len(items) > n {
		items = items[:n]
	}
	return items, nil
}

// RedisStore keeps one sorted set per assistant.
type RedisStore struct {
	rdb    goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore stores counters under prefix. A positive ttl expires idle assistants' sets.
func NewRedisStore(rdb goredis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: strings.TrimSuffix(prefix, ":"), ttl: ttl}
}

func (s *RedisStore) key(assistantID string) string {
	return s.prefix + ":trending:" + assistantID
}

func (s *RedisStore) Incr(ctx context.Context, assistantID, query string) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZIncrBy(ctx, s.key(assistantID), 1, query)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key(assistantID), s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Top(ctx context.Context, assistantID string, n int) ([]Item, error) {
	members, err := s.rdb.ZRevRangeWithScores(ctx, s.key(assistantID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read trending: %w", err)
	}
	items := make([]Item, 0, len(members))
	for _, m := range members {
		query, _ := m.Member.(string)
		items = append(items, Item{Query: query, Count: int64(m.Score)})
	}
	return items, nil
}
