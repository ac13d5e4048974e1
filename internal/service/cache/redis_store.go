package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// RedisStore keeps one hash per assistant (field = entry id, value = JSON entry) and one set per
// session indexing "assistant|entry" pairs for ResetSession.
type RedisStore struct {
	rdb    goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// DialRedis connects and pings addr.
func DialRedis(ctx context.Context, addr string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewRedisStore wraps rdb. ttl bounds how long the keys live after the last write.
func NewRedisStore(rdb goredis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "semcache"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) assistantKey(assistantID string) string {
	return s.prefix + ":assistant:" + assistantID
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return s.prefix + ":session:" + sessionID
}

func (s *RedisStore) Put(ctx context.Context, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	akey := s.assistantKey(entry.AssistantID)
	pipe.HSet(ctx, akey, entry.ID, raw)
	if s.ttl > 0 {
		pipe.Expire(ctx, akey, s.ttl)
	}
	if entry.SessionID != "" {
		skey := s.sessionKey(entry.SessionID)
		pipe.SAdd(ctx, skey, entry.AssistantID+"|"+entry.ID)
		if s.ttl > 0 {
			pipe.Expire(ctx, skey, s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, assistantID string) ([]Entry, error) {
	values, err := s.rdb.HGetAll(ctx, s.assistantKey(assistantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	out := make([]Entry, 0, len(values))
	for id, raw := range values {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			// 损坏的条目直接跳过，下次写入会覆盖。
			_ = s.rdb.HDel(ctx, s.assistantKey(assistantID), id).Err()
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, assistantID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.HDel(ctx, s.assistantKey(assistantID), ids...).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	skey := s.sessionKey(sessionID)
	members, err := s.rdb.SMembers(ctx, skey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis session members: %w", err)
	}

	byAssistant := make(map[string][]string)
	for _, m := range members {
		assistantID, id, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		byAssistant[assistantID] = append(byAssistant[assistantID], id)
	}

	pipe := s.rdb.TxPipeline()
	for assistantID, ids := range byAssistant {
		pipe.HDel(ctx, s.assistantKey(assistantID), ids...)
	}
	pipe.Del(ctx, skey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis reset session: %w", err)
	}
	return len(members), nil
}
