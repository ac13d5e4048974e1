// Package cache implements the semantic answer cache: queries are embedded and compared by cosine
// similarity against earlier answers of the same assistant.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/google/uuid"

	"github.com/zhouzirui/insight-desk/backend/pkg/logger"
	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// ErrEmptyQuery is returned for queries that normalize to nothing.
var ErrEmptyQuery = errors.New("empty query")

// Config tunes the cache.
type Config struct {
	Threshold float64
	TTL       time.Duration
}

// Result of a lookup. Entry is set only on a hit.
type Result struct {
	Hit   bool
	Score float64
	Entry *Entry
}

// Cache is safe for concurrent use when its Store is.
type Cache struct {
	embedder embedding.Embedder
	store    Store
	cfg      Config
	log      *logger.Logger
	now      func() time.Time
}

// New builds a cache. A nil embedder selects LexicalEmbedder; a nil store selects MemoryStore.
func New(embedder embedding.Embedder, store Store, cfg Config, log *logger.Logger) *Cache {
	if embedder == nil {
		embedder = LexicalEmbedder{}
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = 0.92
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Cache{
		embedder: embedder,
		store:    store,
		cfg:      cfg,
		log:      log.With("component", "cache"),
		now:      time.Now,
	}
}

// Embedder returns the embedder used for queries. The vector retriever shares it.
func (c *Cache) Embedder() embedding.Embedder { return c.embedder }

// Threshold returns the configured similarity threshold.
func (c *Cache) Threshold() float64 { return c.cfg.Threshold }

// Lookup returns the best non-expired entry of the assistant whose similarity reaches the
// threshold. Expired entries met on the way are evicted.
func (c *Cache) Lookup(ctx context.Context, assistantID, query string) (Result, error) {
	normalized := Normalize(query)
	if normalized == "" {
		return Result{}, ErrEmptyQuery
	}

	vector, err := c.embed(ctx, normalized)
	if err != nil {
		return Result{}, err
	}

	entries, err := c.store.List(ctx, assistantID)
	if err != nil {
		return Result{}, fmt.Errorf("list cache entries: %w", err)
	}

	now := c.now()
	var (
		best    *Entry
		bestSim float64
		expired []string
	)
	for i := range entries {
		e := entries[i]
		if e.Expired(now) {
			expired = append(expired, e.ID)
			continue
		}
		sim := Cosine(vector, e.Vector)
		if e.Query == normalized {
			sim = 1
		}
		if best == nil || sim > bestSim {
			best = &entries[i]
			bestSim = sim
		}
	}

	if len(expired) > 0 {
		if err := c.store.Delete(ctx, assistantID, expired...); err != nil {
			c.log.Warn("evict expired cache entries failed", "assistant_id", assistantID, "error", err)
		}
	}

	if best == nil || bestSim < c.cfg.Threshold {
		return Result{Score: bestSim}, nil
	}
	return Result{Hit: true, Score: bestSim, Entry: best}, nil
}

// Answer is what a cache hit replays.
type Answer struct {
	Text          string
	Sources       []protocol.Source
	Blocks        []protocol.ContentBlock
	Visualization *protocol.Visualization
}

// Save stores an answer for later reuse.
func (c *Cache) Save(ctx context.Context, assistantID, sessionID, query string, answer Answer) error {
	normalized := Normalize(query)
	if normalized == "" {
		return ErrEmptyQuery
	}
	if answer.Text == "" {
		return fmt.Errorf("empty answer")
	}

	vector, err := c.embed(ctx, normalized)
	if err != nil {
		return err
	}

	now := c.now()
	entry := Entry{
		ID:            uuid.NewString(),
		AssistantID:   assistantID,
		SessionID:     sessionID,
		Query:         normalized,
		Vector:        vector,
		Answer:        answer.Text,
		Sources:       answer.Sources,
		Blocks:        answer.Blocks,
		Visualization: answer.Visualization,
		CreatedAt:     now,
		ExpiresAt:     now.Add(c.cfg.TTL),
	}
	if err := c.store.Put(ctx, entry); err != nil {
		return fmt.Errorf("save cache entry: %w", err)
	}
	return nil
}

// ResetSession removes the entries written during a session.
func (c *Cache) ResetSession(ctx context.Context, sessionID string) error {
	removed, err := c.store.DeleteSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reset session cache: %w", err)
	}
	c.log.Debug("session cache reset", "session_id", sessionID, "removed", removed)
	return nil
}

func (c *Cache) embed(ctx context.Context, text string) ([]float64, error) {
	vectors, err := c.embedder.EmbedStrings(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vectors))
	}
	return vectors[0], nil
}
