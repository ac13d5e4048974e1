package trending

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/insight-desk/backend/internal/service/cache"
)

type countingRecorder struct {
	calls []string
}

func (r *countingRecorder) ObserveQuery(assistantID, pipeline string) {
	r.calls = append(r.calls, assistantID+"/"+pipeline)
}

func TestServiceRanksNormalizedQueries(t *testing.T) {
	rec := &countingRecorder{}
	svc := New(NewMemoryStore(), rec)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, "sales", "certified_sql", "Monthly revenue?"))
	require.NoError(t, svc.Record(ctx, "sales", "certified_sql", "  monthly REVENUE "))
	require.NoError(t, svc.Record(ctx, "sales", "csv", "sales by region"))
	require.NoError(t, svc.Record(ctx, "knowledge", "rag", "retention"))
	assert.Error(t, svc.Record(ctx, "sales", "rag", "   "))

	top, err := svc.Top(ctx, "sales", 0)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, Item{Query: cache.Normalize("Monthly revenue?"), Count: 2}, top[0])
	assert.Equal(t, int64(1), top[1].Count)

	top, err = svc.Top(ctx, "sales", 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)

	assert.Equal(t, []string{"sales/certified_sql", "sales/certified_sql", "sales/csv", "knowledge/rag"}, rec.calls)
}

func TestRedisStoreIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := cache.DialRedis(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	store := NewRedisStore(rdb, "test-"+uuid.NewString(), time.Minute)
	require.NoError(t, store.Incr(ctx, "sales", "a"))
	require.NoError(t, store.Incr(ctx, "sales", "b"))
	require.NoError(t, store.Incr(ctx, "sales", "b"))

	top, err := store.Top(ctx, "sales", 5)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, Item{Query: "b", Count: 2}, top[0])
}
