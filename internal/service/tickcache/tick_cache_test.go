package tickcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/krobus00/stream-gateway/internal/config"
	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *TickCache {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	cache := NewTickCache(client, config.TickCacheConfig{})
	// fixture timestamps are small epoch-ms values, pin the clock near them so
	// the retention prune on append leaves them alone
	cache.now = func() time.Time { return time.UnixMilli(1000) }

	return cache
}

func point(symbol string, ts int64, price float64) entity.TickPoint {
	return entity.TickPoint{
		Symbol:    symbol,
		Timestamp: ts,
		Price:     decimal.NewFromFloat(price),
	}
}

func TestGetDataSinceOrdering(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cache := newTestCache(t)

	require.NoError(t, cache.Append(ctx, point("MSFT.US", 300, 410.0)))
	require.NoError(t, cache.Append(ctx, point("AAPL.US", 100, 210.0)))
	require.NoError(t, cache.Append(ctx, point("AAPL.US", 200, 211.5)))

	points, err := cache.GetDataSince(ctx, []string{"AAPL.US", "MSFT.US"}, 0, 100)
	require.NoError(t, err)
	require.Len(t, points, 3)

	// merged across symbols, ascending by timestamp
	assert.EqualValues(100, points[0].Timestamp)
	assert.EqualValues(200, points[1].Timestamp)
	assert.EqualValues(300, points[2].Timestamp)
}

func TestGetDataSinceExcludesBoundary(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cache := newTestCache(t)

	require.NoError(t, cache.Append(ctx, point("AAPL.US", 100, 210.0)))
	require.NoError(t, cache.Append(ctx, point("AAPL.US", 200, 211.5)))

	// the client already has the point at sinceMs, only newer ones come back
	points, err := cache.GetDataSince(ctx, []string{"AAPL.US"}, 100, 100)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.EqualValues(200, points[0].Timestamp)
}

func TestGetDataSinceCapsPoints(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cache := newTestCache(t)

	for ts := int64(1); ts <= 10; ts++ {
		require.NoError(t, cache.Append(ctx, point("AAPL.US", ts, 210.0)))
	}

	points, err := cache.GetDataSince(ctx, []string{"AAPL.US"}, 0, 4)
	require.NoError(t, err)
	assert.Len(points, 4)
	assert.EqualValues(1, points[0].Timestamp)
}

func TestAppendPrunesExpired(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cache := newTestCache(t)
	now := time.Now()
	cache.now = func() time.Time { return now }

	stale := now.Add(-25 * time.Hour).UnixMilli()
	fresh := now.Add(-time.Minute).UnixMilli()
	require.NoError(t, cache.Append(ctx, point("AAPL.US", stale, 210.0)))
	require.NoError(t, cache.Append(ctx, point("AAPL.US", fresh, 211.5)))

	points, err := cache.GetDataSince(ctx, []string{"AAPL.US"}, 0, 100)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.EqualValues(fresh, points[0].Timestamp)
}

func TestGetDataSinceUnknownSymbol(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cache := newTestCache(t)

	points, err := cache.GetDataSince(ctx, []string{"GHOST.US"}, 0, 100)
	require.NoError(t, err)
	assert.Empty(points)
}

func TestStats(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cache := newTestCache(t)

	require.NoError(t, cache.Append(ctx, point("AAPL.US", 100, 210.0)))
	require.NoError(t, cache.Append(ctx, point("AAPL.US", 200, 211.5)))
	require.NoError(t, cache.Append(ctx, point("MSFT.US", 100, 410.0)))

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(2, stats.Symbols)
	assert.EqualValues(3, stats.Points)
}
