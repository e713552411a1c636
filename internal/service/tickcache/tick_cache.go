package tickcache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/stream-gateway/internal/config"
	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

const (
	tickDataKeyPrefix = "tick:data:"
	tickSymbolSetKey  = "tick:symbols"

	defaultRetentionWindow    = 24 * time.Hour
	defaultQueryTimeout       = 5 * time.Second
	defaultBreakerMinRequests = 5
	defaultBreakerFailureRate = 0.6
	defaultBreakerCooldown    = 30 * time.Second
)

// TickCache stores raw ticks in per-symbol sorted sets scored by timestamp so
// range replays come back in ascending order. Reads go through a circuit
// breaker: when redis misbehaves the breaker opens and range scans fail fast
// instead of tying up recovery workers.
type TickCache struct {
	client       *redis.Client
	breaker      *gobreaker.CircuitBreaker[[]entity.TickPoint]
	retention    time.Duration
	queryTimeout time.Duration
	now          func() time.Time
}

func NewTickCache(client *redis.Client, cfg config.TickCacheConfig) *TickCache {
	retention := cfg.RetentionWindow
	if retention <= 0 {
		retention = defaultRetentionWindow
	}

	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}

	minRequests := cfg.BreakerMinRequests
	if minRequests == 0 {
		minRequests = defaultBreakerMinRequests
	}

	failureRate := cfg.BreakerFailureRate
	if failureRate <= 0 || failureRate > 1 {
		failureRate = defaultBreakerFailureRate
	}

	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}

	breaker := gobreaker.NewCircuitBreaker[[]entity.TickPoint](gobreaker.Settings{
		Name:    "tick-cache",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= failureRate
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("tick cache breaker state changed")
		},
	})

	return &TickCache{
		client:       client,
		breaker:      breaker,
		retention:    retention,
		queryTimeout: queryTimeout,
		now:          time.Now,
	}
}

// Append stores one tick and prunes entries older than the retention window.
func (c *TickCache) Append(ctx context.Context, point entity.TickPoint) error {
	payload, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("marshal tick point: %w", err)
	}

	key := tickDataKeyPrefix + point.Symbol
	horizon := c.now().Add(-c.retention).UnixMilli()

	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(point.Timestamp), Member: string(payload)})
	pipe.SAdd(ctx, tickSymbolSetKey, point.Symbol)
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(horizon, 10))
	pipe.Expire(ctx, key, c.retention*2)
	_, err = pipe.Exec(ctx)

	return err
}

// GetDataSince returns all points newer than sinceMs across the given
// symbols, ascending by timestamp, capped at maxPoints. The query carries its
// own timeout independent of the caller's deadline budget.
func (c *TickCache) GetDataSince(ctx context.Context, symbols []string, sinceMs int64, maxPoints int) ([]entity.TickPoint, error) {
	return c.breaker.Execute(func() ([]entity.TickPoint, error) {
		queryCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
		defer cancel()

		points := make([]entity.TickPoint, 0)
		min := "(" + strconv.FormatInt(sinceMs, 10)

		for _, symbol := range symbols {
			raw, err := c.client.ZRangeByScore(queryCtx, tickDataKeyPrefix+symbol, &redis.ZRangeBy{
				Min:   min,
				Max:   "+inf",
				Count: int64(maxPoints),
			}).Result()
			if err != nil {
				return nil, fmt.Errorf("range scan for %s: %w", symbol, err)
			}

			for _, member := range raw {
				var point entity.TickPoint
				if err := json.Unmarshal([]byte(member), &point); err != nil {
					logrus.WithField("symbol", symbol).WithError(err).Warn("skipping undecodable cached tick")
					continue
				}
				points = append(points, point)
			}
		}

		sort.SliceStable(points, func(i, j int) bool {
			return points[i].Timestamp < points[j].Timestamp
		})

		if maxPoints > 0 && len(points) > maxPoints {
			points = points[:maxPoints]
		}

		return points, nil
	})
}

func (c *TickCache) Stats(ctx context.Context) (entity.TickCacheStats, error) {
	symbols, err := c.client.SMembers(ctx, tickSymbolSetKey).Result()
	if err != nil {
		return entity.TickCacheStats{}, err
	}

	stats := entity.TickCacheStats{Symbols: int64(len(symbols))}
	for _, symbol := range symbols {
		count, err := c.client.ZCard(ctx, tickDataKeyPrefix+symbol).Result()
		if err != nil {
			continue
		}
		stats.Points += count
	}

	return stats, nil
}

// BreakerState exposes the breaker for health reporting.
func (c *TickCache) BreakerState() string {
	return c.breaker.State().String()
}
