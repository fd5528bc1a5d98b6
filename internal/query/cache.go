package query

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"LotLedger/internal/observability"
	"LotLedger/internal/state"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	keyPrefix  = "lotledger:"
	DefaultTTL = 30 * time.Second
)

// Reader is the read surface shared by QueryService and CachedReader.
type Reader interface {
	GetPosition(ctx context.Context, asset, holder string) (*PositionResponse, error)
	ListLots(ctx context.Context, asset, holder string, includeConsumed bool) (*LotsResponse, error)
	GetPool(ctx context.Context, poolID string) (*PoolResponse, error)
}

// CachedReader is a Redis read-through cache in front of QueryService.
// The persistence worker invalidates keys after each committed batch, and
// every entry expires after ttl regardless.
type CachedReader struct {
	qs      *QueryService
	client  *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func NewCachedReader(
	qs *QueryService,
	client *redis.Client,
	ttl time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *CachedReader {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedReader{
		qs:      qs,
		client:  client,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger,
	}
}

func PositionCacheKey(asset, holder string) string {
	return keyPrefix + "position:" + asset + ":" + holder
}

func LotsCacheKey(asset, holder string) string {
	return keyPrefix + "lots:" + asset + ":" + holder
}

func PoolCacheKey(poolID string) string {
	return keyPrefix + "pool:" + poolID
}

func (c *CachedReader) GetPosition(ctx context.Context, asset, holder string) (*PositionResponse, error) {
	var out PositionResponse
	err := c.readThrough(ctx, "position", PositionCacheKey(asset, holder), &out, func() (any, error) {
		return c.qs.GetPosition(ctx, asset, holder)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListLots caches only the open-lot view; includeConsumed always reads Postgres.
func (c *CachedReader) ListLots(ctx context.Context, asset, holder string, includeConsumed bool) (*LotsResponse, error) {
	if includeConsumed {
		return c.qs.ListLots(ctx, asset, holder, true)
	}
	var out LotsResponse
	err := c.readThrough(ctx, "lots", LotsCacheKey(asset, holder), &out, func() (any, error) {
		return c.qs.ListLots(ctx, asset, holder, false)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *CachedReader) GetPool(ctx context.Context, poolID string) (*PoolResponse, error) {
	var out PoolResponse
	err := c.readThrough(ctx, "pool", PoolCacheKey(poolID), &out, func() (any, error) {
		return c.qs.GetPool(ctx, poolID)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// readThrough decodes the cached value into dst, or loads it and fills the
// cache. Redis failures fall through to Postgres.
func (c *CachedReader) readThrough(ctx context.Context, endpoint, key string, dst any, load func() (any, error)) error {
	start := time.Now()
	defer func() {
		c.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if jerr := json.Unmarshal(data, dst); jerr == nil {
			c.metrics.CacheRequests.WithLabelValues("hit").Inc()
			c.metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
			return nil
		}
		c.metrics.CacheRequests.WithLabelValues("error").Inc()
	case errors.Is(err, redis.Nil):
		c.metrics.CacheRequests.WithLabelValues("miss").Inc()
	default:
		c.metrics.CacheRequests.WithLabelValues("error").Inc()
		c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}

	v, err := load()
	if err != nil {
		status := "error"
		if errors.Is(err, ErrNotFound) {
			status = "not_found"
		}
		c.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
		return err
	}
	c.metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()

	data, err = json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	return json.Unmarshal(data, dst)
}

// InvalidatePositions drops the position and lot entries of the given keys.
func (c *CachedReader) InvalidatePositions(ctx context.Context, keys []state.PositionKey) error {
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		redisKeys = append(redisKeys, PositionCacheKey(k.Asset, k.Holder), LotsCacheKey(k.Asset, k.Holder))
	}
	return c.del(ctx, redisKeys)
}

// InvalidatePools drops the cached pool views.
func (c *CachedReader) InvalidatePools(ctx context.Context, poolIDs []string) error {
	if len(poolIDs) == 0 {
		return nil
	}
	redisKeys := make([]string, len(poolIDs))
	for i, id := range poolIDs {
		redisKeys[i] = PoolCacheKey(id)
	}
	return c.del(ctx, redisKeys)
}

func (c *CachedReader) del(ctx context.Context, keys []string) error {
	return c.client.Del(ctx, keys...).Err()
}
