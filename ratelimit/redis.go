package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisLimiter struct {
	log    *zap.SugaredLogger
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRedisLimiter(c *config.Config, client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		log:    c.Logger("ratelimit/redis"),
		client: client,
		limit:  c.RateLimitBytes,
		window: time.Duration(c.RateLimitWindowMs) * time.Millisecond,
	}
}

func bkey(account types.AccountID) string {
	return "rl:b:" + account.String()
}

func (l *RedisLimiter) AllowBytes(ctx context.Context, account types.AccountID, n int) (time.Duration, error) {
	key := bkey(account)
	pipe := l.client.TxPipeline()
	total := pipe.IncrBy(ctx, key, int64(n))
	pipe.ExpireNX(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ratelimit: error charging window: %w", err)
	}
	if total.Val() <= l.limit {
		return 0, nil
	}

	// over budget, refund the charge so a retry after the window isn't
	// penalized for this attempt
	if err := l.client.DecrBy(ctx, key, int64(n)).Err(); err != nil {
		l.log.Warnf("error refunding charge for %s: %v", account, err)
	}
	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: error reading window ttl: %w", err)
	}
	if ttl <= 0 {
		ttl = l.window
	}
	return ttl, nil
}

func (l *RedisLimiter) Close() error {
	return nil
}

type RedisEstimator struct {
	client *redis.Client
	window time.Duration
}

func NewRedisEstimator(c *config.Config, client *redis.Client) *RedisEstimator {
	return &RedisEstimator{
		client: client,
		window: time.Duration(c.RateLimitWindowMs) * time.Millisecond,
	}
}

func ekey(source string) string {
	return "rl:e:" + source
}

func (e *RedisEstimator) Observe(ctx context.Context, source string, dest types.AccountID) error {
	key := ekey(source)
	pipe := e.client.TxPipeline()
	pipe.PFAdd(ctx, key, dest.String())
	pipe.ExpireNX(ctx, key, e.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ratelimit: error observing destination: %w", err)
	}
	return nil
}

func (e *RedisEstimator) Count(ctx context.Context, source string) (int64, error) {
	n, err := e.client.PFCount(ctx, ekey(source)).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: error counting destinations: %w", err)
	}
	return n, nil
}

func (e *RedisEstimator) Close() error {
	return nil
}
