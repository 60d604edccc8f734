package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/types"
	"github.com/meow-io/go-courier/wire"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis keeps each device's queue as a ZSET of guids scored by server timestamp
// plus a HASH of guid to envelope body, so entries can be removed by guid on ack.
type Redis struct {
	log    *zap.SugaredLogger
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(c *config.Config, client *redis.Client) *Redis {
	return &Redis{
		log:    c.Logger("queue/redis"),
		client: client,
		ttl:    time.Duration(c.QueueTTLDays) * 24 * time.Hour,
	}
}

func zkey(addr types.Address) string {
	return "q:z:" + addr.Key()
}

func hkey(addr types.Address) string {
	return "q:h:" + addr.Key()
}

func pkey(addr types.Address) string {
	return "q:p:" + addr.Key()
}

func (r *Redis) Push(ctx context.Context, addr types.Address, env *wire.Envelope) (int64, error) {
	body, err := wire.EncodeEnvelope(env)
	if err != nil {
		return 0, err
	}
	guid := env.ServerGUID.String()

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, hkey(addr), guid, body)
	pipe.ZAdd(ctx, zkey(addr), redis.Z{Score: float64(env.ServerTimestamp), Member: guid})
	pipe.Expire(ctx, hkey(addr), r.ttl)
	pipe.Expire(ctx, zkey(addr), r.ttl)
	depth := pipe.ZCard(ctx, zkey(addr))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: error pushing envelope: %w", err)
	}
	return depth.Val(), nil
}

func (r *Redis) Pop(ctx context.Context, addr types.Address, max int) ([]*wire.Envelope, error) {
	guids, err := r.client.ZRange(ctx, zkey(addr), 0, int64(max)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: error ranging queue: %w", err)
	}
	if len(guids) == 0 {
		return nil, nil
	}

	bodies, err := r.client.HMGet(ctx, hkey(addr), guids...).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: error getting envelope bodies: %w", err)
	}

	envs := make([]*wire.Envelope, 0, len(bodies))
	for i, b := range bodies {
		s, ok := b.(string)
		if !ok {
			// the body hash entry was evicted out from under the index
			r.log.Warnf("missing body for %s in queue %s", guids[i], addr)
			continue
		}
		env, err := wire.DecodeEnvelope([]byte(s))
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (r *Redis) Ack(ctx context.Context, addr types.Address, guid uuid.UUID) (bool, error) {
	pipe := r.client.TxPipeline()
	removed := pipe.ZRem(ctx, zkey(addr), guid.String())
	pipe.HDel(ctx, hkey(addr), guid.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("queue: error acking envelope: %w", err)
	}
	return removed.Val() == 1, nil
}

func (r *Redis) Clear(ctx context.Context, addr types.Address) (int64, error) {
	count, err := r.client.ZCard(ctx, zkey(addr)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: error counting queue: %w", err)
	}
	if err := r.client.Del(ctx, zkey(addr), hkey(addr), pkey(addr)).Err(); err != nil {
		return 0, fmt.Errorf("queue: error clearing queue: %w", err)
	}
	return count, nil
}

func (r *Redis) Primed(ctx context.Context, addr types.Address) (bool, error) {
	n, err := r.client.Exists(ctx, pkey(addr)).Result()
	if err != nil {
		return false, fmt.Errorf("queue: error checking primed marker: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) MarkPrimed(ctx context.Context, addr types.Address) error {
	if err := r.client.Set(ctx, pkey(addr), "1", r.ttl).Err(); err != nil {
		return fmt.Errorf("queue: error setting primed marker: %w", err)
	}
	return nil
}

func (r *Redis) Unprime(ctx context.Context, addr types.Address) error {
	if err := r.client.Del(ctx, pkey(addr)).Err(); err != nil {
		return fmt.Errorf("queue: error clearing primed marker: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return nil
}
