package presence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Redis struct {
	log    *zap.SugaredLogger
	client *redis.Client
	ttl    time.Duration

	ownedLock sync.Mutex
	owned     map[string]types.Address
}

func NewRedis(c *config.Config, client *redis.Client) *Redis {
	return &Redis{
		log:    c.Logger("presence/redis"),
		client: client,
		ttl:    time.Duration(c.PresenceTTLMs) * time.Millisecond,
		owned:  make(map[string]types.Address),
	}
}

func okey(addr types.Address) string {
	return "pres:o:" + addr.Key()
}

func ekey(addr types.Address) string {
	return "pres:e:" + addr.Key()
}

func channel(addr types.Address) string {
	return "pres:n:" + addr.Key()
}

func (r *Redis) MarkConnected(ctx context.Context, addr types.Address, proc types.ProcessID) (uint64, error) {
	epoch, err := r.client.Incr(ctx, ekey(addr)).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: error incrementing epoch: %w", err)
	}
	val := fmt.Sprintf("%s:%d", proc, epoch)
	if err := r.client.Set(ctx, okey(addr), val, r.ttl).Err(); err != nil {
		return 0, fmt.Errorf("presence: error setting owner: %w", err)
	}
	r.ownedLock.Lock()
	r.owned[addr.Key()] = addr
	r.ownedLock.Unlock()
	return uint64(epoch), nil
}

func (r *Redis) MarkDisconnected(ctx context.Context, addr types.Address, proc types.ProcessID, epoch uint64) error {
	val, err := r.client.Get(ctx, okey(addr)).Result()
	if err == redis.Nil {
		r.forget(addr)
		return nil
	}
	if err != nil {
		return fmt.Errorf("presence: error getting owner: %w", err)
	}
	owner, _, _ := strings.Cut(val, ":")
	if owner == proc.String() && val != fmt.Sprintf("%s:%d", proc, epoch) {
		// this process reconnected the device under a newer epoch, keep the
		// heartbeat entry for the replacement connection
		return nil
	}
	r.forget(addr)
	if owner != proc.String() {
		// a connection through another process owns this device now
		return nil
	}
	if err := r.client.Del(ctx, okey(addr)).Err(); err != nil {
		return fmt.Errorf("presence: error deleting owner: %w", err)
	}
	return nil
}

func (r *Redis) forget(addr types.Address) {
	r.ownedLock.Lock()
	delete(r.owned, addr.Key())
	r.ownedLock.Unlock()
}

func (r *Redis) IsConnected(ctx context.Context, addr types.Address) (bool, error) {
	n, err := r.client.Exists(ctx, okey(addr)).Result()
	if err != nil {
		return false, fmt.Errorf("presence: error checking owner: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) Notify(ctx context.Context, addr types.Address) error {
	if err := r.client.Publish(ctx, channel(addr), "").Err(); err != nil {
		return fmt.Errorf("presence: error publishing signal: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, addr types.Address) (<-chan struct{}, func(), error) {
	sub := r.client.Subscribe(ctx, channel(addr))
	if _, err := sub.Receive(ctx); err != nil {
		return nil, nil, fmt.Errorf("presence: error subscribing: %w", err)
	}

	signals := make(chan struct{}, 1)
	go func() {
		for range sub.Channel() {
			select {
			case signals <- struct{}{}:
			default:
			}
		}
		close(signals)
	}()
	cancel := func() {
		if err := sub.Close(); err != nil {
			r.log.Warnf("error closing subscription for %s: %v", addr, err)
		}
	}
	return signals, cancel, nil
}

func (r *Redis) Heartbeat(ctx context.Context) error {
	r.ownedLock.Lock()
	owned := make([]types.Address, 0, len(r.owned))
	for _, addr := range r.owned {
		owned = append(owned, addr)
	}
	r.ownedLock.Unlock()

	for _, addr := range owned {
		if err := r.client.Expire(ctx, okey(addr), r.ttl).Err(); err != nil {
			return fmt.Errorf("presence: error refreshing owner for %s: %w", addr, err)
		}
	}
	return nil
}

func (r *Redis) Close() error {
	return nil
}
