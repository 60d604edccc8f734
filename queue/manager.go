package queue

import (
	"context"

	"github.com/google/uuid"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/types"
	"github.com/meow-io/go-courier/wire"
	"go.uber.org/zap"
)

// Manager composes the hot queue with the durable store. A pop against a queue
// which isn't primed lazily reloads the device's envelopes from the store, so
// cache loss heals itself and acks settle both layers at once.
type Manager struct {
	log      *zap.SugaredLogger
	queue    Queue
	store    store.Store
	pageSize int
}

func NewManager(c *config.Config, q Queue, s store.Store) *Manager {
	return &Manager{
		log:      c.Logger("queue/manager"),
		queue:    q,
		store:    s,
		pageSize: c.RehydratePageSize,
	}
}

func (m *Manager) Push(ctx context.Context, addr types.Address, env *wire.Envelope) (int64, error) {
	return m.queue.Push(ctx, addr, env)
}

// Unprime marks the device's queue as no longer trustworthy, so the next pop
// reloads it from the durable store.
func (m *Manager) Unprime(ctx context.Context, addr types.Address) error {
	return m.queue.Unprime(ctx, addr)
}

func (m *Manager) Pop(ctx context.Context, addr types.Address, max int) ([]*wire.Envelope, error) {
	if err := m.ensurePrimed(ctx, addr); err != nil {
		return nil, err
	}
	return m.queue.Pop(ctx, addr, max)
}

// Ack settles a delivery receipt against both the hot queue and the durable
// store. Idempotent in both layers.
func (m *Manager) Ack(ctx context.Context, addr types.Address, guid uuid.UUID) (bool, error) {
	queued, err := m.queue.Ack(ctx, addr, guid)
	if err != nil {
		return false, err
	}
	stored, err := m.store.Remove(ctx, addr, guid)
	if err != nil {
		return queued, err
	}
	return queued || stored, nil
}

func (m *Manager) Clear(ctx context.Context, addr types.Address) (int64, error) {
	if _, err := m.queue.Clear(ctx, addr); err != nil {
		return 0, err
	}
	return m.store.Clear(ctx, addr)
}

func (m *Manager) Close() error {
	return m.queue.Close()
}

func (m *Manager) ensurePrimed(ctx context.Context, addr types.Address) error {
	primed, err := m.queue.Primed(ctx, addr)
	if err != nil {
		return err
	}
	if primed {
		return nil
	}

	m.log.Debugf("rehydrating queue for %s", addr)
	after := uuid.Nil
	loaded := 0
	for {
		page, err := m.store.FetchPage(ctx, addr, m.pageSize, after)
		if err != nil {
			return err
		}
		for _, env := range page {
			if _, err := m.queue.Push(ctx, addr, env); err != nil {
				return err
			}
		}
		loaded += len(page)
		if len(page) < m.pageSize {
			break
		}
		after = page[len(page)-1].ServerGUID
	}
	if loaded != 0 {
		m.log.Debugf("rehydrated %d envelopes for %s", loaded, addr)
	}
	return m.queue.MarkPrimed(ctx, addr)
}
