// This package defines the hot queue, the low-latency ordered per-device buffer which
// intermediates almost all live traffic. It is a performance layer only: the durable
// store stays authoritative, so losing queue contents is tolerable and self-healing
// via rehydration.
package queue

import (
	"context"

	"github.com/google/uuid"
	"github.com/meow-io/go-courier/types"
	"github.com/meow-io/go-courier/wire"
)

type Queue interface {
	// Push appends to the tail of the device's ordered list and returns the
	// resulting queue depth.
	Push(ctx context.Context, addr types.Address, env *wire.Envelope) (int64, error)

	// Pop is a non-destructive peek of up to max oldest entries. Removal only
	// happens through Ack, so a client which disconnects mid-delivery loses
	// nothing.
	Pop(ctx context.Context, addr types.Address, max int) ([]*wire.Envelope, error)

	// Ack removes one entry by guid. Idempotent.
	Ack(ctx context.Context, addr types.Address, guid uuid.UUID) (bool, error)

	// Clear drops the device's queue, returning how many entries were dropped.
	Clear(ctx context.Context, addr types.Address) (int64, error)

	// Primed reports whether the device's queue is known to reflect the durable
	// store. A cleared or evicted queue is unprimed until rehydrated.
	Primed(ctx context.Context, addr types.Address) (bool, error)
	MarkPrimed(ctx context.Context, addr types.Address) error

	// Unprime forces the next pop to rehydrate from the durable store, used
	// when a queue write fails after the durable write landed.
	Unprime(ctx context.Context, addr types.Address) error

	Close() error
}
