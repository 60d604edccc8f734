// This package defines the durable envelope store, the system of record for every
// non-ephemeral envelope accepted for a device. Envelopes live here until the owning
// device acks them or a bounded retention window expires, whichever comes first.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-courier/types"
	"github.com/meow-io/go-courier/wire"
)

type Store interface {
	// Put persists an envelope for a device. A duplicate ServerGUID is a no-op,
	// not an error, so dual-write retries are safe. Returns whether the envelope
	// was newly stored.
	Put(ctx context.Context, addr types.Address, env *wire.Envelope) (bool, error)

	// Remove deletes one envelope by guid. Returns true if removed, false if
	// already absent. Never errors on a double remove.
	Remove(ctx context.Context, addr types.Address, guid uuid.UUID) (bool, error)

	// FetchPage returns up to limit envelopes in server-timestamp order,
	// starting after the given guid. A zero guid starts from the oldest.
	FetchPage(ctx context.Context, addr types.Address, limit int, after uuid.UUID) ([]*wire.Envelope, error)

	// Clear removes every envelope for a device, returning how many were removed.
	// Used only by account and device deletion flows.
	Clear(ctx context.Context, addr types.Address) (int64, error)

	// SweepExpired purges up to limit envelopes past their retention window.
	// This is the only form of silent loss in the system.
	SweepExpired(ctx context.Context, limit int64) (int64, error)

	Close() error
}

func retention(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
