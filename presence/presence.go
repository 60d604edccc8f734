// This package tracks which devices currently hold a live connection, and carries the
// new-message signal which lets connected devices drain their queues without polling.
// Connect/disconnect races across server processes resolve by last-writer-wins on a
// monotonically increasing connection epoch; a disconnect from a non-owning process is
// a no-op. Subscribers treat the signal as a hint only and always re-check the queue.
package presence

import (
	"context"

	"github.com/meow-io/go-courier/types"
)

type Tracker interface {
	// MarkConnected claims the device for the given process and returns the new
	// connection epoch.
	MarkConnected(ctx context.Context, addr types.Address, proc types.ProcessID) (uint64, error)

	// MarkDisconnected releases the device, but only if proc still owns it at
	// the given epoch. A disconnect carrying a superseded epoch is a no-op, so
	// tearing down an old connection never clobbers its replacement.
	MarkDisconnected(ctx context.Context, addr types.Address, proc types.ProcessID, epoch uint64) error

	IsConnected(ctx context.Context, addr types.Address) (bool, error)

	// Notify publishes a lightweight new-message signal for the device.
	Notify(ctx context.Context, addr types.Address) error

	// Subscribe delivers coalesced new-message signals for the device until the
	// returned cancel func runs.
	Subscribe(ctx context.Context, addr types.Address) (<-chan struct{}, func(), error)

	// Heartbeat refreshes liveness for every device this process owns.
	Heartbeat(ctx context.Context) error

	Close() error
}
