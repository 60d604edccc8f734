package presence

import (
	"context"
	"testing"

	"github.com/meow-io/go-courier/types"
	"github.com/stretchr/testify/require"
)

func testAddress() types.Address {
	return types.Address{Account: types.NewAccountID(), Device: types.PrimaryDevice}
}

func TestMemoryConnectDisconnect(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	m := NewMemory()
	addr := testAddress()
	proc := types.NewProcessID()

	connected, err := m.IsConnected(ctx, addr)
	require.Nil(err)
	require.False(connected)

	epoch, err := m.MarkConnected(ctx, addr, proc)
	require.Nil(err)
	connected, err = m.IsConnected(ctx, addr)
	require.Nil(err)
	require.True(connected)

	require.Nil(m.MarkDisconnected(ctx, addr, proc, epoch))
	connected, err = m.IsConnected(ctx, addr)
	require.Nil(err)
	require.False(connected)
}

func TestMemoryEpochIncreases(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	m := NewMemory()
	addr := testAddress()
	proc := types.NewProcessID()

	first, err := m.MarkConnected(ctx, addr, proc)
	require.Nil(err)
	second, err := m.MarkConnected(ctx, addr, proc)
	require.Nil(err)
	require.Greater(second, first)
}

func TestMemoryNonOwnerDisconnectIsNoop(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	m := NewMemory()
	addr := testAddress()
	oldProc := types.NewProcessID()
	newProc := types.NewProcessID()

	oldEpoch, err := m.MarkConnected(ctx, addr, oldProc)
	require.Nil(err)
	// device reconnects through another server process
	_, err = m.MarkConnected(ctx, addr, newProc)
	require.Nil(err)

	// the stale process tears down its side, which must not clobber the
	// new connection
	require.Nil(m.MarkDisconnected(ctx, addr, oldProc, oldEpoch))
	connected, err := m.IsConnected(ctx, addr)
	require.Nil(err)
	require.True(connected)
}

func TestMemoryStaleEpochDisconnectIsNoop(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	m := NewMemory()
	addr := testAddress()
	proc := types.NewProcessID()

	// device reconnects through the same server process, then the old
	// connection's teardown runs after the new one is established
	oldEpoch, err := m.MarkConnected(ctx, addr, proc)
	require.Nil(err)
	newEpoch, err := m.MarkConnected(ctx, addr, proc)
	require.Nil(err)

	require.Nil(m.MarkDisconnected(ctx, addr, proc, oldEpoch))
	connected, err := m.IsConnected(ctx, addr)
	require.Nil(err)
	require.True(connected)

	require.Nil(m.MarkDisconnected(ctx, addr, proc, newEpoch))
	connected, err = m.IsConnected(ctx, addr)
	require.Nil(err)
	require.False(connected)
}

func TestMemoryNotifyWakesSubscriber(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	m := NewMemory()
	addr := testAddress()

	signals, cancel, err := m.Subscribe(ctx, addr)
	require.Nil(err)
	defer cancel()

	require.Nil(m.Notify(ctx, addr))
	select {
	case <-signals:
	default:
		t.Fatal("expected a signal")
	}

	// signals coalesce rather than pile up
	require.Nil(m.Notify(ctx, addr))
	require.Nil(m.Notify(ctx, addr))
	<-signals
	select {
	case <-signals:
		t.Fatal("expected signals to coalesce")
	default:
	}
}

func TestMemorySubscribeCancel(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	m := NewMemory()
	addr := testAddress()

	signals, cancel, err := m.Subscribe(ctx, addr)
	require.Nil(err)
	cancel()
	cancel() // safe to call twice

	_, open := <-signals
	require.False(open)
	require.Nil(m.Notify(ctx, addr))
}
