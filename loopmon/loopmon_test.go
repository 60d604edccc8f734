package loopmon

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/types"
	"github.com/stretchr/testify/require"
)

func newMonitor(t *testing.T) (*Monitor, *clock.Manual) {
	c := config.NewConfig(config.WithRootDir(t.TempDir()), config.WithLoopDetection(3, 1000))
	cl := clock.NewManualClock(time.Now())
	return NewMonitor(c, cl), cl
}

func testAddress() types.Address {
	return types.Address{Account: types.NewAccountID(), Device: types.PrimaryDevice}
}

func TestMonitorAlarmsOnRepeatedFetches(t *testing.T) {
	require := require.New(t)

	m, _ := newMonitor(t)
	addr := testAddress()
	guid := uuid.New()

	m.RecordDelivery(addr, []uuid.UUID{guid})
	m.RecordDelivery(addr, []uuid.UUID{guid})
	require.False(m.Alarmed(addr))
	m.RecordDelivery(addr, []uuid.UUID{guid})
	require.True(m.Alarmed(addr))
}

func TestMonitorAckResets(t *testing.T) {
	require := require.New(t)

	m, _ := newMonitor(t)
	addr := testAddress()
	guid := uuid.New()

	for i := 0; i != 3; i++ {
		m.RecordDelivery(addr, []uuid.UUID{guid})
	}
	require.True(m.Alarmed(addr))

	m.RecordAck(addr, guid)
	require.False(m.Alarmed(addr))
	m.RecordDelivery(addr, []uuid.UUID{guid})
	require.False(m.Alarmed(addr))
}

func TestMonitorWindowExpires(t *testing.T) {
	require := require.New(t)

	m, cl := newMonitor(t)
	addr := testAddress()
	guid := uuid.New()

	m.RecordDelivery(addr, []uuid.UUID{guid})
	m.RecordDelivery(addr, []uuid.UUID{guid})
	cl.Advance(2 * time.Second)
	m.RecordDelivery(addr, []uuid.UUID{guid})
	require.False(m.Alarmed(addr))
}

func TestMonitorDistinctEnvelopesDontAlarm(t *testing.T) {
	require := require.New(t)

	m, _ := newMonitor(t)
	addr := testAddress()

	for i := 0; i != 5; i++ {
		m.RecordDelivery(addr, []uuid.UUID{uuid.New()})
	}
	require.False(m.Alarmed(addr))
}

func TestMonitorForget(t *testing.T) {
	require := require.New(t)

	m, _ := newMonitor(t)
	addr := testAddress()
	guid := uuid.New()

	for i := 0; i != 3; i++ {
		m.RecordDelivery(addr, []uuid.UUID{guid})
	}
	require.True(m.Alarmed(addr))
	m.Forget(addr)
	require.False(m.Alarmed(addr))
}
