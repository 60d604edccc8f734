// This package watches for devices stuck in a delivery loop, popping the same
// envelopes over and over without ever acking them. That pattern usually means a
// client crashing on a poisoned envelope, and it burns bandwidth and battery until
// someone notices. The monitor is process-local and advisory only; it never blocks
// delivery.
package loopmon

import (
	"sync"

	"github.com/google/uuid"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/metrics"
	"github.com/meow-io/go-courier/types"
	"go.uber.org/zap"
)

type deviceState struct {
	windowStartMicro uint64
	// repeated pop counts per envelope within the current window
	counts  map[uuid.UUID]int
	alarmed bool
}

type Monitor struct {
	log         *zap.SugaredLogger
	clock       clock.Clock
	threshold   int
	windowMicro uint64

	lock    sync.Mutex
	devices map[string]*deviceState
}

func NewMonitor(c *config.Config, cl clock.Clock) *Monitor {
	return &Monitor{
		log:         c.Logger("loopmon"),
		clock:       cl,
		threshold:   c.LoopThreshold,
		windowMicro: uint64(c.LoopWindowMs) * 1000,
		devices:     make(map[string]*deviceState),
	}
}

// RecordDelivery notes that the given envelopes were handed to the device. An
// envelope seen threshold times within the window without an intervening ack
// raises the alarm.
func (m *Monitor) RecordDelivery(addr types.Address, guids []uuid.UUID) {
	m.lock.Lock()
	defer m.lock.Unlock()
	now := m.clock.CurrentTimeMicro()
	key := addr.Key()
	state := m.devices[key]
	if state == nil || now-state.windowStartMicro >= m.windowMicro {
		state = &deviceState{windowStartMicro: now, counts: make(map[uuid.UUID]int)}
		m.devices[key] = state
	}
	for _, guid := range guids {
		state.counts[guid]++
		if state.counts[guid] >= m.threshold && !state.alarmed {
			state.alarmed = true
			metrics.LoopAlarms.Inc()
			m.log.Warnf("device %s fetched envelope %s %d times without acking", addr, guid, state.counts[guid])
		}
	}
}

// RecordAck clears the loop counter for an envelope. A device which acks is
// making progress, so its alarm resets too.
func (m *Monitor) RecordAck(addr types.Address, guid uuid.UUID) {
	m.lock.Lock()
	defer m.lock.Unlock()
	state := m.devices[addr.Key()]
	if state == nil {
		return
	}
	delete(state.counts, guid)
	state.alarmed = false
}

func (m *Monitor) Alarmed(addr types.Address) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	state := m.devices[addr.Key()]
	return state != nil && state.alarmed
}

// Forget drops all state for a device, called when its stream closes.
func (m *Monitor) Forget(addr types.Address) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.devices, addr.Key())
}
