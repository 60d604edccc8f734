package clock

import (
	"sync"
	"time"
)

// A manually-advanced clock for driving TTL, backoff and loop-window logic in tests.
type Manual struct {
	lock     sync.Mutex
	nowMicro uint64
}

func NewManualClock(start time.Time) *Manual {
	return &Manual{nowMicro: uint64(start.UnixMicro())}
}

func (m *Manual) Advance(d time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.nowMicro += uint64(d.Microseconds())
}

func (m *Manual) CurrentTimeMicro() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.nowMicro
}

func (m *Manual) CurrentTimeMs() uint64 {
	return m.CurrentTimeMicro() / 1000
}

func (m *Manual) CurrentTimeSec() uint64 {
	return m.CurrentTimeMicro() / 1000000
}

func (m *Manual) Now() time.Time {
	return time.UnixMicro(int64(m.CurrentTimeMicro()))
}
