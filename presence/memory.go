package presence

import (
	"context"
	"sync"

	"github.com/meow-io/go-courier/types"
)

type owner struct {
	proc  types.ProcessID
	epoch uint64
}

// Memory is an in-process tracker with the same semantics as the redis
// implementation, used for embedded deployments and tests.
type Memory struct {
	lock   sync.Mutex
	owners map[string]*owner
	epochs map[string]uint64
	subs   map[string]map[chan struct{}]bool
}

func NewMemory() *Memory {
	return &Memory{
		owners: make(map[string]*owner),
		epochs: make(map[string]uint64),
		subs:   make(map[string]map[chan struct{}]bool),
	}
}

func (m *Memory) MarkConnected(_ context.Context, addr types.Address, proc types.ProcessID) (uint64, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	key := addr.Key()
	m.epochs[key]++
	epoch := m.epochs[key]
	m.owners[key] = &owner{proc: proc, epoch: epoch}
	return epoch, nil
}

func (m *Memory) MarkDisconnected(_ context.Context, addr types.Address, proc types.ProcessID, epoch uint64) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	key := addr.Key()
	o, ok := m.owners[key]
	if !ok || o.proc != proc || o.epoch != epoch {
		return nil
	}
	delete(m.owners, key)
	return nil
}

func (m *Memory) IsConnected(_ context.Context, addr types.Address) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	_, ok := m.owners[addr.Key()]
	return ok, nil
}

func (m *Memory) Notify(_ context.Context, addr types.Address) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for ch := range m.subs[addr.Key()] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, addr types.Address) (<-chan struct{}, func(), error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	key := addr.Key()
	ch := make(chan struct{}, 1)
	if m.subs[key] == nil {
		m.subs[key] = make(map[chan struct{}]bool)
	}
	m.subs[key][ch] = true
	cancel := func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		if m.subs[key][ch] {
			delete(m.subs[key], ch)
			close(ch)
		}
	}
	return ch, cancel, nil
}

func (m *Memory) Heartbeat(_ context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	return nil
}
