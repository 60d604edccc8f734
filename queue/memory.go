package queue

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/meow-io/go-courier/types"
	"github.com/meow-io/go-courier/wire"
)

type entry struct {
	guid     uuid.UUID
	serverTs uint64
	body     []byte
}

// Memory is an in-process queue with the same semantics as the redis
// implementation, used for embedded deployments and tests.
type Memory struct {
	lock    sync.Mutex
	devices map[string][]*entry
	primed  map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string][]*entry),
		primed:  make(map[string]bool),
	}
}

func (m *Memory) Push(_ context.Context, addr types.Address, env *wire.Envelope) (int64, error) {
	body, err := wire.EncodeEnvelope(env)
	if err != nil {
		return 0, err
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	key := addr.Key()
	for _, e := range m.devices[key] {
		if e.guid == env.ServerGUID {
			return int64(len(m.devices[key])), nil
		}
	}
	entries := append(m.devices[key], &entry{
		guid:     env.ServerGUID,
		serverTs: env.ServerTimestamp,
		body:     body,
	})
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].serverTs != entries[j].serverTs {
			return entries[i].serverTs < entries[j].serverTs
		}
		return bytes.Compare(entries[i].guid[:], entries[j].guid[:]) < 0
	})
	m.devices[key] = entries
	return int64(len(entries)), nil
}

func (m *Memory) Pop(_ context.Context, addr types.Address, max int) ([]*wire.Envelope, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	entries := m.devices[addr.Key()]
	if len(entries) > max {
		entries = entries[:max]
	}
	envs := make([]*wire.Envelope, 0, len(entries))
	for _, e := range entries {
		env, err := wire.DecodeEnvelope(e.body)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (m *Memory) Ack(_ context.Context, addr types.Address, guid uuid.UUID) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	key := addr.Key()
	for i, e := range m.devices[key] {
		if e.guid == guid {
			m.devices[key] = append(m.devices[key][:i], m.devices[key][i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Clear(_ context.Context, addr types.Address) (int64, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	key := addr.Key()
	count := int64(len(m.devices[key]))
	delete(m.devices, key)
	delete(m.primed, key)
	return count, nil
}

func (m *Memory) Primed(_ context.Context, addr types.Address) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.primed[addr.Key()], nil
}

func (m *Memory) MarkPrimed(_ context.Context, addr types.Address) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.primed[addr.Key()] = true
	return nil
}

func (m *Memory) Unprime(_ context.Context, addr types.Address) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.primed, addr.Key())
	return nil
}

func (m *Memory) Close() error {
	return nil
}
