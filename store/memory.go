package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/types"
	"github.com/meow-io/go-courier/wire"
)

type record struct {
	guid      uuid.UUID
	serverTs  uint64
	body      []byte
	expiresAt time.Time
}

// Memory is an in-process store with the same semantics as the postgres
// implementation, used for embedded deployments and tests.
type Memory struct {
	lock      sync.Mutex
	clock     clock.Clock
	retention time.Duration
	devices   map[string][]*record
}

func NewMemory(c *config.Config, cl clock.Clock) *Memory {
	return &Memory{
		clock:     cl,
		retention: retention(c.RetentionDays),
		devices:   make(map[string][]*record),
	}
}

func (m *Memory) Put(_ context.Context, addr types.Address, env *wire.Envelope) (bool, error) {
	body, err := wire.EncodeEnvelope(env)
	if err != nil {
		return false, err
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	key := addr.Key()
	for _, r := range m.devices[key] {
		if r.guid == env.ServerGUID {
			return false, nil
		}
	}
	recs := append(m.devices[key], &record{
		guid:      env.ServerGUID,
		serverTs:  env.ServerTimestamp,
		body:      body,
		expiresAt: m.clock.Now().Add(m.retention),
	})
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].serverTs != recs[j].serverTs {
			return recs[i].serverTs < recs[j].serverTs
		}
		return bytes.Compare(recs[i].guid[:], recs[j].guid[:]) < 0
	})
	m.devices[key] = recs
	return true, nil
}

func (m *Memory) Remove(_ context.Context, addr types.Address, guid uuid.UUID) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	key := addr.Key()
	for i, r := range m.devices[key] {
		if r.guid == guid {
			m.devices[key] = append(m.devices[key][:i], m.devices[key][i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) FetchPage(_ context.Context, addr types.Address, limit int, after uuid.UUID) ([]*wire.Envelope, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	recs := m.devices[addr.Key()]

	start := 0
	if after != uuid.Nil {
		start = len(recs)
		for i, r := range recs {
			if r.guid == after {
				start = i + 1
				break
			}
		}
	}

	envs := make([]*wire.Envelope, 0, limit)
	for _, r := range recs[start:] {
		if len(envs) == limit {
			break
		}
		env, err := wire.DecodeEnvelope(r.body)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (m *Memory) Clear(_ context.Context, addr types.Address) (int64, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	key := addr.Key()
	count := int64(len(m.devices[key]))
	delete(m.devices, key)
	return count, nil
}

func (m *Memory) SweepExpired(_ context.Context, limit int64) (int64, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	now := m.clock.Now()
	swept := int64(0)
	for key, recs := range m.devices {
		kept := recs[:0]
		for _, r := range recs {
			if swept < limit && !r.expiresAt.After(now) {
				swept++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(m.devices, key)
		} else {
			m.devices[key] = kept
		}
	}
	return swept, nil
}

func (m *Memory) Close() error {
	return nil
}
