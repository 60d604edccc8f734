package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/types"
)

type window struct {
	startMicro uint64
	used       int64
}

// MemoryLimiter is an in-process limiter with the same fixed-window semantics
// as the redis implementation, used for embedded deployments and tests.
type MemoryLimiter struct {
	clock   clock.Clock
	limit   int64
	window  time.Duration
	lock    sync.Mutex
	windows map[string]*window
}

func NewMemoryLimiter(c *config.Config, cl clock.Clock) *MemoryLimiter {
	return &MemoryLimiter{
		clock:   cl,
		limit:   c.RateLimitBytes,
		window:  time.Duration(c.RateLimitWindowMs) * time.Millisecond,
		windows: make(map[string]*window),
	}
}

func (l *MemoryLimiter) AllowBytes(_ context.Context, account types.AccountID, n int) (time.Duration, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	now := l.clock.CurrentTimeMicro()
	key := account.String()
	w := l.windows[key]
	if w == nil || now-w.startMicro >= uint64(l.window.Microseconds()) {
		w = &window{startMicro: now}
		l.windows[key] = w
	}
	if w.used+int64(n) > l.limit {
		elapsed := time.Duration(now-w.startMicro) * time.Microsecond
		return l.window - elapsed, nil
	}
	w.used += int64(n)
	return 0, nil
}

func (l *MemoryLimiter) Close() error {
	return nil
}

type observed struct {
	startMicro uint64
	dests      map[string]bool
}

// MemoryEstimator tracks exact destination sets instead of a sketch. The
// counts it returns match what the redis estimator approximates.
type MemoryEstimator struct {
	clock   clock.Clock
	window  time.Duration
	lock    sync.Mutex
	sources map[string]*observed
}

func NewMemoryEstimator(c *config.Config, cl clock.Clock) *MemoryEstimator {
	return &MemoryEstimator{
		clock:   cl,
		window:  time.Duration(c.RateLimitWindowMs) * time.Millisecond,
		sources: make(map[string]*observed),
	}
}

func (e *MemoryEstimator) Observe(_ context.Context, source string, dest types.AccountID) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	now := e.clock.CurrentTimeMicro()
	o := e.sources[source]
	if o == nil || now-o.startMicro >= uint64(e.window.Microseconds()) {
		o = &observed{startMicro: now, dests: make(map[string]bool)}
		e.sources[source] = o
	}
	o.dests[dest.String()] = true
	return nil
}

func (e *MemoryEstimator) Count(_ context.Context, source string) (int64, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	now := e.clock.CurrentTimeMicro()
	o := e.sources[source]
	if o == nil || now-o.startMicro >= uint64(e.window.Microseconds()) {
		return 0, nil
	}
	return int64(len(o.dests)), nil
}

func (e *MemoryEstimator) Close() error {
	return nil
}
