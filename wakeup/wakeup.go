// This package nudges offline devices over their platform push channel when
// envelopes are waiting for them. Wakeups carry no message content, they only tell
// the device to connect and drain its queue. At most one wakeup is in flight per
// device; scheduling more while one is pending is a no-op apart from escalating
// urgency. A wakeup retries on a fixed backoff until the device connects, the
// token turns out to be dead, or the retry budget runs out.
package wakeup

import (
	"context"
	"sync"
	"time"

	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/metrics"
	"github.com/meow-io/go-courier/types"
	"go.uber.org/zap"
)

// Result is the gateway's verdict for a single wakeup attempt.
type Result struct {
	Delivered    bool
	InvalidToken bool
	Throttled    bool
}

// Gateway sends a single content-free wakeup to a device push token.
type Gateway interface {
	SendWakeup(ctx context.Context, token string, urgent bool) (*Result, error)
}

// Update reports a push token the platform rejected, so the caller can clear
// it from the device record.
type Update struct {
	Addr  types.Address
	Token string
}

type pendingState int

const (
	stateScheduled pendingState = iota
	stateSent
	stateRetrying
)

func (s pendingState) String() string {
	switch s {
	case stateScheduled:
		return "scheduled"
	case stateSent:
		return "sent"
	case stateRetrying:
		return "retrying"
	}
	return "unknown"
}

type pending struct {
	token    string
	urgent   bool
	attempts int
	state    pendingState
	timer    *time.Timer
}

type Scheduler struct {
	log            *zap.SugaredLogger
	gateway        Gateway
	maxRetries     int
	backoff        time.Duration
	gatewayTimeout time.Duration

	lock    sync.Mutex
	closed  bool
	pending map[string]*pending

	updates  chan *Update
	inflight sync.WaitGroup
}

func NewScheduler(c *config.Config, gateway Gateway) *Scheduler {
	return &Scheduler{
		log:            c.Logger("wakeup"),
		gateway:        gateway,
		maxRetries:     c.WakeupMaxRetries,
		backoff:        time.Duration(c.WakeupBackoffMs) * time.Millisecond,
		gatewayTimeout: time.Duration(c.WakeupGatewayTimeoutMs) * time.Millisecond,
		pending:        make(map[string]*pending),
		updates:        make(chan *Update, 100),
	}
}

// Updates reports push tokens the platform rejected.
func (s *Scheduler) Updates() <-chan *Update {
	return s.updates
}

// Schedule queues a wakeup for the device. If one is already pending this only
// escalates its urgency.
func (s *Scheduler) Schedule(addr types.Address, token string, urgent bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed || token == "" {
		return
	}
	key := addr.Key()
	if p, ok := s.pending[key]; ok {
		p.urgent = p.urgent || urgent
		p.token = token
		return
	}
	p := &pending{token: token, urgent: urgent, state: stateScheduled}
	s.pending[key] = p
	s.inflight.Add(1)
	go s.fire(addr, p)
}

// Cancel drops any pending wakeup for the device, called when it connects.
func (s *Scheduler) Cancel(addr types.Address) {
	s.lock.Lock()
	defer s.lock.Unlock()
	key := addr.Key()
	p, ok := s.pending[key]
	if !ok {
		return
	}
	if p.timer != nil && p.timer.Stop() {
		s.inflight.Done()
	}
	delete(s.pending, key)
}

func (s *Scheduler) Shutdown() {
	s.lock.Lock()
	s.closed = true
	for key, p := range s.pending {
		if p.timer != nil && p.timer.Stop() {
			s.inflight.Done()
		}
		delete(s.pending, key)
	}
	s.lock.Unlock()
	s.inflight.Wait()
	close(s.updates)
}

func (s *Scheduler) fire(addr types.Address, p *pending) {
	defer s.inflight.Done()

	s.lock.Lock()
	if s.closed || s.pending[addr.Key()] != p {
		s.lock.Unlock()
		return
	}
	s.log.Debugf("firing %s wakeup for %s, attempt %d", p.state, addr, p.attempts+1)
	token, urgent := p.token, p.urgent
	p.state = stateSent
	p.attempts++
	attempts := p.attempts
	s.lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.gatewayTimeout)
	res, err := s.gateway.SendWakeup(ctx, token, urgent)
	cancel()

	switch {
	case err != nil:
		metrics.WakeupsSent.WithLabelValues("error").Inc()
		s.log.Warnf("error sending wakeup to %s: %v", addr, err)
		s.retryOrExpire(addr, p, attempts)
	case res.InvalidToken:
		metrics.WakeupsSent.WithLabelValues("invalid_token").Inc()
		s.drop(addr, p)
		select {
		case s.updates <- &Update{Addr: addr, Token: token}:
		default:
			s.log.Warnf("dropping token update for %s, channel full", addr)
		}
	case res.Throttled:
		metrics.WakeupsSent.WithLabelValues("throttled").Inc()
		s.retryOrExpire(addr, p, attempts)
	case res.Delivered:
		metrics.WakeupsSent.WithLabelValues("delivered").Inc()
		// delivered but the device may still never connect, keep retrying
		// on the same budget until it does
		s.retryOrExpire(addr, p, attempts)
	default:
		s.retryOrExpire(addr, p, attempts)
	}
}

func (s *Scheduler) retryOrExpire(addr types.Address, p *pending, attempts int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed || s.pending[addr.Key()] != p {
		return
	}
	if attempts > s.maxRetries {
		metrics.WakeupsExpired.Inc()
		s.log.Infof("abandoning wakeup for %s after %d attempts", addr, attempts)
		delete(s.pending, addr.Key())
		return
	}
	p.state = stateRetrying
	s.log.Debugf("wakeup for %s now %s, attempt %d of %d", addr, p.state, attempts, s.maxRetries+1)
	s.inflight.Add(1)
	p.timer = time.AfterFunc(s.backoff, func() {
		s.fire(addr, p)
	})
}

func (s *Scheduler) drop(addr types.Address, p *pending) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.pending[addr.Key()] == p {
		delete(s.pending, addr.Key())
	}
}
