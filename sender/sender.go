// This package fans a single logical message out to every device of the
// destination account. The caller encrypts separately for each device, so it
// must hold a current view of the destination's device list; the fan-out is
// atomic with respect to that view. Each per-device envelope is written to the
// durable store first, then offered to the hot queue, then the device is either
// signalled (connected) or scheduled for a push wakeup (offline).
package sender

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/metrics"
	"github.com/meow-io/go-courier/presence"
	"github.com/meow-io/go-courier/queue"
	"github.com/meow-io/go-courier/ratelimit"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/types"
	"github.com/meow-io/go-courier/wakeup"
	"github.com/meow-io/go-courier/wire"
	"go.uber.org/zap"
)

// Device is a directory record for one of an account's devices.
type Device struct {
	ID types.DeviceID

	// RegistrationID changes whenever the device re-registers, invalidating
	// ciphertexts encrypted for the old registration.
	RegistrationID uint32

	// FetchesMessages is set for devices which poll instead of holding a
	// stream, they never get push wakeups.
	FetchesMessages bool

	PushToken string
}

// Directory resolves the current device list for an account.
type Directory interface {
	CurrentDevices(ctx context.Context, account types.AccountID) ([]Device, error)
}

// limitedKey aggregates every account which hit the byte ceiling into one
// cardinality estimate for abuse review.
const limitedKey = "limited"

// DeviceMessage is the ciphertext the caller prepared for one device.
type DeviceMessage struct {
	Device         types.DeviceID
	RegistrationID uint32
	Content        []byte
}

type Request struct {
	Destination types.AccountID
	Type        wire.Type
	Messages    []DeviceMessage

	// empty for sealed-sender messages
	SourceService string
	SourceDevice  types.DeviceID

	ClientTimestamp uint64
	Ephemeral       bool
	Urgent          bool
	ReportSpamToken []byte
}

type Sender struct {
	log       *zap.SugaredLogger
	clock     clock.Clock
	directory Directory
	store     store.Store
	queues    *queue.Manager
	presence  presence.Tracker
	wakeups   *wakeup.Scheduler
	limiter   ratelimit.Limiter
	estimator ratelimit.Estimator

	maxBytes    int
	storeBudget time.Duration
	sendTimeout time.Duration

	// serves out strictly increasing server timestamps
	tsLock sync.Mutex
	lastTs uint64
}

func NewSender(c *config.Config, cl clock.Clock, directory Directory, s store.Store, q *queue.Manager, p presence.Tracker, w *wakeup.Scheduler, l ratelimit.Limiter, e ratelimit.Estimator) *Sender {
	return &Sender{
		log:         c.Logger("sender"),
		clock:       cl,
		directory:   directory,
		store:       s,
		queues:      q,
		presence:    p,
		wakeups:     w,
		limiter:     l,
		estimator:   e,
		maxBytes:    c.MaxEnvelopeBytes,
		storeBudget: time.Duration(c.StoreRetryBudgetMs) * time.Millisecond,
		sendTimeout: time.Duration(c.SendTimeoutMs) * time.Millisecond,
	}
}

// Send fans the request out to every device of the destination. It either
// takes responsibility for all of the destination's devices, returning the
// guid assigned per device, or returns an error having written nothing a
// client could observe.
func (s *Sender) Send(ctx context.Context, req *Request) (map[types.DeviceID]uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	total := 0
	for _, m := range req.Messages {
		if len(m.Content) > s.maxBytes {
			return nil, ErrMessageTooLarge
		}
		total += len(m.Content)
	}

	retryAfter, err := s.limiter.AllowBytes(ctx, req.Destination, total)
	if err != nil {
		return nil, err
	}
	if retryAfter > 0 {
		metrics.RateLimited.Inc()
		// record the account which hit the ceiling, sealed-sender included,
		// plus a per-source dimension when the sender is known
		if err := s.estimator.Observe(ctx, limitedKey, req.Destination); err != nil {
			s.log.Warnf("error observing rate-limited account %s: %v", req.Destination, err)
		}
		if req.SourceService != "" {
			if err := s.estimator.Observe(ctx, req.SourceService, req.Destination); err != nil {
				s.log.Warnf("error observing destination for %s: %v", req.SourceService, err)
			}
		}
		return nil, &RateLimitExceededError{RetryAfter: retryAfter}
	}

	devices, err := s.directory.CurrentDevices(ctx, req.Destination)
	if err != nil {
		return nil, err
	}
	if err := checkDevices(devices, req.Messages); err != nil {
		metrics.MismatchRejections.Inc()
		return nil, err
	}

	byID := make(map[types.DeviceID]Device, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}

	serverTs := s.serverTimestamp()
	guids := make(map[types.DeviceID]uuid.UUID, len(req.Messages))
	for _, m := range req.Messages {
		addr := types.Address{Account: req.Destination, Device: m.Device}
		env := &wire.Envelope{
			Type:               req.Type,
			SourceService:      req.SourceService,
			SourceDevice:       uint8(req.SourceDevice),
			DestinationService: req.Destination.String(),
			ClientTimestamp:    req.ClientTimestamp,
			ServerTimestamp:    serverTs,
			ServerGUID:         uuid.New(),
			Content:            m.Content,
			Ephemeral:          req.Ephemeral,
			Urgent:             req.Urgent,
			ReportSpamToken:    req.ReportSpamToken,
		}
		if err := s.deliver(ctx, addr, byID[m.Device], env); err != nil {
			return nil, err
		}
		guids[m.Device] = env.ServerGUID
		metrics.EnvelopesAccepted.Inc()
	}
	return guids, nil
}

func (s *Sender) deliver(ctx context.Context, addr types.Address, device Device, env *wire.Envelope) error {
	connected, err := s.presence.IsConnected(ctx, addr)
	if err != nil {
		return err
	}

	if env.Ephemeral {
		// ephemeral envelopes are best-effort, dropped outright for
		// offline devices
		if !connected {
			s.log.Debugf("dropping ephemeral envelope for offline device %s", addr)
			return nil
		}
		if _, err := s.queues.Push(ctx, addr, env); err != nil {
			return err
		}
		return s.presence.Notify(ctx, addr)
	}

	put := func() error {
		_, err := s.store.Put(ctx, addr, env)
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.storeBudget
	if err := backoff.Retry(put, backoff.WithContext(bo, ctx)); err != nil {
		s.log.Warnf("error storing envelope for %s: %v", addr, err)
		return ErrDeliveryUnavailable
	}
	if _, err := s.queues.Push(ctx, addr, env); err != nil {
		// the durable write landed but the queue no longer reflects it, so
		// unprime the queue and let the next pop rehydrate from the store
		s.log.Warnf("error queueing envelope for %s: %v", addr, err)
		if err := s.queues.Unprime(ctx, addr); err != nil {
			s.log.Warnf("error unpriming queue for %s: %v", addr, err)
		}
	}

	if connected {
		return s.presence.Notify(ctx, addr)
	}
	if !device.FetchesMessages && device.PushToken != "" {
		s.wakeups.Schedule(addr, device.PushToken, env.Urgent)
	}
	return nil
}

func checkDevices(devices []Device, messages []DeviceMessage) error {
	current := make(map[types.DeviceID]uint32, len(devices))
	for _, d := range devices {
		current[d.ID] = d.RegistrationID
	}
	addressed := make(map[types.DeviceID]uint32, len(messages))
	for _, m := range messages {
		addressed[m.Device] = m.RegistrationID
	}

	mismatch := &MismatchedDevicesError{}
	for id := range current {
		if _, ok := addressed[id]; !ok {
			mismatch.Missing = append(mismatch.Missing, id)
		}
	}
	for id, reg := range addressed {
		currentReg, ok := current[id]
		if !ok {
			mismatch.Extra = append(mismatch.Extra, id)
		} else if reg != currentReg {
			mismatch.Stale = append(mismatch.Stale, id)
		}
	}
	if len(mismatch.Missing) != 0 || len(mismatch.Extra) != 0 || len(mismatch.Stale) != 0 {
		return mismatch
	}
	return nil
}

func (s *Sender) serverTimestamp() uint64 {
	s.tsLock.Lock()
	defer s.tsLock.Unlock()
	ts := s.clock.CurrentTimeMicro()
	if ts <= s.lastTs {
		ts = s.lastTs + 1
	}
	s.lastTs = ts
	return ts
}
