package sender

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/presence"
	"github.com/meow-io/go-courier/queue"
	"github.com/meow-io/go-courier/ratelimit"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/types"
	"github.com/meow-io/go-courier/wakeup"
	"github.com/meow-io/go-courier/wire"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	devices map[string][]Device
}

func (d *fakeDirectory) CurrentDevices(_ context.Context, account types.AccountID) ([]Device, error) {
	return d.devices[account.String()], nil
}

type fakeGateway struct {
	sent chan string
}

func (g *fakeGateway) SendWakeup(_ context.Context, token string, _ bool) (*wakeup.Result, error) {
	g.sent <- token
	return &wakeup.Result{Delivered: true}, nil
}

type fixture struct {
	sender    *Sender
	store     store.Store
	queues    *queue.Manager
	presence  presence.Tracker
	wakeups   *wakeup.Scheduler
	estimator ratelimit.Estimator
	directory *fakeDirectory
	gateway   *fakeGateway
	clock     *clock.Manual
}

func newFixture(t *testing.T, opts ...config.Option) *fixture {
	return newFixtureWithQueue(t, queue.NewMemory(), opts...)
}

func newFixtureWithQueue(t *testing.T, hot queue.Queue, opts ...config.Option) *fixture {
	opts = append([]config.Option{config.WithRootDir(t.TempDir())}, opts...)
	c := config.NewConfig(opts...)
	cl := clock.NewManualClock(time.Now())
	s := store.NewMemory(c, cl)
	q := queue.NewManager(c, hot, s)
	p := presence.NewMemory()
	g := &fakeGateway{sent: make(chan string, 10)}
	w := wakeup.NewScheduler(c, g)
	t.Cleanup(w.Shutdown)
	dir := &fakeDirectory{devices: make(map[string][]Device)}
	est := ratelimit.NewMemoryEstimator(c, cl)
	snd := NewSender(c, cl, dir, s, q, p, w, ratelimit.NewMemoryLimiter(c, cl), est)
	return &fixture{sender: snd, store: s, queues: q, presence: p, wakeups: w, estimator: est, directory: dir, gateway: g, clock: cl}
}

func twoDeviceRequest(f *fixture) *Request {
	account := types.NewAccountID()
	f.directory.devices[account.String()] = []Device{
		{ID: 1, RegistrationID: 100},
		{ID: 2, RegistrationID: 200},
	}
	return &Request{
		Destination: account,
		Type:        wire.TypeCiphertext,
		Messages: []DeviceMessage{
			{Device: 1, RegistrationID: 100, Content: []byte("for device 1")},
			{Device: 2, RegistrationID: 200, Content: []byte("for device 2")},
		},
	}
}

func TestSendFansOutToAllDevices(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newFixture(t)
	req := twoDeviceRequest(f)
	_, err := f.sender.Send(ctx, req)
	require.Nil(err)

	var guids []uuid.UUID
	var timestamps []uint64
	for _, device := range []types.DeviceID{1, 2} {
		addr := types.Address{Account: req.Destination, Device: device}
		page, err := f.store.FetchPage(ctx, addr, 10, uuid.Nil)
		require.Nil(err)
		require.Len(page, 1)
		popped, err := f.queues.Pop(ctx, addr, 10)
		require.Nil(err)
		require.Len(popped, 1)
		guids = append(guids, popped[0].ServerGUID)
		timestamps = append(timestamps, popped[0].ServerTimestamp)
	}
	require.NotEqual(guids[0], guids[1])
	require.Equal(timestamps[0], timestamps[1])
}

func TestSendRejectsMismatchedDevices(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newFixture(t)
	req := twoDeviceRequest(f)
	// device 2 missing, device 3 doesn't exist, device 1 stale
	req.Messages = []DeviceMessage{
		{Device: 1, RegistrationID: 999, Content: []byte("x")},
		{Device: 3, RegistrationID: 300, Content: []byte("x")},
	}

	_, err := f.sender.Send(ctx, req)
	var mismatch *MismatchedDevicesError
	require.ErrorAs(err, &mismatch)
	require.Equal([]types.DeviceID{2}, mismatch.Missing)
	require.Equal([]types.DeviceID{3}, mismatch.Extra)
	require.Equal([]types.DeviceID{1}, mismatch.Stale)

	// nothing was written for any device
	for _, device := range []types.DeviceID{1, 2, 3} {
		addr := types.Address{Account: req.Destination, Device: device}
		page, err := f.store.FetchPage(ctx, addr, 10, uuid.Nil)
		require.Nil(err)
		require.Empty(page)
	}
}

func TestSendRejectsOversizedContent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newFixture(t, config.WithMaxEnvelopeBytes(8))
	req := twoDeviceRequest(f)
	_, err := f.sender.Send(ctx, req)
	require.ErrorIs(err, ErrMessageTooLarge)
}

func TestSendRateLimited(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newFixture(t, config.WithRateLimit(30, 60000))
	req := twoDeviceRequest(f)
	_, err := f.sender.Send(ctx, req)
	require.Nil(err)

	_, err = f.sender.Send(ctx, req)
	var limited *RateLimitExceededError
	require.ErrorAs(err, &limited)
	require.Greater(limited.RetryAfter, time.Duration(0))

	// the rejected send persisted nothing
	addr := types.Address{Account: req.Destination, Device: 1}
	page, err := f.store.FetchPage(ctx, addr, 10, uuid.Nil)
	require.Nil(err)
	require.Len(page, 1)

	// the reject fed the abuse estimator even though the request carried no
	// source, as sealed-sender requests never do
	n, err := f.estimator.Count(ctx, limitedKey)
	require.Nil(err)
	require.Equal(int64(1), n)
}

func TestSendSchedulesWakeupForOfflineDevice(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newFixture(t)
	account := types.NewAccountID()
	f.directory.devices[account.String()] = []Device{
		{ID: 1, RegistrationID: 100, PushToken: "token-1"},
		{ID: 2, RegistrationID: 200, FetchesMessages: true, PushToken: "token-2"},
	}
	req := &Request{
		Destination: account,
		Type:        wire.TypeCiphertext,
		Messages: []DeviceMessage{
			{Device: 1, RegistrationID: 100, Content: []byte("x")},
			{Device: 2, RegistrationID: 200, Content: []byte("x")},
		},
	}
	_, err := f.sender.Send(ctx, req)
	require.Nil(err)

	select {
	case token := <-f.gateway.sent:
		require.Equal("token-1", token)
	case <-time.After(time.Second):
		t.Fatal("expected a wakeup")
	}
	// the fetcher device never gets one
	select {
	case <-f.gateway.sent:
		t.Fatal("expected no wakeup for a fetching device")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendNotifiesConnectedDevice(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newFixture(t)
	req := twoDeviceRequest(f)
	addr := types.Address{Account: req.Destination, Device: 1}
	_, err := f.presence.MarkConnected(ctx, addr, types.NewProcessID())
	require.Nil(err)
	signals, cancel, err := f.presence.Subscribe(ctx, addr)
	require.Nil(err)
	defer cancel()

	_, err = f.sender.Send(ctx, req)
	require.Nil(err)
	select {
	case <-signals:
	default:
		t.Fatal("expected a new-message signal")
	}
	// connected devices don't get wakeups
	select {
	case <-f.gateway.sent:
		t.Fatal("expected no wakeup for a connected device")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendEphemeral(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newFixture(t)
	req := twoDeviceRequest(f)
	req.Ephemeral = true
	online := types.Address{Account: req.Destination, Device: 1}
	offline := types.Address{Account: req.Destination, Device: 2}
	_, err := f.presence.MarkConnected(ctx, online, types.NewProcessID())
	require.Nil(err)

	_, err = f.sender.Send(ctx, req)
	require.Nil(err)

	// delivered to the connected device without touching the store
	popped, err := f.queues.Pop(ctx, online, 10)
	require.Nil(err)
	require.Len(popped, 1)
	require.True(popped[0].Ephemeral)
	page, err := f.store.FetchPage(ctx, online, 10, uuid.Nil)
	require.Nil(err)
	require.Empty(page)

	// dropped for the offline one
	popped, err = f.queues.Pop(ctx, offline, 10)
	require.Nil(err)
	require.Empty(popped)
}

type failingStore struct {
	store.Store
}

func (s *failingStore) Put(context.Context, types.Address, *wire.Envelope) (bool, error) {
	return false, errors.New("connection refused")
}

func TestSendStoreOutage(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newFixture(t, config.WithStoreRetryBudgetMs(50))
	f.sender.store = &failingStore{Store: f.store}
	req := twoDeviceRequest(f)
	_, err := f.sender.Send(ctx, req)
	require.ErrorIs(err, ErrDeliveryUnavailable)
}

func TestSendTimeoutBoundsStoreRetries(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	// the retry budget alone would keep the send going for a minute
	f := newFixture(t, config.WithStoreRetryBudgetMs(60000), config.WithSendTimeoutMs(50))
	f.sender.store = &failingStore{Store: f.store}
	req := twoDeviceRequest(f)

	start := time.Now()
	_, err := f.sender.Send(ctx, req)
	require.ErrorIs(err, ErrDeliveryUnavailable)
	require.Less(time.Since(start), 10*time.Second)
}

type flakyQueue struct {
	queue.Queue
	failures int
}

func (q *flakyQueue) Push(ctx context.Context, addr types.Address, env *wire.Envelope) (int64, error) {
	if q.failures > 0 {
		q.failures--
		return 0, errors.New("connection reset")
	}
	return q.Queue.Push(ctx, addr, env)
}

func TestSendQueueOutageUnprimesQueue(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	hot := &flakyQueue{Queue: queue.NewMemory(), failures: 1}
	f := newFixtureWithQueue(t, hot)
	account := types.NewAccountID()
	f.directory.devices[account.String()] = []Device{{ID: 1, RegistrationID: 100}}
	addr := types.Address{Account: account, Device: 1}
	require.Nil(hot.MarkPrimed(ctx, addr))

	req := &Request{
		Destination: account,
		Type:        wire.TypeCiphertext,
		Messages:    []DeviceMessage{{Device: 1, RegistrationID: 100, Content: []byte("x")}},
	}
	guids, err := f.sender.Send(ctx, req)
	require.Nil(err)

	// the queue write failed after the durable write landed, so the next pop
	// must reload the envelope from the store rather than trust the queue
	popped, err := f.queues.Pop(ctx, addr, 10)
	require.Nil(err)
	require.Len(popped, 1)
	require.Equal(guids[1], popped[0].ServerGUID)
}

func TestServerTimestampsStrictlyIncrease(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newFixture(t)
	req := twoDeviceRequest(f)
	addr := types.Address{Account: req.Destination, Device: 1}

	// the clock doesn't advance between sends
	_, err := f.sender.Send(ctx, req)
	require.Nil(err)
	_, err = f.sender.Send(ctx, req)
	require.Nil(err)

	popped, err := f.queues.Pop(ctx, addr, 10)
	require.Nil(err)
	require.Len(popped, 2)
	require.Greater(popped[1].ServerTimestamp, popped[0].ServerTimestamp)
}
