// This package provides a high-level interface to the courier implementation.
// It wires the durable store, the hot queue, availability tracking, push
// wakeups and the delivery stream into a single manager which accepts messages
// for fan-out and serves connected devices.
package courier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/loopmon"
	"github.com/meow-io/go-courier/metrics"
	"github.com/meow-io/go-courier/presence"
	"github.com/meow-io/go-courier/queue"
	"github.com/meow-io/go-courier/ratelimit"
	"github.com/meow-io/go-courier/sender"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/stream"
	"github.com/meow-io/go-courier/types"
	"github.com/meow-io/go-courier/wakeup"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateRunning
	StateClosing
	StateClosed
)

// An event indicating a change in the state of courier.
type AppState struct {
	State int
}

// An event indicating a device push token the platform rejected. The consumer
// should clear the token from its directory.
type TokenInvalidated struct {
	Addr  types.Address
	Token string
}

type Courier struct {
	config     *config.Config
	log        *zap.SugaredLogger
	clock      clock.Clock
	state      int
	proc       types.ProcessID
	redis      *redis.Client
	store      store.Store
	queues     *queue.Manager
	presence   presence.Tracker
	wakeups    *wakeup.Scheduler
	sender     *sender.Sender
	monitor    *loopmon.Monitor
	handler    *stream.Handler
	updates    chan interface{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// Create a courier instance. The directory resolves account device lists and
// the gateway delivers push wakeups; a nil gateway disables wakeups, which
// suits deployments with fetch-only clients.
func NewCourier(c *config.Config, directory sender.Directory, gateway wakeup.Gateway) (*Courier, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making courier, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	cl := clock.NewSystemClock()
	proc := types.NewProcessID()

	var redisClient *redis.Client
	if c.RedisURL != "" {
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("courier: error parsing redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
	}

	var envelopes store.Store
	if c.DatabaseURL != "" {
		envelopes, err = store.NewPostgres(c, cl)
		if err != nil {
			return nil, err
		}
	} else {
		envelopes = store.NewMemory(c, cl)
	}

	var hot queue.Queue
	var tracker presence.Tracker
	var limiter ratelimit.Limiter
	var estimator ratelimit.Estimator
	if redisClient != nil {
		hot = queue.NewRedis(c, redisClient)
		tracker = presence.NewRedis(c, redisClient)
		limiter = ratelimit.NewRedisLimiter(c, redisClient)
		estimator = ratelimit.NewRedisEstimator(c, redisClient)
	} else {
		hot = queue.NewMemory()
		tracker = presence.NewMemory()
		limiter = ratelimit.NewMemoryLimiter(c, cl)
		estimator = ratelimit.NewMemoryEstimator(c, cl)
	}

	if gateway == nil {
		gateway = nullGateway{}
	}
	wakeups := wakeup.NewScheduler(c, gateway)
	queues := queue.NewManager(c, hot, envelopes)
	monitor := loopmon.NewMonitor(c, cl)
	snd := sender.NewSender(c, cl, directory, envelopes, queues, tracker, wakeups, limiter, estimator)
	handler := stream.NewHandler(c, proc, queues, tracker, wakeups, monitor)

	return &Courier{
		config:   c,
		log:      log,
		clock:    cl,
		state:    StateNew,
		proc:     proc,
		redis:    redisClient,
		store:    envelopes,
		queues:   queues,
		presence: tracker,
		wakeups:  wakeups,
		sender:   snd,
		monitor:  monitor,
		handler:  handler,
		updates:  make(chan interface{}, 100),
	}, nil
}

type nullGateway struct{}

func (nullGateway) SendWakeup(context.Context, string, bool) (*wakeup.Result, error) {
	return &wakeup.Result{Delivered: true}, nil
}

// Gets various updates which must be dealt with. This will either produce
// *AppState or *TokenInvalidated.
func (c *Courier) Updates() chan interface{} {
	return c.updates
}

func (c *Courier) Running() bool {
	return c.state == StateRunning
}

func (c *Courier) Start() error {
	if c.state != StateNew {
		return errors.New("cannot start unless in state new")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelFunc = cancel

	c.finished.Add(1)
	go func() {
		defer c.finished.Done()
		c.heartbeat(ctx)
	}()
	c.finished.Add(1)
	go func() {
		defer c.finished.Done()
		c.sweep(ctx)
	}()
	c.finished.Add(1)
	go func() {
		defer c.finished.Done()
		for update := range c.wakeups.Updates() {
			select {
			case c.updates <- &TokenInvalidated{Addr: update.Addr, Token: update.Token}:
			default:
				c.log.Warnf("dropping token update for %s, channel full", update.Addr)
			}
		}
	}()

	c.setState(StateRunning)
	return nil
}

func (c *Courier) Shutdown() error {
	if c.state != StateRunning {
		return nil
	}
	c.setState(StateClosing)

	errs := make([]string, 0)
	c.cancelFunc()
	c.wakeups.Shutdown()
	c.finished.Wait()

	if err := c.presence.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.queues.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	c.setState(StateClosed)
	close(c.updates)

	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}
	return nil
}

// Send fans a message out to every device of the destination account,
// returning the server guid assigned per device.
func (c *Courier) Send(ctx context.Context, req *sender.Request) (map[types.DeviceID]uuid.UUID, error) {
	if c.state != StateRunning {
		return nil, fmt.Errorf("expected state %d, was %d", StateRunning, c.state)
	}
	return c.sender.Send(ctx, req)
}

// Handler serves the device delivery stream over websockets.
func (c *Courier) Handler() http.Handler {
	return c.handler
}

func (c *Courier) setState(state int) {
	c.state = state
	select {
	case c.updates <- &AppState{State: state}:
	default:
	}
}

func (c *Courier) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(c.config.HeartbeatMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.presence.Heartbeat(ctx); err != nil {
				c.log.Warnf("error refreshing presence: %v", err)
			}
		}
	}
}

func (c *Courier) sweep(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(c.config.SweepIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := c.store.SweepExpired(ctx, c.config.SweepBatchSize)
			if err != nil {
				c.log.Warnf("error sweeping expired envelopes: %v", err)
				continue
			}
			if swept != 0 {
				metrics.EnvelopesSwept.Add(float64(swept))
				c.log.Infof("swept %d expired envelopes", swept)
			}
		}
	}
}
