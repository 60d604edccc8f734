// This package serves the delivery stream. A device connects over a websocket,
// is marked available, gets its queue drained, then receives envelopes as they
// arrive. Receipts flow back on the same socket and settle both queue layers.
// Each frame is a binary message; the socket is kept alive with pings when idle.
package stream

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/loopmon"
	"github.com/meow-io/go-courier/metrics"
	"github.com/meow-io/go-courier/presence"
	"github.com/meow-io/go-courier/queue"
	"github.com/meow-io/go-courier/types"
	"github.com/meow-io/go-courier/wakeup"
	"github.com/meow-io/go-courier/wire"
	"go.uber.org/zap"
)

type Handler struct {
	log       *zap.SugaredLogger
	proc      types.ProcessID
	queues    *queue.Manager
	presence  presence.Tracker
	wakeups   *wakeup.Scheduler
	monitor   *loopmon.Monitor
	keepalive time.Duration
	popBatch  int
	upgrader  websocket.Upgrader
}

func NewHandler(c *config.Config, proc types.ProcessID, q *queue.Manager, p presence.Tracker, w *wakeup.Scheduler, m *loopmon.Monitor) *Handler {
	return &Handler{
		log:       c.Logger("stream"),
		proc:      proc,
		queues:    q,
		presence:  p,
		wakeups:   w,
		monitor:   m,
		keepalive: time.Duration(c.KeepaliveMs) * time.Millisecond,
		popBatch:  c.PopBatchSize,
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	account, err := types.ParseAccountID(r.URL.Query().Get("account"))
	if err != nil {
		http.Error(w, "bad account", http.StatusBadRequest)
		return
	}
	device, err := parseDevice(r.URL.Query().Get("device"))
	if err != nil {
		http.Error(w, "bad device", http.StatusBadRequest)
		return
	}
	addr := types.Address{Account: account, Device: device}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("error upgrading connection for %s: %v", addr, err)
		return
	}
	h.serve(r.Context(), addr, ws)
}

func parseDevice(s string) (types.DeviceID, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, err
	}
	if n == 0 || n > uint64(types.MaxDeviceID) {
		return 0, strconv.ErrRange
	}
	return types.DeviceID(n), nil
}

type session struct {
	handler *Handler
	addr    types.Address
	ws      *websocket.Conn

	writeLock sync.Mutex
	// envelopes already written on this socket and not yet acked
	sentLock sync.Mutex
	sent     map[uuid.UUID]bool
}

func (h *Handler) serve(ctx context.Context, addr types.Address, ws *websocket.Conn) {
	defer func() {
		if err := ws.Close(); err != nil {
			h.log.Debugf("error closing socket for %s: %v", addr, err)
		}
	}()

	epoch, err := h.presence.MarkConnected(ctx, addr, h.proc)
	if err != nil {
		h.log.Warnf("error marking %s connected: %v", addr, err)
		return
	}
	h.wakeups.Cancel(addr)
	metrics.ConnectedDevices.Inc()
	defer func() {
		metrics.ConnectedDevices.Dec()
		h.monitor.Forget(addr)
		// the disconnect context may already be gone
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.MarkDisconnected(dctx, addr, h.proc, epoch); err != nil {
			h.log.Warnf("error marking %s disconnected: %v", addr, err)
		}
	}()

	signals, unsubscribe, err := h.presence.Subscribe(ctx, addr)
	if err != nil {
		h.log.Warnf("error subscribing for %s: %v", addr, err)
		return
	}
	defer unsubscribe()

	s := &session{handler: h, addr: addr, ws: ws, sent: make(map[uuid.UUID]bool)}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx, signals, done)
	}()

	s.readLoop(ctx)
	close(done)
	wg.Wait()
}

func (s *session) writeLoop(ctx context.Context, signals <-chan struct{}, done chan struct{}) {
	ticker := time.NewTicker(s.handler.keepalive)
	defer ticker.Stop()

	if err := s.drain(ctx); err != nil {
		s.handler.log.Debugf("error draining for %s: %v", s.addr, err)
		return
	}
	for {
		select {
		case <-done:
			return
		case <-signals:
			if err := s.drain(ctx); err != nil {
				s.handler.log.Debugf("error draining for %s: %v", s.addr, err)
				return
			}
		case <-ticker.C:
			s.writeLock.Lock()
			err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			s.writeLock.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// drain pops and writes every queued envelope the session hasn't already sent,
// then tells the client it is caught up.
func (s *session) drain(ctx context.Context) error {
	for {
		envs, err := s.handler.queues.Pop(ctx, s.addr, s.handler.popBatch)
		if err != nil {
			return err
		}

		fresh := make([]*wire.Envelope, 0, len(envs))
		guids := make([]uuid.UUID, 0, len(envs))
		s.sentLock.Lock()
		for _, env := range envs {
			if s.sent[env.ServerGUID] {
				continue
			}
			s.sent[env.ServerGUID] = true
			fresh = append(fresh, env)
			guids = append(guids, env.ServerGUID)
		}
		s.sentLock.Unlock()
		if len(fresh) == 0 {
			break
		}

		s.handler.monitor.RecordDelivery(s.addr, guids)
		for _, env := range fresh {
			body, err := wire.EncodeEnvelope(env)
			if err != nil {
				return err
			}
			if err := s.writeFrame(&Frame{Kind: FrameEnvelope, GUID: env.ServerGUID, Body: body}); err != nil {
				return err
			}
			metrics.EnvelopesDelivered.Inc()
		}
		if len(envs) < s.handler.popBatch {
			break
		}
	}
	return s.writeFrame(&Frame{Kind: FrameQueueEmpty})
}

func (s *session) writeFrame(f *Frame) error {
	buf, err := encodeFrame(f)
	if err != nil {
		return err
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return s.ws.WriteMessage(websocket.BinaryMessage, buf)
}

func (s *session) readLoop(ctx context.Context) {
	for {
		kind, buf, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.handler.log.Debugf("socket closed for %s: %v", s.addr, err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		frame, err := decodeFrame(buf)
		if err != nil {
			s.handler.log.Warnf("dropping malformed frame from %s: %v", s.addr, err)
			continue
		}
		if frame.Kind != FrameAck {
			s.handler.log.Warnf("dropping unexpected frame kind %d from %s", frame.Kind, s.addr)
			continue
		}

		if _, err := s.handler.queues.Ack(ctx, s.addr, frame.GUID); err != nil {
			s.handler.log.Warnf("error acking %s for %s: %v", frame.GUID, s.addr, err)
			continue
		}
		s.handler.monitor.RecordAck(s.addr, frame.GUID)
		metrics.EnvelopesAcked.Inc()
		s.sentLock.Lock()
		delete(s.sent, frame.GUID)
		s.sentLock.Unlock()
	}
}
