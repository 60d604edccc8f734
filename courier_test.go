package courier

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/sender"
	"github.com/meow-io/go-courier/types"
	"github.com/meow-io/go-courier/wakeup"
	"github.com/meow-io/go-courier/wire"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	devices map[string][]sender.Device
}

func (d *fakeDirectory) CurrentDevices(_ context.Context, account types.AccountID) ([]sender.Device, error) {
	return d.devices[account.String()], nil
}

func newCourier(t *testing.T) (*Courier, *fakeDirectory) {
	c := config.NewConfig(config.WithRootDir(t.TempDir()))
	c.DatabaseURL = ""
	c.RedisURL = ""
	dir := &fakeDirectory{devices: make(map[string][]sender.Device)}
	courier, err := NewCourier(c, dir, nil)
	require.Nil(t, err)
	return courier, dir
}

func TestCourierLifecycle(t *testing.T) {
	require := require.New(t)

	c, _ := newCourier(t)
	require.False(c.Running())
	require.Nil(c.Start())
	require.True(c.Running())
	require.NotNil(c.Start())
	require.Nil(c.Shutdown())
	require.False(c.Running())
	require.Nil(c.Shutdown())
}

func TestCourierSendAndReceive(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c, dir := newCourier(t)
	require.Nil(c.Start())
	defer func() {
		require.Nil(c.Shutdown())
	}()

	account := types.NewAccountID()
	dir.devices[account.String()] = []sender.Device{{ID: 1, RegistrationID: 7}}
	guids, err := c.Send(ctx, &sender.Request{
		Destination: account,
		Type:        wire.TypeCiphertext,
		Messages:    []sender.DeviceMessage{{Device: 1, RegistrationID: 7, Content: []byte("hello")}},
	})
	require.Nil(err)
	require.Len(guids, 1)

	server := httptest.NewServer(c.Handler())
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url+"/v1/websocket?account="+account.String()+"&device=1", nil)
	require.Nil(err)
	defer func() { _ = ws.Close() }()

	require.Nil(ws.SetReadDeadline(time.Now().Add(5 * time.Second)))
	_, buf, err := ws.ReadMessage()
	require.Nil(err)
	require.Contains(string(buf), "hello")
}

func TestCourierSendRequiresRunning(t *testing.T) {
	require := require.New(t)

	c, _ := newCourier(t)
	_, err := c.Send(context.Background(), &sender.Request{Destination: types.NewAccountID()})
	require.NotNil(err)
}

type deadTokenGateway struct{}

func (deadTokenGateway) SendWakeup(context.Context, string, bool) (*wakeup.Result, error) {
	return &wakeup.Result{InvalidToken: true}, nil
}

func TestCourierShutdownWithUnreadUpdates(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	conf := config.NewConfig(config.WithRootDir(t.TempDir()))
	conf.DatabaseURL = ""
	conf.RedisURL = ""
	dir := &fakeDirectory{devices: make(map[string][]sender.Device)}
	c, err := NewCourier(conf, dir, deadTokenGateway{})
	require.Nil(err)
	require.Nil(c.Start())

	// nobody drains Updates here, fill the channel so further events can't
	// be buffered
	for len(c.updates) < cap(c.updates) {
		c.updates <- &AppState{State: StateRunning}
	}

	// an offline device with a dead token produces a TokenInvalidated event
	account := types.NewAccountID()
	dir.devices[account.String()] = []sender.Device{{ID: 1, RegistrationID: 7, PushToken: "token-dead"}}
	_, err = c.Send(ctx, &sender.Request{
		Destination: account,
		Type:        wire.TypeCiphertext,
		Messages:    []sender.DeviceMessage{{Device: 1, RegistrationID: 7, Content: []byte("x")}},
	})
	require.Nil(err)
	time.Sleep(100 * time.Millisecond)

	var shutdownErr error
	done := make(chan struct{})
	go func() {
		shutdownErr = c.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		require.Nil(shutdownErr)
	case <-time.After(5 * time.Second):
		t.Fatal("expected shutdown to finish")
	}
}
