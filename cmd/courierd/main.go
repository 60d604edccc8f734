// Command courierd runs the delivery service: it accepts messages for fan-out
// over HTTP and serves device delivery streams over websockets. Device lists
// come from an external directory service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	courier "github.com/meow-io/go-courier"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/metrics"
	"github.com/meow-io/go-courier/sender"
	"github.com/meow-io/go-courier/types"
	"github.com/meow-io/go-courier/wakeup"
	"github.com/meow-io/go-courier/wire"
)

// httpDirectory resolves device lists from the account directory service.
type httpDirectory struct {
	base   string
	client *http.Client
}

type directoryDevice struct {
	ID              uint8  `json:"id"`
	RegistrationID  uint32 `json:"registration_id"`
	FetchesMessages bool   `json:"fetches_messages"`
	PushToken       string `json:"push_token"`
}

func (d *httpDirectory) CurrentDevices(ctx context.Context, account types.AccountID) ([]sender.Device, error) {
	url := fmt.Sprintf("%s/v1/directory/%s/devices", d.base, account)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory returned %d", res.StatusCode)
	}
	var records []directoryDevice
	if err := json.NewDecoder(res.Body).Decode(&records); err != nil {
		return nil, err
	}
	devices := make([]sender.Device, 0, len(records))
	for _, r := range records {
		devices = append(devices, sender.Device{
			ID:              types.DeviceID(r.ID),
			RegistrationID:  r.RegistrationID,
			FetchesMessages: r.FetchesMessages,
			PushToken:       r.PushToken,
		})
	}
	return devices, nil
}

type sendRequest struct {
	Destination     string `json:"destination"`
	Type            uint8  `json:"type"`
	SourceService   string `json:"source_service"`
	SourceDevice    uint8  `json:"source_device"`
	ClientTimestamp uint64 `json:"client_timestamp"`
	Ephemeral       bool   `json:"ephemeral"`
	Urgent          bool   `json:"urgent"`
	ReportSpamToken []byte `json:"report_spam_token"`
	Messages        []struct {
		Device         uint8  `json:"device"`
		RegistrationID uint32 `json:"registration_id"`
		Content        []byte `json:"content"`
	} `json:"messages"`
}

type mismatchResponse struct {
	Missing []types.DeviceID `json:"missing"`
	Extra   []types.DeviceID `json:"extra"`
	Stale   []types.DeviceID `json:"stale"`
}

func handleSend(c *courier.Courier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body sendRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		destination, err := types.ParseAccountID(body.Destination)
		if err != nil {
			http.Error(w, "bad destination", http.StatusBadRequest)
			return
		}
		req := &sender.Request{
			Destination:     destination,
			Type:            wire.Type(body.Type),
			SourceService:   body.SourceService,
			SourceDevice:    types.DeviceID(body.SourceDevice),
			ClientTimestamp: body.ClientTimestamp,
			Ephemeral:       body.Ephemeral,
			Urgent:          body.Urgent,
			ReportSpamToken: body.ReportSpamToken,
		}
		for _, m := range body.Messages {
			req.Messages = append(req.Messages, sender.DeviceMessage{
				Device:         types.DeviceID(m.Device),
				RegistrationID: m.RegistrationID,
				Content:        m.Content,
			})
		}

		guids, err := c.Send(r.Context(), req)
		var mismatch *sender.MismatchedDevicesError
		var limited *sender.RateLimitExceededError
		switch {
		case err == nil:
			w.Header().Set("Content-Type", "application/json")
			out := make(map[string]string, len(guids))
			for device, guid := range guids {
				out[fmt.Sprintf("%d", device)] = guid.String()
			}
			_ = json.NewEncoder(w).Encode(out)
		case errors.As(err, &mismatch):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(&mismatchResponse{
				Missing: mismatch.Missing,
				Extra:   mismatch.Extra,
				Stale:   mismatch.Stale,
			})
		case errors.As(err, &limited):
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(limited.RetryAfter.Seconds())+1))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		case errors.Is(err, sender.ErrMessageTooLarge):
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, sender.ErrDeliveryUnavailable):
			http.Error(w, "delivery unavailable", http.StatusServiceUnavailable)
		default:
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

func run() error {
	c := config.NewConfig(config.WithLoggingPrefix("courierd"))
	log := c.Logger("main")

	directoryURL := os.Getenv("DIRECTORY_URL")
	if directoryURL == "" {
		return errors.New("DIRECTORY_URL is required")
	}
	directory := &httpDirectory{base: directoryURL, client: &http.Client{Timeout: 10 * time.Second}}

	var gateway wakeup.Gateway
	if c.APNSCertPath != "" {
		apns, err := wakeup.NewAPNSGateway(c)
		if err != nil {
			return err
		}
		gateway = apns
	}

	svc, err := courier.NewCourier(c, directory, gateway)
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}

	go func() {
		for update := range svc.Updates() {
			switch u := update.(type) {
			case *courier.TokenInvalidated:
				log.Infof("push token invalidated for %s", u.Addr)
			}
		}
	}()

	metrics.Register()
	mux := http.NewServeMux()
	mux.Handle("/v1/websocket", svc.Handler())
	mux.HandleFunc("/v1/messages", handleSend(svc))
	mux.Handle("/metrics", promhttp.Handler())

	listen := os.Getenv("LISTEN_ADDR")
	if listen == "" {
		listen = ":8080"
	}
	server := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warnf("error shutting down server: %v", err)
		}
	}()

	log.Infof("listening on %s", listen)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return svc.Shutdown()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "courierd: %v\n", err)
		os.Exit(1)
	}
}
