package wakeup

import (
	"context"
	"fmt"

	"github.com/meow-io/go-courier/config"
	"github.com/sideshow/apns2"
	apns2_certificate "github.com/sideshow/apns2/certificate"
	"go.uber.org/zap"
)

// APNSGateway delivers wakeups over the Apple push service. Urgent wakeups go
// out at high priority, others at the power-friendly low priority.
type APNSGateway struct {
	log    *zap.SugaredLogger
	client *apns2.Client
	topic  string
}

func NewAPNSGateway(c *config.Config) (*APNSGateway, error) {
	cert, err := apns2_certificate.FromP12File(c.APNSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("wakeup: error loading apns certificate: %w", err)
	}
	client := apns2.NewClient(cert)
	if c.APNSProductionMode {
		client = client.Production()
	} else {
		client = client.Development()
	}
	return &APNSGateway{
		log:    c.Logger("wakeup/apns"),
		client: client,
		topic:  c.APNSTopic,
	}, nil
}

func (g *APNSGateway) SendWakeup(ctx context.Context, token string, urgent bool) (*Result, error) {
	notification := &apns2.Notification{
		DeviceToken: token,
		Topic:       g.topic,
		Payload:     []byte(`{"aps":{"content-available":1}}`),
		Priority:    apns2.PriorityLow,
	}
	if urgent {
		notification.Priority = apns2.PriorityHigh
	}

	res, err := g.client.PushWithContext(ctx, notification)
	if err != nil {
		return nil, fmt.Errorf("wakeup: error pushing: %w", err)
	}
	g.log.Debugf("res %#v", res)

	switch {
	case res.Sent():
		return &Result{Delivered: true}, nil
	case res.Reason == apns2.ReasonBadDeviceToken || res.Reason == apns2.ReasonUnregistered:
		return &Result{InvalidToken: true}, nil
	case res.Reason == apns2.ReasonTooManyRequests:
		return &Result{Throttled: true}, nil
	default:
		return nil, fmt.Errorf("wakeup: push rejected: %s", res.Reason)
	}
}
