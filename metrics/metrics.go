// Package metrics holds the prometheus collectors shared across courier.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EnvelopesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_envelopes_accepted_total",
		Help: "Envelopes accepted for fan-out.",
	})

	EnvelopesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_envelopes_delivered_total",
		Help: "Envelopes handed to a connected device.",
	})

	EnvelopesAcked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_envelopes_acked_total",
		Help: "Envelopes settled by a delivery receipt.",
	})

	EnvelopesSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_envelopes_swept_total",
		Help: "Expired envelopes removed by the retention sweeper.",
	})

	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_sends_rate_limited_total",
		Help: "Sends rejected by the per-account byte budget.",
	})

	MismatchRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_sends_device_mismatch_total",
		Help: "Sends rejected because the caller's device list was stale.",
	})

	WakeupsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_wakeups_sent_total",
		Help: "Push wakeups handed to the gateway by outcome.",
	}, []string{"outcome"})

	WakeupsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_wakeups_expired_total",
		Help: "Push wakeups abandoned after the retry budget ran out.",
	})

	LoopAlarms = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_delivery_loop_alarms_total",
		Help: "Devices observed repeatedly fetching without acking.",
	})

	ConnectedDevices = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "courier_connected_devices",
		Help: "Devices with a live stream on this process.",
	})
)

func Register() {
	prometheus.MustRegister(
		EnvelopesAccepted,
		EnvelopesDelivered,
		EnvelopesAcked,
		EnvelopesSwept,
		RateLimited,
		MismatchRejections,
		WakeupsSent,
		WakeupsExpired,
		LoopAlarms,
		ConnectedDevices,
	)
}
