// SPDX-License-Identifier: MIT
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "durachan_broadcasts_total",
		Help: "Messages published to outbound broadcast topics by outcome",
	}, []string{"outcome"})

	broadcastSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "durachan_broadcast_subscriptions",
		Help: "Open broadcast subscriptions by consumer",
	}, []string{"consumer"}) // consumer=window|stream

	LeaseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "durachan_relay_lease_total",
		Help: "Relay lease resolutions by outcome",
	}, []string{"outcome"}) // outcome=reused|provisioned|waited|failed

	provisionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "durachan_relay_provision_duration_seconds",
		Help:    "Time spent provisioning a relay process",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	relayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "durachan_relay_connections",
		Help: "Open relay socket connections",
	})

	RelayFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "durachan_relay_frames_total",
		Help: "Relay socket frames by direction and outcome",
	}, []string{"direction", "outcome"}) // direction=inbound|outbound

	RelayRejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "durachan_relay_rejects_total",
		Help: "Relay socket connections closed with a diagnostic code",
	}, []string{"code"})
)

func IncBroadcast(err error) {
	if err != nil {
		BroadcastsTotal.WithLabelValues("error").Inc()
		return
	}
	BroadcastsTotal.WithLabelValues("ok").Inc()
}

// TrackSubscription bumps the subscription gauge and returns its release func.
func TrackSubscription(consumer string) func() {
	g := broadcastSubscriptions.WithLabelValues(consumer)
	g.Inc()
	return g.Dec
}

func IncLease(outcome string) {
	LeaseTotal.WithLabelValues(outcome).Inc()
}

func ObserveProvision(d time.Duration) {
	provisionDuration.Observe(d.Seconds())
}

// TrackRelayConnection bumps the connection gauge and returns its release func.
func TrackRelayConnection() func() {
	relayConnections.Inc()
	return relayConnections.Dec
}

func IncRelayFrame(direction, outcome string) {
	RelayFramesTotal.WithLabelValues(direction, outcome).Inc()
}

func IncRelayReject(code string) {
	RelayRejectsTotal.WithLabelValues(code).Inc()
}
