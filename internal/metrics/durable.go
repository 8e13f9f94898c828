// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ResolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "durachan_resolve_total",
		Help: "Channel ownership resolutions by outcome",
	}, []string{"outcome"}) // outcome=local|owner|proxy|error

	OwnedChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "durachan_owned_channels",
		Help: "Number of channel actors currently hosted by this process",
	})

	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "durachan_dispatch_total",
		Help: "Actor dispatches on owned channels by kind, source and outcome",
	}, []string{"kind", "source", "outcome"}) // source=local|forwarded, outcome=ok|error

	rpcDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "durachan_rpc_duration_seconds",
		Help:    "Latency of forwarded channel calls as observed by the proxy",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"kind", "outcome"}) // outcome=ok|remote_error|timeout|error

	HibernationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "durachan_hibernations_total",
		Help: "Channel actors reclaimed by trigger",
	}, []string{"trigger"}) // trigger=idle|shutdown|rollback
)

// IncResolve records the outcome of one ownership resolution.
func IncResolve(outcome string) {
	ResolveTotal.WithLabelValues(outcome).Inc()
}

// IncDispatch records one dispatch against a locally hosted actor.
func IncDispatch(kind, source string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	DispatchTotal.WithLabelValues(kind, source, outcome).Inc()
}

// ObserveRPC records the proxy-side latency of one forwarded call.
func ObserveRPC(kind, outcome string, d time.Duration) {
	rpcDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

// IncHibernation records one reclaimed actor.
func IncHibernation(trigger string) {
	HibernationsTotal.WithLabelValues(trigger).Inc()
}
