// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PubSubDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "durachan_pubsub_dropped_total",
		Help: "Total number of pub/sub messages dropped before reaching a subscriber, by reason",
	}, []string{"reason"})

	StoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "durachan_store_errors_total",
		Help: "Total number of coordination store operation failures by operation",
	}, []string{"op"})
)

// IncPubSubDrop records a pub/sub message that never reached its subscriber.
// Topic names carry channel ids, so only the reason is used as a label.
func IncPubSubDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	PubSubDroppedTotal.WithLabelValues(reason).Inc()
}

// IncStoreError records a failed coordination store operation.
func IncStoreError(op string) {
	StoreErrorsTotal.WithLabelValues(op).Inc()
}
