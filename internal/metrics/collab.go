// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus collectors for the collaboration core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabd_connections_active",
			Help: "Currently registered websocket connections.",
		},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabd_sessions_active",
			Help: "Currently live project sessions.",
		},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabd_events_total",
			Help: "Inbound timeline events by type and processing result.",
		},
		[]string{"type", "result"},
	)

	broadcastFanout = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "collabd_broadcast_fanout",
			Help:    "Number of peers each broadcast was delivered to.",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		},
	)

	broadcastFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collabd_broadcast_failures_total",
			Help: "Fan-out sends that failed because the peer channel was not open.",
		},
	)

	locksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabd_locks_active",
			Help: "Currently held resource locks.",
		},
	)

	lockReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabd_lock_released_total",
			Help: "Lock releases by reason.",
		},
		[]string{"reason"},
	)

	paramBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabd_param_batches_total",
			Help: "Parameter batch flushes by result (emitted or rate_limited).",
		},
		[]string{"result"},
	)

	slowClientDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collabd_slow_client_drops_total",
			Help: "Connections closed because the outbound queue overflowed.",
		},
	)

	handshakeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabd_handshake_failures_total",
			Help: "Rejected collaborate handshakes by error code.",
		},
		[]string{"code"},
	)
)

// ConnOpened records a registered connection.
func ConnOpened() { connectionsActive.Inc() }

// ConnClosed records an unregistered connection.
func ConnClosed() { connectionsActive.Dec() }

// SetSessions records the live project session count.
func SetSessions(n int) { sessionsActive.Set(float64(n)) }

// IncEvent counts an inbound event outcome. Result is one of
// "broadcast", "duplicate", "rejected", "queued".
func IncEvent(eventType, result string) { eventsTotal.WithLabelValues(eventType, result).Inc() }

// ObserveFanout records the recipient count of one broadcast.
func ObserveFanout(n int) { broadcastFanout.Observe(float64(n)) }

// IncBroadcastFailure counts a failed fan-out send.
func IncBroadcastFailure() { broadcastFailures.Inc() }

// LockAcquired records a newly created lock.
func LockAcquired() { locksActive.Inc() }

// LockReleased records a lock release with its reason.
func LockReleased(reason string) {
	locksActive.Dec()
	lockReleases.WithLabelValues(reason).Inc()
}

// IncParamBatch counts a throttler flush outcome.
func IncParamBatch(result string) { paramBatches.WithLabelValues(result).Inc() }

// IncSlowClientDrop counts a connection dropped for back-pressure.
func IncSlowClientDrop() { slowClientDrops.Inc() }

// IncHandshakeFailure counts a rejected handshake.
func IncHandshakeFailure(code string) { handshakeFailures.WithLabelValues(code).Inc() }
