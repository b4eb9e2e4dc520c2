// Package metrics declares the Prometheus collectors exported on the admin
// server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Broadcast (push protocol) metrics
var (
	// BroadcastWritesTotal counts completed producer writes per push server
	BroadcastWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camrelay_broadcast_writes_total",
			Help: "Total producer writes fanned out by a push server",
		},
		[]string{"server"},
	)

	// BroadcastBytesTotal counts bytes handed to each push server by the producer
	BroadcastBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camrelay_broadcast_bytes_total",
			Help: "Total bytes published to a push server (before fan-out)",
		},
		[]string{"server"},
	)

	// BroadcastWriteDuration tracks how long the producer was blocked per write
	BroadcastWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "camrelay_broadcast_write_duration_seconds",
			Help:    "Time from write start until every live client attempted the write",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"server"},
	)

	// BroadcastClients tracks currently registered push clients
	BroadcastClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "camrelay_broadcast_clients",
			Help: "Push clients currently registered with a server",
		},
		[]string{"server"},
	)

	// BroadcastDroppedClientsTotal counts clients removed or refused, by reason
	BroadcastDroppedClientsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camrelay_broadcast_dropped_clients_total",
			Help: "Push clients swept or refused (reason: dead, full, shutdown)",
		},
		[]string{"server", "reason"},
	)
)

// Snapshot (pull protocol) metrics
var (
	// SnapshotRequestsTotal counts answered requests by route and status code
	SnapshotRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camrelay_snapshot_requests_total",
			Help: "Snapshot requests by route and response code",
		},
		[]string{"route", "code"},
	)

	// SnapshotRequestDuration tracks the full request/response cycle
	SnapshotRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "camrelay_snapshot_request_duration_seconds",
			Help:    "Snapshot request handling time from first read to close",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SnapshotProcessors tracks request processors not yet reaped
	SnapshotProcessors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "camrelay_snapshot_processors",
			Help: "Snapshot request processors currently registered",
		},
	)

	// SnapshotPublishesTotal counts cache slot replacements
	SnapshotPublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camrelay_snapshot_publishes_total",
			Help: "Snapshot cache publishes by slot",
		},
		[]string{"slot"},
	)
)
