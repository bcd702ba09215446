// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncOps counts commands and queries by operation name.
	SyncOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mirrorkv_sync_ops_total",
		Help: "Sync operations processed, by operation.",
	}, []string{"op"})

	// Conflicts counts detected conflicts by type.
	Conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mirrorkv_conflicts_total",
		Help: "Conflicts detected on write, by type.",
	}, []string{"type"})

	// FanoutMessages counts messages delivered to live connections.
	FanoutMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirrorkv_fanout_messages_total",
		Help: "Messages fanned out to live sibling connections.",
	})

	// AdmissionRejections counts gate rejections by error kind.
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mirrorkv_admission_rejections_total",
		Help: "Requests rejected by the admission gate, by kind.",
	}, []string{"kind"})

	// LiveConnections gauges currently open websocket connections.
	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mirrorkv_live_connections",
		Help: "Currently open websocket connections.",
	})
)
