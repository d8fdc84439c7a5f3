// Package metrics declares the Prometheus collectors of the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values for FlushesTotal.
const (
	Ok      = "ok"
	Fail    = "fail"
	Skipped = "skipped"
)

var (
	PeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livelist_peers_connected",
		Help: "Number of websocket peers currently joined to a room.",
	})
	RoomsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livelist_rooms_live",
		Help: "Number of rooms held in memory.",
	})
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livelist_frames_total",
		Help: "Inbound frames handled, by message type.",
	}, []string{"type"})
	FramesDeniedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livelist_frames_denied_total",
		Help: "Mutating frames dropped by the access gate.",
	})
	JoinsDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livelist_joins_denied_total",
		Help: "Joins refused, by reason.",
	}, []string{"reason"})
	FlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livelist_flushes_total",
		Help: "Write-behind flushes, by outcome.",
	}, []string{"outcome"})
	FlushSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "livelist_flush_seconds",
		Help:    "Duration of write-behind flushes.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	HistorySnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livelist_history_snapshots_total",
		Help: "History snapshots appended.",
	})
	IndexReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livelist_index_reconcile_entries_total",
		Help: "Index entries changed by reconciliation, by action.",
	}, []string{"action"})
)

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
