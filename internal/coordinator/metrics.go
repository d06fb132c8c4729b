package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_sync_cycles_total",
		Help: "Sync cycle attempts by outcome (busy, skipped, completed, failed).",
	}, []string{"outcome"})

	acksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_outbox_acks_total",
		Help: "Outbox entries by remote verdict (accepted, rejected, missing).",
	}, []string{"result"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tasksync_sync_cycle_duration_seconds",
		Help:    "Duration of sync cycles that reached the remote.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tasksync_outbox_pending",
		Help: "Outbox entries awaiting acknowledgment.",
	})
)
