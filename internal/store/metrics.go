package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_store_operations_total",
		Help: "Store lifecycle operations by type and status",
	}, []string{"operation", "status"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pos_store_operation_duration_seconds",
		Help:    "Time spent in store lifecycle operations",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"operation"})

	snapshotSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pos_store_snapshot_size_bytes",
		Help: "Size of the most recently persisted database image",
	})

	lastSaveGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pos_store_last_save_timestamp_seconds",
		Help: "Unix time of the last successful write to the durability slot",
	})
)

func observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	operationsTotal.WithLabelValues(op, status).Inc()
	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
