package sink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulso_sink_batches_total",
		Help: "Number of upsert batches written to the sink, by table and outcome.",
	}, []string{"table", "status"})

	rowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulso_sink_rows_total",
		Help: "Number of rows handled by the sink writer, by table and outcome.",
	}, []string{"table", "outcome"})

	upsertDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulso_sink_upsert_duration_seconds",
		Help:    "Wall time of individual upsert statements.",
		Buckets: prometheus.DefBuckets,
	}, []string{"table"})

	truncatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulso_sink_truncates_total",
		Help: "Number of truncate-and-load transactions, by table and outcome.",
	}, []string{"table", "status"})
)
