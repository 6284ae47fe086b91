package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeExtractions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulso_runtime_active_extractions",
		Help: "Table extractions currently in flight.",
	})

	tableRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulso_runtime_table_runs_total",
		Help: "Completed table extractions, by table and outcome.",
	}, []string{"table", "status"})

	tableRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulso_runtime_table_run_duration_seconds",
		Help:    "End-to-end duration of table extractions.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
	}, []string{"table"})

	campaignRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulso_runtime_campaign_runs_total",
		Help: "Completed campaign refreshes, by outcome.",
	}, []string{"status"})

	sweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulso_runtime_sweeps_total",
		Help: "Campaign sweeps, by outcome.",
	}, []string{"status"})
)
