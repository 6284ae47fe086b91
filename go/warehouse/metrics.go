package warehouse

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pulso_warehouse_queries_total",
	Help: "Warehouse queries by final status.",
}, []string{"status"})

var retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "pulso_warehouse_retries_total",
	Help: "Warehouse query attempts retried after a transient error.",
})

var rowsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "pulso_warehouse_rows_total",
	Help: "Rows read from the warehouse.",
})

var bytesBilledTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "pulso_warehouse_bytes_billed_total",
	Help: "Bytes billed by the warehouse.",
})

var queryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "pulso_warehouse_query_duration_seconds",
	Help:    "Wall-clock duration of warehouse queries, paging included.",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
})
