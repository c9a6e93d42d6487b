package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	lockAcquisitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procto", Name: "lock_acquisitions_total", Help: "Copy lock acquisitions",
	}, []string{"kind"}) // created | extended
	FinalizeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "procto", Name: "finalize_seconds", Help: "Finalisation duration",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	FinalizeOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procto", Name: "finalize_total", Help: "Finalisation outcomes",
	}, []string{"outcome"}) // graded | failed | already
	DispatchAssigned = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "procto", Name: "dispatch_assigned_copies", Help: "Copies assigned per dispatch run",
		Buckets: prometheus.LinearBuckets(0, 10, 10),
	})
	ExportRows = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "procto", Name: "export_rows_total", Help: "PRONOTE rows exported",
	})
	DBPing = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "procto", Name: "db_ping_seconds", Help: "DB ping latency",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(lockAcquisitions, FinalizeDuration, FinalizeOutcomes, DispatchAssigned, ExportRows, DBPing)
}

func Handler() http.Handler { return promhttp.Handler() }

func LockAcquired(created bool) {
	kind := "extended"
	if created {
		kind = "created"
	}
	lockAcquisitions.WithLabelValues(kind).Inc()
}

func ObserveDBPing(d time.Duration) { DBPing.Observe(d.Seconds()) }
