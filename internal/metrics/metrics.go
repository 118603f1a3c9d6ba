package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngestOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratewatch_ingest_outcomes_total",
		Help: "Ingest decisions, labelled by outcome (inserted, skipped, rejected).",
	}, []string{"outcome"})

	ObservationsFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratewatch_observations_flagged_total",
		Help: "Observations inserted with a large delta and marked for review.",
	})

	ObservationsValidated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratewatch_observations_validated_total",
		Help: "Observations flipped from pending to validated.",
	})

	SourceSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratewatch_source_syncs_total",
		Help: "Scheduled source polls, labelled by result (ok, error).",
	}, []string{"result"})

	CacheFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratewatch_cache_flushes_total",
		Help: "Read-cache blanket flushes.",
	})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ratewatch_http_request_duration_ms",
		Help:    "HTTP request latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"method", "route"})
)
