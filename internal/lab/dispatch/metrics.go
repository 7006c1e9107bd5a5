package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	artifactsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labsync_artifacts_fetched_total",
			Help: "Artifacts read and parsed into result messages",
		},
		[]string{"processor"},
	)

	artifactsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labsync_artifacts_skipped_total",
			Help: "File artifacts left in place after a read or parse failure",
		},
		[]string{"processor"},
	)

	resultsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labsync_results_rejected_total",
			Help: "Web service results answered with CR",
		},
		[]string{"processor"},
	)

	resultsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labsync_results_stored_total",
			Help: "Result messages persisted by the sink",
		},
		[]string{"processor"},
	)

	resultsAcknowledged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labsync_results_acknowledged_total",
			Help: "Acknowledgments delivered to the transport",
		},
		[]string{"processor"},
	)

	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labsync_cycles_total",
			Help: "Retrieval cycles by outcome",
		},
		[]string{"processor", "outcome"},
	)

	cycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "labsync_cycle_duration_seconds",
			Help:    "Wall time of one retrieval cycle",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"processor"},
	)
)

func observe(r *CycleReport) {
	artifactsFetched.WithLabelValues(r.Processor).Add(float64(r.Fetched))
	artifactsSkipped.WithLabelValues(r.Processor).Add(float64(r.Skipped))
	resultsRejected.WithLabelValues(r.Processor).Add(float64(r.Rejected))
	resultsStored.WithLabelValues(r.Processor).Add(float64(r.Stored))
	resultsAcknowledged.WithLabelValues(r.Processor).Add(float64(r.Acknowledged))

	outcome := "ok"
	if r.Error != "" {
		outcome = "failed"
	}
	cyclesTotal.WithLabelValues(r.Processor, outcome).Inc()
	cycleDuration.WithLabelValues(r.Processor).Observe(r.FinishedAt.Sub(r.StartedAt).Seconds())
}
