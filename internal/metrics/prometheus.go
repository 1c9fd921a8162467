package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	evaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "willow_evaluations_total",
			Help: "Rule evaluations by outcome (faulted, healthy, invalid).",
		},
		[]string{"outcome"},
	)
	evaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "willow_evaluation_duration_seconds",
			Help:    "Time spent evaluating one rule instance tick.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)
	samplesIngestedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "willow_samples_ingested_total",
			Help: "Samples appended to actor buffers.",
		},
	)
	batchesSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "willow_batches_skipped_total",
			Help: "Batches skipped because their sequence was at or below the watermark.",
		},
	)
	checkpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "willow_checkpoints_total",
			Help: "Actor checkpoints by result.",
		},
		[]string{"result"},
	)
	syncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "willow_command_syncs_total",
			Help: "Insight syncs to Command by result.",
		},
		[]string{"result"},
	)
	overlapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "willow_overlapping_occurrences_total",
			Help: "Folds that left an insight with overlapping occurrences.",
		},
	)
	actorsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "willow_actors",
			Help: "Rule instance actors currently loaded.",
		},
	)
)

func RecordEvaluation(outcome string, took time.Duration) {
	evaluationsTotal.WithLabelValues(outcome).Inc()
	evaluationDuration.Observe(took.Seconds())
}

func RecordSamples(n int) {
	samplesIngestedTotal.Add(float64(n))
}

func RecordSkippedBatch() {
	batchesSkippedTotal.Inc()
}

func RecordCheckpoint(err error) {
	checkpointsTotal.WithLabelValues(result(err)).Inc()
}

func RecordSync(err error) {
	syncsTotal.WithLabelValues(result(err)).Inc()
}

func RecordOverlap() {
	overlapsTotal.Inc()
}

func SetActors(n int) {
	actorsGauge.Set(float64(n))
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// ResetMetrics clears the labelled collectors (for testing).
func ResetMetrics() {
	evaluationsTotal.Reset()
	checkpointsTotal.Reset()
	syncsTotal.Reset()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
