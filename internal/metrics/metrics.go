// Package metrics exposes Prometheus collectors for repair runs.
// Operators never touch collectors; a run's final StatsSnapshot is
// folded in once when the run ends, and only the in-flight gauge
// moves while a stream is live.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veldt/mend/pipeline"
)

var (
	// ActiveStreams counts repair runs currently in flight.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mend_active_streams",
		Help: "Number of repair runs currently in flight",
	})

	// StreamsTotal counts completed repair runs by result.
	StreamsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mend_streams_total",
		Help: "Completed repair runs by result",
	}, []string{"result"})

	// UnitsTotal counts media units moved through completed runs.
	UnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mend_units_total",
		Help: "Media units consumed and re-emitted by completed runs",
	}, []string{"direction"})

	// CorrectionsTotal counts repaired defects by kind.
	CorrectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mend_corrections_total",
		Help: "Defects corrected by completed runs, by kind",
	}, []string{"kind"})

	// SplitsTotal counts output part rotations by trigger.
	SplitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mend_output_splits_total",
		Help: "Output part rotations by trigger",
	}, []string{"trigger"})

	// KeyframesIndexed counts keyframe index entries written into
	// output metadata.
	KeyframesIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mend_keyframes_indexed_total",
		Help: "Keyframe index entries written into output metadata",
	})

	// StreamDuration tracks wall-clock duration of completed runs.
	StreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mend_stream_duration_seconds",
		Help:    "Wall-clock duration of completed repair runs",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1s .. ~73h
	})
)

// StreamStarted marks one more run in flight.
func StreamStarted() {
	ActiveStreams.Inc()
}

// StreamEnded marks one run no longer in flight.
func StreamEnded() {
	ActiveStreams.Dec()
}

// RecordRun folds the final snapshot of one run into the collectors.
func RecordRun(snap pipeline.StatsSnapshot, duration time.Duration, failed bool) {
	result := "finished"
	if failed {
		result = "failed"
	}
	StreamsTotal.WithLabelValues(result).Inc()
	StreamDuration.Observe(duration.Seconds())

	UnitsTotal.WithLabelValues("in").Add(float64(snap.UnitsIn))
	UnitsTotal.WithLabelValues("out").Add(float64(snap.UnitsOut))

	CorrectionsTotal.WithLabelValues("timestamps_repaired").Add(float64(snap.TimestampsRepaired))
	CorrectionsTotal.WithLabelValues("timeline_rebases").Add(float64(snap.TimelineRebases))
	CorrectionsTotal.WithLabelValues("segments_joined").Add(float64(snap.SegmentsJoined))
	CorrectionsTotal.WithLabelValues("frames_reordered").Add(float64(snap.FramesReordered))
	CorrectionsTotal.WithLabelValues("headers_synthesized").Add(float64(snap.HeadersSynthesized))
	CorrectionsTotal.WithLabelValues("headers_dropped").Add(float64(snap.HeadersDropped))
	CorrectionsTotal.WithLabelValues("metadata_dropped").Add(float64(snap.MetadataDropped))
	CorrectionsTotal.WithLabelValues("metadata_repaired").Add(float64(snap.MetadataRepaired))
	CorrectionsTotal.WithLabelValues("fragments_discarded").Add(float64(snap.FragmentsDiscarded))

	SplitsTotal.WithLabelValues("size").Add(float64(snap.SplitsSize))
	SplitsTotal.WithLabelValues("duration").Add(float64(snap.SplitsDuration))
	SplitsTotal.WithLabelValues("parameters").Add(float64(snap.SplitsParameters))

	KeyframesIndexed.Add(float64(snap.KeyframesIndexed))
}

// Handler serves the default registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
