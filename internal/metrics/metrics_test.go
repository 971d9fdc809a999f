package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/veldt/mend/pipeline"
)

func TestRecordRun(t *testing.T) {
	StreamsTotal.Reset()
	UnitsTotal.Reset()
	CorrectionsTotal.Reset()
	SplitsTotal.Reset()

	keyframesBefore := testutil.ToFloat64(KeyframesIndexed)

	snap := pipeline.StatsSnapshot{
		UnitsIn:            120,
		UnitsOut:           118,
		TimestampsRepaired: 4,
		TimelineRebases:    1,
		FramesReordered:    2,
		SplitsSize:         3,
		KeyframesIndexed:   17,
	}
	RecordRun(snap, 90*time.Second, false)

	if got := testutil.ToFloat64(StreamsTotal.WithLabelValues("finished")); got != 1 {
		t.Errorf("streams finished = %v, want 1", got)
	}
	if got := testutil.ToFloat64(UnitsTotal.WithLabelValues("in")); got != 120 {
		t.Errorf("units in = %v, want 120", got)
	}
	if got := testutil.ToFloat64(UnitsTotal.WithLabelValues("out")); got != 118 {
		t.Errorf("units out = %v, want 118", got)
	}
	if got := testutil.ToFloat64(CorrectionsTotal.WithLabelValues("timestamps_repaired")); got != 4 {
		t.Errorf("timestamps repaired = %v, want 4", got)
	}
	if got := testutil.ToFloat64(CorrectionsTotal.WithLabelValues("frames_reordered")); got != 2 {
		t.Errorf("frames reordered = %v, want 2", got)
	}
	if got := testutil.ToFloat64(SplitsTotal.WithLabelValues("size")); got != 3 {
		t.Errorf("size splits = %v, want 3", got)
	}
	if got := testutil.ToFloat64(KeyframesIndexed) - keyframesBefore; got != 17 {
		t.Errorf("keyframes indexed delta = %v, want 17", got)
	}
}

func TestRecordRunFailedResult(t *testing.T) {
	StreamsTotal.Reset()

	RecordRun(pipeline.StatsSnapshot{}, time.Second, true)
	RecordRun(pipeline.StatsSnapshot{}, time.Second, true)

	if got := testutil.ToFloat64(StreamsTotal.WithLabelValues("failed")); got != 2 {
		t.Errorf("streams failed = %v, want 2", got)
	}
}

func TestStreamGauge(t *testing.T) {
	before := testutil.ToFloat64(ActiveStreams)

	StreamStarted()
	StreamStarted()
	if got := testutil.ToFloat64(ActiveStreams) - before; got != 2 {
		t.Errorf("active streams delta = %v, want 2", got)
	}

	StreamEnded()
	if got := testutil.ToFloat64(ActiveStreams) - before; got != 1 {
		t.Errorf("active streams delta after end = %v, want 1", got)
	}
	StreamEnded()
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordRun(pipeline.StatsSnapshot{TimestampsRepaired: 1}, time.Second, false)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"mend_active_streams",
		"mend_streams_total",
		"mend_stream_duration_seconds",
		`kind="timestamps_repaired"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
