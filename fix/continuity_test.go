package fix

import (
	"testing"

	"github.com/veldt/mend/media"
)

func TestContinuity_ResetRebasesEachSegment(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	op := NewContinuity(ctx, ContinuityReset)

	out := processAll(t, op,
		&media.Header{Version: 1, HasVideo: true},
		frameAt(1000),
		frameAt(1010),
		frameAt(1020),
		&media.Header{Version: 1, HasVideo: true},
		frameAt(500),
		frameAt(510),
		frameAt(520),
	)

	if got, want := videoTimestamps(out), []int64{0, 10, 20, 0, 10, 20}; !equalInt64s(got, want) {
		t.Errorf("timestamps = %v, want %v", got, want)
	}
	if snap := ctx.Stats.Snapshot(); snap.SegmentsJoined != 1 {
		t.Errorf("SegmentsJoined = %d, want 1", snap.SegmentsJoined)
	}
}

func TestContinuity_ContinuousAppendsSegments(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	op := NewContinuity(ctx, ContinuityContinuous)

	out := processAll(t, op,
		&media.Header{Version: 1, HasVideo: true},
		frameAt(1000),
		frameAt(1010),
		frameAt(1020),
		&media.Header{Version: 1, HasVideo: true},
		frameAt(500),
		frameAt(510),
		frameAt(520),
	)

	// The second segment's first sample lands on the last output
	// timestamp; the timeline never goes back to 500.
	if got, want := videoTimestamps(out), []int64{1000, 1010, 1020, 1020, 1030, 1040}; !equalInt64s(got, want) {
		t.Errorf("timestamps = %v, want %v", got, want)
	}
	if snap := ctx.Stats.Snapshot(); snap.SegmentsJoined != 1 {
		t.Errorf("SegmentsJoined = %d, want 1", snap.SegmentsJoined)
	}
}

func TestContinuity_ContinuousFirstSegmentUntouched(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	op := NewContinuity(ctx, ContinuityContinuous)

	out := processAll(t, op,
		&media.Header{Version: 1, HasVideo: true},
		frameAt(5000),
		frameAt(5033),
	)

	if got, want := videoTimestamps(out), []int64{5000, 5033}; !equalInt64s(got, want) {
		t.Errorf("timestamps = %v, want %v", got, want)
	}
	if snap := ctx.Stats.Snapshot(); snap.Corrections() != 0 {
		t.Errorf("corrections = %d, want 0", snap.Corrections())
	}
}

func TestContinuity_SequenceHeaderZeroedAtSegmentStart(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	op := NewContinuity(ctx, ContinuityReset)

	cfgUnit := videoConfig(1)
	cfgUnit.Timestamp = 777
	processAll(t, op,
		&media.Header{Version: 1, HasVideo: true},
		cfgUnit,
		frameAt(1000),
	)

	if cfgUnit.Timestamp != 0 {
		t.Errorf("segment-start config timestamp = %d, want 0", cfgUnit.Timestamp)
	}
}

func TestContinuity_ScriptZeroedOnJoinedSegment(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	op := NewContinuity(ctx, ContinuityReset)

	script := metadataWith()
	script.Timestamp = 600
	processAll(t, op,
		&media.Header{Version: 1, HasVideo: true},
		frameAt(1000),
		&media.Header{Version: 1, HasVideo: true},
		frameAt(600),
		script,
	)

	// Mid-segment script rides the joined timeline: 600 - 600 = 0.
	if script.Timestamp != 0 {
		t.Errorf("script timestamp = %d, want 0", script.Timestamp)
	}
}

func TestContinuity_StreamWithoutHeader(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	op := NewContinuity(ctx, ContinuityReset)

	out := processAll(t, op,
		frameAt(58833),
		frameAt(58866),
	)

	if got, want := videoTimestamps(out), []int64{0, 33}; !equalInt64s(got, want) {
		t.Errorf("timestamps = %v, want %v", got, want)
	}
}

func TestContinuity_ZeroBasedInputUnchanged(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	op := NewContinuity(ctx, ContinuityReset)

	out := processAll(t, op,
		&media.Header{Version: 1, HasVideo: true},
		frameAt(0),
		frameAt(33),
		frameAt(66),
	)

	if got, want := videoTimestamps(out), []int64{0, 33, 66}; !equalInt64s(got, want) {
		t.Errorf("timestamps = %v, want %v", got, want)
	}
	if snap := ctx.Stats.Snapshot(); snap.Corrections() != 0 {
		t.Errorf("corrections = %d, want 0", snap.Corrections())
	}
}
