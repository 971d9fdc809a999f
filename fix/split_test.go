package fix

import (
	"testing"
	"time"

	"github.com/veldt/mend/media"
)

func findMarker(units []media.Unit) int {
	for i, u := range units {
		if _, ok := u.(*media.SplitMarker); ok {
			return i
		}
	}
	return -1
}

func TestSplit_DurationWaitsForKeyframe(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	op := NewSplit(ctx, 0, 5*time.Second)

	units := []media.Unit{&media.Header{Version: 1, HasVideo: true}}
	for ts := int64(0); ts <= 7000; ts += 500 {
		if ts%2000 == 0 {
			units = append(units, keyframeAt(ts))
		} else {
			units = append(units, frameAt(ts))
		}
	}
	out := processAll(t, op, units...)

	snap := ctx.Stats.Snapshot()
	if snap.SplitsDuration != 1 {
		t.Fatalf("SplitsDuration = %d, want 1", snap.SplitsDuration)
	}
	at := findMarker(out)
	if at < 0 {
		t.Fatal("no split marker in output")
	}
	if got := out[at].(*media.SplitMarker).Reason; got != media.SplitDuration {
		t.Errorf("marker reason = %v, want duration", got)
	}

	// The limit is crossed at 5500ms but the part must not end mid-GOP,
	// so the marker lands before the 6000ms keyframe.
	next, ok := out[at+1].(*media.VideoSample)
	if !ok || !next.IsKeyframe || next.Timestamp != 6000 {
		t.Fatalf("unit after marker = %s, want keyframe at 6000ms", media.Kind(out[at+1]))
	}
	prev := out[at-1].(*media.VideoSample)
	if prev.Timestamp != 5500 {
		t.Errorf("last unit of first part at %dms, want 5500", prev.Timestamp)
	}
}

func TestSplit_SizeLimit(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	op := NewSplit(ctx, 100, 0)

	// Header is 13 bytes, each sample 20.
	out := processAll(t, op,
		&media.Header{Version: 1, HasVideo: true},
		keyframeAt(0),
		frameAt(33),
		frameAt(66),
		frameAt(99),
		frameAt(132), // crosses 100 bytes, no keyframe yet
		keyframeAt(165),
		frameAt(198),
	)

	snap := ctx.Stats.Snapshot()
	if snap.SplitsSize != 1 {
		t.Fatalf("SplitsSize = %d, want 1", snap.SplitsSize)
	}
	at := findMarker(out)
	if at != 6 {
		t.Fatalf("marker at index %d, want 6", at)
	}
	if got := out[at].(*media.SplitMarker).Reason; got != media.SplitSize {
		t.Errorf("marker reason = %v, want size", got)
	}
	next := out[at+1].(*media.VideoSample)
	if !next.IsKeyframe || next.Timestamp != 165 {
		t.Errorf("part starts at %dms keyframe=%v, want keyframe at 165ms",
			next.Timestamp, next.IsKeyframe)
	}
}

func TestSplit_ParameterChangeForcesSplit(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	op := NewSplit(ctx, 0, 0)

	out := processAll(t, op,
		videoConfig(1),
		keyframeAt(0),
		frameAt(33),
		videoConfig(2),
		frameAt(66),
	)

	snap := ctx.Stats.Snapshot()
	if snap.SplitsParameters != 1 {
		t.Fatalf("SplitsParameters = %d, want 1", snap.SplitsParameters)
	}
	wantKinds := []string{"video", "video", "video", "video", "split_marker", "video"}
	if got := kindsOf(out); !equalStrings(got, wantKinds) {
		t.Fatalf("output kinds = %v, want %v", got, wantKinds)
	}
	// The new configuration is written before the marker so the sink
	// re-emits it into the fresh part.
	if cfgUnit := out[3].(*media.VideoSample); !cfgUnit.IsSequenceHeader {
		t.Error("expected new sequence header before the marker")
	}
	if next := out[5].(*media.VideoSample); next.Timestamp != 66 {
		t.Errorf("part starts at %dms, want 66", next.Timestamp)
	}
}

func TestSplit_ParameterChangeAtSegmentStart(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	op := NewSplit(ctx, 0, 0)

	out := processAll(t, op,
		videoConfig(1),
		videoConfig(2),
		keyframeAt(0),
		frameAt(33),
	)

	if at := findMarker(out); at != -1 {
		t.Fatalf("marker at index %d, want none before any media", at)
	}
	if snap := ctx.Stats.Snapshot(); snap.SplitsParameters != 0 {
		t.Errorf("SplitsParameters = %d, want 0", snap.SplitsParameters)
	}
}

func TestSplit_FirstSampleNeverSplits(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	op := NewSplit(ctx, 1, 0)

	out := processAll(t, op,
		&media.Header{Version: 1, HasVideo: true},
		keyframeAt(0),
		frameAt(33),
		keyframeAt(2000),
	)

	at := findMarker(out)
	if at != 3 {
		t.Fatalf("marker at index %d, want 3", at)
	}
	next := out[at+1].(*media.VideoSample)
	if next.Timestamp != 2000 {
		t.Errorf("split before %dms, want 2000: a part always holds at least one sample", next.Timestamp)
	}
}

func TestSplit_PatienceExpires(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	op := NewSplit(ctx, 0, time.Second)

	units := []media.Unit{
		&media.Header{Version: 1, HasVideo: true},
		keyframeAt(0),
	}
	for ts := int64(40); ts <= 16000; ts += 40 {
		units = append(units, frameAt(ts))
	}
	out := processAll(t, op, units...)

	snap := ctx.Stats.Snapshot()
	if snap.SplitsDuration != 1 {
		t.Fatalf("SplitsDuration = %d, want 1", snap.SplitsDuration)
	}
	at := findMarker(out)
	if at < 0 {
		t.Fatal("no split marker in output")
	}
	next := out[at+1].(*media.VideoSample)
	if next.IsKeyframe {
		t.Error("split found a keyframe, expected patience to expire first")
	}
	// Pending since 1040ms, patience of 300 units runs out at 13040ms.
	if next.Timestamp != 13040 {
		t.Errorf("part starts at %dms, want 13040", next.Timestamp)
	}
}
