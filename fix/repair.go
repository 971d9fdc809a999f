package fix

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/veldt/mend/amf"
	"github.com/veldt/mend/media"
	"github.com/veldt/mend/pipeline"
)

const (
	trackAudio = iota
	trackVideo
	trackCount
)

// Interval seeds in milliseconds, used until the stream reveals its
// real cadence through metadata or accepted samples.
const (
	seedAudioIntervalMS = 23
	seedVideoIntervalMS = 33
)

// emaWeight divides each new spacing observation into the running
// average. Larger values react slower to cadence changes.
const emaWeight = 8

type repairTrack struct {
	has     bool
	lastOut int64
	ema     float64
}

// expected is the track's next-sample spacing estimate, never below one
// tick so substituted timestamps always move forward.
func (t *repairTrack) expected() int64 {
	e := int64(math.Round(t.ema))
	if e < 1 {
		e = 1
	}
	return e
}

// TimestampRepair rewrites sample timestamps so each track moves
// forward without gaps the player would stall on. A shared offset maps
// input time to output time; small regressions are replaced with the
// track's expected next timestamp, while jumps beyond the configured
// gap rebase the offset so audio and video stay aligned around source
// discontinuities. Accepted spacings feed a per-track moving average
// that supplies the substitute intervals.
type TimestampRepair struct {
	log    *slog.Logger
	stats  *pipeline.Stats
	maxGap int64

	offset int64
	tracks [trackCount]repairTrack
}

// NewTimestampRepair creates the repair stage. maxGap bounds the
// forward jump accepted as real; zero or negative falls back to the
// default.
func NewTimestampRepair(ctx *pipeline.Context, maxGap time.Duration) *TimestampRepair {
	if maxGap <= 0 {
		maxGap = DefaultConfig().MaxTimestampGap
	}
	r := &TimestampRepair{
		log:    ctx.Log.With("operator", "timestamp_repair"),
		stats:  &ctx.Stats,
		maxGap: maxGap.Milliseconds(),
	}
	r.reset()
	return r
}

func (r *TimestampRepair) Name() string { return "timestamp_repair" }

func (r *TimestampRepair) Process(unit media.Unit) ([]media.Unit, error) {
	switch u := unit.(type) {
	case *media.Header:
		r.reset()
		return []media.Unit{u}, nil
	case *media.ScriptData:
		r.reseed(u)
		return []media.Unit{u}, nil
	case *media.AudioSample:
		u.Timestamp = r.repair(trackAudio, u.Timestamp, u.IsSequenceHeader)
		return []media.Unit{u}, nil
	case *media.VideoSample:
		u.Timestamp = r.repair(trackVideo, u.Timestamp, u.IsSequenceHeader)
		return []media.Unit{u}, nil
	case *media.EndOfStream, *media.SplitMarker, *media.KeyframeIndex:
		return []media.Unit{unit}, nil
	default:
		return nil, fmt.Errorf("%w: %T", pipeline.ErrUnknownUnit, unit)
	}
}

func (r *TimestampRepair) Flush() ([]media.Unit, error) { return nil, nil }

func (r *TimestampRepair) reset() {
	r.offset = 0
	r.tracks[trackAudio] = repairTrack{ema: seedAudioIntervalMS}
	r.tracks[trackVideo] = repairTrack{ema: seedVideoIntervalMS}
}

func (r *TimestampRepair) repair(track int, in int64, seqHeader bool) int64 {
	t := &r.tracks[track]
	candidate := in + r.offset

	if seqHeader {
		// Sequence headers are configuration, not samples. Pin them at
		// the track position without touching repair state; encoders
		// routinely stamp mid-stream ones with zero.
		out := candidate
		if t.has && out < t.lastOut {
			out = t.lastOut
		}
		if out < 0 {
			out = 0
		}
		if out != candidate {
			r.stats.TimestampsRepaired.Add(1)
		}
		return out
	}

	if !t.has {
		if candidate < 0 {
			candidate = 0
		}
		t.has = true
		t.lastOut = candidate
		return candidate
	}

	delta := candidate - t.lastOut
	if delta >= 0 && delta <= r.maxGap {
		if delta > 0 {
			t.ema += (float64(delta) - t.ema) / emaWeight
		}
		t.lastOut = candidate
		return candidate
	}

	out := t.lastOut + t.expected()
	if delta < -r.maxGap || delta > r.maxGap {
		// The source timeline moved wholesale. Rebase the shared
		// offset so following samples of both tracks land where this
		// one did.
		r.offset = out - in
		r.stats.TimelineRebases.Add(1)
		r.log.Info("timeline rebased",
			"track", trackName(track), "delta_ms", delta, "offset_ms", r.offset)
	} else {
		r.stats.TimestampsRepaired.Add(1)
		r.log.Debug("timestamp repaired",
			"track", trackName(track), "in_ms", in, "out_ms", out, "delta_ms", delta)
	}
	t.lastOut = out
	return out
}

// reseed refreshes the spacing estimates from stream metadata so the
// first substitutions after a defect do not rely on built-in seeds.
func (r *TimestampRepair) reseed(s *media.ScriptData) {
	doc, ok := s.Value.(*amf.Object)
	if !ok {
		return
	}
	if fps, ok := doc.NumberAt("framerate"); ok && fps > 0 && fps <= 500 {
		r.tracks[trackVideo].ema = 1000 / fps
	}
	if rate, ok := doc.NumberAt("audiosamplerate"); ok && rate >= 8000 {
		// AAC packs 1024 samples per frame.
		r.tracks[trackAudio].ema = 1024 * 1000 / rate
	}
}

func trackName(track int) string {
	if track == trackAudio {
		return "audio"
	}
	return "video"
}
