package fix

import (
	"fmt"
	"hash/crc32"
	"log/slog"
	"time"

	"github.com/veldt/mend/media"
	"github.com/veldt/mend/pipeline"
)

// splitPatience is how many media units past a limit the splitter waits
// for a keyframe before giving up and splitting at the next sample.
const splitPatience = 300

// Split decides where the output rotates into a new part. It accounts
// bytes and duration exactly as the sink will write them, re-emission
// of cached units included, and emits a SplitMarker before the unit
// that would cross a configured limit. Video splits wait for a keyframe
// so no part starts mid-GOP; a codec parameter change forces a split so
// no part mixes two decoder configurations.
type Split struct {
	log      *slog.Logger
	stats    *pipeline.Stats
	maxBytes int64
	maxDurMS int64

	cache    segmentCache
	bytes    int64
	hasStart bool
	startTS  int64
	maxTS    int64
	sawMedia bool

	pending       bool
	pendingReason media.SplitReason
	waited        int
	paramPending  bool

	videoCRC    uint32
	hasVideoCRC bool
	audioCRC    uint32
	hasAudioCRC bool
}

// NewSplit creates the splitting stage. Zero disables the respective
// limit; parameter-change splits are always on.
func NewSplit(ctx *pipeline.Context, maxBytes int64, maxDuration time.Duration) *Split {
	return &Split{
		log:      ctx.Log.With("operator", "split"),
		stats:    &ctx.Stats,
		maxBytes: maxBytes,
		maxDurMS: maxDuration.Milliseconds(),
	}
}

func (s *Split) Name() string { return "split" }

func (s *Split) Process(unit media.Unit) ([]media.Unit, error) {
	switch u := unit.(type) {
	case *media.Header:
		s.cache.observe(u)
		s.resetSegment()
		s.bytes = u.Size()
		return []media.Unit{u}, nil
	case *media.ScriptData:
		s.cache.observe(u)
		s.bytes += u.Size()
		return []media.Unit{u}, nil
	case *media.AudioSample:
		if u.IsSequenceHeader {
			s.checkParams("audio", &s.audioCRC, &s.hasAudioCRC, u.Payload)
			s.cache.observe(u)
			s.bytes += u.Size()
			return []media.Unit{u}, nil
		}
		return s.sample(u, u.Timestamp, false), nil
	case *media.VideoSample:
		if u.IsSequenceHeader {
			s.checkParams("video", &s.videoCRC, &s.hasVideoCRC, u.Payload)
			s.cache.observe(u)
			s.bytes += u.Size()
			return []media.Unit{u}, nil
		}
		return s.sample(u, u.Timestamp, u.IsKeyframe), nil
	case *media.EndOfStream:
		s.resetSegment()
		s.bytes = 0
		return []media.Unit{u}, nil
	case *media.SplitMarker, *media.KeyframeIndex:
		return []media.Unit{unit}, nil
	default:
		return nil, fmt.Errorf("%w: %T", pipeline.ErrUnknownUnit, unit)
	}
}

func (s *Split) Flush() ([]media.Unit, error) { return nil, nil }

func (s *Split) sample(u media.Unit, ts int64, keyframe bool) []media.Unit {
	if !s.hasStart {
		s.hasStart = true
		s.startTS = ts
		s.maxTS = ts
	}
	if ts > s.maxTS {
		s.maxTS = ts
	}

	if s.paramPending {
		return s.split(media.SplitParameters, u, ts)
	}

	if !s.pending {
		if reason := s.exceeded(u); reason != 0 {
			s.pending = true
			s.pendingReason = reason
			s.waited = 0
		}
	}
	if s.pending && s.sawMedia {
		if keyframe {
			return s.split(s.pendingReason, u, ts)
		}
		s.waited++
		if s.waited > splitPatience {
			s.log.Warn("no keyframe while waiting to split, splitting here",
				"waited_units", s.waited)
			return s.split(s.pendingReason, u, ts)
		}
	}

	s.bytes += u.Size()
	s.sawMedia = true
	return []media.Unit{u}
}

// exceeded reports which limit admitting u would cross, zero for none.
func (s *Split) exceeded(u media.Unit) media.SplitReason {
	if s.maxBytes > 0 && s.bytes+u.Size() > s.maxBytes {
		return media.SplitSize
	}
	if s.maxDurMS > 0 && s.maxTS-s.startTS > s.maxDurMS {
		return media.SplitDuration
	}
	return 0
}

// split emits the marker before u and restarts accounting at the sizes
// the sink re-emits into the new part.
func (s *Split) split(reason media.SplitReason, u media.Unit, ts int64) []media.Unit {
	switch reason {
	case media.SplitSize:
		s.stats.SplitsSize.Add(1)
	case media.SplitDuration:
		s.stats.SplitsDuration.Add(1)
	case media.SplitParameters:
		s.stats.SplitsParameters.Add(1)
	}
	s.log.Info("splitting output",
		"reason", reason.String(), "bytes", s.bytes, "duration_ms", s.maxTS-s.startTS)

	s.resetSegment()
	s.bytes = s.cache.size() + u.Size()
	s.hasStart = true
	s.startTS = ts
	s.maxTS = ts
	s.sawMedia = true
	return []media.Unit{&media.SplitMarker{Reason: reason}, u}
}

func (s *Split) resetSegment() {
	s.hasStart = false
	s.sawMedia = false
	s.pending = false
	s.pendingReason = 0
	s.waited = 0
	s.paramPending = false
}

func (s *Split) checkParams(track string, prev *uint32, hasPrev *bool, payload []byte) {
	sum := crc32.ChecksumIEEE(payload)
	// A change at segment start needs no split; the new configuration
	// opens the part anyway.
	if *hasPrev && *prev != sum && s.sawMedia {
		s.paramPending = true
		s.log.Info("codec parameters changed", "track", track)
	}
	*prev = sum
	*hasPrev = true
}
