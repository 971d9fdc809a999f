package hls

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/veldt/mend/pipeline"
)

// SegmentLimit bounds output parts by payload size or summed segment
// duration. A segment that would cross a limit is preceded by an
// EndMarker, and the init segment in effect is re-emitted so the new
// part decodes standalone. Init segments never count toward the
// budgets; the first segment of a part never splits.
type SegmentLimit struct {
	log      *slog.Logger
	stats    *pipeline.Stats
	maxBytes int64
	maxDur   time.Duration

	bytes    int64
	duration time.Duration
	init     *InitSegment
	initSent bool
}

// NewSegmentLimit creates the limiting stage. Zero disables the
// respective limit.
func NewSegmentLimit(ctx *pipeline.Context, maxBytes int64, maxDuration time.Duration) *SegmentLimit {
	return &SegmentLimit{
		log:      ctx.Log.With("operator", "segment_limit"),
		stats:    &ctx.Stats,
		maxBytes: maxBytes,
		maxDur:   maxDuration,
	}
}

func (s *SegmentLimit) Name() string { return "segment_limit" }

func (s *SegmentLimit) Process(unit Unit) ([]Unit, error) {
	switch u := unit.(type) {
	case *InitSegment:
		s.init = u
		s.initSent = true
		return []Unit{u}, nil
	case *MediaSegment:
		return s.mediaSegment(u), nil
	case *EndMarker:
		s.resetPart()
		return []Unit{u}, nil
	default:
		return nil, fmt.Errorf("%w: %T", pipeline.ErrUnknownUnit, unit)
	}
}

func (s *SegmentLimit) Flush() ([]Unit, error) { return nil, nil }

func (s *SegmentLimit) mediaSegment(u *MediaSegment) []Unit {
	var out []Unit
	if reason := s.exceeded(u); reason != 0 {
		switch reason {
		case splitSize:
			s.stats.SplitsSize.Add(1)
		case splitDuration:
			s.stats.SplitsDuration.Add(1)
		}
		s.log.Info("part limit reached, splitting output",
			"reason", reason.String(), "bytes", s.bytes, "duration_ms", s.duration.Milliseconds())
		out = append(out, &EndMarker{})
		s.resetPart()
	}
	if !s.initSent && s.init != nil {
		out = append(out, s.init)
		s.initSent = true
	}
	s.bytes += u.Size()
	s.duration += u.Duration
	return append(out, u)
}

type limitReason int

const (
	splitSize limitReason = iota + 1
	splitDuration
)

func (r limitReason) String() string {
	switch r {
	case splitSize:
		return "size"
	case splitDuration:
		return "duration"
	default:
		return "unknown"
	}
}

// exceeded reports which limit admitting u would cross, zero for none.
// An empty part accepts any segment so a lone oversized segment still
// lands somewhere.
func (s *SegmentLimit) exceeded(u *MediaSegment) limitReason {
	if s.bytes == 0 && s.duration == 0 {
		return 0
	}
	if s.maxBytes > 0 && s.bytes+u.Size() > s.maxBytes {
		return splitSize
	}
	if s.maxDur > 0 && s.duration+u.Duration > s.maxDur {
		return splitDuration
	}
	return 0
}

func (s *SegmentLimit) resetPart() {
	s.bytes = 0
	s.duration = 0
	s.initSent = false
}
