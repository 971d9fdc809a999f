package fix

import (
	"fmt"
	"log/slog"

	"github.com/veldt/mend/media"
	"github.com/veldt/mend/pipeline"
)

// Continuity joins the timelines of reconnected input segments. Each
// header starts a new segment; the offset for that segment is fixed
// when its first media sample arrives and applied to everything after.
// Reset mode rebases every segment to zero, continuous mode parks each
// segment right after the previous one so the output timeline never
// jumps back to the source's reconnect timestamps.
type Continuity struct {
	log   *slog.Logger
	stats *pipeline.Stats
	mode  ContinuityMode

	segments   int
	newSegment bool
	needsCalc  bool
	hasFirst   bool
	first      int64
	hasLast    bool
	last       int64
	offset     int64
}

// NewContinuity creates the timeline join stage.
func NewContinuity(ctx *pipeline.Context, mode ContinuityMode) *Continuity {
	return &Continuity{
		log:   ctx.Log.With("operator", "continuity"),
		stats: &ctx.Stats,
		mode:  mode,
	}
}

func (c *Continuity) Name() string { return "continuity" }

func (c *Continuity) Process(unit media.Unit) ([]media.Unit, error) {
	switch u := unit.(type) {
	case *media.Header:
		c.startSegment()
		return []media.Unit{u}, nil
	case *media.AudioSample:
		c.adjustSample(&u.Timestamp, u.IsSequenceHeader)
		return []media.Unit{u}, nil
	case *media.VideoSample:
		c.adjustSample(&u.Timestamp, u.IsSequenceHeader)
		return []media.Unit{u}, nil
	case *media.ScriptData:
		c.adjustScript(&u.Timestamp)
		return []media.Unit{u}, nil
	case *media.EndOfStream, *media.SplitMarker, *media.KeyframeIndex:
		return []media.Unit{unit}, nil
	default:
		return nil, fmt.Errorf("%w: %T", pipeline.ErrUnknownUnit, unit)
	}
}

func (c *Continuity) Flush() ([]media.Unit, error) { return nil, nil }

func (c *Continuity) startSegment() {
	c.segments++
	c.newSegment = true
	c.hasFirst = false
	c.needsCalc = true
	c.offset = 0
}

func (c *Continuity) adjustSample(ts *int64, seqHeader bool) {
	if c.segments == 0 {
		// No header yet; the stream starts mid-transmission.
		c.startSegment()
	}
	if c.newSegment {
		if seqHeader {
			// Configuration at a segment start belongs at zero.
			*ts = 0
			return
		}
		if !c.hasFirst {
			c.hasFirst = true
			c.first = *ts
			c.computeOffset()
		}
		c.newSegment = false
	}
	c.apply(ts)
}

func (c *Continuity) adjustScript(ts *int64) {
	if c.segments == 0 {
		c.startSegment()
	}
	if c.newSegment {
		if c.offset != 0 {
			*ts = 0
		}
		return
	}
	// Scripts ride the joined timeline but do not move the playhead
	// the next join continues from.
	c.applyOffset(ts)
}

func (c *Continuity) apply(ts *int64) {
	c.applyOffset(ts)
	c.last = *ts
	c.hasLast = true
}

func (c *Continuity) applyOffset(ts *int64) {
	if c.offset == 0 {
		return
	}
	v := *ts + c.offset
	if v < 0 {
		v = 0
	}
	*ts = v
}

// computeOffset fixes the segment offset from its first media sample.
// The first segment is rebased only in reset mode; later segments are
// always joined and counted.
func (c *Continuity) computeOffset() {
	if c.segments > 1 && c.needsCalc {
		switch c.mode {
		case ContinuityContinuous:
			if c.hasLast {
				c.offset = c.last - c.first
			}
		case ContinuityReset:
			c.offset = -c.first
		}
		c.needsCalc = false
		c.stats.SegmentsJoined.Add(1)
		c.log.Info("joined segment timeline",
			"segment", c.segments, "mode", c.mode.String(), "offset_ms", c.offset)
		return
	}
	if c.segments == 1 && c.mode == ContinuityReset {
		c.offset = -c.first
		c.needsCalc = false
	}
}
