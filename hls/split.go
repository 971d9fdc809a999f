package hls

import (
	"fmt"
	"hash/crc32"
	"log/slog"

	"github.com/veldt/mend/pipeline"
)

// DiscontinuitySplit splits the output where the encoding restarts, so no
// part mixes two decoder configurations. Two signals trigger it: an
// initialization segment whose payload fingerprint differs from the one
// in effect, and a playlist discontinuity tag on a media segment. On a
// split it emits an EndMarker and, when the trigger was not itself an
// init segment, re-emits the init segment in effect so the new part
// decodes standalone. A re-announced init segment with an unchanged
// fingerprint is dropped as a duplicate.
type DiscontinuitySplit struct {
	log   *slog.Logger
	stats *pipeline.Stats

	init     *InitSegment
	initCRC  uint32
	hasInit  bool
	sawMedia bool
}

// NewDiscontinuitySplit creates the segment-level splitting stage.
func NewDiscontinuitySplit(ctx *pipeline.Context) *DiscontinuitySplit {
	return &DiscontinuitySplit{
		log:   ctx.Log.With("operator", "discontinuity_split"),
		stats: &ctx.Stats,
	}
}

func (d *DiscontinuitySplit) Name() string { return "discontinuity_split" }

func (d *DiscontinuitySplit) Process(unit Unit) ([]Unit, error) {
	switch u := unit.(type) {
	case *InitSegment:
		return d.initSegment(u), nil
	case *MediaSegment:
		return d.mediaSegment(u), nil
	case *EndMarker:
		d.reset()
		return []Unit{u}, nil
	default:
		return nil, fmt.Errorf("%w: %T", pipeline.ErrUnknownUnit, unit)
	}
}

func (d *DiscontinuitySplit) Flush() ([]Unit, error) { return nil, nil }

func (d *DiscontinuitySplit) initSegment(u *InitSegment) []Unit {
	sum := crc32.ChecksumIEEE(u.Data)
	if d.hasInit && sum == d.initCRC {
		d.log.Debug("duplicate init segment dropped", "uri", u.URI)
		d.stats.HeadersDropped.Add(1)
		return nil
	}
	changed := d.hasInit
	d.init = u
	d.initCRC = sum
	d.hasInit = true

	// A change before any media opens the part anyway; only a change
	// mid-part splits.
	if changed && d.sawMedia {
		d.log.Info("init segment changed, splitting output", "uri", u.URI)
		d.stats.SplitsParameters.Add(1)
		d.sawMedia = false
		return []Unit{&EndMarker{}, u}
	}
	return []Unit{u}
}

func (d *DiscontinuitySplit) mediaSegment(u *MediaSegment) []Unit {
	if u.Discontinuity && d.sawMedia {
		d.log.Info("playlist discontinuity, splitting output", "sequence", u.Sequence)
		d.stats.SplitsParameters.Add(1)
		out := []Unit{&EndMarker{}}
		if d.init != nil {
			out = append(out, d.init)
		}
		return append(out, u)
	}
	d.sawMedia = true
	return []Unit{u}
}

func (d *DiscontinuitySplit) reset() {
	d.init = nil
	d.initCRC = 0
	d.hasInit = false
	d.sawMedia = false
}
