package fix

import (
	"fmt"
	"log/slog"

	"github.com/veldt/mend/media"
	"github.com/veldt/mend/pipeline"
)

// Defragment filters out broken stream fragments. Every header starts a
// gathering phase that buffers units until the segment has proven
// itself with min units; a segment interrupted by another header before
// reaching that is discarded whole. Sources that reconnect in a tight
// loop otherwise litter the output with unplayable slivers.
type Defragment struct {
	log   *slog.Logger
	stats *pipeline.Stats
	min   int

	gathering bool
	buf       []media.Unit
}

// NewDefragment creates the fragment filter. min is the unit count,
// header included, a segment must reach to be released.
func NewDefragment(ctx *pipeline.Context, min int) *Defragment {
	return &Defragment{
		log:   ctx.Log.With("operator", "defragment"),
		stats: &ctx.Stats,
		min:   min,
	}
}

func (d *Defragment) Name() string { return "defragment" }

func (d *Defragment) Process(unit media.Unit) ([]media.Unit, error) {
	switch unit.(type) {
	case *media.Header:
		if len(d.buf) > 0 {
			d.discard()
		}
		d.gathering = true
		d.buf = append(d.buf, unit)
		return nil, nil
	case *media.EndOfStream:
		return append(d.settle(), unit), nil
	case *media.AudioSample, *media.VideoSample, *media.ScriptData,
		*media.SplitMarker, *media.KeyframeIndex:
		if !d.gathering {
			return []media.Unit{unit}, nil
		}
		d.buf = append(d.buf, unit)
		if len(d.buf) < d.min {
			return nil, nil
		}
		out := d.buf
		d.buf = nil
		d.gathering = false
		d.log.Debug("segment passed gathering", "units", len(out))
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", pipeline.ErrUnknownUnit, unit)
	}
}

// Flush releases a gather that reached min and discards a shorter one;
// a tail shorter than min is indistinguishable from a fragment.
func (d *Defragment) Flush() ([]media.Unit, error) {
	return d.settle(), nil
}

func (d *Defragment) settle() []media.Unit {
	if !d.gathering {
		return nil
	}
	d.gathering = false
	if len(d.buf) >= d.min {
		out := d.buf
		d.buf = nil
		return out
	}
	if len(d.buf) > 0 {
		d.discard()
	}
	return nil
}

func (d *Defragment) discard() {
	var bytes int64
	for _, u := range d.buf {
		bytes += u.Size()
	}
	d.log.Warn("discarding fragmented segment", "units", len(d.buf), "bytes", bytes)
	d.stats.FragmentsDiscarded.Add(1)
	d.buf = nil
}
