package fix

import (
	"fmt"
	"log/slog"

	"github.com/veldt/mend/media"
	"github.com/veldt/mend/pipeline"
)

type reorderEntry struct {
	sample  *media.VideoSample
	arrival uint64
}

// Reorder restores timestamp order among video samples that arrive out
// of order, holding at most depth samples back. Emission is stable:
// equal timestamps leave in arrival order. Audio and script units pass
// through untouched; headers, sequence headers and control units drain
// the buffer first so nothing is reordered across a boundary.
type Reorder struct {
	log   *slog.Logger
	stats *pipeline.Stats
	depth int

	next uint64
	buf  []reorderEntry
}

// NewReorder creates the reordering stage with the given lookahead
// depth. Depth bounds both memory and added latency.
func NewReorder(ctx *pipeline.Context, depth int) *Reorder {
	return &Reorder{
		log:   ctx.Log.With("operator", "reorder"),
		stats: &ctx.Stats,
		depth: depth,
	}
}

func (r *Reorder) Name() string { return "reorder" }

func (r *Reorder) Process(unit media.Unit) ([]media.Unit, error) {
	switch u := unit.(type) {
	case *media.VideoSample:
		if u.IsSequenceHeader {
			// Decoder configuration must stay put relative to the
			// samples that arrived around it.
			return append(r.drain(), unit), nil
		}
		r.buf = append(r.buf, reorderEntry{sample: u, arrival: r.next})
		r.next++
		if len(r.buf) <= r.depth {
			return nil, nil
		}
		return []media.Unit{r.pop()}, nil
	case *media.AudioSample, *media.ScriptData:
		return []media.Unit{unit}, nil
	case *media.Header, *media.EndOfStream, *media.SplitMarker, *media.KeyframeIndex:
		return append(r.drain(), unit), nil
	default:
		return nil, fmt.Errorf("%w: %T", pipeline.ErrUnknownUnit, unit)
	}
}

func (r *Reorder) Flush() ([]media.Unit, error) {
	return r.drain(), nil
}

func (r *Reorder) drain() []media.Unit {
	if len(r.buf) == 0 {
		return nil
	}
	out := make([]media.Unit, 0, len(r.buf))
	for len(r.buf) > 0 {
		out = append(out, r.pop())
	}
	return out
}

// pop removes and returns the buffered sample with the smallest
// timestamp, arrival order breaking ties.
func (r *Reorder) pop() *media.VideoSample {
	min := 0
	for i := 1; i < len(r.buf); i++ {
		e, m := r.buf[i], r.buf[min]
		if e.sample.Timestamp < m.sample.Timestamp ||
			(e.sample.Timestamp == m.sample.Timestamp && e.arrival < m.arrival) {
			min = i
		}
	}
	picked := r.buf[min]
	r.buf = append(r.buf[:min], r.buf[min+1:]...)
	for _, e := range r.buf {
		if e.arrival < picked.arrival {
			// Something that arrived earlier is still waiting, so this
			// emission changed the order.
			r.stats.FramesReordered.Add(1)
			break
		}
	}
	return picked.sample
}
