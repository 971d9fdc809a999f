package fix

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/veldt/mend/media"
	"github.com/veldt/mend/pipeline"
)

// minKeyframeSpacingMS keeps the seek index sparse enough that parts
// as long as the configured budget fit the reserved placeholder.
const minKeyframeSpacingMS = 1900

// placeholderEntries is the spacer capacity reserved for an index
// covering budget: two entries per indexed keyframe.
func placeholderEntries(budget time.Duration) int {
	ms := budget.Milliseconds()
	if ms <= 0 {
		ms = DefaultConfig().IndexBudget.Milliseconds()
	}
	pairs := (ms + minKeyframeSpacingMS - 1) / minKeyframeSpacingMS
	return int(2 * pairs)
}

// Index records where keyframes will land in the written part and
// hands the sink a KeyframeIndex just before the part closes, either at
// a split or at end of stream. Byte positions mirror the sink's output
// exactly: every unit's wire size is accounted, plus the cached units
// the sink re-emits when a new part opens. It must therefore run last,
// after every stage that can still reorder, drop or resize units.
type Index struct {
	log   *slog.Logger
	stats *pipeline.Stats

	cache       segmentCache
	offset      int64
	times       []int64
	positions   []int64
	lastIndexed int64
	hasIndexed  bool
}

// NewIndex creates the keyframe index stage.
func NewIndex(ctx *pipeline.Context) *Index {
	return &Index{
		log:   ctx.Log.With("operator", "keyframe_index"),
		stats: &ctx.Stats,
	}
}

func (x *Index) Name() string { return "keyframe_index" }

func (x *Index) Process(unit media.Unit) ([]media.Unit, error) {
	switch u := unit.(type) {
	case *media.Header, *media.ScriptData:
		x.cache.observe(unit)
		x.offset += unit.Size()
		return []media.Unit{unit}, nil
	case *media.AudioSample:
		x.cache.observe(u)
		x.offset += u.Size()
		return []media.Unit{u}, nil
	case *media.VideoSample:
		if u.IsKeyframe && !u.IsSequenceHeader && x.spaced(u.Timestamp) {
			x.times = append(x.times, u.Timestamp)
			x.positions = append(x.positions, x.offset)
			x.lastIndexed = u.Timestamp
			x.hasIndexed = true
			x.stats.KeyframesIndexed.Add(1)
		}
		x.cache.observe(u)
		x.offset += u.Size()
		return []media.Unit{u}, nil
	case *media.SplitMarker:
		idx := x.emit()
		x.offset = x.cache.size()
		return []media.Unit{idx, u}, nil
	case *media.EndOfStream:
		if x.offset == 0 {
			return []media.Unit{u}, nil
		}
		idx := x.emit()
		x.offset = 0
		return []media.Unit{idx, u}, nil
	case *media.KeyframeIndex:
		return []media.Unit{u}, nil
	default:
		return nil, fmt.Errorf("%w: %T", pipeline.ErrUnknownUnit, unit)
	}
}

// Flush emits the index for a part cut short by cancellation; after a
// clean end of stream there is nothing left to emit.
func (x *Index) Flush() ([]media.Unit, error) {
	if x.offset == 0 {
		return nil, nil
	}
	idx := x.emit()
	x.offset = 0
	return []media.Unit{idx}, nil
}

func (x *Index) spaced(ts int64) bool {
	return !x.hasIndexed || ts-x.lastIndexed >= minKeyframeSpacingMS
}

func (x *Index) emit() *media.KeyframeIndex {
	idx := &media.KeyframeIndex{Times: x.times, Positions: x.positions}
	x.times = nil
	x.positions = nil
	x.hasIndexed = false
	x.log.Debug("emitting keyframe index", "entries", len(idx.Times))
	return idx
}
