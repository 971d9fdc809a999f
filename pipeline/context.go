package pipeline

import (
	"log/slog"
	"sync/atomic"
)

// DefaultTimescale is the tick rate of FLV timestamps (milliseconds).
const DefaultTimescale = 1000

// Context is the per-run state shared by a pipeline and its operators:
// stream identity for logs, the container timescale, a monotonically
// increasing input sequence counter, and the defect statistics
// accumulator. One Context belongs to exactly one pipeline instance;
// operators may increment their own counters and nothing else.
type Context struct {
	Name      string
	Timescale int
	Log       *slog.Logger
	Stats     Stats

	seq atomic.Uint64
}

// NewContext creates a Context for one stream. A nil logger falls back to
// slog.Default.
func NewContext(name string, log *slog.Logger) *Context {
	if log == nil {
		log = slog.Default()
	}
	return &Context{
		Name:      name,
		Timescale: DefaultTimescale,
		Log:       log.With("stream", name),
	}
}

// Sequence returns the number of input units accepted so far.
func (c *Context) Sequence() uint64 { return c.seq.Load() }

func (c *Context) nextSeq() uint64 { return c.seq.Add(1) }

// Stats accumulates counts of corrected defects by kind. Counters are
// atomic so progress endpoints can snapshot a running stream; each counter
// is written by exactly one operator.
type Stats struct {
	UnitsIn  atomic.Int64
	UnitsOut atomic.Int64

	TimestampsRepaired atomic.Int64
	TimelineRebases    atomic.Int64
	SegmentsJoined     atomic.Int64
	FramesReordered    atomic.Int64
	HeadersSynthesized atomic.Int64
	HeadersDropped     atomic.Int64
	MetadataDropped    atomic.Int64
	MetadataRepaired   atomic.Int64
	FragmentsDiscarded atomic.Int64
	SplitsSize         atomic.Int64
	SplitsDuration     atomic.Int64
	SplitsParameters   atomic.Int64
	KeyframesIndexed   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats, safe to serialize.
type StatsSnapshot struct {
	UnitsIn  int64 `json:"unitsIn"`
	UnitsOut int64 `json:"unitsOut"`

	TimestampsRepaired int64 `json:"timestampsRepaired"`
	TimelineRebases    int64 `json:"timelineRebases"`
	SegmentsJoined     int64 `json:"segmentsJoined"`
	FramesReordered    int64 `json:"framesReordered"`
	HeadersSynthesized int64 `json:"headersSynthesized"`
	HeadersDropped     int64 `json:"headersDropped"`
	MetadataDropped    int64 `json:"metadataDropped"`
	MetadataRepaired   int64 `json:"metadataRepaired"`
	FragmentsDiscarded int64 `json:"fragmentsDiscarded"`
	SplitsSize         int64 `json:"splitsSize"`
	SplitsDuration     int64 `json:"splitsDuration"`
	SplitsParameters   int64 `json:"splitsParameters"`
	KeyframesIndexed   int64 `json:"keyframesIndexed"`
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		UnitsIn:            s.UnitsIn.Load(),
		UnitsOut:           s.UnitsOut.Load(),
		TimestampsRepaired: s.TimestampsRepaired.Load(),
		TimelineRebases:    s.TimelineRebases.Load(),
		SegmentsJoined:     s.SegmentsJoined.Load(),
		FramesReordered:    s.FramesReordered.Load(),
		HeadersSynthesized: s.HeadersSynthesized.Load(),
		HeadersDropped:     s.HeadersDropped.Load(),
		MetadataDropped:    s.MetadataDropped.Load(),
		MetadataRepaired:   s.MetadataRepaired.Load(),
		FragmentsDiscarded: s.FragmentsDiscarded.Load(),
		SplitsSize:         s.SplitsSize.Load(),
		SplitsDuration:     s.SplitsDuration.Load(),
		SplitsParameters:   s.SplitsParameters.Load(),
		KeyframesIndexed:   s.KeyframesIndexed.Load(),
	}
}

// Corrections sums every defect counter, excluding unit throughput.
func (s StatsSnapshot) Corrections() int64 {
	return s.TimestampsRepaired +
		s.TimelineRebases +
		s.SegmentsJoined +
		s.FramesReordered +
		s.HeadersSynthesized +
		s.HeadersDropped +
		s.MetadataDropped +
		s.MetadataRepaired +
		s.FragmentsDiscarded
}

// Add merges another snapshot into this one; batch runs merge per-stream
// snapshots only after each stream completes.
func (s StatsSnapshot) Add(o StatsSnapshot) StatsSnapshot {
	s.UnitsIn += o.UnitsIn
	s.UnitsOut += o.UnitsOut
	s.TimestampsRepaired += o.TimestampsRepaired
	s.TimelineRebases += o.TimelineRebases
	s.SegmentsJoined += o.SegmentsJoined
	s.FramesReordered += o.FramesReordered
	s.HeadersSynthesized += o.HeadersSynthesized
	s.HeadersDropped += o.HeadersDropped
	s.MetadataDropped += o.MetadataDropped
	s.MetadataRepaired += o.MetadataRepaired
	s.FragmentsDiscarded += o.FragmentsDiscarded
	s.SplitsSize += o.SplitsSize
	s.SplitsDuration += o.SplitsDuration
	s.SplitsParameters += o.SplitsParameters
	s.KeyframesIndexed += o.KeyframesIndexed
	return s
}
