// Package fix implements the stateful repair operators a live stream
// passes through on its way to disk: fragment filtering, frame
// reordering, timeline continuity across reconnects, metadata
// normalization, timestamp repair, segment splitting and keyframe
// indexing. Operators are single-threaded and assembled in a fixed
// order by Chain; each documents what it buffers and what its Flush
// releases.
package fix

import "time"

// ContinuityMode selects how the timelines of reconnected input
// segments are joined into one output timeline.
type ContinuityMode int

const (
	// ContinuityReset rebases every input segment to start at zero.
	ContinuityReset ContinuityMode = iota
	// ContinuityContinuous appends each input segment where the
	// previous one left off.
	ContinuityContinuous
)

func (m ContinuityMode) String() string {
	switch m {
	case ContinuityReset:
		return "reset"
	case ContinuityContinuous:
		return "continuous"
	default:
		return "unknown"
	}
}

// Config carries the tunables of one repair chain.
type Config struct {
	// MaxTimestampGap is the largest forward jump between consecutive
	// samples of a track accepted as real. Jumps beyond it, in either
	// direction, rebase the shared timeline offset. Backward jumps
	// within it are repaired locally.
	MaxTimestampGap time.Duration

	// ReorderDepth is how many video samples are held back to restore
	// timestamp order. Zero disables reordering.
	ReorderDepth int

	// Continuity selects the join policy for reconnected segments.
	Continuity ContinuityMode

	// MaxSegmentBytes splits output before a part grows past this
	// size. Zero disables size splits.
	MaxSegmentBytes int64

	// MaxSegmentDuration splits output before a part spans more than
	// this. Zero disables duration splits.
	MaxSegmentDuration time.Duration

	// InjectKeyframeIndex reserves room for a seek index in the lead
	// metadata and fills it as each part closes.
	InjectKeyframeIndex bool

	// IndexBudget is the part duration the reserved index must be able
	// to cover. Longer parts get a truncated index, not a broken file.
	IndexBudget time.Duration

	// MinSegmentUnits is how many units a fresh input segment must
	// deliver before it is released downstream. Shorter segments are
	// discarded as fragments. Zero disables the filter.
	MinSegmentUnits int
}

// DefaultConfig returns the settings used when a job specifies nothing.
func DefaultConfig() Config {
	return Config{
		MaxTimestampGap:     time.Second,
		ReorderDepth:        8,
		Continuity:          ContinuityReset,
		InjectKeyframeIndex: true,
		IndexBudget:         7 * time.Hour / 2,
		MinSegmentUnits:     10,
	}
}
