// Package hls repairs HLS captures at segment granularity. Segment
// payloads stay opaque; defects are detected from playlist-level
// structure (discontinuity tags, initialization segment changes) and
// repaired with the same operator framework the tag-level pipeline uses,
// instantiated at pipeline.Pipeline[hls.Unit].
package hls

import "time"

// Unit is one downloaded segment or one control signal. The kind set is
// closed; operators switch exhaustively and report unknown kinds as
// fatal rather than passing them through blindly.
type Unit interface {
	// Size reports the payload size in bytes. Control units report zero.
	Size() int64

	sealed()
}

// InitSegment is a fragmented-MP4 initialization segment (EXT-X-MAP).
// Transport-stream renditions carry no init segment and produce only
// MediaSegments.
type InitSegment struct {
	URI  string
	Data []byte
}

func (s *InitSegment) Size() int64 { return int64(len(s.Data)) }
func (*InitSegment) sealed()       {}

// MediaSegment is one media segment with its playlist metadata. The
// Discontinuity flag mirrors the EXT-X-DISCONTINUITY tag preceding the
// segment in its playlist.
type MediaSegment struct {
	Sequence      uint64
	Duration      time.Duration
	Discontinuity bool
	URI           string
	Data          []byte
}

func (s *MediaSegment) Size() int64 { return int64(len(s.Data)) }
func (*MediaSegment) sealed()       {}

// EndMarker terminates an output sequence. Writers close the current
// part on it; the next segment opens a fresh one.
type EndMarker struct{}

func (*EndMarker) Size() int64 { return 0 }
func (*EndMarker) sealed()     {}

// Kind names a unit's variant for logs and error context.
func Kind(u Unit) string {
	switch u.(type) {
	case *InitSegment:
		return "init_segment"
	case *MediaSegment:
		return "media_segment"
	case *EndMarker:
		return "end_marker"
	default:
		return "unknown"
	}
}
