// Package media defines the structured units that flow through the mend
// repair pipeline, from container demuxing through segmented writing.
package media

import "github.com/veldt/mend/amf"

// FLV wire framing: every tag carries an 11-byte tag header and a trailing
// 4-byte PreviousTagSize; the file header is 9 bytes plus PreviousTagSize0.
const (
	TagOverhead    = 11 + 4
	HeaderWireSize = 9 + 4
)

// Unit is the common currency of the pipeline: one parsed container unit or
// one control signal. The kind set is closed; operators switch exhaustively
// and report unknown kinds as fatal rather than passing them through blindly.
type Unit interface {
	// Size reports the unit's serialized size in the output container,
	// including framing overhead. Control units never reach the wire and
	// report zero.
	Size() int64

	sealed()
}

// Header opens a stream and declares which sample types follow. Exactly one
// Header precedes all samples in well-formed output; the normalizer
// synthesizes one when the source omits it and drops mid-stream duplicates.
type Header struct {
	Version  uint8
	HasAudio bool
	HasVideo bool
}

func (*Header) Size() int64 { return HeaderWireSize }
func (*Header) sealed()     {}

// AudioSample is one audio tag body. Payload holds the complete tag data
// beginning with the sound-format byte; the pipeline never modifies it.
type AudioSample struct {
	Timestamp        int64 // milliseconds
	Payload          []byte
	SoundFormat      uint8 // 10 = AAC
	IsSequenceHeader bool
}

func (a *AudioSample) Size() int64 { return int64(len(a.Payload)) + TagOverhead }
func (*AudioSample) sealed()       {}

// VideoSample is one video tag body. Payload holds the complete tag data
// beginning with the frame-type/codec byte; the pipeline never modifies it.
type VideoSample struct {
	Timestamp        int64
	Payload          []byte
	CodecID          uint8 // 7 = AVC, 12 = HEVC
	IsKeyframe       bool
	IsSequenceHeader bool
}

func (v *VideoSample) Size() int64 { return int64(len(v.Payload)) + TagOverhead }
func (*VideoSample) sealed()       {}

// ScriptData is one decoded script tag: a name (almost always "onMetaData")
// and a key-value document of arbitrary nesting. Operators mutate the
// document, not raw bytes; serialization happens at the sink.
type ScriptData struct {
	Timestamp int64
	Name      string
	Value     amf.Value
}

func (s *ScriptData) Size() int64 {
	return amf.BodySize(s.Name, s.Value) + TagOverhead
}
func (*ScriptData) sealed() {}

// EndOfStream terminates a unit sequence. It is emitted exactly once per
// stream and nothing follows it.
type EndOfStream struct{}

func (*EndOfStream) Size() int64 { return 0 }
func (*EndOfStream) sealed()     {}

// SplitReason explains why a SplitMarker was emitted.
type SplitReason int

const (
	SplitSize SplitReason = iota + 1
	SplitDuration
	SplitParameters
)

func (r SplitReason) String() string {
	switch r {
	case SplitSize:
		return "size"
	case SplitDuration:
		return "duration"
	case SplitParameters:
		return "parameters"
	default:
		return "unknown"
	}
}

// SplitMarker is an out-of-band control unit signaling "start a new output
// segment before the next unit". Sinks rotate output on it; it is never
// serialized itself.
type SplitMarker struct {
	Reason SplitReason
}

func (*SplitMarker) Size() int64 { return 0 }
func (*SplitMarker) sealed()     {}

// KeyframeIndex carries the seek index for the segment being closed:
// parallel slices of keyframe timestamps (ms) and byte positions within
// that segment. Sinks render it per their capability, either patching a
// reserved metadata placeholder in place or appending trailing script data.
type KeyframeIndex struct {
	Times     []int64
	Positions []int64
}

func (*KeyframeIndex) Size() int64 { return 0 }
func (*KeyframeIndex) sealed()     {}

// Kind names a unit's variant for logs and error context.
func Kind(u Unit) string {
	switch u.(type) {
	case *Header:
		return "header"
	case *AudioSample:
		return "audio"
	case *VideoSample:
		return "video"
	case *ScriptData:
		return "script"
	case *EndOfStream:
		return "end_of_stream"
	case *SplitMarker:
		return "split_marker"
	case *KeyframeIndex:
		return "keyframe_index"
	default:
		return "unknown"
	}
}
