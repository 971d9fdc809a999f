package fix

import "github.com/veldt/mend/media"

// segmentCache mirrors the units a sink re-emits at the top of every
// output part: the stream header, the lead metadata script and the
// latest audio and video sequence headers. Split and index accounting
// add its size whenever a new part begins so byte positions keep
// matching what actually lands in the file.
type segmentCache struct {
	header   *media.Header
	script   *media.ScriptData
	videoSeq *media.VideoSample
	audioSeq *media.AudioSample
}

func (c *segmentCache) observe(unit media.Unit) {
	switch u := unit.(type) {
	case *media.Header:
		c.header = u
	case *media.ScriptData:
		if c.script == nil && u.Name == metadataName {
			c.script = u
		}
	case *media.VideoSample:
		if u.IsSequenceHeader {
			c.videoSeq = u
		}
	case *media.AudioSample:
		if u.IsSequenceHeader {
			c.audioSeq = u
		}
	}
}

// size is the byte cost of re-emitting the cached units.
func (c *segmentCache) size() int64 {
	var n int64
	if c.header != nil {
		n += c.header.Size()
	}
	if c.script != nil {
		n += c.script.Size()
	}
	if c.videoSeq != nil {
		n += c.videoSeq.Size()
	}
	if c.audioSeq != nil {
		n += c.audioSeq.Size()
	}
	return n
}
