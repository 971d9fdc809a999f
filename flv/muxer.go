package flv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/veldt/mend/amf"
	"github.com/veldt/mend/media"
)

// Muxer serializes media units to an FLV byte stream. Every data unit
// writes exactly Size() bytes, which keeps byte positions computed
// upstream valid for the written file. Control units write nothing.
type Muxer struct {
	w io.Writer
}

// NewMuxer creates a muxer writing to w.
func NewMuxer(w io.Writer) *Muxer {
	return &Muxer{w: w}
}

// WriteUnit serializes one unit.
func (m *Muxer) WriteUnit(u media.Unit) error {
	switch t := u.(type) {
	case *media.Header:
		return m.writeHeader(t)
	case *media.AudioSample:
		return m.writeTag(tagTypeAudio, t.Timestamp, t.Payload)
	case *media.VideoSample:
		return m.writeTag(tagTypeVideo, t.Timestamp, t.Payload)
	case *media.ScriptData:
		body, err := scriptBody(t)
		if err != nil {
			return err
		}
		return m.writeTag(tagTypeScript, t.Timestamp, body)
	case *media.EndOfStream, *media.SplitMarker, *media.KeyframeIndex:
		return nil
	default:
		return fmt.Errorf("flv: cannot serialize %s unit", media.Kind(u))
	}
}

func (m *Muxer) writeHeader(h *media.Header) error {
	version := h.Version
	if version == 0 {
		version = 1
	}
	var flags byte
	if h.HasAudio {
		flags |= 0x04
	}
	if h.HasVideo {
		flags |= 0x01
	}
	var buf [media.HeaderWireSize]byte
	buf[0], buf[1], buf[2] = 'F', 'L', 'V'
	buf[3] = version
	buf[4] = flags
	binary.BigEndian.PutUint32(buf[5:9], fileHeaderSize)
	// buf[9:13] is PreviousTagSize0, zero.
	_, err := m.w.Write(buf[:])
	return err
}

func (m *Muxer) writeTag(tagType byte, ts int64, payload []byte) error {
	if len(payload) > maxLegalTagSize {
		return fmt.Errorf("flv: tag payload of %d bytes exceeds format limit", len(payload))
	}
	if ts < 0 {
		ts = 0
	}
	var hdr [tagHeaderSize]byte
	hdr[0] = tagType
	putUint24(hdr[1:4], uint32(len(payload)))
	putUint24(hdr[4:7], uint32(ts)&0xffffff)
	hdr[7] = byte(uint32(ts) >> 24)
	// hdr[8:11] is StreamID, always zero.
	if _, err := m.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := m.w.Write(payload); err != nil {
		return err
	}
	var prev [prevTagSizeLen]byte
	binary.BigEndian.PutUint32(prev[:], uint32(tagHeaderSize+len(payload)))
	_, err := m.w.Write(prev[:])
	return err
}

// scriptBody renders a script unit's AMF body.
func scriptBody(s *media.ScriptData) ([]byte, error) {
	if s.Value == nil {
		return nil, fmt.Errorf("flv: script %q has no document", s.Name)
	}
	var buf bytes.Buffer
	buf.Grow(int(amf.BodySize(s.Name, s.Value)))
	if err := amf.EncodeBody(&buf, s.Name, s.Value); err != nil {
		return nil, fmt.Errorf("flv: encode script %q: %w", s.Name, err)
	}
	return buf.Bytes(), nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}
