// Package flv reads and writes the FLV container: a pull demuxer that
// turns a byte stream into media units, a muxer that serializes units
// back to the wire, and a segmented file writer that rotates parts on
// split markers and patches seek indices in place.
package flv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/veldt/mend/amf"
	"github.com/veldt/mend/media"
)

// Demux errors. Corrupt individual tags are skipped, not reported; these
// cover defects the demuxer cannot read past.
var (
	ErrNotFLV = errors.New("flv: missing FLV signature")
)

const (
	tagTypeAudio  = 8
	tagTypeVideo  = 9
	tagTypeScript = 18

	tagHeaderSize   = 11
	prevTagSizeLen  = 4
	fileHeaderSize  = 9
	maxLegalTagSize = 1<<24 - 1 // DataSize is a 24-bit field
)

// Demuxer reads an FLV byte stream and produces media units: the file
// header first, then one unit per tag. Truncated tails are common in
// live captures and end the stream cleanly instead of failing it.
type Demuxer struct {
	ctx        context.Context
	r          io.Reader
	maxTagSize int

	hdr        [tagHeaderSize]byte
	prev       [prevTagSizeLen]byte
	sentHeader bool
	sentEnd    bool
	eof        bool
}

// NewDemuxer creates a demuxer reading from r.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...func(*Demuxer)) *Demuxer {
	d := &Demuxer{
		ctx:        ctx,
		r:          r,
		maxTagSize: maxLegalTagSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DemuxerOptMaxTagSize caps the tag payload size the demuxer will
// allocate; larger tags are skipped as corrupt.
func DemuxerOptMaxTagSize(n int) func(*Demuxer) {
	return func(d *Demuxer) {
		d.maxTagSize = n
	}
}

// NextData returns the next unit from the stream. When the input is
// exhausted, including mid-tag truncation, it delivers a single
// EndOfStream unit and then returns io.EOF.
func (d *Demuxer) NextData() (media.Unit, error) {
	for {
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}
		if d.eof {
			// Only a stream that produced a header gets a terminator.
			if d.sentHeader && !d.sentEnd {
				d.sentEnd = true
				return &media.EndOfStream{}, nil
			}
			return nil, io.EOF
		}
		if !d.sentHeader {
			return d.readFileHeader()
		}

		if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				continue
			}
			return nil, err
		}

		tagType := d.hdr[0] & 0x1f
		dataSize := int(uint24(d.hdr[1:4]))
		// Timestamp is signed 32-bit: 24 low bits plus an extension byte
		// carrying the high 8.
		ts := int64(int32(uint32(d.hdr[7])<<24 | uint32(uint24(d.hdr[4:7]))))

		if dataSize > d.maxTagSize {
			d.skip(dataSize + prevTagSizeLen)
			continue
		}

		payload := make([]byte, dataSize)
		if _, err := io.ReadFull(d.r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				continue
			}
			return nil, err
		}
		// PreviousTagSize is redundant framing; a wrong or missing value
		// does not invalidate the tag already read.
		if _, err := io.ReadFull(d.r, d.prev[:]); err != nil {
			d.eof = true
		}

		var unit media.Unit
		switch tagType {
		case tagTypeAudio:
			unit = parseAudioTag(ts, payload)
		case tagTypeVideo:
			unit = parseVideoTag(ts, payload)
		case tagTypeScript:
			unit = parseScriptTag(ts, payload)
		default:
			continue // unknown tag type, framing still intact
		}
		if unit == nil {
			continue
		}
		return unit, nil
	}
}

func (d *Demuxer) readFileHeader() (media.Unit, error) {
	var buf [fileHeaderSize]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			d.eof = true
			return nil, io.EOF
		}
		return nil, err
	}
	if buf[0] != 'F' || buf[1] != 'L' || buf[2] != 'V' {
		return nil, fmt.Errorf("%w: got %q", ErrNotFLV, buf[:3])
	}
	version := buf[3]
	flags := buf[4]
	dataOffset := int(binary.BigEndian.Uint32(buf[5:9]))

	// Some muxers pad the header; DataOffset says where tags begin.
	if extra := dataOffset - fileHeaderSize; extra > 0 {
		if !d.skip(extra) {
			d.eof = true
		}
	}
	if !d.eof {
		if _, err := io.ReadFull(d.r, d.prev[:]); err != nil {
			d.eof = true
		}
	}

	d.sentHeader = true
	return &media.Header{
		Version:  version,
		HasAudio: flags&0x04 != 0,
		HasVideo: flags&0x01 != 0,
	}, nil
}

// skip discards n bytes, reporting false when the stream ended first.
func (d *Demuxer) skip(n int) bool {
	if _, err := io.CopyN(io.Discard, d.r, int64(n)); err != nil {
		d.eof = true
		return false
	}
	return true
}

func parseAudioTag(ts int64, payload []byte) media.Unit {
	if len(payload) == 0 {
		return nil
	}
	format := payload[0] >> 4
	return &media.AudioSample{
		Timestamp:        ts,
		Payload:          payload,
		SoundFormat:      format,
		IsSequenceHeader: format == 10 && len(payload) >= 2 && payload[1] == 0,
	}
}

func parseVideoTag(ts int64, payload []byte) media.Unit {
	if len(payload) == 0 {
		return nil
	}
	frameType := payload[0] >> 4
	codec := payload[0] & 0x0f
	seqHeader := (codec == 7 || codec == 12) && len(payload) >= 2 && payload[1] == 0
	return &media.VideoSample{
		Timestamp:        ts,
		Payload:          payload,
		CodecID:          codec,
		IsKeyframe:       frameType == 1,
		IsSequenceHeader: seqHeader,
	}
}

// parseScriptTag decodes the AMF body. A body that does not parse is
// still worth keeping: the normalizer replaces it with a valid document
// downstream instead of dropping the tag's position in the stream.
func parseScriptTag(ts int64, payload []byte) media.Unit {
	name, doc, err := amf.DecodeBody(payload)
	if err != nil {
		return &media.ScriptData{Timestamp: ts}
	}
	return &media.ScriptData{Timestamp: ts, Name: name, Value: doc}
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
