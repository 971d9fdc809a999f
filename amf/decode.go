package amf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Sentinel decode errors, distinguishable with errors.Is.
var (
	ErrUnknownMarker = errors.New("amf: unknown marker")
	ErrTruncated     = errors.New("amf: truncated value")
	ErrTooDeep       = errors.New("amf: nesting too deep")
)

// maxDepth bounds document nesting; live metadata never approaches it and
// a cap keeps malformed input from exhausting the stack.
const maxDepth = 32

// Decoder reads AMF0 values from a byte slice.
type Decoder struct {
	data []byte
	pos  int
}

// NewDecoder returns a Decoder over data.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Remaining reports how many bytes are left unconsumed.
func (d *Decoder) Remaining() int { return len(d.data) - d.pos }

// Decode reads the next value.
func (d *Decoder) Decode() (Value, error) {
	return d.decode(0)
}

func (d *Decoder) decode(depth int) (Value, error) {
	if depth > maxDepth {
		return nil, ErrTooDeep
	}
	marker, err := d.byte()
	if err != nil {
		return nil, err
	}
	switch marker {
	case markerNumber:
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return Number(math.Float64frombits(binary.BigEndian.Uint64(b))), nil
	case markerBoolean:
		b, err := d.byte()
		if err != nil {
			return nil, err
		}
		return Bool(b != 0), nil
	case markerString:
		s, err := d.shortString()
		return String(s), err
	case markerLongString:
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		s, err := d.take(int(binary.BigEndian.Uint32(b)))
		return String(s), err
	case markerObject:
		pairs, err := d.pairs(depth)
		if err != nil {
			return nil, err
		}
		return &Object{Pairs: pairs}, nil
	case markerECMAArray:
		// The count prefix is advisory; entries still end with the
		// object-end marker and some encoders write a wrong count.
		if _, err := d.take(4); err != nil {
			return nil, err
		}
		pairs, err := d.pairs(depth)
		if err != nil {
			return nil, err
		}
		return &Object{ECMA: true, Pairs: pairs}, nil
	case markerStrictArray:
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint32(b))
		if n > d.Remaining() { // every element is at least one byte
			return nil, fmt.Errorf("amf: strict array of %d elements: %w", n, ErrTruncated)
		}
		arr := make(Array, 0, n)
		for i := 0; i < n; i++ {
			e, err := d.decode(depth + 1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, e)
		}
		return arr, nil
	case markerDate:
		b, err := d.take(10)
		if err != nil {
			return nil, err
		}
		return Date{
			Ms:     math.Float64frombits(binary.BigEndian.Uint64(b[:8])),
			Offset: int16(binary.BigEndian.Uint16(b[8:])),
		}, nil
	case markerNull:
		return Null{}, nil
	case markerUndefined:
		return Undefined{}, nil
	default:
		return nil, fmt.Errorf("amf: marker 0x%02x at offset %d: %w", marker, d.pos-1, ErrUnknownMarker)
	}
}

// pairs reads object entries until the object-end marker.
func (d *Decoder) pairs(depth int) ([]Pair, error) {
	var out []Pair
	for {
		key, err := d.shortString()
		if err != nil {
			return nil, err
		}
		if key == "" {
			marker, err := d.byte()
			if err != nil {
				return nil, err
			}
			if marker == markerObjectEnd {
				return out, nil
			}
			return nil, fmt.Errorf("amf: empty key followed by marker 0x%02x: %w", marker, ErrUnknownMarker)
		}
		v, err := d.decode(depth + 1)
		if err != nil {
			return nil, err
		}
		out = append(out, Pair{Key: key, Value: v})
	}
}

func (d *Decoder) shortString() (string, error) {
	b, err := d.take(2)
	if err != nil {
		return "", err
	}
	s, err := d.take(int(binary.BigEndian.Uint16(b)))
	return string(s), err
}

func (d *Decoder) byte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, ErrTruncated
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.data) {
		return nil, ErrTruncated
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// DecodeBody parses a complete script tag body into its name and document.
func DecodeBody(data []byte) (string, Value, error) {
	d := NewDecoder(data)
	nv, err := d.Decode()
	if err != nil {
		return "", nil, fmt.Errorf("amf: script name: %w", err)
	}
	name, ok := nv.(String)
	if !ok {
		return "", nil, fmt.Errorf("amf: script body starts with %T, want string", nv)
	}
	doc, err := d.Decode()
	if err != nil {
		return "", nil, fmt.Errorf("amf: script document: %w", err)
	}
	return string(name), doc, nil
}

// DecodeAll reads values until data is exhausted. Script bodies written by
// some encoders carry trailing values; callers that only need the first two
// should use DecodeBody.
func DecodeAll(data []byte) ([]Value, error) {
	d := NewDecoder(data)
	var out []Value
	for d.Remaining() > 0 {
		v, err := d.Decode()
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
