package amf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// AMF0 type markers, amf0-file-format-specification section 2.1.
const (
	markerNumber      = 0x00
	markerBoolean     = 0x01
	markerString      = 0x02
	markerObject      = 0x03
	markerNull        = 0x05
	markerUndefined   = 0x06
	markerECMAArray   = 0x08
	markerObjectEnd   = 0x09
	markerStrictArray = 0x0a
	markerDate        = 0x0b
	markerLongString  = 0x0c
)

const shortStringMax = 0xFFFF

// Encode writes v to w in AMF0 encoding.
func Encode(w io.Writer, v Value) error {
	switch t := v.(type) {
	case Number:
		var buf [9]byte
		buf[0] = markerNumber
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(float64(t)))
		_, err := w.Write(buf[:])
		return err
	case Bool:
		b := byte(0)
		if t {
			b = 1
		}
		_, err := w.Write([]byte{markerBoolean, b})
		return err
	case String:
		return encodeString(w, string(t), true)
	case Array:
		var buf [5]byte
		buf[0] = markerStrictArray
		binary.BigEndian.PutUint32(buf[1:], uint32(len(t)))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
		for _, e := range t {
			if err := Encode(w, e); err != nil {
				return err
			}
		}
		return nil
	case Date:
		var buf [11]byte
		buf[0] = markerDate
		binary.BigEndian.PutUint64(buf[1:9], math.Float64bits(t.Ms))
		binary.BigEndian.PutUint16(buf[9:], uint16(t.Offset))
		_, err := w.Write(buf[:])
		return err
	case Null:
		_, err := w.Write([]byte{markerNull})
		return err
	case Undefined:
		_, err := w.Write([]byte{markerUndefined})
		return err
	case *Object:
		if t.ECMA {
			var buf [5]byte
			buf[0] = markerECMAArray
			binary.BigEndian.PutUint32(buf[1:], uint32(len(t.Pairs)))
			if _, err := w.Write(buf[:]); err != nil {
				return err
			}
		} else {
			if _, err := w.Write([]byte{markerObject}); err != nil {
				return err
			}
		}
		for _, p := range t.Pairs {
			if err := encodeString(w, p.Key, false); err != nil {
				return err
			}
			if err := Encode(w, p.Value); err != nil {
				return err
			}
		}
		_, err := w.Write([]byte{0x00, 0x00, markerObjectEnd})
		return err
	default:
		return fmt.Errorf("amf: cannot encode %T", v)
	}
}

// encodeString writes a UTF-8 string. Keys omit the marker byte; values
// carry the short or long marker depending on length.
func encodeString(w io.Writer, s string, withMarker bool) error {
	if len(s) > shortStringMax {
		if withMarker {
			if _, err := w.Write([]byte{markerLongString}); err != nil {
				return err
			}
		}
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(s)))
		if _, err := w.Write(n[:]); err != nil {
			return err
		}
		_, err := io.WriteString(w, s)
		return err
	}
	if withMarker {
		if _, err := w.Write([]byte{markerString}); err != nil {
			return err
		}
	}
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(s)))
	if _, err := w.Write(n[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// EncodeBody writes a complete script tag body: the name string followed
// by the document value.
func EncodeBody(w io.Writer, name string, v Value) error {
	if err := Encode(w, String(name)); err != nil {
		return err
	}
	return Encode(w, v)
}
