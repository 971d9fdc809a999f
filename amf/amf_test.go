package amf

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestDecodeScalars(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want Value
	}{
		{"number", []byte{0x00, 0x40, 0x45, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, Number(42)},
		{"bool true", []byte{0x01, 0x01}, Bool(true)},
		{"bool false", []byte{0x01, 0x00}, Bool(false)},
		{"string", []byte{0x02, 0x00, 0x05, 'v', 'i', 'd', 'e', 'o'}, String("video")},
		{"null", []byte{0x05}, Null{}},
		{"undefined", []byte{0x06}, Undefined{}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NewDecoder(tt.data).Decode()
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeECMAArrayIgnoresCount(t *testing.T) {
	t.Parallel()

	// Count claims zero entries but two follow; the object-end marker is
	// authoritative, matching what lenient encoders emit.
	data := []byte{
		0x08, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x05, 'w', 'i', 'd', 't', 'h',
		0x00, 0x40, 0x9e, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // 1920
		0x00, 0x06, 'h', 'e', 'i', 'g', 'h', 't',
		0x00, 0x40, 0x90, 0xe0, 0x00, 0x00, 0x00, 0x00, 0x00, // 1080
		0x00, 0x00, 0x09,
	}
	v, err := NewDecoder(data).Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	obj, ok := v.(*Object)
	if !ok {
		t.Fatalf("got %T, want *Object", v)
	}
	if !obj.ECMA {
		t.Error("ECMA flag not preserved")
	}
	if obj.Len() != 2 {
		t.Fatalf("got %d entries, want 2", obj.Len())
	}
	if w, _ := obj.NumberAt("width"); w != 1920 {
		t.Errorf("width: got %v, want 1920", w)
	}
	if h, _ := obj.NumberAt("height"); h != 1080 {
		t.Errorf("height: got %v, want 1080", h)
	}
}

func TestBodyRoundTrip(t *testing.T) {
	t.Parallel()

	doc := NewObject(true)
	doc.Set("duration", Number(0))
	doc.Set("width", Number(1280))
	doc.Set("framerate", Number(30))
	doc.Set("stereo", Bool(true))
	doc.Set("encoder", String("test"))
	doc.Set("keyframes", func() Value {
		kf := NewObject(false)
		kf.Set("times", Array{Number(0), Number(2)})
		kf.Set("filepositions", Array{Number(13), Number(4096)})
		return kf
	}())

	var buf bytes.Buffer
	if err := EncodeBody(&buf, "onMetaData", doc); err != nil {
		t.Fatalf("EncodeBody: %v", err)
	}

	name, got, err := DecodeBody(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if name != "onMetaData" {
		t.Errorf("name: got %q, want %q", name, "onMetaData")
	}
	obj, ok := got.(*Object)
	if !ok {
		t.Fatalf("got %T, want *Object", got)
	}
	for i, p := range obj.Pairs {
		if want := doc.Pairs[i].Key; p.Key != want {
			t.Errorf("key order at %d: got %q, want %q", i, p.Key, want)
		}
	}
	if enc, _ := obj.Get("encoder"); enc != String("test") {
		t.Errorf("encoder: got %#v", enc)
	}
}

func TestValueSizeMatchesEncoding(t *testing.T) {
	t.Parallel()

	// In-place patching depends on size accounting agreeing with the
	// encoder for every kind, including NaN spacer arrays.
	doc := NewObject(true)
	doc.Set("duration", Number(0))
	doc.Set("creator", String("x"))
	doc.Set("ok", Bool(false))
	doc.Set("nothing", Null{})
	doc.Set("gone", Undefined{})
	doc.Set("when", Date{Ms: 1.7e12})
	doc.Set("spacer", Array{Number(math.NaN()), Number(math.NaN()), Number(math.NaN())})
	nested := NewObject(false)
	nested.Set("times", Array{})
	nested.Set("filepositions", Array{})
	doc.Set("keyframes", nested)

	var buf bytes.Buffer
	if err := Encode(&buf, doc); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got, want := ValueSize(doc), int64(buf.Len()); got != want {
		t.Errorf("ValueSize: got %d, want %d", got, want)
	}
	if got, want := BodySize("onMetaData", doc), int64(buf.Len())+13; got != want {
		t.Errorf("BodySize: got %d, want %d", got, want)
	}
}

func TestSetPreservesOrderAndReplaces(t *testing.T) {
	t.Parallel()

	o := NewObject(true)
	o.Set("a", Number(1))
	o.Set("b", Number(2))
	o.Set("a", Number(3))
	if o.Len() != 2 {
		t.Fatalf("got %d entries, want 2", o.Len())
	}
	if o.Pairs[0].Key != "a" || o.Pairs[1].Key != "b" {
		t.Errorf("order disturbed: %v", o.Pairs)
	}
	if v, _ := o.NumberAt("a"); v != 3 {
		t.Errorf("a: got %v, want 3", v)
	}
	if !o.Delete("a") || o.Has("a") {
		t.Error("Delete failed")
	}
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrTruncated},
		{"cut number", []byte{0x00, 0x40}, ErrTruncated},
		{"cut string", []byte{0x02, 0x00, 0x10, 'x'}, ErrTruncated},
		{"reserved marker", []byte{0x04}, ErrUnknownMarker},
		{"array count lies", []byte{0x0a, 0xff, 0xff, 0xff, 0xff, 0x05}, ErrTruncated},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewDecoder(tt.data).Decode(); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecodeDepthLimit(t *testing.T) {
	t.Parallel()

	var data []byte
	for i := 0; i < maxDepth+2; i++ {
		data = append(data, 0x03, 0x00, 0x01, 'k')
	}
	if _, err := NewDecoder(data).Decode(); !errors.Is(err, ErrTooDeep) {
		t.Errorf("got %v, want %v", err, ErrTooDeep)
	}
}

func TestLongStringThreshold(t *testing.T) {
	t.Parallel()

	long := String(bytes.Repeat([]byte{'a'}, shortStringMax+1))
	var buf bytes.Buffer
	if err := Encode(&buf, long); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if buf.Bytes()[0] != markerLongString {
		t.Fatalf("marker: got 0x%02x, want 0x%02x", buf.Bytes()[0], markerLongString)
	}
	if got, want := int64(buf.Len()), ValueSize(long); got != want {
		t.Errorf("encoded %d bytes, ValueSize says %d", got, want)
	}
	back, err := NewDecoder(buf.Bytes()).Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back != long {
		t.Error("long string did not round-trip")
	}
}
