package flv

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/veldt/mend/amf"
	"github.com/veldt/mend/media"
	"github.com/veldt/mend/pipeline"
)

func testContext(t *testing.T) *pipeline.Context {
	t.Helper()
	return pipeline.NewContext(t.Name(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testClock() time.Time {
	return time.Date(2026, time.March, 14, 9, 26, 53, 0, time.UTC)
}

func videoSeq() *media.VideoSample {
	return &media.VideoSample{
		Payload:          []byte{0x17, 0x00, 0x00, 0x00, 0x00},
		CodecID:          7,
		IsKeyframe:       true,
		IsSequenceHeader: true,
	}
}

func videoKey(ts int64) *media.VideoSample {
	return &media.VideoSample{
		Timestamp:  ts,
		Payload:    []byte{0x17, 0x01, 0x00, 0x00, 0x00},
		CodecID:    7,
		IsKeyframe: true,
	}
}

func videoFrame(ts int64) *media.VideoSample {
	return &media.VideoSample{
		Timestamp: ts,
		Payload:   []byte{0x27, 0x01, 0x00, 0x00, 0x00},
		CodecID:   7,
	}
}

func audioSample(ts int64) *media.AudioSample {
	return &media.AudioSample{
		Timestamp:   ts,
		Payload:     []byte{0xAF, 0x01, 0x21},
		SoundFormat: 10,
	}
}

// metaPlain builds an onMetaData script with the numeric properties the
// writer patches at close, but no keyframes reservation.
func metaPlain() *media.ScriptData {
	doc := amf.NewObject(false)
	doc.Set("duration", amf.Number(0))
	doc.Set("width", amf.Number(1280))
	doc.Set("height", amf.Number(720))
	doc.Set("filesize", amf.Number(0))
	doc.Set("lasttimestamp", amf.Number(0))
	return &media.ScriptData{Name: "onMetaData", Value: doc}
}

// metaWithPlaceholder builds an onMetaData script carrying an empty
// keyframes reservation with the given spacer capacity.
func metaWithPlaceholder(entries int) *media.ScriptData {
	s := metaPlain()
	doc := s.Value.(*amf.Object)
	doc.Set("lastkeyframetimestamp", amf.Number(0))
	doc.Set("lastkeyframelocation", amf.Number(0))

	kf := amf.NewObject(false)
	kf.Set("times", amf.Array{})
	kf.Set("filepositions", amf.Array{})
	spacer := make(amf.Array, entries)
	for i := range spacer {
		spacer[i] = amf.Number(math.NaN())
	}
	kf.Set("spacer", spacer)
	doc.Set("keyframes", kf)
	return s
}

// metaWithFilledIndex builds an onMetaData script whose keyframes object
// already carries one indexed entry next to the remaining spare capacity,
// the shape a patched part from an earlier run comes back with.
func metaWithFilledIndex(oldPos float64, spare int) *media.ScriptData {
	s := metaWithPlaceholder(spare)
	doc := s.Value.(*amf.Object)
	v, _ := doc.Get("keyframes")
	kf := v.(*amf.Object)
	kf.Set("times", amf.Array{amf.Number(0)})
	kf.Set("filepositions", amf.Array{amf.Number(oldPos)})
	return s
}

func sumSizes(units ...media.Unit) int64 {
	var n int64
	for _, u := range units {
		n += u.Size()
	}
	return n
}

// demuxAll parses a complete byte stream into units.
func demuxAll(t *testing.T, data []byte) []media.Unit {
	t.Helper()
	d := NewDemuxer(context.Background(), bytes.NewReader(data))
	var units []media.Unit
	for {
		u, err := d.NextData()
		if errors.Is(err, io.EOF) {
			return units
		}
		if err != nil {
			t.Fatalf("demux: %v", err)
		}
		units = append(units, u)
	}
}

func unitKinds(units []media.Unit) []string {
	kinds := make([]string, len(units))
	for i, u := range units {
		kinds[i] = media.Kind(u)
	}
	return kinds
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// numbersOf flattens an AMF array of numbers for comparisons.
func numbersOf(t *testing.T, v amf.Value) []float64 {
	t.Helper()
	arr, ok := v.(amf.Array)
	if !ok {
		t.Fatalf("value is %T, want array", v)
	}
	out := make([]float64, len(arr))
	for i, e := range arr {
		n, ok := e.(amf.Number)
		if !ok {
			t.Fatalf("array element %d is %T, want number", i, e)
		}
		out[i] = float64(n)
	}
	return out
}

func sameFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
