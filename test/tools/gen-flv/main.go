// gen-flv builds small FLV captures, each seeded with one class of defect
// the repair chain targets, plus a manifest describing them. Captures are
// synthesized with the module's own muxer, so no external tools are needed.
//
// Usage:
//
//	go run ./test/tools/gen-flv [outdir]
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/veldt/mend/amf"
	"github.com/veldt/mend/flv"
	"github.com/veldt/mend/media"
)

type capture struct {
	Key         string `json:"key"`
	File        string `json:"file"`
	Defect      string `json:"defect"`
	Description string `json:"description"`

	build func() ([]byte, error)
}

type manifest struct {
	Generated string    `json:"generated"`
	Captures  []capture `json:"captures"`
}

var captures = []capture{
	{
		Key: "clean", Defect: "none",
		Description: "well-formed two-second capture, nothing to repair",
		build:       buildClean,
	},
	{
		Key: "ts_jump", Defect: "timestamp discontinuity",
		Description: "timeline jumps 500s mid-stream, as left behind by a reconnect",
		build:       buildJump,
	},
	{
		Key: "ts_regression", Defect: "timestamp regression",
		Description: "one frame steps 40ms backwards inside a steady cadence",
		build:       buildRegression,
	},
	{
		Key: "decode_order", Defect: "frames out of order",
		Description: "presentation order scrambled by decode-order muxing",
		build:       buildDecodeOrder,
	},
	{
		Key: "no_meta", Defect: "missing metadata",
		Description: "no onMetaData script at all",
		build:       buildNoMeta,
	},
	{
		Key: "dup_meta", Defect: "duplicate metadata",
		Description: "a second onMetaData script mid-stream",
		build:       buildDupMeta,
	},
	{
		Key: "broken_meta", Defect: "malformed metadata",
		Description: "onMetaData body is not valid AMF",
		build:       buildBrokenMeta,
	},
	{
		Key: "truncated", Defect: "mid-tag truncation",
		Description: "capture cut inside the final tag, as a dropped connection leaves it",
		build:       buildTruncated,
	},
}

func main() {
	outDir := filepath.Join("test", "streams")
	if len(os.Args) > 1 {
		outDir = os.Args[1]
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		fatal("create output dir: %v", err)
	}

	fmt.Printf("Generating %d defective FLV captures in %s\n\n", len(captures), outDir)

	for i := range captures {
		c := &captures[i]
		c.File = c.Key + ".flv"
		data, err := c.build()
		if err != nil {
			fatal("build %s: %v", c.Key, err)
		}
		if err := os.WriteFile(filepath.Join(outDir, c.File), data, 0644); err != nil {
			fatal("write %s: %v", c.Key, err)
		}
		fmt.Printf("  %-14s %6d bytes  %s\n", c.File, len(data), c.Description)
	}

	if err := writeManifest(filepath.Join(outDir, "manifest.json")); err != nil {
		fatal("write manifest: %v", err)
	}

	fmt.Printf("\nDone. Try: go run ./cmd/mend probe %s\n", filepath.Join(outDir, "ts_jump.flv"))
}

func writeManifest(path string) error {
	m := manifest{
		Generated: time.Now().UTC().Format(time.RFC3339),
		Captures:  captures,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func muxAll(units ...media.Unit) ([]byte, error) {
	var buf bytes.Buffer
	mux := flv.NewMuxer(&buf)
	for _, u := range units {
		if err := mux.WriteUnit(u); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func buildClean() ([]byte, error) {
	units := []media.Unit{header(), meta(), videoSeq()}
	units = append(units, gop(0, 30)...)
	units = append(units, gop(990, 30)...)
	return muxAll(units...)
}

func buildJump() ([]byte, error) {
	units := []media.Unit{header(), meta(), videoSeq()}
	units = append(units, gop(0, 30)...)
	units = append(units, gop(500_000, 30)...)
	return muxAll(units...)
}

func buildRegression() ([]byte, error) {
	return muxAll(
		header(), meta(), videoSeq(),
		key(0), frame(33), frame(66), frame(99),
		frame(59), // the step backwards
		frame(132), frame(165), frame(198),
	)
}

func buildDecodeOrder() ([]byte, error) {
	return muxAll(
		header(), meta(), videoSeq(),
		key(0),
		frame(99), frame(33), frame(66),
		frame(198), frame(132), frame(165),
		key(231),
	)
}

func buildNoMeta() ([]byte, error) {
	units := []media.Unit{header(), videoSeq()}
	units = append(units, gop(0, 30)...)
	return muxAll(units...)
}

func buildDupMeta() ([]byte, error) {
	units := []media.Unit{header(), meta(), videoSeq()}
	units = append(units, gop(0, 30)...)
	units = append(units, meta())
	units = append(units, gop(990, 30)...)
	return muxAll(units...)
}

func buildBrokenMeta() ([]byte, error) {
	head, err := muxAll(header())
	if err != nil {
		return nil, err
	}
	// A script tag whose two-byte body is not AMF.
	bad := []byte{
		0x12, 0x00, 0x00, 0x02,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00,
		0xff, 0x13,
		0x00, 0x00, 0x00, 0x0d,
	}
	tail, err := muxAll(append([]media.Unit{videoSeq()}, gop(0, 30)...)...)
	if err != nil {
		return nil, err
	}
	out := append(head, bad...)
	return append(out, tail...), nil
}

func buildTruncated() ([]byte, error) {
	data, err := buildClean()
	if err != nil {
		return nil, err
	}
	return data[:len(data)-7], nil
}

func header() *media.Header {
	return &media.Header{Version: 1, HasVideo: true}
}

func meta() *media.ScriptData {
	doc := amf.NewObject(false)
	doc.Set("duration", amf.Number(0))
	doc.Set("width", amf.Number(1280))
	doc.Set("height", amf.Number(720))
	doc.Set("framerate", amf.Number(30))
	return &media.ScriptData{Name: "onMetaData", Value: doc}
}

func videoSeq() *media.VideoSample {
	return &media.VideoSample{
		Payload:          []byte{0x17, 0x00, 0x00, 0x00, 0x00},
		CodecID:          7,
		IsKeyframe:       true,
		IsSequenceHeader: true,
	}
}

func key(ts int64) *media.VideoSample {
	return &media.VideoSample{
		Timestamp:  ts,
		Payload:    []byte{0x17, 0x01, 0x00, 0x00, 0x00},
		CodecID:    7,
		IsKeyframe: true,
	}
}

func frame(ts int64) *media.VideoSample {
	return &media.VideoSample{
		Timestamp: ts,
		Payload:   []byte{0x27, 0x01, 0x00, 0x00, 0x00},
		CodecID:   7,
	}
}

// gop emits one keyframe and count-1 inter frames at a 33ms cadence.
func gop(start int64, count int) []media.Unit {
	units := []media.Unit{key(start)}
	for i := 1; i < count; i++ {
		units = append(units, frame(start+int64(i)*33))
	}
	return units
}
