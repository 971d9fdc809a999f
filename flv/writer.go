package flv

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/veldt/mend/amf"
	"github.com/veldt/mend/media"
	"github.com/veldt/mend/pipeline"
)

// ErrWriterClosed is returned for writes after Close.
var ErrWriterClosed = errors.New("flv: writer closed")

const (
	onMetaDataName = "onMetaData"
	indexTagName   = "onKeyframeIndex"

	// writerBufSize batches tag writes; parts otherwise write many
	// small slices per tag.
	writerBufSize = 1 << 18

	partTimeLayout = "20060102_150405"
	partFileMode   = 0o644
	partDirMode    = 0o755
)

// partCache holds the units a new part re-opens with: the stream header,
// the lead metadata script and the latest decoder configurations. Byte
// accounting upstream assumes exactly these units are re-emitted.
type partCache struct {
	header   *media.Header
	script   *media.ScriptData
	videoSeq *media.VideoSample
	audioSeq *media.AudioSample
}

func (c *partCache) observe(u media.Unit) {
	switch t := u.(type) {
	case *media.Header:
		c.header = t
	case *media.ScriptData:
		if c.script == nil && t.Name == onMetaDataName {
			c.script = t
		}
	case *media.VideoSample:
		if t.IsSequenceHeader {
			c.videoSeq = t
		}
	case *media.AudioSample:
		if t.IsSequenceHeader {
			c.audioSeq = t
		}
	}
}

func (c *partCache) units() []media.Unit {
	var out []media.Unit
	if c.header != nil {
		out = append(out, c.header)
	}
	if c.script != nil {
		out = append(out, c.script)
	}
	if c.videoSeq != nil {
		out = append(out, c.videoSeq)
	}
	if c.audioSeq != nil {
		out = append(out, c.audioSeq)
	}
	return out
}

// FileWriter renders the unit stream into FLV files. A SplitMarker closes
// the current part and opens the next one with the cached header,
// metadata and decoder configurations re-emitted. A KeyframeIndex patches
// the reserved keyframes placeholder in the part's metadata in place;
// when no reservation exists it appends a trailing index script instead.
// At part close the duration, filesize and last-position properties are
// patched the same way. All patches swap equal-sized AMF values, so byte
// positions recorded upstream stay valid.
type FileWriter struct {
	log  *slog.Logger
	dir  string
	base string
	now  func() time.Time

	file *os.File
	bw   *bufio.Writer
	mux  *Muxer
	path string

	cache        partCache
	part         int
	offset       int64
	scriptOffset int64
	reserveCap   int
	onDisk       *amf.Object // metadata document as currently written
	firstTS      int64
	lastTS       int64
	hasTS        bool
	lastIndex    *media.KeyframeIndex

	paths  []string
	closed bool
}

// NewFileWriter creates a writer producing dir/base_pNNN_<time>.flv files.
func NewFileWriter(ctx *pipeline.Context, dir, base string) (*FileWriter, error) {
	if base == "" {
		return nil, errors.New("flv: empty output base name")
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, partDirMode); err != nil {
		return nil, fmt.Errorf("flv: create output directory: %w", err)
	}
	return &FileWriter{
		log:          ctx.Log.With("sink", "flv_file"),
		dir:          dir,
		base:         base,
		now:          time.Now,
		scriptOffset: -1,
	}, nil
}

// Paths lists the part files written so far, in order.
func (w *FileWriter) Paths() []string {
	return append([]string(nil), w.paths...)
}

func (w *FileWriter) Write(u media.Unit) error {
	if w.closed {
		return ErrWriterClosed
	}
	switch t := u.(type) {
	case *media.SplitMarker:
		return w.rotate(t)
	case *media.KeyframeIndex:
		return w.applyIndex(t)
	case *media.EndOfStream:
		return w.finishPart()
	default:
		return w.writeData(u)
	}
}

// Close finishes the open part. Safe to call after a clean end of stream.
func (w *FileWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.finishPart()
}

func (w *FileWriter) writeData(u media.Unit) error {
	if w.file == nil {
		if err := w.openPart(); err != nil {
			return err
		}
	}
	if s, ok := u.(*media.ScriptData); ok && s.Name == onMetaDataName && w.scriptOffset < 0 {
		w.scriptOffset = w.offset
		w.reserveCap = reservedEntries(s)
		w.onDisk, _ = s.Value.(*amf.Object)
	}
	w.cache.observe(u)
	if err := w.mux.WriteUnit(u); err != nil {
		return err
	}
	w.offset += u.Size()
	w.trackTime(u)
	return nil
}

func (w *FileWriter) trackTime(u media.Unit) {
	var ts int64
	switch t := u.(type) {
	case *media.AudioSample:
		if t.IsSequenceHeader {
			return
		}
		ts = t.Timestamp
	case *media.VideoSample:
		if t.IsSequenceHeader {
			return
		}
		ts = t.Timestamp
	default:
		return
	}
	if !w.hasTS {
		w.hasTS = true
		w.firstTS = ts
		w.lastTS = ts
		return
	}
	if ts > w.lastTS {
		w.lastTS = ts
	}
}

func (w *FileWriter) openPart() error {
	w.part++
	name := fmt.Sprintf("%s_p%03d_%s.flv", w.base, w.part, w.now().UTC().Format(partTimeLayout))
	path := filepath.Join(w.dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, partFileMode)
	if err != nil {
		return fmt.Errorf("flv: open part: %w", err)
	}
	w.file = f
	w.bw = bufio.NewWriterSize(f, writerBufSize)
	w.mux = NewMuxer(w.bw)
	w.path = path
	w.offset = 0
	w.scriptOffset = -1
	w.reserveCap = 0
	w.onDisk = nil
	w.hasTS = false
	w.lastIndex = nil
	w.paths = append(w.paths, path)
	w.log.Info("part opened", "path", path, "part", w.part)
	return nil
}

func (w *FileWriter) rotate(m *media.SplitMarker) error {
	w.log.Info("rotating output", "reason", m.Reason.String())
	if err := w.finishPart(); err != nil {
		return err
	}
	for _, u := range w.cache.units() {
		if err := w.writeData(u); err != nil {
			return err
		}
	}
	return nil
}

func (w *FileWriter) finishPart() error {
	if w.file == nil {
		return nil
	}
	if err := w.patchClose(); err != nil {
		w.log.Error("patching part metadata", "path", w.path, "error", err)
	}
	if err := w.bw.Flush(); err != nil {
		w.file.Close()
		w.file = nil
		return fmt.Errorf("flv: flush part: %w", err)
	}
	err := w.file.Close()
	w.log.Info("part closed",
		"path", w.path, "bytes", w.offset, "duration_ms", w.partDuration())
	w.file = nil
	w.bw = nil
	w.mux = nil
	if err != nil {
		return fmt.Errorf("flv: close part: %w", err)
	}
	return nil
}

func (w *FileWriter) partDuration() int64 {
	if !w.hasTS {
		return 0
	}
	return w.lastTS - w.firstTS
}

// applyIndex renders the seek index for the closing part.
func (w *FileWriter) applyIndex(idx *media.KeyframeIndex) error {
	if w.file == nil {
		return nil
	}
	w.lastIndex = idx
	if w.scriptOffset >= 0 && w.reserveCap > 0 {
		ok, err := w.patchIndex(idx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return w.appendIndex(idx)
}

// patchIndex rewrites the metadata tag with the keyframes reservation
// filled in. The replacement encodes to exactly the reserved size; a
// mismatch leaves the file untouched and reports false so the caller can
// fall back to an appended index.
func (w *FileWriter) patchIndex(idx *media.KeyframeIndex) (bool, error) {
	if w.onDisk == nil {
		return false, nil
	}
	n := len(idx.Times)
	if 2*n > w.reserveCap {
		w.log.Warn("keyframe index exceeds reserved capacity, truncating",
			"keyframes", n, "capacity", w.reserveCap/2)
		n = w.reserveCap / 2
	}

	kf := amf.NewObject(false)
	times := make(amf.Array, n)
	positions := make(amf.Array, n)
	for i := 0; i < n; i++ {
		times[i] = amf.Number(float64(idx.Times[i]) / 1000)
		positions[i] = amf.Number(float64(idx.Positions[i]))
	}
	kf.Set("times", times)
	kf.Set("filepositions", positions)
	spare := make(amf.Array, w.reserveCap-2*n)
	for i := range spare {
		spare[i] = amf.Number(0)
	}
	kf.Set("spacer", spare)

	patched := cloneObject(w.onDisk)
	patched.Set("keyframes", kf)
	ok, err := w.patchScript(patched)
	if ok {
		w.onDisk = patched
	}
	return ok, err
}

// patchClose fills the part-level totals into the metadata before the
// file closes.
func (w *FileWriter) patchClose() error {
	if w.scriptOffset < 0 || w.onDisk == nil {
		return nil
	}
	patched := cloneObject(w.onDisk)
	changed := setNumber(patched, "duration", float64(w.partDuration())/1000)
	changed = setNumber(patched, "filesize", float64(w.offset)) || changed
	if w.hasTS {
		changed = setNumber(patched, "lasttimestamp", float64(w.lastTS)/1000) || changed
	}
	if w.lastIndex != nil && len(w.lastIndex.Times) > 0 {
		last := len(w.lastIndex.Times) - 1
		changed = setNumber(patched, "lastkeyframetimestamp",
			float64(w.lastIndex.Times[last])/1000) || changed
		changed = setNumber(patched, "lastkeyframelocation",
			float64(w.lastIndex.Positions[last])) || changed
	}
	if !changed {
		return nil
	}
	ok, err := w.patchScript(patched)
	if ok {
		w.onDisk = patched
	}
	return err
}

// patchScript overwrites the part's metadata tag with a re-encoded copy.
// The write happens only when the encoded sizes match, keeping every
// byte position in the file valid.
func (w *FileWriter) patchScript(doc *amf.Object) (bool, error) {
	replacement := &media.ScriptData{
		Timestamp: w.cache.script.Timestamp,
		Name:      w.cache.script.Name,
		Value:     doc,
	}
	var buf bytes.Buffer
	if err := NewMuxer(&buf).WriteUnit(replacement); err != nil {
		return false, fmt.Errorf("flv: encode metadata patch: %w", err)
	}
	if int64(buf.Len()) != w.cache.script.Size() {
		w.log.Error("metadata patch size mismatch, leaving file as written",
			"want", w.cache.script.Size(), "got", buf.Len())
		return false, nil
	}
	if err := w.bw.Flush(); err != nil {
		return false, fmt.Errorf("flv: flush before patch: %w", err)
	}
	if _, err := w.file.WriteAt(buf.Bytes(), w.scriptOffset); err != nil {
		return false, fmt.Errorf("flv: patch metadata: %w", err)
	}
	return true, nil
}

// appendIndex writes the seek index as a trailing script tag for parts
// without a reservation to patch.
func (w *FileWriter) appendIndex(idx *media.KeyframeIndex) error {
	doc := amf.NewObject(false)
	times := make(amf.Array, len(idx.Times))
	positions := make(amf.Array, len(idx.Positions))
	for i := range idx.Times {
		times[i] = amf.Number(float64(idx.Times[i]) / 1000)
		positions[i] = amf.Number(float64(idx.Positions[i]))
	}
	doc.Set("times", times)
	doc.Set("filepositions", positions)
	script := &media.ScriptData{Name: indexTagName, Value: doc}
	if err := w.mux.WriteUnit(script); err != nil {
		return fmt.Errorf("flv: append index: %w", err)
	}
	w.offset += script.Size()
	return nil
}

// reservedEntries is the total capacity of the metadata's keyframes
// reservation: the entries already in times and filepositions plus the
// spare ones left in the spacer. A patch may redistribute numbers among
// the three arrays without changing the tag's size, so a part produced
// by an earlier pass patches as cleanly as a fresh reservation. Zero
// means no reservation.
func reservedEntries(s *media.ScriptData) int {
	doc, ok := s.Value.(*amf.Object)
	if !ok {
		return 0
	}
	kf, ok := doc.Get("keyframes")
	if !ok {
		return 0
	}
	obj, ok := kf.(*amf.Object)
	if !ok || !obj.Has("spacer") {
		return 0
	}
	var n int
	for _, key := range []string{"times", "filepositions", "spacer"} {
		v, ok := obj.Get(key)
		if !ok {
			continue
		}
		if arr, ok := v.(amf.Array); ok {
			n += len(arr)
		}
	}
	return n
}

func cloneObject(doc *amf.Object) *amf.Object {
	out := amf.NewObject(doc.ECMA)
	out.Pairs = append([]amf.Pair(nil), doc.Pairs...)
	return out
}

// setNumber swaps a numeric property for a new value, reporting whether
// the key existed as a number. Non-numbers are left alone because their
// replacement could change the document's size.
func setNumber(doc *amf.Object, key string, v float64) bool {
	cur, ok := doc.Get(key)
	if !ok {
		return false
	}
	if _, isNum := cur.(amf.Number); !isNum {
		return false
	}
	doc.Set(key, amf.Number(v))
	return true
}
