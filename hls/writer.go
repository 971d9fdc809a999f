package hls

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/veldt/mend/pipeline"
)

// ErrWriterClosed is returned for writes after Close.
var ErrWriterClosed = errors.New("hls: writer closed")

const (
	// Segments arrive as whole downloads; the buffer only batches the
	// small ones.
	writerBufSize = 1 << 20

	partTimeLayout = "20060102_150405"
	partFileMode   = 0o644
	partDirMode    = 0o755

	extTS   = "ts"
	extFMP4 = "m4s"
)

// FileWriter concatenates segment payloads into part files named
// {base}_p{NNN}_{timestamp}.{ext}. An EndMarker closes the current part;
// the next segment opens a fresh one. Parts opening with an init segment
// are fragmented MP4 and take the m4s extension, all others ts. Upstream
// operators re-emit the init segment at part starts, so the writer keeps
// no cache of its own.
type FileWriter struct {
	log  *slog.Logger
	dir  string
	base string
	now  func() time.Time

	file *os.File
	bw   *bufio.Writer
	path string

	part     int
	offset   int64
	duration time.Duration
	segments int

	paths  []string
	closed bool
}

// NewFileWriter creates a writer producing part files under dir.
func NewFileWriter(ctx *pipeline.Context, dir, base string) (*FileWriter, error) {
	if base == "" {
		return nil, errors.New("hls: empty output base name")
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, partDirMode); err != nil {
		return nil, fmt.Errorf("hls: create output directory: %w", err)
	}
	return &FileWriter{
		log:  ctx.Log.With("sink", "hls_file"),
		dir:  dir,
		base: base,
		now:  time.Now,
	}, nil
}

// Paths lists the part files written so far, in order.
func (w *FileWriter) Paths() []string {
	return append([]string(nil), w.paths...)
}

func (w *FileWriter) Write(u Unit) error {
	if w.closed {
		return ErrWriterClosed
	}
	switch t := u.(type) {
	case *InitSegment:
		if err := w.ensurePart(extFMP4); err != nil {
			return err
		}
		return w.append(t.Data, 0)
	case *MediaSegment:
		if err := w.ensurePart(extTS); err != nil {
			return err
		}
		return w.append(t.Data, t.Duration)
	case *EndMarker:
		return w.finishPart()
	default:
		return fmt.Errorf("%w: %T", pipeline.ErrUnknownUnit, u)
	}
}

// Close finishes the open part. Safe to call after a clean end marker.
func (w *FileWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.finishPart()
}

func (w *FileWriter) ensurePart(ext string) error {
	if w.file != nil {
		return nil
	}
	w.part++
	name := fmt.Sprintf("%s_p%03d_%s.%s",
		w.base, w.part, w.now().UTC().Format(partTimeLayout), ext)
	path := filepath.Join(w.dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, partFileMode)
	if err != nil {
		return fmt.Errorf("hls: open part: %w", err)
	}
	w.file = f
	w.bw = bufio.NewWriterSize(f, writerBufSize)
	w.path = path
	w.offset = 0
	w.duration = 0
	w.segments = 0
	w.paths = append(w.paths, path)
	w.log.Info("part opened", "path", path, "part", w.part)
	return nil
}

func (w *FileWriter) append(data []byte, dur time.Duration) error {
	if _, err := w.bw.Write(data); err != nil {
		return fmt.Errorf("hls: write segment: %w", err)
	}
	w.offset += int64(len(data))
	w.duration += dur
	w.segments++
	return nil
}

func (w *FileWriter) finishPart() error {
	if w.file == nil {
		return nil
	}
	if err := w.bw.Flush(); err != nil {
		w.file.Close()
		w.file = nil
		return fmt.Errorf("hls: flush part: %w", err)
	}
	err := w.file.Close()
	w.log.Info("part closed",
		"path", w.path, "bytes", w.offset,
		"duration_ms", w.duration.Milliseconds(), "segments", w.segments)
	w.file = nil
	w.bw = nil
	if err != nil {
		return fmt.Errorf("hls: close part: %w", err)
	}
	return nil
}
