package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/veldt/mend/pipeline"
)

var errBoom = errors.New("boom")

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext(t *testing.T) *pipeline.Context {
	return pipeline.NewContext(t.Name(), discardLog())
}

// sliceSource yields scripted units, then err (io.EOF when nil).
type sliceSource struct {
	units []string
	err   error
	pos   int
}

func (s *sliceSource) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= len(s.units) {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	u := s.units[s.pos]
	s.pos++
	return u, nil
}

// endlessSource yields the same unit until the context ends.
type endlessSource struct {
	unit string
}

func (s *endlessSource) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.unit, nil
}

type collectSink struct {
	units  []string
	closed bool
}

func (s *collectSink) Write(u string) error {
	s.units = append(s.units, u)
	return nil
}

func (s *collectSink) Close() error {
	s.closed = true
	return nil
}

// partSink reports rotated part paths like the file writers do.
type partSink struct {
	collectSink
}

func (s *partSink) Paths() []string {
	return []string{"out_p001.flv"}
}

// cancelSink stops the run from inside Write, the way a shutdown
// signal arriving mid-stream would.
type cancelSink struct {
	collectSink
	cancel context.CancelFunc
	after  int
}

func (s *cancelSink) Write(u string) error {
	if err := s.collectSink.Write(u); err != nil {
		return err
	}
	if len(s.units) == s.after {
		s.cancel()
	}
	return nil
}

// holdLastOp buffers the most recent unit and releases it on flush.
type holdLastOp struct {
	held []string
}

func (o *holdLastOp) Name() string { return "hold_last" }

func (o *holdLastOp) Process(u string) ([]string, error) {
	out := o.held
	o.held = []string{u}
	return out, nil
}

func (o *holdLastOp) Flush() ([]string, error) {
	out := o.held
	o.held = nil
	return out, nil
}

// failOnOp fails when it meets the trigger unit.
type failOnOp struct {
	trigger string
}

func (o *failOnOp) Name() string { return "fail_on" }

func (o *failOnOp) Process(u string) ([]string, error) {
	if u == o.trigger {
		return nil, errBoom
	}
	return []string{u}, nil
}

func (o *failOnOp) Flush() ([]string, error) { return nil, nil }

func equalStrings(a, b []string) bool {
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
