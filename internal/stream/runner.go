// Package stream runs one repair job end to end: a decode goroutine
// feeding a bounded channel into the operator pipeline and its sink,
// plus a registry of active runs for batch supervision.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/veldt/mend/pipeline"
)

// DefaultBuffer is how many decoded units the source goroutine may run
// ahead of the pipeline. FLV tags are small; segment-level runs should
// choose something lower.
const DefaultBuffer = 32

// progressInterval paces the running progress log line.
const progressInterval = time.Minute

// Source yields the units of one stream in order and returns io.EOF
// after the last one.
type Source[T any] interface {
	Next(ctx context.Context) (T, error)
}

// SourceFunc adapts a pull function to the Source interface.
type SourceFunc[T any] func(ctx context.Context) (T, error)

func (f SourceFunc[T]) Next(ctx context.Context) (T, error) {
	return f(ctx)
}

// PartLister is implemented by sinks that rotate output into parts.
type PartLister interface {
	Paths() []string
}

// Report summarizes one finished run.
type Report struct {
	Stream   string                 `json:"stream"`
	Duration time.Duration          `json:"duration"`
	Stats    pipeline.StatsSnapshot `json:"stats"`
	Parts    []string               `json:"parts,omitempty"`
}

// RunnerConfig assembles one run. Ops are applied in declared order
// ahead of the sink.
type RunnerConfig[T any] struct {
	Context *pipeline.Context
	Source  Source[T]
	Sink    pipeline.Sink[T]
	Ops     []pipeline.Operator[T]

	// Buffer is the decode-ahead channel capacity. Zero means
	// DefaultBuffer.
	Buffer int
}

// Runner drives one stream: the source goroutine decodes ahead into a
// bounded channel, the run loop pushes units through the pipeline, and
// completion flushes the operators and closes the sink so output is
// finalized on every exit path.
type Runner[T any] struct {
	log    *slog.Logger
	pctx   *pipeline.Context
	src    Source[T]
	sink   pipeline.Sink[T]
	pipe   *pipeline.Pipeline[T]
	buffer int
}

// NewRunner validates cfg and assembles the pipeline over its sink.
func NewRunner[T any](cfg RunnerConfig[T]) (*Runner[T], error) {
	if cfg.Context == nil {
		return nil, errors.New("stream: Context is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("stream: Source is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("stream: Sink is required")
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Runner[T]{
		log:    cfg.Context.Log.With("component", "runner"),
		pctx:   cfg.Context,
		src:    cfg.Source,
		sink:   cfg.Sink,
		pipe:   pipeline.New(cfg.Context, cfg.Sink, cfg.Ops...),
		buffer: buffer,
	}, nil
}

// Run blocks until the source ends, the context is cancelled, or the
// pipeline fails. Cancellation is a graceful stop: buffered units are
// flushed, the sink is closed, and the error is nil. The Report is
// valid on every return, including failures.
func (r *Runner[T]) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.log.Info("stream started")

	stopProgress := make(chan struct{})
	go r.logProgress(stopProgress)
	defer close(stopProgress)

	units := make(chan T, r.buffer)
	readErr := make(chan error, 1)
	go func() {
		defer close(units)
		for {
			u, err := r.src.Next(runCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case units <- u:
			case <-runCtx.Done():
				readErr <- runCtx.Err()
				return
			}
		}
	}()

	var failure error
	for u := range units {
		if err := r.pipe.Process(u); err != nil {
			failure = err
			cancel()
			break
		}
	}
	for range units {
		// Discard whatever the source decoded past the failure point.
	}
	srcErr := <-readErr

	// A pipeline failure skips the flush: operator state is suspect and
	// the sink may be the failing stage. The sink is still closed so
	// whatever reached disk is intact.
	if failure == nil {
		if err := r.pipe.Flush(); err != nil {
			failure = err
		}
	}
	if err := r.sink.Close(); err != nil && failure == nil {
		failure = err
	}

	report := Report{
		Stream:   r.pctx.Name,
		Duration: time.Since(start),
		Stats:    r.pctx.Stats.Snapshot(),
	}
	if pl, ok := r.sink.(PartLister); ok {
		report.Parts = pl.Paths()
	}

	switch {
	case failure != nil:
		r.log.Error("stream failed", "error", failure, "units_in", report.Stats.UnitsIn)
		return report, failure
	case errors.Is(srcErr, io.EOF), ctx.Err() != nil:
		r.log.Info("stream finished",
			"units_in", report.Stats.UnitsIn,
			"units_out", report.Stats.UnitsOut,
			"corrections", report.Stats.Corrections(),
			"parts", len(report.Parts),
			"duration_ms", report.Duration.Milliseconds())
		return report, nil
	default:
		r.log.Error("source failed", "error", srcErr, "units_in", report.Stats.UnitsIn)
		return report, srcErr
	}
}

func (r *Runner[T]) logProgress(done <-chan struct{}) {
	t := time.NewTicker(progressInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			snap := r.pctx.Stats.Snapshot()
			r.log.Debug("progress",
				"units_in", snap.UnitsIn,
				"units_out", snap.UnitsOut,
				"corrections", snap.Corrections())
		}
	}
}
