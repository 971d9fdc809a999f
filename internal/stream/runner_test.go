package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veldt/mend/pipeline"
)

func TestNewRunner_Validates(t *testing.T) {
	t.Parallel()

	base := RunnerConfig[string]{
		Context: testContext(t),
		Source:  &sliceSource{},
		Sink:    &collectSink{},
	}

	cases := []struct {
		name   string
		mutate func(*RunnerConfig[string])
	}{
		{"missing context", func(c *RunnerConfig[string]) { c.Context = nil }},
		{"missing source", func(c *RunnerConfig[string]) { c.Source = nil }},
		{"missing sink", func(c *RunnerConfig[string]) { c.Sink = nil }},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			if _, err := NewRunner(cfg); err == nil {
				t.Errorf("NewRunner accepted config with %s", tc.name)
			}
		})
	}

	if _, err := NewRunner(base); err != nil {
		t.Errorf("NewRunner rejected complete config: %v", err)
	}
}

func TestRunner_DrainsSourceAndFlushes(t *testing.T) {
	t.Parallel()

	sink := &collectSink{}
	r, err := NewRunner(RunnerConfig[string]{
		Context: testContext(t),
		Source:  &sliceSource{units: []string{"a", "b", "c"}},
		Sink:    sink,
		Ops:     []pipeline.Operator[string]{&holdLastOp{}},
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"a", "b", "c"}
	if !equalStrings(sink.units, want) {
		t.Errorf("sink units = %v, want %v", sink.units, want)
	}
	if !sink.closed {
		t.Errorf("sink left open after run")
	}
	if report.Stream != t.Name() {
		t.Errorf("report stream = %q, want %q", report.Stream, t.Name())
	}
	if report.Stats.UnitsIn != 3 || report.Stats.UnitsOut != 3 {
		t.Errorf("units in/out = %d/%d, want 3/3", report.Stats.UnitsIn, report.Stats.UnitsOut)
	}
	if report.Duration < 0 {
		t.Errorf("duration = %v, want >= 0", report.Duration)
	}
}

func TestRunner_SourceErrorFlushesThenFails(t *testing.T) {
	t.Parallel()

	sink := &collectSink{}
	r, err := NewRunner(RunnerConfig[string]{
		Context: testContext(t),
		Source:  &sliceSource{units: []string{"a", "b"}, err: errBoom},
		Sink:    sink,
		Ops:     []pipeline.Operator[string]{&holdLastOp{}},
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	_, err = r.Run(context.Background())
	if !errors.Is(err, errBoom) {
		t.Fatalf("Run error = %v, want %v", err, errBoom)
	}

	// Everything decoded before the failure still reaches the sink,
	// including the unit the operator was holding back.
	want := []string{"a", "b"}
	if !equalStrings(sink.units, want) {
		t.Errorf("sink units = %v, want %v", sink.units, want)
	}
	if !sink.closed {
		t.Errorf("sink left open after source failure")
	}
}

func TestRunner_PipelineFailureStopsEndlessSource(t *testing.T) {
	t.Parallel()

	sink := &collectSink{}
	r, err := NewRunner(RunnerConfig[string]{
		Context: testContext(t),
		Source:  &endlessSource{unit: "x"},
		Sink:    sink,
		Ops:     []pipeline.Operator[string]{&failOnOp{trigger: "x"}},
		Buffer:  2,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		_, runErr = r.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after pipeline failure")
	}

	if !errors.Is(runErr, errBoom) {
		t.Fatalf("Run error = %v, want %v", runErr, errBoom)
	}
	var pe *pipeline.ProcessError
	if !errors.As(runErr, &pe) {
		t.Fatalf("Run error = %v, want *pipeline.ProcessError", runErr)
	}
	if pe.Op != "fail_on" {
		t.Errorf("failing op = %q, want %q", pe.Op, "fail_on")
	}
	if !sink.closed {
		t.Errorf("sink left open after pipeline failure")
	}
}

func TestRunner_CancelEndsRunCleanly(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &cancelSink{cancel: cancel, after: 3}
	r, err := NewRunner(RunnerConfig[string]{
		Context: testContext(t),
		Source:  &endlessSource{unit: "x"},
		Sink:    sink,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	report, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
	if !sink.closed {
		t.Errorf("sink left open after cancel")
	}
	if report.Stats.UnitsOut < 3 {
		t.Errorf("units out = %d, want >= 3", report.Stats.UnitsOut)
	}
}

func TestRunner_ReportsWriterParts(t *testing.T) {
	t.Parallel()

	sink := &partSink{}
	r, err := NewRunner(RunnerConfig[string]{
		Context: testContext(t),
		Source:  &sliceSource{units: []string{"a"}},
		Sink:    sink,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"out_p001.flv"}
	if !equalStrings(report.Parts, want) {
		t.Errorf("report parts = %v, want %v", report.Parts, want)
	}
}
