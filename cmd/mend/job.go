package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veldt/mend/fix"
)

// job is one fully resolved capture: flag defaults, then the job file's
// defaults block, then the stream's own overrides.
type job struct {
	Name    string
	URL     string
	Kind    string
	OutDir  string
	Referer string
	Fix     fix.Config
}

// jobFile is the YAML schema for batch capture. Durations are Go
// duration strings ("90s", "1h30m"); omitted fields inherit the
// defaults block, which itself inherits the command-line flags.
type jobFile struct {
	OutputDir   string      `yaml:"output_dir,omitempty"`
	Concurrency int         `yaml:"concurrency,omitempty"`
	Defaults    jobOverride `yaml:"defaults,omitempty"`
	Streams     []jobStream `yaml:"streams"`
}

type jobStream struct {
	Name string `yaml:"name,omitempty"`
	URL  string `yaml:"url"`
	Type string `yaml:"type,omitempty"` // flv or hls, detected from the URL when empty

	jobOverride `yaml:",inline"`
}

type jobOverride struct {
	Referer         string `yaml:"referer,omitempty"`
	MaxTimestampGap string `yaml:"max_timestamp_gap,omitempty"` // e.g. "1s"
	ReorderDepth    *int   `yaml:"reorder_depth,omitempty"`
	Continuity      string `yaml:"continuity,omitempty"` // reset or continuous
	MaxPartBytes    *int64 `yaml:"max_part_bytes,omitempty"`
	MaxPartDuration string `yaml:"max_part_duration,omitempty"` // e.g. "1h"
	InjectIndex     *bool  `yaml:"inject_index,omitempty"`
	MinGatherUnits  *int   `yaml:"min_gather_units,omitempty"`
}

// apply lays o's set fields over cfg and referer.
func (o jobOverride) apply(cfg fix.Config, referer string) (fix.Config, string, error) {
	if o.Referer != "" {
		referer = o.Referer
	}
	if o.MaxTimestampGap != "" {
		d, err := time.ParseDuration(o.MaxTimestampGap)
		if err != nil {
			return cfg, referer, fmt.Errorf("max_timestamp_gap: %w", err)
		}
		cfg.MaxTimestampGap = d
	}
	if o.ReorderDepth != nil {
		cfg.ReorderDepth = *o.ReorderDepth
	}
	if o.Continuity != "" {
		mode, err := parseContinuity(o.Continuity)
		if err != nil {
			return cfg, referer, err
		}
		cfg.Continuity = mode
	}
	if o.MaxPartBytes != nil {
		cfg.MaxSegmentBytes = *o.MaxPartBytes
	}
	if o.MaxPartDuration != "" {
		d, err := time.ParseDuration(o.MaxPartDuration)
		if err != nil {
			return cfg, referer, fmt.Errorf("max_part_duration: %w", err)
		}
		cfg.MaxSegmentDuration = d
	}
	if o.InjectIndex != nil {
		cfg.InjectKeyframeIndex = *o.InjectIndex
	}
	if o.MinGatherUnits != nil {
		cfg.MinSegmentUnits = *o.MinGatherUnits
	}
	return cfg, referer, nil
}

// loadJobs reads a YAML job file and resolves every stream against the
// flag-level defaults. The returned concurrency is zero when the file
// does not set one.
func loadJobs(path string, base fix.Config, baseReferer, outDir string) ([]job, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("jobs: %w", err)
	}

	var file jobFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, 0, fmt.Errorf("jobs: parse %s: %w", path, err)
	}
	if len(file.Streams) == 0 {
		return nil, 0, fmt.Errorf("jobs: %s lists no streams", path)
	}
	if file.OutputDir != "" {
		outDir = file.OutputDir
	}

	defCfg, defReferer, err := file.Defaults.apply(base, baseReferer)
	if err != nil {
		return nil, 0, fmt.Errorf("jobs: defaults: %w", err)
	}

	seen := make(map[string]bool, len(file.Streams))
	jobs := make([]job, 0, len(file.Streams))
	for i, s := range file.Streams {
		if s.URL == "" {
			return nil, 0, fmt.Errorf("jobs: stream %d has no url", i+1)
		}
		cfg, referer, err := s.jobOverride.apply(defCfg, defReferer)
		if err != nil {
			return nil, 0, fmt.Errorf("jobs: stream %d: %w", i+1, err)
		}
		name := s.Name
		if name == "" {
			name = deriveName(s.URL)
		}
		if seen[name] {
			return nil, 0, fmt.Errorf("jobs: duplicate stream name %q", name)
		}
		seen[name] = true
		kind := s.Type
		if kind == "" {
			kind = detectKind(s.URL)
		}
		if kind != kindFLV && kind != kindHLS {
			return nil, 0, fmt.Errorf("jobs: stream %q: unknown type %q", name, s.Type)
		}
		jobs = append(jobs, job{
			Name:    name,
			URL:     s.URL,
			Kind:    kind,
			OutDir:  outDir,
			Referer: referer,
			Fix:     cfg,
		})
	}
	return jobs, file.Concurrency, nil
}
