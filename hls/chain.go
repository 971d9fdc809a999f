package hls

import (
	"time"

	"github.com/veldt/mend/pipeline"
)

// Config carries the tunables of one segment-level repair chain.
type Config struct {
	// MaxPartBytes splits output before a part grows past this size.
	// Zero disables size splits.
	MaxPartBytes int64

	// MaxPartDuration splits output before a part spans more than this.
	// Zero disables duration splits.
	MaxPartDuration time.Duration
}

// Chain assembles the segment-level operators in processing order.
// Splitting on encoding changes comes first so the limiter budgets the
// parts the splitter has already bounded.
func Chain(ctx *pipeline.Context, cfg Config) []pipeline.Operator[Unit] {
	ops := []pipeline.Operator[Unit]{NewDiscontinuitySplit(ctx)}
	if cfg.MaxPartBytes > 0 || cfg.MaxPartDuration > 0 {
		ops = append(ops, NewSegmentLimit(ctx, cfg.MaxPartBytes, cfg.MaxPartDuration))
	}
	return ops
}
