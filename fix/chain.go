package fix

import (
	"github.com/veldt/mend/media"
	"github.com/veldt/mend/pipeline"
)

// Chain assembles the repair operators for cfg in processing order.
// Order matters: reordering must settle sample order before timelines
// are joined, continuity needs the duplicate headers the normalizer
// would drop, timestamp repair expects a single coherent timeline, and
// indexing has to see the exact unit sequence the sink will write.
func Chain(ctx *pipeline.Context, cfg Config) []pipeline.Operator[media.Unit] {
	var ops []pipeline.Operator[media.Unit]
	if cfg.MinSegmentUnits > 0 {
		ops = append(ops, NewDefragment(ctx, cfg.MinSegmentUnits))
	}
	if cfg.ReorderDepth > 0 {
		ops = append(ops, NewReorder(ctx, cfg.ReorderDepth))
	}
	ops = append(ops,
		NewContinuity(ctx, cfg.Continuity),
		NewNormalize(ctx, cfg.InjectKeyframeIndex, cfg.IndexBudget),
		NewTimestampRepair(ctx, cfg.MaxTimestampGap),
		NewSplit(ctx, cfg.MaxSegmentBytes, cfg.MaxSegmentDuration),
	)
	if cfg.InjectKeyframeIndex {
		ops = append(ops, NewIndex(ctx))
	}
	return ops
}
