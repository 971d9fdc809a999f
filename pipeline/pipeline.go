// Package pipeline provides the operator-chain framework the repair stages
// run in: an ordered list of single-responsibility operators feeding a
// terminal sink, with per-run context, defect statistics, and flush
// semantics that drain lookahead buffers through the stages downstream of
// them. The framework is generic over the unit type so tag-level and
// segment-level chains share it.
package pipeline

import "fmt"

// Operator is one transformation stage. Process consumes a unit and
// returns zero or more output units; Flush drains any internal buffering
// at end of input. Operators own their private state and must not reach
// into another stage's.
type Operator[T any] interface {
	Process(unit T) ([]T, error)
	Flush() ([]T, error)
	Name() string
}

// Sink consumes the corrected unit sequence at the end of the chain.
// Accepting an interface here keeps the framework independent of what the
// terminal stage does with units (file writing, collection in tests).
type Sink[T any] interface {
	Write(unit T) error
	Close() error
}

// Pipeline composes operators in declared order. Order is significant:
// later stages depend on invariants established by earlier ones.
type Pipeline[T any] struct {
	ctx  *Context
	ops  []Operator[T]
	sink Sink[T]
}

// New creates a Pipeline over the given sink. The context is shared with
// the operators, which receive it at construction time.
func New[T any](ctx *Context, sink Sink[T], ops ...Operator[T]) *Pipeline[T] {
	return &Pipeline[T]{ctx: ctx, ops: ops, sink: sink}
}

// Context returns the per-run context owned by this pipeline.
func (p *Pipeline[T]) Context() *Context { return p.ctx }

// Process pushes one input unit through every stage and writes whatever
// reaches the end to the sink. A non-nil error is fatal for the stream and
// carries the failing operator and the input unit's sequence index.
func (p *Pipeline[T]) Process(unit T) error {
	seq := p.ctx.nextSeq()
	p.ctx.Stats.UnitsIn.Add(1)
	return p.feed(0, []T{unit}, seq)
}

// Flush drains every operator in declared order. Stage i's flush output
// still traverses stages i+1..n, so buffered units receive all downstream
// corrections before reaching the sink.
func (p *Pipeline[T]) Flush() error {
	seq := p.ctx.Sequence()
	for i, op := range p.ops {
		outs, err := op.Flush()
		if err != nil {
			return &ProcessError{Op: op.Name(), Seq: seq, Err: err}
		}
		if err := p.feed(i+1, outs, seq); err != nil {
			return err
		}
	}
	return nil
}

// feed runs units through stages[from:] and the sink.
func (p *Pipeline[T]) feed(from int, units []T, seq uint64) error {
	for i := from; i < len(p.ops); i++ {
		if len(units) == 0 {
			return nil
		}
		op := p.ops[i]
		next := make([]T, 0, len(units))
		for _, u := range units {
			outs, err := op.Process(u)
			if err != nil {
				return &ProcessError{Op: op.Name(), Seq: seq, Err: err}
			}
			next = append(next, outs...)
		}
		units = next
	}
	for _, u := range units {
		if err := p.sink.Write(u); err != nil {
			return fmt.Errorf("pipeline %s: sink: %w", p.ctx.Name, err)
		}
		p.ctx.Stats.UnitsOut.Add(1)
	}
	return nil
}
