// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package joinop

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowbase/colexec/batch"
	"github.com/flowbase/colexec/operator"
)

// Schema implements operator.Operator.
func (j *Join) Schema() batch.Schema { return j.outSchema }

// OutputPartitioning implements operator.Operator: a join's output
// partitioning is derived from the right child.
func (j *Join) OutputPartitioning() operator.Partitioning {
	if j.cfg.Right == nil {
		return operator.Partitioning{Partitions: 1, Description: "derived(right)"}
	}
	p := j.cfg.Right.OutputPartitioning()
	return operator.Partitioning{Partitions: p.Partitions, Description: "derived(right)"}
}

// OutputOrdering implements operator.Operator: the output of a join
// preserves the sort order of the left input for
// Inner/Left/LeftSemi/LeftAnti, of the right input for
// Right/RightSemi/RightAnti, and is unordered for Full. A key column
// that was pruned out of the corresponding projection contributes no
// entry, since ordering can't be claimed about a column the output
// doesn't carry.
func (j *Join) OutputOrdering() []operator.SortKey {
	switch j.cfg.Kind {
	case FullOuter:
		return nil
	case RightOuter:
		return j.orderingFor(func(k KeyExpr) int { return k.Right }, j.cfg.RightProjection, len(j.leftSchema.Fields))
	case RightSemi, RightAnti:
		// right-only output: the right columns start at position 0.
		return j.orderingFor(func(k KeyExpr) int { return k.Right }, j.cfg.RightProjection, 0)
	default:
		return j.orderingFor(func(k KeyExpr) int { return k.Left }, j.cfg.LeftProjection, 0)
	}
}

// orderingFor builds the SortKey list for whichever side's order this
// Kind preserves. offset shifts each projected position by the number
// of columns that precede it in the concatenated output schema
// (0 for a left-preserving kind; len(leftSchema.Fields) for
// RightOuter, whose output places the left columns first; 0 for
// RightSemi/RightAnti, whose output holds the right columns only).
func (j *Join) orderingFor(col func(KeyExpr) int, projection []int, offset int) []operator.SortKey {
	pos := make(map[int]int, len(projection))
	for i, p := range projection {
		pos[p] = i
	}
	var out []operator.SortKey
	for _, k := range j.cfg.On {
		c := col(k)
		if p, ok := pos[c]; ok {
			out = append(out, operator.SortKey{Column: offset + p, Ascending: k.Option.Ascending, NullsFirst: k.Option.NullsFirst})
		}
	}
	return out
}

// Children implements operator.Operator.
func (j *Join) Children() []operator.Operator {
	var out []operator.Operator
	if j.cfg.Left != nil {
		out = append(out, j.cfg.Left)
	}
	if j.cfg.Right != nil {
		out = append(out, j.cfg.Right)
	}
	return out
}

// WithNewChildren implements operator.Operator.
func (j *Join) WithNewChildren(children []operator.Operator) (operator.Operator, error) {
	if len(children) != 2 {
		return nil, fmt.Errorf("joinop: WithNewChildren: want 2 children, got %d", len(children))
	}
	cfg := j.cfg
	cfg.Left, cfg.Right = children[0], children[1]
	return New(cfg)
}

// Close releases the Join's resources: it deregisters from the
// memory manager. A Join holds no disk resources of its own.
func (j *Join) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if j.cfg.Mem != nil {
		j.cfg.Mem.Unregister(j)
	}
	return nil
}

// chanStream adapts the goroutine-driven producer below to the
// operator.RowStream pull contract, the same producer-goroutine
// pattern sortop uses: drop the receiver (Close) to cancel the
// producer.
type chanStream struct {
	ch     chan batch.RecordBatch
	errCh  chan error
	abort  chan struct{}
	closed bool
}

func (cs *chanStream) Next(ctx context.Context) (batch.RecordBatch, bool, error) {
	select {
	case b, ok := <-cs.ch:
		if !ok {
			select {
			case err := <-cs.errCh:
				return batch.RecordBatch{}, false, err
			default:
				return batch.RecordBatch{}, false, nil
			}
		}
		return b, true, nil
	case err := <-cs.errCh:
		return batch.RecordBatch{}, false, err
	case <-ctx.Done():
		return batch.RecordBatch{}, false, ctx.Err()
	}
}

func (cs *chanStream) Close() error {
	if !cs.closed {
		cs.closed = true
		close(cs.abort)
	}
	return nil
}

// Execute implements operator.Operator: it opens both child streams,
// then runs the merge loop on a background goroutine, pushing
// recoalesced output batches onto the returned stream.
func (j *Join) Execute(ctx context.Context, partition int) (operator.RowStream, error) {
	if j.cfg.Left == nil || j.cfg.Right == nil {
		return nil, fmt.Errorf("joinop: Execute: both child operators must be configured")
	}
	leftStream, err := j.cfg.Left.Execute(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("joinop: executing left child: %w", err)
	}
	rightStream, err := j.cfg.Right.Execute(ctx, partition)
	if err != nil {
		leftStream.Close()
		return nil, fmt.Errorf("joinop: executing right child: %w", err)
	}

	cs := &chanStream{
		ch:    make(chan batch.RecordBatch),
		errCh: make(chan error, 1),
		abort: make(chan struct{}),
	}

	left := newStreamCursor(j.cfg.LeftSchema, j.encodeLeft, leftStream)
	right := newStreamCursor(j.cfg.RightSchema, j.encodeRight, rightStream)

	go func() {
		defer close(cs.ch)
		defer left.close()
		defer right.close()
		if err := j.runToCompletion(ctx, left, right, cs); err != nil {
			cs.errCh <- err
		}
	}()

	return cs, nil
}

// ExecuteProjected implements operator.Operator's column-pruned
// variant by projecting each output batch after the fact, the same
// way sortop's ExecuteProjected does.
func (j *Join) ExecuteProjected(ctx context.Context, partition int, projection []int) (operator.RowStream, error) {
	inner, err := j.Execute(ctx, partition)
	if err != nil {
		return nil, err
	}
	return &projectedStream{inner: inner, projection: projection}, nil
}

type projectedStream struct {
	inner      operator.RowStream
	projection []int
}

func (p *projectedStream) Next(ctx context.Context) (batch.RecordBatch, bool, error) {
	b, ok, err := p.inner.Next(ctx)
	if !ok || err != nil {
		return batch.RecordBatch{}, ok, err
	}
	return b.Project(p.projection), true, nil
}

func (p *projectedStream) Close() error { return p.inner.Close() }

// runToCompletion drives the join's main loop and streams coalesced
// output onto cs.ch, honoring cancellation via cs.abort at the
// channel-send suspension point.
func (j *Join) runToCompletion(ctx context.Context, left, right *streamCursor, cs *chanStream) error {
	pb := newPairBuilder(j, left, right)
	coalescer := batch.NewCoalescer(j.outSchema, j.cfg.OutputRows)

	j.metricsBaseline.StartCompute()
	mergeErr := runJoin(ctx, j, left, right, pb, func(b batch.RecordBatch) error {
		j.metricsBaseline.StopCompute()
		defer j.metricsBaseline.StartCompute()

		select {
		case <-cs.abort:
			return errAborted
		default:
		}
		out, ok := coalescer.Push(b)
		if !ok {
			return nil
		}
		j.metricsBaseline.AddOutputRows(int64(out.NumRows))
		return j.sendOut(ctx, cs, out)
	})
	j.metricsBaseline.StopCompute()
	if mergeErr != nil {
		if errors.Is(mergeErr, errAborted) {
			return nil
		}
		return mergeErr
	}

	if out, ok := coalescer.Flush(); ok {
		j.metricsBaseline.AddOutputRows(int64(out.NumRows))
		if err := j.sendOut(ctx, cs, out); err != nil {
			if errors.Is(err, errAborted) {
				return nil
			}
			return err
		}
	}
	return nil
}

// sendOut pushes b onto the output channel; elapsed time here counts
// as poll time, not compute time.
func (j *Join) sendOut(ctx context.Context, cs *chanStream, b batch.RecordBatch) error {
	j.metricsBaseline.StartPoll()
	defer j.metricsBaseline.StopPoll()
	select {
	case cs.ch <- b:
		return nil
	case <-cs.abort:
		return errAborted
	case <-ctx.Done():
		return fmt.Errorf("joinop: sending output: %w", ctx.Err())
	}
}
