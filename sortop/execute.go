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

package sortop

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowbase/colexec/batch"
	"github.com/flowbase/colexec/operator"
)

// errAborted is returned internally by a merge callback when the
// output stream's Close has been called while a drain is still in
// flight; it is swallowed by the producing goroutine, never surfaced
// to the consumer.
var errAborted = errors.New("sortop: drain aborted")

// Schema implements operator.Operator.
func (s *Sort) Schema() batch.Schema { return s.outSchema }

// OutputPartitioning implements operator.Operator: a sort passes its
// child's partitioning through unchanged.
func (s *Sort) OutputPartitioning() operator.Partitioning {
	partitions := 1
	if s.cfg.Child != nil {
		partitions = s.cfg.Child.OutputPartitioning().Partitions
	}
	return operator.Partitioning{Partitions: partitions, Description: "passthrough(child)"}
}

// OutputOrdering implements operator.Operator: the configured sort
// expressions are, by construction, the operator's output ordering.
// Each key is reported at its column's position in the output schema;
// the list ends at the first key whose column is not projected.
func (s *Sort) OutputOrdering() []operator.SortKey {
	pos := make(map[int]int, len(s.slots))
	for p, sl := range s.slots {
		if sl.Key {
			pos[sl.Index] = p
		}
	}
	var out []operator.SortKey
	for i, k := range s.cfg.Keys {
		p, ok := pos[i]
		if !ok {
			break
		}
		out = append(out, operator.SortKey{Column: p, Ascending: k.Option.Ascending, NullsFirst: k.Option.NullsFirst})
	}
	return out
}

// Children implements operator.Operator.
func (s *Sort) Children() []operator.Operator {
	if s.cfg.Child == nil {
		return nil
	}
	return []operator.Operator{s.cfg.Child}
}

// WithNewChildren implements operator.Operator.
func (s *Sort) WithNewChildren(children []operator.Operator) (operator.Operator, error) {
	if len(children) != 1 {
		return nil, fmt.Errorf("sortop: WithNewChildren: want 1 child, got %d", len(children))
	}
	cfg := s.cfg
	cfg.Child = children[0]
	return New(cfg)
}

// Close releases this operator's resources: it deregisters from the
// memory manager and discards any spills still on disk that were
// never fully drained.
func (s *Sort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cfg.Mem != nil {
		s.cfg.Mem.Unregister(s)
	}
	var firstErr error
	for _, list := range s.spills {
		for _, sr := range list {
			if err := sr.spill.Discard(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	s.spills = nil
	s.runs = nil
	return firstErr
}

// chanStream adapts the goroutine-driven producer below to the
// operator.RowStream pull contract: a producing goroutine plus a
// channel, where dropping the receiver cancels the producer.
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

// Execute implements operator.Operator. It pulls every batch from the
// child stream, running the full insert-and-possibly-spill pipeline,
// then returns a stream that lazily drains the merged, restored,
// recoalesced output.
func (s *Sort) Execute(ctx context.Context, partition int) (operator.RowStream, error) {
	if s.cfg.Child == nil {
		return nil, fmt.Errorf("sortop: Execute: no child operator configured")
	}
	childStream, err := s.cfg.Child.Execute(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("sortop: executing child: %w", err)
	}

	cs := &chanStream{
		ch:    make(chan batch.RecordBatch),
		errCh: make(chan error, 1),
		abort: make(chan struct{}),
	}

	go func() {
		defer close(cs.ch)
		if err := s.runToCompletion(ctx, childStream, cs); err != nil {
			cs.errCh <- err
		}
	}()

	return cs, nil
}

// ExecuteProjected implements operator.Operator's column-pruned
// variant by projecting each output batch after the fact; since
// RecordBatch.Project shares underlying column storage, this costs no
// extra copying, and projecting Execute's output externally produces
// byte-identical batches to calling ExecuteProjected directly.
func (s *Sort) ExecuteProjected(ctx context.Context, partition int, projection []int) (operator.RowStream, error) {
	inner, err := s.Execute(ctx, partition)
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

// runToCompletion drives the whole sort: pull every child batch
// (inserting and spilling as staging fills), then merge and restore
// the result into cs.ch, honoring cancellation via cs.abort at the
// channel-send suspension point.
func (s *Sort) runToCompletion(ctx context.Context, in operator.RowStream, cs *chanStream) error {
	defer in.Close()
	for {
		s.metricsBaseline.StartPoll()
		b, ok, err := in.Next(ctx)
		s.metricsBaseline.StopPoll()
		if err != nil {
			return fmt.Errorf("sortop: reading input: %w", err)
		}
		if !ok {
			break
		}
		s.metricsBaseline.AddDataSize(batch.ApproxBytes(b))
		if err := s.Insert(b); err != nil {
			return err
		}
		select {
		case <-cs.abort:
			return nil
		default:
		}
	}
	return s.drain(ctx, cs)
}
