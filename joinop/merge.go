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
	"github.com/flowbase/colexec/rowkey"
)

// pairBuilder accumulates matched/unmatched (left, right) row
// addresses between flushes, applies the residual filter (if any) at
// flush time, and materializes the surviving pairs into one output
// RecordBatch.
//
// Filter is an opaque Go predicate over the two unprojected source
// batches, so it runs before any output batch is materialized at all;
// a pair the filter rejects never costs an interleave.
type pairBuilder struct {
	kind   Kind
	filter Filter

	leftCur, rightCur *streamCursor

	leftProjection, rightProjection []int
	leftOutSchema, rightOutSchema   batch.Schema
	outSchema                       batch.Schema

	targetRows int
	leftPairs  []batch.Pair
	rightPairs []batch.Pair
}

func newPairBuilder(j *Join, leftCur, rightCur *streamCursor) *pairBuilder {
	return &pairBuilder{
		kind:            j.cfg.Kind,
		filter:          j.cfg.Filter,
		leftCur:         leftCur,
		rightCur:        rightCur,
		leftProjection:  j.cfg.LeftProjection,
		rightProjection: j.cfg.RightProjection,
		leftOutSchema:   j.leftSchema,
		rightOutSchema:  j.rightSchema,
		outSchema:       j.outSchema,
		targetRows:      j.cfg.SubBatchRows,
	}
}

func (pb *pairBuilder) empty() bool { return len(pb.leftPairs) == 0 }
func (pb *pairBuilder) full() bool  { return len(pb.leftPairs) >= pb.targetRows }

// add records one output candidate: a matched (left,right) pair, or
// an unmatched row paired with sentinelPair on the other side.
func (pb *pairBuilder) add(left, right batch.Pair) {
	pb.leftPairs = append(pb.leftPairs, left)
	pb.rightPairs = append(pb.rightPairs, right)
}

// drain applies the residual filter (if configured) to the pending
// pairs and materializes the survivors into one RecordBatch over
// pb.outSchema, then resets the builder.
func (pb *pairBuilder) drain() (batch.RecordBatch, error) {
	lp, rp := pb.leftPairs, pb.rightPairs
	if pb.filter != nil {
		keepL := lp[:0:0]
		keepR := rp[:0:0]
		for i := range lp {
			lb := pb.leftCur.batches[lp[i].Batch]
			rb := pb.rightCur.batches[rp[i].Batch]
			ok, err := pb.filter(lb, rb, lp[i].Row, rp[i].Row)
			if err != nil {
				return batch.RecordBatch{}, fmt.Errorf("joinop: evaluating residual filter: %w", err)
			}
			if ok {
				keepL = append(keepL, lp[i])
				keepR = append(keepR, rp[i])
			}
		}
		lp, rp = keepL, keepR
	}

	var out batch.RecordBatch
	switch {
	case pb.kind.leftOnlyOutput():
		out = batch.Interleave(pb.leftOutSchema, projectBatches(pb.leftCur.batches, pb.leftProjection), lp)
	case pb.kind.rightOnlyOutput():
		out = batch.Interleave(pb.rightOutSchema, projectBatches(pb.rightCur.batches, pb.rightProjection), rp)
	default:
		leftOut := batch.Interleave(pb.leftOutSchema, projectBatches(pb.leftCur.batches, pb.leftProjection), lp)
		rightOut := batch.Interleave(pb.rightOutSchema, projectBatches(pb.rightCur.batches, pb.rightProjection), rp)
		cols := make([]batch.Column, 0, len(leftOut.Columns)+len(rightOut.Columns))
		cols = append(cols, leftOut.Columns...)
		cols = append(cols, rightOut.Columns...)
		out = batch.RecordBatch{Schema: pb.outSchema, Columns: cols, NumRows: len(lp)}
	}

	pb.leftPairs = nil
	pb.rightPairs = nil
	return out, nil
}

// projectBatches projects every batch in bs to idx. Cleared (zero
// value) entries are never referenced by a pending pair, by the
// flush-before-clear invariant runJoin upholds, so they're passed
// through unprojected rather than risking an out-of-range Project.
func projectBatches(bs []batch.RecordBatch, idx []int) []batch.RecordBatch {
	out := make([]batch.RecordBatch, len(bs))
	for i, b := range bs {
		if b.Columns == nil {
			continue
		}
		out[i] = b.Project(idx)
	}
	return out
}

// collectGroup gathers every row on cur with an encoded key equal to
// ref, starting from cur's current row (already positioned at an
// equal key by the caller), advancing cur past the group. It returns
// the collected pairs and whether cur still has a current row
// afterward (false once the stream is exhausted).
func collectGroup(ctx context.Context, cur *streamCursor, ref []byte) ([]batch.Pair, bool, error) {
	var pairs []batch.Pair
	for {
		pairs = append(pairs, cur.pair())
		ok, err := cur.advance(ctx)
		if err != nil {
			return pairs, false, err
		}
		if !ok {
			return pairs, false, nil
		}
		if !rowkey.Equal(cur.key(), ref) {
			return pairs, true, nil
		}
	}
}

// errAborted is returned internally by the merge loop when the output
// stream's Close has been called while a drain is still in flight; it
// is swallowed by the producing goroutine, never surfaced as a stream
// error.
var errAborted = errors.New("joinop: join aborted")

// runJoin drives the main loop: an equality-range state machine over
// two sorted cursors, emitting matched pairs (or unmatched rows, per
// Kind) into pb, flushing pb into coalesced output batches whenever
// it fills, whenever either side's live-batch count crosses
// cfg.LiveBatchLimit, or at end of input.
func runJoin(ctx context.Context, j *Join, left, right *streamCursor, pb *pairBuilder, emit func(batch.RecordBatch) error) error {
	lok, err := left.advance(ctx)
	if err != nil {
		return err
	}
	rok, err := right.advance(ctx)
	if err != nil {
		return err
	}

	flush := func() error {
		if pb.empty() {
			return nil
		}
		out, err := pb.drain()
		if err != nil {
			return err
		}
		if err := emit(out); err != nil {
			return err
		}
		// Reclaim every batch strictly below what's still referenced by
		// in-flight (post-flush, now empty) pair lists: since pb was
		// just drained, nothing is pending, so each cursor's own
		// current batch is the only one that must survive.
		left.clearOutdated(left.batchIdx)
		right.clearOutdated(right.batchIdx)
		return nil
	}

	maybeFlush := func() error {
		if pb.full() {
			return flush()
		}
		if !pb.empty() && (left.liveBatches() > j.cfg.LiveBatchLimit || right.liveBatches() > j.cfg.LiveBatchLimit) {
			return flush()
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("joinop: %w", ctx.Err())
		default:
		}

		switch {
		case !lok && !rok:
			if err := flush(); err != nil {
				return err
			}
			return nil
		case !lok:
			if j.cfg.Kind.wantsRightUnmatched() {
				pb.add(sentinelPair, right.pair())
			}
			rok, err = right.advance(ctx)
			if err != nil {
				return err
			}
		case !rok:
			if j.cfg.Kind.wantsLeftUnmatched() {
				pb.add(left.pair(), sentinelPair)
			}
			lok, err = left.advance(ctx)
			if err != nil {
				return err
			}
		default:
			lNull := left.hasNull()
			rNull := right.hasNull()
			cmp := rowkey.Compare(left.key(), right.key())
			equal := cmp == 0 && !lNull && !rNull

			switch {
			case equal:
				ref := append([]byte(nil), left.key()...)
				lGroup, lok2, lerr := collectGroup(ctx, left, ref)
				if lerr != nil {
					return lerr
				}
				rGroup, rok2, rerr := collectGroup(ctx, right, ref)
				if rerr != nil {
					return rerr
				}
				switch {
				case j.cfg.Kind.emitsMatches():
					for _, lp := range lGroup {
						for _, rp := range rGroup {
							pb.add(lp, rp)
						}
					}
				case j.cfg.Kind == LeftSemi:
					for _, lp := range lGroup {
						pb.add(lp, sentinelPair)
					}
				case j.cfg.Kind == RightSemi:
					for _, rp := range rGroup {
						pb.add(sentinelPair, rp)
					}
				default:
					// LeftAnti/RightAnti: matched rows are excluded.
				}
				lok, rok = lok2, rok2
			case cmp <= 0:
				// L<R, or a null-keyed tie resolved as "L never
				// matches" (null keys are always unequal).
				if j.cfg.Kind.wantsLeftUnmatched() {
					pb.add(left.pair(), sentinelPair)
				}
				lok, err = left.advance(ctx)
				if err != nil {
					return err
				}
			default:
				if j.cfg.Kind.wantsRightUnmatched() {
					pb.add(sentinelPair, right.pair())
				}
				rok, err = right.advance(ctx)
				if err != nil {
					return err
				}
			}
		}

		if err := maybeFlush(); err != nil {
			return err
		}
	}
}
