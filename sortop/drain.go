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
	"github.com/flowbase/colexec/spillstore"
)

// restoreBuilder is the output-side counterpart of batchBuilder: it
// accumulates merged rows, decoding each row's key columns back into
// real columns and interleaving the pruned, non-key columns alongside
// them at the positions the slot table dictates, producing one
// RecordBatch over the operator's output schema per target-size
// chunk.
type restoreBuilder struct {
	outSchema  Schema
	prnSchema  Schema
	slots      []slot
	keyFields  []batch.Field
	targetRows int

	prunedPending []batch.RecordBatch
	curBatchOf    map[int]int
	lastRowOf     map[int]int
	prunedPairs   []batch.Pair
	keyBuilders   []batch.Builder
	rows          int
}

func newRestoreBuilder(outSchema, prnSchema Schema, slots []slot, keyFields []batch.Field, targetRows int) *restoreBuilder {
	if targetRows <= 0 {
		targetRows = 1
	}
	rb := &restoreBuilder{
		outSchema:  outSchema,
		prnSchema:  prnSchema,
		slots:      slots,
		keyFields:  keyFields,
		targetRows: targetRows,
		curBatchOf: make(map[int]int),
		lastRowOf:  make(map[int]int),
	}
	rb.resetKeyBuilders()
	return rb
}

func (rb *restoreBuilder) resetKeyBuilders() {
	rb.keyBuilders = make([]batch.Builder, len(rb.keyFields))
	for i, f := range rb.keyFields {
		rb.keyBuilders[i] = batch.NewBuilder(f)
	}
}

// add records one merged row's pruned-batch position. The row's key
// columns are decoded separately by the caller (Sort.drain), directly
// into rb.keyBuilders, so this builder's only job here is tracking
// which pending pruned batch each row's non-key columns come from.
func (rb *restoreBuilder) add(srcIdx int, b batch.RecordBatch, row int) (full bool) {
	_, seen := rb.lastRowOf[srcIdx]
	newBatch := !seen || row == 0
	rb.lastRowOf[srcIdx] = row

	idx, ok := rb.curBatchOf[srcIdx]
	if !ok || newBatch {
		rb.prunedPending = append(rb.prunedPending, b)
		idx = len(rb.prunedPending) - 1
		rb.curBatchOf[srcIdx] = idx
	}
	rb.prunedPairs = append(rb.prunedPairs, batch.Pair{Batch: idx, Row: row})
	rb.rows++
	return rb.rows >= rb.targetRows
}

func (rb *restoreBuilder) empty() bool { return rb.rows == 0 }

func (rb *restoreBuilder) drain() batch.RecordBatch {
	prunedBatch := batch.Interleave(rb.prnSchema, rb.prunedPending, rb.prunedPairs)
	keyCols := make([]batch.Column, len(rb.keyBuilders))
	for i, b := range rb.keyBuilders {
		keyCols[i] = b.Build()
	}
	cols := make([]batch.Column, len(rb.slots))
	for i, sl := range rb.slots {
		if sl.Key {
			cols[i] = keyCols[sl.Index]
		} else {
			cols[i] = prunedBatch.Columns[sl.Index]
		}
	}
	out := batch.RecordBatch{Schema: rb.outSchema, Columns: cols, NumRows: rb.rows}

	rb.prunedPending = nil
	rb.prunedPairs = nil
	rb.curBatchOf = make(map[int]int)
	rb.rows = 0
	rb.resetKeyBuilders()
	return out
}

// drain is the output stage: flush any remaining staged/in-memory
// data, assemble the final set of sources (in-memory runs if no spill
// ever occurred, otherwise every spill across every level plus one
// last flush of whatever was still buffered), merge them via the
// shared k-way tournament loop, restore each row, and push
// recoalesced output batches onto cs.ch.
func (s *Sort) drain(ctx context.Context, cs *chanStream) error {
	s.mu.Lock()
	// non-spillable from here on: the merge below holds open cursors
	// that must not be reclaimed out from under it.
	s.nonSpillable = true
	if s.cfg.Mem != nil {
		s.cfg.Mem.SetSpillable(s, false)
	}

	var sources []source
	if !s.spilled {
		if err := s.flushStagingLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
		for _, r := range s.runs {
			sources = append(sources, newRunSource(r))
		}
	} else {
		if err := s.spillRunsLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
		for _, list := range s.spills {
			for _, sr := range list {
				src, err := newSpillSource(sr.spill, s.prnSchema)
				if err != nil {
					s.mu.Unlock()
					return err
				}
				sources = append(sources, src)
			}
		}
	}
	openReaders := len(sources)
	total := s.memUsed
	s.mu.Unlock()

	// Each open spill reader holds decompression buffers its spill's
	// own byte counters don't capture; account for them so reported
	// usage never undercounts (spillstore.ReaderOverhead).
	if s.spilled {
		if err := s.reportMem(total + int64(openReaders)*spillstore.ReaderOverhead); err != nil {
			return err
		}
	}

	rb := newRestoreBuilder(s.outSchema, s.prnSchema, s.slots, s.codec.Fields, s.cfg.SpillSubBatchRows)
	coalescer := batch.NewCoalescer(s.outSchema, s.cfg.OutputRows)

	flushChunk := func(b batch.RecordBatch) error {
		out, ok := coalescer.Push(b)
		if !ok {
			return nil
		}
		s.metricsBaseline.AddOutputRows(int64(out.NumRows))
		return s.sendOut(ctx, cs, out)
	}

	mergeErr := mergeAll(sources, s.cfg.Limit, func(srcIdx int, key []byte, b batch.RecordBatch, row int) error {
		select {
		case <-cs.abort:
			return errAborted
		default:
		}
		// Decode this row's key columns into the restore builder's
		// persistent per-field builders before recording the row, so
		// every key field ends up with exactly one value per emitted
		// row regardless of chunk boundaries.
		s.codec.Decode(key, rb.keyBuilders)
		if !rb.add(srcIdx, b, row) {
			return nil
		}
		chunk := rb.drain()
		return flushChunk(chunk)
	})
	// mergeAll closed every source on return, releasing the spill
	// files behind them; drop them from the spill map so a later
	// Close doesn't try to discard already-released spills.
	s.mu.Lock()
	s.spills = make(map[int][]*spillRun)
	s.runs = nil
	s.mu.Unlock()
	if mergeErr != nil {
		if errors.Is(mergeErr, errAborted) {
			return nil
		}
		return mergeErr
	}

	if !rb.empty() {
		if err := flushChunk(rb.drain()); err != nil {
			if errors.Is(err, errAborted) {
				return nil
			}
			return err
		}
	}
	if out, ok := coalescer.Flush(); ok {
		s.metricsBaseline.AddOutputRows(int64(out.NumRows))
		if err := s.sendOut(ctx, cs, out); err != nil {
			if errors.Is(err, errAborted) {
				return nil
			}
			return err
		}
	}
	return nil
}

// sendOut pushes b onto the output channel; elapsed time blocked on
// the send counts as poll time, not compute time.
func (s *Sort) sendOut(ctx context.Context, cs *chanStream, b batch.RecordBatch) error {
	s.metricsBaseline.StartPoll()
	defer s.metricsBaseline.StopPoll()
	select {
	case cs.ch <- b:
		return nil
	case <-cs.abort:
		return errAborted
	case <-ctx.Done():
		return fmt.Errorf("sortop: sending output: %w", ctx.Err())
	}
}
