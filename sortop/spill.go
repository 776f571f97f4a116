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
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/flowbase/colexec/batch"
	"github.com/flowbase/colexec/pck"
	"github.com/flowbase/colexec/spillstore"
)

// batchBuilder accumulates rows emitted from a merge, one source's
// pruned batch at a time, into sub-batches of a target size. It
// detects a source switching to a new underlying pruned batch by the
// "row index went back to 0" signal every source in this package
// (runSource, spillSource) upholds, rather than trying to compare
// batch.RecordBatch values for identity.
type batchBuilder struct {
	schema     batch.Schema
	targetRows int
	pending    []batch.RecordBatch
	curBatchOf map[int]int // source index -> index within pending
	lastRowOf  map[int]int // source index -> last emitted row index
	pairs      []batch.Pair
	kw         *pck.Writer
}

func newBatchBuilder(schema batch.Schema, targetRows int) *batchBuilder {
	if targetRows <= 0 {
		targetRows = 1
	}
	return &batchBuilder{
		schema:     schema,
		targetRows: targetRows,
		curBatchOf: make(map[int]int),
		lastRowOf:  make(map[int]int),
		kw:         pck.NewWriter(),
	}
}

// add records one emitted row. full reports whether the builder has
// reached its target size and should be drained.
func (bb *batchBuilder) add(srcIdx int, key []byte, b batch.RecordBatch, row int) (full bool) {
	_, seen := bb.lastRowOf[srcIdx]
	newBatch := !seen || row == 0
	bb.lastRowOf[srcIdx] = row

	idx, ok := bb.curBatchOf[srcIdx]
	if !ok || newBatch {
		bb.pending = append(bb.pending, b)
		idx = len(bb.pending) - 1
		bb.curBatchOf[srcIdx] = idx
	}
	bb.pairs = append(bb.pairs, batch.Pair{Batch: idx, Row: row})
	bb.kw.Put(key)
	return len(bb.pairs) >= bb.targetRows
}

func (bb *batchBuilder) empty() bool { return len(bb.pairs) == 0 }

// drain builds the accumulated rows into one RecordBatch over
// bb.schema plus their PCK-encoded key stream, and resets the builder
// for the next chunk.
func (bb *batchBuilder) drain() (batch.RecordBatch, []byte) {
	out := batch.Interleave(bb.schema, bb.pending, bb.pairs)
	keys := bb.kw.Bytes()
	bb.pending = nil
	bb.pairs = nil
	bb.curBatchOf = make(map[int]int)
	bb.kw = pck.NewWriter()
	return out, keys
}

// writeMergedSpill merges srcs (which mergeAll closes on return) into
// a freshly created Spill from store, chunked at subBatchRows rows
// per (batch, key) block pair, honoring limit (<=0 means unlimited).
func writeMergedSpill(store *spillstore.Store, schema batch.Schema, subBatchRows int, srcs []source, limit int) (*spillstore.Spill, int, error) {
	sp, err := store.Create()
	if err != nil {
		return nil, 0, fmt.Errorf("sortop: creating spill: %w", err)
	}
	bb := newBatchBuilder(schema, subBatchRows)
	rows := 0
	flush := func() error {
		if bb.empty() {
			return nil
		}
		b, keys := bb.drain()
		rows += b.NumRows
		if err := sp.WriteBlock(batch.Serialize(b)); err != nil {
			return fmt.Errorf("sortop: writing spill batch block: %w", err)
		}
		if err := sp.WriteBlock(keys); err != nil {
			return fmt.Errorf("sortop: writing spill key block: %w", err)
		}
		return nil
	}
	mergeErr := mergeAll(srcs, limit, func(srcIdx int, key []byte, b batch.RecordBatch, row int) error {
		full := bb.add(srcIdx, key, b, row)
		if full {
			return flush()
		}
		return nil
	})
	if mergeErr != nil {
		return nil, 0, mergeErr
	}
	if err := flush(); err != nil {
		return nil, 0, err
	}
	return sp, rows, nil
}

// spillRunsLocked turns the current in-memory runs into a level-0
// spill, then runs level compaction. Callers must hold s.mu.
func (s *Sort) spillRunsLocked() error {
	if err := s.flushStagingLocked(); err != nil {
		return err
	}
	if len(s.runs) == 0 {
		return nil
	}
	srcs := make([]source, len(s.runs))
	for i, r := range s.runs {
		srcs[i] = newRunSource(r)
	}
	sp, rows, err := writeMergedSpill(s.cfg.Store, s.prnSchema, s.cfg.SpillSubBatchRows, srcs, 0)
	if err != nil {
		return fmt.Errorf("sortop: spilling in-memory runs: %w", err)
	}
	s.metricsBaseline.AddSpill(sp.CompressedBytes())
	s.spills[0] = append(s.spills[0], &spillRun{spill: sp, level: 0, rows: rows})
	s.runs = nil
	s.spilled = true
	return s.compactLocked()
}

// compactLocked runs level compaction: while any level holds >=
// SpillMergingSize spills, those spills are merged into one spill at
// the next level, up to maxSpillLevels. Levels are compacted one at a
// time, lowest first, so a cascade (compacting level 0 pushes level 1
// over threshold too) is handled by this loop revisiting level+1 in
// the same pass rather than by recursion. Callers must hold s.mu.
func (s *Sort) compactLocked() error {
	for level := 0; level < maxSpillLevels; level++ {
		if len(s.spills[level]) < SpillMergingSize {
			continue
		}
		if err := s.compactLevelLocked(level); err != nil {
			return err
		}
	}
	return nil
}

// compactLevelLocked merges every spill currently at level into one
// new spill at level+1. It may itself push level+1 over threshold;
// the caller's compactLocked loop checks level+1 next, so cascades
// are handled by iteration rather than recursion.
// Opening each of toMerge's Readers is independent I/O, so it is
// fanned out across an errgroup before the single-threaded
// writeMergedSpill call.
func (s *Sort) compactLevelLocked(level int) error {
	toMerge := s.spills[level]
	s.spills[level] = nil
	if level+1 >= maxSpillLevels {
		return fmt.Errorf("sortop: spill level compaction exceeded %d levels", maxSpillLevels)
	}

	srcs := make([]source, len(toMerge))
	var g errgroup.Group
	for i, sr := range toMerge {
		i, sr := i, sr
		g.Go(func() error {
			src, err := newSpillSource(sr.spill, s.prnSchema)
			if err != nil {
				return fmt.Errorf("sortop: opening level-%d spill for compaction: %w", level, err)
			}
			srcs[i] = src
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	sp, rows, err := writeMergedSpill(s.cfg.Store, s.prnSchema, s.cfg.SpillSubBatchRows, srcs, 0)
	if err != nil {
		return fmt.Errorf("sortop: compacting level %d: %w", level, err)
	}
	s.metricsBaseline.AddSpill(sp.CompressedBytes())
	s.spills[level+1] = append(s.spills[level+1], &spillRun{spill: sp, level: level + 1, rows: rows})
	return nil
}

// Spill implements memmgr.Consumer: it is invoked by the Manager,
// possibly from another goroutine (including, synchronously, the same
// goroutine that is concurrently inside Insert reporting the usage
// increase that triggered this very call), to ask this operator to
// free memory immediately. s.mu serializes it against Insert; the
// operator itself does the serializing, not the caller. The
// memory-manager report that follows happens with s.mu released, for
// the same reentrancy reason documented on Insert.
func (s *Sort) Spill() error {
	s.mu.Lock()
	if s.nonSpillable {
		s.mu.Unlock()
		return fmt.Errorf("sortop: spill requested after output already started")
	}
	if err := s.spillRunsLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	total := s.memUsedLocked()
	s.mu.Unlock()
	return s.reportMem(total)
}
