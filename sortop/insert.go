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

	"golang.org/x/exp/slices"

	"github.com/flowbase/colexec/batch"
	"github.com/flowbase/colexec/pck"
	"github.com/flowbase/colexec/rowkey"
)

// keyEntry is one staged row's encoded key plus its location within
// the staging batch slice, pending the partial sort.
type keyEntry struct {
	key     []byte
	batchIx int
	rowIx   int
}

// Insert accepts one input batch into the staging buffer, flushing a
// new in-memory sorted run once the staged row count reaches
// Config.StagingRows.
//
// Reporting the resulting memory usage to Config.Mem must happen with
// s.mu NOT held: Manager.UpdateMemUsed may, on the same goroutine,
// call straight back into this operator's Spill method if it is the
// best spill candidate, and s.mu is not reentrant.
func (s *Sort) Insert(b batch.RecordBatch) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("sortop: insert: %w", err)
	}
	s.mu.Lock()
	if s.nonSpillable {
		s.mu.Unlock()
		return fmt.Errorf("sortop: insert: called after output already started")
	}
	if b.NumRows == 0 {
		s.mu.Unlock()
		return nil
	}
	s.staging = append(s.staging, b)
	s.stageRow += b.NumRows
	if s.stageRow >= s.cfg.StagingRows {
		if err := s.flushStagingLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	total := s.memUsedLocked()
	s.mu.Unlock()
	return s.reportMem(total)
}

// flushStagingLocked performs the partial-sort stage over whatever is
// currently staged. Callers must hold s.mu.
func (s *Sort) flushStagingLocked() error {
	if s.stageRow == 0 {
		return nil
	}
	s.metricsBaseline.StartCompute()
	defer s.metricsBaseline.StopCompute()

	staged := s.staging
	entries := make([]keyEntry, 0, s.stageRow)
	for bi, b := range staged {
		keyCols := make([]batch.Column, len(s.keyCols))
		for i, c := range s.keyCols {
			keyCols[i] = b.Columns[c]
		}
		for r := 0; r < b.NumRows; r++ {
			key, _ := s.codec.Encode(nil, keyCols, r)
			entries = append(entries, keyEntry{key: key, batchIx: bi, rowIx: r})
		}
	}

	// The sort may be unstable on equal keys: rows with equal encoded
	// keys may end up in any relative order, which no consumer
	// (package joinop included) depends on.
	slices.SortFunc(entries, func(a, b keyEntry) bool {
		return rowkey.Compare(a.key, b.key) < 0
	})
	if s.cfg.Limit > 0 && len(entries) > s.cfg.Limit {
		entries = entries[:s.cfg.Limit]
	}

	prunedStaged := make([]batch.RecordBatch, len(staged))
	for i, b := range staged {
		prunedStaged[i] = b.Project(s.prnCols)
	}

	pairs := make([]batch.Pair, len(entries))
	kw := pck.NewWriter()
	for i, e := range entries {
		pairs[i] = batch.Pair{Batch: e.batchIx, Row: e.rowIx}
		kw.Put(e.key)
	}
	prunedBatch := batch.Interleave(s.prnSchema, prunedStaged, pairs)

	r := &run{keyStream: kw.Bytes(), batch: prunedBatch, rows: len(entries)}
	s.runs = append(s.runs, r)

	s.staging = nil
	s.stageRow = 0

	return nil
}

// memUsedLocked recomputes this operator's total reported memory
// usage (staged batches plus in-memory runs; the estimate must never
// undercount), stores it, and returns it for the caller to hand to
// reportMem once s.mu is released. Callers must hold s.mu.
func (s *Sort) memUsedLocked() int64 {
	var total int64
	for _, b := range s.staging {
		total += batch.ApproxBytes(b)
	}
	for _, r := range s.runs {
		total += int64(len(r.keyStream)) + batch.ApproxBytes(r.batch)
	}
	s.memUsed = total
	return total
}

// reportMem tells the memory manager about a previously computed
// usage figure. Must be called with s.mu NOT held (see Insert's
// doc comment).
func (s *Sort) reportMem(total int64) error {
	if s.cfg.Mem == nil {
		return nil
	}
	if err := s.cfg.Mem.UpdateMemUsed(s, total); err != nil {
		return fmt.Errorf("sortop: reporting memory usage: %w", err)
	}
	return nil
}
