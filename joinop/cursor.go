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
	"fmt"

	"github.com/flowbase/colexec/batch"
	"github.com/flowbase/colexec/operator"
)

// streamCursor is one side's position within its input stream.
// Batches are kept in a simple append-only arena (batches) addressed
// by integer index, with a sentinel all-null batch permanently
// resident at index 0 for null-padding unmatched rows
// (batch.SentinelNull); an index into a slice has no lifetime to get
// wrong the way a batch back-pointer would.
type streamCursor struct {
	schema batch.Schema
	encode func(b batch.RecordBatch, row int) (key []byte, hasNull bool)
	stream operator.RowStream

	batches []batch.RecordBatch
	keys    [][][]byte
	nulls   [][]bool

	batchIdx int
	rowIdx   int
	finished bool

	// minLiveBatch is the lowest batch index clearOutdated has not
	// yet reclaimed; entries below it in batches are zero-valued.
	minLiveBatch int
}

// sentinelPair addresses the permanent null row at batch index 0.
var sentinelPair = batch.Pair{Batch: 0, Row: 0}

func newStreamCursor(schema batch.Schema, encode func(batch.RecordBatch, int) ([]byte, bool), stream operator.RowStream) *streamCursor {
	sentinel := batch.SentinelNull(schema)
	return &streamCursor{
		schema:       schema,
		encode:       encode,
		stream:       stream,
		batches:      []batch.RecordBatch{sentinel},
		keys:         [][][]byte{{nil}},
		nulls:        [][]bool{{true}},
		batchIdx:     -1,
		rowIdx:       -1,
		minLiveBatch: 1,
	}
}

// advance moves the cursor to its next row, pulling a new batch from
// the underlying stream if the current one is exhausted. It returns
// ok=false once the stream is exhausted (c.finished is then true).
func (c *streamCursor) advance(ctx context.Context) (bool, error) {
	for {
		if c.batchIdx >= 0 {
			cur := c.batches[c.batchIdx]
			if c.rowIdx+1 < cur.NumRows {
				c.rowIdx++
				return true, nil
			}
		}
		b, ok, err := c.stream.Next(ctx)
		if err != nil {
			return false, fmt.Errorf("joinop: reading input: %w", err)
		}
		if !ok {
			c.finished = true
			return false, nil
		}
		if b.NumRows == 0 {
			continue
		}
		rowKeys := make([][]byte, b.NumRows)
		rowNulls := make([]bool, b.NumRows)
		for r := 0; r < b.NumRows; r++ {
			k, hasNull := c.encode(b, r)
			rowKeys[r] = k
			rowNulls[r] = hasNull
		}
		c.batches = append(c.batches, b)
		c.keys = append(c.keys, rowKeys)
		c.nulls = append(c.nulls, rowNulls)
		c.batchIdx = len(c.batches) - 1
		c.rowIdx = 0
		return true, nil
	}
}

// key returns the current row's encoded join key.
func (c *streamCursor) key() []byte { return c.keys[c.batchIdx][c.rowIdx] }

// hasNull reports whether the current row has a null in any join-key
// column. The join always treats null keys as unequal; there is no
// null-equals-null mode.
func (c *streamCursor) hasNull() bool { return c.nulls[c.batchIdx][c.rowIdx] }

// pair addresses the current row as a batch.Pair into c.batches.
func (c *streamCursor) pair() batch.Pair { return batch.Pair{Batch: c.batchIdx, Row: c.rowIdx} }

// liveBatches reports how many loaded batches (other than the
// sentinel) have not yet been reclaimed by clearOutdated.
func (c *streamCursor) liveBatches() int {
	return len(c.batches) - c.minLiveBatch
}

// clearOutdated discards every loaded batch strictly below
// minReserved: once a flush has materialized every pending row
// referencing a given batch, that batch's column data can be dropped,
// keeping the arena's live footprint bounded to the current equality
// window rather than the whole stream.
func (c *streamCursor) clearOutdated(minReserved int) {
	if minReserved > len(c.batches) {
		minReserved = len(c.batches)
	}
	for i := c.minLiveBatch; i < minReserved; i++ {
		c.batches[i] = batch.RecordBatch{}
		c.keys[i] = nil
		c.nulls[i] = nil
	}
	if minReserved > c.minLiveBatch {
		c.minLiveBatch = minReserved
	}
}

func (c *streamCursor) close() error { return c.stream.Close() }
