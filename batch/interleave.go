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

package batch

// Pair addresses a single row: the Batch-th element of the batches
// slice passed to Interleave, row Row within it.
type Pair struct {
	Batch int
	Row   int
}

// Interleave builds one RecordBatch over schema whose i-th row is
// batches[pairs[i].Batch].Row(pairs[i].Row). All batches must share a
// schema that is column-position-compatible with schema (same types
// at the same indices); this is the contract every caller in sortop
// and joinop upholds by construction.
//
// Mixed batch indices are the common case (a k-way merge or a join
// pulls adjacent rows from different batches), and the per-column
// Builder machinery handles them in one builder pass per column, not
// one batch copy per row.
func Interleave(schema Schema, batches []RecordBatch, pairs []Pair) RecordBatch {
	if len(schema.Fields) == 0 {
		return RecordBatch{Schema: schema, NumRows: len(pairs)}
	}
	cols := make([]Column, len(schema.Fields))
	for c := range schema.Fields {
		bld := NewBuilder(schema.Fields[c])
		for _, p := range pairs {
			bld.AppendFrom(batches[p.Batch].Columns[c], p.Row)
		}
		cols[c] = bld.Build()
	}
	return RecordBatch{Schema: schema, Columns: cols, NumRows: len(pairs)}
}
