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

import "fmt"

// RecordBatch is an ordered set of equal-length columns tagged with a
// schema. NumRows is tracked explicitly (rather than derived from
// Columns[0].Len()) so that a zero-column batch still carries a row
// count — needed when every projected column happens to be a sort or
// join key and gets pruned away (see sortop's run-pruning and
// joinop's semi/anti projections).
type RecordBatch struct {
	Schema  Schema
	Columns []Column
	NumRows int
}

// Validate checks the structural invariant that every column's length
// matches NumRows and its type matches the schema.
func (b RecordBatch) Validate() error {
	if len(b.Columns) != len(b.Schema.Fields) {
		return fmt.Errorf("batch: %d columns but schema has %d fields", len(b.Columns), len(b.Schema.Fields))
	}
	for i, c := range b.Columns {
		if c.Len() != b.NumRows {
			return fmt.Errorf("batch: column %q has %d rows, batch has %d", b.Schema.Fields[i].Name, c.Len(), b.NumRows)
		}
		if c.Type() != b.Schema.Fields[i].Type {
			return fmt.Errorf("batch: column %q has type %s, schema says %s", b.Schema.Fields[i].Name, c.Type(), b.Schema.Fields[i].Type)
		}
	}
	return nil
}

// Project returns a new batch retaining only the columns at idx, in
// the given order. The underlying column data is shared, not copied.
func (b RecordBatch) Project(idx []int) RecordBatch {
	cols := make([]Column, len(idx))
	for i, c := range idx {
		cols[i] = b.Columns[c]
	}
	return RecordBatch{Schema: b.Schema.Project(idx), Columns: cols, NumRows: b.NumRows}
}

// SentinelNull returns a one-row batch over schema with every column
// null. joinop's streamCursor keeps one of these at index
// 0 so that unmatched outer rows can be null-padded by interleaving
// against (0, 0) rather than branching on a nil batch.
func SentinelNull(schema Schema) RecordBatch {
	cols := make([]Column, len(schema.Fields))
	for i, f := range schema.Fields {
		bld := NewBuilder(f)
		bld.AppendNull()
		cols[i] = bld.Build()
	}
	return RecordBatch{Schema: schema, Columns: cols, NumRows: 1}
}
