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

import (
	"reflect"
	"testing"
)

func int64Batch(schema Schema, values []int64) RecordBatch {
	return RecordBatch{Schema: schema, Columns: []Column{&Int64Column{Values: values}}, NumRows: len(values)}
}

func TestInterleaveMixedBatches(t *testing.T) {
	schema := Schema{Fields: []Field{{Name: "a", Type: Int64}}}
	b0 := int64Batch(schema, []int64{1, 2, 3})
	b1 := int64Batch(schema, []int64{10, 20})

	pairs := []Pair{{0, 2}, {1, 0}, {0, 0}, {1, 1}}
	out := Interleave(schema, []RecordBatch{b0, b1}, pairs)
	if out.NumRows != 4 {
		t.Fatalf("NumRows = %d, want 4", out.NumRows)
	}
	got := out.Columns[0].(*Int64Column).Values
	want := []int64{3, 10, 1, 20}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestInterleaveZeroColumns(t *testing.T) {
	schema := Schema{}
	b0 := RecordBatch{Schema: schema, NumRows: 5}
	out := Interleave(schema, []RecordBatch{b0}, []Pair{{0, 0}, {0, 1}, {0, 2}})
	if out.NumRows != 3 {
		t.Fatalf("NumRows = %d, want 3", out.NumRows)
	}
	if len(out.Columns) != 0 {
		t.Fatalf("expected zero columns, got %d", len(out.Columns))
	}
}

func TestBuilderNullRoundTrip(t *testing.T) {
	schema := Schema{Fields: []Field{{Name: "a", Type: Int64, Nullable: true}}}
	src := RecordBatch{
		Schema:  schema,
		Columns: []Column{&Int64Column{Valid: []bool{true, false, true}, Values: []int64{1, 0, 3}}},
		NumRows: 3,
	}
	out := Interleave(schema, []RecordBatch{src}, []Pair{{0, 1}, {0, 0}})
	col := out.Columns[0].(*Int64Column)
	if !col.IsNull(0) {
		t.Fatalf("row 0 should be null")
	}
	if col.IsNull(1) || col.Values[1] != 1 {
		t.Fatalf("row 1 should be non-null 1, got null=%v value=%d", col.IsNull(1), col.Values[1])
	}
}

func TestCoalescerFlushesAtTarget(t *testing.T) {
	schema := Schema{Fields: []Field{{Name: "a", Type: Int64}}}
	c := NewCoalescer(schema, 3)

	if _, ok := c.Push(int64Batch(schema, []int64{1, 2})); ok {
		t.Fatalf("should not flush yet")
	}
	out, ok := c.Push(int64Batch(schema, []int64{3, 4}))
	if !ok {
		t.Fatalf("should flush at >=3 rows")
	}
	if out.NumRows != 4 {
		t.Fatalf("NumRows = %d, want 4", out.NumRows)
	}
	if _, ok := c.Flush(); ok {
		t.Fatalf("nothing left to flush")
	}
}

func TestSentinelNullBatch(t *testing.T) {
	schema := Schema{Fields: []Field{{Name: "a", Type: Int64, Nullable: true}, {Name: "b", Type: String, Nullable: true}}}
	s := SentinelNull(schema)
	if s.NumRows != 1 {
		t.Fatalf("NumRows = %d, want 1", s.NumRows)
	}
	for i, c := range s.Columns {
		if !c.IsNull(0) {
			t.Fatalf("column %d should be null", i)
		}
	}
}
