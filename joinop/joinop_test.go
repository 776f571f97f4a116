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
	"testing"

	"github.com/flowbase/colexec/batch"
	"github.com/flowbase/colexec/operator"
	"github.com/flowbase/colexec/rowkey"
)

var leftTestSchema = batch.Schema{Fields: []batch.Field{
	{Name: "k", Type: batch.Int64},
	{Name: "lv", Type: batch.Int64},
}}

var rightTestSchema = batch.Schema{Fields: []batch.Field{
	{Name: "k", Type: batch.Int64},
	{Name: "rv", Type: batch.Int64},
}}

func intBatch(schema batch.Schema, k, v []int64) batch.RecordBatch {
	return batch.RecordBatch{
		Schema:  schema,
		Columns: []batch.Column{&batch.Int64Column{Values: k}, &batch.Int64Column{Values: v}},
		NumRows: len(k),
	}
}

// intBatchNullableKey builds a two-column batch like intBatch, but
// with a validity bitmap on the key column (valid[i]==false means row
// i's key is null).
func intBatchNullableKey(schema batch.Schema, k []int64, valid []bool, v []int64) batch.RecordBatch {
	return batch.RecordBatch{
		Schema:  schema,
		Columns: []batch.Column{&batch.Int64Column{Values: k, Valid: valid}, &batch.Int64Column{Values: v}},
		NumRows: len(k),
	}
}

type fixedSource struct {
	schema  batch.Schema
	batches []batch.RecordBatch
}

func (f *fixedSource) Schema() batch.Schema                      { return f.schema }
func (f *fixedSource) OutputPartitioning() operator.Partitioning { return operator.Partitioning{Partitions: 1} }
func (f *fixedSource) OutputOrdering() []operator.SortKey        { return nil }
func (f *fixedSource) Children() []operator.Operator             { return nil }
func (f *fixedSource) WithNewChildren(children []operator.Operator) (operator.Operator, error) {
	return f, nil
}
func (f *fixedSource) Execute(ctx context.Context, partition int) (operator.RowStream, error) {
	return &fixedStream{batches: f.batches}, nil
}
func (f *fixedSource) ExecuteProjected(ctx context.Context, partition int, projection []int) (operator.RowStream, error) {
	return &fixedStream{batches: f.batches, projection: projection}, nil
}

type fixedStream struct {
	batches    []batch.RecordBatch
	projection []int
	i          int
}

func (s *fixedStream) Next(ctx context.Context) (batch.RecordBatch, bool, error) {
	if s.i >= len(s.batches) {
		return batch.RecordBatch{}, false, nil
	}
	b := s.batches[s.i]
	s.i++
	if s.projection != nil {
		b = b.Project(s.projection)
	}
	return b, true, nil
}
func (s *fixedStream) Close() error { return nil }

func drainAll(t *testing.T, rs operator.RowStream) []batch.RecordBatch {
	t.Helper()
	var out []batch.RecordBatch
	for {
		b, ok, err := rs.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		out = append(out, b)
	}
	if err := rs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return out
}

func int64Col(batches []batch.RecordBatch, col int) []int64 {
	var out []int64
	for _, b := range batches {
		out = append(out, b.Columns[col].(*batch.Int64Column).Values...)
	}
	return out
}

func newTestJoin(t *testing.T, cfg Config) *Join {
	t.Helper()
	j, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return j
}

func basicCfg(left, right operator.Operator, kind Kind) Config {
	return Config{
		LeftSchema:      leftTestSchema,
		RightSchema:     rightTestSchema,
		On:              []KeyExpr{{Left: 0, Right: 0, Option: rowkey.Option{Ascending: true}}},
		Kind:            kind,
		LeftProjection:  []int{0, 1},
		RightProjection: []int{0, 1},
		Left:            left,
		Right:           right,
	}
}

func TestNewConstructionErrors(t *testing.T) {
	left := &fixedSource{schema: leftTestSchema}
	right := &fixedSource{schema: rightTestSchema}
	cases := []struct {
		name string
		cfg  Config
	}{
		{"no keys", Config{LeftSchema: leftTestSchema, RightSchema: rightTestSchema, Left: left, Right: right}},
		{"left key out of range", Config{
			LeftSchema: leftTestSchema, RightSchema: rightTestSchema,
			On: []KeyExpr{{Left: 9, Right: 0}}, Left: left, Right: right,
		}},
		{"right key out of range", Config{
			LeftSchema: leftTestSchema, RightSchema: rightTestSchema,
			On: []KeyExpr{{Left: 0, Right: 9}}, Left: left, Right: right,
		}},
		{"projection out of range", func() Config {
			c := basicCfg(left, right, Inner)
			c.LeftProjection = []int{9}
			return c
		}()},
		{"filter with left semi", func() Config {
			c := basicCfg(left, right, LeftSemi)
			c.Filter = func(l, r batch.RecordBatch, li, ri int) (bool, error) { return true, nil }
			return c
		}()},
		{"filter with right anti", func() Config {
			c := basicCfg(left, right, RightAnti)
			c.Filter = func(l, r batch.RecordBatch, li, ri int) (bool, error) { return true, nil }
			return c
		}()},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := New(c.cfg); err == nil {
				t.Fatalf("expected an error, got nil")
			}
		})
	}
}

// TestInnerEquiJoin checks a straightforward inner equi-join: every
// match is produced and no spurious row appears.
func TestInnerEquiJoin(t *testing.T) {
	left := &fixedSource{schema: leftTestSchema, batches: []batch.RecordBatch{
		intBatch(leftTestSchema, []int64{1, 2, 3}, []int64{10, 20, 30}),
	}}
	right := &fixedSource{schema: rightTestSchema, batches: []batch.RecordBatch{
		intBatch(rightTestSchema, []int64{2, 3, 4}, []int64{200, 300, 400}),
	}}
	j := newTestJoin(t, basicCfg(left, right, Inner))

	rs, err := j.Execute(context.Background(), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := drainAll(t, rs)
	gotK := int64Col(out, 0)
	gotLV := int64Col(out, 1)
	gotRV := int64Col(out, 3)
	wantK := []int64{2, 3}
	wantLV := []int64{20, 30}
	wantRV := []int64{200, 300}
	if len(gotK) != len(wantK) {
		t.Fatalf("got %d rows, want %d: k=%v", len(gotK), len(wantK), gotK)
	}
	for i := range wantK {
		if gotK[i] != wantK[i] || gotLV[i] != wantLV[i] || gotRV[i] != wantRV[i] {
			t.Fatalf("row %d: got (k=%d,lv=%d,rv=%d), want (k=%d,lv=%d,rv=%d)",
				i, gotK[i], gotLV[i], gotRV[i], wantK[i], wantLV[i], wantRV[i])
		}
	}
}

// TestLeftOuterUnmatched checks that unmatched left rows are
// null-padded on the right and the left input's order is preserved.
func TestLeftOuterUnmatched(t *testing.T) {
	left := &fixedSource{schema: leftTestSchema, batches: []batch.RecordBatch{
		intBatch(leftTestSchema, []int64{1, 2, 3}, []int64{10, 20, 30}),
	}}
	right := &fixedSource{schema: rightTestSchema, batches: []batch.RecordBatch{
		intBatch(rightTestSchema, []int64{2}, []int64{200}),
	}}
	j := newTestJoin(t, basicCfg(left, right, LeftOuter))

	rs, err := j.Execute(context.Background(), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := drainAll(t, rs)
	if len(out) != 1 {
		t.Fatalf("got %d batches, want 1", len(out))
	}
	b := out[0]
	if b.NumRows != 3 {
		t.Fatalf("got %d rows, want 3", b.NumRows)
	}
	gotK := int64Col(out, 0)
	wantK := []int64{1, 2, 3}
	for i := range wantK {
		if gotK[i] != wantK[i] {
			t.Fatalf("row %d: got k=%d, want %d (full %v)", i, gotK[i], wantK[i], gotK)
		}
	}
	rightKeyCol := b.Columns[2].(*batch.Int64Column)
	if rightKeyCol.IsNull(0) != true || rightKeyCol.IsNull(1) != false || rightKeyCol.IsNull(2) != true {
		t.Fatalf("unmatched rows should have a null right key: nulls=%v,%v,%v", rightKeyCol.IsNull(0), rightKeyCol.IsNull(1), rightKeyCol.IsNull(2))
	}
}

// TestInnerJoinNullKeysExcluded checks that rows with a null join
// key never match, not even another null on the other side.
func TestInnerJoinNullKeysExcluded(t *testing.T) {
	left := &fixedSource{schema: leftTestSchema, batches: []batch.RecordBatch{
		intBatchNullableKey(leftTestSchema, []int64{0, 1}, []bool{false, true}, []int64{99, 10}),
	}}
	right := &fixedSource{schema: rightTestSchema, batches: []batch.RecordBatch{
		intBatchNullableKey(rightTestSchema, []int64{0, 1}, []bool{false, true}, []int64{88, 100}),
	}}
	cfg := basicCfg(left, right, Inner)
	// both inputs hold their null key first, so they are sorted nulls-first.
	cfg.On[0].Option.NullsFirst = true
	j := newTestJoin(t, cfg)

	rs, err := j.Execute(context.Background(), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := drainAll(t, rs)
	gotK := int64Col(out, 0)
	if len(gotK) != 1 || gotK[0] != 1 {
		t.Fatalf("got k=%v, want exactly [1] (null keys must never match)", gotK)
	}
}

// TestRightOuterPreservesRightOrder checks that a multi-batch right
// outer join emits every right row in the right input's sort order,
// with matched left rows inline and unmatched rights null-padded on
// the left (left keys [2,4,6,6,8] across two batches, right keys
// [3,4,5,6,6,7,9] across two batches).
func TestRightOuterPreservesRightOrder(t *testing.T) {
	left := &fixedSource{schema: leftTestSchema, batches: []batch.RecordBatch{
		intBatch(leftTestSchema, []int64{2, 4, 6}, []int64{20, 40, 60}),
		intBatch(leftTestSchema, []int64{6, 8}, []int64{61, 80}),
	}}
	right := &fixedSource{schema: rightTestSchema, batches: []batch.RecordBatch{
		intBatch(rightTestSchema, []int64{3, 4, 5, 6}, []int64{300, 400, 500, 600}),
		intBatch(rightTestSchema, []int64{6, 7, 9}, []int64{601, 700, 900}),
	}}
	j := newTestJoin(t, basicCfg(left, right, RightOuter))

	rs, err := j.Execute(context.Background(), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := drainAll(t, rs)
	gotRK := int64Col(out, 2)
	// the two left 6s each match the two right 6s: four pairs.
	wantRK := []int64{3, 4, 5, 6, 6, 6, 6, 7, 9}
	if len(gotRK) != len(wantRK) {
		t.Fatalf("got %d rows, want %d: %v", len(gotRK), len(wantRK), gotRK)
	}
	for i := range wantRK {
		if gotRK[i] != wantRK[i] {
			t.Fatalf("row %d: got right-k=%d, want %d (full %v)", i, gotRK[i], wantRK[i], gotRK)
		}
	}
	// unmatched right rows carry a null left side.
	var nullLeft int
	for _, b := range out {
		lk := b.Columns[0]
		for r := 0; r < b.NumRows; r++ {
			if lk.IsNull(r) {
				nullLeft++
			}
		}
	}
	if nullLeft != 4 {
		t.Fatalf("got %d null-padded rows, want 4 (rights 3, 5, 7, 9)", nullLeft)
	}
}

// TestLeftSemiOnlyEmitsLeftColumns covers the Semi-join output-schema
// narrowing and its membership semantics.
func TestLeftSemiOnlyEmitsLeftColumns(t *testing.T) {
	left := &fixedSource{schema: leftTestSchema, batches: []batch.RecordBatch{
		intBatch(leftTestSchema, []int64{1, 2, 3}, []int64{10, 20, 30}),
	}}
	right := &fixedSource{schema: rightTestSchema, batches: []batch.RecordBatch{
		intBatch(rightTestSchema, []int64{2, 3}, []int64{200, 300}),
	}}
	cfg := basicCfg(left, right, LeftSemi)
	j := newTestJoin(t, cfg)
	if len(j.Schema().Fields) != 2 {
		t.Fatalf("LeftSemi output schema should have exactly the left projection's 2 fields, got %d", len(j.Schema().Fields))
	}
	rs, err := j.Execute(context.Background(), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := drainAll(t, rs)
	gotK := int64Col(out, 0)
	want := []int64{2, 3}
	if len(gotK) != len(want) {
		t.Fatalf("got k=%v, want %v", gotK, want)
	}
	for i := range want {
		if gotK[i] != want[i] {
			t.Fatalf("row %d: got %d, want %d", i, gotK[i], want[i])
		}
	}
}

// TestLeftAntiExcludesMatches checks the complement of Semi: only
// left rows with no matching right key survive.
func TestLeftAntiExcludesMatches(t *testing.T) {
	left := &fixedSource{schema: leftTestSchema, batches: []batch.RecordBatch{
		intBatch(leftTestSchema, []int64{1, 2, 3}, []int64{10, 20, 30}),
	}}
	right := &fixedSource{schema: rightTestSchema, batches: []batch.RecordBatch{
		intBatch(rightTestSchema, []int64{2}, []int64{200}),
	}}
	j := newTestJoin(t, basicCfg(left, right, LeftAnti))
	rs, err := j.Execute(context.Background(), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := drainAll(t, rs)
	gotK := int64Col(out, 0)
	want := []int64{1, 3}
	if len(gotK) != len(want) {
		t.Fatalf("got k=%v, want %v", gotK, want)
	}
	for i := range want {
		if gotK[i] != want[i] {
			t.Fatalf("row %d: got %d, want %d", i, gotK[i], want[i])
		}
	}
}

// TestResidualFilter checks that matched pairs satisfying a residual
// predicate beyond the equijoin condition are all kept.
func TestResidualFilter(t *testing.T) {
	left := &fixedSource{schema: leftTestSchema, batches: []batch.RecordBatch{
		intBatch(leftTestSchema, []int64{1, 2}, []int64{10, 25}),
	}}
	right := &fixedSource{schema: rightTestSchema, batches: []batch.RecordBatch{
		intBatch(rightTestSchema, []int64{1, 2}, []int64{5, 5}),
	}}
	cfg := basicCfg(left, right, Inner)
	cfg.Filter = func(l, r batch.RecordBatch, li, ri int) (bool, error) {
		lv := l.Columns[1].(*batch.Int64Column).Values[li]
		rv := r.Columns[1].(*batch.Int64Column).Values[ri]
		return lv > rv, nil
	}
	j := newTestJoin(t, cfg)
	rs, err := j.Execute(context.Background(), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := drainAll(t, rs)
	gotK := int64Col(out, 0)
	want := []int64{1, 2}
	if len(gotK) != len(want) {
		t.Fatalf("got k=%v, want %v (both rows pass lv>rv)", gotK, want)
	}
}

// TestColumnPruningInvariance checks that projecting Execute's
// output and calling ExecuteProjected directly agree exactly.
func TestColumnPruningInvariance(t *testing.T) {
	newJoin := func() (*Join, *fixedSource, *fixedSource) {
		left := &fixedSource{schema: leftTestSchema, batches: []batch.RecordBatch{
			intBatch(leftTestSchema, []int64{1, 2, 3}, []int64{10, 20, 30}),
		}}
		right := &fixedSource{schema: rightTestSchema, batches: []batch.RecordBatch{
			intBatch(rightTestSchema, []int64{2, 3}, []int64{200, 300}),
		}}
		j := newTestJoin(t, basicCfg(left, right, Inner))
		return j, left, right
	}

	j1, _, _ := newJoin()
	rs1, err := j1.Execute(context.Background(), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	full := drainAll(t, rs1)
	var projected []batch.RecordBatch
	for _, b := range full {
		projected = append(projected, b.Project([]int{1, 3}))
	}

	j2, _, _ := newJoin()
	rs2, err := j2.ExecuteProjected(context.Background(), 0, []int{1, 3})
	if err != nil {
		t.Fatalf("ExecuteProjected: %v", err)
	}
	direct := drainAll(t, rs2)

	gotLV := int64Col(projected, 0)
	wantLV := int64Col(direct, 0)
	if len(gotLV) != len(wantLV) {
		t.Fatalf("got %d rows, want %d", len(gotLV), len(wantLV))
	}
	for i := range wantLV {
		if gotLV[i] != wantLV[i] {
			t.Fatalf("row %d: got lv=%d, want %d", i, gotLV[i], wantLV[i])
		}
	}
}

// TestOutputOrderingOmitsPrunedKey checks that OutputOrdering reports
// the left-preserving key only when the left projection still carries
// that column.
func TestOutputOrderingOmitsPrunedKey(t *testing.T) {
	left := &fixedSource{schema: leftTestSchema}
	right := &fixedSource{schema: rightTestSchema}
	cfg := basicCfg(left, right, Inner)
	cfg.LeftProjection = []int{1} // drop the key column from output
	j := newTestJoin(t, cfg)
	if ord := j.OutputOrdering(); len(ord) != 0 {
		t.Fatalf("OutputOrdering = %v, want empty (key column pruned from output)", ord)
	}
}

// TestFullOuterEmitsBothUnmatchedSides checks that a full join
// null-pads in both directions.
func TestFullOuterEmitsBothUnmatchedSides(t *testing.T) {
	left := &fixedSource{schema: leftTestSchema, batches: []batch.RecordBatch{
		intBatch(leftTestSchema, []int64{1, 2}, []int64{10, 20}),
	}}
	right := &fixedSource{schema: rightTestSchema, batches: []batch.RecordBatch{
		intBatch(rightTestSchema, []int64{2, 3}, []int64{200, 300}),
	}}
	j := newTestJoin(t, basicCfg(left, right, FullOuter))
	rs, err := j.Execute(context.Background(), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := drainAll(t, rs)
	if len(out) != 1 || out[0].NumRows != 3 {
		t.Fatalf("want 1 batch of 3 rows, got %v", out)
	}
	b := out[0]
	leftK := b.Columns[0].(*batch.Int64Column)
	rightK := b.Columns[2].(*batch.Int64Column)
	// merge order: left-only 1, matched 2, right-only 3.
	if leftK.IsNull(0) || leftK.Values[0] != 1 || !rightK.IsNull(0) {
		t.Fatalf("row 0: want (1, null), got (%v, %v)", leftK.Values[0], rightK.IsNull(0))
	}
	if leftK.Values[1] != 2 || rightK.Values[1] != 2 || leftK.IsNull(1) || rightK.IsNull(1) {
		t.Fatalf("row 1: want (2, 2)")
	}
	if !leftK.IsNull(2) || rightK.IsNull(2) || rightK.Values[2] != 3 {
		t.Fatalf("row 2: want (null, 3)")
	}
}

// TestRightSemiEmitsEachMatchedRightRowOnce checks that RightSemi
// output is right-side-only and one row per matched right row, not
// one per matching pair.
func TestRightSemiEmitsEachMatchedRightRowOnce(t *testing.T) {
	left := &fixedSource{schema: leftTestSchema, batches: []batch.RecordBatch{
		intBatch(leftTestSchema, []int64{2, 2, 3}, []int64{10, 11, 30}),
	}}
	right := &fixedSource{schema: rightTestSchema, batches: []batch.RecordBatch{
		intBatch(rightTestSchema, []int64{1, 2, 2, 4}, []int64{100, 200, 201, 400}),
	}}
	j := newTestJoin(t, basicCfg(left, right, RightSemi))
	if len(j.Schema().Fields) != 2 {
		t.Fatalf("RightSemi output schema should carry only the right projection, got %d fields", len(j.Schema().Fields))
	}
	rs, err := j.Execute(context.Background(), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := drainAll(t, rs)
	gotK := int64Col(out, 0)
	gotV := int64Col(out, 1)
	wantK := []int64{2, 2}
	wantV := []int64{200, 201}
	if len(gotK) != len(wantK) {
		t.Fatalf("got k=%v, want %v", gotK, wantK)
	}
	for i := range wantK {
		if gotK[i] != wantK[i] || gotV[i] != wantV[i] {
			t.Fatalf("row %d: got (%d,%d), want (%d,%d)", i, gotK[i], gotV[i], wantK[i], wantV[i])
		}
	}
}

// TestRightAntiEmitsUnmatchedRightRows checks RightSemi's complement.
func TestRightAntiEmitsUnmatchedRightRows(t *testing.T) {
	left := &fixedSource{schema: leftTestSchema, batches: []batch.RecordBatch{
		intBatch(leftTestSchema, []int64{2, 3}, []int64{20, 30}),
	}}
	right := &fixedSource{schema: rightTestSchema, batches: []batch.RecordBatch{
		intBatch(rightTestSchema, []int64{1, 2, 2, 4}, []int64{100, 200, 201, 400}),
	}}
	j := newTestJoin(t, basicCfg(left, right, RightAnti))
	rs, err := j.Execute(context.Background(), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := drainAll(t, rs)
	gotK := int64Col(out, 0)
	want := []int64{1, 4}
	if len(gotK) != len(want) {
		t.Fatalf("got k=%v, want %v", gotK, want)
	}
	for i := range want {
		if gotK[i] != want[i] {
			t.Fatalf("row %d: got %d, want %d", i, gotK[i], want[i])
		}
	}
}

// TestFilterNullTreatedAsFalse checks residual-filter null handling:
// a predicate that cannot be determined must report false and exclude
// the pair, never error.
func TestFilterNullTreatedAsFalse(t *testing.T) {
	left := &fixedSource{schema: leftTestSchema, batches: []batch.RecordBatch{
		intBatchNullableKey(leftTestSchema, []int64{1, 2}, []bool{true, true}, []int64{10, 20}),
	}}
	right := &fixedSource{schema: rightTestSchema, batches: []batch.RecordBatch{
		intBatch(rightTestSchema, []int64{1, 2}, []int64{100, 200}),
	}}
	cfg := basicCfg(left, right, Inner)
	cfg.Filter = func(l, r batch.RecordBatch, li, ri int) (bool, error) {
		// pretend the predicate over row (2, …) evaluates to SQL null.
		if l.Columns[0].(*batch.Int64Column).Values[li] == 2 {
			return false, nil
		}
		return true, nil
	}
	j := newTestJoin(t, cfg)
	rs, err := j.Execute(context.Background(), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := drainAll(t, rs)
	gotK := int64Col(out, 0)
	if len(gotK) != 1 || gotK[0] != 1 {
		t.Fatalf("got k=%v, want [1]", gotK)
	}
}
