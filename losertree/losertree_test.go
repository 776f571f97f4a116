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

package losertree

import (
	"math/rand"
	"reflect"
	"testing"
)

// cursor is a simple exhaustible sorted-int stream used to drive the
// tree the way sortop/joinop drive it over real run readers.
type cursor struct {
	vals []int
	pos  int
}

func (c *cursor) finished() bool { return c.pos >= len(c.vals) }
func (c *cursor) value() int     { return c.vals[c.pos] }
func (c *cursor) advance()       { c.pos++ }

func lessFn(cursors []*cursor) func(a, b int) bool {
	return func(a, b int) bool {
		ca, cb := cursors[a], cursors[b]
		if ca.finished() {
			return false
		}
		if cb.finished() {
			return true
		}
		return ca.value() < cb.value()
	}
}

func kWayMerge(runs [][]int) []int {
	cursors := make([]*cursor, len(runs))
	for i, r := range runs {
		cursors[i] = &cursor{vals: r}
	}
	tree := New(len(cursors), lessFn(cursors))

	var out []int
	for {
		i := tree.Peek()
		if cursors[i].finished() {
			break
		}
		out = append(out, cursors[i].value())
		cursors[i].advance()
		tree.Advance(i)
	}
	return out
}

func TestKWayMergeSortedRuns(t *testing.T) {
	runs := [][]int{
		{1, 4, 7, 10},
		{2, 3, 11},
		{5, 6, 8, 9},
		{},
	}
	got := kWayMerge(runs)
	want := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestKWayMergeAgainstRandomInput(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		nRuns := 1 + rng.Intn(6)
		var all []int
		runs := make([][]int, nRuns)
		for i := range runs {
			n := rng.Intn(10)
			run := make([]int, n)
			v := 0
			for j := range run {
				v += rng.Intn(5)
				run[j] = v
			}
			runs[i] = run
			all = append(all, run...)
		}
		want := append([]int(nil), all...)
		sortInts(want)

		got := kWayMerge(runs)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("trial %d: got %v want %v (runs=%v)", trial, got, want, runs)
		}
	}
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func TestSingleCursor(t *testing.T) {
	got := kWayMerge([][]int{{1, 2, 3}})
	want := []int{1, 2, 3}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestAdvanceAllAfterBulkMutation(t *testing.T) {
	cursors := []*cursor{{vals: []int{5}}, {vals: []int{1}}, {vals: []int{3}}}
	tree := New(len(cursors), lessFn(cursors))
	if got := cursors[tree.Peek()].value(); got != 1 {
		t.Fatalf("initial peek = %d, want 1", got)
	}
	// simulate a bulk cursor sweep: caller mutates several cursors directly,
	// then asks the tree to recompute everything at once.
	cursors[0].vals[0] = 0
	cursors[1].pos = 1 // cursor[1] finished
	tree.AdvanceAll()
	if got := cursors[tree.Peek()].value(); got != 0 {
		t.Fatalf("after bulk mutation, peek = %d, want 0", got)
	}
}
