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

// Package losertree implements a tournament tree: a structure over N
// cursors that returns the current minimum in O(1) and propagates a
// mutation to that minimum back up to a fresh minimum in O(log N).
//
// Internally this is a winner tree: each internal node stores the
// index of the winning cursor of its subtree, and Advance recomputes
// every ancestor of the updated leaf as the winner of its two
// children. The classic loser-tree variant (store the loser per node,
// replay one root-to-leaf path) saves half the comparisons per step
// but its replay rule is subtle to get right when the updated leaf
// was not the previous overall winner; storing winners is correct
// unconditionally at the same O(log N) cost, and callers only ever
// observe Peek/Advance either way.
package losertree

// Tree is a tournament tree over a fixed number of cursors, each
// identified by a small integer index. Less reports whether cursor a
// should be preferred over cursor b; encoding "finished cursors lose
// to all unfinished cursors" is the caller's responsibility,
// typically by having a finished cursor always compare greater than
// any unfinished one.
type Tree struct {
	less func(a, b int) bool
	n    int
	// tree[1..2n) holds, at each node, the index of the winning
	// cursor of that node's subtree; leaves live at tree[n+i].
	tree []int
}

// New builds a Tree over n cursors (indices 0..n-1), using less to
// compare them. less is called with cursor indices, not values; the
// caller closes over whatever per-cursor state it needs.
func New(n int, less func(a, b int) bool) *Tree {
	t := &Tree{less: less, n: n, tree: make([]int, 2*n)}
	for i := 0; i < n; i++ {
		t.tree[n+i] = i
	}
	for p := n - 1; p >= 1; p-- {
		t.tree[p] = t.winner(t.tree[2*p], t.tree[2*p+1])
	}
	return t
}

func (t *Tree) winner(a, b int) int {
	if t.less(a, b) {
		return a
	}
	return b
}

// Len returns the number of cursors the Tree was built over.
func (t *Tree) Len() int { return t.n }

// Peek returns the index of the current overall-minimum cursor.
func (t *Tree) Peek() int {
	if t.n == 0 {
		return -1
	}
	return t.tree[1]
}

// Advance recomputes the tree after cursor i's value changed (e.g.
// after the caller pulled its next row, or marked it finished). The
// caller must mutate its own per-cursor state BEFORE calling Advance;
// Less is re-evaluated against that updated state along the path from
// leaf i to the root.
func (t *Tree) Advance(i int) {
	p := (t.n + i) / 2
	for p >= 1 {
		t.tree[p] = t.winner(t.tree[2*p], t.tree[2*p+1])
		p /= 2
	}
}

// AdvanceAll recomputes the entire tree from the leaves up, for use
// after bulk mutation of several cursors at once (e.g. a join cursor
// sweep that reclaims outdated batches).
func (t *Tree) AdvanceAll() {
	for p := t.n - 1; p >= 1; p-- {
		t.tree[p] = t.winner(t.tree[2*p], t.tree[2*p+1])
	}
}
