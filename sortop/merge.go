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
	"io"

	"github.com/flowbase/colexec/batch"
	"github.com/flowbase/colexec/losertree"
	"github.com/flowbase/colexec/pck"
	"github.com/flowbase/colexec/rowkey"
	"github.com/flowbase/colexec/spillstore"
)

// source yields (key, row) pairs in non-decreasing key order from one
// in-memory run or one on-disk spill; both sortop's level-compaction
// merge and its final output merge walk a slice of sources through
// the same tournament tree (package losertree).
type source interface {
	// next advances to the next row, returning ok=false once the
	// source is exhausted.
	next() (ok bool, err error)
	// key returns the current row's encoded key. Valid only between a
	// next() call that returned ok=true and the following next() call.
	key() []byte
	// row returns the current row's pruned batch and row index within
	// it.
	row() (batch.RecordBatch, int)
	// close releases any resources (open spill readers) the source holds.
	close() error
}

// runSource walks one in-memory run's single pruned batch in key
// order.
type runSource struct {
	r   *run
	pr  *pck.Reader
	i   int
	cur []byte
}

func newRunSource(r *run) *runSource {
	return &runSource{r: r, pr: pck.NewReader(r.keyStream), i: -1}
}

func (s *runSource) next() (bool, error) {
	k, ok, err := s.pr.Next()
	if err != nil {
		return false, fmt.Errorf("sortop: reading in-memory run key: %w", err)
	}
	if !ok {
		return false, nil
	}
	s.cur = k
	s.i++
	return true, nil
}

func (s *runSource) key() []byte { return s.cur }
func (s *runSource) row() (batch.RecordBatch, int) {
	return s.r.batch, s.i
}
func (s *runSource) close() error { return nil }

// spillSource walks an on-disk/in-memory Spill, refilling one decoded
// sub-batch at a time.
type spillSource struct {
	reader *spillstore.Reader
	closer io.Closer
	schema batch.Schema

	curBatch batch.RecordBatch
	curPCK   *pck.Reader
	rowIdx   int
	cur      []byte
}

func newSpillSource(sp *spillstore.Spill, schema batch.Schema) (*spillSource, error) {
	r, closer, err := sp.Reader()
	if err != nil {
		return nil, fmt.Errorf("sortop: opening spill reader: %w", err)
	}
	return &spillSource{reader: r, closer: closer, schema: schema, rowIdx: -1}, nil
}

func (s *spillSource) next() (bool, error) {
	for {
		if s.curPCK != nil {
			k, ok, err := s.curPCK.Next()
			if err != nil {
				return false, fmt.Errorf("sortop: reading spill key block: %w", err)
			}
			if ok {
				s.cur = k
				s.rowIdx++
				return true, nil
			}
			s.curPCK = nil
		}
		batchBlock, err := s.reader.ReadBlock()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("sortop: reading spill batch block: %w", err)
		}
		keyBlock, err := s.reader.ReadBlock()
		if err != nil {
			return false, fmt.Errorf("sortop: reading spill key block: %w", err)
		}
		b, err := batch.Deserialize(batchBlock, s.schema)
		if err != nil {
			return false, fmt.Errorf("sortop: deserializing spilled sub-batch: %w", err)
		}
		s.curBatch = b
		s.curPCK = pck.NewReader(keyBlock)
		s.rowIdx = -1
	}
}

func (s *spillSource) key() []byte { return s.cur }
func (s *spillSource) row() (batch.RecordBatch, int) {
	return s.curBatch, s.rowIdx
}
func (s *spillSource) close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// mergeAll drives a k-way merge over sources via a losertree.Tree,
// calling emit for each of the first `limit` rows in sorted order
// (limit<=0 means unlimited) before closing every source. It is the
// single merge loop shared by level compaction (spill.go), spilling
// in-memory runs (spill.go), and final output (drain.go).
func mergeAll(sources []source, limit int, emit func(srcIdx int, key []byte, b batch.RecordBatch, row int) error) (err error) {
	defer func() {
		for _, s := range sources {
			if cerr := s.close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}()

	finished := make([]bool, len(sources))
	for i, s := range sources {
		ok, e := s.next()
		if e != nil {
			return e
		}
		finished[i] = !ok
	}

	less := func(a, b int) bool {
		if finished[a] {
			return false
		}
		if finished[b] {
			return true
		}
		return rowkey.Compare(sources[a].key(), sources[b].key()) < 0
	}
	tree := losertree.New(len(sources), less)

	emitted := 0
	for {
		if limit > 0 && emitted >= limit {
			return nil
		}
		i := tree.Peek()
		if i < 0 || finished[i] {
			return nil
		}
		b, row := sources[i].row()
		if e := emit(i, sources[i].key(), b, row); e != nil {
			return e
		}
		emitted++
		ok, e := sources[i].next()
		if e != nil {
			return e
		}
		finished[i] = !ok
		tree.Advance(i)
	}
}
