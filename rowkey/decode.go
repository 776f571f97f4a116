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

package rowkey

import (
	"math"

	"github.com/flowbase/colexec/batch"
)

// reader walks an encoded key from a fixed start position, optionally
// un-inverting every byte it yields. A single Descending column
// inverts its whole value segment on Encode (including any nested
// list/struct bytes), so undoing that is just a matter of flipping
// every byte back on the way in; decodeValue below never needs to
// know the direction of the column it is reading once the reader is
// constructed with the right invert flag.
type reader struct {
	buf    []byte
	pos    int
	invert bool
}

func (r *reader) byte() byte {
	b := r.buf[r.pos]
	r.pos++
	if r.invert {
		b = ^b
	}
	return b
}

func (r *reader) uint64() uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(r.byte())
	}
	return v
}

// Decode reads one encoded row key from the front of key, appends the
// decoded value of each key column onto the matching builder (builders
// must align 1:1 with c.Fields, in order), and returns the number of
// bytes consumed. This is the inverse of Encode and is used wherever a
// key needs to be materialized back into real columns: restoring
// pruned sort-key columns (package sortop).
func (c *Codec) Decode(key []byte, builders []batch.Builder) (consumed int) {
	pos := 0
	for i, f := range c.Fields {
		opt := c.Options[i]
		null, notNull := nullMarkers(opt.NullsFirst)
		marker := key[pos]
		pos++
		if marker == null {
			builders[i].AppendNull()
			continue
		}
		if marker != notNull {
			panic("rowkey: corrupt key: bad null marker")
		}
		r := &reader{buf: key, pos: pos, invert: !opt.Ascending}
		col := decodeValue(r, f)
		pos = r.pos
		builders[i].AppendFrom(col, 0)
	}
	return pos
}

func decodeValue(r *reader, f batch.Field) batch.Column {
	switch f.Type {
	case batch.Bool:
		return &batch.BoolColumn{Values: []bool{r.byte() == 1}}
	case batch.Int64:
		return &batch.Int64Column{Values: []int64{unorderInt64(r.uint64())}}
	case batch.Timestamp:
		return &batch.TimestampColumn{Values: []int64{unorderInt64(r.uint64())}}
	case batch.Decimal:
		return &batch.DecimalColumn{Unscaled: []int64{unorderInt64(r.uint64())}}
	case batch.Float64:
		return &batch.Float64Column{Values: []float64{unorderFloat64(r.uint64())}}
	case batch.String:
		data := readEscaped(r)
		return &batch.StringColumn{Offsets: []int32{0, int32(len(data))}, Data: data}
	case batch.Binary:
		data := readEscaped(r)
		return &batch.BinaryColumn{Offsets: []int32{0, int32(len(data))}, Data: data}
	case batch.List:
		return decodeList(r, f)
	case batch.Struct:
		return decodeStruct(r, f)
	default:
		panic("rowkey: decodeValue: unsupported field type")
	}
}

func unorderInt64(v uint64) int64 {
	return int64(v ^ (1 << 63))
}

func unorderFloat64(v uint64) float64 {
	if v == 0 {
		return math.NaN()
	}
	if v&(1<<63) != 0 {
		return math.Float64frombits(v &^ (uint64(1) << 63))
	}
	return math.Float64frombits(^v)
}

func readEscaped(r *reader) []byte {
	var out []byte
	for {
		b := r.byte()
		if b != 0x00 {
			out = append(out, b)
			continue
		}
		b2 := r.byte()
		if b2 == 0x00 {
			return out
		}
		out = append(out, 0x00)
	}
}

func decodeList(r *reader, f batch.Field) batch.Column {
	n := r.uint64()
	elemField := *f.Elem
	bld := batch.NewBuilder(elemField)
	null, _ := nullMarkers(true)
	for k := uint64(0); k < n; k++ {
		marker := r.byte()
		if marker == null {
			bld.AppendNull()
			continue
		}
		child := decodeValue(r, elemField)
		bld.AppendFrom(child, 0)
	}
	return &batch.ListColumn{Offsets: []int32{0, int32(n)}, Elem: bld.Build()}
}

func decodeStruct(r *reader, f batch.Field) batch.Column {
	null, _ := nullMarkers(true)
	cols := make([]batch.Column, len(f.Fields))
	for i, sf := range f.Fields {
		marker := r.byte()
		if marker == null {
			b := batch.NewBuilder(sf)
			b.AppendNull()
			cols[i] = b.Build()
			continue
		}
		cols[i] = decodeValue(r, sf)
	}
	return &batch.StructColumn{Fields: cols}
}
