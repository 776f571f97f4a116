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

// Package rowkey implements the row-encoded key codec: it converts a
// subset of a batch's columns into one opaque byte sequence per row
// such that lexicographic byte order equals the configured
// multi-column SQL ordering (per-column ascending or descending,
// nulls first or last), for every scalar and nested type the sort and
// join operators need to compare. NaN canonicalizes below -Inf.
//
// Encoding eagerly means the sort/merge/join comparators never need
// to know about per-column types again once a key is encoded; this is
// what makes the tournament-tree merge (package losertree) and the
// prefix compressor (package pck) type-agnostic.
package rowkey

import (
	"fmt"
	"math"

	"github.com/flowbase/colexec/batch"
)

// Option configures one key column's ordering.
type Option struct {
	Ascending  bool
	NullsFirst bool
}

// Codec encodes/decodes the row key formed by Fields (in order) under
// the corresponding Options.
type Codec struct {
	Fields  []batch.Field
	Options []Option
}

// NewCodec validates that Fields and Options have matching arity and
// returns a ready Codec.
func NewCodec(fields []batch.Field, options []Option) (*Codec, error) {
	if len(fields) != len(options) {
		return nil, fmt.Errorf("rowkey: %d key fields but %d sort options", len(fields), len(options))
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("rowkey: at least one key column is required")
	}
	return &Codec{Fields: fields, Options: options}, nil
}

// nullMarkers returns the bytes used for the null/non-null marker of
// a column, chosen so that plain ascending byte comparison of the
// marker alone realizes NullsFirst/NullsLast regardless of the
// column's own Ascending/Descending direction (nulls ordering is a
// placement decision independent of value ordering).
func nullMarkers(nullsFirst bool) (null, notNull byte) {
	if nullsFirst {
		return 0x00, 0x01
	}
	return 0x02, 0x01
}

// Encode appends the encoded key for row i of cols (which must align
// 1:1 with c.Fields) onto dst and returns the grown slice along with
// whether any key column was null for this row (the flag joinop's
// null-key inequality rule is built on).
func (c *Codec) Encode(dst []byte, cols []batch.Column, row int) (out []byte, hasNull bool) {
	for i, col := range cols {
		opt := c.Options[i]
		null, notNull := nullMarkers(opt.NullsFirst)
		if col.IsNull(row) {
			hasNull = true
			dst = append(dst, null)
			continue
		}
		dst = append(dst, notNull)
		start := len(dst)
		dst = appendValue(dst, col, row, c.Fields[i])
		if !opt.Ascending {
			invertBytes(dst[start:])
		}
	}
	return dst, hasNull
}

// invertBytes flips every bit in b in place; flipping an
// order-preserving ascending byte string yields its exact descending
// counterpart (the same trick used for each fixed-width numeric type
// below, generalized to escaped variable-length strings and nested
// struct/list segments).
func invertBytes(b []byte) {
	for i := range b {
		b[i] = ^b[i]
	}
}

func appendValue(dst []byte, col batch.Column, row int, f batch.Field) []byte {
	switch c := col.(type) {
	case *batch.BoolColumn:
		if c.Values[row] {
			return append(dst, 1)
		}
		return append(dst, 0)
	case *batch.Int64Column:
		return appendOrderedUint64(dst, orderedInt64(c.Values[row]))
	case *batch.TimestampColumn:
		return appendOrderedUint64(dst, orderedInt64(c.Values[row]))
	case *batch.DecimalColumn:
		return appendOrderedUint64(dst, orderedInt64(c.Unscaled[row]))
	case *batch.Float64Column:
		return appendOrderedUint64(dst, orderedFloat64(c.Values[row]))
	case *batch.StringColumn:
		return appendEscaped(dst, []byte(c.At(row)))
	case *batch.BinaryColumn:
		return appendEscaped(dst, c.At(row))
	case *batch.ListColumn:
		return appendList(dst, c, row, *f.Elem)
	case *batch.StructColumn:
		return appendStruct(dst, c, row, f.Fields)
	default:
		panic(fmt.Sprintf("rowkey: unsupported column type %T", col))
	}
}

// orderedInt64 maps an int64 to a uint64 such that ascending uint64
// byte order equals ascending int64 order (flip the sign bit).
func orderedInt64(v int64) uint64 {
	return uint64(v) ^ (1 << 63)
}

// orderedFloat64 maps a float64 to a uint64 such that ascending
// uint64 order equals ascending float64 order, with NaN canonicalized
// to the single smallest possible encoding (sorting below -Inf).
func orderedFloat64(v float64) uint64 {
	if math.IsNaN(v) {
		return 0
	}
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func appendOrderedUint64(dst []byte, v uint64) []byte {
	return append(dst,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// appendEscaped encodes variable-length bytes so that lexicographic
// order is preserved and the boundary is self-describing: every 0x00
// byte is escaped as 0x00 0xFF, and the value is terminated with
// 0x00 0x00. A true prefix of a longer string therefore always
// compares smaller, since its terminator (0x00 0x00) is lower than
// any escaped-continuation byte (0x00 0xFF) the longer string would
// have at that position.
func appendEscaped(dst []byte, v []byte) []byte {
	for _, b := range v {
		if b == 0x00 {
			dst = append(dst, 0x00, 0xFF)
		} else {
			dst = append(dst, b)
		}
	}
	return append(dst, 0x00, 0x00)
}

func appendList(dst []byte, c *batch.ListColumn, row int, elem batch.Field) []byte {
	start, end := c.Offsets[row], c.Offsets[row+1]
	n := end - start
	dst = appendOrderedUint64(dst, uint64(n))
	// nested elements always use ascending/nulls-first sub-encoding;
	// the invert-the-whole-segment step in Encode realizes Descending
	// for the list as a whole.
	nullOpt := Option{Ascending: true, NullsFirst: true}
	for i := start; i < end; i++ {
		null, notNull := nullMarkers(nullOpt.NullsFirst)
		if c.Elem.IsNull(int(i)) {
			dst = append(dst, null)
			continue
		}
		dst = append(dst, notNull)
		dst = appendValue(dst, c.Elem, int(i), elem)
	}
	return dst
}

func appendStruct(dst []byte, c *batch.StructColumn, row int, fields []batch.Field) []byte {
	for i, child := range c.Fields {
		null, notNull := nullMarkers(true)
		if child.IsNull(row) {
			dst = append(dst, null)
			continue
		}
		dst = append(dst, notNull)
		dst = appendValue(dst, child, row, fields[i])
	}
	return dst
}
