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
	"encoding/binary"
	"fmt"
	"math"
)

// Serialize produces one self-contained columnar block: a schema-free
// byte encoding of b's column data, decodable back into a RecordBatch
// given the schema that produced it (package sortop keeps that schema
// on the side, since within one operator every spilled sub-batch
// shares it). The row count is written explicitly so a zero-column
// batch (every projected column pruned as a sort key) still
// round-trips its row count.
func Serialize(b RecordBatch) []byte {
	var out []byte
	out = appendUvarint(out, uint64(b.NumRows))
	out = appendUvarint(out, uint64(len(b.Columns)))
	for _, c := range b.Columns {
		out = appendColumn(out, c, b.NumRows)
	}
	return out
}

// Deserialize reads back a block produced by Serialize, using schema
// to know each column's type (Serialize writes no type tags of its
// own; the caller that wrote the block also knows the schema it used).
func Deserialize(buf []byte, schema Schema) (RecordBatch, error) {
	r := &byteReader{buf: buf}
	numRows, err := r.uvarint()
	if err != nil {
		return RecordBatch{}, fmt.Errorf("batch: reading row count: %w", err)
	}
	numCols, err := r.uvarint()
	if err != nil {
		return RecordBatch{}, fmt.Errorf("batch: reading column count: %w", err)
	}
	if int(numCols) != len(schema.Fields) {
		return RecordBatch{}, fmt.Errorf("batch: block has %d columns, schema has %d", numCols, len(schema.Fields))
	}
	cols := make([]Column, numCols)
	for i := range cols {
		c, err := readColumn(r, schema.Fields[i], int(numRows))
		if err != nil {
			return RecordBatch{}, fmt.Errorf("batch: column %q: %w", schema.Fields[i].Name, err)
		}
		cols[i] = c
	}
	return RecordBatch{Schema: schema, Columns: cols, NumRows: int(numRows)}, nil
}

type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("malformed varint")
	}
	r.pos += n
	return v, nil
}

func (r *byteReader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("truncated block: need %d bytes, have %d", n, len(r.buf)-r.pos)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func appendUvarint(dst []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(dst, tmp[:n]...)
}

// appendValidity writes a presence flag followed by a packed bitmap
// only when valid != nil; an absent bitmap means "no nulls in this
// column", matching the in-memory Column convention.
func appendValidity(dst []byte, valid []bool, n int) []byte {
	if valid == nil {
		return append(dst, 0)
	}
	dst = append(dst, 1)
	nbytes := (n + 7) / 8
	start := len(dst)
	dst = append(dst, make([]byte, nbytes)...)
	for i, v := range valid {
		if v {
			dst[start+i/8] |= 1 << uint(i%8)
		}
	}
	return dst
}

func readValidity(r *byteReader, n int) ([]bool, error) {
	flag, err := r.take(1)
	if err != nil {
		return nil, err
	}
	if flag[0] == 0 {
		return nil, nil
	}
	nbytes := (n + 7) / 8
	bits, err := r.take(nbytes)
	if err != nil {
		return nil, err
	}
	valid := make([]bool, n)
	for i := range valid {
		valid[i] = bits[i/8]&(1<<uint(i%8)) != 0
	}
	return valid, nil
}

func appendColumn(dst []byte, c Column, n int) []byte {
	switch col := c.(type) {
	case *BoolColumn:
		dst = appendValidity(dst, col.Valid, n)
		for _, v := range col.Values {
			if v {
				dst = append(dst, 1)
			} else {
				dst = append(dst, 0)
			}
		}
	case *Int64Column:
		dst = appendValidity(dst, col.Valid, n)
		for _, v := range col.Values {
			dst = appendUvarint(dst, zigzag(v))
		}
	case *Float64Column:
		dst = appendValidity(dst, col.Valid, n)
		var tmp [8]byte
		for _, v := range col.Values {
			binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v))
			dst = append(dst, tmp[:]...)
		}
	case *DecimalColumn:
		dst = appendValidity(dst, col.Valid, n)
		for _, v := range col.Unscaled {
			dst = appendUvarint(dst, zigzag(v))
		}
	case *TimestampColumn:
		dst = appendValidity(dst, col.Valid, n)
		for _, v := range col.Values {
			dst = appendUvarint(dst, zigzag(v))
		}
	case *StringColumn:
		dst = appendValidity(dst, col.Valid, n)
		dst = appendUvarint(dst, uint64(len(col.Data)))
		dst = append(dst, col.Data...)
		for _, off := range col.Offsets {
			dst = appendUvarint(dst, uint64(off))
		}
	case *BinaryColumn:
		dst = appendValidity(dst, col.Valid, n)
		dst = appendUvarint(dst, uint64(len(col.Data)))
		dst = append(dst, col.Data...)
		for _, off := range col.Offsets {
			dst = appendUvarint(dst, uint64(off))
		}
	case *ListColumn:
		dst = appendValidity(dst, col.Valid, n)
		for _, off := range col.Offsets {
			dst = appendUvarint(dst, uint64(off))
		}
		dst = appendColumn(dst, col.Elem, col.Elem.Len())
	case *StructColumn:
		dst = appendValidity(dst, col.Valid, n)
		for _, fc := range col.Fields {
			dst = appendColumn(dst, fc, n)
		}
	default:
		panic(fmt.Sprintf("batch: Serialize: unsupported column type %T", c))
	}
	return dst
}

func readColumn(r *byteReader, f Field, n int) (Column, error) {
	switch f.Type {
	case Bool:
		valid, err := readValidity(r, n)
		if err != nil {
			return nil, err
		}
		vals := make([]bool, n)
		for i := range vals {
			b, err := r.take(1)
			if err != nil {
				return nil, err
			}
			vals[i] = b[0] != 0
		}
		return &BoolColumn{Valid: valid, Values: vals}, nil
	case Int64:
		valid, err := readValidity(r, n)
		if err != nil {
			return nil, err
		}
		vals := make([]int64, n)
		for i := range vals {
			v, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			vals[i] = unzigzag(v)
		}
		return &Int64Column{Valid: valid, Values: vals}, nil
	case Float64:
		valid, err := readValidity(r, n)
		if err != nil {
			return nil, err
		}
		vals := make([]float64, n)
		for i := range vals {
			b, err := r.take(8)
			if err != nil {
				return nil, err
			}
			vals[i] = math.Float64frombits(binary.BigEndian.Uint64(b))
		}
		return &Float64Column{Valid: valid, Values: vals}, nil
	case Decimal:
		valid, err := readValidity(r, n)
		if err != nil {
			return nil, err
		}
		vals := make([]int64, n)
		for i := range vals {
			v, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			vals[i] = unzigzag(v)
		}
		return &DecimalColumn{Valid: valid, Unscaled: vals}, nil
	case Timestamp:
		valid, err := readValidity(r, n)
		if err != nil {
			return nil, err
		}
		vals := make([]int64, n)
		for i := range vals {
			v, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			vals[i] = unzigzag(v)
		}
		return &TimestampColumn{Valid: valid, Values: vals}, nil
	case String:
		valid, err := readValidity(r, n)
		if err != nil {
			return nil, err
		}
		dataLen, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		data, err := r.take(int(dataLen))
		if err != nil {
			return nil, err
		}
		offsets := make([]int32, n+1)
		for i := range offsets {
			v, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			offsets[i] = int32(v)
		}
		return &StringColumn{Valid: valid, Offsets: offsets, Data: append([]byte(nil), data...)}, nil
	case Binary:
		valid, err := readValidity(r, n)
		if err != nil {
			return nil, err
		}
		dataLen, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		data, err := r.take(int(dataLen))
		if err != nil {
			return nil, err
		}
		offsets := make([]int32, n+1)
		for i := range offsets {
			v, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			offsets[i] = int32(v)
		}
		return &BinaryColumn{Valid: valid, Offsets: offsets, Data: append([]byte(nil), data...)}, nil
	case List:
		valid, err := readValidity(r, n)
		if err != nil {
			return nil, err
		}
		offsets := make([]int32, n+1)
		for i := range offsets {
			v, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			offsets[i] = int32(v)
		}
		elemLen := 0
		if n > 0 {
			elemLen = int(offsets[n])
		}
		elem, err := readColumn(r, *f.Elem, elemLen)
		if err != nil {
			return nil, err
		}
		return &ListColumn{Valid: valid, Offsets: offsets, Elem: elem}, nil
	case Struct:
		valid, err := readValidity(r, n)
		if err != nil {
			return nil, err
		}
		cols := make([]Column, len(f.Fields))
		for i, sf := range f.Fields {
			c, err := readColumn(r, sf, n)
			if err != nil {
				return nil, err
			}
			cols[i] = c
		}
		return &StructColumn{Valid: valid, Fields: cols}, nil
	default:
		return nil, fmt.Errorf("unsupported field type %s", f.Type)
	}
}

func zigzag(v int64) uint64   { return uint64((v << 1) ^ (v >> 63)) }
func unzigzag(v uint64) int64 { return int64(v>>1) ^ -int64(v&1) }
