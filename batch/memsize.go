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

// ApproxBytes estimates the heap footprint of b's column buffers.
// sortop and joinop report this (plus their encoded-key bytes) to
// memmgr as their memory usage; the reported figure must never
// undercount actual usage, so every estimate here rounds up to whole
// backing-array element sizes rather than, e.g., bit-packing bools.
func ApproxBytes(b RecordBatch) int64 {
	var total int64
	for _, c := range b.Columns {
		total += columnApproxBytes(c)
	}
	return total
}

func columnApproxBytes(c Column) int64 {
	switch col := c.(type) {
	case *BoolColumn:
		return int64(len(col.Values)) + int64(len(col.Valid))
	case *Int64Column:
		return 8*int64(len(col.Values)) + int64(len(col.Valid))
	case *Float64Column:
		return 8*int64(len(col.Values)) + int64(len(col.Valid))
	case *DecimalColumn:
		return 8*int64(len(col.Unscaled)) + int64(len(col.Valid))
	case *TimestampColumn:
		return 8*int64(len(col.Values)) + int64(len(col.Valid))
	case *StringColumn:
		return int64(len(col.Data)) + 4*int64(len(col.Offsets)) + int64(len(col.Valid))
	case *BinaryColumn:
		return int64(len(col.Data)) + 4*int64(len(col.Offsets)) + int64(len(col.Valid))
	case *ListColumn:
		return 4*int64(len(col.Offsets)) + int64(len(col.Valid)) + columnApproxBytes(col.Elem)
	case *StructColumn:
		total := int64(len(col.Valid))
		for _, f := range col.Fields {
			total += columnApproxBytes(f)
		}
		return total
	default:
		return 0
	}
}
