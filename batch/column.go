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

// Column is one typed array within a RecordBatch. Columns are
// immutable once published; slicing and interleaving produce new
// columns without copying the underlying value buffers where
// possible.
type Column interface {
	Type() Type
	Len() int
	IsNull(i int) bool
}

// validAt reports whether the optional valid bitmap marks row i as
// non-null. A nil bitmap means "no nulls in this column".
func validAt(valid []bool, i int) bool {
	if valid == nil {
		return true
	}
	return valid[i]
}

// BoolColumn holds boolean values.
type BoolColumn struct {
	Valid  []bool
	Values []bool
}

func (c *BoolColumn) Type() Type        { return Bool }
func (c *BoolColumn) Len() int          { return len(c.Values) }
func (c *BoolColumn) IsNull(i int) bool { return !validAt(c.Valid, i) }

// Int64Column holds 64-bit signed integers (also used for dates,
// represented as day counts, by convention of the embedding host).
type Int64Column struct {
	Valid  []bool
	Values []int64
}

func (c *Int64Column) Type() Type        { return Int64 }
func (c *Int64Column) Len() int          { return len(c.Values) }
func (c *Int64Column) IsNull(i int) bool { return !validAt(c.Valid, i) }

// Float64Column holds double-precision floats.
type Float64Column struct {
	Valid  []bool
	Values []float64
}

func (c *Float64Column) Type() Type        { return Float64 }
func (c *Float64Column) Len() int          { return len(c.Values) }
func (c *Float64Column) IsNull(i int) bool { return !validAt(c.Valid, i) }

// DecimalColumn holds fixed-scale decimals as scaled int64s; Scale is
// carried on the owning Field, not per-value.
type DecimalColumn struct {
	Valid    []bool
	Unscaled []int64
}

func (c *DecimalColumn) Type() Type        { return Decimal }
func (c *DecimalColumn) Len() int          { return len(c.Unscaled) }
func (c *DecimalColumn) IsNull(i int) bool { return !validAt(c.Valid, i) }

// TimestampColumn holds timestamps as nanoseconds since the Unix epoch.
type TimestampColumn struct {
	Valid  []bool
	Values []int64
}

func (c *TimestampColumn) Type() Type        { return Timestamp }
func (c *TimestampColumn) Len() int          { return len(c.Values) }
func (c *TimestampColumn) IsNull(i int) bool { return !validAt(c.Valid, i) }

// StringColumn holds variable-length UTF-8 strings using an
// Arrow-style offsets+data layout: row i spans Data[Offsets[i]:Offsets[i+1]].
type StringColumn struct {
	Valid   []bool
	Offsets []int32
	Data    []byte
}

func (c *StringColumn) Type() Type        { return String }
func (c *StringColumn) Len() int          { return len(c.Offsets) - 1 }
func (c *StringColumn) IsNull(i int) bool { return !validAt(c.Valid, i) }
func (c *StringColumn) At(i int) string {
	return string(c.Data[c.Offsets[i]:c.Offsets[i+1]])
}

// BinaryColumn holds variable-length byte strings with the same
// offsets+data layout as StringColumn.
type BinaryColumn struct {
	Valid   []bool
	Offsets []int32
	Data    []byte
}

func (c *BinaryColumn) Type() Type        { return Binary }
func (c *BinaryColumn) Len() int          { return len(c.Offsets) - 1 }
func (c *BinaryColumn) IsNull(i int) bool { return !validAt(c.Valid, i) }
func (c *BinaryColumn) At(i int) []byte {
	return c.Data[c.Offsets[i]:c.Offsets[i+1]]
}

// ListColumn holds variable-length lists of a single element type;
// row i spans Elem[Offsets[i]:Offsets[i+1]].
type ListColumn struct {
	Valid   []bool
	Offsets []int32
	Elem    Column
}

func (c *ListColumn) Type() Type        { return List }
func (c *ListColumn) Len() int          { return len(c.Offsets) - 1 }
func (c *ListColumn) IsNull(i int) bool { return !validAt(c.Valid, i) }

// StructColumn holds a fixed set of member columns, each with the same
// length as the struct column itself.
type StructColumn struct {
	Valid  []bool
	Fields []Column
}

func (c *StructColumn) Type() Type { return Struct }
func (c *StructColumn) Len() int {
	if len(c.Fields) == 0 {
		return 0
	}
	return c.Fields[0].Len()
}
func (c *StructColumn) IsNull(i int) bool { return !validAt(c.Valid, i) }
