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

// Builder accumulates rows copied from arbitrary source columns (of
// the same logical type) into a new column. It is the mechanism
// Interleave (see interleave.go) uses to materialize rows
// selected from many different source batches into one destination
// column without a separate decode/recode pass per row.
type Builder interface {
	// AppendFrom copies row i of src onto the end of the builder. src
	// must have the same Type as the field the builder was created for.
	AppendFrom(src Column, i int)
	// AppendNull appends a null row.
	AppendNull()
	Len() int
	// Build finalizes the accumulated rows into a Column.
	Build() Column
}

// NewBuilder returns an empty Builder for the given field.
func NewBuilder(f Field) Builder {
	switch f.Type {
	case Bool:
		return &boolBuilder{}
	case Int64:
		return &int64Builder{}
	case Float64:
		return &float64Builder{}
	case Decimal:
		return &decimalBuilder{}
	case Timestamp:
		return &timestampBuilder{}
	case String:
		return &stringBuilder{}
	case Binary:
		return &binaryBuilder{}
	case List:
		return &listBuilder{elem: *f.Elem}
	case Struct:
		return &structBuilder{fields: f.Fields}
	default:
		panic("batch: NewBuilder: invalid field type")
	}
}

type boolBuilder struct {
	valid  []bool
	values []bool
	anyNil bool
}

func (b *boolBuilder) AppendFrom(src Column, i int) {
	c := src.(*BoolColumn)
	null := c.IsNull(i)
	b.anyNil = b.anyNil || null
	b.valid = append(b.valid, !null)
	if null {
		b.values = append(b.values, false)
	} else {
		b.values = append(b.values, c.Values[i])
	}
}
func (b *boolBuilder) AppendNull() {
	b.anyNil = true
	b.valid = append(b.valid, false)
	b.values = append(b.values, false)
}
func (b *boolBuilder) Len() int { return len(b.values) }
func (b *boolBuilder) Build() Column {
	v := b.valid
	if !b.anyNil {
		v = nil
	}
	return &BoolColumn{Valid: v, Values: b.values}
}

type int64Builder struct {
	valid  []bool
	values []int64
	anyNil bool
}

func (b *int64Builder) AppendFrom(src Column, i int) {
	c := src.(*Int64Column)
	null := c.IsNull(i)
	b.anyNil = b.anyNil || null
	b.valid = append(b.valid, !null)
	if null {
		b.values = append(b.values, 0)
	} else {
		b.values = append(b.values, c.Values[i])
	}
}
func (b *int64Builder) AppendNull() {
	b.anyNil = true
	b.valid = append(b.valid, false)
	b.values = append(b.values, 0)
}
func (b *int64Builder) Len() int { return len(b.values) }
func (b *int64Builder) Build() Column {
	v := b.valid
	if !b.anyNil {
		v = nil
	}
	return &Int64Column{Valid: v, Values: b.values}
}

type float64Builder struct {
	valid  []bool
	values []float64
	anyNil bool
}

func (b *float64Builder) AppendFrom(src Column, i int) {
	c := src.(*Float64Column)
	null := c.IsNull(i)
	b.anyNil = b.anyNil || null
	b.valid = append(b.valid, !null)
	if null {
		b.values = append(b.values, 0)
	} else {
		b.values = append(b.values, c.Values[i])
	}
}
func (b *float64Builder) AppendNull() {
	b.anyNil = true
	b.valid = append(b.valid, false)
	b.values = append(b.values, 0)
}
func (b *float64Builder) Len() int { return len(b.values) }
func (b *float64Builder) Build() Column {
	v := b.valid
	if !b.anyNil {
		v = nil
	}
	return &Float64Column{Valid: v, Values: b.values}
}

type decimalBuilder struct {
	valid    []bool
	unscaled []int64
	anyNil   bool
}

func (b *decimalBuilder) AppendFrom(src Column, i int) {
	c := src.(*DecimalColumn)
	null := c.IsNull(i)
	b.anyNil = b.anyNil || null
	b.valid = append(b.valid, !null)
	if null {
		b.unscaled = append(b.unscaled, 0)
	} else {
		b.unscaled = append(b.unscaled, c.Unscaled[i])
	}
}
func (b *decimalBuilder) AppendNull() {
	b.anyNil = true
	b.valid = append(b.valid, false)
	b.unscaled = append(b.unscaled, 0)
}
func (b *decimalBuilder) Len() int { return len(b.unscaled) }
func (b *decimalBuilder) Build() Column {
	v := b.valid
	if !b.anyNil {
		v = nil
	}
	return &DecimalColumn{Valid: v, Unscaled: b.unscaled}
}

type timestampBuilder struct {
	valid  []bool
	values []int64
	anyNil bool
}

func (b *timestampBuilder) AppendFrom(src Column, i int) {
	c := src.(*TimestampColumn)
	null := c.IsNull(i)
	b.anyNil = b.anyNil || null
	b.valid = append(b.valid, !null)
	if null {
		b.values = append(b.values, 0)
	} else {
		b.values = append(b.values, c.Values[i])
	}
}
func (b *timestampBuilder) AppendNull() {
	b.anyNil = true
	b.valid = append(b.valid, false)
	b.values = append(b.values, 0)
}
func (b *timestampBuilder) Len() int { return len(b.values) }
func (b *timestampBuilder) Build() Column {
	v := b.valid
	if !b.anyNil {
		v = nil
	}
	return &TimestampColumn{Valid: v, Values: b.values}
}

type stringBuilder struct {
	valid   []bool
	offsets []int32
	data    []byte
	anyNil  bool
}

func (b *stringBuilder) init() {
	if b.offsets == nil {
		b.offsets = []int32{0}
	}
}
func (b *stringBuilder) AppendFrom(src Column, i int) {
	b.init()
	c := src.(*StringColumn)
	null := c.IsNull(i)
	b.anyNil = b.anyNil || null
	b.valid = append(b.valid, !null)
	if !null {
		b.data = append(b.data, c.Data[c.Offsets[i]:c.Offsets[i+1]]...)
	}
	b.offsets = append(b.offsets, int32(len(b.data)))
}
func (b *stringBuilder) AppendNull() {
	b.init()
	b.anyNil = true
	b.valid = append(b.valid, false)
	b.offsets = append(b.offsets, int32(len(b.data)))
}
func (b *stringBuilder) Len() int { return len(b.offsets) - 1 }
func (b *stringBuilder) Build() Column {
	b.init()
	v := b.valid
	if !b.anyNil {
		v = nil
	}
	return &StringColumn{Valid: v, Offsets: b.offsets, Data: b.data}
}

type binaryBuilder struct {
	valid   []bool
	offsets []int32
	data    []byte
	anyNil  bool
}

func (b *binaryBuilder) init() {
	if b.offsets == nil {
		b.offsets = []int32{0}
	}
}
func (b *binaryBuilder) AppendFrom(src Column, i int) {
	b.init()
	c := src.(*BinaryColumn)
	null := c.IsNull(i)
	b.anyNil = b.anyNil || null
	b.valid = append(b.valid, !null)
	if !null {
		b.data = append(b.data, c.Data[c.Offsets[i]:c.Offsets[i+1]]...)
	}
	b.offsets = append(b.offsets, int32(len(b.data)))
}
func (b *binaryBuilder) AppendNull() {
	b.init()
	b.anyNil = true
	b.valid = append(b.valid, false)
	b.offsets = append(b.offsets, int32(len(b.data)))
}
func (b *binaryBuilder) Len() int { return len(b.offsets) - 1 }
func (b *binaryBuilder) Build() Column {
	b.init()
	v := b.valid
	if !b.anyNil {
		v = nil
	}
	return &BinaryColumn{Valid: v, Offsets: b.offsets, Data: b.data}
}

type listBuilder struct {
	elem    Field
	valid   []bool
	offsets []int32
	child   Builder
	anyNil  bool
}

func (b *listBuilder) init() {
	if b.offsets == nil {
		b.offsets = []int32{0}
		b.child = NewBuilder(b.elem)
	}
}
func (b *listBuilder) AppendFrom(src Column, i int) {
	b.init()
	c := src.(*ListColumn)
	null := c.IsNull(i)
	b.anyNil = b.anyNil || null
	b.valid = append(b.valid, !null)
	if !null {
		for j := c.Offsets[i]; j < c.Offsets[i+1]; j++ {
			b.child.AppendFrom(c.Elem, int(j))
		}
	}
	b.offsets = append(b.offsets, int32(b.child.Len()))
}
func (b *listBuilder) AppendNull() {
	b.init()
	b.anyNil = true
	b.valid = append(b.valid, false)
	b.offsets = append(b.offsets, int32(b.child.Len()))
}
func (b *listBuilder) Len() int { return len(b.offsets) - 1 }
func (b *listBuilder) Build() Column {
	b.init()
	v := b.valid
	if !b.anyNil {
		v = nil
	}
	return &ListColumn{Valid: v, Offsets: b.offsets, Elem: b.child.Build()}
}

type structBuilder struct {
	fields   []Field
	valid    []bool
	children []Builder
	anyNil   bool
}

func (b *structBuilder) init() {
	if b.children == nil {
		b.children = make([]Builder, len(b.fields))
		for i, f := range b.fields {
			b.children[i] = NewBuilder(f)
		}
	}
}
func (b *structBuilder) AppendFrom(src Column, i int) {
	b.init()
	c := src.(*StructColumn)
	null := c.IsNull(i)
	b.anyNil = b.anyNil || null
	b.valid = append(b.valid, !null)
	for fi, child := range b.children {
		if null {
			child.AppendNull()
		} else {
			child.AppendFrom(c.Fields[fi], i)
		}
	}
}
func (b *structBuilder) AppendNull() {
	b.init()
	b.anyNil = true
	b.valid = append(b.valid, false)
	for _, child := range b.children {
		child.AppendNull()
	}
}
func (b *structBuilder) Len() int {
	if len(b.children) == 0 {
		return 0
	}
	return b.children[0].Len()
}
func (b *structBuilder) Build() Column {
	b.init()
	v := b.valid
	if !b.anyNil {
		v = nil
	}
	cols := make([]Column, len(b.children))
	for i, c := range b.children {
		cols[i] = c.Build()
	}
	return &StructColumn{Valid: v, Fields: cols}
}
