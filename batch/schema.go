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

// Package batch implements the column-oriented record batch that every
// operator in this module consumes and produces: an ordered list of
// equal-length typed column vectors tagged with a schema.
package batch

import "fmt"

// Type is the logical type of a column.
type Type int

const (
	Invalid Type = iota
	Bool
	Int64
	Float64
	Decimal
	Timestamp
	String
	Binary
	List
	Struct
)

func (t Type) String() string {
	switch t {
	case Bool:
		return "bool"
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	case Decimal:
		return "decimal"
	case Timestamp:
		return "timestamp"
	case String:
		return "string"
	case Binary:
		return "binary"
	case List:
		return "list"
	case Struct:
		return "struct"
	default:
		return "invalid"
	}
}

// Field describes a single column: its name, logical type, and
// nullability. List fields carry an Elem describing the element type;
// Struct fields carry Fields describing their members.
type Field struct {
	Name     string
	Type     Type
	Nullable bool

	// Elem is the element field of a List column.
	Elem *Field
	// Fields is the member list of a Struct column.
	Fields []Field
	// Scale is the number of digits right of the decimal point for a
	// Decimal column; all values in the column share one scale.
	Scale int32
}

// Schema is an ordered field list.
type Schema struct {
	Fields []Field
}

// IndexOf returns the position of the named field, or -1 if absent.
func (s Schema) IndexOf(name string) int {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return i
		}
	}
	return -1
}

// Project returns the schema obtained by keeping only the fields at
// the given positions, in the given order.
func (s Schema) Project(idx []int) Schema {
	out := Schema{Fields: make([]Field, len(idx))}
	for i, c := range idx {
		out.Fields[i] = s.Fields[c]
	}
	return out
}

// Concat returns the schema formed by concatenating the field lists of
// s and other, in order.
func (s Schema) Concat(other Schema) Schema {
	out := Schema{Fields: make([]Field, 0, len(s.Fields)+len(other.Fields))}
	out.Fields = append(out.Fields, s.Fields...)
	out.Fields = append(out.Fields, other.Fields...)
	return out
}

func (s Schema) String() string {
	return fmt.Sprintf("%v", s.Fields)
}
