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

// Package operator defines the shared contract every physical
// operator in this module (sortop.Sort, joinop.Join) implements. It
// is intentionally small: the surrounding plan tree, task context,
// and scheduler belong to the embedding host, so this package only
// pins down the shape a host needs to drive one of these operators,
// not the host itself.
package operator

import (
	"context"

	"github.com/flowbase/colexec/batch"
)

// Partitioning describes how an operator's output rows are
// distributed across output partitions: passthrough from the child
// for a sort, derived from the right child for a join.
type Partitioning struct {
	// Partitions is the number of output partitions.
	Partitions int
	// Description is a short free-form label ("passthrough(child)",
	// "derived(right)") for logging.
	Description string
}

// SortKey names one column (by schema index) and its rowkey ordering
// option. OutputOrdering returns these so a host can decide whether a
// downstream operator's input is already sorted the way it needs.
type SortKey struct {
	Column     int
	Ascending  bool
	NullsFirst bool
}

// RowStream is the lazy pull-stream every operator produces: the
// consumer awaits Next, which blocks exactly at input-await,
// output-channel-send, and memory-manager boundaries and nowhere
// else. Next reports completion via ok=false with a nil error; a
// non-nil error is a stream error and terminates the stream.
type RowStream interface {
	Next(ctx context.Context) (b batch.RecordBatch, ok bool, err error)
	// Close stops the producer, whether or not the stream was drained
	// to completion; dropping the output stream is the cancellation
	// signal, made explicit since Go has no destructors. Close does
	// not deregister from the memory manager or discard spill files
	// the operator still holds: the operator's own Close method
	// (sortop.Sort.Close, joinop.Join.Close) does that.
	Close() error
}

// Operator is the contract shared by the sort operator and the
// sort-merge join operator.
type Operator interface {
	// Schema returns the operator's output schema.
	Schema() batch.Schema
	// OutputPartitioning describes the output partitioning.
	OutputPartitioning() Partitioning
	// OutputOrdering describes the guaranteed output ordering, or nil
	// if output is unordered (e.g. a full outer join).
	OutputOrdering() []SortKey
	// Children returns the operator's input operators, for tree
	// rewrites.
	Children() []Operator
	// WithNewChildren returns a copy of the operator with its
	// Children replaced, for tree rewrites. It errors if len(children)
	// doesn't match the operator's arity.
	WithNewChildren(children []Operator) (Operator, error)
	// Execute returns the lazy pull stream for the given output
	// partition.
	Execute(ctx context.Context, partition int) (RowStream, error)
	// ExecuteProjected is the column-pruned variant of Execute.
	// projection names the output schema column indices to retain, in
	// order.
	ExecuteProjected(ctx context.Context, partition int, projection []int) (RowStream, error)
}
