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

// Package joinop implements the sort-merge join operator: an
// equality-join over two already key-ordered input streams, with an
// optional residual filter evaluated over every candidate output row
// (matched pairs and null-padded unmatched rows) before it's emitted.
//
// It shares package batch/rowkey/memmgr/metrics/operator with sortop
// but keeps its own cursor and main-loop machinery, since a join
// drives two independent input streams rather than merging N
// homogeneous ones.
package joinop

import (
	"fmt"
	"math"
	"sync"

	"github.com/flowbase/colexec/batch"
	"github.com/flowbase/colexec/memmgr"
	"github.com/flowbase/colexec/metrics"
	"github.com/flowbase/colexec/operator"
	"github.com/flowbase/colexec/rowkey"
)

// Kind is the join variant.
type Kind int

const (
	Inner Kind = iota
	LeftOuter
	RightOuter
	FullOuter
	LeftSemi
	RightSemi
	LeftAnti
	RightAnti
)

func (k Kind) String() string {
	switch k {
	case Inner:
		return "inner"
	case LeftOuter:
		return "left"
	case RightOuter:
		return "right"
	case FullOuter:
		return "full"
	case LeftSemi:
		return "left_semi"
	case RightSemi:
		return "right_semi"
	case LeftAnti:
		return "left_anti"
	case RightAnti:
		return "right_anti"
	default:
		return "unknown"
	}
}

// wantsLeftUnmatched reports whether a left row with no equal-keyed
// right row must still appear in the output, null-padded on the right.
func (k Kind) wantsLeftUnmatched() bool {
	return k == LeftOuter || k == FullOuter || k == LeftAnti
}

// wantsRightUnmatched is wantsLeftUnmatched's mirror.
func (k Kind) wantsRightUnmatched() bool {
	return k == RightOuter || k == FullOuter || k == RightAnti
}

// emitsMatches reports whether a matched (equal-key) pair produces
// output rows at all: Semi/Anti kinds use the match only to decide
// membership, never emitting the paired row itself.
func (k Kind) emitsMatches() bool {
	switch k {
	case LeftSemi, RightSemi, LeftAnti, RightAnti:
		return false
	default:
		return true
	}
}

// leftOnlyOutput / rightOnlyOutput report whether this kind's output
// schema is one side only (Semi/Anti), rather than the concatenation
// of both.
func (k Kind) leftOnlyOutput() bool  { return k == LeftSemi || k == LeftAnti }
func (k Kind) rightOnlyOutput() bool { return k == RightSemi || k == RightAnti }

// KeyExpr names one equijoin column pair: Left indexes LeftSchema,
// Right indexes RightSchema. Both columns must carry the same Option
// (the merge comparator needs one consistent ordering across both
// cursors) and, by construction via rowkey.NewCodec, the same count
// on each side.
type KeyExpr struct {
	Left   int
	Right  int
	Option rowkey.Option
}

// Filter is a residual predicate beyond the equijoin condition,
// evaluated over every candidate output row before it is emitted:
// each matched pair and, for outer kinds, each unmatched row paired
// with the other side's all-null sentinel row. It receives the unprojected
// left/right batches and row indices so it can reference any input
// column, not just ones in the output projection. A
// null/indeterminate result must be reported as (false, nil):
// residual-filter nulls behave like SQL's WHERE-clause null, i.e.
// exclude the row.
type Filter func(left, right batch.RecordBatch, leftRow, rightRow int) (bool, error)

// Config configures one Join instance.
type Config struct {
	LeftSchema  batch.Schema
	RightSchema batch.Schema

	// On lists the equijoin key column pairs, most significant first.
	On []KeyExpr
	// Kind selects the join variant.
	Kind Kind
	// Filter is an optional residual predicate over candidate output
	// rows (see Filter).
	// Rejected at construction for Semi/Anti kinds, whose output
	// isn't made of pairs a pair-level predicate could filter.
	Filter Filter

	// LeftProjection/RightProjection select which columns of the
	// corresponding side appear in the output, and in what order.
	// Semi/Anti kinds only consult the projection for their one live
	// side; the other is ignored.
	LeftProjection  []int
	RightProjection []int

	// SubBatchRows is the target row count per emitted chunk before a
	// flush. Zero derives it from OutputRows as
	// OutputRows/log10(OutputRows).
	SubBatchRows int
	// OutputRows is the suggested output batch size used to recoalesce
	// the final stream.
	OutputRows int
	// LiveBatchLimit is the per-side count of loaded-but-not-yet-
	// reclaimed batches that forces an intermediate flush so
	// clearOutdated can run. Zero means 5.
	LiveBatchLimit int

	// Mem is the memory manager this operator registers with. Nil
	// disables memory-manager registration. joinop never spills to
	// disk the way sortop does; it only ever holds a bounded in-memory
	// window of batches per side, reported to Mem like any other
	// consumer.
	Mem *memmgr.Manager

	Name    string
	Metrics *metrics.Set

	Left  operator.Operator
	Right operator.Operator
}

// subBatchSize derives the intermediate flush threshold from the
// output batch size as batchSize/log10(batchSize), floored at 1.
func subBatchSize(batchSize int) int {
	if batchSize <= 1 {
		return 1
	}
	n := int(float64(batchSize) / math.Log10(float64(batchSize)))
	if n < 1 {
		n = 1
	}
	return n
}

// Join is the sort-merge join operator.
type Join struct {
	cfg Config

	leftCodec    *rowkey.Codec
	rightCodec   *rowkey.Codec
	leftKeyCols  []int
	rightKeyCols []int

	outSchema   batch.Schema
	leftSchema  batch.Schema // LeftSchema.Project(LeftProjection)
	rightSchema batch.Schema // RightSchema.Project(RightProjection)

	metricsBaseline *metrics.Baseline

	// keyMu guards the encoded-key converter state both cursors share;
	// a plain mutex suffices because encoding is fast and contention
	// is rare. The codecs themselves are read-only after construction,
	// so keyMu only needs to serialize the scratch buffer reused
	// across Encode calls.
	keyMu      sync.Mutex
	keyScratch []byte

	mu     sync.Mutex
	closed bool
}

// New validates cfg and returns a ready Join. Construction errors:
// empty On, key column out of range, key arity/option mismatch
// (surfaced by rowkey.NewCodec), a Filter paired with a Semi/Anti
// Kind, or a projection entry out of range.
func New(cfg Config) (*Join, error) {
	if len(cfg.On) == 0 {
		return nil, fmt.Errorf("joinop: at least one join key is required")
	}
	if cfg.Filter != nil && !cfg.Kind.emitsMatches() {
		return nil, fmt.Errorf("joinop: a residual filter cannot be combined with a %s join", cfg.Kind)
	}
	if cfg.SubBatchRows <= 0 {
		base := cfg.OutputRows
		if base <= 0 {
			base = 4096
		}
		cfg.SubBatchRows = subBatchSize(base)
	}
	if cfg.OutputRows <= 0 {
		cfg.OutputRows = 4096
	}
	if cfg.LiveBatchLimit <= 0 {
		cfg.LiveBatchLimit = 5
	}
	if cfg.Name == "" {
		cfg.Name = "joinop.Join"
	}

	leftFields := make([]batch.Field, len(cfg.On))
	rightFields := make([]batch.Field, len(cfg.On))
	options := make([]rowkey.Option, len(cfg.On))
	leftKeyCols := make([]int, len(cfg.On))
	rightKeyCols := make([]int, len(cfg.On))
	for i, k := range cfg.On {
		if k.Left < 0 || k.Left >= len(cfg.LeftSchema.Fields) {
			return nil, fmt.Errorf("joinop: left key column %d out of range for schema with %d fields", k.Left, len(cfg.LeftSchema.Fields))
		}
		if k.Right < 0 || k.Right >= len(cfg.RightSchema.Fields) {
			return nil, fmt.Errorf("joinop: right key column %d out of range for schema with %d fields", k.Right, len(cfg.RightSchema.Fields))
		}
		leftFields[i] = cfg.LeftSchema.Fields[k.Left]
		rightFields[i] = cfg.RightSchema.Fields[k.Right]
		options[i] = k.Option
		leftKeyCols[i] = k.Left
		rightKeyCols[i] = k.Right
	}
	leftCodec, err := rowkey.NewCodec(leftFields, options)
	if err != nil {
		return nil, fmt.Errorf("joinop: left key: %w", err)
	}
	rightCodec, err := rowkey.NewCodec(rightFields, options)
	if err != nil {
		return nil, fmt.Errorf("joinop: right key: %w", err)
	}

	for _, p := range cfg.LeftProjection {
		if p < 0 || p >= len(cfg.LeftSchema.Fields) {
			return nil, fmt.Errorf("joinop: left projection column %d out of range", p)
		}
	}
	for _, p := range cfg.RightProjection {
		if p < 0 || p >= len(cfg.RightSchema.Fields) {
			return nil, fmt.Errorf("joinop: right projection column %d out of range", p)
		}
	}

	j := &Join{
		cfg:          cfg,
		leftCodec:    leftCodec,
		rightCodec:   rightCodec,
		leftKeyCols:  leftKeyCols,
		rightKeyCols: rightKeyCols,
		leftSchema:   cfg.LeftSchema.Project(cfg.LeftProjection),
		rightSchema:  cfg.RightSchema.Project(cfg.RightProjection),
	}
	switch {
	case cfg.Kind.leftOnlyOutput():
		j.outSchema = j.leftSchema
	case cfg.Kind.rightOnlyOutput():
		j.outSchema = j.rightSchema
	default:
		j.outSchema = j.leftSchema.Concat(j.rightSchema)
	}

	if cfg.Metrics != nil {
		j.metricsBaseline = cfg.Metrics.Register(cfg.Name)
	} else {
		j.metricsBaseline = &metrics.Baseline{}
	}
	if cfg.Mem != nil {
		cfg.Mem.Register(j)
	}
	return j, nil
}

// Name implements memmgr.Consumer.
func (j *Join) Name() string { return j.cfg.Name }

// Spill implements memmgr.Consumer. A join only ever holds a bounded
// window of batches per side in memory (the intermediate flush
// trigger already keeps that window small), so there is nothing
// useful to discard on demand; it reports success without freeing
// anything, the graceful decline of a consumer with no spillable
// state.
func (j *Join) Spill() error { return nil }

// encodeLeft and encodeRight serialize one row's join key through
// the shared, mutex-guarded scratch buffer.
func (j *Join) encodeLeft(b batch.RecordBatch, row int) (key []byte, hasNull bool) {
	cols := make([]batch.Column, len(j.leftKeyCols))
	for i, c := range j.leftKeyCols {
		cols[i] = b.Columns[c]
	}
	j.keyMu.Lock()
	defer j.keyMu.Unlock()
	j.keyScratch = j.keyScratch[:0]
	out, hasNull := j.leftCodec.Encode(j.keyScratch, cols, row)
	key = append([]byte(nil), out...)
	j.keyScratch = out
	return key, hasNull
}

func (j *Join) encodeRight(b batch.RecordBatch, row int) (key []byte, hasNull bool) {
	cols := make([]batch.Column, len(j.rightKeyCols))
	for i, c := range j.rightKeyCols {
		cols[i] = b.Columns[c]
	}
	j.keyMu.Lock()
	defer j.keyMu.Unlock()
	j.keyScratch = j.keyScratch[:0]
	out, hasNull := j.rightCodec.Encode(j.keyScratch, cols, row)
	key = append([]byte(nil), out...)
	j.keyScratch = out
	return key, hasNull
}
