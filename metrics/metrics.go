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

// Package metrics implements the per-operator baseline metrics
// object: timers separating elapsed compute time from I/O/waiting
// time, and counters for output rows, spill bytes, spill count, and
// processed data size. Names are free-form but stable.
package metrics

import (
	"fmt"
	"sync"
	"time"
)

// Baseline is the standard set of counters/timers every operator in
// this module exposes. The zero value is ready to use.
type Baseline struct {
	mu sync.Mutex

	computeElapsed time.Duration
	pollElapsed    time.Duration

	computeStart time.Time
	pollStart    time.Time

	outputRows    int64
	spillBytes    int64
	spillCount    int64
	dataSizeBytes int64
}

// StartCompute marks the beginning of a CPU-bound span (sort/merge/
// interleave/filter). Pair with StopCompute.
func (b *Baseline) StartCompute() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.computeStart = now()
}

// StopCompute accumulates elapsed time since the matching StartCompute.
func (b *Baseline) StopCompute() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.computeStart.IsZero() {
		b.computeElapsed += now().Sub(b.computeStart)
		b.computeStart = time.Time{}
	}
}

// StartPoll marks the beginning of an I/O-or-suspension span (waiting
// on the upstream pull-stream, waiting to send to a bounded output
// channel, waiting on the memory manager). Timers are explicitly
// stopped/restarted around these wait points rather than measured
// implicitly, since Go has no async runtime to hook.
func (b *Baseline) StartPoll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pollStart = now()
}

// StopPoll accumulates elapsed time since the matching StartPoll.
func (b *Baseline) StopPoll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.pollStart.IsZero() {
		b.pollElapsed += now().Sub(b.pollStart)
		b.pollStart = time.Time{}
	}
}

// AddOutputRows increments the output-row counter.
func (b *Baseline) AddOutputRows(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outputRows += n
}

// AddSpill records one spill event of the given compressed size.
func (b *Baseline) AddSpill(bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spillBytes += bytes
	b.spillCount++
}

// AddDataSize accumulates bytes of uncompressed data processed.
func (b *Baseline) AddDataSize(bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dataSizeBytes += bytes
}

// Snapshot is an immutable point-in-time read of a Baseline's counters.
type Snapshot struct {
	ComputeElapsed time.Duration
	PollElapsed    time.Duration
	OutputRows     int64
	SpillBytes     int64
	SpillCount     int64
	DataSizeBytes  int64
}

// Snapshot returns the current counter values.
func (b *Baseline) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		ComputeElapsed: b.computeElapsed,
		PollElapsed:    b.pollElapsed,
		OutputRows:     b.outputRows,
		SpillBytes:     b.spillBytes,
		SpillCount:     b.spillCount,
		DataSizeBytes:  b.dataSizeBytes,
	}
}

func (s Snapshot) String() string {
	return fmt.Sprintf("rows=%d compute=%s poll=%s spill_bytes=%d spill_count=%d data_size=%d",
		s.OutputRows, s.ComputeElapsed, s.PollElapsed, s.SpillBytes, s.SpillCount, s.DataSizeBytes)
}

// now is a var so tests can stub it out deterministically without
// depending on wall-clock timing.
var now = time.Now

// Set is a named registry of Baseline objects, one per operator
// instance, the way a host process would collect metrics across a
// whole plan.
type Set struct {
	mu        sync.Mutex
	baselines map[string]*Baseline
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{baselines: make(map[string]*Baseline)}
}

// Register returns the Baseline for name, creating it if necessary.
func (s *Set) Register(name string) *Baseline {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.baselines[name]; ok {
		return b
	}
	b := &Baseline{}
	s.baselines[name] = b
	return b
}

// Snapshot returns a copy of every registered Baseline's current
// counters, keyed by name.
func (s *Set) Snapshot() map[string]Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Snapshot, len(s.baselines))
	for name, b := range s.baselines {
		out[name] = b.Snapshot()
	}
	return out
}
