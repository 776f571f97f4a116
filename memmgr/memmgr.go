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

// Package memmgr implements the process-wide memory-manager consumer
// protocol: operators register as Consumers, report memory usage
// deltas, and implement a Spill callback the Manager may invoke from
// another goroutine while the operator is concurrently pulling input
// or producing output. A production-grade allocator with fine-grained
// budget policy belongs to the embedding host; what lives here is the
// registration/accounting contract sortop and joinop depend on, with
// a Manager implementation simple enough to exercise that contract in
// tests and in a standalone host.
package memmgr

import (
	"fmt"
	"sync"
)

// Consumer is implemented by any operator that wants the manager to
// be able to ask it to free memory.
type Consumer interface {
	// Name identifies the consumer in logs and metrics.
	Name() string
	// Spill is invoked by the Manager, possibly from another
	// goroutine, to request the consumer free memory immediately. The
	// consumer must serialize Spill against its own concurrent
	// insert/output path (Spill and batch insertion/output may run
	// concurrently) and either free some memory or return an error.
	Spill() error
}

// Info is the bookkeeping the Manager keeps per registered Consumer.
type Info struct {
	MemUsed   int64
	Spillable bool
}

// Manager tracks registered Consumers' reported memory usage against
// an aggregate budget and, whenever an UpdateMemUsed call leaves usage
// over that budget, asks spillable consumers to free memory. This
// implementation is synchronous and single-process.
type Manager struct {
	mu        sync.Mutex
	consumers map[Consumer]*Info
	budget    int64
}

// NewManager returns a Manager enforcing budget bytes in aggregate
// across all registered consumers. A budget of 0 means unlimited.
func NewManager(budget int64) *Manager {
	return &Manager{consumers: make(map[Consumer]*Info), budget: budget}
}

// Register adds c to the set of tracked consumers. The sort operator
// registers itself on construction and deregisters via an explicit
// Unregister call from its Close path, since Go has no destructors.
func (m *Manager) Register(c Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers[c] = &Info{Spillable: true}
}

// Unregister removes c from the tracked set.
func (m *Manager) Unregister(c Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.consumers, c)
}

// UpdateMemUsed reports a new absolute memory usage figure for c, and
// returns an error if this pushes aggregate usage over budget AND no
// consumer (including c) can be made to spill to bring it back down.
// Spill calls happen synchronously: the caller requesting the update
// blocks until enough consumers have spilled or the request is
// rejected. A failing Spill call ends the update with that error. If
// c is not spillable, usage still over budget after every candidate
// has spilled is tolerated and nil is returned.
func (m *Manager) UpdateMemUsed(c Consumer, bytes int64) error {
	m.mu.Lock()
	info, ok := m.consumers[c]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("memmgr: %s is not registered", c.Name())
	}
	info.MemUsed = bytes
	reporterSpillable := info.Spillable
	over := m.budget > 0 && m.total() > m.budget
	victims := m.spillCandidates()
	m.mu.Unlock()

	if !over {
		return nil
	}
	for _, v := range victims {
		if err := v.Spill(); err != nil {
			return fmt.Errorf("memmgr: spill request to %s failed: %w", v.Name(), err)
		}
		m.mu.Lock()
		stillOver := m.total() > m.budget
		m.mu.Unlock()
		if !stillOver {
			return nil
		}
	}
	// A non-spillable reporter is mid-output: its cursors cannot be
	// reclaimed without corrupting the merge in flight, so its usage
	// is tolerated rather than rejected. Only a reporter the manager
	// could in principle have shrunk gets the hard failure.
	if !reporterSpillable {
		return nil
	}
	return fmt.Errorf("memmgr: budget %d exceeded and no consumer could free enough memory", m.budget)
}

// SetSpillable marks c as eligible (or ineligible) to receive Spill
// calls from the Manager.
func (m *Manager) SetSpillable(c Consumer, spillable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.consumers[c]; ok {
		info.Spillable = spillable
	}
}

// total must be called with m.mu held.
func (m *Manager) total() int64 {
	var sum int64
	for _, info := range m.consumers {
		sum += info.MemUsed
	}
	return sum
}

// spillCandidates must be called with m.mu held; it returns the
// tracked consumers eligible for Spill, largest usage first, so the
// fewest Spill calls are needed to relieve pressure. The consumer
// calling UpdateMemUsed is deliberately not excluded from its own
// result: the manager may call back into the reporting consumer's own
// Spill on the caller's goroutine when that consumer is itself the
// largest spillable user of memory.
func (m *Manager) spillCandidates() []Consumer {
	var out []Consumer
	for c, info := range m.consumers {
		if info.Spillable {
			out = append(out, c)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && m.consumers[out[j-1]].MemUsed < m.consumers[out[j]].MemUsed; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
