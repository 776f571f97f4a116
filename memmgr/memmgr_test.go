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

package memmgr

import (
	"errors"
	"testing"
)

type fakeConsumer struct {
	name       string
	spillCalls int
	spillErr   error
	onSpill    func()
}

func (c *fakeConsumer) Name() string { return c.name }
func (c *fakeConsumer) Spill() error {
	c.spillCalls++
	if c.onSpill != nil {
		c.onSpill()
	}
	return c.spillErr
}

func TestUpdateMemUsedUnderBudgetNeverSpills(t *testing.T) {
	m := NewManager(1000)
	c := &fakeConsumer{name: "sort-0"}
	m.Register(c)
	if err := m.UpdateMemUsed(c, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.spillCalls != 0 {
		t.Fatalf("spillCalls = %d, want 0", c.spillCalls)
	}
}

func TestUpdateMemUsedOverBudgetTriggersSpill(t *testing.T) {
	m := NewManager(100)
	c := &fakeConsumer{name: "sort-0"}
	c.onSpill = func() {
		if err := m.UpdateMemUsed(c, 0); err != nil {
			t.Fatalf("reporting post-spill usage: %v", err)
		}
	}
	m.Register(c)
	if err := m.UpdateMemUsed(c, 200); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.spillCalls != 1 {
		t.Fatalf("spillCalls = %d, want 1", c.spillCalls)
	}
}

func TestUpdateMemUsedRejectsWhenNoConsumerCanFree(t *testing.T) {
	m := NewManager(100)
	c := &fakeConsumer{name: "sort-0", spillErr: errors.New("can't spill, already minimal")}
	m.Register(c)
	err := m.UpdateMemUsed(c, 200)
	if err == nil {
		t.Fatalf("expected error when spill cannot relieve pressure")
	}
}

func TestUnregisterRemovesFromBudgetAccounting(t *testing.T) {
	m := NewManager(100)
	c := &fakeConsumer{name: "sort-0"}
	m.Register(c)
	if err := m.UpdateMemUsed(c, 50); err != nil {
		t.Fatal(err)
	}
	m.Unregister(c)
	if err := m.UpdateMemUsed(c, 10); err == nil {
		t.Fatalf("expected error updating an unregistered consumer")
	}
}

func TestNonSpillableConsumerIsSkipped(t *testing.T) {
	m := NewManager(100)
	c := &fakeConsumer{name: "sort-0"}
	m.Register(c)
	m.SetSpillable(c, false)
	// A non-spillable reporter is mid-output; its overage is
	// tolerated, but it must never receive a Spill call.
	if err := m.UpdateMemUsed(c, 200); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.spillCalls != 0 {
		t.Fatalf("spillCalls = %d, want 0 (consumer marked non-spillable)", c.spillCalls)
	}
}
