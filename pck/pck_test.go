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

package pck

import (
	"bytes"
	"testing"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	keys := [][]byte{
		[]byte("apple"),
		[]byte("apple"),
		[]byte("applesauce"),
		[]byte("banana"),
		[]byte(""),
		[]byte("banana"),
	}

	w := NewWriter()
	for _, k := range keys {
		w.Put(k)
	}

	r := NewReader(w.Bytes())
	for i, want := range keys {
		got, ok, err := r.Next()
		if err != nil {
			t.Fatalf("key %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("key %d: expected more keys", i)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("key %d: got %q want %q", i, got, want)
		}
	}
	if _, ok, _ := r.Next(); ok {
		t.Fatalf("expected stream exhausted")
	}
}

func TestRepeatMarkerIsCompact(t *testing.T) {
	w := NewWriter()
	w.Put([]byte("xxxxxxxxxx"))
	lenAfterFirst := w.Len()
	w.Put([]byte("xxxxxxxxxx"))
	if w.Len()-lenAfterFirst != 1 {
		t.Fatalf("repeat marker should cost exactly 1 byte, cost %d", w.Len()-lenAfterFirst)
	}
}

func TestEmptyStream(t *testing.T) {
	r := NewReader(nil)
	if _, ok, err := r.Next(); ok || err != nil {
		t.Fatalf("expected immediate exhaustion on empty stream")
	}
}

func TestSharedPrefixGrowsAndShrinks(t *testing.T) {
	keys := [][]byte{
		[]byte("a"),
		[]byte("ab"),
		[]byte("abc"),
		[]byte("ab"),
		[]byte("a"),
		[]byte(""),
	}
	w := NewWriter()
	for _, k := range keys {
		w.Put(k)
	}
	r := NewReader(w.Bytes())
	for i, want := range keys {
		got, ok, err := r.Next()
		if err != nil || !ok {
			t.Fatalf("key %d: ok=%v err=%v", i, ok, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("key %d: got %q want %q", i, got, want)
		}
	}
}
