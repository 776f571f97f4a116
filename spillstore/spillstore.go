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

// Package spillstore implements the append-only compressed byte
// stream behind every spill: a sequence of independently compressed,
// size-prefixed blocks, backed by either memory or a temp file on
// disk, read back with a single-pass sequential reader. sortop writes
// two blocks per sub-batch (a serialized pruned RecordBatch, then its
// prefix-compressed key run) into a Spill; joinop does not spill (a
// join is single-pass and dual-cursor, holding only a bounded window
// of input batches per side).
//
// Compression is provided by compress.go, a small blockCompressor/
// blockDecompressor wrapper around klauspost/compress's s2 and zstd
// codecs.
package spillstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
)

// Codec names a compression algorithm usable for a Spill.
type Codec string

const (
	S2   Codec = "s2"
	Zstd Codec = "zstd"
)

// ReaderOverhead is the fixed memory cost an open spill Reader
// reserves with the memory manager, independent of the sizes of the
// blocks it happens to read: a Reader holds live decompression
// buffers that the spill's own byte counters don't capture.
const ReaderOverhead = 256 * 1024

// Backing selects where a Spill's bytes live.
type Backing int

const (
	// Memory keeps the spill entirely in a growable in-process
	// buffer. Used when the host's memory budget still has headroom
	// but the operator wants to stop holding decoded rows.
	Memory Backing = iota
	// Disk backs the spill with a temp file, for when memory pressure
	// requires actually freeing process memory.
	Disk
)

// Store creates Spills sharing a Backing, Codec and (for Disk) temp
// directory.
type Store struct {
	Backing Backing
	Codec   Codec
	Dir     string
}

// NewStore returns a Store. dir is ignored when backing is Memory; an
// empty dir means os.TempDir().
func NewStore(backing Backing, codec Codec, dir string) *Store {
	return &Store{Backing: backing, Codec: codec, Dir: dir}
}

// Create opens a new, empty Spill ready for WriteBlock calls.
func (s *Store) Create() (*Spill, error) {
	sp := &Spill{codec: s.Codec, backing: s.Backing}
	switch s.Backing {
	case Memory:
		sp.mem = &growBuffer{}
	case Disk:
		f, err := os.CreateTemp(s.Dir, fmt.Sprintf("spill-%s-*.tmp", uuid.NewString()))
		if err != nil {
			return nil, fmt.Errorf("spillstore: creating temp file: %w", err)
		}
		sp.path = f.Name()
		sp.file = f
		sp.bw = bufio.NewWriter(f)
	default:
		return nil, fmt.Errorf("spillstore: unknown backing %d", s.Backing)
	}
	return sp, nil
}

// growBuffer is a minimal io.Writer/io.ReaderAt-free growable buffer;
// spillstore only ever needs sequential append + sequential re-read,
// so a plain []byte slice (not bytes.Buffer, which discards read
// bytes) is all a memory-backed Spill needs.
type growBuffer struct {
	data []byte
}

func (g *growBuffer) Write(p []byte) (int, error) {
	g.data = append(g.data, p...)
	return len(p), nil
}

// Spill is one append-only, then read-once, compressed block stream.
// WriteBlock must not be called after Reader has been invoked.
type Spill struct {
	codec   Codec
	backing Backing

	mem *growBuffer

	path string
	file *os.File
	bw   *bufio.Writer

	blocks          int
	compressedBytes int64
}

// WriteBlock compresses data with the Spill's codec and appends a
// self-describing block (uncompressed length, compressed length,
// compressed bytes) to the stream.
func (sp *Spill) WriteBlock(data []byte) error {
	compressor, err := compressorFor(sp.codec)
	if err != nil {
		return err
	}
	compressed := compressor.compress(data, nil)

	var hdr [2 * binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(data)))
	n += binary.PutUvarint(hdr[n:], uint64(len(compressed)))

	w := sp.writer()
	if _, err := w.Write(hdr[:n]); err != nil {
		return fmt.Errorf("spillstore: writing block header: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return fmt.Errorf("spillstore: writing block body: %w", err)
	}
	sp.blocks++
	sp.compressedBytes += int64(n + len(compressed))
	return nil
}

func (sp *Spill) writer() io.Writer {
	if sp.backing == Memory {
		return sp.mem
	}
	return sp.bw
}

// Blocks reports how many blocks have been written.
func (sp *Spill) Blocks() int { return sp.blocks }

// Discard releases a Spill's resources without ever reading it back,
// for the case where the consumer that created it is cancelled before
// the spill is drained. Reader must not have been called.
func (sp *Spill) Discard() error {
	switch sp.backing {
	case Memory:
		sp.mem = nil
		return nil
	case Disk:
		cerr := sp.file.Close()
		rerr := os.Remove(sp.path)
		if cerr != nil {
			return fmt.Errorf("spillstore: closing discarded spill: %w", cerr)
		}
		return rerr
	default:
		return fmt.Errorf("spillstore: unknown backing %d", sp.backing)
	}
}

// CompressedBytes reports the total on-the-wire size written so far,
// the figure sortop reports to metrics.Baseline as spill bytes.
func (sp *Spill) CompressedBytes() int64 { return sp.compressedBytes }

// Reader finalizes the write side (flushing any buffered disk writer)
// and returns a Reader positioned at the start of the stream, plus an
// io.Closer that releases the Spill's resources (removing the temp
// file, for a Disk-backed spill) once the caller is done reading.
func (sp *Spill) Reader() (*Reader, io.Closer, error) {
	switch sp.backing {
	case Memory:
		r, err := NewReader(newByteSliceReader(sp.mem.data), sp.codec)
		if err != nil {
			return nil, nil, err
		}
		return r, io.NopCloser(nil), nil
	case Disk:
		if err := sp.bw.Flush(); err != nil {
			return nil, nil, fmt.Errorf("spillstore: flushing spill: %w", err)
		}
		if err := sp.file.Close(); err != nil {
			return nil, nil, fmt.Errorf("spillstore: closing spill writer: %w", err)
		}
		f, err := os.Open(sp.path)
		if err != nil {
			return nil, nil, fmt.Errorf("spillstore: reopening spill for read: %w", err)
		}
		r, err := NewReader(f, sp.codec)
		if err != nil {
			return nil, nil, err
		}
		return r, &diskSpillCloser{f: f, path: sp.path}, nil
	default:
		return nil, nil, fmt.Errorf("spillstore: unknown backing %d", sp.backing)
	}
}

type diskSpillCloser struct {
	f    *os.File
	path string
}

func (c *diskSpillCloser) Close() error {
	cerr := c.f.Close()
	rerr := os.Remove(c.path)
	if cerr != nil {
		return cerr
	}
	return rerr
}

func newByteSliceReader(b []byte) io.Reader {
	return &sliceReader{data: b}
}

type sliceReader struct {
	data []byte
	pos  int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n, nil
}

// Reader decodes a block stream produced by Spill.WriteBlock.
type Reader struct {
	r            *bufio.Reader
	decompressor blockDecompressor
}

// NewReader wraps r (a raw block stream, e.g. from Spill.Reader) with
// the given Codec's decompressor.
func NewReader(r io.Reader, codec Codec) (*Reader, error) {
	d, err := decompressorFor(codec)
	if err != nil {
		return nil, err
	}
	return &Reader{r: bufio.NewReader(r), decompressor: d}, nil
}

// ReadBlock returns the next decompressed block, or io.EOF once the
// stream is exhausted.
func (r *Reader) ReadBlock() ([]byte, error) {
	uncompressedLen, err := binary.ReadUvarint(r.r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("spillstore: reading block header: %w", err)
	}
	compressedLen, err := binary.ReadUvarint(r.r)
	if err != nil {
		return nil, fmt.Errorf("spillstore: reading block header: %w", err)
	}
	compressed := make([]byte, compressedLen)
	if _, err := io.ReadFull(r.r, compressed); err != nil {
		return nil, fmt.Errorf("spillstore: reading block body: %w", err)
	}
	dst := make([]byte, uncompressedLen)
	if uncompressedLen > 0 {
		if err := r.decompressor.decompress(compressed, dst); err != nil {
			return nil, fmt.Errorf("spillstore: decompressing block: %w", err)
		}
	}
	return dst, nil
}
