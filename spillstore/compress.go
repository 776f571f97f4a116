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

package spillstore

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// blockCompressor is what WriteBlock needs from a Codec to turn a raw
// block into its on-the-wire compressed form.
type blockCompressor interface {
	compress(src, dst []byte) []byte
}

// blockDecompressor is what Reader needs to reverse a blockCompressor.
// Decompress must error out rather than silently truncate/grow if dst
// isn't exactly the decompressed size, and must be safe to call
// concurrently from multiple Readers sharing the same decoder.
type blockDecompressor interface {
	decompress(src, dst []byte) error
}

type zstdBlockCompressor struct {
	enc *zstd.Encoder
}

func (z zstdBlockCompressor) compress(src, dst []byte) []byte {
	return z.enc.EncodeAll(src, dst)
}

var zstdDecoder *zstd.Decoder

func init() {
	// the zstd default decoder concurrency is min(4, GOMAXPROCS); a
	// spill reader would rather always use every available core.
	z, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
	zstdDecoder = z
}

type zstdBlockDecompressor zstd.Decoder

func (z *zstdBlockDecompressor) decompress(src, dst []byte) error {
	into := dst[:0:len(dst)]
	ret, err := (*zstd.Decoder)(z).DecodeAll(src, into)
	if err != nil {
		return fmt.Errorf("spillstore: zstd decompress: %w", err)
	}
	if len(ret) != len(dst) {
		return fmt.Errorf("spillstore: zstd decompress: expected %d bytes, got %d", len(dst), len(ret))
	}
	if len(dst) > 0 && &ret[0] != &dst[0] {
		return fmt.Errorf("spillstore: zstd decompress: output buffer was reallocated")
	}
	return nil
}

type s2BlockCodec struct{}

func (s2BlockCodec) compress(src, dst []byte) []byte {
	tail := dst[len(dst):cap(dst)]
	// s2 requires non-overlapping src and dst.
	if overlappingRanges(src, tail) {
		tail = nil
	}
	got := s2.Encode(tail, src)
	if len(dst) == 0 {
		return got
	}
	if len(tail) > 0 && len(got) > 0 && &tail[0] == &got[0] {
		return dst[:len(dst)+len(got)]
	}
	return append(dst, got...)
}

func (s2BlockCodec) decompress(src, dst []byte) error {
	into := dst[:0:len(dst)]
	ret, err := s2.Decode(into, src)
	if err != nil {
		return fmt.Errorf("spillstore: s2 decompress: %w", err)
	}
	if len(ret) != len(dst) {
		return fmt.Errorf("spillstore: s2 decompress: expected %d bytes, got %d", len(dst), len(ret))
	}
	if len(dst) > 0 && &ret[0] != &dst[0] {
		return fmt.Errorf("spillstore: s2 decompress: output buffer was reallocated")
	}
	return nil
}

// compressorFor builds a fresh blockCompressor for codec. zstd
// encoders are stateful (they buffer across EncodeAll calls
// internally), so unlike the decoders below, one is allocated per
// WriteBlock call rather than shared.
func compressorFor(codec Codec) (blockCompressor, error) {
	switch codec {
	case Zstd:
		z, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("spillstore: building zstd encoder: %w", err)
		}
		return zstdBlockCompressor{z}, nil
	case S2:
		return s2BlockCodec{}, nil
	default:
		return nil, fmt.Errorf("spillstore: unknown codec %q", codec)
	}
}

// decompressorFor returns the shared blockDecompressor for codec. The
// zstd decoders are process-wide singletons (safe for concurrent use
// across Readers) since constructing one is comparatively expensive.
func decompressorFor(codec Codec) (blockDecompressor, error) {
	switch codec {
	case Zstd:
		return (*zstdBlockDecompressor)(zstdDecoder), nil
	case S2:
		return s2BlockCodec{}, nil
	default:
		return nil, fmt.Errorf("spillstore: unknown codec %q", codec)
	}
}

func overlappingRanges(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	a0 := uintptr(unsafe.Pointer(&a[0]))
	a1 := a0 + uintptr(len(a))
	b0 := uintptr(unsafe.Pointer(&b[0]))
	b1 := b0 + uintptr(len(b))
	return a0 < b1 && b0 < a1
}
