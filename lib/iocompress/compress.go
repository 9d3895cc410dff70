// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

package iocompress

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Method names. These are protocol constants: they are written into
// the container's compression-method name table, and a container can
// only be read by a build that knows every method it names.
const (
	// MethodNone is the stored (uncompressed) method. It occupies
	// index 0 of every method table implicitly and is never
	// serialized.
	MethodNone = "None"

	// MethodZstd is zstd at the default level. Better ratios for
	// text-like payloads at acceptable encode cost; this is the
	// default container method.
	MethodZstd = "Zstd"

	// MethodLZ4 is LZ4 block compression. Fast default for binary
	// payloads where decode throughput matters more than ratio.
	MethodLZ4 = "LZ4"
)

// DefaultMethod is the compression method used when container
// settings do not name one.
const DefaultMethod = MethodZstd

// errIncompressible is returned by Compress when the compressed
// output would not be smaller than the input. The caller should
// store the block uncompressed instead.
var errIncompressible = fmt.Errorf("block is incompressible")

// IsIncompressible reports whether err indicates that a block could
// not be compressed smaller than its original size.
func IsIncompressible(err error) bool {
	return err == errIncompressible
}

// IsKnownMethod reports whether name identifies a compression method
// this build can encode and decode.
func IsKnownMethod(name string) bool {
	switch name {
	case MethodNone, MethodZstd, MethodLZ4:
		return true
	}
	return false
}

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization. Both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("iocompress: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("iocompress: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress compresses src with the named method and returns the
// compressed bytes. Returns an incompressible error (see
// [IsIncompressible]) when the output would be at least as large as
// the input; the caller falls back to stored. MethodNone returns the
// input unchanged without copying.
func Compress(method string, src []byte) ([]byte, error) {
	switch method {
	case MethodNone:
		return src, nil

	case MethodZstd:
		compressed := zstdEncoder.EncodeAll(src, nil)
		if len(compressed) >= len(src) {
			return nil, errIncompressible
		}
		return compressed, nil

	case MethodLZ4:
		return compressLZ4(src)

	default:
		return nil, fmt.Errorf("unknown compression method %q", method)
	}
}

// Decompress decompresses src, which was produced by Compress with
// the named method, into a buffer of exactly uncompressedSize bytes.
// A size mismatch after decoding is an error: block sizes are
// recorded in the table of contents, and a disagreement means the
// container is corrupt.
func Decompress(method string, src []byte, uncompressedSize int) ([]byte, error) {
	switch method {
	case MethodNone:
		if len(src) != uncompressedSize {
			return nil, fmt.Errorf("stored block: size %d does not match expected %d",
				len(src), uncompressedSize)
		}
		return src, nil

	case MethodZstd:
		dst := make([]byte, 0, uncompressedSize)
		result, err := zstdDecoder.DecodeAll(src, dst)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d",
				len(result), uncompressedSize)
		}
		return result, nil

	case MethodLZ4:
		dst := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d",
				read, uncompressedSize)
		}
		return dst, nil

	default:
		return nil, fmt.Errorf("unknown compression method %q", method)
	}
}

func compressLZ4(src []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(src))
	dst := make([]byte, bound)

	written, err := lz4.CompressBlock(src, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock returns 0 when it determines the data is
	// incompressible. Also reject output that fails to shrink.
	if written == 0 || written >= len(src) {
		return nil, errIncompressible
	}

	return dst[:written], nil
}
