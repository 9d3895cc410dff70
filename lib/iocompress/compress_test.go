// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

package iocompress

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestCompressRoundtrip(t *testing.T) {
	data := bytes.Repeat([]byte("compressible block data "), 512)

	for _, method := range []string{MethodZstd, MethodLZ4} {
		compressed, err := Compress(method, data)
		if err != nil {
			t.Fatalf("Compress(%s) failed: %v", method, err)
		}
		if len(compressed) >= len(data) {
			t.Errorf("Compress(%s) did not shrink: %d >= %d", method, len(compressed), len(data))
		}

		decompressed, err := Decompress(method, compressed, len(data))
		if err != nil {
			t.Fatalf("Decompress(%s) failed: %v", method, err)
		}
		if !bytes.Equal(decompressed, data) {
			t.Errorf("Decompress(%s): data does not match original", method)
		}
	}
}

func TestCompressIncompressible(t *testing.T) {
	data := make([]byte, 4096)
	rand.Read(data)

	for _, method := range []string{MethodZstd, MethodLZ4} {
		_, err := Compress(method, data)
		if err == nil {
			t.Fatalf("Compress(%s) succeeded on random data, expected incompressible", method)
		}
		if !IsIncompressible(err) {
			t.Errorf("Compress(%s) error is not incompressible: %v", method, err)
		}
	}
}

func TestCompressNonePassthrough(t *testing.T) {
	data := []byte("stored bytes")

	out, err := Compress(MethodNone, data)
	if err != nil {
		t.Fatalf("Compress(None) failed: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("Compress(None) modified data")
	}

	back, err := Decompress(MethodNone, out, len(data))
	if err != nil {
		t.Fatalf("Decompress(None) failed: %v", err)
	}
	if !bytes.Equal(back, data) {
		t.Error("Decompress(None) modified data")
	}

	if _, err := Decompress(MethodNone, out, len(data)+1); err == nil {
		t.Error("Decompress(None) accepted mismatched size")
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	data := bytes.Repeat([]byte("abcd"), 1024)
	compressed, err := Compress(MethodZstd, data)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	if _, err := Decompress(MethodZstd, compressed, len(data)-1); err == nil {
		t.Error("Decompress accepted wrong uncompressed size")
	}
}

func TestUnknownMethod(t *testing.T) {
	if IsKnownMethod("Oodle") {
		t.Error("Oodle reported as known")
	}
	if !IsKnownMethod(MethodZstd) || !IsKnownMethod(MethodNone) {
		t.Error("built-in method reported as unknown")
	}

	if _, err := Compress("Oodle", []byte("x")); err == nil {
		t.Error("Compress accepted unknown method")
	}
	if _, err := Decompress("Oodle", []byte("x"), 1); err == nil {
		t.Error("Decompress accepted unknown method")
	}
}
