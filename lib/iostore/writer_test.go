// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iostore-dev/iostore/lib/iocrypto"
	"github.com/iostore-dev/iostore/lib/testutil"
)

func TestWriterRejectsInvalidChunkID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "container")
	writer, err := NewWriter(path, ContainerSettings{}, WriterSettings{})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer writer.Close()

	if err := writer.Append(ChunkID{}, []byte("data"), WriteOptions{}); !errorIs(err, ErrInvalidParameter) {
		t.Errorf("Append(zero id) = %v, want ErrInvalidParameter", err)
	}
}

func TestWriterFileOpenFailure(t *testing.T) {
	_, err := NewWriter(filepath.Join(t.TempDir(), "missing", "dir", "container"),
		ContainerSettings{}, WriterSettings{})
	if !errorIs(err, ErrFileOpenFailed) {
		t.Errorf("NewWriter = %v, want ErrFileOpenFailed", err)
	}
}

func TestWriterSettingsValidation(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name      string
		container ContainerSettings
		settings  WriterSettings
	}{
		{"unknown method", ContainerSettings{ContainerFlags: ContainerFlagCompressed, CompressionMethod: "Oodle"}, WriterSettings{}},
		{"encrypted without guid", ContainerSettings{ContainerFlags: ContainerFlagEncrypted}, WriterSettings{}},
		{"signed without key", ContainerSettings{ContainerFlags: ContainerFlagSigned}, WriterSettings{}},
		{"non power of two block size", ContainerSettings{}, WriterSettings{CompressionBlockSize: 1000}},
		{"alignment not multiple of block size", ContainerSettings{}, WriterSettings{CompressionBlockSize: 4096, CompressionBlockAlignment: 2048}},
	}
	for _, c := range cases {
		_, err := NewWriter(filepath.Join(dir, c.name), c.container, c.settings)
		if !errorIs(err, ErrInvalidParameter) {
			t.Errorf("%s: err = %v, want ErrInvalidParameter", c.name, err)
		}
	}
}

func TestWriterOrdering(t *testing.T) {
	// Chunks appear in the TOC in exact enqueue order, regardless of
	// how long each one's block creation takes.
	path := filepath.Join(t.TempDir(), "ordered")
	writer, err := NewWriter(path, ContainerSettings{
		ContainerFlags:    ContainerFlagCompressed,
		CompressionMethod: "Zstd",
	}, WriterSettings{CompressionBlockSize: 4096})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	var ids []ChunkID
	for i := 0; i < 20; i++ {
		var id ChunkID
		id[0] = byte(i + 1)
		ids = append(ids, id)
		// Vary payload size so block-creation goroutines finish out
		// of order.
		data := bytes.Repeat([]byte{byte(i)}, 100+(i%7)*20000)
		if err := writer.Append(id, data, WriteOptions{}); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}
	if _, err := writer.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reader, err := NewReader(path, nil, ReadOptions{})
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	position := 0
	var lastOffset uint64
	reader.EnumerateChunks(func(info ChunkInfo) bool {
		if info.ID != ids[position] {
			t.Errorf("position %d: id %s, want %s", position, info.ID, ids[position])
		}
		if position > 0 && info.Offset < lastOffset {
			t.Errorf("position %d: offset %d went backwards", position, info.Offset)
		}
		lastOffset = info.Offset
		position++
		return true
	})
	if position != len(ids) {
		t.Errorf("enumerated %d chunks, want %d", position, len(ids))
	}
}

func TestWriterBackpressureScenario(t *testing.T) {
	// Two 10 MiB chunks under a 12 MiB budget: the second Append
	// must block until the first chunk's bytes have been written and
	// its entry freed.
	path := filepath.Join(t.TempDir(), "pressure")
	writer, err := NewWriter(path, ContainerSettings{}, WriterSettings{
		CompressionBlockSize: 64 * 1024,
		MemoryLimit:          12 << 20,
	})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer writer.Close()

	chunk := make([]byte, 10<<20)
	if err := writer.Append(ChunkID{1}, chunk, WriteOptions{}); err != nil {
		t.Fatalf("first Append failed: %v", err)
	}

	secondDone := make(chan struct{})
	go func() {
		if err := writer.Append(ChunkID{2}, chunk, WriteOptions{}); err != nil {
			t.Errorf("second Append failed: %v", err)
		}
		close(secondDone)
	}()

	// The second Append eventually unblocks as the writer goroutine
	// drains the first chunk. We cannot assert it blocked for any
	// particular duration without racing the writer, but it must
	// complete and both chunks must land in order.
	testutil.RequireClosed(t, secondDone, 30*time.Second, "second append under memory pressure")

	result, err := writer.Flush()
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if result.TocEntryCount != 2 {
		t.Errorf("TocEntryCount = %d, want 2", result.TocEntryCount)
	}
	if result.UncompressedContainerSize != 20<<20 {
		t.Errorf("UncompressedContainerSize = %d, want %d", result.UncompressedContainerSize, 20<<20)
	}
}

func TestWriterDuplicateChunkID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dup")
	writer, err := NewWriter(path, ContainerSettings{}, WriterSettings{})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer writer.Close()

	id := ChunkID{9}
	if err := writer.Append(id, []byte("first"), WriteOptions{}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := writer.Append(id, []byte("second"), WriteOptions{}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if _, err := writer.Flush(); !errorIs(err, ErrInvalidParameter) {
		t.Errorf("Flush = %v, want ErrInvalidParameter for duplicate id", err)
	}
}

func TestWriterFlushIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idem")
	writer, err := NewWriter(path, ContainerSettings{}, WriterSettings{})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer writer.Close()

	if err := writer.Append(ChunkID{1}, []byte("payload"), WriteOptions{}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	first, err := writer.Flush()
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	second, err := writer.Flush()
	if err != nil {
		t.Fatalf("second Flush failed: %v", err)
	}
	if first != second {
		t.Error("Flush with nothing new did not return the cached result")
	}
}

func TestWriterAppendAfterFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume")
	writer, err := NewWriter(path, ContainerSettings{}, WriterSettings{})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	if err := writer.Append(ChunkID{1}, []byte("first"), WriteOptions{}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := writer.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// New appends restart the pipeline; the next flush rewrites the
	// TOC with both chunks.
	if err := writer.Append(ChunkID{2}, []byte("second"), WriteOptions{}); err != nil {
		t.Fatalf("Append after flush failed: %v", err)
	}
	result, err := writer.Flush()
	if err != nil {
		t.Fatalf("second Flush failed: %v", err)
	}
	if result.TocEntryCount != 2 {
		t.Errorf("TocEntryCount = %d, want 2", result.TocEntryCount)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reader, err := NewReader(path, nil, ReadOptions{})
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()
	data, err := reader.Read(ChunkID{2})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("Read = %q", data)
	}
}

func TestWriterCSVSidecar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diag")
	writer, err := NewWriter(path, ContainerSettings{}, WriterSettings{EnableCSV: true})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	if err := writer.Append(ChunkID{1}, []byte("HELLO WORLD"), WriteOptions{FileName: "hello.bin"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	csv, err := os.ReadFile(path + ".csv")
	if err != nil {
		t.Fatalf("reading CSV sidecar: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(csv)), "\n")
	if len(lines) != 2 {
		t.Fatalf("CSV has %d lines, want header + 1 row: %q", len(lines), csv)
	}
	if lines[1] != "hello.bin,0,11" {
		t.Errorf("CSV row = %q, want %q", lines[1], "hello.bin,0,11")
	}
}

func TestWriterManifestSidecar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest")
	writer, err := NewWriter(path, ContainerSettings{
		ContainerID: ContainerIDFromName("manifest"),
	}, WriterSettings{EnableManifest: true})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	if err := writer.Append(ChunkID{1}, []byte("payload"), WriteOptions{}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := os.Stat(path + ".manifest.cbor"); err != nil {
		t.Errorf("manifest sidecar missing: %v", err)
	}
}

func TestWriterBlockAlignment(t *testing.T) {
	// Uncompressed container with a 64 KiB block alignment: no block
	// may straddle a 64 KiB file boundary.
	const blockSize = 16 * 1024
	const alignment = 64 * 1024

	path := filepath.Join(t.TempDir(), "aligned")
	writer, err := NewWriter(path, ContainerSettings{}, WriterSettings{
		CompressionBlockSize:      blockSize,
		CompressionBlockAlignment: alignment,
	})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	// Sizes chosen to leave the file cursor misaligned between
	// chunks so padding actually happens.
	sizes := []int{10000, 50000, 70000, 3000, 130000}
	for i, size := range sizes {
		var id ChunkID
		id[0] = byte(i + 1)
		if err := writer.Append(id, bytes.Repeat([]byte{byte(i)}, size), WriteOptions{}); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}
	result, err := writer.Flush()
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if result.PaddingSize == 0 {
		t.Error("expected nonzero alignment padding")
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	provider := iocrypto.Default()
	toc, err := ReadTocResource(path+".utoc", TocReadOptions{WithTocMeta: true}, provider)
	if err != nil {
		t.Fatalf("ReadTocResource failed: %v", err)
	}
	for i := range toc.CompressionBlocks {
		entry := &toc.CompressionBlocks[i]
		start := entry.Offset()
		end := start + uint64(entry.CompressedSize()) - 1
		if alignDown(start, alignment) != alignDown(end, alignment) {
			t.Errorf("block %d [%d, %d] straddles a %d boundary", i, start, end, alignment)
		}
	}
}

func TestWriterMemoryMappedAlignment(t *testing.T) {
	const mappingAlignment = 16 * 1024

	path := filepath.Join(t.TempDir(), "mapped")
	writer, err := NewWriter(path, ContainerSettings{}, WriterSettings{
		CompressionBlockSize:   4096,
		MemoryMappingAlignment: mappingAlignment,
	})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	if err := writer.Append(ChunkID{1}, bytes.Repeat([]byte{1}, 100), WriteOptions{}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := writer.Append(ChunkID{2}, bytes.Repeat([]byte{2}, 100), WriteOptions{IsMemoryMapped: true}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	toc, err := ReadTocResource(path+".utoc", TocReadOptions{WithTocMeta: true}, iocrypto.Default())
	if err != nil {
		t.Fatalf("ReadTocResource failed: %v", err)
	}
	// Second chunk's first (and only) block starts at the mapping
	// alignment.
	if len(toc.CompressionBlocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(toc.CompressionBlocks))
	}
	if offset := toc.CompressionBlocks[1].Offset(); offset%mappingAlignment != 0 {
		t.Errorf("memory-mapped block starts at %d, not aligned to %d", offset, mappingAlignment)
	}
	if toc.ChunkMetas[1].Flags&ChunkMetaFlagMemoryMapped == 0 {
		t.Error("memory-mapped flag not recorded in chunk meta")
	}
}

func TestWriterResultStatistics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats")
	writer, err := NewWriter(path, ContainerSettings{
		ContainerID:       ContainerIDFromName("stats"),
		ContainerFlags:    ContainerFlagCompressed,
		CompressionMethod: "Zstd",
	}, WriterSettings{CompressionBlockSize: 4096})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	data := bytes.Repeat([]byte("statistics payload "), 2048) // compressible
	if err := writer.Append(ChunkID{1}, data, WriteOptions{}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	result, err := writer.Flush()
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if result.ContainerID != ContainerIDFromName("stats") {
		t.Error("result container id mismatch")
	}
	if result.ContainerName != "stats" {
		t.Errorf("ContainerName = %q", result.ContainerName)
	}
	if result.TocEntryCount != 1 {
		t.Errorf("TocEntryCount = %d", result.TocEntryCount)
	}
	if result.UncompressedContainerSize != uint64(len(data)) {
		t.Errorf("UncompressedContainerSize = %d, want %d", result.UncompressedContainerSize, len(data))
	}
	if result.CompressedContainerSize >= result.UncompressedContainerSize {
		t.Errorf("compressible container did not shrink: %d >= %d",
			result.CompressedContainerSize, result.UncompressedContainerSize)
	}
	if result.CompressionMethod != "Zstd" {
		t.Errorf("CompressionMethod = %q", result.CompressionMethod)
	}

	info, err := os.Stat(path + ".ucas")
	if err != nil {
		t.Fatalf("stat body: %v", err)
	}
	if uint64(info.Size()) != result.CompressedContainerSize {
		t.Errorf("body file is %d bytes, result says %d", info.Size(), result.CompressedContainerSize)
	}
}

func TestWriterHashDeterminism(t *testing.T) {
	// Append without an explicit hash records the SHA-1 of the raw
	// buffer, identical to hashing it independently.
	path := filepath.Join(t.TempDir(), "hashes")
	writer, err := NewWriter(path, ContainerSettings{}, WriterSettings{})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	data := []byte("hash me")
	if err := writer.Append(ChunkID{1}, data, WriteOptions{}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reader, err := NewReader(path, nil, ReadOptions{})
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	want := iocrypto.Default().HashBuffer(data)
	reader.EnumerateChunks(func(info ChunkInfo) bool {
		if info.Hash != want {
			t.Errorf("recorded hash %s, want %s", info.Hash, want)
		}
		return true
	})
}

func TestWriterConcurrentAppends(t *testing.T) {
	// Appends from many goroutines are all admitted and written;
	// order across goroutines is whatever the enqueue race produced,
	// but every chunk must be present and intact.
	path := filepath.Join(t.TempDir(), "concurrent")
	writer, err := NewWriter(path, ContainerSettings{
		ContainerFlags:    ContainerFlagCompressed,
		CompressionMethod: "LZ4",
	}, WriterSettings{CompressionBlockSize: 4096})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	const goroutines = 8
	errs := make(chan error, goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			var id ChunkID
			id[0] = byte(g + 1)
			data := bytes.Repeat([]byte{byte(g + 1)}, 10000+g*1000)
			errs <- writer.Append(id, data, WriteOptions{})
		}(g)
	}
	for g := 0; g < goroutines; g++ {
		if err := testutil.RequireReceive(t, errs, 30*time.Second, "append %d", g); err != nil {
			t.Fatalf("concurrent Append failed: %v", err)
		}
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reader, err := NewReader(path, nil, ReadOptions{})
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	if reader.ChunkCount() != goroutines {
		t.Fatalf("ChunkCount = %d, want %d", reader.ChunkCount(), goroutines)
	}
	for g := 0; g < goroutines; g++ {
		var id ChunkID
		id[0] = byte(g + 1)
		data, err := reader.Read(id)
		if err != nil {
			t.Fatalf("Read(%s) failed: %v", id, err)
		}
		want := bytes.Repeat([]byte{byte(g + 1)}, 10000+g*1000)
		if !bytes.Equal(data, want) {
			t.Errorf("chunk %d corrupted (got %d bytes, want %d)", g, len(data), len(want))
		}
	}
}

func TestWriterEmptyChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	writer, err := NewWriter(path, ContainerSettings{}, WriterSettings{})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	if err := writer.Append(ChunkID{1}, nil, WriteOptions{}); err != nil {
		t.Fatalf("Append of empty chunk failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reader, err := NewReader(path, nil, ReadOptions{})
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	data, err := reader.Read(ChunkID{1})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("empty chunk read back %d bytes", len(data))
	}
}

func ExampleWriter() {
	dir, _ := os.MkdirTemp("", "iostore-example-*")
	defer os.RemoveAll(dir)

	writer, _ := NewWriter(filepath.Join(dir, "example"), ContainerSettings{
		ContainerID: ContainerIDFromName("example"),
	}, WriterSettings{})
	_ = writer.Append(ChunkID{1}, []byte("HELLO WORLD"), WriteOptions{})
	result, _ := writer.Flush()
	_ = writer.Close()

	fmt.Println(result.TocEntryCount)
	// Output: 1
}
