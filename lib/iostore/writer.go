// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/iostore-dev/iostore/lib/iocrypto"
)

// WriterResult is the aggregate statistics returned by Flush and
// persisted to the CBOR manifest sidecar when enabled.
type WriterResult struct {
	ContainerID               ContainerID    `cbor:"container_id"`
	ContainerName             string         `cbor:"container_name"`
	ContainerFlags            ContainerFlags `cbor:"container_flags"`
	CompressionMethod         string         `cbor:"compression_method"`
	TocSize                   int64          `cbor:"toc_size"`
	TocEntryCount             int            `cbor:"toc_entry_count"`
	PaddingSize               uint64         `cbor:"padding_size"`
	UncompressedContainerSize uint64         `cbor:"uncompressed_container_size"`
	CompressedContainerSize   uint64         `cbor:"compressed_container_size"`
}

// Writer builds one container. Appends may come from any number of
// goroutines; a single writer goroutine owns the body file and the
// TOC and serializes chunks in exact enqueue order. Flush drains the
// pipeline and persists the TOC; appending after a flush restarts
// the pipeline and the next flush rewrites the TOC.
//
// Append must not race Flush or Close: the caller finishes all
// appends (or sequences them before the flush) before finalizing.
type Writer struct {
	containerPath string
	containerName string
	container     ContainerSettings
	settings      WriterSettings
	provider      iocrypto.Provider

	body *os.File
	csv  *os.File

	queue      *writeQueue
	writerDone chan struct{}

	// State below is owned by the writer goroutine while it runs,
	// and read by Flush only after writerDone is closed.
	toc                *containerToc
	fileOffset         uint64
	uncompressedOffset uint64
	uncompressedSize   uint64
	paddingSize        uint64
	writerErr          error

	stateMu sync.Mutex
	dirty   bool
	flushed bool
	closed  bool
	result  *WriterResult
}

// WriterOption customizes Writer construction.
type WriterOption func(*Writer)

// WithWriterProvider substitutes the crypto provider. The default is
// iocrypto.Default().
func WithWriterProvider(provider iocrypto.Provider) WriterOption {
	return func(w *Writer) { w.provider = provider }
}

// NewWriter creates the container body file at <path>.ucas
// (truncating any previous contents), optionally a <path>.csv
// diagnostics sidecar, and starts the writer goroutine. The TOC is
// written to <path>.utoc at Flush.
func NewWriter(path string, container ContainerSettings, settings WriterSettings, options ...WriterOption) (*Writer, error) {
	if err := container.Validate(); err != nil {
		return nil, err
	}
	if err := settings.applyDefaults(); err != nil {
		return nil, err
	}

	w := &Writer{
		containerPath: path,
		containerName: filepath.Base(path),
		container:     container,
		settings:      settings,
		provider:      iocrypto.Default(),
		toc:           newContainerToc(),
		queue:         newWriteQueue(settings.MemoryLimit),
	}
	for _, option := range options {
		option(w)
	}

	w.toc.resource.CompressionMethods = []string{"None"}
	if container.IsCompressed() {
		w.toc.resource.CompressionMethods = append(w.toc.resource.CompressionMethods, container.CompressionMethod)
	}

	body, err := os.Create(path + ".ucas")
	if err != nil {
		return nil, fmt.Errorf("%w: creating container body: %v", ErrFileOpenFailed, err)
	}
	w.body = body

	if settings.EnableCSV {
		csv, err := os.Create(path + ".csv")
		if err != nil {
			body.Close()
			return nil, fmt.Errorf("%w: creating CSV sidecar: %v", ErrFileOpenFailed, err)
		}
		w.csv = csv
		fmt.Fprintf(w.csv, "Name,Offset,Size\n")
	}

	w.writerDone = make(chan struct{})
	go w.processChunks()

	w.settings.Logger.Info("container writer opened",
		"container", w.containerName,
		"id", fmt.Sprintf("%016x", uint64(container.ContainerID)),
		"flags", container.ContainerFlags.String())

	return w, nil
}

// Append hands one chunk to the writer. The content hash is computed
// here (SHA-1 over the raw payload); use AppendWithHash when the
// caller already has it. The payload is copied at admission, so the
// caller's buffer may be reused immediately.
//
// Append blocks while the pending-chunk memory budget is exhausted;
// it is released as the writer goroutine drains earlier chunks.
func (w *Writer) Append(id ChunkID, data []byte, options WriteOptions) error {
	return w.AppendWithHash(id, w.provider.HashBuffer(data), data, options)
}

// AppendWithHash is Append with a caller-supplied content hash.
func (w *Writer) AppendWithHash(id ChunkID, hash iocrypto.Hash, data []byte, options WriteOptions) error {
	if !id.IsValid() {
		return fmt.Errorf("%w: chunk id is the zero sentinel", ErrInvalidParameter)
	}

	w.stateMu.Lock()
	if w.closed {
		w.stateMu.Unlock()
		return fmt.Errorf("%w: writer is closed", ErrInvalidParameter)
	}
	if w.flushed {
		// Restart the pipeline: the previous flush terminated the
		// writer goroutine.
		w.queue.reopen()
		w.writerDone = make(chan struct{})
		go w.processChunks()
		w.flushed = false
	}
	w.dirty = true
	w.stateMu.Unlock()

	// Admission control: blocks under memory pressure.
	w.queue.alloc(int64(len(data)))

	entry := &writeQueueEntry{
		id:      id,
		hash:    hash,
		data:    append([]byte(nil), data...),
		options: options,
		ready:   make(chan struct{}),
	}

	// Block creation runs off the calling thread; the writer
	// goroutine waits on ready before serializing this entry.
	go func() {
		entry.buffer, entry.blocks, entry.err = createChunkBlocks(
			entry.data, &w.container, &w.settings, entry.options, w.provider)
		close(entry.ready)
	}()

	w.queue.enqueue(entry)
	return nil
}

// processChunks is the writer goroutine: it drains the queue in FIFO
// order, waits for each entry's block creation, applies alignment
// padding, writes the body bytes, and registers the chunk in the
// TOC. Body writes are strictly serialized and strictly in enqueue
// order regardless of which block-creation goroutine finished first.
func (w *Writer) processChunks() {
	defer close(w.writerDone)

	for {
		entry, ok := w.queue.dequeueOrWait()
		if !ok {
			return
		}

		<-entry.ready
		w.serializeEntry(entry)
		w.queue.free(int64(len(entry.data)))
	}
}

// serializeEntry writes one chunk's blocks and TOC entries. Failures
// latch into writerErr and surface at Flush; later entries are still
// drained so blocked producers are released.
func (w *Writer) serializeEntry(entry *writeQueueEntry) {
	if entry.err != nil {
		w.setWriterErr(fmt.Errorf("chunk %s: %w", entry.id, entry.err))
		return
	}
	if w.writerErr != nil {
		return
	}

	// Keep any block from straddling a CompressionBlockAlignment
	// boundary: pad the file up to the boundary instead.
	if alignment := w.settings.CompressionBlockAlignment; alignment > 0 && len(entry.buffer) > 0 {
		end := w.fileOffset + uint64(len(entry.buffer)) - 1
		if alignDown(w.fileOffset, alignment) != alignDown(end, alignment) {
			if err := w.writePadding(align(w.fileOffset, alignment) - w.fileOffset); err != nil {
				w.setWriterErr(err)
				return
			}
		}
	}

	// Memory-mapped chunks additionally start at the platform
	// mapping alignment.
	if alignment := w.settings.MemoryMappingAlignment; alignment > 0 && entry.options.IsMemoryMapped {
		if err := w.writePadding(align(w.fileOffset, alignment) - w.fileOffset); err != nil {
			w.setWriterErr(err)
			return
		}
	}

	compressed := false
	for i := range entry.blocks {
		block := &entry.blocks[i]
		var blockEntry CompressedBlockEntry
		blockEntry.SetOffset(w.fileOffset + uint64(block.offset))
		blockEntry.SetCompressedSize(block.compressedSize)
		blockEntry.SetUncompressedSize(block.uncompressedSize)
		blockEntry.SetCompressionMethodIndex(block.methodIndex)
		w.toc.addBlock(blockEntry)
		if block.methodIndex != 0 {
			compressed = true
		}

		if w.container.IsSigned() {
			w.toc.addBlockSignature(w.provider.HashBuffer(entry.buffer[block.offset : block.offset+block.size]))
		}
	}

	var offsetLength OffsetAndLength
	offsetLength.SetOffset(w.uncompressedOffset)
	offsetLength.SetLength(uint64(len(entry.data)))

	meta := ChunkMeta{Hash: entry.hash}
	if compressed {
		meta.Flags |= ChunkMetaFlagCompressed
	}
	if entry.options.IsMemoryMapped {
		meta.Flags |= ChunkMetaFlagMemoryMapped
	}

	if !w.toc.addChunk(entry.id, offsetLength, meta) {
		w.setWriterErr(fmt.Errorf("%w: duplicate chunk id %s", ErrInvalidParameter, entry.id))
		return
	}

	if len(entry.buffer) > 0 {
		if _, err := w.body.Write(entry.buffer); err != nil {
			w.setWriterErr(fmt.Errorf("%w: writing chunk %s: %v", ErrWriteError, entry.id, err))
			return
		}
		w.fileOffset += uint64(len(entry.buffer))
	}

	// The logical cursor advances in whole compression blocks; this
	// is the address space chunk offsets are expressed in, not the
	// physical file cursor.
	w.uncompressedOffset += align(uint64(len(entry.data)), uint64(w.settings.CompressionBlockSize))
	w.uncompressedSize += uint64(len(entry.data))

	if w.csv != nil {
		name := entry.options.FileName
		if name == "" {
			name = entry.id.String()
		}
		fmt.Fprintf(w.csv, "%s,%d,%d\n", name, offsetLength.Offset(), offsetLength.Length())
	}

	w.settings.Logger.Debug("chunk written",
		"chunk", entry.id.String(),
		"size", len(entry.data),
		"blocks", len(entry.blocks))
}

func (w *Writer) setWriterErr(err error) {
	if w.writerErr == nil {
		w.writerErr = err
	}
}

// zeroPadding is the scratch source for alignment padding writes.
var zeroPadding [64 * 1024]byte

// writePadding appends size zero bytes to the body file.
func (w *Writer) writePadding(size uint64) error {
	for size > 0 {
		span := size
		if span > uint64(len(zeroPadding)) {
			span = uint64(len(zeroPadding))
		}
		if _, err := w.body.Write(zeroPadding[:span]); err != nil {
			return fmt.Errorf("%w: writing alignment padding: %v", ErrWriteError, err)
		}
		w.fileOffset += span
		w.paddingSize += span
		size -= span
	}
	return nil
}

// Flush drains the write pipeline and persists the table of
// contents. A flush with nothing new appended returns the cached
// result. Any failure latched by the writer goroutine (block
// creation, body I/O, duplicate ids) surfaces here.
func (w *Writer) Flush() (*WriterResult, error) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() (*WriterResult, error) {
	if w.closed {
		return nil, fmt.Errorf("%w: writer is closed", ErrInvalidParameter)
	}
	if !w.dirty && w.result != nil {
		return w.result, nil
	}

	if !w.flushed {
		w.queue.completeAdding()
		<-w.writerDone
		w.flushed = true
	}
	w.dirty = false

	if w.writerErr != nil {
		return nil, w.writerErr
	}

	if err := w.body.Sync(); err != nil {
		return nil, fmt.Errorf("%w: syncing container body: %v", ErrWriteError, err)
	}

	w.toc.resource.Header.CompressionBlockSize = w.settings.CompressionBlockSize
	tocSize, err := WriteTocResource(w.containerPath+".utoc", &w.toc.resource, &w.container, w.provider)
	if err != nil {
		return nil, err
	}

	result := &WriterResult{
		ContainerID:               w.container.ContainerID,
		ContainerName:             w.containerName,
		ContainerFlags:            w.container.ContainerFlags,
		TocSize:                   tocSize,
		TocEntryCount:             w.toc.entryCount(),
		PaddingSize:               w.paddingSize,
		UncompressedContainerSize: w.uncompressedSize,
		CompressedContainerSize:   w.fileOffset,
	}
	if w.container.IsCompressed() {
		result.CompressionMethod = w.container.CompressionMethod
	} else {
		result.CompressionMethod = "None"
	}

	if w.settings.EnableManifest {
		manifest, err := cbor.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding manifest: %v", ErrWriteError, err)
		}
		if err := os.WriteFile(w.containerPath+".manifest.cbor", manifest, 0o644); err != nil {
			return nil, fmt.Errorf("%w: writing manifest: %v", ErrWriteError, err)
		}
	}

	w.result = result
	w.settings.Logger.Info("container flushed",
		"container", w.containerName,
		"chunks", result.TocEntryCount,
		"toc_size", result.TocSize,
		"uncompressed", result.UncompressedContainerSize,
		"compressed", result.CompressedContainerSize,
		"padding", result.PaddingSize,
		"method", result.CompressionMethod)
	return result, nil
}

// Close flushes any pending appends and releases the container
// files. The writer is unusable afterwards.
func (w *Writer) Close() error {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if w.closed {
		return nil
	}

	var flushErr error
	if w.dirty || w.result == nil {
		_, flushErr = w.flushLocked()
	}
	w.closed = true

	if w.csv != nil {
		if err := w.csv.Close(); err != nil && flushErr == nil {
			flushErr = fmt.Errorf("%w: closing CSV sidecar: %v", ErrWriteError, err)
		}
	}
	if err := w.body.Close(); err != nil && flushErr == nil {
		flushErr = fmt.Errorf("%w: closing container body: %v", ErrWriteError, err)
	}
	return flushErr
}
