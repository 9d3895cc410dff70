// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/iostore-dev/iostore/lib/iocompress"
	"github.com/iostore-dev/iostore/lib/iocrypto"
)

// ChunkInfo is one TOC entry as yielded by EnumerateChunks.
type ChunkInfo struct {
	// ID is the chunk's identifier.
	ID ChunkID

	// Hash is the content hash of the uncompressed, unencrypted
	// payload, as recorded at append time. It is not re-verified on
	// Read.
	Hash iocrypto.Hash

	// Offset and Size locate the chunk in the logical uncompressed
	// address space.
	Offset uint64
	Size   uint64

	// Compressed reports whether any of the chunk's blocks are
	// compressed.
	Compressed bool

	// MemoryMapped reports whether the chunk was written with the
	// memory-mapped option.
	MemoryMapped bool
}

// Reader serves random-access chunk reads from a finalized
// container.
//
// A Reader is NOT safe for concurrent Read calls: it reuses an
// internal scratch buffer across calls. Callers needing concurrency
// open one Reader per goroutine; the TOC parse cost is paid per
// reader.
type Reader struct {
	toc      *containerToc
	body     *os.File
	provider iocrypto.Provider
	logger   *slog.Logger

	encrypted bool
	key       iocrypto.AESKey

	// compressedBuffer is the per-reader scratch for raw block
	// bytes. Grown on demand, reused across Read calls.
	compressedBuffer []byte
}

// NewReader opens the container at <path>.utoc / <path>.ucas,
// validates the table of contents (including signature verification
// per options), and resolves the container's encryption key from
// keys by the header's key GUID.
func NewReader(path string, keys map[iocrypto.KeyGUID]iocrypto.AESKey, options ReadOptions) (*Reader, error) {
	provider := options.Provider
	if provider == nil {
		provider = iocrypto.Default()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	resource, err := ReadTocResource(path+".utoc", TocReadOptions{
		WithTocMeta:   true,
		RequireSigned: options.RequireSigned,
		VerifyKey:     options.VerifyKey,
	}, provider)
	if err != nil {
		return nil, err
	}

	if resource.Header.CompressionBlockSize == 0 {
		return nil, fmt.Errorf("%w: compression block size is zero", ErrCorruptToc)
	}

	reader := &Reader{
		toc:      tocFromResource(resource),
		provider: provider,
		logger:   logger,
	}

	if resource.Header.ContainerFlags.IsEncrypted() {
		key, ok := keys[resource.Header.EncryptionKeyGUID]
		if !ok {
			return nil, fmt.Errorf("%w: no encryption key for GUID %s",
				ErrFileOpenFailed, resource.Header.EncryptionKeyGUID)
		}
		reader.encrypted = true
		reader.key = key
	}

	body, err := os.Open(path + ".ucas")
	if err != nil {
		return nil, fmt.Errorf("%w: opening container body: %v", ErrFileOpenFailed, err)
	}
	reader.body = body

	logger.Debug("container opened",
		"container", path,
		"id", fmt.Sprintf("%016x", uint64(resource.Header.ContainerID)),
		"flags", resource.Header.ContainerFlags.String(),
		"chunks", len(resource.ChunkIDs))

	return reader, nil
}

// GetContainerID returns the container's identifier.
func (r *Reader) GetContainerID() ContainerID {
	return r.toc.resource.Header.ContainerID
}

// GetContainerFlags returns the container's feature flags.
func (r *Reader) GetContainerFlags() ContainerFlags {
	return r.toc.resource.Header.ContainerFlags
}

// GetEncryptionKeyGUID returns the GUID of the key the container was
// encrypted with (zero for unencrypted containers).
func (r *Reader) GetEncryptionKeyGUID() iocrypto.KeyGUID {
	return r.toc.resource.Header.EncryptionKeyGUID
}

// ChunkCount returns the number of chunks in the container.
func (r *Reader) ChunkCount() int {
	return r.toc.entryCount()
}

// EnumerateChunks calls callback for every TOC entry in storage
// order, stopping early when the callback returns false.
func (r *Reader) EnumerateChunks(callback func(ChunkInfo) bool) {
	resource := &r.toc.resource
	for i := range resource.ChunkIDs {
		offsetLength := &resource.ChunkOffsetAndLengths[i]
		meta := &resource.ChunkMetas[i]
		info := ChunkInfo{
			ID:           resource.ChunkIDs[i],
			Hash:         meta.Hash,
			Offset:       offsetLength.Offset(),
			Size:         offsetLength.Length(),
			Compressed:   meta.Flags&ChunkMetaFlagCompressed != 0,
			MemoryMapped: meta.Flags&ChunkMetaFlagMemoryMapped != 0,
		}
		if !callback(info) {
			return
		}
	}
}

// Read returns the full payload of the chunk with the given id.
func (r *Reader) Read(id ChunkID) ([]byte, error) {
	return r.readRange(id, 0, math.MaxUint64)
}

// ReadRange returns size bytes of the chunk's payload starting at
// offset. A range extending past the end of the chunk is truncated.
func (r *Reader) ReadRange(id ChunkID, offset, size uint64) ([]byte, error) {
	return r.readRange(id, offset, size)
}

// readRange implements the block-walk: it maps the requested byte
// range into the logical uncompressed address space, visits every
// compression block covering it, and reassembles the decoded pieces
// into one contiguous buffer.
func (r *Reader) readRange(id ChunkID, offset, size uint64) ([]byte, error) {
	index, ok := r.toc.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: chunk %s", ErrNotFound, id)
	}

	offsetLength := &r.toc.resource.ChunkOffsetAndLengths[index]
	chunkOffset := offsetLength.Offset()
	chunkLength := offsetLength.Length()

	if offset > chunkLength {
		return nil, fmt.Errorf("%w: read offset %d exceeds chunk size %d", ErrInvalidParameter, offset, chunkLength)
	}
	remaining := chunkLength - offset
	if size < remaining {
		remaining = size
	}
	if remaining == 0 {
		return []byte{}, nil
	}

	blockSize := uint64(r.toc.resource.Header.CompressionBlockSize)
	absoluteOffset := chunkOffset + offset
	firstBlock := absoluteOffset / blockSize
	lastBlock := (absoluteOffset + remaining - 1) / blockSize
	if lastBlock >= uint64(len(r.toc.resource.CompressionBlocks)) {
		return nil, fmt.Errorf("%w: chunk %s spans block %d of %d",
			ErrCorruptToc, id, lastBlock, len(r.toc.resource.CompressionBlocks))
	}

	output := make([]byte, remaining)
	outputPosition := uint64(0)
	offsetInBlock := absoluteOffset % blockSize

	for blockIndex := firstBlock; blockIndex <= lastBlock; blockIndex++ {
		decoded, err := r.readBlock(int(blockIndex))
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", id, err)
		}

		if offsetInBlock >= uint64(len(decoded)) {
			return nil, fmt.Errorf("%w: chunk %s: offset %d inside block of %d bytes",
				ErrCorruptToc, id, offsetInBlock, len(decoded))
		}
		span := uint64(len(decoded)) - offsetInBlock
		if span > remaining {
			span = remaining
		}
		copy(output[outputPosition:], decoded[offsetInBlock:offsetInBlock+span])
		outputPosition += span
		remaining -= span
		offsetInBlock = 0
	}

	return output, nil
}

// readBlock reads, decrypts, and decompresses one compression block,
// returning its uncompressed bytes. The raw bytes land in the
// reader's reused scratch buffer.
func (r *Reader) readBlock(blockIndex int) ([]byte, error) {
	entry := &r.toc.resource.CompressionBlocks[blockIndex]
	compressedSize := entry.CompressedSize()
	uncompressedSize := entry.UncompressedSize()
	flags := r.toc.resource.Header.ContainerFlags

	// Blocks are padded to the cipher block size in compressed and
	// encrypted containers; the padded bytes are what per-block
	// signatures cover, so read the whole physical block.
	readSize := uint64(compressedSize)
	if flags.IsCompressed() || flags.IsEncrypted() {
		readSize = align(readSize, iocrypto.AESBlockSize)
	}

	if uint64(cap(r.compressedBuffer)) < readSize {
		r.compressedBuffer = make([]byte, readSize)
	}
	raw := r.compressedBuffer[:readSize]

	if _, err := r.body.Seek(int64(entry.Offset()), io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: seeking to block %d: %v", ErrCorruptToc, blockIndex, err)
	}
	if _, err := io.ReadFull(r.body, raw); err != nil {
		return nil, fmt.Errorf("%w: reading block %d (%d bytes at %d): %v",
			ErrCorruptToc, blockIndex, readSize, entry.Offset(), err)
	}

	// Signed containers carry a content hash per physical block;
	// verifying it here catches body corruption before any bytes are
	// decrypted or decoded.
	if flags.IsSigned() && blockIndex < len(r.toc.resource.ChunkBlockSignatures) {
		if r.provider.HashBuffer(raw) != r.toc.resource.ChunkBlockSignatures[blockIndex] {
			return nil, fmt.Errorf("%w: block %d content hash mismatch", ErrSignatureError, blockIndex)
		}
	}

	if r.encrypted {
		if err := r.provider.DecryptBlock(raw, r.key); err != nil {
			return nil, fmt.Errorf("%w: decrypting block %d: %v", ErrCorruptToc, blockIndex, err)
		}
	}

	methodIndex := int(entry.CompressionMethodIndex())
	if methodIndex == 0 {
		if uint64(uncompressedSize) > readSize {
			return nil, fmt.Errorf("%w: stored block %d: %d payload bytes in %d read bytes",
				ErrCorruptToc, blockIndex, uncompressedSize, readSize)
		}
		return raw[:uncompressedSize], nil
	}

	if methodIndex >= len(r.toc.resource.CompressionMethods) {
		return nil, fmt.Errorf("%w: block %d references method %d of %d",
			ErrCorruptToc, blockIndex, methodIndex, len(r.toc.resource.CompressionMethods))
	}
	method := r.toc.resource.CompressionMethods[methodIndex]

	decoded, err := iocompress.Decompress(method, raw[:compressedSize], int(uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing block %d with %s: %v",
			ErrCorruptToc, blockIndex, method, err)
	}
	return decoded, nil
}

// Close releases the container body file.
func (r *Reader) Close() error {
	return r.body.Close()
}
