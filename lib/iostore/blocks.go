// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"fmt"

	"github.com/iostore-dev/iostore/lib/iocompress"
	"github.com/iostore-dev/iostore/lib/iocrypto"
)

// chunkBlock describes one compression block inside a transformed
// chunk buffer, in buffer order.
type chunkBlock struct {
	// offset is the block's byte offset within the transformed
	// buffer.
	offset int

	// size is the block's physical size in the buffer, including
	// AES alignment padding.
	size int

	// compressedSize is the payload size before padding. Equal to
	// uncompressedSize for stored blocks.
	compressedSize uint32

	// uncompressedSize is the size of the original window.
	uncompressedSize uint32

	// methodIndex indexes the container's compression-method name
	// table; 0 is stored.
	methodIndex uint8
}

// createChunkBlocks transforms one raw chunk payload into its
// on-disk block stream: the payload is cut into windows of
// CompressionBlockSize bytes, each window is compressed (unless the
// container is uncompressed or the chunk opts out), padded to the
// AES block size when the container compresses or encrypts, and
// encrypted in place when the container encrypts. Pure
// transformation: no I/O, deterministic for identical inputs.
//
// Returns the transformed buffer and one descriptor per block. A
// zero-length payload produces an empty buffer and no blocks.
func createChunkBlocks(data []byte, container *ContainerSettings, settings *WriterSettings, options WriteOptions, provider iocrypto.Provider) ([]byte, []chunkBlock, error) {
	blockSize := int(settings.CompressionBlockSize)
	blockCount := (len(data) + blockSize - 1) / blockSize

	compress := container.IsCompressed() && !options.ForceUncompressed && !options.IsMemoryMapped
	// Blocks are padded to the cipher block size whenever the
	// container format carries variable-size or encrypted blocks.
	pad := container.IsCompressed() || container.IsEncrypted()

	buffer := make([]byte, 0, len(data)+blockCount*iocrypto.AESBlockSize)
	blocks := make([]chunkBlock, 0, blockCount)

	for windowStart := 0; windowStart < len(data); windowStart += blockSize {
		windowEnd := windowStart + blockSize
		if windowEnd > len(data) {
			windowEnd = len(data)
		}
		window := data[windowStart:windowEnd]

		payload := window
		methodIndex := uint8(0)
		if compress {
			compressed, err := iocompress.Compress(container.CompressionMethod, window)
			switch {
			case err == nil:
				payload = compressed
				methodIndex = 1
			case iocompress.IsIncompressible(err):
				// Compression must never expand a block: store it.
			default:
				return nil, nil, fmt.Errorf("compressing block: %w", err)
			}
		}

		blockStart := len(buffer)
		buffer = append(buffer, payload...)

		physicalSize := len(payload)
		if pad {
			alignedSize := int(align(uint64(physicalSize), iocrypto.AESBlockSize))
			// Cyclic padding: repeat the block's own bytes from the
			// start. The pad content is part of the format (signed
			// containers hash the padded block).
			for i := physicalSize; i < alignedSize; i++ {
				buffer = append(buffer, payload[(i-physicalSize)%physicalSize])
			}
			physicalSize = alignedSize
		}

		if container.IsEncrypted() {
			if err := provider.EncryptBlock(buffer[blockStart:blockStart+physicalSize], container.EncryptionKey); err != nil {
				return nil, nil, fmt.Errorf("encrypting block: %w", err)
			}
		}

		blocks = append(blocks, chunkBlock{
			offset:           blockStart,
			size:             physicalSize,
			compressedSize:   uint32(len(payload)),
			uncompressedSize: uint32(len(window)),
			methodIndex:      methodIndex,
		})
	}

	return buffer, blocks, nil
}
