// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/iostore-dev/iostore/lib/iocrypto"
)

// TocReadOptions control how much of a .utoc file is parsed and how
// strictly it is verified.
type TocReadOptions struct {
	// WithTocMeta parses the trailing per-chunk metadata array. The
	// array is always written; skipping it saves parsing when only
	// offsets are needed.
	WithTocMeta bool

	// RequireSigned rejects a TOC that does not carry a valid
	// signature block, even if its header does not declare the
	// Signed flag.
	RequireSigned bool

	// VerifyKey verifies the TOC and block signatures of a signed
	// container. A signed container without a verify key fails
	// closed.
	VerifyKey *iocrypto.VerifyKey
}

// WriteTocResource serializes resource to the .utoc file at path.
// The header's count and geometry fields are populated from the
// arrays and from container settings before writing; signing uses
// the container's private key. Returns the total bytes written.
//
// Layout, in order, tightly packed little-endian: header, chunk ids,
// offset/lengths, compression block entries, fixed-width method name
// table (compressed containers only, "None" excluded), signature
// block (signed containers only), chunk metadata.
func WriteTocResource(path string, resource *TocResource, container *ContainerSettings, provider iocrypto.Provider) (int64, error) {
	entryCount := len(resource.ChunkIDs)
	if len(resource.ChunkOffsetAndLengths) != entryCount || len(resource.ChunkMetas) != entryCount {
		return 0, fmt.Errorf("%w: TOC entry arrays disagree: %d ids, %d offsets, %d metas",
			ErrInvalidParameter, entryCount, len(resource.ChunkOffsetAndLengths), len(resource.ChunkMetas))
	}
	if container.IsSigned() {
		if container.SigningKey == nil {
			return 0, fmt.Errorf("%w: signed container requires a signing key", ErrInvalidParameter)
		}
		if len(resource.ChunkBlockSignatures) != len(resource.CompressionBlocks) {
			return 0, fmt.Errorf("%w: %d block signatures for %d blocks",
				ErrInvalidParameter, len(resource.ChunkBlockSignatures), len(resource.CompressionBlocks))
		}
	}

	methodCount := 0
	if container.IsCompressed() {
		// Index 0 ("None") is implicit and never serialized.
		methodCount = len(resource.CompressionMethods) - 1
	}

	header := &resource.Header
	header.Magic = tocMagic
	header.Version = TocVersion
	header.TocHeaderSize = TocHeaderSize
	header.TocEntryCount = uint32(entryCount)
	header.TocCompressedBlockEntryCount = uint32(len(resource.CompressionBlocks))
	header.TocCompressedBlockEntrySize = CompressedBlockEntrySize
	header.CompressionMethodNameCount = uint32(methodCount)
	header.CompressionMethodNameLength = CompressionMethodNameLength
	header.ContainerID = container.ContainerID
	header.EncryptionKeyGUID = container.EncryptionKeyGUID
	header.ContainerFlags = container.ContainerFlags

	var buf bytes.Buffer
	headerBytes := header.marshal()
	buf.Write(headerBytes[:])

	for i := range resource.ChunkIDs {
		buf.Write(resource.ChunkIDs[i][:])
	}
	for i := range resource.ChunkOffsetAndLengths {
		buf.Write(resource.ChunkOffsetAndLengths[i][:])
	}
	for i := range resource.CompressionBlocks {
		buf.Write(resource.CompressionBlocks[i][:])
	}

	for i := 0; i < methodCount; i++ {
		name := resource.CompressionMethods[i+1]
		if len(name) >= CompressionMethodNameLength {
			return 0, fmt.Errorf("%w: compression method name %q exceeds %d bytes",
				ErrInvalidParameter, name, CompressionMethodNameLength-1)
		}
		var fixed [CompressionMethodNameLength]byte
		copy(fixed[:], name)
		buf.Write(fixed[:])
	}

	if container.IsSigned() {
		blockHashBytes := make([]byte, 0, len(resource.ChunkBlockSignatures)*iocrypto.HashSize)
		for i := range resource.ChunkBlockSignatures {
			blockHashBytes = append(blockHashBytes, resource.ChunkBlockSignatures[i][:]...)
		}

		tocSignature, err := provider.Sign(container.SigningKey, provider.HashBuffer(headerBytes[:]))
		if err != nil {
			return 0, fmt.Errorf("signing TOC header: %w", err)
		}
		blockSignature, err := provider.Sign(container.SigningKey, provider.HashBuffer(blockHashBytes))
		if err != nil {
			return 0, fmt.Errorf("signing block hashes: %w", err)
		}
		if len(tocSignature) != len(blockSignature) {
			return 0, fmt.Errorf("%w: signature sizes disagree", ErrInvalidParameter)
		}

		var sizeBytes [4]byte
		binary.LittleEndian.PutUint32(sizeBytes[:], uint32(len(tocSignature)))
		buf.Write(sizeBytes[:])
		buf.Write(tocSignature)
		buf.Write(blockSignature)
		buf.Write(blockHashBytes)
	}

	for i := range resource.ChunkMetas {
		meta := &resource.ChunkMetas[i]
		buf.Write(meta.Hash[:])
		buf.WriteByte(byte(meta.Flags))
		buf.Write([]byte{0, 0, 0})
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return 0, fmt.Errorf("%w: writing TOC %s: %v", ErrWriteError, path, err)
	}
	return int64(buf.Len()), nil
}

// ReadTocResource parses and validates the .utoc file at path. The
// parse mirrors WriteTocResource byte for byte; every header-declared
// count is bounds-checked against the remaining file size before any
// array is allocated, so a corrupt header cannot drive a huge
// allocation.
func ReadTocResource(path string, options TocReadOptions, provider iocrypto.Provider) (*TocResource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading TOC %s: %v", ErrFileOpenFailed, path, err)
	}

	if len(data) < TocHeaderSize {
		return nil, fmt.Errorf("%w: file is %d bytes, header is %d", ErrCorruptToc, len(data), TocHeaderSize)
	}

	resource := &TocResource{Header: unmarshalTocHeader(data[:TocHeaderSize])}
	header := &resource.Header

	if !header.CheckMagic() {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptToc)
	}
	if header.Version != TocVersion {
		return nil, fmt.Errorf("%w: version %d is not supported (this build supports %d)",
			ErrCorruptToc, header.Version, TocVersion)
	}
	if header.TocHeaderSize != TocHeaderSize {
		return nil, fmt.Errorf("%w: declared header size %d, expected %d",
			ErrCorruptToc, header.TocHeaderSize, TocHeaderSize)
	}
	if header.TocCompressedBlockEntrySize != CompressedBlockEntrySize {
		return nil, fmt.Errorf("%w: declared block entry size %d, expected %d",
			ErrCorruptToc, header.TocCompressedBlockEntrySize, CompressedBlockEntrySize)
	}

	cursor := &tocCursor{data: data, position: TocHeaderSize}
	entryCount := int(header.TocEntryCount)
	blockCount := int(header.TocCompressedBlockEntryCount)

	idBytes, err := cursor.take(entryCount, ChunkIDSize, "chunk ids")
	if err != nil {
		return nil, err
	}
	resource.ChunkIDs = make([]ChunkID, entryCount)
	for i := range resource.ChunkIDs {
		copy(resource.ChunkIDs[i][:], idBytes[i*ChunkIDSize:])
	}

	offsetBytes, err := cursor.take(entryCount, OffsetAndLengthSize, "offset/lengths")
	if err != nil {
		return nil, err
	}
	resource.ChunkOffsetAndLengths = make([]OffsetAndLength, entryCount)
	for i := range resource.ChunkOffsetAndLengths {
		copy(resource.ChunkOffsetAndLengths[i][:], offsetBytes[i*OffsetAndLengthSize:])
	}

	blockBytes, err := cursor.take(blockCount, CompressedBlockEntrySize, "compression blocks")
	if err != nil {
		return nil, err
	}
	resource.CompressionBlocks = make([]CompressedBlockEntry, blockCount)
	for i := range resource.CompressionBlocks {
		copy(resource.CompressionBlocks[i][:], blockBytes[i*CompressedBlockEntrySize:])
	}

	resource.CompressionMethods = []string{"None"}
	methodCount := int(header.CompressionMethodNameCount)
	nameLength := int(header.CompressionMethodNameLength)
	if methodCount > 0 {
		if nameLength <= 0 || nameLength > 1024 {
			return nil, fmt.Errorf("%w: method name length %d", ErrCorruptToc, nameLength)
		}
		nameBytes, err := cursor.take(methodCount, nameLength, "method names")
		if err != nil {
			return nil, err
		}
		for i := 0; i < methodCount; i++ {
			raw := nameBytes[i*nameLength : (i+1)*nameLength]
			name := strings.TrimRight(string(raw), "\x00")
			resource.CompressionMethods = append(resource.CompressionMethods, name)
		}
	}

	signed := header.ContainerFlags.IsSigned()
	if !signed && options.RequireSigned {
		return nil, fmt.Errorf("%w: container is not signed and the reader requires signatures", ErrSignatureError)
	}

	if signed {
		sizeBytes, err := cursor.take(1, 4, "signature size")
		if err != nil {
			return nil, err
		}
		signatureSize := int(int32(binary.LittleEndian.Uint32(sizeBytes)))
		if signatureSize <= 0 || signatureSize > 1<<16 {
			return nil, fmt.Errorf("%w: signature size %d", ErrCorruptToc, signatureSize)
		}
		tocSignature, err := cursor.take(1, signatureSize, "TOC signature")
		if err != nil {
			return nil, err
		}
		blockSignature, err := cursor.take(1, signatureSize, "block signature")
		if err != nil {
			return nil, err
		}
		blockHashBytes, err := cursor.take(blockCount, iocrypto.HashSize, "block hashes")
		if err != nil {
			return nil, err
		}

		if options.VerifyKey == nil {
			return nil, fmt.Errorf("%w: container is signed but no verification key was provided", ErrSignatureError)
		}
		if err := provider.Verify(options.VerifyKey, provider.HashBuffer(data[:TocHeaderSize]), tocSignature); err != nil {
			return nil, fmt.Errorf("%w: TOC signature: %v", ErrSignatureError, err)
		}
		if err := provider.Verify(options.VerifyKey, provider.HashBuffer(blockHashBytes), blockSignature); err != nil {
			return nil, fmt.Errorf("%w: block signature: %v", ErrSignatureError, err)
		}

		resource.ChunkBlockSignatures = make([]iocrypto.Hash, blockCount)
		for i := range resource.ChunkBlockSignatures {
			copy(resource.ChunkBlockSignatures[i][:], blockHashBytes[i*iocrypto.HashSize:])
		}
	}

	if options.WithTocMeta {
		metaBytes, err := cursor.take(entryCount, ChunkMetaSize, "chunk metadata")
		if err != nil {
			return nil, err
		}
		resource.ChunkMetas = make([]ChunkMeta, entryCount)
		for i := range resource.ChunkMetas {
			record := metaBytes[i*ChunkMetaSize : (i+1)*ChunkMetaSize]
			copy(resource.ChunkMetas[i].Hash[:], record[:iocrypto.HashSize])
			resource.ChunkMetas[i].Flags = ChunkMetaFlags(record[iocrypto.HashSize])
		}
	}

	return resource, nil
}

// tocCursor walks the raw TOC bytes, bounds-checking every section
// against the actual file size before it is sliced.
type tocCursor struct {
	data     []byte
	position int
}

// take consumes count records of recordSize bytes and returns the
// raw section. Fails with ErrCorruptToc when the declared counts
// overrun the file.
func (c *tocCursor) take(count, recordSize int, section string) ([]byte, error) {
	if count < 0 || recordSize <= 0 {
		return nil, fmt.Errorf("%w: invalid %s geometry", ErrCorruptToc, section)
	}
	total := count * recordSize
	if count != 0 && total/count != recordSize {
		return nil, fmt.Errorf("%w: %s section size overflows", ErrCorruptToc, section)
	}
	if c.position+total > len(c.data) {
		return nil, fmt.Errorf("%w: %s section (%d bytes at offset %d) overruns file of %d bytes",
			ErrCorruptToc, section, total, c.position, len(c.data))
	}
	out := c.data[c.position : c.position+total]
	c.position += total
	return out, nil
}
