// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"encoding/binary"

	"github.com/iostore-dev/iostore/lib/iocrypto"
)

// TOC format constants. All of these are protocol constants: the
// header self-reports the header and block-entry sizes, and readers
// reject a TOC whose declared sizes disagree with the sizes compiled
// into this package.
const (
	// TocVersion is the current format version byte.
	TocVersion = 1

	// TocHeaderSize is the fixed serialized header size.
	TocHeaderSize = 96

	// CompressedBlockEntrySize is the serialized size of one
	// compression block descriptor.
	CompressedBlockEntrySize = 12

	// ChunkMetaSize is the serialized size of one per-chunk metadata
	// record: 20-byte hash + 1 flag byte + 3 reserved bytes.
	ChunkMetaSize = iocrypto.HashSize + 4

	// CompressionMethodNameLength is the fixed width of each entry
	// in the serialized compression-method name table.
	CompressionMethodNameLength = 32
)

// tocMagic is the 16-byte .utoc file signature.
var tocMagic = [16]byte{'-', '=', '=', '-', '-', '=', '=', '-', '-', '=', '=', '-', '-', '=', '=', '-'}

// TocHeader is the fixed-layout header at the start of every .utoc
// file. Serialized little-endian, 96 bytes, no padding between
// sections after it.
type TocHeader struct {
	Magic                        [16]byte
	Version                      uint8
	TocHeaderSize                uint32
	TocEntryCount                uint32
	TocCompressedBlockEntryCount uint32
	TocCompressedBlockEntrySize  uint32
	CompressionBlockSize         uint32
	CompressionMethodNameCount   uint32
	CompressionMethodNameLength  uint32
	ContainerID                  ContainerID
	EncryptionKeyGUID            iocrypto.KeyGUID
	ContainerFlags               ContainerFlags
}

// CheckMagic reports whether the header carries the .utoc signature.
func (h *TocHeader) CheckMagic() bool {
	return h.Magic == tocMagic
}

// marshal serializes the header into its fixed 96-byte layout.
func (h *TocHeader) marshal() [TocHeaderSize]byte {
	var out [TocHeaderSize]byte
	copy(out[0:16], h.Magic[:])
	out[16] = h.Version
	// out[17:20] reserved
	binary.LittleEndian.PutUint32(out[20:24], h.TocHeaderSize)
	binary.LittleEndian.PutUint32(out[24:28], h.TocEntryCount)
	binary.LittleEndian.PutUint32(out[28:32], h.TocCompressedBlockEntryCount)
	binary.LittleEndian.PutUint32(out[32:36], h.TocCompressedBlockEntrySize)
	binary.LittleEndian.PutUint32(out[36:40], h.CompressionBlockSize)
	binary.LittleEndian.PutUint32(out[40:44], h.CompressionMethodNameCount)
	binary.LittleEndian.PutUint32(out[44:48], h.CompressionMethodNameLength)
	binary.LittleEndian.PutUint64(out[48:56], uint64(h.ContainerID))
	copy(out[56:72], h.EncryptionKeyGUID[:])
	out[72] = uint8(h.ContainerFlags)
	// out[73:96] reserved
	return out
}

// unmarshalTocHeader parses a 96-byte serialized header.
func unmarshalTocHeader(data []byte) TocHeader {
	var h TocHeader
	copy(h.Magic[:], data[0:16])
	h.Version = data[16]
	h.TocHeaderSize = binary.LittleEndian.Uint32(data[20:24])
	h.TocEntryCount = binary.LittleEndian.Uint32(data[24:28])
	h.TocCompressedBlockEntryCount = binary.LittleEndian.Uint32(data[28:32])
	h.TocCompressedBlockEntrySize = binary.LittleEndian.Uint32(data[32:36])
	h.CompressionBlockSize = binary.LittleEndian.Uint32(data[36:40])
	h.CompressionMethodNameCount = binary.LittleEndian.Uint32(data[40:44])
	h.CompressionMethodNameLength = binary.LittleEndian.Uint32(data[44:48])
	h.ContainerID = ContainerID(binary.LittleEndian.Uint64(data[48:56]))
	copy(h.EncryptionKeyGUID[:], data[56:72])
	h.ContainerFlags = ContainerFlags(data[72])
	return h
}

// CompressedBlockEntry locates one physical compression block in the
// container body: five big-endian bytes of file offset, three bytes
// each of compressed and uncompressed size, and one byte of
// compression-method index (0 = stored).
type CompressedBlockEntry [CompressedBlockEntrySize]byte

// Offset returns the block's physical file offset.
func (e *CompressedBlockEntry) Offset() uint64 {
	return uint64(e[0])<<32 | uint64(e[1])<<24 | uint64(e[2])<<16 | uint64(e[3])<<8 | uint64(e[4])
}

// SetOffset stores the physical file offset. Must fit in 40 bits.
func (e *CompressedBlockEntry) SetOffset(offset uint64) {
	e[0] = byte(offset >> 32)
	e[1] = byte(offset >> 24)
	e[2] = byte(offset >> 16)
	e[3] = byte(offset >> 8)
	e[4] = byte(offset)
}

// CompressedSize returns the block's compressed byte count, before
// AES alignment padding.
func (e *CompressedBlockEntry) CompressedSize() uint32 {
	return uint32(e[5])<<16 | uint32(e[6])<<8 | uint32(e[7])
}

// SetCompressedSize stores the compressed size. Must fit in 24 bits.
func (e *CompressedBlockEntry) SetCompressedSize(size uint32) {
	e[5] = byte(size >> 16)
	e[6] = byte(size >> 8)
	e[7] = byte(size)
}

// UncompressedSize returns the block's uncompressed byte count.
func (e *CompressedBlockEntry) UncompressedSize() uint32 {
	return uint32(e[8])<<16 | uint32(e[9])<<8 | uint32(e[10])
}

// SetUncompressedSize stores the uncompressed size. Must fit in 24
// bits.
func (e *CompressedBlockEntry) SetUncompressedSize(size uint32) {
	e[8] = byte(size >> 16)
	e[9] = byte(size >> 8)
	e[10] = byte(size)
}

// CompressionMethodIndex returns the block's index into the
// compression-method name table.
func (e *CompressedBlockEntry) CompressionMethodIndex() uint8 {
	return e[11]
}

// SetCompressionMethodIndex stores the method table index.
func (e *CompressedBlockEntry) SetCompressionMethodIndex(index uint8) {
	e[11] = index
}

// ChunkMetaFlags are the per-chunk flag bits stored in ChunkMeta.
type ChunkMetaFlags uint8

const (
	// ChunkMetaFlagCompressed marks a chunk with at least one
	// compressed block.
	ChunkMetaFlagCompressed ChunkMetaFlags = 1 << 0

	// ChunkMetaFlagMemoryMapped marks a chunk written with the
	// memory-mapped option.
	ChunkMetaFlagMemoryMapped ChunkMetaFlags = 1 << 1
)

// ChunkMeta is the per-chunk metadata record: the content hash of
// the uncompressed, unencrypted payload plus flag bits. Created at
// append time and immutable after.
type ChunkMeta struct {
	Hash  iocrypto.Hash
	Flags ChunkMetaFlags
}

// TocResource is the serializable table of contents: a header plus
// parallel arrays indexed by entry (ChunkIDs, ChunkOffsetAndLengths,
// ChunkMetas) and by block (CompressionBlocks, and
// ChunkBlockSignatures when signed), plus the compression-method
// name table. CompressionMethods always holds the implicit "None"
// at index 0; only the entries after it are serialized.
type TocResource struct {
	Header                TocHeader
	ChunkIDs              []ChunkID
	ChunkOffsetAndLengths []OffsetAndLength
	CompressionBlocks     []CompressedBlockEntry
	CompressionMethods    []string
	ChunkBlockSignatures  []iocrypto.Hash
	ChunkMetas            []ChunkMeta
}

// containerToc is the in-memory index over a TocResource: a hash map
// from chunk id to entry index plus append mutators used by the
// writer goroutine.
type containerToc struct {
	resource TocResource
	index    map[ChunkID]int
}

func newContainerToc() *containerToc {
	return &containerToc{index: make(map[ChunkID]int)}
}

// fromResource builds the index over an already-parsed resource.
func tocFromResource(resource *TocResource) *containerToc {
	toc := &containerToc{
		resource: *resource,
		index:    make(map[ChunkID]int, len(resource.ChunkIDs)),
	}
	for i, id := range resource.ChunkIDs {
		toc.index[id] = i
	}
	return toc
}

// lookup returns the entry index for a chunk id.
func (t *containerToc) lookup(id ChunkID) (int, bool) {
	i, ok := t.index[id]
	return i, ok
}

// addChunk appends one TOC entry. Returns false if the id is already
// present.
func (t *containerToc) addChunk(id ChunkID, offsetLength OffsetAndLength, meta ChunkMeta) bool {
	if _, exists := t.index[id]; exists {
		return false
	}
	t.index[id] = len(t.resource.ChunkIDs)
	t.resource.ChunkIDs = append(t.resource.ChunkIDs, id)
	t.resource.ChunkOffsetAndLengths = append(t.resource.ChunkOffsetAndLengths, offsetLength)
	t.resource.ChunkMetas = append(t.resource.ChunkMetas, meta)
	return true
}

// addBlock appends one compression block descriptor.
func (t *containerToc) addBlock(entry CompressedBlockEntry) {
	t.resource.CompressionBlocks = append(t.resource.CompressionBlocks, entry)
}

// addBlockSignature appends one per-block content hash. Only called
// for signed containers; the array stays parallel to
// CompressionBlocks.
func (t *containerToc) addBlockSignature(hash iocrypto.Hash) {
	t.resource.ChunkBlockSignatures = append(t.resource.ChunkBlockSignatures, hash)
}

// entryCount returns the number of chunks in the TOC.
func (t *containerToc) entryCount() int {
	return len(t.resource.ChunkIDs)
}
