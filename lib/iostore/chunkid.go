// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// ChunkIDSize is the byte length of a chunk identifier.
const ChunkIDSize = 12

// ChunkID is the opaque fixed-size key a chunk is addressed by.
// Callers assign ids (typically content-derived); the engine only
// requires that they are unique within a container and non-zero.
// The zero value is the invalid sentinel.
type ChunkID [ChunkIDSize]byte

// IsValid reports whether the id is non-zero.
func (id ChunkID) IsValid() bool {
	return id != ChunkID{}
}

// String returns the id as lowercase hex.
func (id ChunkID) String() string {
	return hex.EncodeToString(id[:])
}

// ChunkIDFromHex parses a 24-character hex string into a ChunkID.
func ChunkIDFromHex(s string) (ChunkID, error) {
	var id ChunkID
	if hex.DecodedLen(len(s)) != ChunkIDSize {
		return id, fmt.Errorf("%w: chunk id must be %d hex characters", ErrInvalidParameter, ChunkIDSize*2)
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("%w: parsing chunk id: %v", ErrInvalidParameter, err)
	}
	return id, nil
}

// chunkIDDomain is the BLAKE3 domain tag for name-derived chunk ids.
var chunkIDDomain = []byte("iostore.chunk.id.v1")

// ChunkIDFromName derives a chunk id from a name (typically the
// chunk's source path): the first 12 bytes of a domain-separated
// BLAKE3 hash. Stable across builds.
func ChunkIDFromName(name string) ChunkID {
	hasher := blake3.New()
	hasher.Write(chunkIDDomain)
	hasher.Write([]byte(name))
	digest := hasher.Sum(nil)

	var id ChunkID
	copy(id[:], digest[:ChunkIDSize])
	return id
}

// ContainerID identifies a container. Ids derived from names via
// [ContainerIDFromName] are stable across builds.
type ContainerID uint64

// containerIDDomain is the BLAKE3 domain tag for container id
// derivation. A fixed constant: changing it changes every derived
// container id.
var containerIDDomain = []byte("iostore.container.id.v1")

// ContainerIDFromName derives a container id from its name: the
// first 8 bytes (little-endian) of a domain-separated BLAKE3 hash.
func ContainerIDFromName(name string) ContainerID {
	hasher := blake3.New()
	hasher.Write(containerIDDomain)
	hasher.Write([]byte(name))
	digest := hasher.Sum(nil)
	return ContainerID(binary.LittleEndian.Uint64(digest[:8]))
}

// ContainerFlags is the container feature bitset recorded in the TOC
// header.
type ContainerFlags uint8

const (
	// ContainerFlagCompressed marks a container whose chunks are
	// compressed block-by-block with the container's method.
	ContainerFlagCompressed ContainerFlags = 1 << 0

	// ContainerFlagEncrypted marks a container whose blocks are
	// AES-encrypted with the key identified by the header's key
	// GUID.
	ContainerFlagEncrypted ContainerFlags = 1 << 1

	// ContainerFlagSigned marks a container whose TOC carries RSA
	// signatures over the header and the per-block hash array.
	ContainerFlagSigned ContainerFlags = 1 << 2
)

// IsCompressed reports whether the Compressed flag is set.
func (f ContainerFlags) IsCompressed() bool { return f&ContainerFlagCompressed != 0 }

// IsEncrypted reports whether the Encrypted flag is set.
func (f ContainerFlags) IsEncrypted() bool { return f&ContainerFlagEncrypted != 0 }

// IsSigned reports whether the Signed flag is set.
func (f ContainerFlags) IsSigned() bool { return f&ContainerFlagSigned != 0 }

// String returns a compact flag list for logging.
func (f ContainerFlags) String() string {
	if f == 0 {
		return "none"
	}
	out := ""
	appendFlag := func(name string) {
		if out != "" {
			out += "|"
		}
		out += name
	}
	if f.IsCompressed() {
		appendFlag("compressed")
	}
	if f.IsEncrypted() {
		appendFlag("encrypted")
	}
	if f.IsSigned() {
		appendFlag("signed")
	}
	return out
}

// OffsetAndLengthSize is the serialized size of an OffsetAndLength.
const OffsetAndLengthSize = 10

// offsetLengthBits is the width of the packed offset and length
// fields. Five bytes each caps the logical address space and any
// single chunk at 1 TiB, far beyond any single container.
const offsetLengthBits = 40

// maxOffsetOrLength is the largest value a packed field can hold.
const maxOffsetOrLength = (uint64(1) << offsetLengthBits) - 1

// OffsetAndLength is a packed (offset, length) pair locating a chunk
// in the logical uncompressed address space of the container body:
// five big-endian bytes of offset followed by five of length.
type OffsetAndLength [OffsetAndLengthSize]byte

// Offset returns the chunk's logical uncompressed offset.
func (ol *OffsetAndLength) Offset() uint64 {
	return uint64(ol[0])<<32 | uint64(ol[1])<<24 | uint64(ol[2])<<16 | uint64(ol[3])<<8 | uint64(ol[4])
}

// Length returns the chunk's uncompressed length.
func (ol *OffsetAndLength) Length() uint64 {
	return uint64(ol[5])<<32 | uint64(ol[6])<<24 | uint64(ol[7])<<16 | uint64(ol[8])<<8 | uint64(ol[9])
}

// SetOffset stores the logical offset. The value must fit in 40 bits.
func (ol *OffsetAndLength) SetOffset(offset uint64) {
	ol[0] = byte(offset >> 32)
	ol[1] = byte(offset >> 24)
	ol[2] = byte(offset >> 16)
	ol[3] = byte(offset >> 8)
	ol[4] = byte(offset)
}

// SetLength stores the uncompressed length. The value must fit in 40
// bits.
func (ol *OffsetAndLength) SetLength(length uint64) {
	ol[5] = byte(length >> 32)
	ol[6] = byte(length >> 24)
	ol[7] = byte(length >> 16)
	ol[8] = byte(length >> 8)
	ol[9] = byte(length)
}

// align rounds value up to the next multiple of alignment, which
// must be a power of two.
func align(value, alignment uint64) uint64 {
	return (value + alignment - 1) &^ (alignment - 1)
}

// alignDown rounds value down to the previous multiple of alignment,
// which must be a power of two.
func alignDown(value, alignment uint64) uint64 {
	return value &^ (alignment - 1)
}

// isPowerOfTwo reports whether value is a nonzero power of two.
func isPowerOfTwo(value uint64) bool {
	return value != 0 && value&(value-1) == 0
}
