// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"fmt"
	"log/slog"

	"github.com/iostore-dev/iostore/lib/iocompress"
	"github.com/iostore-dev/iostore/lib/iocrypto"
)

// Default writer tuning. These shape the on-disk layout and the
// writer's resource usage; they are not protocol constants, but the
// CompressionBlockSize a container was written with is recorded in
// its TOC header and governs all reads of it.
const (
	// DefaultCompressionBlockSize is the compression window size:
	// each chunk is split into windows of this many uncompressed
	// bytes, compressed and encrypted independently.
	DefaultCompressionBlockSize = 64 * 1024

	// MaxCompressionBlockSize bounds the window size. Block entries
	// store sizes in 24 bits, so a window (and therefore any
	// physical block) must stay below 16 MiB.
	MaxCompressionBlockSize = 1 << 24

	// DefaultMemoryLimit is the writer's pending-chunk memory
	// budget: Append blocks when this much chunk payload is queued
	// but not yet written.
	DefaultMemoryLimit = 5 << 30 // 5 GiB
)

// ContainerSettings carries the identity and security configuration
// of one container. Supplied once at writer or reader construction
// and held by value for that object's lifetime.
type ContainerSettings struct {
	// ContainerID identifies the container. Derive one from a name
	// with [ContainerIDFromName].
	ContainerID ContainerID

	// ContainerFlags selects compression, encryption, and signing.
	ContainerFlags ContainerFlags

	// CompressionMethod names the method used for compressed blocks.
	// Empty selects [iocompress.DefaultMethod]. Ignored unless the
	// Compressed flag is set.
	CompressionMethod string

	// EncryptionKey and EncryptionKeyGUID are required when the
	// Encrypted flag is set. The GUID is recorded in the TOC header
	// so readers can locate the key.
	EncryptionKey     iocrypto.AESKey
	EncryptionKeyGUID iocrypto.KeyGUID

	// SigningKey is the RSA private key used to sign the TOC at
	// flush. Required when the Signed flag is set; unused otherwise.
	SigningKey *iocrypto.SigningKey
}

// IsCompressed reports whether the container compresses blocks.
func (s *ContainerSettings) IsCompressed() bool { return s.ContainerFlags.IsCompressed() }

// IsEncrypted reports whether the container encrypts blocks.
func (s *ContainerSettings) IsEncrypted() bool { return s.ContainerFlags.IsEncrypted() }

// IsSigned reports whether the container's TOC is signed.
func (s *ContainerSettings) IsSigned() bool { return s.ContainerFlags.IsSigned() }

// Validate checks the settings for internal consistency and fills in
// the default compression method.
func (s *ContainerSettings) Validate() error {
	if s.IsCompressed() {
		if s.CompressionMethod == "" {
			s.CompressionMethod = iocompress.DefaultMethod
		}
		if !iocompress.IsKnownMethod(s.CompressionMethod) {
			return fmt.Errorf("%w: unknown compression method %q", ErrInvalidParameter, s.CompressionMethod)
		}
	}
	if s.IsEncrypted() && s.EncryptionKeyGUID.IsZero() {
		return fmt.Errorf("%w: encrypted container requires an encryption key GUID", ErrInvalidParameter)
	}
	if s.IsSigned() && s.SigningKey == nil {
		return fmt.Errorf("%w: signed container requires a signing key", ErrInvalidParameter)
	}
	return nil
}

// WriterSettings tunes one Writer. The zero value is usable:
// [Writer] fills in defaults for zero fields.
type WriterSettings struct {
	// CompressionBlockSize is the uncompressed window size blocks
	// are cut at. Must be a power of two below
	// MaxCompressionBlockSize. Zero selects the default.
	CompressionBlockSize uint32

	// CompressionBlockAlignment, when nonzero, keeps any chunk from
	// straddle-spanning a file-offset boundary at this alignment:
	// padding is inserted before the chunk instead. Must be a power
	// of two and a multiple of CompressionBlockSize.
	CompressionBlockAlignment uint64

	// MemoryMappingAlignment, when nonzero, is the additional file
	// alignment applied to chunks appended with the memory-mapped
	// option.
	MemoryMappingAlignment uint64

	// MemoryLimit is the pending-chunk payload budget in bytes.
	// Zero selects DefaultMemoryLimit.
	MemoryLimit int64

	// EnableCSV writes a <name>.csv sidecar with one
	// name,offset,size row per appended chunk.
	EnableCSV bool

	// EnableManifest writes a <name>.manifest.cbor sidecar holding
	// the WriterResult statistics at flush.
	EnableManifest bool

	// Logger receives lifecycle and statistics records. Nil selects
	// slog.Default().
	Logger *slog.Logger
}

// applyDefaults fills zero fields and validates the result.
func (s *WriterSettings) applyDefaults() error {
	if s.CompressionBlockSize == 0 {
		s.CompressionBlockSize = DefaultCompressionBlockSize
	}
	if s.MemoryLimit == 0 {
		s.MemoryLimit = DefaultMemoryLimit
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if !isPowerOfTwo(uint64(s.CompressionBlockSize)) || s.CompressionBlockSize >= MaxCompressionBlockSize {
		return fmt.Errorf("%w: compression block size %d must be a power of two below %d",
			ErrInvalidParameter, s.CompressionBlockSize, MaxCompressionBlockSize)
	}
	if s.CompressionBlockAlignment != 0 {
		if !isPowerOfTwo(s.CompressionBlockAlignment) {
			return fmt.Errorf("%w: compression block alignment %d must be a power of two",
				ErrInvalidParameter, s.CompressionBlockAlignment)
		}
		if s.CompressionBlockAlignment%uint64(s.CompressionBlockSize) != 0 {
			return fmt.Errorf("%w: compression block alignment %d must be a multiple of the block size %d",
				ErrInvalidParameter, s.CompressionBlockAlignment, s.CompressionBlockSize)
		}
	}
	if s.MemoryMappingAlignment != 0 && !isPowerOfTwo(s.MemoryMappingAlignment) {
		return fmt.Errorf("%w: memory mapping alignment %d must be a power of two",
			ErrInvalidParameter, s.MemoryMappingAlignment)
	}
	if s.MemoryLimit < 0 {
		return fmt.Errorf("%w: memory limit must be positive", ErrInvalidParameter)
	}
	return nil
}

// WriteOptions are the per-chunk options passed to Append.
type WriteOptions struct {
	// ForceUncompressed stores this chunk's blocks uncompressed even
	// in a compressed container. Used for payloads that are already
	// compressed.
	ForceUncompressed bool

	// IsMemoryMapped stores the chunk uncompressed and aligns its
	// file position to the writer's MemoryMappingAlignment so the
	// platform layer can map it directly.
	IsMemoryMapped bool

	// FileName, when set, names this chunk in the CSV diagnostics
	// sidecar. Defaults to the chunk id in hex.
	FileName string
}

// ReadOptions configure a Reader.
type ReadOptions struct {
	// RequireSigned refuses to open a container that does not carry
	// a valid TOC signature, in addition to verifying containers
	// that declare themselves signed.
	RequireSigned bool

	// VerifyKey is the RSA public key used to check TOC signatures.
	// Opening a signed container without a verify key fails closed
	// with ErrSignatureError.
	VerifyKey *iocrypto.VerifyKey

	// Provider overrides the crypto provider. Nil selects
	// iocrypto.Default().
	Provider iocrypto.Provider

	// Logger receives lifecycle records. Nil selects slog.Default().
	Logger *slog.Logger
}
