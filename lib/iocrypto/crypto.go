// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

package iocrypto

import (
	"crypto"
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// HashSize is the byte length of all content digests in the
// container format. The format stores SHA-1 digests; the hash
// algorithm and its 20-byte output are protocol constants.
const HashSize = sha1.Size

// AESBlockSize is the cipher block granularity. Every encrypted
// region of a container body is a multiple of this size; the block
// builder pads blocks up to it before encryption.
const AESBlockSize = aes.BlockSize

// AESKeySize is the symmetric key length (AES-256).
const AESKeySize = 32

// Hash is a 20-byte SHA-1 digest.
type Hash [HashSize]byte

// String returns the digest as lowercase hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the digest is all zeroes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// AESKey is a symmetric container encryption key.
type AESKey [AESKeySize]byte

// KeyGUID identifies an encryption key. Writers record the GUID of
// the key they encrypted with in the TOC header; readers look the
// key up by GUID in a caller-supplied key map.
type KeyGUID [16]byte

// IsZero reports whether the GUID is the all-zero (no key) value.
func (g KeyGUID) IsZero() bool {
	return g == KeyGUID{}
}

// String returns the GUID as lowercase hex.
func (g KeyGUID) String() string {
	return hex.EncodeToString(g[:])
}

// SigningKey is an RSA private key used to sign a container's table
// of contents at flush time.
type SigningKey = rsa.PrivateKey

// VerifyKey is the RSA public key used to verify a signed table of
// contents when opening a container.
type VerifyKey = rsa.PublicKey

// Provider supplies the cryptographic operations the container
// engine needs. The default implementation is [Default]; tests may
// substitute a fake to exercise failure paths.
type Provider interface {
	// HashBuffer computes the content digest of data.
	HashBuffer(data []byte) Hash

	// EncryptBlock encrypts block in place with key. The block
	// length must be a multiple of AESBlockSize.
	EncryptBlock(block []byte, key AESKey) error

	// DecryptBlock decrypts block in place with key. The block
	// length must be a multiple of AESBlockSize.
	DecryptBlock(block []byte, key AESKey) error

	// Sign produces a signature over digest with the private key.
	Sign(key *SigningKey, digest Hash) ([]byte, error)

	// Verify checks that signature is a valid signature over digest
	// by the holder of the private half of key.
	Verify(key *VerifyKey, digest Hash, signature []byte) error
}

// Default returns the standard provider: SHA-1 hashing, AES-256
// block encryption, RSA PKCS#1 v1.5 signatures.
func Default() Provider {
	return defaultProvider{}
}

type defaultProvider struct{}

func (defaultProvider) HashBuffer(data []byte) Hash {
	return sha1.Sum(data)
}

func (defaultProvider) EncryptBlock(block []byte, key AESKey) error {
	return applyAES(block, key, true)
}

func (defaultProvider) DecryptBlock(block []byte, key AESKey) error {
	return applyAES(block, key, false)
}

func (defaultProvider) Sign(key *SigningKey, digest Hash) ([]byte, error) {
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, digest[:])
	if err != nil {
		return nil, fmt.Errorf("RSA signing: %w", err)
	}
	return signature, nil
}

func (defaultProvider) Verify(key *VerifyKey, digest Hash, signature []byte) error {
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA1, digest[:], signature); err != nil {
		return fmt.Errorf("RSA verification: %w", err)
	}
	return nil
}

// applyAES runs the AES block cipher over every 16-byte cipher block
// of buffer, in place. Container blocks are encrypted independently
// of each other at a fixed offset, so the cipher is applied per
// block with no chaining.
func applyAES(buffer []byte, key AESKey, encrypt bool) error {
	if len(buffer)%AESBlockSize != 0 {
		return fmt.Errorf("buffer length %d is not a multiple of the AES block size %d",
			len(buffer), AESBlockSize)
	}

	cipher, err := aes.NewCipher(key[:])
	if err != nil {
		return fmt.Errorf("initializing AES cipher: %w", err)
	}

	for offset := 0; offset < len(buffer); offset += AESBlockSize {
		window := buffer[offset : offset+AESBlockSize]
		if encrypt {
			cipher.Encrypt(window, window)
		} else {
			cipher.Decrypt(window, window)
		}
	}
	return nil
}
