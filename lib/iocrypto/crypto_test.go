// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

package iocrypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"testing"
)

func TestHashBufferMatchesSHA1(t *testing.T) {
	provider := Default()
	data := []byte("HELLO WORLD")

	got := provider.HashBuffer(data)
	want := sha1.Sum(data)
	if got != Hash(want) {
		t.Errorf("HashBuffer = %s, want %x", got, want)
	}
}

func TestAESBlockRoundtrip(t *testing.T) {
	provider := Default()

	var key AESKey
	rand.Read(key[:])

	original := bytes.Repeat([]byte("0123456789abcdef"), 4) // 64 bytes
	block := append([]byte(nil), original...)

	if err := provider.EncryptBlock(block, key); err != nil {
		t.Fatalf("EncryptBlock failed: %v", err)
	}
	if bytes.Equal(block, original) {
		t.Error("EncryptBlock left data unchanged")
	}

	if err := provider.DecryptBlock(block, key); err != nil {
		t.Fatalf("DecryptBlock failed: %v", err)
	}
	if !bytes.Equal(block, original) {
		t.Error("decrypted data does not match original")
	}
}

func TestAESRejectsUnalignedBlock(t *testing.T) {
	provider := Default()
	var key AESKey

	if err := provider.EncryptBlock(make([]byte, 17), key); err == nil {
		t.Error("EncryptBlock accepted an unaligned buffer")
	}
	if err := provider.DecryptBlock(make([]byte, 15), key); err == nil {
		t.Error("DecryptBlock accepted an unaligned buffer")
	}
}

func TestSignVerify(t *testing.T) {
	provider := Default()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}

	digest := provider.HashBuffer([]byte("table of contents bytes"))

	signature, err := provider.Sign(key, digest)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if err := provider.Verify(&key.PublicKey, digest, signature); err != nil {
		t.Errorf("Verify failed on valid signature: %v", err)
	}

	// A flipped signature byte must fail verification.
	tampered := append([]byte(nil), signature...)
	tampered[0] ^= 0xff
	if err := provider.Verify(&key.PublicKey, digest, tampered); err == nil {
		t.Error("Verify accepted a tampered signature")
	}

	// A different digest must fail verification.
	other := provider.HashBuffer([]byte("different bytes"))
	if err := provider.Verify(&key.PublicKey, other, signature); err == nil {
		t.Error("Verify accepted a signature over a different digest")
	}
}
