// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/iostore-dev/iostore/lib/iocrypto"
)

// LoadAESKey reads an AES-256 key from a file holding 64 hex
// characters (whitespace ignored).
func LoadAESKey(path string) (iocrypto.AESKey, error) {
	var key iocrypto.AESKey

	data, err := os.ReadFile(path)
	if err != nil {
		return key, err
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return key, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(decoded) != iocrypto.AESKeySize {
		return key, fmt.Errorf("%s holds %d key bytes, want %d", path, len(decoded), iocrypto.AESKeySize)
	}
	copy(key[:], decoded)
	return key, nil
}

// ParseKeyGUID parses a key GUID from 32 hex characters.
func ParseKeyGUID(s string) (iocrypto.KeyGUID, error) {
	var guid iocrypto.KeyGUID

	decoded, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return guid, err
	}
	if len(decoded) != len(guid) {
		return guid, fmt.Errorf("guid holds %d bytes, want %d", len(decoded), len(guid))
	}
	copy(guid[:], decoded)
	return guid, nil
}

// LoadSigningKey reads a PEM-encoded RSA private key. Both PKCS#1
// ("RSA PRIVATE KEY") and PKCS#8 ("PRIVATE KEY") encodings are
// accepted.
func LoadSigningKey(path string) (*iocrypto.SigningKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found", path)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return key, nil
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		key, ok := parsed.(*iocrypto.SigningKey)
		if !ok {
			return nil, fmt.Errorf("%s: not an RSA private key", path)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%s: unexpected PEM block %q", path, block.Type)
	}
}

// LoadVerifyKey reads a PEM-encoded RSA public key. Both PKCS#1
// ("RSA PUBLIC KEY") and PKIX ("PUBLIC KEY") encodings are accepted.
func LoadVerifyKey(path string) (*iocrypto.VerifyKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found", path)
	}

	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return key, nil
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		key, ok := parsed.(*iocrypto.VerifyKey)
		if !ok {
			return nil, fmt.Errorf("%s: not an RSA public key", path)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%s: unexpected PEM block %q", path, block.Type)
	}
}
