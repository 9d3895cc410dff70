// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
)

func errorIs(err, target error) bool {
	return errors.Is(err, target)
}

// testSigningKey returns a process-wide RSA key for signing tests;
// generating one per test is needlessly slow.
var testSigningKey = sync.OnceValue(func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("generating test RSA key: " + err.Error())
	}
	return key
})

// testAESKey returns a fixed AES key and GUID for encryption tests.
func testAESKey(t *testing.T) (key [32]byte, guid [16]byte) {
	t.Helper()
	for i := range key {
		key[i] = byte(i + 1)
	}
	for i := range guid {
		guid[i] = byte(0xa0 + i)
	}
	return key, guid
}
