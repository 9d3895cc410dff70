// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

// Package iocrypto provides the cryptographic primitives used by
// iostore containers: SHA-1 content hashing, in-place AES block
// encryption of compression blocks, and RSA signing of the table of
// contents.
//
// All primitives are reached through the [Provider] interface, which
// is injected into the writer and reader at construction. There is
// no process-global key cache or crypto registry; tests substitute a
// fake provider where useful.
package iocrypto
