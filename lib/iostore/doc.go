// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

// Package iostore implements a content-addressed, chunk-oriented
// container format and its writer and reader.
//
// A container is a pair of files: <name>.utoc, the table of contents,
// and <name>.ucas, the body. The body is a concatenation of
// compression blocks: fixed-size windows of each chunk's payload,
// independently compressed and encrypted so that any byte range of
// any chunk can be decoded without touching the rest of the
// container. The table of contents maps chunk ids to ranges of a
// logical uncompressed address space and describes every physical
// block.
//
// Writing is pipelined: Append admits chunks against a memory
// budget, block creation (compression and encryption) runs on one
// goroutine per chunk, and a single writer goroutine serializes body
// writes and TOC construction in strict append order. Flush drains
// the pipeline and persists the TOC, optionally RSA-signed.
package iostore
