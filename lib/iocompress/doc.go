// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

// Package iocompress provides the named compression methods used by
// iostore containers. A container's table of contents carries a
// compression-method name table; every compressed block references a
// method by index into that table. Index 0 is the implicit "None"
// (stored) method and is never serialized.
package iocompress
