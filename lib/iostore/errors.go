// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import "errors"

// Error taxonomy. Every failure returned by this package wraps one
// of these sentinels; callers classify with errors.Is.
var (
	// ErrFileOpenFailed indicates a container file could not be
	// opened, or a resource needed to open it (such as the
	// encryption key for its key GUID) was unavailable.
	ErrFileOpenFailed = errors.New("file open failed")

	// ErrInvalidParameter indicates a caller-supplied argument was
	// rejected before any work was done.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotFound indicates the requested chunk id is not present in
	// the container.
	ErrNotFound = errors.New("chunk not found")

	// ErrCorruptToc indicates the table of contents failed
	// structural validation, or a block described by it failed to
	// decode.
	ErrCorruptToc = errors.New("corrupt table of contents")

	// ErrSignatureError indicates signature verification failed, or
	// a required signature was absent. Containers failing signature
	// checks cannot be opened at all.
	ErrSignatureError = errors.New("signature error")

	// ErrWriteError indicates an I/O failure while writing the
	// container body or table of contents.
	ErrWriteError = errors.New("write error")
)
