// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for iostore packages.
//
// [RequireReceive], [RequireClosed], and [RequireNotClosed] encapsulate
// the timeout safety valve pattern (select with time.After fallback) so
// that concurrency tests fail with a message instead of hanging the
// test binary.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
