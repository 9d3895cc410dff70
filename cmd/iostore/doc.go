// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

// Iostore packages directory trees into content-addressed container
// files (.utoc table of contents plus .ucas body) and inspects,
// extracts, and verifies existing containers. Container identity,
// compression, encryption, and signing come from an iostore.yaml
// config file or from flags.
// Subcommands: create, list, extract, verify, describe.
package main
