// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the iostore
// command-line tools.
//
// Configuration is loaded from a single file specified by either the
// IOSTORE_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. This ensures deterministic, auditable
// configuration with no hidden overrides.
//
// Variable expansion is performed on path fields after loading:
// ${HOME} and ${VAR:-default} patterns are expanded. No other
// environment variables override config values.
//
// Key material (AES keys, RSA signing keys) is referenced by path
// and loaded lazily when the container settings are built, so a
// config file can be validated without access to the keys.
//
// Key exports:
//
//   - [Config] -- master struct with Container, Writer, Logging
//   - [Default] -- returns a Config with usable defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.ContainerSettings] -- resolves keys and builds settings
package config
