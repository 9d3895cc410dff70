// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/iostore-dev/iostore/lib/iocompress"
	"github.com/iostore-dev/iostore/lib/iostore"
)

// Config is the master configuration for an iostore packaging run.
type Config struct {
	// Container configures the identity and security of the container
	// being built or opened.
	Container ContainerConfig `yaml:"container"`

	// Writer tunes the write pipeline.
	Writer WriterConfig `yaml:"writer"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`
}

// ContainerConfig configures container identity and security.
type ContainerConfig struct {
	// Name is the container name. The container id is derived from it.
	Name string `yaml:"name"`

	// CompressionMethod enables block compression when set. One of
	// the methods registered in lib/iocompress ("Zstd", "LZ4").
	// Empty means the container is stored uncompressed.
	CompressionMethod string `yaml:"compression_method"`

	// Encryption configures AES block encryption. Encryption is
	// enabled when KeyFile is set.
	Encryption EncryptionConfig `yaml:"encryption"`

	// Signing configures RSA TOC signing. Signing is enabled when
	// PrivateKeyFile is set.
	Signing SigningConfig `yaml:"signing"`
}

// EncryptionConfig configures AES block encryption.
type EncryptionConfig struct {
	// KeyFile is the path to the AES-256 key, 64 hex characters.
	KeyFile string `yaml:"key_file"`

	// KeyGUID identifies the key, 32 hex characters. Recorded in the
	// container header so readers can locate the key.
	KeyGUID string `yaml:"key_guid"`
}

// SigningConfig configures RSA TOC signing and verification.
type SigningConfig struct {
	// PrivateKeyFile is the path to the PEM-encoded RSA private key
	// used to sign at write time.
	PrivateKeyFile string `yaml:"private_key_file"`

	// PublicKeyFile is the path to the PEM-encoded RSA public key
	// used to verify at read time.
	PublicKeyFile string `yaml:"public_key_file"`

	// RequireSigned refuses to open containers that do not carry a
	// valid signature.
	RequireSigned bool `yaml:"require_signed"`
}

// WriterConfig tunes the write pipeline.
type WriterConfig struct {
	// CompressionBlockSize is the uncompressed window size in bytes.
	// Must be a power of two. Default: 65536.
	CompressionBlockSize uint32 `yaml:"compression_block_size"`

	// CompressionBlockAlignment, when nonzero, keeps chunks from
	// straddling file-offset boundaries at this alignment.
	CompressionBlockAlignment uint64 `yaml:"compression_block_alignment"`

	// MemoryMappingAlignment is the file alignment applied to chunks
	// written with the memory-mapped option.
	MemoryMappingAlignment uint64 `yaml:"memory_mapping_alignment"`

	// MemoryLimit is the pending-chunk payload budget in bytes.
	// Default: 5 GiB.
	MemoryLimit int64 `yaml:"memory_limit"`

	// EnableCSV writes a <name>.csv sidecar listing every chunk.
	EnableCSV bool `yaml:"enable_csv"`

	// EnableManifest writes a <name>.manifest.cbor statistics sidecar.
	EnableManifest bool `yaml:"enable_manifest"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	// Default: info.
	Level string `yaml:"level"`

	// Format is the handler format: json or text. Default: json.
	Format string `yaml:"format"`
}

// Default returns the default configuration. These defaults ensure
// all fields have sensible zero-values before the file is merged in.
func Default() *Config {
	return &Config{
		Writer: WriterConfig{
			CompressionBlockSize: iostore.DefaultCompressionBlockSize,
			MemoryLimit:          iostore.DefaultMemoryLimit,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from the IOSTORE_CONFIG environment
// variable. There are no fallbacks: if IOSTORE_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	path := os.Getenv("IOSTORE_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("IOSTORE_CONFIG environment variable not set; " +
			"set it to the path of your iostore.yaml config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merging it
// over the defaults and expanding path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in the
// path-valued fields.
func (c *Config) expandVariables() {
	c.Container.Encryption.KeyFile = expandVars(c.Container.Encryption.KeyFile)
	c.Container.Signing.PrivateKeyFile = expandVars(c.Container.Signing.PrivateKeyFile)
	c.Container.Signing.PublicKeyFile = expandVars(c.Container.Signing.PublicKeyFile)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Container.Name == "" {
		errs = append(errs, fmt.Errorf("container.name is required"))
	}
	if method := c.Container.CompressionMethod; method != "" && !iocompress.IsKnownMethod(method) {
		errs = append(errs, fmt.Errorf("container.compression_method: unknown method %q", method))
	}
	if c.Container.Encryption.KeyFile != "" && c.Container.Encryption.KeyGUID == "" {
		errs = append(errs, fmt.Errorf("container.encryption.key_guid is required when key_file is set"))
	}
	if c.Container.Signing.RequireSigned && c.Container.Signing.PublicKeyFile == "" {
		errs = append(errs, fmt.Errorf("container.signing.public_key_file is required when require_signed is set"))
	}

	levels := []string{"debug", "info", "warn", "error"}
	if !contains(levels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level must be one of: %v", levels))
	}
	formats := []string{"json", "text"}
	if !contains(formats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format must be one of: %v", formats))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}

// ContainerSettings builds the iostore container settings from the
// configuration, loading key material from the referenced files.
func (c *Config) ContainerSettings() (iostore.ContainerSettings, error) {
	settings := iostore.ContainerSettings{
		ContainerID: iostore.ContainerIDFromName(c.Container.Name),
	}

	if method := c.Container.CompressionMethod; method != "" {
		settings.ContainerFlags |= iostore.ContainerFlagCompressed
		settings.CompressionMethod = method
	}

	if c.Container.Encryption.KeyFile != "" {
		key, err := LoadAESKey(c.Container.Encryption.KeyFile)
		if err != nil {
			return settings, fmt.Errorf("container.encryption.key_file: %w", err)
		}
		guid, err := ParseKeyGUID(c.Container.Encryption.KeyGUID)
		if err != nil {
			return settings, fmt.Errorf("container.encryption.key_guid: %w", err)
		}
		settings.ContainerFlags |= iostore.ContainerFlagEncrypted
		settings.EncryptionKey = key
		settings.EncryptionKeyGUID = guid
	}

	if c.Container.Signing.PrivateKeyFile != "" {
		key, err := LoadSigningKey(c.Container.Signing.PrivateKeyFile)
		if err != nil {
			return settings, fmt.Errorf("container.signing.private_key_file: %w", err)
		}
		settings.ContainerFlags |= iostore.ContainerFlagSigned
		settings.SigningKey = key
	}

	return settings, nil
}

// WriterSettings builds the iostore writer settings from the
// configuration. The logger is attached by the caller.
func (c *Config) WriterSettings() iostore.WriterSettings {
	return iostore.WriterSettings{
		CompressionBlockSize:      c.Writer.CompressionBlockSize,
		CompressionBlockAlignment: c.Writer.CompressionBlockAlignment,
		MemoryMappingAlignment:    c.Writer.MemoryMappingAlignment,
		MemoryLimit:               c.Writer.MemoryLimit,
		EnableCSV:                 c.Writer.EnableCSV,
		EnableManifest:            c.Writer.EnableManifest,
	}
}

// NewLogger builds the structured logger described by the logging
// section, writing to stderr.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	switch c.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	options := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, options))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, options))
}
