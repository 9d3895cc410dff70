// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/iostore-dev/iostore/lib/config"
	"github.com/iostore-dev/iostore/lib/iocrypto"
	"github.com/iostore-dev/iostore/lib/iostore"
	"github.com/iostore-dev/iostore/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "create":
		return runCreate(os.Args[2:])
	case "list":
		return runList(os.Args[2:])
	case "extract":
		return runExtract(os.Args[2:])
	case "verify":
		return runVerify(os.Args[2:])
	case "describe":
		return runDescribe(os.Args[2:])
	case "version":
		fmt.Printf("iostore %s\n", version.Info())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: iostore <subcommand> [flags]

Subcommands:
  create      Package a directory tree into a container
  list        List the chunks in a container's table of contents
  extract     Extract chunks from a container into a directory
  verify      Re-hash every chunk and compare against the TOC
  describe    Print the container header and layout statistics
  version     Print version information

Run 'iostore <subcommand> --help' for subcommand flags.
`)
}

// loadConfig loads the YAML config from --config when given,
// otherwise returns the defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}

// readerInputs builds the key ring and read options for opening a
// container, from the config file plus flag overrides.
func readerInputs(cfg *config.Config, keyFile, keyGUID, verifyKeyFile string, requireSigned bool) (map[iocrypto.KeyGUID]iocrypto.AESKey, iostore.ReadOptions, error) {
	options := iostore.ReadOptions{
		RequireSigned: requireSigned || cfg.Container.Signing.RequireSigned,
		Logger:        cfg.NewLogger(),
	}

	if keyFile == "" {
		keyFile = cfg.Container.Encryption.KeyFile
		if keyGUID == "" {
			keyGUID = cfg.Container.Encryption.KeyGUID
		}
	}
	var keys map[iocrypto.KeyGUID]iocrypto.AESKey
	if keyFile != "" {
		if keyGUID == "" {
			return nil, options, fmt.Errorf("--key-guid is required with --key-file")
		}
		key, err := config.LoadAESKey(keyFile)
		if err != nil {
			return nil, options, err
		}
		guid, err := config.ParseKeyGUID(keyGUID)
		if err != nil {
			return nil, options, err
		}
		keys = map[iocrypto.KeyGUID]iocrypto.AESKey{guid: key}
	}

	if verifyKeyFile == "" {
		verifyKeyFile = cfg.Container.Signing.PublicKeyFile
	}
	if verifyKeyFile != "" {
		verifyKey, err := config.LoadVerifyKey(verifyKeyFile)
		if err != nil {
			return nil, options, err
		}
		options.VerifyKey = verifyKey
	}

	return keys, options, nil
}

// sourceFile is one file queued for ingestion, addressed by its
// slash-separated path relative to the source root.
type sourceFile struct {
	absolute string
	relative string
}

// collectSourceFiles walks the source tree and returns every regular
// file, sorted by relative path so the container layout is
// deterministic.
func collectSourceFiles(root string) ([]sourceFile, error) {
	var files []sourceFile
	err := filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		relative, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, sourceFile{
			absolute: path,
			relative: filepath.ToSlash(relative),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].relative < files[j].relative })
	return files, nil
}

func runCreate(args []string) error {
	flags := flag.NewFlagSet("create", flag.ExitOnError)
	var (
		configPath    string
		sourceDir     string
		outputPath    string
		containerName string
		method        string
		parallel      int
	)
	flags.StringVar(&configPath, "config", "", "path to iostore.yaml config file")
	flags.StringVar(&sourceDir, "source", "", "directory tree to package (required)")
	flags.StringVar(&outputPath, "output", "", "container path prefix; writes <output>.utoc and <output>.ucas (required)")
	flags.StringVar(&containerName, "name", "", "container name (overrides config)")
	flags.StringVar(&method, "method", "", "compression method (overrides config; empty keeps config)")
	flags.IntVar(&parallel, "parallel", runtime.NumCPU(), "concurrent source file reads")
	flags.Parse(args)

	if sourceDir == "" || outputPath == "" {
		flags.Usage()
		return fmt.Errorf("--source and --output are required")
	}
	if parallel < 1 {
		parallel = 1
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if containerName != "" {
		cfg.Container.Name = containerName
	}
	if method != "" {
		cfg.Container.CompressionMethod = method
	}
	if cfg.Container.Name == "" {
		cfg.Container.Name = filepath.Base(outputPath)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	container, err := cfg.ContainerSettings()
	if err != nil {
		return err
	}
	settings := cfg.WriterSettings()
	settings.Logger = cfg.NewLogger()

	files, err := collectSourceFiles(sourceDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no regular files under %s", sourceDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	writer, err := iostore.NewWriter(outputPath, container, settings)
	if err != nil {
		return err
	}
	defer writer.Close()

	// Source files are read in parallel but appended strictly in the
	// sorted order, so the same tree always produces the same TOC.
	type loaded struct {
		data []byte
		err  error
	}
	results := make([]chan loaded, len(files))
	for i := range results {
		results[i] = make(chan loaded, 1)
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(parallel)

	// group.Go blocks at the parallelism limit, so scheduling runs on
	// its own goroutine while the loop below consumes in order. Every
	// task sends exactly once, so draining all channels guarantees
	// the scheduler has finished before Wait.
	go func() {
		for i := range files {
			index := i
			group.Go(func() error {
				if err := groupCtx.Err(); err != nil {
					results[index] <- loaded{err: err}
					return err
				}
				data, err := os.ReadFile(files[index].absolute)
				results[index] <- loaded{data: data, err: err}
				return err
			})
		}
	}()

	for i, file := range files {
		result := <-results[i]
		if result.err != nil {
			return fmt.Errorf("reading %s: %w", file.relative, result.err)
		}
		if err := writer.Append(iostore.ChunkIDFromName(file.relative), result.data, iostore.WriteOptions{
			FileName: file.relative,
		}); err != nil {
			return fmt.Errorf("appending %s: %w", file.relative, err)
		}
	}
	if err := group.Wait(); err != nil {
		return err
	}

	result, err := writer.Flush()
	if err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Created %s.utoc / %s.ucas\n", outputPath, outputPath)
	fmt.Fprintf(os.Stderr, "  Container:    %s (%016x)\n", result.ContainerName, uint64(result.ContainerID))
	fmt.Fprintf(os.Stderr, "  Flags:        %s\n", result.ContainerFlags)
	fmt.Fprintf(os.Stderr, "  Chunks:       %d\n", result.TocEntryCount)
	fmt.Fprintf(os.Stderr, "  Uncompressed: %s\n", formatSize(result.UncompressedContainerSize))
	fmt.Fprintf(os.Stderr, "  Compressed:   %s (%s method, %s padding)\n",
		formatSize(result.CompressedContainerSize), result.CompressionMethod, formatSize(result.PaddingSize))
	return nil
}

func runList(args []string) error {
	flags := flag.NewFlagSet("list", flag.ExitOnError)
	var (
		configPath    string
		verifyKeyFile string
	)
	flags.StringVar(&configPath, "config", "", "path to iostore.yaml config file")
	flags.StringVar(&verifyKeyFile, "verify-key", "", "PEM public key for signed containers")
	flags.Parse(args)

	if flags.NArg() != 1 {
		flags.Usage()
		return fmt.Errorf("container path prefix required")
	}
	path := flags.Arg(0)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	_, options, err := readerInputs(cfg, "", "", verifyKeyFile, false)
	if err != nil {
		return err
	}

	resource, err := iostore.ReadTocResource(path+".utoc", iostore.TocReadOptions{
		WithTocMeta: true,
		VerifyKey:   options.VerifyKey,
	}, iocrypto.Default())
	if err != nil {
		return err
	}

	names := chunkNamesFromCSV(path + ".csv")

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	fmt.Fprintf(out, "%-24s  %12s  %12s  %-5s  %s\n", "CHUNK", "OFFSET", "SIZE", "FLAGS", "NAME")
	for i := range resource.ChunkIDs {
		offsetLength := &resource.ChunkOffsetAndLengths[i]
		flagText := "-"
		if len(resource.ChunkMetas) > i {
			flagText = chunkMetaFlagText(resource.ChunkMetas[i].Flags)
		}
		fmt.Fprintf(out, "%-24s  %12d  %12d  %-5s  %s\n",
			resource.ChunkIDs[i], offsetLength.Offset(), offsetLength.Length(),
			flagText, names[offsetLength.Offset()])
	}
	return nil
}

func runExtract(args []string) error {
	flags := flag.NewFlagSet("extract", flag.ExitOnError)
	var (
		configPath    string
		outputDir     string
		keyFile       string
		keyGUID       string
		verifyKeyFile string
		chunkHex      string
	)
	flags.StringVar(&configPath, "config", "", "path to iostore.yaml config file")
	flags.StringVar(&outputDir, "output", "", "directory to extract into (required)")
	flags.StringVar(&keyFile, "key-file", "", "AES key file for encrypted containers")
	flags.StringVar(&keyGUID, "key-guid", "", "key GUID, 32 hex characters")
	flags.StringVar(&verifyKeyFile, "verify-key", "", "PEM public key for signed containers")
	flags.StringVar(&chunkHex, "chunk", "", "extract only this chunk id (24 hex characters)")
	flags.Parse(args)

	if flags.NArg() != 1 || outputDir == "" {
		flags.Usage()
		return fmt.Errorf("container path prefix and --output are required")
	}
	path := flags.Arg(0)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	keys, options, err := readerInputs(cfg, keyFile, keyGUID, verifyKeyFile, false)
	if err != nil {
		return err
	}

	reader, err := iostore.NewReader(path, keys, options)
	if err != nil {
		return err
	}
	defer reader.Close()

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}
	names := chunkNamesFromCSV(path + ".csv")

	extractOne := func(info iostore.ChunkInfo) error {
		data, err := reader.Read(info.ID)
		if err != nil {
			return fmt.Errorf("reading chunk %s: %w", info.ID, err)
		}
		name := names[info.Offset]
		if name == "" {
			name = info.ID.String() + ".bin"
		}
		target := filepath.Join(outputDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", target, err)
		}
		return nil
	}

	if chunkHex != "" {
		id, err := iostore.ChunkIDFromHex(chunkHex)
		if err != nil {
			return err
		}
		found := false
		var extractErr error
		reader.EnumerateChunks(func(info iostore.ChunkInfo) bool {
			if info.ID != id {
				return true
			}
			found = true
			extractErr = extractOne(info)
			return false
		})
		if extractErr != nil {
			return extractErr
		}
		if !found {
			return fmt.Errorf("chunk %s not found in %s", chunkHex, path)
		}
		return nil
	}

	extracted := 0
	var extractErr error
	reader.EnumerateChunks(func(info iostore.ChunkInfo) bool {
		if extractErr = extractOne(info); extractErr != nil {
			return false
		}
		extracted++
		return true
	})
	if extractErr != nil {
		return extractErr
	}

	fmt.Fprintf(os.Stderr, "Extracted %d chunks to %s\n", extracted, outputDir)
	return nil
}

func runVerify(args []string) error {
	flags := flag.NewFlagSet("verify", flag.ExitOnError)
	var (
		configPath    string
		keyFile       string
		keyGUID       string
		verifyKeyFile string
		requireSigned bool
	)
	flags.StringVar(&configPath, "config", "", "path to iostore.yaml config file")
	flags.StringVar(&keyFile, "key-file", "", "AES key file for encrypted containers")
	flags.StringVar(&keyGUID, "key-guid", "", "key GUID, 32 hex characters")
	flags.StringVar(&verifyKeyFile, "verify-key", "", "PEM public key for signed containers")
	flags.BoolVar(&requireSigned, "require-signed", false, "fail if the container is not signed")
	flags.Parse(args)

	if flags.NArg() != 1 {
		flags.Usage()
		return fmt.Errorf("container path prefix required")
	}
	path := flags.Arg(0)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	keys, options, err := readerInputs(cfg, keyFile, keyGUID, verifyKeyFile, requireSigned)
	if err != nil {
		return err
	}

	reader, err := iostore.NewReader(path, keys, options)
	if err != nil {
		return err
	}
	defer reader.Close()

	// Re-read and re-hash every chunk. Read failures (including the
	// per-block signature checks in signed containers) and content
	// hash mismatches are both verification failures.
	provider := iocrypto.Default()
	verified := 0
	failed := 0
	reader.EnumerateChunks(func(info iostore.ChunkInfo) bool {
		data, err := reader.Read(info.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", info.ID, err)
			failed++
			return true
		}
		if provider.HashBuffer(data) != info.Hash {
			fmt.Fprintf(os.Stderr, "FAIL %s: content hash mismatch\n", info.ID)
			failed++
			return true
		}
		verified++
		return true
	})

	fmt.Fprintf(os.Stderr, "Verified %d chunks, %d failed\n", verified, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d chunks failed verification", failed, verified+failed)
	}
	return nil
}

func runDescribe(args []string) error {
	flags := flag.NewFlagSet("describe", flag.ExitOnError)
	var (
		configPath    string
		verifyKeyFile string
	)
	flags.StringVar(&configPath, "config", "", "path to iostore.yaml config file")
	flags.StringVar(&verifyKeyFile, "verify-key", "", "PEM public key for signed containers")
	flags.Parse(args)

	if flags.NArg() != 1 {
		flags.Usage()
		return fmt.Errorf("container path prefix required")
	}
	path := flags.Arg(0)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	_, options, err := readerInputs(cfg, "", "", verifyKeyFile, false)
	if err != nil {
		return err
	}

	resource, err := iostore.ReadTocResource(path+".utoc", iostore.TocReadOptions{
		WithTocMeta: true,
		VerifyKey:   options.VerifyKey,
	}, iocrypto.Default())
	if err != nil {
		return err
	}
	header := &resource.Header

	var compressedTotal, uncompressedTotal uint64
	storedBlocks := 0
	for i := range resource.CompressionBlocks {
		entry := &resource.CompressionBlocks[i]
		compressedTotal += uint64(entry.CompressedSize())
		uncompressedTotal += uint64(entry.UncompressedSize())
		if entry.CompressionMethodIndex() == 0 {
			storedBlocks++
		}
	}

	fmt.Printf("Container:              %016x\n", uint64(header.ContainerID))
	fmt.Printf("TOC version:            %d\n", header.Version)
	fmt.Printf("Flags:                  %s\n", header.ContainerFlags)
	if header.ContainerFlags.IsEncrypted() {
		fmt.Printf("Encryption key GUID:    %s\n", header.EncryptionKeyGUID)
	}
	fmt.Printf("Compression block size: %d\n", header.CompressionBlockSize)
	fmt.Printf("Chunks:                 %d\n", len(resource.ChunkIDs))
	fmt.Printf("Blocks:                 %d (%d stored uncompressed)\n", len(resource.CompressionBlocks), storedBlocks)
	fmt.Printf("Methods:                %s\n", strings.Join(resource.CompressionMethods, ", "))
	fmt.Printf("Block bytes:            %s compressed, %s uncompressed\n",
		formatSize(compressedTotal), formatSize(uncompressedTotal))
	if len(resource.ChunkBlockSignatures) > 0 {
		fmt.Printf("Block signatures:       %d\n", len(resource.ChunkBlockSignatures))
	}
	return nil
}

// chunkMetaFlagText renders chunk meta flags as a compact column.
func chunkMetaFlagText(flags iostore.ChunkMetaFlags) string {
	text := ""
	if flags&iostore.ChunkMetaFlagCompressed != 0 {
		text += "C"
	}
	if flags&iostore.ChunkMetaFlagMemoryMapped != 0 {
		text += "M"
	}
	if text == "" {
		return "-"
	}
	return text
}

// chunkNamesFromCSV loads the optional <path>.csv sidecar and returns
// a map from chunk logical offset to source file name. Returns an
// empty map when the sidecar is absent or malformed; names are a
// diagnostics nicety, not part of the container format.
func chunkNamesFromCSV(path string) map[uint64]string {
	names := make(map[uint64]string)

	file, err := os.Open(path)
	if err != nil {
		return names
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	first := true
	for scanner.Scan() {
		if first {
			first = false // header row
			continue
		}
		name, offset, ok := parseCSVRow(scanner.Text())
		if ok {
			names[offset] = name
		}
	}
	return names
}

// parseCSVRow splits one "name,offset,size" sidecar row. Names are
// relative paths and never contain commas; the offset and size are
// the last two fields.
func parseCSVRow(row string) (name string, offset uint64, ok bool) {
	last := strings.LastIndexByte(row, ',')
	if last < 0 {
		return "", 0, false
	}
	middle := strings.LastIndexByte(row[:last], ',')
	if middle < 0 {
		return "", 0, false
	}
	offset, err := strconv.ParseUint(row[middle+1:last], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return row[:middle], offset, true
}

// formatSize renders a byte count with a binary unit suffix.
func formatSize(size uint64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exponent := uint64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exponent++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exponent])
}
