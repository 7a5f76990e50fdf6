package squash

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/kilnfs/squash/compressor"
)

// Config controls how a tree is packed into an image.
type Config struct {
	// BlockSize is the data block size in bytes. Must be a power of two
	// in [4096, 1048576].
	BlockSize uint32 `yaml:"block_size"`

	// Compression selects the codec applied to data blocks, fragments,
	// and metadata streams.
	Compression compressor.ID `yaml:"-"`
	// CompressionName is the yaml-facing form of Compression ("gzip",
	// "zstd", "lz4"); set one of Compression or CompressionName.
	CompressionName string `yaml:"compression"`
	// CompressionLevel is passed to compressor.New; 0 selects the
	// codec's default.
	CompressionLevel int `yaml:"compression_level"`

	// NoFragments disables fragment packing: every file's tail becomes
	// its own final data block instead of sharing a fragment block.
	NoFragments bool `yaml:"no_fragments"`
	// NoDuplicates disables block-content deduplication.
	NoDuplicates bool `yaml:"no_duplicates"`

	// UncompressedInodes, UncompressedFragments, and UncompressedXattrs
	// force the matching table to be stored without compression, and
	// each sets the matching superblock flag bit. UncompressedData only
	// sets its superblock flag bit: data and fragment blocks are still
	// compressed whenever compression shrinks them.
	UncompressedInodes    bool `yaml:"uncompressed_inodes"`
	UncompressedData      bool `yaml:"uncompressed_data"`
	UncompressedFragments bool `yaml:"uncompressed_fragments"`
	UncompressedXattrs    bool `yaml:"uncompressed_xattrs"`

	// ForceUID and ForceGID, when non-nil, overwrite every node's
	// owner/group before post-processing.
	ForceUID *uint32 `yaml:"force_uid"`
	ForceGID *uint32 `yaml:"force_gid"`

	// Workers is the number of block-processor worker goroutines. 0
	// means inline, single-threaded processing; a negative value
	// selects runtime.NumCPU().
	Workers int `yaml:"workers"`
	// MaxBacklog bounds the block processor's work queue.
	MaxBacklog int `yaml:"max_backlog"`

	// StrictChangeDetection, when true, fails the build if the bytes
	// read from a file differ from its size when opened, or if reopening
	// it afterwards reports a different size. Mtime and permission
	// changes are not checked.
	StrictChangeDetection bool `yaml:"strict_change_detection"`

	// SortFile, if set, names a gensquashfs-style sort-file path applied
	// via WithSortFile during PostProcess, reordering the data-packing
	// worklist by priority.
	SortFile string `yaml:"sort_file"`

	// Logger receives Build's progress and diagnostic output. A nil
	// Logger is replaced with a discard handler, so callers never need
	// to guard against it.
	Logger *slog.Logger `yaml:"-"`
}

// log returns cfg's logger, falling back to a discard handler if none
// was set.
func (c *Config) log() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.Logger
}

// Default returns the configuration gensquashfs itself defaults to: 128
// KiB blocks, zstd compression, fragments and dedup both enabled, one
// worker per CPU.
func Default() *Config {
	return &Config{
		BlockSize:        131072,
		Compression:      compressor.ZSTD,
		CompressionLevel: 0,
		Workers:          runtime.NumCPU(),
		MaxBacklog:       256,
	}
}

// LoadFile reads a YAML configuration file, applying it on top of
// Default.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	//nolint:gosec // path is operator-provided by design
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newErr(KindIO, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, newErr(KindFormat, err)
	}
	if err := cfg.resolveCompressionName(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) resolveCompressionName() error {
	if c.CompressionName == "" {
		return nil
	}
	for _, id := range []compressor.ID{compressor.GZIP, compressor.ZSTD, compressor.LZ4, compressor.LZMA, compressor.LZO, compressor.XZ} {
		if id.String() == c.CompressionName {
			c.Compression = id
			return nil
		}
	}
	return newErr(KindFormat, fmt.Errorf("squash: unknown compression %q", c.CompressionName))
}

// Validate checks block size, worker count, and owner-override range.
func (c *Config) Validate() error {
	if c.BlockSize < 4096 || c.BlockSize > 1<<20 || c.BlockSize&(c.BlockSize-1) != 0 {
		return newErr(KindLimit, ErrBlockSizeInvalid)
	}
	if c.Workers < 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.MaxBacklog <= 0 {
		c.MaxBacklog = 256
	}
	if c.ForceUID != nil && *c.ForceUID >= 1<<32-1 {
		return newErr(KindLimit, ErrOwnerOutOfRange)
	}
	if c.ForceGID != nil && *c.ForceGID >= 1<<32-1 {
		return newErr(KindLimit, ErrOwnerOutOfRange)
	}
	return nil
}
