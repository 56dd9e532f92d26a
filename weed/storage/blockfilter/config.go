package blockfilter

import (
	"errors"
	"fmt"
	"time"

	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter/layout"
	"github.com/seaweedfs/blockfilter/weed/util"
)

// ChannelConfig names one downstream store.
type ChannelConfig struct {
	Label string // store label known to the supervisor
	Path  string // backing image, used by whoever starts the store
	Minor int
}

// Config configures an Engine. The zero value of every field but the channel
// labels is replaced by a default.
type Config struct {
	Primary   ChannelConfig
	Mirror    ChannelConfig
	Mirroring bool

	Checksums     bool // compute and verify checksums
	Interleaved   bool // keep the checksum layout even when Checksums is off
	Algorithm     layout.Algorithm
	ChecksumSize  int // stored bytes per checksum
	GroupSectors  int // data sectors per checksum sector
	ChecksumFatal bool
	// CountIgnored counts mismatches that are not fatal per channel, across
	// client operations. Retries consecutive ones become a data error.
	CountIgnored bool

	Retries  int
	Restarts int
	Timeout  time.Duration
	Chunk    int // largest logical transfer issued at once, in bytes
}

const (
	DefaultGroupSectors = 8
	DefaultChecksumSize = 16
	DefaultRetries      = 3
	DefaultRestarts     = 3
	DefaultTimeout      = 5 * time.Second
	DefaultChunk        = 64 * 1024
)

var ErrInvalidConfig = errors.New("blockfilter: invalid config")

func DefaultConfig() Config {
	c := Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.GroupSectors == 0 {
		c.GroupSectors = DefaultGroupSectors
	}
	if c.ChecksumSize == 0 {
		c.ChecksumSize = DefaultChecksumSize
	}
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
	if c.Restarts == 0 {
		c.Restarts = DefaultRestarts
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Chunk == 0 {
		c.Chunk = DefaultChunk
	}
	if c.Checksums {
		c.Interleaved = true
	}
}

func (c *Config) Validate() error {
	if c.Primary.Label == "" {
		return fmt.Errorf("%w: primary label is empty", ErrInvalidConfig)
	}
	if c.Mirroring && c.Mirror.Label == "" {
		return fmt.Errorf("%w: mirroring enabled without a mirror label", ErrInvalidConfig)
	}
	if c.Retries < 1 || c.Restarts < 1 {
		return fmt.Errorf("%w: retries %d and restarts %d must be positive", ErrInvalidConfig, c.Retries, c.Restarts)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout %v", ErrInvalidConfig, c.Timeout)
	}
	if c.Chunk < layout.SectorSize || c.Chunk%layout.SectorSize != 0 {
		return fmt.Errorf("%w: chunk %d is not a positive multiple of %d", ErrInvalidConfig, c.Chunk, layout.SectorSize)
	}
	if c.GroupSectors < 0 {
		return fmt.Errorf("%w: sectors per group %d", ErrInvalidConfig, c.GroupSectors)
	}
	if err := c.Layout().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Layout is the on-disk format the configuration describes.
func (c *Config) Layout() layout.Layout {
	return layout.Layout{
		Interleaved: c.Interleaved || c.Checksums,
		Checksums:   c.Checksums,
		Sectors:     uint64(c.GroupSectors),
		SumSize:     c.ChecksumSize,
		Algorithm:   c.Algorithm,
	}
}

// SetConfigDefaults registers the default of every key LoadConfig reads.
func SetConfigDefaults(v util.Configuration) {
	v.SetDefault("primary.label", "primary")
	v.SetDefault("mirror.label", "mirror")
	v.SetDefault("mirror.enabled", false)
	v.SetDefault("checksum.enabled", false)
	v.SetDefault("checksum.layout", false)
	v.SetDefault("checksum.algorithm", "crc")
	v.SetDefault("checksum.size", DefaultChecksumSize)
	v.SetDefault("checksum.sectors", DefaultGroupSectors)
	v.SetDefault("checksum.fatal", true)
	v.SetDefault("checksum.count_ignored", false)
	v.SetDefault("retries", DefaultRetries)
	v.SetDefault("restarts", DefaultRestarts)
	v.SetDefault("timeout", DefaultTimeout)
	v.SetDefault("chunk", "64KiB")
}

// LoadConfig builds a Config from configuration keys.
func LoadConfig(v util.Configuration) (Config, error) {
	alg, err := layout.ParseAlgorithm(v.GetString("checksum.algorithm"))
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	chunk, err := util.ParseSize(v.GetString("chunk"))
	if err != nil {
		return Config{}, fmt.Errorf("%w: chunk: %w", ErrInvalidConfig, err)
	}
	c := Config{
		Primary: ChannelConfig{
			Label: v.GetString("primary.label"),
			Path:  v.GetString("primary.path"),
			Minor: v.GetInt("primary.minor"),
		},
		Mirror: ChannelConfig{
			Label: v.GetString("mirror.label"),
			Path:  v.GetString("mirror.path"),
			Minor: v.GetInt("mirror.minor"),
		},
		Mirroring:     v.GetBool("mirror.enabled"),
		Checksums:     v.GetBool("checksum.enabled"),
		Interleaved:   v.GetBool("checksum.layout"),
		Algorithm:     alg,
		ChecksumSize:  v.GetInt("checksum.size"),
		GroupSectors:  v.GetInt("checksum.sectors"),
		ChecksumFatal: v.GetBool("checksum.fatal"),
		CountIgnored:  v.GetBool("checksum.count_ignored"),
		Retries:       v.GetInt("retries"),
		Restarts:      v.GetInt("restarts"),
		Timeout:       v.GetDuration("timeout"),
		Chunk:         int(chunk),
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
