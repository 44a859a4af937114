package region

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// Strategy selects how regions are brought into memory.
type Strategy int

const (
	// StrategySync maps regions on the calling goroutine when MoveTo crosses
	// a region boundary.
	StrategySync Strategy = iota
	// StrategyAhead maps the regions following the cursor on a background
	// goroutine so that sequential writers rarely pay for mmap on the hot path.
	StrategyAhead
)

func (s Strategy) String() string {
	switch s {
	case StrategySync:
		return "sync"
	case StrategyAhead:
		return "ahead"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler so configs serialise as names.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	switch string(text) {
	case "sync", "":
		*s = StrategySync
	case "ahead":
		*s = StrategyAhead
	default:
		return fmt.Errorf("%w: unknown mapping strategy %q", ErrInvalidConfig, string(text))
	}
	return nil
}

var (
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("region: invalid config")
	// ErrClosed is returned when a closed mapping or mapper is used.
	ErrClosed = errors.New("region: closed")
	// ErrOutOfRange is returned for positions beyond the configured file limit.
	ErrOutOfRange = errors.New("region: position out of range")
)

// Config describes a rolling set of growable memory-mapped files.
type Config struct {
	// MaxFileSize is the size of one file when Roll is set, or the hard size
	// limit of the single file otherwise (0 = unlimited, single file only).
	MaxFileSize int64 `json:"max_file_size" yaml:"max_file_size"`

	// RegionSize is the size of one mapped window. Power of two, multiple of
	// the OS page size.
	RegionSize int `json:"region_size" yaml:"region_size"`

	// Expand lets writable mappings grow files region by region.
	Expand bool `json:"expand" yaml:"expand"`

	// Roll splits the byte stream over several files of MaxFileSize bytes.
	Roll bool `json:"roll" yaml:"roll"`

	Strategy Strategy `json:"strategy" yaml:"strategy"`

	// RegionCacheSize is the number of regions kept mapped per mapping.
	RegionCacheSize int `json:"region_cache_size" yaml:"region_cache_size"`

	// RegionsAhead is how many regions past the cursor StrategyAhead prepares.
	RegionsAhead int `json:"regions_ahead" yaml:"regions_ahead"`

	// MapTimeout bounds how long MoveTo waits for an in-flight background map.
	MapTimeout time.Duration `json:"map_timeout" yaml:"map_timeout"`

	// FailOnTimeout makes MoveTo fail instead of mapping synchronously once
	// MapTimeout elapses.
	FailOnTimeout bool `json:"fail_on_timeout" yaml:"fail_on_timeout"`
}

// DefaultConfig returns a 64KB-region, 64MB-file rolling configuration.
func DefaultConfig() Config {
	return Config{
		MaxFileSize:     64 << 20,
		RegionSize:      64 << 10,
		Expand:          true,
		Roll:            true,
		Strategy:        StrategySync,
		RegionCacheSize: 4,
		RegionsAhead:    1,
		MapTimeout:      100 * time.Millisecond,
	}
}

// Validate checks the configuration eagerly.
func (c Config) Validate() error {
	page := os.Getpagesize()
	if c.RegionSize <= 0 || c.RegionSize&(c.RegionSize-1) != 0 {
		return fmt.Errorf("%w: region size %d is not a positive power of two", ErrInvalidConfig, c.RegionSize)
	}
	if c.RegionSize%page != 0 {
		return fmt.Errorf("%w: region size %d is not a multiple of the page size %d", ErrInvalidConfig, c.RegionSize, page)
	}
	if c.MaxFileSize < 0 {
		return fmt.Errorf("%w: max file size %d is negative", ErrInvalidConfig, c.MaxFileSize)
	}
	if c.Roll && c.MaxFileSize == 0 {
		return fmt.Errorf("%w: rolling requires a max file size", ErrInvalidConfig)
	}
	if c.MaxFileSize > 0 && c.MaxFileSize%int64(c.RegionSize) != 0 {
		return fmt.Errorf("%w: max file size %d is not a multiple of region size %d", ErrInvalidConfig, c.MaxFileSize, c.RegionSize)
	}
	if c.RegionCacheSize < 1 {
		return fmt.Errorf("%w: region cache size %d must be at least 1", ErrInvalidConfig, c.RegionCacheSize)
	}
	if c.Strategy != StrategySync && c.Strategy != StrategyAhead {
		return fmt.Errorf("%w: unknown strategy %d", ErrInvalidConfig, int(c.Strategy))
	}
	if c.Strategy == StrategyAhead {
		if c.RegionsAhead < 1 {
			return fmt.Errorf("%w: regions ahead %d must be at least 1", ErrInvalidConfig, c.RegionsAhead)
		}
		if c.MapTimeout < 0 {
			return fmt.Errorf("%w: negative map timeout", ErrInvalidConfig)
		}
	}
	return nil
}
