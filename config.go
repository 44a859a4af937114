package mmq

import (
	"fmt"
	"time"

	"github.com/orbiterhq/mmq/internal/region"
)

// MappingConfig describes how one family of files (headers or payloads) is
// split into files and mapped regions.
type MappingConfig = region.Config

// MappingStrategy selects synchronous or background region mapping.
type MappingStrategy = region.Strategy

const (
	// MappingSync maps regions on the calling goroutine.
	MappingSync = region.StrategySync
	// MappingAhead maps upcoming regions on a background goroutine.
	MappingAhead = region.StrategyAhead
)

// MetricsConfig controls metrics collection
type MetricsConfig struct {
	// Shared keeps the counters in a memory-mapped file so that every
	// process using the queue contributes to and sees the same numbers.
	Shared bool `json:"shared" yaml:"shared"`
}

// Config is the complete queue configuration. Build it from DefaultConfig
// or one of the presets and adjust fields; Open validates it.
type Config struct {
	// Header mapping. Header words are 8 bytes, so the defaults keep
	// 8M indices per file.
	Header MappingConfig `json:"header" yaml:"header"`

	// Payload mapping. RegionSize bounds the largest record.
	Payload MappingConfig `json:"payload" yaml:"payload"`

	// Geometry spreads neighbouring header words over cache lines.
	Geometry BlockMapping `json:"geometry" yaml:"geometry"`

	// MaxAppenders is the appender id pool capacity, 1..256.
	MaxAppenders int `json:"max_appenders" yaml:"max_appenders"`

	// SingleAppender skips the id pool: the one appender always uses id 0.
	// A second appender in the same process fails with ErrExhaustedPool
	// until the first is closed.
	SingleAppender bool `json:"single_appender" yaml:"single_appender"`

	// LinearRecoveryScan makes appenders find the end of the log by a
	// linear scan instead of binary search.
	LinearRecoveryScan bool `json:"linear_recovery_scan" yaml:"linear_recovery_scan"`

	// Logging configuration
	Log LogConfig `json:"log" yaml:"log"`

	// Metrics settings
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// DefaultConfig returns a multi-writer configuration with 64 appender ids,
// synchronous mapping and rolling files.
func DefaultConfig() Config {
	header := region.DefaultConfig()
	header.MaxFileSize = 64 << 20
	header.RegionSize = 64 << 10

	payload := region.DefaultConfig()
	payload.MaxFileSize = 256 << 20
	payload.RegionSize = 1 << 20

	return Config{
		Header:       header,
		Payload:      payload,
		Geometry:     DefaultBlockMapping,
		MaxAppenders: Pool64,
		Log: LogConfig{
			Level: "info",
		},
	}
}

// SingleWriterConfig returns a config for queues with exactly one appender.
func SingleWriterConfig() Config {
	cfg := DefaultConfig()
	cfg.SingleAppender = true
	cfg.MaxAppenders = 1
	return cfg
}

// MultiProcessConfig returns a config for many writer processes: the large
// id pool and shared metrics.
func MultiProcessConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxAppenders = Pool256
	cfg.Metrics.Shared = true
	return cfg
}

// LowLatencyConfig maps regions ahead of the writers and readers so that
// region crossings stay off the hot path.
func LowLatencyConfig() Config {
	cfg := DefaultConfig()
	for _, m := range []*MappingConfig{&cfg.Header, &cfg.Payload} {
		m.Strategy = MappingAhead
		m.RegionsAhead = 2
		m.RegionCacheSize = 8
		m.MapTimeout = 50 * time.Millisecond
	}
	return cfg
}

// MaxPayloadLength is the largest record an appender accepts.
func (c Config) MaxPayloadLength() int {
	return c.Payload.RegionSize - LengthPrefixSize
}

// validateConfig validates the configuration eagerly.
func validateConfig(cfg *Config) error {
	if err := cfg.Header.Validate(); err != nil {
		return fmt.Errorf("%w: header: %v", ErrConfiguration, err)
	}
	if err := cfg.Payload.Validate(); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrConfiguration, err)
	}
	if !cfg.Header.Expand {
		return fmt.Errorf("%w: header mapping must expand", ErrConfiguration)
	}
	if !cfg.Payload.Expand {
		return fmt.Errorf("%w: payload mapping must expand", ErrConfiguration)
	}
	if err := cfg.Geometry.Validate(); err != nil {
		return err
	}
	if cfg.SingleAppender {
		if cfg.MaxAppenders == 0 {
			cfg.MaxAppenders = 1
		}
		if cfg.MaxAppenders != 1 {
			return fmt.Errorf("%w: single appender queue with max appenders %d", ErrConfiguration, cfg.MaxAppenders)
		}
	}
	if cfg.MaxAppenders < 1 || cfg.MaxAppenders > MaxAppenderID+1 {
		return fmt.Errorf("%w: max appenders %d not in [1, %d]", ErrConfiguration, cfg.MaxAppenders, MaxAppenderID+1)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if _, ok := parseLogLevel(cfg.Log.Level); !ok && !isSilentLevel(cfg.Log.Level) {
		return fmt.Errorf("%w: unknown log level %q", ErrConfiguration, cfg.Log.Level)
	}
	return nil
}
