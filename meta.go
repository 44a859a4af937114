package mmq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/natefinch/atomic"
)

const metaFormatVersion = 1

// queueMeta is the on-disk descriptor of a queue's geometry. Everything
// that changes where bytes live is pinned here at creation time; per-handle
// tuning (mapping strategy, cache sizes, logging) is not.
type queueMeta struct {
	Version            int          `json:"version"`
	HeaderRegionSize   int          `json:"header_region_size"`
	HeaderMaxFileSize  int64        `json:"header_max_file_size"`
	HeaderRoll         bool         `json:"header_roll"`
	PayloadRegionSize  int          `json:"payload_region_size"`
	PayloadMaxFileSize int64        `json:"payload_max_file_size"`
	PayloadRoll        bool         `json:"payload_roll"`
	Geometry           BlockMapping `json:"geometry"`
	MaxAppenders       int          `json:"max_appenders"`
	SingleAppender     bool         `json:"single_appender"`
	Created            time.Time    `json:"created"`
}

func metaFromConfig(cfg Config) queueMeta {
	return queueMeta{
		Version:            metaFormatVersion,
		HeaderRegionSize:   cfg.Header.RegionSize,
		HeaderMaxFileSize:  cfg.Header.MaxFileSize,
		HeaderRoll:         cfg.Header.Roll,
		PayloadRegionSize:  cfg.Payload.RegionSize,
		PayloadMaxFileSize: cfg.Payload.MaxFileSize,
		PayloadRoll:        cfg.Payload.Roll,
		Geometry:           cfg.Geometry,
		MaxAppenders:       cfg.MaxAppenders,
		SingleAppender:     cfg.SingleAppender,
		Created:            time.Now().UTC(),
	}
}

// compatible reports the first geometry difference between the stored
// descriptor m and the requested one.
func (m queueMeta) compatible(want queueMeta) error {
	mismatch := func(field string, have, want any) error {
		return fmt.Errorf("%w: %s is %v on disk, %v requested", ErrIncompatible, field, have, want)
	}
	switch {
	case m.Version != metaFormatVersion:
		return mismatch("format version", m.Version, metaFormatVersion)
	case m.HeaderRegionSize != want.HeaderRegionSize:
		return mismatch("header region size", m.HeaderRegionSize, want.HeaderRegionSize)
	case m.HeaderMaxFileSize != want.HeaderMaxFileSize:
		return mismatch("header max file size", m.HeaderMaxFileSize, want.HeaderMaxFileSize)
	case m.HeaderRoll != want.HeaderRoll:
		return mismatch("header roll", m.HeaderRoll, want.HeaderRoll)
	case m.PayloadRegionSize != want.PayloadRegionSize:
		return mismatch("payload region size", m.PayloadRegionSize, want.PayloadRegionSize)
	case m.PayloadMaxFileSize != want.PayloadMaxFileSize:
		return mismatch("payload max file size", m.PayloadMaxFileSize, want.PayloadMaxFileSize)
	case m.PayloadRoll != want.PayloadRoll:
		return mismatch("payload roll", m.PayloadRoll, want.PayloadRoll)
	case m.Geometry != want.Geometry:
		return mismatch("geometry", m.Geometry, want.Geometry)
	case m.MaxAppenders != want.MaxAppenders:
		return mismatch("max appenders", m.MaxAppenders, want.MaxAppenders)
	case m.SingleAppender != want.SingleAppender:
		return mismatch("single appender", m.SingleAppender, want.SingleAppender)
	}
	return nil
}

// applyTo copies the pinned geometry into cfg so that a queue can be opened
// without knowing how it was created.
func (m queueMeta) applyTo(cfg *Config) {
	cfg.Header.RegionSize = m.HeaderRegionSize
	cfg.Header.MaxFileSize = m.HeaderMaxFileSize
	cfg.Header.Roll = m.HeaderRoll
	cfg.Payload.RegionSize = m.PayloadRegionSize
	cfg.Payload.MaxFileSize = m.PayloadMaxFileSize
	cfg.Payload.Roll = m.PayloadRoll
	cfg.Geometry = m.Geometry
	cfg.MaxAppenders = m.MaxAppenders
	cfg.SingleAppender = m.SingleAppender
}

func writeMeta(path string, m queueMeta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}

// readMeta returns os.ErrNotExist (wrapped) for a queue never created.
func readMeta(path string) (queueMeta, error) {
	var m queueMeta
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: decode %s: %v", ErrIncompatible, path, err)
	}
	return m, nil
}
