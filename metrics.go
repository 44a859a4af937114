package mmq

import (
	"sync/atomic"
)

// MetricsProvider defines the interface for metrics tracking. The atomic
// implementation serves single-process use; the mmap one shares counters
// between processes.
type MetricsProvider interface {
	// Write path
	IncrementAppends(count uint64)
	AddAppendedBytes(bytes uint64)
	IncrementCASRetries(count uint64)
	IncrementRegionSkips(count uint64)
	IncrementAborts(count uint64)
	SetLastAppend(nanos uint64)

	// Read path
	IncrementPolls(count uint64)
	IncrementIdlePolls(count uint64)
	IncrementReads(count uint64)

	// Handles
	IncrementAppendersOpened(count uint64)
	IncrementAppendersClosed(count uint64)

	// Error tracking
	IncrementErrors(count uint64)

	GetStats() MetricsSnapshot
	Close() error
}

// MetricsSnapshot represents a point-in-time view of metrics
type MetricsSnapshot struct {
	Appends          uint64 `json:"appends" yaml:"appends"`
	AppendedBytes    uint64 `json:"appended_bytes" yaml:"appended_bytes"`
	CASRetries       uint64 `json:"cas_retries" yaml:"cas_retries"`
	RegionSkips      uint64 `json:"region_skips" yaml:"region_skips"`
	Aborts           uint64 `json:"aborts" yaml:"aborts"`
	LastAppendNanos  uint64 `json:"last_append_nanos" yaml:"last_append_nanos"`
	Polls            uint64 `json:"polls" yaml:"polls"`
	IdlePolls        uint64 `json:"idle_polls" yaml:"idle_polls"`
	Reads            uint64 `json:"reads" yaml:"reads"`
	AppendersOpened  uint64 `json:"appenders_opened" yaml:"appenders_opened"`
	AppendersClosed  uint64 `json:"appenders_closed" yaml:"appenders_closed"`
	Errors           uint64 `json:"errors" yaml:"errors"`
	OpenAppenders    int    `json:"open_appenders" yaml:"open_appenders"`
	AcquiredIDs      []int  `json:"acquired_ids" yaml:"acquired_ids"`
	LastIndex        int64  `json:"last_index" yaml:"last_index"`
	HeaderRegionMaps uint64 `json:"header_region_maps" yaml:"header_region_maps"`
}

// atomicMetrics implements MetricsProvider with in-process atomics.
type atomicMetrics struct {
	appends         atomic.Uint64
	appendedBytes   atomic.Uint64
	casRetries      atomic.Uint64
	regionSkips     atomic.Uint64
	aborts          atomic.Uint64
	lastAppendNanos atomic.Uint64
	polls           atomic.Uint64
	idlePolls       atomic.Uint64
	reads           atomic.Uint64
	appendersOpened atomic.Uint64
	appendersClosed atomic.Uint64
	errors          atomic.Uint64
}

// newAtomicMetrics creates a metrics provider for single-process mode
func newAtomicMetrics() MetricsProvider {
	return &atomicMetrics{}
}

func (m *atomicMetrics) IncrementAppends(count uint64)         { m.appends.Add(count) }
func (m *atomicMetrics) AddAppendedBytes(bytes uint64)         { m.appendedBytes.Add(bytes) }
func (m *atomicMetrics) IncrementCASRetries(count uint64)      { m.casRetries.Add(count) }
func (m *atomicMetrics) IncrementRegionSkips(count uint64)     { m.regionSkips.Add(count) }
func (m *atomicMetrics) IncrementAborts(count uint64)          { m.aborts.Add(count) }
func (m *atomicMetrics) SetLastAppend(nanos uint64)            { m.lastAppendNanos.Store(nanos) }
func (m *atomicMetrics) IncrementPolls(count uint64)           { m.polls.Add(count) }
func (m *atomicMetrics) IncrementIdlePolls(count uint64)       { m.idlePolls.Add(count) }
func (m *atomicMetrics) IncrementReads(count uint64)           { m.reads.Add(count) }
func (m *atomicMetrics) IncrementAppendersOpened(count uint64) { m.appendersOpened.Add(count) }
func (m *atomicMetrics) IncrementAppendersClosed(count uint64) { m.appendersClosed.Add(count) }
func (m *atomicMetrics) IncrementErrors(count uint64)          { m.errors.Add(count) }

func (m *atomicMetrics) GetStats() MetricsSnapshot {
	return MetricsSnapshot{
		Appends:         m.appends.Load(),
		AppendedBytes:   m.appendedBytes.Load(),
		CASRetries:      m.casRetries.Load(),
		RegionSkips:     m.regionSkips.Load(),
		Aborts:          m.aborts.Load(),
		LastAppendNanos: m.lastAppendNanos.Load(),
		Polls:           m.polls.Load(),
		IdlePolls:       m.idlePolls.Load(),
		Reads:           m.reads.Load(),
		AppendersOpened: m.appendersOpened.Load(),
		AppendersClosed: m.appendersClosed.Load(),
		Errors:          m.errors.Load(),
	}
}

func (m *atomicMetrics) Close() error { return nil }
