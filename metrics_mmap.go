package mmq

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapMetricsState is the layout of the shared metrics file.
// CRITICAL: fixed size, primitive fields only, every field 8-byte aligned
// for atomic access from several processes.
type mmapMetricsState struct {
	// Write path (0-63)
	Appends         uint64
	AppendedBytes   uint64
	CASRetries      uint64
	RegionSkips     uint64
	Aborts          uint64
	LastAppendNanos uint64
	_pad0           [2]uint64

	// Read path (64-127)
	Polls     uint64
	IdlePolls uint64
	Reads     uint64
	_pad1     [5]uint64

	// Handles and errors (128-191)
	AppendersOpened uint64
	AppendersClosed uint64
	Errors          uint64
	_pad2           [5]uint64

	// Reserved for future expansion
	_reserved [8]uint64
}

const mmapMetricsSize = int64(unsafe.Sizeof(mmapMetricsState{}))

// mmapMetrics implements MetricsProvider on a memory-mapped file.
type mmapMetrics struct {
	path  string
	file  *os.File
	data  []byte
	state *mmapMetricsState
}

// newMmapMetrics opens or creates the shared metrics file at path.
func newMmapMetrics(path string) (MetricsProvider, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics file: %w", err)
	}
	if err := initFileOnce(file, mmapMetricsSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to init metrics file: %w", err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(mmapMetricsSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap metrics file: %w", err)
	}

	return &mmapMetrics{
		path:  path,
		file:  file,
		data:  data,
		state: (*mmapMetricsState)(unsafe.Pointer(&data[0])),
	}, nil
}

// Close unmaps and closes the metrics file
func (m *mmapMetrics) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	m.state = nil
	if closeErr := m.file.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (m *mmapMetrics) IncrementAppends(count uint64) {
	atomic.AddUint64(&m.state.Appends, count)
}

func (m *mmapMetrics) AddAppendedBytes(bytes uint64) {
	atomic.AddUint64(&m.state.AppendedBytes, bytes)
}

func (m *mmapMetrics) IncrementCASRetries(count uint64) {
	atomic.AddUint64(&m.state.CASRetries, count)
}

func (m *mmapMetrics) IncrementRegionSkips(count uint64) {
	atomic.AddUint64(&m.state.RegionSkips, count)
}

func (m *mmapMetrics) IncrementAborts(count uint64) {
	atomic.AddUint64(&m.state.Aborts, count)
}

func (m *mmapMetrics) SetLastAppend(nanos uint64) {
	for {
		current := atomic.LoadUint64(&m.state.LastAppendNanos)
		if current >= nanos || atomic.CompareAndSwapUint64(&m.state.LastAppendNanos, current, nanos) {
			return
		}
	}
}

func (m *mmapMetrics) IncrementPolls(count uint64) {
	atomic.AddUint64(&m.state.Polls, count)
}

func (m *mmapMetrics) IncrementIdlePolls(count uint64) {
	atomic.AddUint64(&m.state.IdlePolls, count)
}

func (m *mmapMetrics) IncrementReads(count uint64) {
	atomic.AddUint64(&m.state.Reads, count)
}

func (m *mmapMetrics) IncrementAppendersOpened(count uint64) {
	atomic.AddUint64(&m.state.AppendersOpened, count)
}

func (m *mmapMetrics) IncrementAppendersClosed(count uint64) {
	atomic.AddUint64(&m.state.AppendersClosed, count)
}

func (m *mmapMetrics) IncrementErrors(count uint64) {
	atomic.AddUint64(&m.state.Errors, count)
}

func (m *mmapMetrics) GetStats() MetricsSnapshot {
	return MetricsSnapshot{
		Appends:         atomic.LoadUint64(&m.state.Appends),
		AppendedBytes:   atomic.LoadUint64(&m.state.AppendedBytes),
		CASRetries:      atomic.LoadUint64(&m.state.CASRetries),
		RegionSkips:     atomic.LoadUint64(&m.state.RegionSkips),
		Aborts:          atomic.LoadUint64(&m.state.Aborts),
		LastAppendNanos: atomic.LoadUint64(&m.state.LastAppendNanos),
		Polls:           atomic.LoadUint64(&m.state.Polls),
		IdlePolls:       atomic.LoadUint64(&m.state.IdlePolls),
		Reads:           atomic.LoadUint64(&m.state.Reads),
		AppendersOpened: atomic.LoadUint64(&m.state.AppendersOpened),
		AppendersClosed: atomic.LoadUint64(&m.state.AppendersClosed),
		Errors:          atomic.LoadUint64(&m.state.Errors),
	}
}
