package region

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
)

// Region is one mapped window of the logical byte stream.
type Region struct {
	index int64 // region number in the logical stream
	start int64 // logical position of data[0]
	data  []byte
}

// Index returns the region number.
func (r *Region) Index() int64 { return r.index }

// Start returns the logical position of the first byte of the region.
func (r *Region) Start() int64 { return r.start }

// Bytes returns the mapped memory.
func (r *Region) Bytes() []byte { return r.data }

// Stats are cumulative counters of a Mapper.
type Stats struct {
	Maps        uint64
	Unmaps      uint64
	FileGrowths uint64
	FilesOpened uint64
}

// Mapper turns logical positions of a rolling file set into mapped regions.
// It is safe for concurrent use; the background goroutine of an ahead
// mapping calls MapRegion concurrently with its owner.
type Mapper struct {
	base     string
	cfg      Config
	writable bool

	mu     sync.Mutex
	files  map[int64]*os.File
	closed bool

	maps        atomic.Uint64
	unmaps      atomic.Uint64
	fileGrowths atomic.Uint64
	filesOpened atomic.Uint64
}

// NewMapper creates a mapper for the files derived from base.
// Read-only mappers never create or grow files.
func NewMapper(base string, cfg Config, writable bool) (*Mapper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Mapper{
		base:     base,
		cfg:      cfg,
		writable: writable,
		files:    make(map[int64]*os.File),
	}, nil
}

// Config returns the mapper configuration.
func (m *Mapper) Config() Config { return m.cfg }

// Writable reports whether regions are mapped read-write.
func (m *Mapper) Writable() bool { return m.writable }

// FileName returns the path of the file holding the given file index.
func (m *Mapper) FileName(fileIndex int64) string {
	return FileName(m.base, m.cfg.Roll, fileIndex)
}

// FileName returns the path of file fileIndex of a file set.
func FileName(base string, roll bool, fileIndex int64) string {
	if !roll {
		return base
	}
	return fmt.Sprintf("%s.%d", base, fileIndex)
}

// locate splits a region index into a file index and an offset in that file.
func (m *Mapper) locate(regionIndex int64) (fileIndex, fileOffset int64, err error) {
	pos := regionIndex * int64(m.cfg.RegionSize)
	if m.cfg.Roll {
		return pos / m.cfg.MaxFileSize, pos % m.cfg.MaxFileSize, nil
	}
	if m.cfg.MaxFileSize > 0 && pos+int64(m.cfg.RegionSize) > m.cfg.MaxFileSize {
		return 0, 0, fmt.Errorf("%w: region %d exceeds max file size %d", ErrOutOfRange, regionIndex, m.cfg.MaxFileSize)
	}
	return 0, pos, nil
}

// file returns the open file for fileIndex, opening (and for writable
// mappers creating) it on first use. A nil file with nil error means the
// file does not exist yet.
func (m *Mapper) file(fileIndex int64) (*os.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if f, ok := m.files[fileIndex]; ok {
		return f, nil
	}

	path := m.FileName(fileIndex)
	var (
		f   *os.File
		err error
	)
	if m.writable {
		f, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	} else {
		f, err = os.OpenFile(path, os.O_RDONLY, 0)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	m.files[fileIndex] = f
	m.filesOpened.Add(1)
	return f, nil
}

// ensureSize makes sure the file is at least size bytes. Growth happens
// under an exclusive flock so that two processes never shrink each other's
// extension with a stale truncate.
func (m *Mapper) ensureSize(f *os.File, size int64) (bool, error) {
	stat, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	if stat.Size() >= size {
		return true, nil
	}
	if !m.writable || !m.cfg.Expand {
		return false, nil
	}

	if err := lockFile(f); err != nil {
		return false, fmt.Errorf("lock %s: %w", f.Name(), err)
	}
	defer unlockFile(f)

	stat, err = f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	if stat.Size() < size {
		if err := f.Truncate(size); err != nil {
			return false, fmt.Errorf("grow %s to %d: %w", f.Name(), size, err)
		}
		m.fileGrowths.Add(1)
	}
	return true, nil
}

// MapRegion maps the region with the given index. It returns a nil region
// and nil error when the region is not materialised on disk and this mapper
// may not create it.
func (m *Mapper) MapRegion(regionIndex int64) (*Region, error) {
	if regionIndex < 0 {
		return nil, fmt.Errorf("%w: negative region %d", ErrOutOfRange, regionIndex)
	}
	fileIndex, fileOffset, err := m.locate(regionIndex)
	if err != nil {
		return nil, err
	}
	f, err := m.file(fileIndex)
	if err != nil || f == nil {
		return nil, err
	}
	ok, err := m.ensureSize(f, fileOffset+int64(m.cfg.RegionSize))
	if err != nil || !ok {
		return nil, err
	}
	data, err := mmap(f, fileOffset, m.cfg.RegionSize, m.writable)
	if err != nil {
		return nil, fmt.Errorf("mmap %s at %d: %w", f.Name(), fileOffset, err)
	}
	m.maps.Add(1)
	return &Region{
		index: regionIndex,
		start: regionIndex * int64(m.cfg.RegionSize),
		data:  data,
	}, nil
}

// Unmap releases a region returned by MapRegion.
func (m *Mapper) Unmap(r *Region) error {
	if r == nil || r.data == nil {
		return nil
	}
	err := munmap(r.data)
	r.data = nil
	m.unmaps.Add(1)
	return err
}

// Stats returns a snapshot of the mapper counters.
func (m *Mapper) Stats() Stats {
	return Stats{
		Maps:        m.maps.Load(),
		Unmaps:      m.unmaps.Load(),
		FileGrowths: m.fileGrowths.Load(),
		FilesOpened: m.filesOpened.Load(),
	}
}

// Close closes all files. Regions must have been unmapped by their owners.
func (m *Mapper) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for idx, f := range m.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.files, idx)
	}
	return firstErr
}
