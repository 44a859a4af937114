package mmq

import (
	"fmt"
	"math/bits"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Pool sizes of the two standard bitset variants.
const (
	Pool64  = 64
	Pool256 = 256
)

// AppenderIDPool hands out small appender identities.
type AppenderIDPool interface {
	// Acquire claims a free id or fails with ErrExhaustedPool.
	Acquire() (int, error)

	// Release frees id. It reports whether this call cleared it; releasing
	// an id twice is a no-op.
	Release(id int) bool

	// OpenAppenders returns the number of ids in use (0 once closed).
	OpenAppenders() int

	// AcquiredIDs returns the ids currently in use in ascending order.
	AcquiredIDs() []int

	// MaxAppenders returns the pool capacity.
	MaxAppenders() int

	Close() error
}

// PoolFileSize returns the size of the bitset file for a pool capacity.
func PoolFileSize(maxAppenders int) int64 {
	words := (maxAppenders + 63) / 64
	return int64(words * 8)
}

// BitsetPool is an AppenderIDPool backed by a bitset in a shared
// memory-mapped file. Every process mapping the same file sees the same
// bits; CAS on the 8-byte words is the only coordination, so no two
// acquirers anywhere ever receive the same id.
type BitsetPool struct {
	path         string
	maxAppenders int

	// mu only orders Close against in-flight operations of this handle.
	mu     sync.RWMutex
	file   *os.File
	data   []byte
	closed bool
}

var _ AppenderIDPool = (*BitsetPool)(nil)

// OpenBitsetPool opens or creates the bitset file at path. The file is
// zero-initialised once under an exclusive flock.
func OpenBitsetPool(path string, maxAppenders int) (*BitsetPool, error) {
	if maxAppenders < 1 || maxAppenders > MaxAppenderID+1 {
		return nil, fmt.Errorf("%w: max appenders %d not in [1, %d]", ErrConfiguration, maxAppenders, MaxAppenderID+1)
	}
	size := PoolFileSize(maxAppenders)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open appender id pool: %w", err)
	}
	if err := initFileOnce(file, size); err != nil {
		file.Close()
		return nil, fmt.Errorf("init appender id pool: %w", err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: mmap appender id pool: %v", ErrMappingFailure, err)
	}

	return &BitsetPool{
		path:         path,
		maxAppenders: maxAppenders,
		file:         file,
		data:         data,
	}, nil
}

// initFileOnce sizes a freshly created file under an exclusive lock and
// rejects files of a different size.
func initFileOnce(file *os.File, size int64) error {
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer unix.Flock(int(file.Fd()), unix.LOCK_UN)

	stat, err := file.Stat()
	if err != nil {
		return err
	}
	switch {
	case stat.Size() == 0:
		return file.Truncate(size)
	case stat.Size() != size:
		return fmt.Errorf("%w: %s is %d bytes, want %d", ErrIncompatible, file.Name(), stat.Size(), size)
	}
	return nil
}

func (p *BitsetPool) words() int { return len(p.data) / 8 }

func (p *BitsetPool) word(w int) *uint64 {
	return (*uint64)(unsafe.Pointer(&p.data[w*8]))
}

// mask selects the bits of word w that correspond to valid ids.
func (p *BitsetPool) mask(w int) uint64 {
	n := p.maxAppenders - w*64
	if n >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<n - 1
}

// Acquire claims the lowest free id.
func (p *BitsetPool) Acquire() (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return -1, ErrClosed
	}
	for w := 0; w < p.words(); w++ {
		ptr := p.word(w)
		for {
			current := atomic.LoadUint64(ptr)
			free := ^current & p.mask(w)
			if free == 0 {
				break
			}
			bit := free & -free
			if atomic.CompareAndSwapUint64(ptr, current, current|bit) {
				return w*64 + bits.TrailingZeros64(bit), nil
			}
			// raced with another acquirer or releaser, re-read this word
		}
	}
	return -1, fmt.Errorf("%w: all %d ids in use", ErrExhaustedPool, p.maxAppenders)
}

// Release clears the bit of id.
func (p *BitsetPool) Release(id int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || id < 0 || id >= p.maxAppenders {
		return false
	}
	ptr := p.word(id / 64)
	bit := uint64(1) << (id % 64)
	for {
		current := atomic.LoadUint64(ptr)
		if current&bit == 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(ptr, current, current&^bit) {
			return true
		}
	}
}

// OpenAppenders returns the population count of the bitset.
func (p *BitsetPool) OpenAppenders() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return 0
	}
	count := 0
	for w := 0; w < p.words(); w++ {
		count += bits.OnesCount64(atomic.LoadUint64(p.word(w)) & p.mask(w))
	}
	return count
}

// AcquiredIDs returns the ids whose bits are set.
func (p *BitsetPool) AcquiredIDs() []int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil
	}
	var ids []int
	for w := 0; w < p.words(); w++ {
		word := atomic.LoadUint64(p.word(w)) & p.mask(w)
		for word != 0 {
			b := bits.TrailingZeros64(word)
			ids = append(ids, w*64+b)
			word &^= uint64(1) << b
		}
	}
	return ids
}

// MaxAppenders returns the pool capacity.
func (p *BitsetPool) MaxAppenders() int { return p.maxAppenders }

// Path returns the bitset file path.
func (p *BitsetPool) Path() string { return p.path }

// Close unmaps the bitset. Ids still held stay set in the file.
func (p *BitsetPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	if err := unix.Munmap(p.data); err != nil {
		firstErr = fmt.Errorf("unmap appender id pool: %w", err)
	}
	p.data = nil
	if err := p.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ConstantAppenderID is the pool of a single-writer queue. Id 0 is held by
// at most one appender of this process at a time.
type ConstantAppenderID struct {
	open   atomic.Int64
	closed atomic.Bool
}

var _ AppenderIDPool = (*ConstantAppenderID)(nil)

// Acquire returns 0, or ErrExhaustedPool while another appender holds it.
func (c *ConstantAppenderID) Acquire() (int, error) {
	if c.closed.Load() {
		return -1, ErrClosed
	}
	if !c.open.CompareAndSwap(0, 1) {
		return -1, ErrExhaustedPool
	}
	return 0, nil
}

// Release frees id 0 for the next Acquire. It always returns false: no
// shared state is cleared.
func (c *ConstantAppenderID) Release(id int) bool {
	if id == 0 {
		c.open.CompareAndSwap(1, 0)
	}
	return false
}

// OpenAppenders returns the number of unreleased acquisitions in this
// process.
func (c *ConstantAppenderID) OpenAppenders() int {
	if c.closed.Load() {
		return 0
	}
	return int(c.open.Load())
}

// AcquiredIDs returns [0] while an appender holds the id.
func (c *ConstantAppenderID) AcquiredIDs() []int {
	if c.OpenAppenders() > 0 {
		return []int{0}
	}
	return nil
}

// MaxAppenders returns 1.
func (c *ConstantAppenderID) MaxAppenders() int { return 1 }

// Close is idempotent.
func (c *ConstantAppenderID) Close() error {
	c.closed.Store(true)
	return nil
}
