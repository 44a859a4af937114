// Package region provides movable windows of bytes over rolling, growable
// memory-mapped files.
//
// A Mapping is a cursor: MoveTo positions it on a logical byte offset and
// Buffer exposes the mapped bytes from that offset up to the end of the
// containing region. Slices returned by Buffer stay valid until the next
// MoveTo or Close on the same Mapping.
package region

import (
	"errors"
	"fmt"
)

// Mapping is a movable window over a rolling set of memory-mapped files.
// A Mapping is not safe for concurrent use.
type Mapping interface {
	// MoveTo positions the mapping at the given logical offset. It reports
	// false if the position cannot be mapped, either because it is not
	// materialised yet (read-only or non-expanding mappings) or because
	// mapping failed; Err distinguishes the two.
	MoveTo(position int64) bool

	// Position returns the current logical offset.
	Position() int64

	// Buffer returns the mapped bytes from Position to the region end.
	Buffer() []byte

	// BytesAvailable returns len(Buffer()).
	BytesAvailable() int

	// Err returns the error behind the last failed MoveTo, if any.
	Err() error

	// Sync flushes the mapped regions to the backing files.
	Sync() error

	// Stats returns the counters of the underlying mapper.
	Stats() Stats

	IsClosed() bool
	Close() error
}

// Open creates a Mapping over the file set derived from base using the
// strategy selected in cfg.
func Open(base string, cfg Config, writable bool) (Mapping, error) {
	mapper, err := NewMapper(base, cfg, writable)
	if err != nil {
		return nil, err
	}
	switch cfg.Strategy {
	case StrategyAhead:
		return newAheadMapping(mapper), nil
	default:
		return newSyncMapping(mapper), nil
	}
}

// regionCache keeps a bounded set of mapped regions with round-robin
// eviction.
type regionCache struct {
	mapper  *Mapper
	regions []*Region
	next    int
}

func newRegionCache(mapper *Mapper) regionCache {
	return regionCache{
		mapper:  mapper,
		regions: make([]*Region, mapper.cfg.RegionCacheSize),
	}
}

func (c *regionCache) lookup(regionIndex int64) *Region {
	for _, r := range c.regions {
		if r != nil && r.index == regionIndex {
			return r
		}
	}
	return nil
}

// insert stores r, unmapping the evicted region.
func (c *regionCache) insert(r *Region) error {
	var err error
	if old := c.regions[c.next]; old != nil {
		err = c.mapper.Unmap(old)
	}
	c.regions[c.next] = r
	c.next = (c.next + 1) % len(c.regions)
	return err
}

func (c *regionCache) sync() error {
	if !c.mapper.Writable() {
		return nil
	}
	var firstErr error
	for _, r := range c.regions {
		if r == nil {
			continue
		}
		if err := msync(r.data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("msync region %d: %w", r.index, err)
		}
	}
	return firstErr
}

func (c *regionCache) release() error {
	var firstErr error
	for i, r := range c.regions {
		if r == nil {
			continue
		}
		if err := c.mapper.Unmap(r); err != nil && firstErr == nil {
			firstErr = err
		}
		c.regions[i] = nil
	}
	return firstErr
}

// syncMapping maps regions on the caller's goroutine.
type syncMapping struct {
	cache    regionCache
	current  *Region
	position int64
	err      error
	closed   bool

	// unmapErr is the first failure to unmap an evicted region. MoveTo
	// still succeeds; Close reports it.
	unmapErr error
}

func newSyncMapping(mapper *Mapper) *syncMapping {
	return &syncMapping{cache: newRegionCache(mapper)}
}

func (s *syncMapping) MoveTo(position int64) bool {
	if s.closed {
		s.err = ErrClosed
		return false
	}
	if position < 0 {
		s.err = fmt.Errorf("%w: negative position %d", ErrOutOfRange, position)
		return false
	}
	regionIndex := position / int64(s.cache.mapper.cfg.RegionSize)
	if s.current == nil || s.current.index != regionIndex {
		r := s.cache.lookup(regionIndex)
		if r == nil {
			mapped, err := s.cache.mapper.MapRegion(regionIndex)
			if err != nil || mapped == nil {
				s.err = err
				return false
			}
			s.keepUnmapErr(s.cache.insert(mapped))
			r = mapped
		}
		s.current = r
	}
	s.position = position
	s.err = nil
	return true
}

func (s *syncMapping) keepUnmapErr(err error) {
	if err != nil && s.unmapErr == nil {
		s.unmapErr = fmt.Errorf("unmap evicted region: %w", err)
	}
}

func (s *syncMapping) Position() int64 { return s.position }

func (s *syncMapping) Buffer() []byte {
	if s.current == nil || s.closed {
		return nil
	}
	return s.current.data[s.position-s.current.start:]
}

func (s *syncMapping) BytesAvailable() int { return len(s.Buffer()) }

func (s *syncMapping) Err() error { return s.err }

func (s *syncMapping) Sync() error {
	if s.closed {
		return ErrClosed
	}
	return s.cache.sync()
}

func (s *syncMapping) Stats() Stats { return s.cache.mapper.Stats() }

func (s *syncMapping) IsClosed() bool { return s.closed }

func (s *syncMapping) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.current = nil
	return errors.Join(s.unmapErr, s.cache.release(), s.cache.mapper.Close())
}
