package mmq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/orbiterhq/mmq/internal/region"
)

// headerView reads and publishes header words through one Mapping.
type headerView struct {
	mapping  region.Mapping
	geometry BlockMapping
}

func openHeaderView(base string, cfg Config, writable bool) (*headerView, error) {
	m, err := region.Open(base, cfg.Header, writable)
	if err != nil {
		return nil, fmt.Errorf("%w: header mapping: %v", ErrConfiguration, err)
	}
	return &headerView{mapping: m, geometry: cfg.Geometry}, nil
}

// word positions the mapping on index and returns its header word, or nil
// if the slot is not materialised yet.
func (v *headerView) word(index int64) (*uint64, error) {
	pos := v.geometry.HeaderPositionForIndex(index)
	if v.mapping.MoveTo(pos) {
		return (*uint64)(unsafe.Pointer(&v.mapping.Buffer()[0])), nil
	}
	err := v.mapping.Err()
	if err == nil || errors.Is(err, region.ErrOutOfRange) {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: header of index %d: %v", ErrMappingFailure, index, err)
}

// load returns the header of index; NullHeader if it has not been written.
func (v *headerView) load(index int64) (uint64, error) {
	if err := ValidateIndex(index); err != nil {
		return NullHeader, err
	}
	w, err := v.word(index)
	if err != nil || w == nil {
		return NullHeader, err
	}
	return atomic.LoadUint64(w), nil
}

// has is the Probe over this view.
func (v *headerView) has(index int64) (bool, error) {
	h, err := v.load(index)
	return h != NullHeader, err
}

func (v *headerView) lastIndex(linear bool) (int64, error) {
	if linear {
		return LinearLastIndex(IndexFirst, v.has)
	}
	return SearchLastIndex(IndexFirst, v.has)
}

// casOutcome tags the result of one publication attempt.
type casOutcome int

const (
	published casOutcome = iota
	slotTaken
)

// publish CASes the header of index from NullHeader to header.
func (v *headerView) publish(index int64, header uint64) (casOutcome, error) {
	w, err := v.word(index)
	if err != nil {
		return slotTaken, err
	}
	if w == nil {
		return slotTaken, fmt.Errorf("%w: header of index %d is beyond the header files", ErrMappingFailure, index)
	}
	if atomic.CompareAndSwapUint64(w, NullHeader, header) {
		return published, nil
	}
	return slotTaken, nil
}

func (v *headerView) close() error {
	return v.mapping.Close()
}

// payloadViews lazily opens one read-only mapping per appender payload file.
type payloadViews struct {
	queue *Queue
	views map[int]region.Mapping
}

func newPayloadViews(q *Queue) *payloadViews {
	return &payloadViews{queue: q, views: make(map[int]region.Mapping)}
}

// record returns the payload bytes a header points at. The slice aliases
// mapped memory and is valid until the next call.
func (p *payloadViews) record(header uint64) ([]byte, error) {
	id := HeaderAppenderID(header)
	m, ok := p.views[id]
	if !ok {
		var err error
		m, err = region.Open(p.queue.payloadBase(id), p.queue.cfg.Payload, false)
		if err != nil {
			return nil, fmt.Errorf("%w: payload mapping of appender %d: %v", ErrMappingFailure, id, err)
		}
		p.views[id] = m
	}
	return readRecord(m, id, HeaderPayloadPosition(header))
}

func (p *payloadViews) close() error {
	var errs []error
	for id, m := range p.views {
		errs = append(errs, m.Close())
		delete(p.views, id)
	}
	return errors.Join(errs...)
}

// readRecord decodes the length-prefixed record at pos.
func readRecord(m region.Mapping, id int, pos int64) ([]byte, error) {
	if !m.MoveTo(pos) {
		cause := m.Err()
		if cause == nil {
			cause = errors.New("region not materialised")
		}
		return nil, fmt.Errorf("%w: payload of appender %d at %d: %v", ErrMappingFailure, id, pos, cause)
	}
	buf := m.Buffer()
	if len(buf) < LengthPrefixSize {
		return nil, fmt.Errorf("%w: payload of appender %d at %d: truncated length prefix", ErrMappingFailure, id, pos)
	}
	n := int64(binary.LittleEndian.Uint32(buf))
	if n > int64(len(buf)-LengthPrefixSize) {
		return nil, fmt.Errorf("%w: payload of appender %d at %d: length %d crosses region end", ErrMappingFailure, id, pos, n)
	}
	return buf[LengthPrefixSize : LengthPrefixSize+n], nil
}
