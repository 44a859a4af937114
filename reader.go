package mmq

import (
	"errors"
	"fmt"
)

// Reader gives random access to entries by index. It is not safe for
// concurrent use, and buffers it hands out (from reading contexts and
// iterators alike) are valid only until its next read.
type Reader struct {
	queue    *Queue
	metrics  MetricsProvider
	headers  *headerView
	payloads *payloadViews

	open   *ReadingContext
	closed bool
}

func newReader(q *Queue) (*Reader, error) {
	headers, err := openHeaderView(q.headerBase(), q.cfg, false)
	if err != nil {
		return nil, err
	}
	return &Reader{
		queue:    q,
		metrics:  q.metrics,
		headers:  headers,
		payloads: newPayloadViews(q),
	}, nil
}

// entry returns the payload at index and whether it exists.
func (r *Reader) entry(index int64) ([]byte, bool, error) {
	if r.closed {
		return nil, false, ErrClosed
	}
	header, err := r.headers.load(index)
	if err != nil || header == NullHeader {
		return nil, false, err
	}
	payload, err := r.payloads.record(header)
	if err != nil {
		r.metrics.IncrementErrors(1)
		return nil, false, err
	}
	r.metrics.IncrementReads(1)
	return payload, true, nil
}

// Reading opens the reading context of index. IndexLast reads the last
// entry. The context must be closed before the next one is opened.
func (r *Reader) Reading(index int64) (*ReadingContext, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if r.open != nil {
		return nil, fmt.Errorf("%w: reading context of index %d is open", ErrIllegalState, r.open.index)
	}
	if index == IndexLast {
		last, err := r.LastIndex()
		if err != nil {
			return nil, err
		}
		if last == IndexNull {
			r.open = &ReadingContext{reader: r, index: IndexNull}
			return r.open, nil
		}
		index = last
	}
	payload, ok, err := r.entry(index)
	if err != nil {
		return nil, err
	}
	r.open = &ReadingContext{reader: r, index: index, buffer: payload, present: ok}
	return r.open, nil
}

// HasEntry reports whether index has been written.
func (r *Reader) HasEntry(index int64) (bool, error) {
	if r.closed {
		return false, ErrClosed
	}
	return r.headers.has(index)
}

// LastIndex returns the last written index, or IndexNull for an empty
// queue.
func (r *Reader) LastIndex() (int64, error) {
	if r.closed {
		return IndexNull, ErrClosed
	}
	return r.headers.lastIndex(r.queue.cfg.LinearRecoveryScan)
}

// Read returns a copy of the entry at index. ok is false if it has not been
// written.
func (r *Reader) Read(index int64) (payload []byte, ok bool, err error) {
	buf, ok, err := r.entry(index)
	if err != nil || !ok {
		return nil, ok, err
	}
	return append([]byte(nil), buf...), true, nil
}

// ReadingFrom returns a forward iterator starting at index. IndexFirst,
// IndexLast and IndexEnd are accepted; errors surface through the
// iterator's Err.
func (r *Reader) ReadingFrom(index int64) *EntryIterator {
	it := &EntryIterator{reader: r, step: 1}
	if r.closed {
		it.err = ErrClosed
		return it
	}
	start, err := resolveIndex(r.headers, index, r.queue.cfg.LinearRecoveryScan)
	if err != nil {
		it.err = err
		return it
	}
	it.start = start
	it.reset()
	return it
}

// IsClosed reports whether Close has been called.
func (r *Reader) IsClosed() bool { return r.closed }

// Close closes an open reading context and unmaps the reader's views.
// Close is idempotent.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	if r.open != nil {
		r.open.Close()
	}
	r.closed = true
	r.queue.forget(r)
	return errors.Join(r.headers.close(), r.payloads.close())
}

// ReadingContext is a scoped view of one entry.
type ReadingContext struct {
	reader  *Reader
	index   int64
	buffer  []byte
	present bool
	closed  bool
}

// Index returns the index the context was opened on.
func (c *ReadingContext) Index() int64 { return c.index }

// HasEntry reports whether the index had been written when the context was
// opened.
func (c *ReadingContext) HasEntry() bool { return c.present && !c.closed }

// Buffer returns the entry's payload, aliasing mapped memory. It is nil
// when there is no entry or the context is closed.
func (c *ReadingContext) Buffer() []byte {
	if c.closed {
		return nil
	}
	return c.buffer
}

// IsClosed reports whether Close has been called.
func (c *ReadingContext) IsClosed() bool { return c.closed }

// Close releases the context so the reader can open the next one.
// Close is idempotent.
func (c *ReadingContext) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.buffer = nil
	if c.reader.open == c {
		c.reader.open = nil
	}
	return nil
}
