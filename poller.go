package mmq

import "errors"

// Move is a handler's verdict on where the poller goes next, as a signed
// number of indices.
type Move int64

const (
	// Retreat re-reads the previous index on the next poll.
	Retreat Move = -1
	// Retain polls the same index again.
	Retain Move = 0
	// Advance moves on to the next index.
	Advance Move = 1
)

// Handler consumes one entry. payload aliases mapped memory and is only
// valid during the call.
type Handler func(index int64, payload []byte) Move

// Poller is a non-blocking sequential consumer. It is not safe for
// concurrent use.
type Poller struct {
	queue    *Queue
	metrics  MetricsProvider
	headers  *headerView
	payloads *payloadViews

	index  int64
	closed bool
}

func newPoller(q *Queue) (*Poller, error) {
	headers, err := openHeaderView(q.headerBase(), q.cfg, false)
	if err != nil {
		return nil, err
	}
	return &Poller{
		queue:    q,
		metrics:  q.metrics,
		headers:  headers,
		payloads: newPayloadViews(q),
		index:    IndexFirst,
	}, nil
}

// Poll hands the entry at the current index to h and moves by the returned
// amount. It reports false without calling h when that index has not been
// written yet.
func (p *Poller) Poll(h Handler) (bool, error) {
	if p.closed {
		return false, ErrClosed
	}
	p.metrics.IncrementPolls(1)

	header, err := p.headers.load(p.index)
	if err != nil {
		p.metrics.IncrementErrors(1)
		return false, err
	}
	if header == NullHeader {
		p.metrics.IncrementIdlePolls(1)
		return false, nil
	}
	payload, err := p.payloads.record(header)
	if err != nil {
		p.metrics.IncrementErrors(1)
		return false, err
	}
	p.index = moveIndex(p.index, h(p.index, payload))
	return true, nil
}

// moveIndex applies m to index, clamped to [IndexFirst, MaxIndex].
func moveIndex(index int64, m Move) int64 {
	next := index + int64(m)
	switch {
	case m < 0 && next < IndexFirst:
		return IndexFirst
	case m > 0 && (next < index || next > MaxIndex):
		return MaxIndex
	}
	return next
}

// Index returns the index the next Poll reads.
func (p *Poller) Index() int64 { return p.index }

// SeekTo moves the poller. Besides a real index it accepts IndexFirst,
// IndexLast (the last written entry, or IndexFirst on an empty queue) and
// IndexEnd (the first unwritten index).
func (p *Poller) SeekTo(index int64) error {
	if p.closed {
		return ErrClosed
	}
	resolved, err := resolveIndex(p.headers, index, p.queue.cfg.LinearRecoveryScan)
	if err != nil {
		return err
	}
	p.index = resolved
	return nil
}

// resolveIndex turns the IndexLast and IndexEnd sentinels into real
// indices and validates everything else.
func resolveIndex(headers *headerView, index int64, linear bool) (int64, error) {
	switch index {
	case IndexLast, IndexEnd:
		last, err := headers.lastIndex(linear)
		if err != nil {
			return IndexNull, err
		}
		if index == IndexEnd {
			return last + 1, nil
		}
		if last == IndexNull {
			return IndexFirst, nil
		}
		return last, nil
	}
	if err := ValidateIndex(index); err != nil {
		return IndexNull, err
	}
	return index, nil
}

// IsClosed reports whether Close has been called.
func (p *Poller) IsClosed() bool { return p.closed }

// Close unmaps the poller's views. Close is idempotent.
func (p *Poller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.queue.forget(p)
	return errors.Join(p.headers.close(), p.payloads.close())
}
