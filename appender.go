package mmq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/orbiterhq/mmq/internal/region"
)

// Appender publishes records under one appender id. Create it with
// Queue.CreateAppender. An Appender is not safe for concurrent use; run one
// per goroutine.
type Appender struct {
	queue   *Queue
	id      int
	logger  Logger
	metrics MetricsProvider

	// headers publishes, probe searches without growing the header files.
	headers *headerView
	probe   *headerView
	payload region.Mapping

	regionSize int64
	maxLength  int
	linearScan bool

	nextIndex  int64
	payloadPos int64
	lastOwn    int64 // index of the newest record under this id

	appending *AppendingContext
	closed    bool
}

func newAppender(q *Queue) (a *Appender, err error) {
	id, err := q.pool.Acquire()
	if err != nil {
		return nil, err
	}
	a = &Appender{
		queue:      q,
		id:         id,
		logger:     q.logger.WithFields("appender", id),
		metrics:    q.metrics,
		regionSize: int64(q.cfg.Payload.RegionSize),
		maxLength:  q.cfg.MaxPayloadLength(),
		linearScan: q.cfg.LinearRecoveryScan,
		lastOwn:    IndexNull,
	}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	if a.headers, err = openHeaderView(q.headerBase(), q.cfg, true); err != nil {
		return nil, err
	}
	if a.probe, err = openHeaderView(q.headerBase(), q.cfg, false); err != nil {
		return nil, err
	}
	if a.payload, err = region.Open(q.payloadBase(id), q.cfg.Payload, true); err != nil {
		return nil, fmt.Errorf("%w: payload mapping: %v", ErrConfiguration, err)
	}
	if err = a.recover(); err != nil {
		return nil, err
	}

	a.metrics.IncrementAppendersOpened(1)
	a.logger.Debug("appender ready", "nextIndex", a.nextIndex, "payloadPosition", a.payloadPos)
	return a, nil
}

// recover positions the appender after the last published index and after
// the last record it published under its id.
func (a *Appender) recover() error {
	start := time.Now()
	last, err := a.probe.lastIndex(a.linearScan)
	if err != nil {
		return fmt.Errorf("find end of queue: %w", err)
	}
	a.nextIndex = last + 1

	source, err := a.recoverPayloadPosition(last)
	if err != nil {
		return err
	}
	a.logger.Info("recovered appender",
		"lastIndex", last,
		"payloadPosition", a.payloadPos,
		"cursorSource", source,
		"duration", time.Since(start))
	return nil
}

// recoverPayloadPosition finds the newest record carrying this appender id,
// from the cursor mark left by a clean close if there is a valid one, by a
// backward header scan from last otherwise. It returns which of the two
// (or "empty") was used. Payload files of other ids are never touched.
func (a *Appender) recoverPayloadPosition(last int64) (string, error) {
	a.payloadPos = 0
	a.lastOwn = IndexNull

	mark, marked, err := takeCursorMark(a.queue.cursorPath(a.id))
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(a.queue.payloadFileName(a.id, 0)); errors.Is(err, fs.ErrNotExist) {
		return "empty", nil
	}
	if marked {
		ok, err := a.restoreFromMark(mark, last)
		if err != nil || ok {
			return "mark", err
		}
		a.logger.Debug("ignoring stale cursor mark", "index", mark.Index, "lastIndex", last)
	}

	for index := last; index >= IndexFirst; index-- {
		h, err := a.probe.load(index)
		if err != nil {
			return "", fmt.Errorf("recover payload position: %w", err)
		}
		if h == NullHeader || HeaderAppenderID(h) != a.id {
			continue
		}
		return "scan", a.restoreAt(index, h)
	}
	return "scan", nil
}

// restoreFromMark positions the payload cursor after the record the mark
// names. It reports false when the mark does not describe this queue.
func (a *Appender) restoreFromMark(mark cursorMark, last int64) (bool, error) {
	if mark.Index == IndexNull {
		return true, nil
	}
	if mark.Index < IndexFirst || mark.Index > last {
		return false, nil
	}
	h, err := a.probe.load(mark.Index)
	if err != nil {
		return false, fmt.Errorf("recover payload position: %w", err)
	}
	if h == NullHeader || HeaderAppenderID(h) != a.id {
		return false, nil
	}
	return true, a.restoreAt(mark.Index, h)
}

func (a *Appender) restoreAt(index int64, header uint64) error {
	pos := HeaderPayloadPosition(header)
	record, err := readRecord(a.payload, a.id, pos)
	if err != nil {
		return fmt.Errorf("recover payload position: %w", err)
	}
	a.payloadPos = NextPayloadPosition(pos, len(record))
	a.lastOwn = index
	return nil
}

// AppenderID returns the id this appender publishes under.
func (a *Appender) AppenderID() int { return a.id }

// NextIndex returns the index the next append will try first. Another
// appender may take it, in which case the append lands further on.
func (a *Appender) NextIndex() int64 { return a.nextIndex }

// MaxPayloadLength returns the largest record this appender accepts.
func (a *Appender) MaxPayloadLength() int { return a.maxLength }

func (a *Appender) checkReady() error {
	if a.closed {
		return ErrClosed
	}
	if a.appending != nil {
		return fmt.Errorf("%w: appending context is open", ErrIllegalState)
	}
	return nil
}

func (a *Appender) checkLength(length int) error {
	if length < 0 || length > a.maxLength {
		kind := OutOfRange
		if length < 0 {
			kind = Malformed
		}
		return &RangeError{Name: "payload length", Value: int64(length), Min: 0, Max: int64(a.maxLength), Kind: kind}
	}
	return nil
}

// Append publishes payload and returns its index.
func (a *Appender) Append(payload []byte) (int64, error) {
	if err := a.checkReady(); err != nil {
		return IndexNull, err
	}
	if err := a.checkLength(len(payload)); err != nil {
		return IndexNull, err
	}
	record, err := a.reserve(len(payload))
	if err != nil {
		return IndexNull, a.fail(err)
	}
	copy(record[LengthPrefixSize:], payload)
	return a.commit(record, len(payload))
}

// reserve returns the mapped record buffer (length prefix included) for a
// payload of up to length bytes at the payload cursor. A record that would
// cross a region end moves the cursor to the next region.
func (a *Appender) reserve(length int) ([]byte, error) {
	size := int64(length) + LengthPrefixSize
	if offset := a.payloadPos % a.regionSize; offset+size > a.regionSize {
		a.payloadPos += a.regionSize - offset
		a.metrics.IncrementRegionSkips(1)
	}
	if err := ValidatePayloadPosition(a.payloadPos); err != nil {
		return nil, err
	}
	if !a.payload.MoveTo(a.payloadPos) {
		return nil, fmt.Errorf("%w: payload at %d: %v", ErrMappingFailure, a.payloadPos, a.payload.Err())
	}
	buf := a.payload.Buffer()
	if int64(len(buf)) < size {
		return nil, fmt.Errorf("%w: payload at %d: %d bytes mapped, %d needed", ErrMappingFailure, a.payloadPos, len(buf), size)
	}
	return buf[:size], nil
}

// commit writes the length prefix and publishes the header. A slot taken
// by another appender sends the appender forward to the next free index.
func (a *Appender) commit(record []byte, length int) (int64, error) {
	binary.LittleEndian.PutUint32(record, uint32(length))
	header := Header(a.id, a.payloadPos)

	for {
		if err := ValidateIndex(a.nextIndex); err != nil {
			return IndexNull, a.fail(err)
		}
		outcome, err := a.headers.publish(a.nextIndex, header)
		if err != nil {
			return IndexNull, a.fail(err)
		}
		if outcome == published {
			break
		}
		a.metrics.IncrementCASRetries(1)
		a.logger.Debug("header slot taken", "index", a.nextIndex)
		next, err := SearchFirstNull(a.nextIndex+1, a.probe.has)
		if err != nil {
			return IndexNull, a.fail(err)
		}
		a.nextIndex = next
	}

	index := a.nextIndex
	a.nextIndex++
	a.lastOwn = index
	a.payloadPos = NextPayloadPosition(a.payloadPos, length)

	a.metrics.IncrementAppends(1)
	a.metrics.AddAppendedBytes(uint64(length))
	a.metrics.SetLastAppend(uint64(time.Now().UnixNano()))
	return index, nil
}

func (a *Appender) fail(err error) error {
	a.metrics.IncrementErrors(1)
	return err
}

// Appending opens a two-phase append: the caller writes up to maxLength
// bytes straight into mapped memory and then commits or aborts. Only one
// context may be open per appender.
func (a *Appender) Appending(maxLength int) (*AppendingContext, error) {
	if err := a.checkReady(); err != nil {
		return nil, err
	}
	if err := a.checkLength(maxLength); err != nil {
		return nil, err
	}
	record, err := a.reserve(maxLength)
	if err != nil {
		return nil, a.fail(err)
	}
	a.appending = &AppendingContext{appender: a, record: record, maxLength: maxLength}
	return a.appending, nil
}

// Sync flushes this appender's header and payload regions to disk.
func (a *Appender) Sync() error {
	if a.closed {
		return ErrClosed
	}
	return errors.Join(a.headers.mapping.Sync(), a.payload.Sync())
}

// IsClosed reports whether Close has been called.
func (a *Appender) IsClosed() bool { return a.closed }

// Close aborts an open appending context, leaves a cursor mark for the next
// holder of the id, releases the id and unmaps everything. Close is
// idempotent.
func (a *Appender) Close() error {
	if a.closed {
		return nil
	}
	if a.appending != nil {
		a.appending.Abort()
	}
	a.closed = true
	var markErr error
	if err := writeCursorMark(a.queue.cursorPath(a.id), cursorMark{Index: a.lastOwn}); err != nil {
		markErr = fmt.Errorf("write cursor mark: %w", err)
	}
	err := errors.Join(markErr, a.release())
	a.queue.forget(a)
	a.metrics.IncrementAppendersClosed(1)
	a.logger.Debug("appender closed", "nextIndex", a.nextIndex)
	return err
}

func (a *Appender) release() error {
	var errs []error
	if a.headers != nil {
		errs = append(errs, a.headers.close())
	}
	if a.probe != nil {
		errs = append(errs, a.probe.close())
	}
	if a.payload != nil {
		errs = append(errs, a.payload.Close())
	}
	a.queue.pool.Release(a.id)
	return errors.Join(errs...)
}

// AppendingContext is an open two-phase append. Its buffer is mapped
// payload memory; nothing is visible to readers until Commit.
type AppendingContext struct {
	appender  *Appender
	record    []byte
	maxLength int
	closed    bool
}

// Buffer returns the writable payload area of maxLength bytes. It is nil
// once the context is closed.
func (c *AppendingContext) Buffer() []byte {
	if c.closed {
		return nil
	}
	return c.record[LengthPrefixSize:]
}

// Commit publishes the first length bytes of Buffer and returns the index.
// A length outside [0, maxLength] leaves the context open; otherwise it is
// closed afterwards, also when publishing fails.
func (c *AppendingContext) Commit(length int) (int64, error) {
	if c.closed {
		return IndexNull, ErrClosed
	}
	if length < 0 || length > c.maxLength {
		return IndexNull, &RangeError{Name: "commit length", Value: int64(length), Min: 0, Max: int64(c.maxLength), Kind: OutOfRange}
	}
	c.close()
	return c.appender.commit(c.record, length)
}

// Abort discards the context. The payload cursor does not move, so the
// next append overwrites whatever was written into Buffer.
func (c *AppendingContext) Abort() error {
	if c.closed {
		return nil
	}
	c.close()
	c.appender.metrics.IncrementAborts(1)
	return nil
}

// IsClosed reports whether the context was committed or aborted.
func (c *AppendingContext) IsClosed() bool { return c.closed }

func (c *AppendingContext) close() {
	c.closed = true
	if c.appender.appending == c {
		c.appender.appending = nil
	}
}
