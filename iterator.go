package mmq

import "iter"

// EntryIterator walks entries from a start index in one direction until it
// meets an unwritten index (forwards) or passes index 0 (backwards). It
// shares its Reader's mappings.
type EntryIterator struct {
	reader *Reader
	start  int64
	step   int64

	next   int64
	index  int64
	buffer []byte
	err    error
	done   bool
}

func (it *EntryIterator) reset() {
	it.next = it.start
	it.index = IndexNull
	it.buffer = nil
	it.done = false
}

// Next advances to the next entry and reports whether there is one.
func (it *EntryIterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	if it.reader.closed {
		it.err = ErrClosed
		return false
	}
	if it.next < IndexFirst || it.next > MaxIndex {
		it.finish()
		return false
	}
	payload, ok, err := it.reader.entry(it.next)
	if err != nil {
		it.err = err
		it.finish()
		return false
	}
	if !ok {
		it.finish()
		return false
	}
	it.index = it.next
	it.buffer = payload
	it.next += it.step
	return true
}

func (it *EntryIterator) finish() {
	it.done = true
	it.buffer = nil
}

// Index returns the index of the current entry.
func (it *EntryIterator) Index() int64 { return it.index }

// Buffer returns the current payload, valid until the next call to Next.
func (it *EntryIterator) Buffer() []byte { return it.buffer }

// Err returns the error that stopped the iteration, if any.
func (it *EntryIterator) Err() error { return it.err }

// Reverse returns a fresh iterator over the same start index in the
// opposite direction.
func (it *EntryIterator) Reverse() *EntryIterator {
	r := &EntryIterator{reader: it.reader, start: it.start, step: -it.step, err: it.err}
	r.reset()
	return r
}

// All returns the remaining entries as a range-over-func sequence.
//
//	for index, payload := range reader.ReadingFrom(mmq.IndexFirst).All() {
//	    ...
//	}
func (it *EntryIterator) All() iter.Seq2[int64, []byte] {
	return func(yield func(int64, []byte) bool) {
		for it.Next() {
			if !yield(it.index, it.buffer) {
				return
			}
		}
	}
}

// Close ends the iteration. Close is idempotent.
func (it *EntryIterator) Close() error {
	it.finish()
	return nil
}
