package mmq

// SetNextIndex forces the index an appender tries next, as if its view of
// the end of the queue had gone stale.
func SetNextIndex(a *Appender, index int64) { a.nextIndex = index }
