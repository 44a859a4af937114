package mmq

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/natefinch/atomic"
)

// cursorMark records, at clean close, the index of the last record an
// appender id published. The next holder of the id removes the mark before
// appending, so a mark on disk is only ever left by a holder that closed
// cleanly and is never stale after a crash.
type cursorMark struct {
	Index int64 `json:"index"`
}

func writeCursorMark(path string, m cursorMark) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}

// takeCursorMark reads and removes the mark at path. ok is false when there
// is no usable mark.
func takeCursorMark(path string) (m cursorMark, ok bool, err error) {
	data, readErr := os.ReadFile(path)
	if errors.Is(readErr, fs.ErrNotExist) {
		return m, false, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return m, false, fmt.Errorf("remove cursor mark: %w", err)
	}
	if readErr != nil || json.Unmarshal(data, &m) != nil {
		return m, false, nil
	}
	return m, true, nil
}
