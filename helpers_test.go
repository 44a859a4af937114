package mmq

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
)

// TestLogger captures log output for testing
type TestLogger struct {
	t      *testing.T
	mu     *sync.Mutex
	buffer *bytes.Buffer
	level  LogLevel
	fields []any
}

// NewTestLogger creates a logger that captures output for testing
func NewTestLogger(t *testing.T, level LogLevel) *TestLogger {
	return &TestLogger{
		t:      t,
		mu:     &sync.Mutex{},
		buffer: &bytes.Buffer{},
		level:  level,
	}
}

func (tl *TestLogger) log(level LogLevel, msg string, keysAndValues ...any) {
	if level < tl.level {
		return
	}

	allFields := append(append([]any(nil), tl.fields...), keysAndValues...)
	output := "[" + level.String() + "] " + msg
	if len(allFields) > 0 {
		output += " " + formatFields(allFields...)
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.buffer.WriteString(output + "\n")
}

func formatFields(keysAndValues ...any) string {
	var parts []string
	for i := 0; i < len(keysAndValues); i += 2 {
		if i+1 < len(keysAndValues) {
			parts = append(parts, fmt.Sprintf("%v=%v", keysAndValues[i], keysAndValues[i+1]))
		} else {
			parts = append(parts, fmt.Sprintf("%v=<missing>", keysAndValues[i]))
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (tl *TestLogger) Debug(msg string, keysAndValues ...any) {
	tl.log(LogLevelDebug, msg, keysAndValues...)
}

func (tl *TestLogger) Info(msg string, keysAndValues ...any) {
	tl.log(LogLevelInfo, msg, keysAndValues...)
}

func (tl *TestLogger) Warn(msg string, keysAndValues ...any) {
	tl.log(LogLevelWarn, msg, keysAndValues...)
}

func (tl *TestLogger) Error(msg string, keysAndValues ...any) {
	tl.log(LogLevelError, msg, keysAndValues...)
}

func (tl *TestLogger) WithContext(ctx context.Context) Logger {
	return tl
}

func (tl *TestLogger) WithFields(keysAndValues ...any) Logger {
	return &TestLogger{
		t:      tl.t,
		mu:     tl.mu,
		buffer: tl.buffer, // shared with the parent
		level:  tl.level,
		fields: append(append([]any(nil), tl.fields...), keysAndValues...),
	}
}

// GetOutput returns all captured log output
func (tl *TestLogger) GetOutput() string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.buffer.String()
}

// Contains checks if the log output contains a string
func (tl *TestLogger) Contains(substr string) bool {
	return strings.Contains(tl.GetOutput(), substr)
}

// testConfig returns a configuration with page-sized regions and small
// rolling files so that tests cross region and file boundaries quickly.
func testConfig(t *testing.T) Config {
	page := os.Getpagesize()
	cfg := DefaultConfig()
	cfg.Header.RegionSize = page
	cfg.Header.MaxFileSize = int64(16 * page)
	cfg.Payload.RegionSize = page
	cfg.Payload.MaxFileSize = int64(8 * page)
	cfg.Log.Logger = NewTestLogger(t, LogLevelDebug)
	return cfg
}

// openTestQueue opens a queue in a temporary directory that is closed when
// the test ends.
func openTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q, err := Open(t.TempDir(), "test", cfg)
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func mustAppend(t *testing.T, a *Appender, payload string) int64 {
	t.Helper()
	index, err := a.Append([]byte(payload))
	if err != nil {
		t.Fatalf("append %q: %v", payload, err)
	}
	return index
}
