package mmq

import (
	"os"
	"strings"
	"sync/atomic"
)

// debugEnabled forces debug logging on default loggers.
var debugEnabled atomic.Bool

func init() {
	if envDebug() {
		debugEnabled.Store(true)
	}
}

func envDebug() bool {
	v := os.Getenv("MMQ_DEBUG")
	return v != "" && v != "0" && strings.ToLower(v) != "false"
}

// SetDebug allows runtime control of debug mode
func SetDebug(enabled bool) {
	debugEnabled.Store(enabled)
}

// IsDebug reports whether debug mode is enabled.
func IsDebug() bool {
	return debugEnabled.Load()
}
