package mmq

// LogConfig selects the logger a Queue and its handles write to.
type LogConfig struct {
	// Logger, when set, receives every log line and Level is ignored.
	Logger Logger `json:"-" yaml:"-"`

	// Level of the built-in logger on stderr: debug, info, warn, error, or
	// none/off to disable logging. MMQ_DEBUG=1 forces debug.
	Level string `json:"level" yaml:"level"`
}
