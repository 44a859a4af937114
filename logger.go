package mmq

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// Logger is the logging interface used by queues and their handles. It
// takes alternating key/value pairs like slog and zap's SugaredLogger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)

	// WithContext returns a logger bound to ctx.
	WithContext(ctx context.Context) Logger

	// WithFields returns a logger with the given fields attached
	WithFields(keysAndValues ...any) Logger
}

// NoOpLogger is a logger that discards all log messages
type NoOpLogger struct{}

var _ Logger = NoOpLogger{}

func (NoOpLogger) Debug(msg string, keysAndValues ...any)   {}
func (NoOpLogger) Info(msg string, keysAndValues ...any)    {}
func (NoOpLogger) Warn(msg string, keysAndValues ...any)    {}
func (NoOpLogger) Error(msg string, keysAndValues ...any)   {}
func (n NoOpLogger) WithContext(ctx context.Context) Logger { return n }
func (n NoOpLogger) WithFields(keysAndValues ...any) Logger { return n }

// StdLogger writes "[LEVEL] msg {k=v, ...}" lines to a writer.
type StdLogger struct {
	level  LogLevel
	mu     *sync.Mutex
	writer io.Writer
	fields []any
}

var _ Logger = (*StdLogger)(nil)

// NewStdLogger creates a logger writing to stderr.
func NewStdLogger(level LogLevel) *StdLogger {
	return NewStdLoggerTo(os.Stderr, level)
}

// NewStdLoggerTo creates a logger writing to w.
func NewStdLoggerTo(w io.Writer, level LogLevel) *StdLogger {
	return &StdLogger{level: level, mu: &sync.Mutex{}, writer: w}
}

func (s *StdLogger) log(level LogLevel, msg string, keysAndValues []any) {
	if level < s.level {
		return
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(level.String())
	b.WriteString("] ")
	b.WriteString(msg)
	writeFields(&b, s.fields, keysAndValues)
	b.WriteByte('\n')

	s.mu.Lock()
	io.WriteString(s.writer, b.String())
	s.mu.Unlock()
}

func writeFields(b *strings.Builder, groups ...[]any) {
	n := 0
	for _, g := range groups {
		n += len(g)
	}
	if n == 0 {
		return
	}
	all := make([]any, 0, n)
	for _, g := range groups {
		all = append(all, g...)
	}
	b.WriteString(" {")
	for i := 0; i < len(all); i += 2 {
		if i > 0 {
			b.WriteString(", ")
		}
		if i+1 < len(all) {
			fmt.Fprintf(b, "%v=%v", all[i], all[i+1])
		} else {
			fmt.Fprintf(b, "%v=<missing>", all[i])
		}
	}
	b.WriteString("}")
}

func (s *StdLogger) Debug(msg string, keysAndValues ...any) { s.log(LogLevelDebug, msg, keysAndValues) }
func (s *StdLogger) Info(msg string, keysAndValues ...any)  { s.log(LogLevelInfo, msg, keysAndValues) }
func (s *StdLogger) Warn(msg string, keysAndValues ...any)  { s.log(LogLevelWarn, msg, keysAndValues) }
func (s *StdLogger) Error(msg string, keysAndValues ...any) { s.log(LogLevelError, msg, keysAndValues) }

func (s *StdLogger) WithContext(ctx context.Context) Logger { return s }

func (s *StdLogger) WithFields(keysAndValues ...any) Logger {
	fields := make([]any, 0, len(s.fields)+len(keysAndValues))
	fields = append(fields, s.fields...)
	fields = append(fields, keysAndValues...)
	return &StdLogger{level: s.level, mu: s.mu, writer: s.writer, fields: fields}
}

// SlogAdapter adapts slog.Logger to the Logger interface
type SlogAdapter struct {
	logger *slog.Logger
	ctx    context.Context
}

var _ Logger = (*SlogAdapter)(nil)

// NewSlogAdapter creates a new adapter for slog.Logger
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger, ctx: context.Background()}
}

func (s *SlogAdapter) Debug(msg string, keysAndValues ...any) {
	s.logger.DebugContext(s.ctx, msg, keysAndValues...)
}

func (s *SlogAdapter) Info(msg string, keysAndValues ...any) {
	s.logger.InfoContext(s.ctx, msg, keysAndValues...)
}

func (s *SlogAdapter) Warn(msg string, keysAndValues ...any) {
	s.logger.WarnContext(s.ctx, msg, keysAndValues...)
}

func (s *SlogAdapter) Error(msg string, keysAndValues ...any) {
	s.logger.ErrorContext(s.ctx, msg, keysAndValues...)
}

func (s *SlogAdapter) WithContext(ctx context.Context) Logger {
	return &SlogAdapter{logger: s.logger, ctx: ctx}
}

func (s *SlogAdapter) WithFields(keysAndValues ...any) Logger {
	return &SlogAdapter{logger: s.logger.With(keysAndValues...), ctx: s.ctx}
}

// ZapAdapter adapts a zap.SugaredLogger to the Logger interface.
type ZapAdapter struct {
	logger *zap.SugaredLogger
}

var _ Logger = (*ZapAdapter)(nil)

// NewZapAdapter wraps a zap logger.
func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	return &ZapAdapter{logger: logger.Sugar()}
}

func (z *ZapAdapter) Debug(msg string, keysAndValues ...any) { z.logger.Debugw(msg, keysAndValues...) }
func (z *ZapAdapter) Info(msg string, keysAndValues ...any)  { z.logger.Infow(msg, keysAndValues...) }
func (z *ZapAdapter) Warn(msg string, keysAndValues ...any)  { z.logger.Warnw(msg, keysAndValues...) }
func (z *ZapAdapter) Error(msg string, keysAndValues ...any) { z.logger.Errorw(msg, keysAndValues...) }

// WithContext returns z; zap carries no context.
func (z *ZapAdapter) WithContext(ctx context.Context) Logger { return z }

func (z *ZapAdapter) WithFields(keysAndValues ...any) Logger {
	return &ZapAdapter{logger: z.logger.With(keysAndValues...)}
}

// parseLogLevel maps a LogConfig level name to a LogLevel.
func parseLogLevel(level string) (LogLevel, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return LogLevelDebug, true
	case "", "info":
		return LogLevelInfo, true
	case "warn", "warning":
		return LogLevelWarn, true
	case "error":
		return LogLevelError, true
	}
	return LogLevelInfo, false
}

func isSilentLevel(level string) bool {
	switch strings.ToLower(level) {
	case "none", "off":
		return true
	}
	return false
}

// createLogger builds the logger described by config. MMQ_DEBUG forces
// debug level on the default logger.
func createLogger(config LogConfig) Logger {
	if config.Logger != nil {
		return config.Logger
	}
	if isSilentLevel(config.Level) {
		return NoOpLogger{}
	}
	level, _ := parseLogLevel(config.Level)
	if IsDebug() {
		level = LogLevelDebug
	}
	return NewStdLogger(level)
}
