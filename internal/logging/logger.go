// Package logging provides the minimal printf-style logging contract used
// across the exporter. Components depend on the Logger interface rather than
// a concrete implementation so tests can pass Nop() and the CLI can choose
// human or JSON output at startup.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a LOG_LEVEL string to a Level. Unknown values fall back to
// info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Format selects the output encoding.
type Format int

const (
	FormatHuman Format = iota
	FormatJSON
)

// ParseFormat maps a LOG_FORMAT string to a Format.
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), "json") {
		return FormatJSON
	}
	return FormatHuman
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

type writerLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     Level
	format    Format
	component string
	now       func() time.Time
}

// Options configures a root logger.
type Options struct {
	Out    io.Writer
	Level  Level
	Format Format
	Now    func() time.Time
}

var (
	rootMu   sync.Mutex
	rootOpts = Options{Out: os.Stderr, Level: LevelInfo, Format: FormatHuman}
)

// Configure sets the options used by loggers created afterwards. It reads
// LOG_LEVEL and LOG_FORMAT when the corresponding option fields are unset.
func Configure(opts Options) {
	rootMu.Lock()
	defer rootMu.Unlock()
	if opts.Out == nil {
		opts.Out = os.Stderr
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rootOpts = opts
}

// ConfigureFromEnv applies LOG_LEVEL and LOG_FORMAT from the environment.
func ConfigureFromEnv() {
	Configure(Options{
		Out:    os.Stderr,
		Level:  ParseLevel(os.Getenv("LOG_LEVEL")),
		Format: ParseFormat(os.Getenv("LOG_FORMAT")),
	})
}

// NewComponentLogger returns a logger scoped to a component name.
func NewComponentLogger(component string) Logger {
	rootMu.Lock()
	opts := rootOpts
	rootMu.Unlock()
	return New(component, opts)
}

// New creates a logger with explicit options. Used by tests that need to
// capture output.
func New(component string, opts Options) Logger {
	if opts.Out == nil {
		opts.Out = os.Stderr
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &writerLogger{
		out:       opts.Out,
		level:     opts.Level,
		format:    opts.Format,
		component: component,
		now:       opts.Now,
	}
}

func (l *writerLogger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ts := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.format {
	case FormatJSON:
		line, err := json.Marshal(map[string]string{
			"ts":        ts.Format(time.RFC3339),
			"level":     strings.ToLower(level.String()),
			"component": l.component,
			"msg":       msg,
		})
		if err != nil {
			return
		}
		fmt.Fprintln(l.out, string(line))
	default:
		fmt.Fprintf(l.out, "%s [%s] [%s] %s\n",
			ts.Format("2006-01-02 15:04:05"), level, l.component, msg)
	}
}

func (l *writerLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *writerLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *writerLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *writerLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	switch len(flattened) {
	case 0:
		return Nop()
	case 1:
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (m *multiLogger) Debug(format string, args ...any) {
	for _, l := range m.loggers {
		l.Debug(format, args...)
	}
}

func (m *multiLogger) Info(format string, args ...any) {
	for _, l := range m.loggers {
		l.Info(format, args...)
	}
}

func (m *multiLogger) Warn(format string, args ...any) {
	for _, l := range m.loggers {
		l.Warn(format, args...)
	}
}

func (m *multiLogger) Error(format string, args ...any) {
	for _, l := range m.loggers {
		l.Error(format, args...)
	}
}
