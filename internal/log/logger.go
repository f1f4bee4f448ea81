// Package log provides structured logging for arcross using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with arcross-specific helpers.
type Logger struct {
	*zap.Logger
	onTrace func(addr uint64, category, detail string) // trace callback for translation events
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// ISO-8601 timestamps under a short key, in both modes
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// SetOnTrace sets the trace callback for translation events.
func (l *Logger) SetOnTrace(fn func(addr uint64, category, detail string)) {
	l.onTrace = fn
}

// Trace reports a translation event at a guest address: a block translated,
// a cache tier hit, a signature match. The CLI renders these lines.
func (l *Logger) Trace(addr uint64, category, detail string) {
	if l.onTrace != nil {
		l.onTrace(addr, category, detail)
	}

	l.Debug("trace",
		zap.String("cat", category),
		zap.String("detail", detail),
		zap.Uint64("addr", addr),
	)
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(zap.String("cat", category)),
		onTrace: l.onTrace,
	}
}

// Hex formats a uint64 as hex string for logging.
func Hex(v uint64) string {
	return "0x" + hexString(v)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates a guest-address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Fingerprint creates a block-fingerprint field.
func Fingerprint(fp uint64) zap.Field {
	return zap.String("fp", Hex(fp))
}

// Path creates a file-path field.
func Path(p string) zap.Field {
	return zap.String("path", p)
}

// Err creates an error field.
func Err(err error) zap.Field {
	return zap.Error(err)
}
