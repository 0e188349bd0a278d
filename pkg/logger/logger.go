// Package logger provides structured logging for the receiver, with
// per-subsystem debug categories that can be enabled independently.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// LogLevel represents the logging verbosity level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// DebugCategory gates detailed per-subsystem logging independently of Level.
type DebugCategory string

const (
	DebugClock  DebugCategory = "clock"
	DebugAnchor DebugCategory = "anchor"
	DebugJitter DebugCategory = "jitter"
	DebugResend DebugCategory = "resend"
	DebugRTSP   DebugCategory = "rtsp"
	DebugPlayer DebugCategory = "player"
	DebugAll    DebugCategory = "all"
)

// OutputFormat determines the log output format.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Config holds logger configuration.
type Config struct {
	Level             LogLevel
	Format            OutputFormat
	OutputFile        string
	EnabledCategories map[DebugCategory]bool
	mu                sync.RWMutex
}

// NewConfig creates a new logger configuration with defaults.
func NewConfig() *Config {
	return &Config{
		Level:             LevelInfo,
		Format:            FormatText,
		EnabledCategories: make(map[DebugCategory]bool),
	}
}

// ParseLevel converts a string to LogLevel.
func ParseLevel(level string) (LogLevel, error) {
	switch level {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// ParseFormat converts a string to OutputFormat.
func ParseFormat(format string) (OutputFormat, error) {
	switch format {
	case "json", "JSON":
		return FormatJSON, nil
	case "text", "TEXT":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or text)", format)
	}
}

// ToZerologLevel converts LogLevel to zerolog.Level.
func (l LogLevel) ToZerologLevel() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// EnableCategory enables a specific debug category.
func (c *Config) EnableCategory(category DebugCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if category == DebugAll {
		c.EnabledCategories[DebugClock] = true
		c.EnabledCategories[DebugAnchor] = true
		c.EnabledCategories[DebugJitter] = true
		c.EnabledCategories[DebugResend] = true
		c.EnabledCategories[DebugRTSP] = true
		c.EnabledCategories[DebugPlayer] = true
		return
	}
	c.EnabledCategories[category] = true
}

// IsCategoryEnabled reports whether a debug category is enabled.
func (c *Config) IsCategoryEnabled(category DebugCategory) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnabledCategories[category]
}

// IsDebugEnabled reports whether any debug category is enabled.
func (c *Config) IsDebugEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.EnabledCategories) > 0
}

// Logger wraps zerolog.Logger with category-gated debug helpers.
type Logger struct {
	zl     zerolog.Logger
	config *Config
	file   *os.File
}

// New creates a new Logger from the given configuration.
func New(cfg *Config) (*Logger, error) {
	var writer io.Writer = colorable.NewColorableStdout()
	var file *os.File

	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.OutputFile, err)
		}
		writer = f
		file = f
	} else if cfg.Format == FormatText && isatty.IsTerminal(os.Stdout.Fd()) {
		writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	} else if cfg.Format == FormatText {
		writer = os.Stdout
	}

	if cfg.Format == FormatJSON {
		writer = os.Stdout
		if file != nil {
			writer = file
		}
	}

	zl := zerolog.New(writer).With().Timestamp().Logger().Level(cfg.Level.ToZerologLevel())

	return &Logger{zl: zl, config: cfg, file: file}, nil
}

// Close closes the log file if one was opened.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func toFields(ev *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	return ev
}

// Debug logs at Debug level.
func (l *Logger) Debug(msg string, args ...any) { toFields(l.zl.Debug(), args).Msg(msg) }

// Info logs at Info level.
func (l *Logger) Info(msg string, args ...any) { toFields(l.zl.Info(), args).Msg(msg) }

// Warn logs at Warn level.
func (l *Logger) Warn(msg string, args ...any) { toFields(l.zl.Warn(), args).Msg(msg) }

// Error logs at Error level.
func (l *Logger) Error(msg string, args ...any) { toFields(l.zl.Error(), args).Msg(msg) }

// Fatal logs at Error level then terminates the process. Reserved for the
// single non-recoverable error class in §7 (output device stalled) and the
// Clock Source's fatal-after-2s-unavailable contract.
func (l *Logger) Fatal(msg string, args ...any) {
	toFields(l.zl.Error(), args).Msg(msg)
	if l.file != nil {
		l.file.Close()
	}
	os.Exit(1)
}

// debugCategory logs at Debug level only if category is enabled.
func (l *Logger) debugCategory(category DebugCategory, msg string, args ...any) {
	if l.config != nil && l.config.IsCategoryEnabled(category) {
		args = append([]any{"category", string(category)}, args...)
		l.Debug(msg, args...)
	}
}

func (l *Logger) DebugClock(msg string, args ...any)  { l.debugCategory(DebugClock, msg, args...) }
func (l *Logger) DebugAnchor(msg string, args ...any) { l.debugCategory(DebugAnchor, msg, args...) }
func (l *Logger) DebugJitter(msg string, args ...any) { l.debugCategory(DebugJitter, msg, args...) }
func (l *Logger) DebugResend(msg string, args ...any) { l.debugCategory(DebugResend, msg, args...) }
func (l *Logger) DebugRTSP(msg string, args ...any)   { l.debugCategory(DebugRTSP, msg, args...) }
func (l *Logger) DebugPlayer(msg string, args ...any) { l.debugCategory(DebugPlayer, msg, args...) }

// Zerolog returns the underlying zerolog.Logger, for packages that take a
// zerolog.Logger directly (pkg/rtsp, pkg/stream) rather than this
// category-gated wrapper.
func (l *Logger) Zerolog() zerolog.Logger { return l.zl }

// With returns a derived Logger carrying the given key/value fields.
func (l *Logger) With(args ...any) *Logger {
	ctx := l.zl.With()
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		ctx = ctx.Interface(key, args[i+1])
	}
	return &Logger{zl: ctx.Logger(), config: l.config, file: l.file}
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// SetDefault sets the process-wide default logger.
func SetDefault(l *Logger) { defaultLogger = l }

// Default returns the default logger, creating a bare one if necessary.
func Default() *Logger {
	once.Do(func() {
		if defaultLogger == nil {
			l, err := New(NewConfig())
			if err != nil {
				l = &Logger{zl: zerolog.New(os.Stdout).With().Timestamp().Logger()}
			}
			defaultLogger = l
		}
	})
	return defaultLogger
}

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
