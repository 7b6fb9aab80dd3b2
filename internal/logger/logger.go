// Package logger provides structured logging for the camera controller
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog so packages can depend on a small interface
type Logger struct {
	slog   *slog.Logger
	level  slog.Level
	format string
	buffer *Buffer
}

// Global log buffer for web UI access
var globalBuffer *Buffer

// Config holds logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
		Output: os.Stdout,
	}
}

// ConfigFromEnv creates config from environment variables
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Level = strings.ToLower(level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = strings.ToLower(format)
	}

	return cfg
}

// New creates a new logger with the given configuration
func New(cfg Config) *Logger {
	if globalBuffer == nil {
		globalBuffer = NewBuffer(1000) // Keep last 1000 log entries
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Shorten time format for the console
			if a.Key == slog.TimeKey {
				return slog.Attr{
					Key:   a.Key,
					Value: slog.StringValue(a.Value.Time().Format("15:04:05")),
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		slog:   slog.New(handler),
		level:  level,
		format: cfg.Format,
		buffer: globalBuffer,
	}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.slog.Debug(msg, keysAndValues...)
	l.addToBuffer("DEBUG", msg, keysAndValues...)
}

// Info logs an info message
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.slog.Info(msg, keysAndValues...)
	l.addToBuffer("INFO", msg, keysAndValues...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.slog.Warn(msg, keysAndValues...)
	l.addToBuffer("WARN", msg, keysAndValues...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.slog.Error(msg, keysAndValues...)
	l.addToBuffer("ERROR", msg, keysAndValues...)
}

// addToBuffer adds a log entry to the in-memory buffer
func (l *Logger) addToBuffer(level, msg string, keysAndValues ...interface{}) {
	if l.buffer == nil {
		return
	}

	attrs := make(map[string]interface{})
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			attrs[key] = keysAndValues[i+1]
		}
	}

	l.buffer.Add(LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Attrs:     attrs,
	})
}

// With returns a new logger with additional context
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{
		slog:   l.slog.With(keysAndValues...),
		level:  l.level,
		format: l.format,
		buffer: l.buffer,
	}
}

// ForComponent returns a logger scoped to a named subsystem
func (l *Logger) ForComponent(name string) *Logger {
	return l.With("component", name)
}

// Package-level default logger
var defaultLogger = New(DefaultConfig())

// Init initializes the default logger from environment
func Init() {
	defaultLogger = New(ConfigFromEnv())
	slog.SetDefault(defaultLogger.slog)
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	defaultLogger = logger
	slog.SetDefault(logger.slog)
}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// GetRecentLogs returns the last N log entries from the global buffer
func GetRecentLogs(n int) []LogEntry {
	if globalBuffer == nil {
		return nil
	}
	return globalBuffer.GetLast(n)
}
