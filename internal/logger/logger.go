// Package logger provides structured logging for hamstore.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with hamstore-specific functionality.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger.
func NewLogger(cfg Config) *Logger {
	// Set global log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Pretty printing for development
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	// Create logger
	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "hamstore").
		Logger()

	// Add caller information if requested
	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// GetZerolog returns the underlying zerolog logger.
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message.
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message.
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(msg string) *zerolog.Event {
	return l.zlog.Fatal().Str("msg", msg)
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// PageLogger returns a logger scoped to the page cache / page manager.
func (l *Logger) PageLogger(operation string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "pagemgr").
			Str("operation", operation).
			Logger(),
	}
}

// WalLogger returns a logger scoped to the write-ahead log.
func (l *Logger) WalLogger(operation string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "wal").
			Str("operation", operation).
			Logger(),
	}
}

// LogPurge logs a cache purge pass.
func (l *Logger) LogPurge(evicted int, bytesFreed uint64, duration time.Duration) {
	l.zlog.Debug().
		Str("component", "pagemgr").
		Str("event", "purge_cache").
		Int("evicted", evicted).
		Str("freed", humanize.Bytes(bytesFreed)).
		Dur("duration_ms", duration).
		Msg("cache purge completed")
}

// LogCheckpoint logs a WAL checkpoint.
func (l *Logger) LogCheckpoint(lsn uint64, rotated bool) {
	l.zlog.Info().
		Str("component", "wal").
		Str("event", "checkpoint").
		Uint64("lsn", lsn).
		Bool("rotated", rotated).
		Msg("checkpoint written")
}

// LogRecovery logs the outcome of WAL replay on open.
func (l *Logger) LogRecovery(committed, uncommitted int, lastLSN uint64, err error) {
	event := l.zlog.Info().
		Str("component", "wal").
		Str("event", "recovery").
		Int("committed_txns", committed).
		Int("uncommitted_txns", uncommitted).
		Uint64("last_lsn", lastLSN)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "wal").
			Str("event", "recovery").
			Err(err)
	}

	event.Msg("WAL replay completed")
}

// LogPoisoned logs that the environment has been marked poisoned after
// a corruption error.
func (l *Logger) LogPoisoned(cause error) {
	l.zlog.Error().
		Str("component", "env").
		Str("event", "poisoned").
		Err(cause).
		Msg("environment marked poisoned; all further operations will fail")
}

// Global logger instance.
var globalLogger *Logger

// InitGlobalLogger initializes the global logger.
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance.
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		// Initialize with defaults if not set
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
