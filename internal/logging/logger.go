package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// Format represents the log output format
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Level represents log levels
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level  Level
	Format Format
	Output io.Writer // defaults to os.Stderr if nil
}

// DefaultConfig returns the configuration used before the config file is read
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: FormatConsole,
		Output: os.Stderr,
	}
}

var defaultLogger *slog.Logger

func init() {
	defaultLogger = New(DefaultConfig())
}

// New creates a new structured logger with the given configuration
func New(cfg Config) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	default:
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a Level string to slog.Level
func parseLevel(level Level) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops every record. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// SetDefault sets the default logger for the package
func SetDefault(logger *slog.Logger) {
	defaultLogger = logger
	slog.SetDefault(logger)
}

// Default returns the default logger
func Default() *slog.Logger {
	return defaultLogger
}

type contextKey string

// ContextKeyRunID is the context key for the daemon run identifier
const ContextKeyRunID contextKey = "run_id"

// WithRunID adds the run identifier to ctx
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ContextKeyRunID, runID)
}

// RunID returns the run identifier stored in ctx, or ""
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyRunID).(string)
	return id
}

// ThresholdAttrs returns the attributes identifying one threshold
func ThresholdAttrs(index int, percentage float64, device string) []slog.Attr {
	return []slog.Attr{
		slog.Int("threshold_index", index),
		slog.Float64("threshold_percent", percentage),
		slog.String("device", device),
	}
}

// ErrorAttrs returns common attributes for error logging
func ErrorAttrs(err error) []slog.Attr {
	if err == nil {
		return nil
	}
	return []slog.Attr{
		slog.String("error", err.Error()),
		slog.String("error_type", errorType(err)),
	}
}

func errorType(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T", err)
}

// LogActivation logs the outcome of one activation attempt. Failures are
// logged at error level, successes at info.
func LogActivation(logger *slog.Logger, device string, thresholdPct, usedPct float64, duration time.Duration, err error) {
	attrs := []slog.Attr{
		slog.String("device", device),
		slog.Float64("threshold_percent", thresholdPct),
		slog.Float64("memory_used_percent", usedPct),
		slog.Int64("duration_ms", duration.Milliseconds()),
	}
	if err != nil {
		attrs = append(attrs, ErrorAttrs(err)...)
		logger.LogAttrs(context.Background(), slog.LevelError, "Swap activation failed", attrs...)
		return
	}
	logger.LogAttrs(context.Background(), slog.LevelInfo, "Swap activated", attrs...)
}
