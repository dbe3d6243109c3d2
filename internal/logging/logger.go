package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"go.opentelemetry.io/otel/trace"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	// FormatJSON outputs logs in JSON format
	FormatJSON LogFormat = "json"

	// FormatConsole outputs logs in a human-readable format
	FormatConsole LogFormat = "console"
)

// Config contains logger configuration
type Config struct {
	// Logging level (debug, info, warn, error)
	Level string

	// Output format (json or console)
	Format LogFormat

	// Whether to include caller information
	IncludeCaller bool

	// Whether to include stack traces for errors
	IncludeStacktrace bool

	// Output writer (defaults to os.Stdout)
	Output io.Writer

	// Additional global context fields, e.g. environment
	GlobalFields map[string]string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Level:             "info",
		Format:            FormatJSON,
		IncludeCaller:     false,
		IncludeStacktrace: true,
		Output:            os.Stdout,
		GlobalFields:      map[string]string{},
	}
}

// Setup configures the global logger
func Setup(config Config) error {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return err
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	output := config.Output
	if output == nil {
		output = os.Stdout
	}
	if config.Format == FormatConsole {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	if config.IncludeStacktrace {
		zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	}

	logger := zerolog.New(output).With().Timestamp()
	if config.IncludeCaller {
		logger = logger.Caller()
	}
	for k, v := range config.GlobalFields {
		logger = logger.Str(k, v)
	}

	log.Logger = logger.Logger()
	zerolog.SetGlobalLevel(level)
	return nil
}

// ParseLevel converts a level name to a zerolog.Level
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// FromContext returns the context logger with trace ids when a span is active
func FromContext(ctx context.Context) zerolog.Logger {
	logger := log.Ctx(ctx)
	if logger.GetLevel() == zerolog.Disabled {
		// no logger attached
		logger = &log.Logger
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return *logger
	}
	return logger.With().
		Str("trace_id", span.SpanContext().TraceID().String()).
		Str("span_id", span.SpanContext().SpanID().String()).
		Logger()
}

// WithContext returns a context carrying logger
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// Component returns a logger with a component field
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
