package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a wrapper around zap.Logger
type Logger struct {
	*zap.Logger
}

// Config holds logging configuration
type Config struct {
	// Level is the log level (debug, info, warn, error)
	Level string
	// Format is the log format (json or console)
	Format string
	// Service is attached to every entry as the "service" field
	Service string
	// OutputPaths is a list of paths to write logs to
	OutputPaths []string
	// Development enables development mode (DPanic logs will panic, caller and
	// stack traces are included)
	Development bool
}

// DefaultConfig returns a default logging configuration
func DefaultConfig() Config {
	return Config{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DevelopmentConfig returns a configuration for development
func DevelopmentConfig() Config {
	return Config{
		Level:       "debug",
		Format:      "console",
		OutputPaths: []string{"stdout"},
		Development: true,
	}
}

// NewLogger creates a new logger with the given configuration
func NewLogger(config Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(config.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if config.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	format := config.Format
	if format != "console" {
		format = "json"
	}
	outputs := config.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       config.Development,
		DisableCaller:     !config.Development,
		DisableStacktrace: !config.Development,
		Encoding:          format,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
	}

	var opts []zap.Option
	if config.Service != "" {
		opts = append(opts, zap.Fields(zap.String("service", config.Service)))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		return nil, err
	}

	return &Logger{logger}, nil
}

// NewLoggerFromEnv creates a logger based on environment variables
// FINDASH_LOG_LEVEL: log level (default: info)
// FINDASH_LOG_FORMAT: log format (default: json)
// FINDASH_LOG_DEV: enable development mode (default: false)
func NewLoggerFromEnv(service string) (*Logger, error) {
	config := DefaultConfig()
	if os.Getenv("FINDASH_LOG_DEV") == "true" {
		config = DevelopmentConfig()
	}
	if level := os.Getenv("FINDASH_LOG_LEVEL"); level != "" {
		config.Level = level
	}
	if format := os.Getenv("FINDASH_LOG_FORMAT"); format != "" {
		config.Format = format
	}
	config.Service = service

	return NewLogger(config)
}

// NewNoOpLogger creates a logger that discards all logs
func NewNoOpLogger() *Logger {
	return &Logger{zap.NewNop()}
}

// Wrap adopts an existing zap logger, e.g. one built by zaptest in tests.
func Wrap(l *zap.Logger) *Logger {
	if l == nil {
		return NewNoOpLogger()
	}
	return &Logger{l}
}

// With creates a child logger with additional fields
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{l.Logger.With(fields...)}
}

// Named creates a child logger with a name
func (l *Logger) Named(name string) *Logger {
	return &Logger{l.Logger.Named(name)}
}

// OrGlobal returns l, or the global logger when l is nil. Constructors use it so a
// nil logger in a config struct means "log where the process logs".
func (l *Logger) OrGlobal() *Logger {
	if l == nil {
		return Global()
	}
	return l
}

var global = NewNoOpLogger()

// SetGlobal sets the global logger instance
func SetGlobal(logger *Logger) {
	global = logger
}

// Global returns the global logger instance
func Global() *Logger {
	return global
}
