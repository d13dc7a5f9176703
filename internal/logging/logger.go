package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Formats accepted by NewLogger.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// NewLogger creates a logger writing to stderr. The console format is the
// development encoder with coloured levels; json is the production encoder.
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	var config zap.Config
	switch format {
	case "", FormatConsole:
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.DisableStacktrace = true
	case FormatJSON:
		config = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q (want console or json)", format)
	}
	config.Level = zap.NewAtomicLevelAt(lvl)
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	return config.Build()
}

// MustNewLogger is NewLogger that panics on error.
func MustNewLogger(level, format string) *zap.Logger {
	logger, err := NewLogger(level, format)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	return logger
}
