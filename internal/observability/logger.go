// Package observability owns the process-wide CLI logger.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileConsole    = "console"
	ProfileStructured = "structured"
)

// CLILogger is the logger used by commands. It is a no-op until
// InitCLILogger runs.
var CLILogger = zap.NewNop()

// InitCLILogger replaces CLILogger with a logger writing to stderr.
func InitCLILogger(level, profile string) error {
	logger, err := NewLogger(level, profile, zapcore.Lock(os.Stderr))
	if err != nil {
		return err
	}
	CLILogger = logger
	return nil
}

// NewLogger builds a logger for the given level and profile.
//
// The structured profile emits JSON with ISO8601 timestamps; the console
// profile emits colourless human-readable lines without caller info.
func NewLogger(level, profile string, out zapcore.WriteSyncer) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	var enc zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case ProfileStructured:
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
	case ProfileConsole, "":
		ec := zap.NewDevelopmentEncoderConfig()
		ec.CallerKey = ""
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		enc = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, fmt.Errorf("unknown log profile %q", profile)
	}

	return zap.New(zapcore.NewCore(enc, out, lvl)), nil
}
