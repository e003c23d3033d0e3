// Package utils builds loggers and formats sizes for the client and its
// hosting process.
package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/rs/zerolog"
)

// Log formats
const (
	FormatJSON = "json"
	FormatText = "text"
)

// LoggerConfig selects the level, encoding and destination of a logger
type LoggerConfig struct {
	Level  string
	Format string
	// File is appended to when set. Output takes precedence over File and
	// defaults to stderr.
	File   string
	Output io.Writer
}

// ParseLogLevel parses a string log level
func ParseLogLevel(level string) (zerolog.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "INFO", "":
		return zerolog.InfoLevel, nil
	case "WARN", "WARNING":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// NewLogger builds a zerolog logger from cfg. The returned closer releases
// the log file, if one was opened, and is never nil.
func NewLogger(cfg LoggerConfig) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLogLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}

	var closer io.Closer = nopCloser{}
	output := cfg.Output
	if output == nil {
		output = os.Stderr
		if cfg.File != "" {
			file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
			if err != nil {
				return zerolog.Nop(), nopCloser{}, fmt.Errorf("failed to open log file: %w", err)
			}
			output, closer = file, file
		}
	}

	switch strings.ToLower(cfg.Format) {
	case FormatJSON, "":
	case FormatText:
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339, NoColor: cfg.Output != nil || cfg.File != ""}
	default:
		_ = closer.Close()
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

// FormatBytes formats bytes as a human-readable string
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		return "-" + datasize.ByteSize(-bytes).HumanReadable()
	}
	return datasize.ByteSize(bytes).HumanReadable()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
