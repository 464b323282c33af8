// Package ringlog holds the process-wide zerolog logger.
package ringlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Zero is the shared logger. Replace it through UpdateZeroLogLevel or
// SetOutput; components read it on every call.
var Zero = NewZeroLogger(os.Stdout)

// NewZeroLogger returns a console logger writing to w at info level.
func NewZeroLogger(w io.Writer) *zerolog.Logger {
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Logger().Level(zerolog.InfoLevel)

	return &logger
}

// UpdateZeroLogLevel sets the level of Zero. Unknown names select info.
func UpdateZeroLogLevel(logLevel string) error {
	level := parseLevel(logLevel)
	zeroLogger := Zero.With().Logger().Level(level)
	Zero = &zeroLogger
	return nil
}

// SetOutput redirects Zero to w as JSON, keeping its level.
func SetOutput(w io.Writer) {
	zeroLogger := Zero.Output(w)
	Zero = &zeroLogger
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
