// Package applog builds the root zerolog.Logger shared by every role of the
// embedcached binary (supervisor, dcp, worker).
package applog

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Format selects the zerolog writer.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// New builds a root logger for component, writing in format at the given
// level name (one of debug, info, warning, error, critical).
func New(component string, format Format, levelName string) zerolog.Logger {
	var w io.Writer = os.Stderr

	if format == FormatConsole {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	return zerolog.New(w).With().
		Str("component", component).
		Timestamp().
		Logger().
		Level(parseLevel(levelName))
}

// parseLevel maps the CLI's log-level vocabulary onto zerolog's, whose
// names don't quite line up ("warning" vs "warn", no "critical").
func parseLevel(name string) zerolog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warning", "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "critical", "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
