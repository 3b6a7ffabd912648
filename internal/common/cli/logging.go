// Package cli provides utility functions for the command line interface of the services.
package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/unipago/affiliate-exchange/internal/common/constants"
)

// Level returns the log level selected by a count of verbose flags:
// warnings and above without flags, INFO with -v and DEBUG from -vv.
func Level(verbose int) slog.Level {
	switch {
	case verbose <= 0:
		return constants.DefaultLogLevel
	case verbose == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// NewLogger returns a logger writing to w at the level selected by verbose.
//
// Records are tagged with the service name and, at DEBUG, with their source location.
func NewLogger(w io.Writer, verbose int, jsonLogs bool) *slog.Logger {
	level := Level(verbose)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}

	var h slog.Handler = slog.NewTextHandler(w, opts)
	if jsonLogs {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", constants.ExchangeServiceCmdName)
}

// SetSlog replaces the default logger with one writing to stderr.
// Stdout is left to command output, such as the stats and history reports.
func SetSlog(verbose int, jsonLogs bool) {
	slog.SetDefault(NewLogger(os.Stderr, verbose, jsonLogs))
}
