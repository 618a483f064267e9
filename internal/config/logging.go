package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
)

// LogOptions controls SetupLogger.
type LogOptions struct {
	File  string
	Level slog.Level

	// Stderr receives the text output; nil means os.Stderr.
	Stderr io.Writer

	// Quiet drops the stderr handler, e.g. while a TUI owns the terminal.
	Quiet bool
}

// SetupLogger creates a dual-output logger: text to stderr, JSON to file.
// Returns the logger and a cleanup function to close the file.
func SetupLogger(opts LogOptions) (*slog.Logger, func() error) {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	if opts.Quiet {
		stderr = io.Discard
	}
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: opts.Level})

	if opts.File == "" {
		return slog.New(stderrHandler), func() error { return nil }
	}

	_ = os.MkdirAll(filepath.Dir(opts.File), 0o755)
	file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// Fall back to stderr-only if file fails
		logger := slog.New(stderrHandler)
		logger.Error("failed to open log file, using stderr only", "error", err, "file", opts.File)
		return logger, func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: opts.Level})
	logger := slog.New(slogmulti.Fanout(stderrHandler, fileHandler))

	return logger, file.Close
}

// SetupLoggerWithWriters creates a logger with custom writers (for testing).
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
}
