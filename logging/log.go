package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultFile is the log file used when no path is configured.
var DefaultFile = filepath.Join(os.TempDir(), "understand-lsp-log.txt")

// Logger is the global logger instance. It discards output until Init is called.
var Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

type Options struct {
	// Path to the log file. Empty uses DefaultFile, "-" writes to stderr.
	Path  string
	Level string
}

// Init points the global logger at a file (or stderr) and returns a closer for it.
func Init(opts Options) (io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var w io.WriteCloser
	switch opts.Path {
	case "-":
		w = nopCloser{os.Stderr}
	case "":
		opts.Path = DefaultFile
		fallthrough
	default:
		// Open the log file. Create it if it doesn't exist.
		f, err := os.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
	}

	SetOutput(w, level)
	return w, nil
}

// SetOutput replaces the global logger with one writing text records to w.
func SetOutput(w io.Writer, level slog.Level) {
	Logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
