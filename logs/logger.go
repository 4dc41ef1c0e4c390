// Package logs builds the process logger.
package logs

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps a config level string to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// New builds a logger that writes a text stream to terminal and, when file
// is non-empty, a JSON copy to that file. The returned closer releases the
// file handle; it is a no-op when no file is configured.
func New(terminal io.Writer, level slog.Level, file string) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{Level: level}

	handlers := []slog.Handler{
		slog.NewTextHandler(terminal, opts),
	}
	closer := func() error { return nil }

	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
		closer = f.Close
	}

	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}
