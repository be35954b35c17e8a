// Package logging builds the structured loggers used by the muxd server
// and client, and the rotating files they may write to.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Options select where and how log records are written.
type Options struct {
	// Level is debug, info, warn or error. Empty means info.
	Level string
	// Format is text or json. Empty means text.
	Format string
	// File, when set, receives the records instead of the fallback
	// writer. It rotates at MaxSize bytes.
	File    string
	MaxSize int64
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if name == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", name)
	}
	return level, nil
}

// New builds a logger from opts. Records go to opts.File if set,
// otherwise to fallback. The returned closer releases the file.
func New(opts Options, fallback io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	out := fallback
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		lw, err := NewLogWriter(opts.File)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		if opts.MaxSize > 0 {
			lw.SetMaxSize(opts.MaxSize)
		}
		out, closer = lw, lw
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		handler = slog.NewTextHandler(out, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		closer.Close()
		return nil, nil, fmt.Errorf("invalid log format %q", opts.Format)
	}
	return slog.New(handler), closer, nil
}

// Discard is a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
