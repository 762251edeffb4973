package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	charmlog "github.com/charmbracelet/log"
	slogmulti "github.com/samber/slog-multi"
)

var ErrLogLevel = fmt.Errorf("invalid log level")

// Options configures 'Setup'.
type Options struct {
	// Level is one of debug, info, warn or error. Empty means info.
	Level string
	// Console receives human-readable logs. Nil means stderr.
	Console io.Writer
	// File, when set, additionally receives every record as JSON, at debug
	// level regardless of 'Level'.
	File string
}

// ParseLevel maps a level name onto its slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: %q (expected one of: debug, info, warn, error)", ErrLogLevel, s)
}

// Setup builds the process logger and stores it on the returned context. The
// returned func closes the log file, if any.
func Setup(ctx context.Context, opts Options) (context.Context, func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return ctx, nil, err
	}
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	handlers := []slog.Handler{
		charmlog.NewWithOptions(console, charmlog.Options{
			Level:           charmlog.Level(level),
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
		}),
	}
	closer := func() error { return nil }

	if opts.File != "" {
		if dir := filepath.Dir(opts.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return ctx, nil, fmt.Errorf("creating log directory: %w", err)
			}
		}
		f, err := os.OpenFile(opts.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return ctx, nil, fmt.Errorf("opening log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{
			AddSource: true,
			Level:     slog.LevelDebug,
		}))
		closer = f.Close
	}

	logger := clog.New(slogmulti.Fanout(handlers...))
	ctx = clog.WithLogger(ctx, logger)
	slog.SetDefault(&logger.Logger)
	return ctx, closer, nil
}
