package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

// Format selects the output encoding.
type Format string

const (
	// FormatJSON writes one JSON object per line, for log shippers.
	FormatJSON Format = "json"
	// FormatText writes logfmt key=value lines.
	FormatText Format = "text"
	// FormatConsole writes colorized logfmt for humans, color is dropped when the writer is not a terminal.
	FormatConsole Format = "console"
)

type Options struct {
	App             string
	Version         string
	Level           slog.Level
	StacktraceLevel slog.Level
	Format          Format
	// NoColor forces plain console output even on a terminal
	NoColor bool
	// ErrorLinks is the max depth of error_links on Error records, 0 disables them
	ErrorLinks int
	Writer     io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %s (valid levels are debug|info|warn|error)", s)
	}
}

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatText, FormatConsole:
		return f, nil
	default:
		return "", fmt.Errorf("unknown log format %s (valid formats are json|text|console)", s)
	}
}
