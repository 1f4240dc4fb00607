package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Log formats accepted by NewLogger.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ParseLevel maps debug|info|warn|error to an slog level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid log level %q", level).WithCause(err)
	}
	return l, nil
}

// NewLogger builds a correlation-aware logger writing to w. The text format
// uses tint and is colourised only when w is a terminal.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var inner slog.Handler
	switch format {
	case FormatJSON:
		inner = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	case FormatText, "":
		inner = tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.RFC3339,
			NoColor:    !isTerminal(w),
		})
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid log format %q (want text or json)", format)
	}
	return slog.New(NewCorrelationHandler(inner)), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
