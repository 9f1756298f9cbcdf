package cryptofs

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// NewLogger builds a slog.Logger from logging properties. Output is
// "stderr", "stdout" or a file path opened for appending.
func NewLogger(p LoggingProperties) (*slog.Logger, error) {
	var level slog.Level
	if p.Level != "" {
		if err := level.UnmarshalText([]byte(p.Level)); err != nil {
			return nil, NewValidationError("logging.level", p.Level, err.Error())
		}
	} else {
		level = slog.LevelError
	}

	var w io.Writer
	switch p.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(p.Output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		w = f
	}

	opts := &slog.HandlerOptions{Level: level}
	switch p.Format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, NewValidationError("logging.format", p.Format, "must be text or json")
	}
}

// defaultLogger reports errors only, on stderr
func defaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
