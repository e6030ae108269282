// Package logger configures the process-wide structured logger.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a config level name onto a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// Setup installs a JSON logger writing to w (stdout when nil) as the slog
// default. The returned LevelVar lets a config reload change verbosity
// without rebuilding the handler.
func Setup(level string, w io.Writer) (*slog.Logger, *slog.LevelVar, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	if w == nil {
		w = os.Stdout
	}

	var lv slog.LevelVar
	lv.Set(lvl)

	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     &lv,
		AddSource: lvl == slog.LevelDebug,
	}))
	slog.SetDefault(l)

	return l, &lv, nil
}
