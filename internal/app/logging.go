package app

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plughost/internal/config"
)

// LoggerName is the root logger name. Components log through named
// sub-loggers.
const LoggerName = "plughost"

// ParseLevel converts a configured level name. Unknown names fall back to
// info.
func ParseLevel(s string) hclog.Level {
	level := hclog.LevelFromString(strings.ToLower(s))
	if level == hclog.NoLevel {
		return hclog.Info
	}
	return level
}

// NewLogger creates the root logger. When cfg.File is set, output goes to
// that file instead of out, and the returned closer closes it; otherwise
// the closer does nothing.
func NewLogger(cfg config.LogConfig, out io.Writer) (hclog.Logger, io.Closer, error) {
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}
	if out == nil {
		out = os.Stderr
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       LoggerName,
		Level:      ParseLevel(cfg.Level),
		Output:     out,
		JSONFormat: cfg.JSON,
	})
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
