// Package logging provides the JSON-lines structured logger with secret
// redaction, plus the rotating file writer behind it.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/nextlevelbuilder/clawd/internal/config"
)

// Setup builds the process logger from config. The returned closer flushes
// the file writer (nil when logging to stdout only).
func Setup(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	level := ParseLevel(cfg.Level)

	var writers []io.Writer
	var closer io.Closer
	if cfg.File != "" {
		rw, err := NewRotatingWriter(config.ExpandHome(cfg.File), cfg.Rotation.MaxSizeMb, cfg.Rotation.MaxDays)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, rw)
		closer = rw
	}
	if cfg.Stdout || len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	var out io.Writer = writers[0]
	if len(writers) > 1 {
		out = io.MultiWriter(writers...)
	}

	logger := slog.New(NewHandler(out, level))
	return logger, closer, nil
}
