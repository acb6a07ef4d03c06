package telemetry

import (
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotatingFileOptions configures a size/age-rotated log sink, for long
// unattended batch-encode runs (cmd/gwebp's -log flag).
type RotatingFileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Level      slog.Level
}

// NewRotatingFile builds a Logger backed by a lumberjack-managed file,
// rolling over by size the way ausocean-av's capture pipeline rotates its
// own device logs.
func NewRotatingFile(opts RotatingFileOptions) Logger {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = 7
	}
	sink := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}
	return New(sink, opts.Level)
}
