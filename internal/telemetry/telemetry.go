// Package telemetry provides the logging capability threaded through the
// encoder and decoder call graphs.
//
// Per the no-internal-globals rule the core lives under (picture planes and
// codec state are borrowed per call, not held in package state), a Logger
// is a value the caller constructs and passes in, never a package-level
// variable. A nil Logger is valid and discards everything.
package telemetry

import (
	"fmt"
	"io"
	"log/slog"
)

// Logger is the capability passed into encode/decode configuration. It is
// deliberately narrow: the core only needs leveled, unstructured-enough
// progress lines at pass boundaries, not a full structured-logging API.
type Logger struct {
	h *slog.Logger
}

// Discard is the zero-cost Logger used when the caller supplies none.
var Discard = Logger{}

// New wraps an slog.Logger writing to w at the given minimum level.
func New(w io.Writer, level slog.Level) Logger {
	if w == nil {
		return Discard
	}
	opts := &slog.HandlerOptions{Level: level}
	return Logger{h: slog.New(slog.NewTextHandler(w, opts))}
}

func (l Logger) valid() bool { return l.h != nil }

// Debugf logs a pass-boundary progress line (analyze/stat/encode/finalize,
// transform selection, chunk writes). No-op on the zero Logger.
func (l Logger) Debugf(format string, args ...any) {
	if !l.valid() {
		return
	}
	l.h.Debug(sprintf(format, args...))
}

// Warnf logs a recoverable anomaly (e.g. a demuxed chunk with a harmless
// size mismatch).
func (l Logger) Warnf(format string, args ...any) {
	if !l.valid() {
		return
	}
	l.h.Warn(sprintf(format, args...))
}

// Errorf logs a terminal failure before it is returned to the caller as an
// error value; it never replaces the returned error.
func (l Logger) Errorf(format string, args ...any) {
	if !l.valid() {
		return
	}
	l.h.Error(sprintf(format, args...))
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
