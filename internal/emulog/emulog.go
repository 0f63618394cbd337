// Package emulog wraps charmbracelet/log to reproduce
// original_source/tu58drive.c's three-tier message taxonomy: info for
// routine/verbose output, error for recoverable faults, and fatal
// immediately before the process exits. Lines carry charmbracelet/log's
// own level labels (INFO, ERRO); the original's literal "info:" and
// "ERROR:" prefixes are not rendered, and a fatal message is an
// error-level line whose text starts with "FATAL: ". Daedaluz-
// goserial itself logs nothing; this taxonomy is grounded on the original
// C source's info()/error()/fatal() helpers, rendered through the
// structured logger the rest of the pack (doismellburning-samoyed's
// manifest) reaches for.
package emulog

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// Logger is a thin facade over *log.Logger: default level labels, no
// timestamp, info suppressed when quiet.
type Logger struct {
	l     *log.Logger
	quiet bool
}

// New builds a Logger writing to w (os.Stderr in production, any
// io.Writer in tests). quiet suppresses info-level output, matching the
// reference implementation's "background mode" (-b) behavior.
func New(w io.Writer, quiet bool) *Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: false,
		Formatter:       log.TextFormatter,
	})
	l.SetLevel(log.InfoLevel)
	return &Logger{l: l, quiet: quiet}
}

// Default builds a Logger on os.Stderr with quiet=false, the common case
// for cmd/tu58em.
func Default() *Logger {
	return New(os.Stderr, false)
}

// Info logs a routine message, suppressed entirely when the logger is
// quiet (background mode).
func (g *Logger) Info(msg string, kv ...any) {
	if g.quiet {
		return
	}
	g.l.Info(msg, kv...)
}

// Error logs a recoverable fault: a bad packet, a rejected command, a
// line hiccup the engine recovered from.
func (g *Logger) Error(msg string, kv ...any) {
	g.l.Error(msg, kv...)
}

// Fatal logs an unrecoverable startup or runtime fault. Callers are
// expected to follow it with os.Exit; Fatal does not exit itself, so
// tests can assert on the logged message without killing the test binary.
func (g *Logger) Fatal(msg string, kv ...any) {
	g.l.Error("FATAL: "+msg, kv...)
}

// SetVerbose raises the logger to debug level so Debug lines are shown;
// driven by the -d/--debug flag and the operator's D key.
func (g *Logger) SetVerbose(v bool) {
	if v {
		g.l.SetLevel(log.DebugLevel)
	} else {
		g.l.SetLevel(log.InfoLevel)
	}
}

// Debug logs a debug-level line, visible only once SetVerbose(true) has
// been called.
func (g *Logger) Debug(msg string, kv ...any) {
	g.l.Debug(msg, kv...)
}
