// Package log defines the logging seam the rest of this module depends
// on, so that server construction can plug in whatever sink the caller
// wants; the sink itself is the caller's business.
package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the minimal interface this module's components use. It is
// satisfied by *logrusLogger (New) as well as by any caller-provided
// adapter.
type Logger interface {
	Printf(format string, args ...any)
}

// FieldLogger additionally exposes structured fields, attached as
// logrus fields to the lines it writes. The session driver logs through
// plain Printf and attaches no fields.
type FieldLogger interface {
	Logger
	WithFields(fields map[string]any) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New returns a Logger backed by logrus, writing text-formatted lines to
// w.
func New(w io.Writer) FieldLogger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Printf(format string, args ...any) {
	l.entry.Printf(format, args...)
}

func (l *logrusLogger) WithFields(fields map[string]any) Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// global is the ad-hoc package-level logger some call sites still use.
// New code should take a Logger parameter instead; this exists only for
// straggler call sites deep in option parsing that predate per-instance
// loggers.
var global Logger = New(io.Discard)

// SetLogger replaces the global logger.
func SetLogger(l Logger) { global = l }

// Printf logs via the global logger.
func Printf(format string, args ...any) { global.Printf(format, args...) }
