// Package testlogger adapts testing.T/B into an io.Writer, so server and
// client code that logs to an io.Writer can have its output folded into
// `go test -v` output instead of going to the real stderr.
package testlogger

import (
	"strings"
	"testing"
)

type T interface {
	Helper()
	Logf(format string, args ...any)
}

type writer struct {
	t T
}

func (w *writer) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Logf("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// New returns an io.Writer that forwards each write to t.Logf.
func New(t testing.TB) *writer {
	return &writer{t: t}
}
