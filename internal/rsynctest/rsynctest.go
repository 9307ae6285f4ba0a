// Package rsynctest provides helpers for tests that need a running
// rsync daemon, or that shell out to a system rsync binary to exercise
// wire compatibility.
package rsynctest

import (
	"context"
	"net"
	"os/exec"
	"testing"

	"github.com/gokrazy/rsync/internal/testlogger"
	"github.com/gokrazy/rsync/rsyncd"
)

// TestServer is an rsync daemon listening on an ephemeral localhost
// port for the duration of one test.
type TestServer struct {
	// Port is the TCP port the daemon accepts connections on.
	Port string
}

// InteropModule returns a single read-only module named "interop"
// rooted at path.
func InteropModule(path string) []rsyncd.Module {
	return []rsyncd.Module{
		{Name: "interop", Path: path},
	}
}

// WritableModule returns a single writable module named "interop"
// rooted at path.
func WritableModule(path string) []rsyncd.Module {
	return []rsyncd.Module{
		{Name: "interop", Path: path, Writable: true},
	}
}

// New starts an rsync daemon serving modules and returns once it
// accepts connections; the daemon is torn down when the test ends.
func New(t testing.TB, modules []rsyncd.Module, opts ...rsyncd.Option) *TestServer {
	t.Helper()

	opts = append(opts, rsyncd.WithStderr(testlogger.New(t)))
	srv, err := rsyncd.NewServer(modules, opts...)
	if err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = srv.Serve(ctx, ln)
	}()

	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return &TestServer{Port: port}
}

// AnyRsync returns the path to an rsync binary usable for interop tests,
// or skips the test if none is installed.
func AnyRsync(t testing.TB) string {
	t.Helper()
	path, err := exec.LookPath("rsync")
	if err != nil {
		t.Skip("rsync binary not found in $PATH, skipping interop test")
	}
	return path
}
