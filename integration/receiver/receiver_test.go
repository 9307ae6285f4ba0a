package receiver_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gokrazy/rsync/internal/receivermaincmd"
	"github.com/gokrazy/rsync/internal/rsynctest"
	"github.com/gokrazy/rsync/internal/testlogger"
	"github.com/gokrazy/rsync/rsyncd"
)

func run(t *testing.T, args ...string) {
	t.Helper()
	stderr := testlogger.New(t)
	argv := append([]string{"gokr-rsync"}, args...)
	if _, err := receivermaincmd.ClientMain(argv, os.Stdin, stderr, stderr); err != nil {
		t.Fatalf("%q: %v", argv, err)
	}
}

func writeFile(t *testing.T, path string, content []byte, perm os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		t.Fatal(err)
	}
}

func TestReceiver(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	dest := filepath.Join(tmp, "dest")

	writeFile(t, filepath.Join(source, "hello"), []byte("world"), 0o644)
	writeFile(t, filepath.Join(source, "sub", "nested"), []byte("deeper"), 0o644)
	writeFile(t, filepath.Join(source, "empty"), nil, 0o644)
	mtime, err := time.Parse(time.RFC3339, "2009-11-10T23:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	hello := filepath.Join(source, "hello")
	if err := os.Chtimes(hello, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("hello", filepath.Join(source, "hey")); err != nil {
		t.Fatal(err)
	}

	srv := rsynctest.New(t, rsynctest.InteropModule(source))

	run(t, "-r", "-l", "-t",
		"rsync://localhost:"+srv.Port+"/interop/",
		dest)

	for _, tt := range []struct {
		name string
		want []byte
	}{
		{"hello", []byte("world")},
		{"sub/nested", []byte("deeper")},
		{"empty", nil},
	} {
		got, err := os.ReadFile(filepath.Join(dest, tt.name))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}

	st, err := os.Lstat(filepath.Join(dest, "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := st.ModTime().UTC(), mtime; !got.Equal(want) {
		t.Errorf("hello mtime = %v, want %v", got, want)
	}

	target, err := os.Readlink(filepath.Join(dest, "hey"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := target, "hello"; got != want {
		t.Errorf("hey -> %q, want %q", got, want)
	}

	// Running the same transfer again must converge (and not fail on
	// the already-present destination files).
	run(t, "-r", "-l", "-t",
		"rsync://localhost:"+srv.Port+"/interop/",
		dest)
}

// TestReceiverDelta exercises the block-matching path: the destination
// already holds a basis file that differs from the source in a small
// contiguous range, so most of the transfer should resolve to match
// tokens and the result must still be byte-identical.
func TestReceiverDelta(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	dest := filepath.Join(tmp, "dest")

	content := bytes.Repeat([]byte("abcdefghijklmnopqrstuvwxyz"), 12*1024) // ~300 KB
	writeFile(t, filepath.Join(source, "big"), content, 0o644)

	basis := append([]byte(nil), content...)
	for i := 100000; i < 100100; i++ {
		basis[i] ^= 0xff
	}
	writeFile(t, filepath.Join(dest, "big"), basis, 0o644)

	srv := rsynctest.New(t, rsynctest.InteropModule(source))

	run(t, "-r",
		"rsync://localhost:"+srv.Port+"/interop/",
		dest)

	got, err := os.ReadFile(filepath.Join(dest, "big"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("big: reconstructed content differs from source")
	}
}

func TestReceiverDelete(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	dest := filepath.Join(tmp, "dest")

	writeFile(t, filepath.Join(source, "keep"), []byte("keep"), 0o644)
	writeFile(t, filepath.Join(dest, "keep"), []byte("stale"), 0o644)
	writeFile(t, filepath.Join(dest, "extra"), []byte("extra"), 0o644)

	srv := rsynctest.New(t, rsynctest.InteropModule(source))

	run(t, "-r", "--delete",
		"rsync://localhost:"+srv.Port+"/interop/",
		dest)

	if got, err := os.ReadFile(filepath.Join(dest, "keep")); err != nil || string(got) != "keep" {
		t.Errorf("keep: got %q, %v; want %q", got, err, "keep")
	}
	if _, err := os.Lstat(filepath.Join(dest, "extra")); !os.IsNotExist(err) {
		t.Errorf("extra still exists, want it deleted")
	}
}

// TestSenderPush pushes a local tree into a writable module, with the
// daemon configured to buffer files in memory until they verify.
func TestSenderPush(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	destRoot := filepath.Join(tmp, "destroot")

	writeFile(t, filepath.Join(source, "pushed"), []byte("payload"), 0o644)
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		t.Fatal(err)
	}

	srv := rsynctest.New(t, rsynctest.WritableModule(destRoot),
		rsyncd.WithDeferWrite())

	run(t, "-r",
		source+"/",
		"rsync://localhost:"+srv.Port+"/interop/")

	got, err := os.ReadFile(filepath.Join(destRoot, "pushed"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Errorf("pushed: got %q, want %q", got, "payload")
	}
}

func TestDryRun(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	dest := filepath.Join(tmp, "dest")

	writeFile(t, filepath.Join(source, "hello"), []byte("world"), 0o644)

	srv := rsynctest.New(t, rsynctest.InteropModule(source))

	run(t, "-r", "-n",
		"rsync://localhost:"+srv.Port+"/interop/",
		dest)

	if _, err := os.Lstat(filepath.Join(dest, "hello")); !os.IsNotExist(err) {
		t.Errorf("dry run materialized %s", filepath.Join(dest, "hello"))
	}
}
