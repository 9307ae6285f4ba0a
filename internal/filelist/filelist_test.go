package filelist

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/gokrazy/rsync/internal/rsyncwire"
)

func roundTrip(t *testing.T, entries []Entry) []Entry {
	t.Helper()
	var buf bytes.Buffer
	_, _, cw := rsyncwire.NewConn(nil, &buf)
	wc := &rsyncwire.Conn{Writer: cw}
	if err := Encode(wc, entries); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := cw.Flush(); err != nil {
		t.Fatal(err)
	}
	cr, _ := rsyncwire.CounterPair(&buf, &bytes.Buffer{})
	rc := &rsyncwire.Conn{Reader: bufio.NewReader(cr)}
	got, err := Decode(rc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return got
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	entries := []Entry{
		{Name: ".", Mode: 0040755, Uid: 0, Gid: 0, ModTime: 1000},
		{Name: "a.txt", Size: 42, Mode: 0100644, Uid: 0, Gid: 0, ModTime: 1000},
		{Name: "ab.txt", Size: 7, Mode: 0100644, Uid: 1, Gid: 0, ModTime: 1000},
		{Name: "sub", Mode: 0040755, Uid: 0, Gid: 0, ModTime: 2000},
		{Name: "sub/deep.txt", Size: 0, Mode: 0100644, Uid: 0, Gid: 2, ModTime: 2000},
	}
	got := roundTrip(t, entries)
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		if got[i].Name != e.Name {
			t.Errorf("entry %d: name = %q, want %q", i, got[i].Name, e.Name)
		}
		if got[i].Size != e.Size {
			t.Errorf("entry %d (%s): size = %d, want %d", i, e.Name, got[i].Size, e.Size)
		}
		if got[i].Mode != e.Mode {
			t.Errorf("entry %d (%s): mode = %o, want %o", i, e.Name, got[i].Mode, e.Mode)
		}
	}
}

func TestEncodeDecodeLargeSizeAndLongName(t *testing.T) {
	longName := ""
	for i := 0; i < 40; i++ {
		longName += "0123456789"
	}
	entries := []Entry{
		{Name: longName, Size: 1 << 40, Mode: 0100644},
	}
	got := roundTrip(t, entries)
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1", len(got))
	}
	if got[0].Name != longName {
		t.Errorf("name mismatch for long name")
	}
	if got[0].Size != 1<<40 {
		t.Errorf("size = %d, want %d", got[0].Size, int64(1)<<40)
	}
}

func TestNameOrderingHighUTF8Bytes(t *testing.T) {
	// A name containing high UTF-8 bytes sorts after its ASCII-only
	// prefix under pure byte-wise comparison.
	names := []string{"Tu", "T\xc3\xbc"}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	if sorted[0] != "Tu" || sorted[1] != "T\xc3\xbc" {
		t.Errorf("byte-wise sort = %q, want [Tu T\\xc3\\xbc] order", sorted)
	}
}

func TestEmptyListTerminator(t *testing.T) {
	got := roundTrip(t, nil)
	if len(got) != 0 {
		t.Errorf("got %d entries for empty list, want 0", len(got))
	}
}

func TestWalkDirectorySortsLikeItsChildren(t *testing.T) {
	dir := t.TempDir()
	// "a-b" (0x2d) sorts before the children of directory "a" ("a/…",
	// 0x2f), and "a0" (0x30) after them; a naive per-directory name
	// sort would emit a's children before "a-b".
	if err := os.Mkdir(filepath.Join(dir, "a"), 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a/x", "a-b", "a0"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := Walk(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	want := []string{".", "a-b", "a", "a/x", "a0"}
	if len(names) != len(want) {
		t.Fatalf("names = %q, want %q", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %q, want %q", names, want)
		}
	}
}

func TestWalkRootEntryFirst(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.txt", "a.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	entries, err := Walk(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 || entries[0].Name != "." {
		t.Fatalf("entries[0].Name = %q, want \".\" (the root entry sorts strictly before every other entry)", entries[0].Name)
	}
	for _, e := range entries[1:] {
		if e.Name == "." {
			t.Errorf("unexpected second %q entry", ".")
		}
	}
}
