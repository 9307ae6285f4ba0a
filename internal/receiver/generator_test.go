package receiver

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBlockLength(t *testing.T) {
	for _, tt := range []struct {
		size int64
		want int32
	}{
		{0, minBlockLength},
		{1, minBlockLength},
		{minBlockLength * minBlockLength, minBlockLength},
		{1 << 34, maxBlockLength},
	} {
		if got := blockLength(tt.size); got != tt.want {
			t.Errorf("blockLength(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}

	// In between, the block length scales with the square root, stays a
	// multiple of 8, and never leaves its bounds.
	for _, size := range []int64{1 << 20, 1 << 24, 1 << 28} {
		got := blockLength(size)
		if got%8 != 0 {
			t.Errorf("blockLength(%d) = %d, want a multiple of 8", size, got)
		}
		if got < minBlockLength || got > maxBlockLength {
			t.Errorf("blockLength(%d) = %d, out of bounds", size, got)
		}
	}
}

func TestDeferredFileMaterializesOnlyOnSuccess(t *testing.T) {
	tmp := t.TempDir()
	target := filepath.Join(tmp, "out")

	d := &deferredFile{path: target, mode: 0o644}
	if _, err := d.Write([]byte("partial")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Lstat(target); !os.IsNotExist(err) {
		t.Fatal("deferred file touched the filesystem before completion")
	}
	if err := d.Cleanup(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Lstat(target); !os.IsNotExist(err) {
		t.Fatal("cleanup materialized the file")
	}

	d = &deferredFile{path: target, mode: 0o644}
	if _, err := d.Write([]byte("complete")); err != nil {
		t.Fatal(err)
	}
	if err := d.CloseAtomicallyReplace(); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "complete" {
		t.Errorf("got %q, want %q", got, "complete")
	}
}
