package restrictpath

import (
	"testing"

	"github.com/gokrazy/rsync/internal/rsyncerr"
)

func mustSecurityError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected SecurityError, got nil")
	}
	if _, ok := err.(*rsyncerr.SecurityError); !ok {
		t.Fatalf("expected *rsyncerr.SecurityError, got %T: %v", err, err)
	}
}

func TestResolveModuleRootItself(t *testing.T) {
	m := New("data", "/srv/data")
	got, err := m.Resolve("data")
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != "/srv/data" {
		t.Errorf("got %q, want /srv/data", got.Path)
	}
}

func TestResolveNormalizesDotSegments(t *testing.T) {
	m := New("data", "/srv/data")
	got, err := m.Resolve("data/./sub/../x")
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != "/srv/data/x" {
		t.Errorf("got %q, want /srv/data/x", got.Path)
	}
}

func TestResolveRejectsParentEscape(t *testing.T) {
	m := New("data", "/srv/data")
	_, err := m.Resolve("data/../etc/passwd")
	mustSecurityError(t, err)
}

func TestResolveRejectsModuleNamePrefixCollision(t *testing.T) {
	m := New("data", "/srv/data")
	_, err := m.Resolve("data2/x")
	mustSecurityError(t, err)
}

func TestAdversarialInputsRejected(t *testing.T) {
	m := New("data", "/srv/data")

	cases := []string{
		"../",
		"../../../etc/passwd",
		"/etc/passwd", // absolute input still has to start with "data"
	}
	for _, c := range cases {
		if _, err := m.Resolve(c); err == nil {
			t.Errorf("Resolve(%q): expected error, got none", c)
		}
	}
}

func TestPercentEncodedAndUnicodeDotsAreLiteral(t *testing.T) {
	// Neither percent-encoding nor a Unicode fullwidth full stop is ever
	// decoded or normalized: both are just ordinary path segment bytes,
	// not a traversal attempt, so resolution succeeds.
	m := New("data", "/srv/data")

	got, err := m.Resolve("data/%2e%2e/x")
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != "/srv/data/%2e%2e/x" {
		t.Errorf("got %q, want literal %%2e%%2e preserved as a path segment", got.Path)
	}

	fullwidthDots := "data/" + string(rune(0xFF0E)) + string(rune(0xFF0E)) + "/x"
	got2, err := m.Resolve(fullwidthDots)
	if err != nil {
		t.Fatal(err)
	}
	wantSuffix := string(rune(0xFF0E)) + string(rune(0xFF0E))
	if got2.Path != "/srv/data/"+wantSuffix+"/x" {
		t.Errorf("got %q, want fullwidth dots preserved literally", got2.Path)
	}
}

func TestPrefixNameCollision(t *testing.T) {
	m := New("data", "/srv/data")
	_, err := m.Resolve("data2/x")
	mustSecurityError(t, err)
	_, err = m.Resolve("dat/x")
	mustSecurityError(t, err)
}

func TestIdempotency(t *testing.T) {
	m := New("data", "/srv/data")
	first, err := m.Resolve("data/./sub/../x")
	if err != nil {
		t.Fatal(err)
	}
	// Re-resolving the already-resolved path through a module rooted at
	// itself must be a no-op: resolve(resolve(x)) reaches the same leaf.
	m2 := New("data", first.Path)
	second, err := m2.Resolve("data")
	if err != nil {
		t.Fatal(err)
	}
	if second.Path != first.Path {
		t.Errorf("idempotency: got %q, want %q", second.Path, first.Path)
	}
}

func TestDotDirTrailer(t *testing.T) {
	m := New("data", "/srv/data")

	got, err := m.Resolve("data/.")
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != "/srv/data" {
		t.Errorf("got %q, want /srv/data", got.Path)
	}
	if !got.Dir {
		t.Error("expected Dir=true when input textually ends in '.', even resolving to root")
	}

	got2, err := m.Resolve("data")
	if err != nil {
		t.Fatal(err)
	}
	if got2.Dir {
		t.Error("expected Dir=false when input does not end in '.'")
	}

	got3, err := m.Resolve("data/sub/.")
	if err != nil {
		t.Fatal(err)
	}
	if got3.Path != "/srv/data/sub" || !got3.Dir {
		t.Errorf("got %+v, want Path=/srv/data/sub Dir=true", got3)
	}
}

func TestInvariantPrefixOrSecurityError(t *testing.T) {
	m := New("data", "/srv/data")
	inputs := []string{
		"data", "data/x", "data/../x", "data/./x", "data/../../x",
		"other/x", "data/../data/x", "data/x/../../..",
	}
	for _, in := range inputs {
		got, err := m.Resolve(in)
		if err != nil {
			if _, ok := err.(*rsyncerr.SecurityError); !ok {
				t.Errorf("Resolve(%q): non-SecurityError failure: %v", in, err)
			}
			continue
		}
		if got.Path != m.Root && len(got.Path) <= len(m.Root) {
			t.Errorf("Resolve(%q) = %q: neither root nor a longer descendant", in, got.Path)
		}
	}
}
