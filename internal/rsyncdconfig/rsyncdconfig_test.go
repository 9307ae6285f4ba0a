package rsyncdconfig

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestParseModulesAndListeners(t *testing.T) {
	tmp := t.TempDir()
	cfg, err := parse([]byte(`
[[listener]]
rsyncd = "localhost:873"

[[module]]
name = "x"
path = "` + filepath.Join(tmp, "x") + `"
is_writable = true

[[module]]
name = "docs"
path = "/srv/docs"
comment = "documentation"
`))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Rsyncd != "localhost:873" {
		t.Errorf("listeners = %+v", cfg.Listeners)
	}
	if len(cfg.Modules) != 2 {
		t.Fatalf("got %d modules, want 2", len(cfg.Modules))
	}
	if !cfg.Modules[0].Writable {
		t.Error("module x: want writable")
	}
	if cfg.Modules[1].Writable {
		t.Error("module docs: want read-only")
	}
	if got, want := cfg.Modules[1].Comment, "documentation"; got != want {
		t.Errorf("comment = %q, want %q", got, want)
	}
}

func TestParseLineContinuation(t *testing.T) {
	cfg, err := parse([]byte(`[[module]]
name = "x"
path = \
"/srv/x"
`))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Modules) != 1 || cfg.Modules[0].Path != "/srv/x" {
		t.Errorf("modules = %+v, want path /srv/x", cfg.Modules)
	}
}

func TestParseRejectsUnusableModule(t *testing.T) {
	_, err := parse([]byte(`[[module]]
name = "x"
path = "/srv/x"
is_readable = false
is_writable = false
`))
	if err == nil || !strings.Contains(err.Error(), "unusable") {
		t.Errorf("err = %v, want unusable-module error", err)
	}
}

func TestParseRequiresPath(t *testing.T) {
	_, err := parse([]byte(`[[module]]
name = "x"
`))
	if err == nil {
		t.Error("module without path accepted, want error")
	}
}

func TestParseRequiresName(t *testing.T) {
	_, err := parse([]byte(`[[module]]
path = "/srv/x"
`))
	if err == nil {
		t.Error("module without name accepted, want error")
	}
}
