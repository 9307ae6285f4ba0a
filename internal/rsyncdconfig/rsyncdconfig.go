// Package rsyncdconfig parses the daemon configuration file as a TOML
// document: each `[[module]]` table maps to an rsyncd.Module, each
// `[[listener]]` table to one transport the daemon accepts connections
// on.
package rsyncdconfig

import (
	"fmt"
	"os"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/gokrazy/rsync/rsyncd"
	"github.com/pelletier/go-toml/v2"
)

// AuthorizedSSH configures an SSH listener that only accepts
// connections authenticated against authorized_keys, as opposed to the
// anonymous SSH transport (AnonSSH).
type AuthorizedSSH struct {
	Address        string `toml:"address"`
	AuthorizedKeys string `toml:"authorized_keys"`
}

// Listener describes one way the daemon accepts connections. Precisely
// one of Rsyncd, AnonSSH, or AuthorizedSSH.Address must be set.
type Listener struct {
	Rsyncd        string        `toml:"rsyncd"`
	AnonSSH       string        `toml:"anonssh"`
	AuthorizedSSH AuthorizedSSH `toml:"authorized_ssh"`
}

// Config is the top-level decoded configuration file.
type Config struct {
	Listeners []Listener `toml:"listener"`
	Modules   []rsyncd.Module

	// DontNamespace is decoded from the dont_namespace key and carried
	// here; no code in this module reads it, so setting it changes
	// nothing about how connections are accepted.
	DontNamespace bool `toml:"dont_namespace"`
}

type rawConfig struct {
	Listener []Listener     `toml:"listener"`
	Module   []rawModule    `toml:"module"`
	DontNamespace bool      `toml:"dont_namespace"`
}

// rawModule carries the per-module config keys ("path", "comment",
// "is_readable", "is_writable") ahead of translation into
// rsyncd.Module, whose Writable field folds is_readable/is_writable
// into one bool: a module is either writable or strictly read-only,
// and a module that is neither readable nor writable is a
// configuration mistake.
type rawModule struct {
	Name        string   `toml:"name"`
	Path        string   `toml:"path"`
	Comment     string   `toml:"comment"`
	IsReadable  *bool    `toml:"is_readable"`
	IsWritable  bool     `toml:"is_writable"`
	ACL         []string `toml:"acl"`
	AuthUsers   []string `toml:"auth_users"`
	Secret      string   `toml:"secret"`
}

// DefaultPaths is consulted, in order, by FromDefaultFiles.
var DefaultPaths = []string{
	"/etc/gokr-rsyncd.toml",
	"/etc/rsyncd.toml",
}

// FromDefaultFiles tries each of DefaultPaths in turn, returning the
// first one found (and its path). If none exist, it returns the first
// path's os.IsNotExist error, matching the caller's "no config found"
// detection in internal/maincmd.
func FromDefaultFiles() (*Config, string, error) {
	var firstErr error
	for _, path := range DefaultPaths {
		cfg, err := FromFile(path)
		if err == nil {
			return cfg, path, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, "", firstErr
}

// FromFile reads and parses the config file at path.
func FromFile(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(contents)
}

// parse joins backslash-continued lines ahead of handing the result to
// the TOML decoder, so multi-line ACL/auth_users lists can be authored
// the same way the line-oriented upstream rsyncd.conf allows.
func parse(contents []byte) (*Config, error) {
	joined := joinContinuations(string(contents))

	var raw rawConfig
	if err := toml.Unmarshal([]byte(joined), &raw); err != nil {
		return nil, fmt.Errorf("parsing config: %v", err)
	}

	cfg := &Config{
		Listeners:     raw.Listener,
		DontNamespace: raw.DontNamespace,
	}
	for _, m := range raw.Module {
		if m.Name == "" {
			return nil, fmt.Errorf("module with empty name")
		}
		if m.Path == "" {
			return nil, fmt.Errorf("module %q: path is required", m.Name)
		}
		readable := true
		if m.IsReadable != nil {
			readable = *m.IsReadable
		}
		if !readable && !m.IsWritable {
			return nil, fmt.Errorf("module %q: is_readable=no and is_writable=no leaves the module unusable", m.Name)
		}
		if m.IsWritable {
			// Touching the filesystem (unlike the stat-free path
			// resolver) is expected at config-load time: writable
			// modules need their root to exist before the first
			// session arrives.
			root, err := securejoin.SecureJoin(m.Path, ".")
			if err != nil {
				return nil, fmt.Errorf("module %q: resolving path: %v", m.Name, err)
			}
			if err := os.MkdirAll(root, 0o755); err != nil {
				return nil, fmt.Errorf("module %q: creating root: %v", m.Name, err)
			}
		}
		cfg.Modules = append(cfg.Modules, rsyncd.Module{
			Name:      m.Name,
			Path:      m.Path,
			Comment:   m.Comment,
			ACL:       m.ACL,
			Writable:  m.IsWritable,
			AuthUsers: m.AuthUsers,
			Secret:    m.Secret,
		})
	}
	return cfg, nil
}

func joinContinuations(contents string) string {
	lines := strings.Split(contents, "\n")
	var out []string
	var pending string
	for _, line := range lines {
		if pending != "" {
			line = pending + line
			pending = ""
		}
		if strings.HasSuffix(line, `\`) {
			pending = strings.TrimSuffix(line, `\`)
			continue
		}
		out = append(out, line)
	}
	if pending != "" {
		out = append(out, pending)
	}
	return strings.Join(out, "\n")
}
