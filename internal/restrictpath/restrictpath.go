// Package restrictpath implements the daemon's restricted path
// resolver: a purely lexical, stat-free sandbox that maps a
// client-supplied candidate path onto a module's root, guaranteeing the
// result is always either the root itself or a lexical descendant of
// it. It never touches the filesystem, and is therefore no substitute
// for OS-level sandboxing (see internal/restrict for that, which this
// package complements rather than replaces).
package restrictpath

import (
	"strings"

	"github.com/gokrazy/rsync/internal/rsyncerr"
)

// Module is an immutable, per-module resolver: name and root are fixed
// at construction (module load time) and shared read-only by every
// session.
type Module struct {
	Name string
	Root string // absolute, normalized
}

// New returns a Module rooted at root (which is itself cleaned, but
// trusted to be absolute — it comes from the module's own
// configuration, not client input).
func New(name, root string) *Module {
	return &Module{Name: name, Root: cleanAbs(root)}
}

// Resolved is the result of a successful Resolve: Path is always root
// or a descendant of it, and Dir reports whether the original input
// textually ended in "." (a directory-request marker; see
// the package doc and the dot-dir trailer decision below).
type Resolved struct {
	Path string
	Dir  bool
}

// Resolve maps candidate onto m's root. The candidate's first path
// segment must name the module; the remainder is normalized lexically
// and joined to the root, and any outcome other than "root or a
// descendant of root" fails.
func (m *Module) Resolve(candidate string) (Resolved, error) {
	if candidate == "" {
		return Resolved{}, rsyncerr.NewSecurityError("resolve", "empty candidate path")
	}
	if strings.IndexByte(candidate, 0) >= 0 {
		return Resolved{}, rsyncerr.NewSecurityError("resolve", "candidate path contains a NUL byte")
	}

	dirRequest := strings.HasSuffix(candidate, ".")

	// Parse against the protocol's "/" separator and
	// normalize lexically. Prefixing a virtual "/" before cleaning
	// makes path.Clean absorb any leading ".." at the point it would
	// escape the (virtual) top, so excess ".." never silently
	// reappears past this point. It instead surfaces as a changed
	// (or missing) first segment, caught by the module-name check
	// below.
	normalized := cleanAbs(candidate)

	// The first segment must equal the module name.
	rest := strings.TrimPrefix(normalized, "/")
	segments := strings.SplitN(rest, "/", 2)
	first := segments[0]
	if first != m.Name {
		return Resolved{}, rsyncerr.NewSecurityError("resolve", "outside virtual dir")
	}
	var remainder string
	if len(segments) == 2 {
		remainder = "/" + segments[1]
	}

	// Strip the module segment, append the remainder to root,
	// normalize again.
	final := cleanAbs(m.Root + remainder)

	// Reject any residual ".." segment. Construction above
	// should make this unreachable; the check is cheap enough to keep
	// as a hard stop rather than trust the normalization forever.
	for _, seg := range strings.Split(final, "/") {
		if seg == ".." {
			return Resolved{}, rsyncerr.NewSecurityError("resolve", "residual .. segment after resolution")
		}
	}
	if final != m.Root && !strings.HasPrefix(final, m.Root+"/") {
		return Resolved{}, rsyncerr.NewSecurityError("resolve", "resolved path escapes module root")
	}

	// Preserve the dot-dir trailer, including when the
	// resolved path is root itself (see the dot-dir trailer decision
	// in this module's design notes).
	return Resolved{Path: final, Dir: dirRequest}, nil
}

// cleanAbs lexically cleans p as if it were rooted at "/", without
// ever consulting the filesystem.
func cleanAbs(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return cleanSlash(p)
}

// cleanSlash is path.Clean restricted to "/"-separated input
// regardless of the host OS's native separator: candidate paths always
// arrive over the wire in POSIX form, so using path/filepath here would
// make resolution behave differently depending on the platform the
// daemon runs on.
func cleanSlash(p string) string {
	segments := strings.Split(p, "/")
	var out []string
	for _, seg := range segments {
		switch seg {
		case "", ".":
			// drop empty (double slash) and current-dir segments
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
			// a ".." with nothing to pop is absorbed silently: this
			// is the virtual-root clamp Resolve relies on.
		default:
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		return "/"
	}
	return "/" + strings.Join(out, "/")
}
