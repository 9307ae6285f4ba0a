// Package version holds the build-time version string, overridden via
// -ldflags "-X github.com/gokrazy/rsync/internal/version.Version=...".
package version

var Version = "devel"

// Read returns a human-readable one-line identification string, used in
// --version output and daemon help text.
func Read() string {
	return "gokr-rsync " + Version + " (a native Go rsync implementation)"
}
