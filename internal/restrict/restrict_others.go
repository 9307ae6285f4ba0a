//go:build !linux

package restrict

// MaybeFileSystem is a no-op on platforms without a Landlock-style
// file system sandboxing API.
func MaybeFileSystem(roDirs []string, rwDirs []string) error { return nil }
