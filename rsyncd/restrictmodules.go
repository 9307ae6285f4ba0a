package rsyncd

import (
	"fmt"
	"os"

	"github.com/gokrazy/rsync/internal/restrict"
)

// RestrictToModules confines the whole process to the configured module
// trees (plus the OS defaults name/DNS resolution needs) using the
// platform's file system sandboxing API, where one exists. Writable
// module roots are created first so the rule set can reference them.
//
// This is defense in depth layered outside the per-path lexical
// resolver: even a daemon bug that computed a path outside a module
// root could not open it. Call it once, after NewServer and before
// Serve; the restriction is irrevocable for the process lifetime,
// which is also why it is not part of Serve itself (test processes
// and embedders share their process with other code).
func (s *Server) RestrictToModules() error {
	var roDirs, rwDirs []string
	for _, mod := range s.modules {
		if mod.Writable {
			if err := os.MkdirAll(mod.Path, 0755); err != nil {
				return fmt.Errorf("MkdirAll(mod=%s): %v", mod.Name, err)
			}
			rwDirs = append(rwDirs, mod.Path)
		} else {
			roDirs = append(roDirs, mod.Path)
		}
	}
	return restrict.MaybeFileSystem(roDirs, rwDirs)
}
