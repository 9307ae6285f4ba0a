package receiver

import (
	"bytes"
	"io"
	"os"

	"github.com/google/renameio/v2"
)

// pendingFile is an output file whose content only becomes visible at
// the destination path once CloseAtomicallyReplace is called; Cleanup
// discards it instead.
type pendingFile interface {
	io.Writer
	CloseAtomicallyReplace() error
	Cleanup() error
}

// newPendingFile returns the materialization strategy the transfer is
// configured for: by default a unique temporary file in the target
// directory that is renamed over the destination, or, in deferred-write
// mode, an in-memory buffer that only touches the filesystem after the
// file's content has been verified. Deferred writes trade memory
// proportional to the file size for never leaving a temporary file
// behind, which matters on near-full or flash-backed destinations.
func (rt *Transfer) newPendingFile(local string, mode os.FileMode) (pendingFile, error) {
	if rt.Opts.DeferWrite {
		return &deferredFile{path: local, mode: mode}, nil
	}
	return renameio.NewPendingFile(local, renameio.WithPermissions(mode.Perm()))
}

type deferredFile struct {
	path string
	mode os.FileMode
	buf  bytes.Buffer
}

func (d *deferredFile) Write(p []byte) (int, error) { return d.buf.Write(p) }

func (d *deferredFile) CloseAtomicallyReplace() error {
	return renameio.WriteFile(d.path, d.buf.Bytes(), d.mode.Perm())
}

func (d *deferredFile) Cleanup() error {
	d.buf.Reset()
	return nil
}
