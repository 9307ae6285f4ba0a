package receiver

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gokrazy/rsync/internal/filelist"
	"github.com/gokrazy/rsync/internal/log"
	"github.com/gokrazy/rsync/internal/rsyncos"
	"github.com/gokrazy/rsync/internal/rsyncwire"
)

// File is a file-list entry as decoded off the wire.
type File = filelist.Entry

// TransferOpts mirrors the subset of rsyncopts.Options the receiver
// cares about, as plain fields rather than accessor methods: unlike
// Options (which is shared, long-lived CLI state), a TransferOpts is
// built fresh per session from whatever the negotiated options were.
type TransferOpts struct {
	Verbose bool
	DryRun  bool
	Server  bool

	// DeferWrite keeps each reconstructed file in memory until its
	// digest has verified, instead of streaming into a temporary file
	// in the target directory.
	DeferWrite bool

	DeleteMode        bool
	PreserveUid       bool
	PreserveGid       bool
	PreserveLinks     bool
	PreservePerms     bool
	PreserveDevices   bool
	PreserveSpecials  bool
	PreserveTimes     bool
	PreserveHardlinks bool
}

// DestRoot resolves file-list names against an already-validated
// destination directory (the module path or the local command-line
// destination, both resolved before a Transfer is constructed — see
// internal/restrictpath for the resolution step itself).
type DestRoot struct {
	Base string
}

func (d *DestRoot) path(name string) string { return filepath.Join(d.Base, name) }

func (d *DestRoot) Open(name string) (*os.File, error) { return os.Open(d.path(name)) }

func (d *DestRoot) Lstat(name string) (os.FileInfo, error) { return os.Lstat(d.path(name)) }

// Transfer holds the state of one in-progress receive side of a
// session. It exclusively owns its end of the channel and the file
// list for the session's lifetime; the destination directory is only
// referenced.
type Transfer struct {
	Logger log.Logger
	Opts   *TransferOpts

	Dest     string
	DestRoot *DestRoot
	Env      rsyncos.Std

	Conn *rsyncwire.Conn
	Seed int32

	IOErrors int
}

// ReceiveFileList reads the file list a sender transmits ahead of the
// delta stream.
func (rt *Transfer) ReceiveFileList() ([]*File, error) {
	entries, err := filelist.Decode(rt.Conn)
	if err != nil {
		return nil, err
	}
	files := make([]*File, len(entries))
	for i := range entries {
		files[i] = &entries[i]
	}
	if rt.DestRoot == nil {
		rt.DestRoot = &DestRoot{Base: rt.Dest}
	}
	return files, nil
}

func findInFileList(fileList []*File, name string) bool {
	for _, f := range fileList {
		if f.Name == name {
			return true
		}
	}
	return false
}

// setPerms applies the mode/time metadata the sender reported, once a
// file's data has landed.
func (rt *Transfer) setPerms(f *File) error {
	local := filepath.Join(rt.Dest, f.Name)
	if rt.Opts.PreservePerms {
		if err := os.Chmod(local, os.FileMode(f.Mode).Perm()); err != nil {
			return err
		}
	}
	if st, err := os.Lstat(local); err == nil {
		if _, err := rt.setUid(f, local, st); err != nil {
			rt.Logger.Printf("setUid(%s): %v", local, err)
		}
	}
	if rt.Opts.PreserveTimes {
		mtime := time.Unix(f.ModTime, 0)
		if err := os.Chtimes(local, mtime, mtime); err != nil {
			return err
		}
	}
	return nil
}

// recvToken reads one token of the delta stream: n>0 means n literal
// bytes follow, n<0 means "copy basis block -n-1", n==0 means end of
// this file's stream.
func (rt *Transfer) recvToken() (int32, []byte, error) {
	n, err := rt.Conn.ReadInt32()
	if err != nil {
		return 0, nil, err
	}
	if n <= 0 {
		return n, nil, nil
	}
	data := make([]byte, n)
	if err := rt.Conn.ReadN(data); err != nil {
		return 0, nil, err
	}
	return n, data, nil
}
