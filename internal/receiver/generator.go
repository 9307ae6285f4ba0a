package receiver

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/gokrazy/rsync"
	"github.com/gokrazy/rsync/internal/rsyncchecksum"
)

const minBlockLength = 700
const maxBlockLength = 1 << 17

// blockLength picks the block size for a basis file of the given size:
// roughly the square root, rounded up to a multiple of 8 and clamped so
// that tiny files still get a sensible block and huge files cannot push
// the per-block bookkeeping past the wire format's limits.
func blockLength(size int64) int32 {
	if size <= minBlockLength*minBlockLength {
		return minBlockLength
	}
	l := int64(math.Sqrt(float64(size)))
	l = (l + 7) &^ 7
	if l > maxBlockLength {
		l = maxBlockLength
	}
	return int32(l)
}

// requestFile asks the sender for one file: it transmits the file's
// index followed by the checksum header and per-block checksums of
// whatever basis file already exists at the destination. A missing (or
// non-regular) basis is reported as an empty header, which makes the
// sender transmit the whole file as literal data.
func (rt *Transfer) requestFile(idx int32, f *File) error {
	// Request indexes mostly increment by one, so they ride the
	// variable-length encoding: one byte for nearly every file.
	if err := rt.Conn.WriteVarint(idx); err != nil {
		return err
	}

	basis, err := rt.DestRoot.Open(f.Name)
	if err != nil {
		var empty rsync.SumHead
		empty.ChecksumLength = int32(rsyncchecksum.MaxStrongLen)
		return empty.WriteTo(rt.Conn)
	}
	defer basis.Close()

	st, err := basis.Stat()
	if err != nil || !st.Mode().IsRegular() {
		var empty rsync.SumHead
		empty.ChecksumLength = int32(rsyncchecksum.MaxStrongLen)
		return empty.WriteTo(rt.Conn)
	}

	bl := blockLength(st.Size())
	sh := rsync.SumHeadFromSize(st.Size(), bl, int32(rsyncchecksum.MaxStrongLen))
	if err := sh.WriteTo(rt.Conn); err != nil {
		return err
	}
	_, chunks, err := rsyncchecksum.BuildTable(basis, bl, sh.ChecksumLength, rt.Seed)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := rt.Conn.WriteInt32(int32(c.Weak)); err != nil {
			return err
		}
		if _, err := rt.Conn.Writer.Write(c.Strong); err != nil {
			return err
		}
	}
	return nil
}

// GenerateFiles drives the generator side of the receiver: it walks the
// file list in order, creating directories and symlinks directly, and
// requesting the data of every regular file from the sender. Once the
// whole list has been requested it signals end-of-phase, waits for the
// receiving side to report which files failed verification, and
// re-requests exactly those once more.
func (rt *Transfer) GenerateFiles(ctx context.Context, fileList []*File, redoCh <-chan []int32) error {
	for idx, f := range fileList {
		if rt.Opts.DryRun {
			if !rt.Opts.Server && rt.Env.Stdout != nil {
				fmt.Fprintln(rt.Env.Stdout, f.Name)
			}
			continue
		}
		if err := rt.generateFile(int32(idx), f); err != nil {
			return err
		}
	}
	// end of the first request round
	if err := rt.Conn.WriteVarintDone(); err != nil {
		return err
	}

	var redo []int32
	select {
	case redo = <-redoCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, idx := range redo {
		rt.Logger.Printf("re-requesting %s after checksum mismatch", fileList[idx].Name)
		if err := rt.requestFile(idx, fileList[idx]); err != nil {
			return err
		}
	}
	if err := rt.Conn.WriteVarintDone(); err != nil {
		return err
	}
	return rt.Conn.Flush()
}

func (rt *Transfer) generateFile(idx int32, f *File) error {
	local := rt.DestRoot.path(f.Name)
	mode := os.FileMode(f.Mode)
	switch {
	case mode.IsDir():
		return os.MkdirAll(local, mode.Perm()|0o700)
	case mode&os.ModeSymlink != 0:
		if rt.Opts.PreserveLinks {
			return generateSymlink(f, local)
		}
		return nil
	case mode.IsRegular():
		return rt.requestFile(idx, f)
	default:
		// devices, sockets and FIFOs carry no content; their metadata
		// travels in the file list alone.
		return nil
	}
}

func generateSymlink(f *File, local string) error {
	_ = os.Remove(local)
	return symlink(f.LinkTarget, local)
}
