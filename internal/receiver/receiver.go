package receiver

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gokrazy/rsync"
	"github.com/gokrazy/rsync/internal/rsyncchecksum"
	"github.com/gokrazy/rsync/internal/rsyncerr"
)

// RecvFiles applies the sender's per-file delta streams. The stream
// arrives in two rounds: a first pass over every requested file, then a
// retry round carrying only the files whose whole-file digest did not
// verify. A file that fails verification in the first round is queued
// for exactly one retry (handed to the generator via redoCh); a file
// that fails again is given up on without aborting the session.
func (rt *Transfer) RecvFiles(fileList []*File, redoCh chan<- []int32) error {
	phase := 0
	var redo []int32
	for {
		idx, err := rt.Conn.ReadInt32()
		if err != nil {
			return err
		}
		if idx == -1 {
			if phase == 0 {
				phase++
				if rt.Opts.Verbose {
					rt.Logger.Printf("recvFiles phase=%d", phase)
				}
				redoCh <- redo
				redo = nil
				continue
			}
			break
		}
		if idx < 0 || int(idx) >= len(fileList) {
			return rsyncerr.NewProtocolError("file index %d out of range (list has %d entries)", idx, len(fileList))
		}
		if rt.Opts.Verbose {
			rt.Logger.Printf("receiving file idx=%d: %+v", idx, fileList[idx])
		}
		err = rt.recvFile1(fileList[idx])
		var ce *rsyncerr.ChecksumError
		if errors.As(err, &ce) {
			if phase == 0 {
				rt.Logger.Printf("%v, queueing for retry", err)
				redo = append(redo, idx)
				continue
			}
			rt.Logger.Printf("%v on retry, giving up on this file", err)
			rt.IOErrors++
			continue
		}
		if err != nil {
			return err
		}
	}
	if rt.Opts.Verbose {
		rt.Logger.Printf("recvFiles finished")
	}
	return nil
}

func (rt *Transfer) recvFile1(f *File) error {
	localFile, err := rt.openLocalFile(f)
	if err != nil && !os.IsNotExist(err) {
		rt.Logger.Printf("opening local file failed, continuing: %v", err)
	}
	defer localFile.Close()
	if err := rt.receiveData(f, localFile); err != nil {
		return err
	}
	return nil
}

func (rt *Transfer) openLocalFile(f *File) (*os.File, error) {
	in, err := rt.DestRoot.Open(f.Name)
	if err != nil {
		return nil, err
	}

	st, err := in.Stat()
	if err != nil {
		return nil, err
	}

	if st.IsDir() {
		return nil, fmt.Errorf("%s is a directory", filepath.Join(rt.Dest, f.Name))
	}

	if !st.Mode().IsRegular() {
		return nil, nil
	}

	if !rt.Opts.PreservePerms {
		// If the file exists already and we are not preserving permissions,
		// then act as though the remote sent us the existing permissions:
		f.Mode = int32(st.Mode().Perm())
	}

	return in, nil
}

// receiveData consumes one file's checksum header and delta token
// stream, reconstructing the content from literal runs and copies out
// of the local basis file, then verifies the whole-file digest the
// sender appends after the end-of-file token.
func (rt *Transfer) receiveData(f *File, localFile *os.File) error {
	var sh rsync.SumHead
	if err := sh.ReadFrom(rt.Conn); err != nil {
		return err
	}

	local := filepath.Join(rt.Dest, f.Name)
	// TODO: use rt.DestRoot once renameio supports it
	rt.Logger.Printf("creating %s", local)
	out, err := rt.newPendingFile(local, os.FileMode(f.Mode))
	if err != nil {
		return err
	}
	defer out.Cleanup()

	h := rsyncchecksum.NewWholeFileDigest(rt.Seed)
	wr := io.MultiWriter(out, h)

	for {
		token, data, err := rt.recvToken()
		if err != nil {
			return err
		}
		if token == 0 {
			break
		}
		if token > 0 {
			if _, err := wr.Write(data); err != nil {
				return err
			}
			continue
		}
		if localFile == nil {
			return rsyncerr.NewProtocolError("match token for %s, but no local basis file is open", local)
		}
		token = -(token + 1)
		offset2 := int64(token) * int64(sh.BlockLength)
		dataLen := sh.BlockLength
		if token == sh.ChecksumCount-1 && sh.RemainderLength != 0 {
			dataLen = sh.RemainderLength
		}
		data = make([]byte, dataLen)
		if _, err := localFile.ReadAt(data, offset2); err != nil {
			return err
		}

		if _, err := wr.Write(data); err != nil {
			return err
		}
	}
	localSum := h.Sum()
	remoteSum := make([]byte, len(localSum))
	if err := rt.Conn.ReadN(remoteSum); err != nil {
		return err
	}
	if !bytes.Equal(localSum, remoteSum) {
		return rsyncerr.NewChecksumError(f.Name)
	}
	if rt.Opts.Verbose {
		rt.Logger.Printf("checksum %x matches!", localSum)
	}

	if err := out.CloseAtomicallyReplace(); err != nil {
		return err
	}

	if err := rt.setPerms(f); err != nil {
		return err
	}

	return nil
}
