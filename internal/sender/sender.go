// Package sender implements the sending half of a transfer session:
// walking the source tree, emitting the file list, answering each of
// the receiver's per-file requests with a delta-encoded token stream,
// and closing the session with a statistics report.
package sender

import (
	"os"
	"path/filepath"

	"github.com/gokrazy/rsync"
	"github.com/gokrazy/rsync/internal/filelist"
	"github.com/gokrazy/rsync/internal/log"
	"github.com/gokrazy/rsync/internal/rsyncchecksum"
	"github.com/gokrazy/rsync/internal/rsyncerr"
	"github.com/gokrazy/rsync/internal/rsyncopts"
	"github.com/gokrazy/rsync/internal/rsyncstats"
	"github.com/gokrazy/rsync/internal/rsyncwire"
)

// FilterList is the exclusion list exchanged at the start of a session.
// This implementation does not interpret filter rules; it reads them
// into Filters so the wire protocol stays in sync, but never applies them.
type FilterList struct {
	Filters []string
}

// RecvFilterList reads the filter-rule list a peer sends before the
// file list.
func RecvFilterList(c *rsyncwire.Conn) (*FilterList, error) {
	var fl FilterList
	for {
		n, err := c.ReadInt32()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		buf := make([]byte, n)
		if err := c.ReadN(buf); err != nil {
			return nil, err
		}
		fl.Filters = append(fl.Filters, string(buf))
	}
	return &fl, nil
}

// Transfer holds the state of one in-progress send side of a session.
type Transfer struct {
	Logger log.Logger
	Opts   *rsyncopts.Options
	Conn   *rsyncwire.Conn
	Seed   int32
}

// maxBlockLength bounds the block size a peer may request per file;
// anything larger is a protocol violation, not a big file.
const maxBlockLength = 1 << 17

// Do walks root, sends the file list, then serves the receiver's file
// requests: each request names a file-list index and carries the
// checksum table of the receiver's basis file, and is answered with the
// matching delta token stream. Requests arrive in two rounds (the
// full list, then the files whose verification failed), each round
// terminated by the done sentinel. The session finishes with the
// stats triple.
func (t *Transfer) Do(crd *rsyncwire.CountingReader, cwr *rsyncwire.CountingWriter, root string, paths []string, exclusionList *FilterList) (*rsyncstats.TransferStats, error) {
	entries, err := filelist.Walk(root)
	if err != nil {
		return nil, err
	}
	if err := filelist.Encode(t.Conn, entries); err != nil {
		return nil, err
	}
	if t.Opts != nil && t.Opts.Verbose() {
		t.Logger.Printf("sent %d file-list entries", len(entries))
	}

	var totalSize int64
	for _, e := range entries {
		if os.FileMode(e.Mode).IsRegular() {
			totalSize += e.Size
		}
	}

	for phase := 0; phase < 2; phase++ {
		for {
			idx, done, err := t.Conn.ReadVarint()
			if err != nil {
				return nil, err
			}
			if done {
				break
			}
			if idx < 0 || int(idx) >= len(entries) {
				return nil, rsyncerr.NewProtocolError("requested file index %d out of range (list has %d entries)", idx, len(entries))
			}
			if err := t.sendFile(root, idx, entries[idx]); err != nil {
				return nil, err
			}
		}
		// end of this round of file transmissions
		if err := t.Conn.WriteInt32(-1); err != nil {
			return nil, err
		}
	}

	stats := &rsyncstats.TransferStats{
		Read:    crd.N(),
		Written: cwr.N(),
		Size:    totalSize,
	}
	if err := t.Conn.WriteInt64(stats.Read); err != nil {
		return nil, err
	}
	if err := t.Conn.WriteInt64(stats.Written); err != nil {
		return nil, err
	}
	if err := t.Conn.WriteInt64(stats.Size); err != nil {
		return nil, err
	}

	// wait for the receiver's goodbye; the read also flushes the stats
	// out of the write buffer.
	if _, err := t.Conn.ReadInt32(); err != nil {
		return nil, err
	}
	return stats, nil
}

// sendFile answers one file request: it reads the receiver's checksum
// header and per-block checksums, echoes the index and header, and
// emits the token stream followed by the whole-file digest.
func (t *Transfer) sendFile(root string, idx int32, e filelist.Entry) error {
	var sh rsync.SumHead
	if err := sh.ReadFrom(t.Conn); err != nil {
		return err
	}
	if sh.BlockLength < 0 || sh.BlockLength > maxBlockLength {
		return rsyncerr.NewProtocolError("block length %d out of range", sh.BlockLength)
	}
	if sh.ChecksumCount < 0 {
		return rsyncerr.NewProtocolError("negative checksum count %d", sh.ChecksumCount)
	}
	if sh.RemainderLength < 0 || sh.RemainderLength > sh.BlockLength {
		return rsyncerr.NewProtocolError("remainder %d exceeds block length %d", sh.RemainderLength, sh.BlockLength)
	}

	table, err := t.readChecksums(&sh)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filepath.Join(root, e.Name))
	if err != nil {
		return err
	}

	if err := t.Conn.WriteInt32(idx); err != nil {
		return err
	}
	if err := sh.WriteTo(t.Conn); err != nil {
		return err
	}

	tokens := rsyncchecksum.Match(data, table)
	for _, tok := range tokens {
		switch tok.Kind {
		case rsyncchecksum.TokenLiteral:
			if err := t.Conn.WriteInt32(int32(len(tok.Literal))); err != nil {
				return err
			}
			if _, err := t.Conn.Writer.Write(tok.Literal); err != nil {
				return err
			}
		case rsyncchecksum.TokenMatch:
			if err := t.Conn.WriteInt32(-(tok.BlockIndex + 1)); err != nil {
				return err
			}
		case rsyncchecksum.TokenEOF:
			if err := t.Conn.WriteInt32(0); err != nil {
				return err
			}
		}
	}

	digest := rsyncchecksum.Strong(data, t.Seed, rsyncchecksum.MaxStrongLen)
	if _, err := t.Conn.Writer.Write(digest); err != nil {
		return err
	}
	return nil
}

// readChecksums reconstructs a checksum table from the block checksums
// a receiver sends with its request (the sender never builds a table
// from a basis file of its own: it only ever has the new content, and
// matches against whatever the receiver reports it already has).
func (t *Transfer) readChecksums(sh *rsync.SumHead) (*rsyncchecksum.Table, error) {
	if sh.ChecksumCount == 0 {
		return rsyncchecksum.NewTableFromChunks(sh.BlockLength, sh.ChecksumLength, t.Seed, nil), nil
	}
	chunks := make([]rsyncchecksum.Chunk, 0, sh.ChecksumCount)
	for i := int32(0); i < sh.ChecksumCount; i++ {
		strong := make([]byte, sh.ChecksumLength)
		weak, err := t.Conn.ReadInt32()
		if err != nil {
			return nil, err
		}
		if err := t.Conn.ReadN(strong); err != nil {
			return nil, err
		}
		length := sh.BlockLength
		if i == sh.ChecksumCount-1 && sh.RemainderLength != 0 {
			length = sh.RemainderLength
		}
		chunks = append(chunks, rsyncchecksum.Chunk{
			Index: i, Length: length, Weak: uint32(weak), Strong: strong,
		})
	}
	return rsyncchecksum.NewTableFromChunks(sh.BlockLength, sh.ChecksumLength, t.Seed, chunks), nil
}
