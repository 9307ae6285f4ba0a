// Package rsync defines the wire-level constants and small shared types
// that both the daemon-side (rsyncd) and client-side (rsyncclient) halves
// of this module need, so that neither has to import the other.
package rsync

import "github.com/gokrazy/rsync/internal/rsyncwire"

// ProtocolVersion is the protocol version this implementation speaks when
// it is the one initiating the handshake. Peers negotiate down to
// min(ProtocolVersion, peer's advertised version); see MinProtocolVersion.
const ProtocolVersion = 27

// MinProtocolVersion is the oldest daemon protocol version this
// implementation still accepts. rsync daemon protocol versions older than
// 27 lack the multiplexed-I/O error-reporting tag and are refused.
const MinProtocolVersion = 27

// MaxProtocolVersion is the newest upstream rsync daemon protocol
// version. No code in this module reads it: a session runs at
// min(ProtocolVersion, peer's version), never above ProtocolVersion, and
// a greeting advertising a newer version is not refused.
const MaxProtocolVersion = 31

// File-list entry status-byte bits (xflags). Each bit marks a field
// that repeats (or extends) the previous entry's value, so most entries
// ship only what changed. The bit positions match the upstream rsync
// protocol so that this implementation can interoperate with tridge
// rsync and openrsync peers.
const (
	FlistTopLevel     = 1 << 0 // top-level directory entry; deletions are scoped to it
	FlistSameMode     = 1 << 1 // mode repeats the previous entry's mode
	FlistExtendedFlags = 1 << 2 // a second xflags byte follows
	FlistSameUID      = 1 << 3 // uid repeats the previous entry's uid
	FlistSameGID      = 1 << 4 // gid repeats the previous entry's gid
	FlistSameName     = 1 << 5 // inherit a prefix of the previous entry's name
	FlistNameLong     = 1 << 6 // name length is a full integer, not one byte
	FlistSameTime     = 1 << 7 // mtime repeats the previous entry's mtime
)

// Multiplex message tags, sent as the high byte of the u32 frame header
// once the channel has switched to multiplexed mode. Re-exported from
// internal/rsyncwire so that callers outside internal/ can route
// out-of-band messages without importing an internal package.
const (
	MsgData      = rsyncwire.MsgData // in-band payload bytes
	MsgErrorXfer = rsyncwire.MsgErrorXfer
	MsgInfo      = rsyncwire.MsgInfo
	MsgError     = rsyncwire.MsgError
	MsgWarning   = rsyncwire.MsgWarning
	MsgLog       = rsyncwire.MsgLog
	MsgClient    = rsyncwire.MsgClient
	MsgIoError   = rsyncwire.MsgIoError
	MsgNoSend    = rsyncwire.MsgNoSend
	MsgSuccess   = rsyncwire.MsgSuccess
	MsgDeleted   = rsyncwire.MsgDeleted
)

// SumHead is the per-file checksum header exchanged before the delta
// token stream.
type SumHead struct {
	ChecksumCount   int32 // number of blocks ("chunk_count")
	BlockLength     int32 // block_length, 0 <= BlockLength <= 1<<17
	ChecksumLength  int32 // strong digest length in bytes, 2..16 when nonzero
	RemainderLength int32 // size % BlockLength
}

// SumHeadFromSize computes the checksum header for a basis file of the
// given size and block length: ⌈size/blockLength⌉ blocks, the last one
// only size%blockLength bytes long when the division doesn't come out even.
func SumHeadFromSize(size int64, blockLength int32, checksumLength int32) SumHead {
	if blockLength == 0 {
		return SumHead{BlockLength: 0, ChecksumLength: checksumLength}
	}
	count := (size + int64(blockLength) - 1) / int64(blockLength)
	return SumHead{
		ChecksumCount:   int32(count),
		BlockLength:     blockLength,
		ChecksumLength:  checksumLength,
		RemainderLength: int32(size % int64(blockLength)),
	}
}

func (s *SumHead) ReadFrom(c *rsyncwire.Conn) error {
	var err error
	if s.ChecksumCount, err = c.ReadInt32(); err != nil {
		return err
	}
	if s.BlockLength, err = c.ReadInt32(); err != nil {
		return err
	}
	if s.ChecksumLength, err = c.ReadInt32(); err != nil {
		return err
	}
	if s.RemainderLength, err = c.ReadInt32(); err != nil {
		return err
	}
	return nil
}

func (s SumHead) WriteTo(c *rsyncwire.Conn) error {
	if err := c.WriteInt32(s.ChecksumCount); err != nil {
		return err
	}
	if err := c.WriteInt32(s.BlockLength); err != nil {
		return err
	}
	if err := c.WriteInt32(s.ChecksumLength); err != nil {
		return err
	}
	return c.WriteInt32(s.RemainderLength)
}
