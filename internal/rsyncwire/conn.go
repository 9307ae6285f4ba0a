// Package rsyncwire implements the framed duplex channel a session
// speaks over its transport: byte-level I/O helpers, the tag/length
// multiplex used once a session has switched to framed mode, and the
// auto-flush coupling between the read and write halves that keeps a
// daemon session from ever starving its peer.
package rsyncwire

import (
	"bufio"
	"encoding/binary"
	"io"
	"time"

	"github.com/gokrazy/rsync/internal/rsyncerr"
)

// Writer is satisfied by both *CountingWriter (before MUX_ON) and
// *MultiplexWriter (after MUX_ON); Conn.Writer is reassigned from one to
// the other at the point the session driver switches framing modes.
type Writer interface {
	io.Writer
	Flush() error
}

// Conn bundles the read and write halves of one session's duplex
// channel, plus the small number of typed read/write helpers every
// component in this module needs (fixed-width integers, used for
// everything except the file-request indices, which use varint.go).
type Conn struct {
	Reader *bufio.Reader
	Writer Writer

	// ReadTimeout bounds every blocking read; 0 means no timeout. Writes
	// share the same budget, applied in Flush.
	ReadTimeout time.Duration

	deadliner interface{ SetDeadline(time.Time) error }
}

func newBufReader(cr *CountingReader) *bufio.Reader { return bufio.NewReader(cr) }

// NewConn wraps r and w with byte counters and returns a *Conn ready for
// the plain (non-multiplexed) handshake phase.
func NewConn(r io.Reader, w io.Writer) (*Conn, *CountingReader, *CountingWriter) {
	cr, cw := CounterPair(r, w)
	return &Conn{
		Reader: bufio.NewReader(cr),
		Writer: cw,
	}, cr, cw
}

// SetDeadliner wires a net.Conn-alike so ReadTimeout can be enforced via
// SetDeadline; without it, ReadTimeout is advisory only (e.g. over an SSH
// session's stdin/stdout pipes, which have no deadline concept).
func (c *Conn) SetDeadliner(d interface{ SetDeadline(time.Time) error }) {
	c.deadliner = d
}

func (c *Conn) applyDeadline() error {
	if c.deadliner == nil || c.ReadTimeout == 0 {
		return nil
	}
	return c.deadliner.SetDeadline(time.Now().Add(c.ReadTimeout))
}

func (c *Conn) wrapTimeout(err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		return rsyncerr.NewChannelError(rsyncerr.ChannelTimeout, err)
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return rsyncerr.NewChannelError(rsyncerr.ChannelPrematureEOF, err)
	}
	return rsyncerr.NewChannelError(rsyncerr.ChannelIO, err)
}

// ReadByte reads a single byte.
func (c *Conn) ReadByte() (byte, error) {
	if err := c.applyDeadline(); err != nil {
		return 0, err
	}
	b, err := c.Reader.ReadByte()
	if err != nil {
		return 0, c.wrapTimeout(err)
	}
	return b, nil
}

// ReadN reads exactly len(buf) bytes.
func (c *Conn) ReadN(buf []byte) error {
	if err := c.applyDeadline(); err != nil {
		return err
	}
	if _, err := io.ReadFull(c.Reader, buf); err != nil {
		return c.wrapTimeout(err)
	}
	return nil
}

// ReadInt32 reads a little-endian signed 32-bit integer.
func (c *Conn) ReadInt32() (int32, error) {
	var buf [4]byte
	if err := c.ReadN(buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// ReadInt64 reads a 64-bit integer using rsync's variable-width
// encoding: values that fit in int32 are sent as int32; otherwise -1 is
// sent followed by the full 8-byte value.
func (c *Conn) ReadInt64() (int64, error) {
	v, err := c.ReadInt32()
	if err != nil {
		return 0, err
	}
	if v != -1 {
		return int64(v), nil
	}
	var buf [8]byte
	if err := c.ReadN(buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

// WriteByte writes a single byte.
func (c *Conn) WriteByte(b byte) error {
	_, err := c.Writer.Write([]byte{b})
	return err
}

// WriteInt32 writes a little-endian signed 32-bit integer.
func (c *Conn) WriteInt32(v int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	_, err := c.Writer.Write(buf[:])
	return err
}

// WriteInt64 writes v using the same variable-width scheme as ReadInt64.
func (c *Conn) WriteInt64(v int64) error {
	if v >= 0 && v <= 0x7FFFFFFF {
		return c.WriteInt32(int32(v))
	}
	if err := c.WriteInt32(-1); err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	_, err := c.Writer.Write(buf[:])
	return err
}

// WriteString writes s verbatim (no length prefix); callers that need a
// length-prefixed string use WriteInt32 + WriteString explicitly, as the
// file-list wire format does.
func (c *Conn) WriteString(s string) error {
	_, err := io.WriteString(c.Writer, s)
	return err
}

// Flush pushes any buffered output to the transport.
func (c *Conn) Flush() error {
	if err := c.applyDeadline(); err != nil {
		return err
	}
	return c.Writer.Flush()
}
