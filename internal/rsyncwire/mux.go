package rsyncwire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gokrazy/rsync/internal/rsyncerr"
)

// frameMaxLen is the largest payload a single multiplex frame may carry;
// the length field occupies the low 24 bits of the frame header.
const frameMaxLen = 1<<24 - 1

// mplexBase is added to every message code before it goes on the wire,
// so that the high header byte of a framed stream can never be confused
// with the leading byte of an unframed one. Same offset as rsync's
// MPLEX_BASE.
const mplexBase = 7

// Multiplex message tags. MsgData carries in-band payload bytes; all
// other tags are delivered out-of-band to the reader's message sink.
const (
	MsgData      = mplexBase + 0
	MsgErrorXfer = mplexBase + 1
	MsgInfo      = mplexBase + 2
	MsgError     = mplexBase + 3
	MsgWarning   = mplexBase + 4
	MsgLog       = mplexBase + 6
	MsgClient    = mplexBase + 7
	MsgIoError   = mplexBase + 22
	MsgNoSend    = mplexBase + 25
	MsgSuccess   = mplexBase + 100
	MsgDeleted   = mplexBase + 101
)

// MultiplexWriter frames every Write call as one or more tag/length/body
// DATA frames. Use WriteMsg to send an out-of-band tag (INFO, ERROR, …)
// instead of in-band payload.
type MultiplexWriter struct {
	Writer Writer
}

func (w *MultiplexWriter) putFrame(tag byte, body []byte) error {
	for len(body) > 0 {
		chunk := body
		if len(chunk) > frameMaxLen {
			chunk = chunk[:frameMaxLen]
		}
		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], uint32(len(chunk))|uint32(tag)<<24)
		if _, err := w.Writer.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := w.Writer.Write(chunk); err != nil {
			return err
		}
		body = body[len(chunk):]
	}
	return nil
}

// Write implements io.Writer by framing p as one or more MsgData frames.
func (w *MultiplexWriter) Write(p []byte) (int, error) {
	if err := w.putFrame(MsgData, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteMsg sends an out-of-band message under the given tag (one of the
// Msg* constants other than MsgData).
func (w *MultiplexWriter) WriteMsg(tag byte, body []byte) error {
	return w.putFrame(tag, body)
}

func (w *MultiplexWriter) Flush() error { return w.Writer.Flush() }

// Message is an out-of-band frame delivered to the message sink.
type Message struct {
	Tag  byte
	Body []byte
}

// MultiplexReader demultiplexes an incoming framed stream: DATA frames
// feed Read, everything else is handed to OnMessage as it arrives.
type MultiplexReader struct {
	r         io.Reader
	OnMessage func(Message) error

	pending []byte // unread bytes from the current DATA frame
}

func NewMultiplexReader(r io.Reader, onMessage func(Message) error) *MultiplexReader {
	return &MultiplexReader{r: r, OnMessage: onMessage}
}

func (r *MultiplexReader) fill() error {
	for len(r.pending) == 0 {
		var hdr [4]byte
		if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
			if err == io.EOF {
				// a clean end between frames is a normal end of stream
				return io.EOF
			}
			if err == io.ErrUnexpectedEOF {
				return rsyncerr.NewChannelError(rsyncerr.ChannelPrematureEOF, err)
			}
			return rsyncerr.NewChannelError(rsyncerr.ChannelIO, err)
		}
		v := binary.LittleEndian.Uint32(hdr[:])
		tag := byte(v >> 24)
		length := v & 0x00FFFFFF
		body := make([]byte, length)
		if _, err := io.ReadFull(r.r, body); err != nil {
			return rsyncerr.NewChannelError(rsyncerr.ChannelPrematureEOF, err)
		}
		if tag == MsgData {
			r.pending = body
			return nil
		}
		if r.OnMessage != nil {
			if err := r.OnMessage(Message{Tag: tag, Body: body}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Read implements io.Reader over the demultiplexed DATA byte stream.
func (r *MultiplexReader) Read(p []byte) (int, error) {
	if err := r.fill(); err != nil {
		return 0, err
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// DuplexChannel combines a Conn's read and write halves with their
// underlying transport, so that Close can close both and attach any
// error from closing the second half to the first.
type DuplexChannel struct {
	Conn      *Conn
	transport io.Closer
}

func NewDuplexChannel(conn *Conn, transport io.Closer) *DuplexChannel {
	return &DuplexChannel{Conn: conn, transport: transport}
}

// Close flushes pending output and closes the underlying transport.
func (d *DuplexChannel) Close() error {
	flushErr := d.Conn.Flush()
	closeErr := d.transport.Close()
	if flushErr != nil {
		if closeErr != nil {
			return fmt.Errorf("%w (additionally, close failed: %v)", flushErr, closeErr)
		}
		return flushErr
	}
	return closeErr
}
