package rsyncwire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/gokrazy/rsync/internal/rsyncerr"
)

func TestMultiplexReaderPrematureEOF(t *testing.T) {
	var buf bytes.Buffer
	_, _, cw := NewConn(nil, &buf)
	mpx := &MultiplexWriter{Writer: cw}
	if _, err := mpx.Write([]byte("some payload")); err != nil {
		t.Fatal(err)
	}
	if err := mpx.Flush(); err != nil {
		t.Fatal(err)
	}

	// Truncate mid-frame: the header promises more body bytes than the
	// stream carries.
	truncated := buf.Bytes()[:buf.Len()-3]
	mrd := NewMultiplexReader(bytes.NewReader(truncated), nil)
	_, err := io.ReadAll(mrd)
	var ce *rsyncerr.ChannelError
	if !errors.As(err, &ce) || ce.Kind != rsyncerr.ChannelPrematureEOF {
		t.Errorf("err = %v, want ChannelError(PrematureEOF)", err)
	}
}

func TestMultiplexReaderCleanEOF(t *testing.T) {
	var buf bytes.Buffer
	_, _, cw := NewConn(nil, &buf)
	mpx := &MultiplexWriter{Writer: cw}
	if _, err := mpx.Write([]byte("frame")); err != nil {
		t.Fatal(err)
	}
	if err := mpx.Flush(); err != nil {
		t.Fatal(err)
	}

	mrd := NewMultiplexReader(bytes.NewReader(buf.Bytes()), nil)
	data, err := io.ReadAll(mrd)
	if err != nil {
		t.Fatalf("clean end of stream surfaced as %v", err)
	}
	if string(data) != "frame" {
		t.Errorf("data = %q, want %q", data, "frame")
	}
}

func TestDuplexChannelCloseAttachesSecondError(t *testing.T) {
	var buf bytes.Buffer
	conn, _, _ := NewConn(bytes.NewReader(nil), &buf)
	d := NewDuplexChannel(conn, closerFunc(func() error { return errors.New("transport close failed") }))
	if err := d.Close(); err == nil {
		t.Error("Close() = nil, want transport close error")
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
