package rsyncwire

import (
	"bytes"
	"testing"
)

func TestVarintRoundTrip(t *testing.T) {
	values := []int32{0, 1, -1, 126, -126, 127, -127, 200, -200,
		1 << 15, -1 << 15, 1<<15 - 1, 1 << 20, -1 << 20, 1<<31 - 1, -1 << 31}
	for _, v := range values {
		var buf bytes.Buffer
		conn, _, cw := NewConn(nil, &buf)
		_ = conn
		c2 := &Conn{Writer: cw}
		if err := c2.WriteVarint(v); err != nil {
			t.Fatalf("WriteVarint(%d): %v", v, err)
		}
		if err := cw.Flush(); err != nil {
			t.Fatal(err)
		}
		rc, _ := CounterPair(&buf, &bytes.Buffer{})
		c3 := &Conn{Reader: newBufReader(rc)}
		got, done, err := c3.ReadVarint()
		if err != nil {
			t.Fatalf("ReadVarint(%d): %v", v, err)
		}
		if done {
			t.Fatalf("ReadVarint(%d): got done sentinel", v)
		}
		if got != v {
			t.Errorf("ReadVarint roundtrip: got %d, want %d", got, v)
		}
	}
}

func TestVarintDoneSentinel(t *testing.T) {
	var buf bytes.Buffer
	_, _, cw := NewConn(nil, &buf)
	c := &Conn{Writer: cw}
	if err := c.WriteVarintDone(); err != nil {
		t.Fatal(err)
	}
	if err := cw.Flush(); err != nil {
		t.Fatal(err)
	}
	rc, _ := CounterPair(&buf, &bytes.Buffer{})
	c2 := &Conn{Reader: newBufReader(rc)}
	_, done, err := c2.ReadVarint()
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("expected done sentinel")
	}
}

func TestMultiplexRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	_, _, cw := NewConn(nil, &buf)
	mpx := &MultiplexWriter{Writer: cw}
	if _, err := mpx.Write([]byte("hello ")); err != nil {
		t.Fatal(err)
	}
	if err := mpx.WriteMsg(MsgInfo, []byte("info line")); err != nil {
		t.Fatal(err)
	}
	if _, err := mpx.Write([]byte("world")); err != nil {
		t.Fatal(err)
	}
	if err := mpx.Flush(); err != nil {
		t.Fatal(err)
	}

	var msgs []Message
	var data bytes.Buffer
	mrd := NewMultiplexReader(&buf, func(m Message) error {
		msgs = append(msgs, m)
		return nil
	})
	if _, err := data.ReadFrom(mrd); err != nil {
		t.Fatal(err)
	}
	if got, want := data.String(), "hello world"; got != want {
		t.Errorf("data = %q, want %q", got, want)
	}
	if len(msgs) != 1 || msgs[0].Tag != MsgInfo || string(msgs[0].Body) != "info line" {
		t.Errorf("unexpected messages: %+v", msgs)
	}
}
