package rsyncwire

import (
	"io"
	"sync"
	"sync/atomic"
)

// CountingReader wraps an io.Reader, tracking the number of bytes read
// and flushing a paired writer's buffer before every read that may
// block on the transport, so a session waiting for its peer never sits
// on unsent bytes the peer is itself waiting for. We flush
// unconditionally rather than trying to detect "bytes already available
// on the socket" (which Go's net.Conn has no portable, non-blocking way
// to probe): an extra flush of an empty buffer is a no-op, so the
// conservative version preserves the no-starvation guarantee at the
// cost of occasional redundant flushes.
type CountingReader struct {
	r         io.Reader
	n         atomic.Int64
	flushPeer func() error
}

// Read implements io.Reader.
func (r *CountingReader) Read(p []byte) (int, error) {
	if r.flushPeer != nil {
		if err := r.flushPeer(); err != nil {
			return 0, err
		}
	}
	n, err := r.r.Read(p)
	r.n.Add(int64(n))
	return n, err
}

// N returns the total number of bytes read from the transport so far.
func (r *CountingReader) N() int64 { return r.n.Load() }

func (r *CountingReader) setFlushPeer(f func() error) { r.flushPeer = f }

// CountingWriter wraps an io.Writer with a coalescing buffer and a byte
// counter. Call Flush to push buffered bytes to the transport. A
// session's writing actor and its reading actor (whose reads flush this
// buffer) run concurrently, so buffer access is serialized.
type CountingWriter struct {
	w io.Writer
	n atomic.Int64

	mu  sync.Mutex
	buf []byte
}

// Write buffers p; bytes only reach the transport on Flush (or once the
// internal buffer grows past a few wire frames' worth, to bound memory).
func (w *CountingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > 256<<10 {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (w *CountingWriter) WriteByte(b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

// Flush pushes any buffered bytes to the transport.
func (w *CountingWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *CountingWriter) flushLocked() error {
	if len(w.buf) == 0 {
		return nil
	}
	n, err := w.w.Write(w.buf)
	w.n.Add(int64(n))
	w.buf = w.buf[n:]
	if err != nil {
		return err
	}
	w.buf = w.buf[:0]
	return nil
}

// Buffered reports how many bytes are queued but not yet flushed.
func (w *CountingWriter) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// N returns the total number of bytes actually written to the transport
// (flushed bytes only).
func (w *CountingWriter) N() int64 { return w.n.Load() }

// CounterPair wires a CountingReader and CountingWriter together so
// that every read first pushes out pending writes.
func CounterPair(r io.Reader, w io.Writer) (*CountingReader, *CountingWriter) {
	cr := &CountingReader{r: r}
	cw := &CountingWriter{w: w}
	cr.setFlushPeer(cw.Flush)
	return cr, cw
}
