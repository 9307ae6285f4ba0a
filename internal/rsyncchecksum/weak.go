// Package rsyncchecksum implements the block-matching engine at the
// heart of the delta transfer: a rolling weak checksum for O(1) window
// updates, a strong digest for collision confirmation, and the checksum
// table + preferred-index search the sender uses to locate reusable
// blocks in the receiver's basis file.
package rsyncchecksum

// charOffset biases the rolling sums away from zero so that a run of
// zero bytes doesn't collapse s1/s2 to degenerate values; the constant
// itself is arbitrary, it just has to match between builder and roller.
const charOffset = 31

// Weak computes the rolling checksum of data from scratch. Value packs
// s1 into the low 16 bits and s2 into the high 16 bits, matching the
// combined 32-bit form used as the checksum-table bucket key.
func Weak(data []byte) uint32 {
	var s1, s2 uint32
	n := uint32(len(data))
	for i, b := range data {
		s1 += uint32(b)
		s2 += (n - uint32(i)) * uint32(b)
	}
	s1 += n * charOffset
	s2 += n * (n + 1) / 2 * charOffset
	return s1&0xffff | s2<<16
}

// Roller maintains a rolling checksum over a sliding window, letting the
// sender advance one byte at a time without rescanning the whole window.
type Roller struct {
	s1, s2 uint32
	length uint32
}

// NewRoller initializes a Roller over the given window.
func NewRoller(window []byte) *Roller {
	r := &Roller{length: uint32(len(window))}
	var s1, s2 uint32
	n := r.length
	for i, b := range window {
		s1 += uint32(b)
		s2 += (n - uint32(i)) * uint32(b)
	}
	r.s1 = s1 + n*charOffset
	r.s2 = s2 + n*(n+1)/2*charOffset
	return r
}

// Value returns the current combined checksum.
func (r *Roller) Value() uint32 { return r.s1&0xffff | r.s2<<16 }

// Roll slides the window forward by one byte: out leaves at the front,
// in arrives at the back. The window length is unchanged. The departing
// byte's bias has to go with it: out contributed (out+charOffset) to s1
// at every one of the length positions it passed through s2.
func (r *Roller) Roll(out, in byte) {
	r.s1 = r.s1 - uint32(out) + uint32(in)
	r.s2 = r.s2 - r.length*(uint32(out)+charOffset) + r.s1
}
