package rsyncchecksum

import (
	"encoding/binary"

	"github.com/mmcloughlin/md4"
)

// MaxStrongLen is the length of a full strong digest; the negotiated
// checksum length may be shorter than the hash's native output to save
// wire bytes at the cost of collision resistance.
const MaxStrongLen = md4.Size

// Strong returns the first digestLen bytes of MD4(seed || data). Seeding
// the session into every block digest (and the whole-file digest, see
// WholeFileDigest) keeps two sessions with the same file contents from ever
// producing colliding digests for different purposes.
func Strong(data []byte, seed int32, digestLen int) []byte {
	h := md4.New()
	var seedBuf [4]byte
	binary.LittleEndian.PutUint32(seedBuf[:], uint32(seed))
	h.Write(seedBuf[:])
	h.Write(data)
	sum := h.Sum(nil)
	if digestLen > len(sum) {
		digestLen = len(sum)
	}
	return sum[:digestLen]
}

// WholeFileDigest seeds and hashes an entire file the same way Strong
// hashes a block. Both peers compute it over the reconstructed content
// independently of any block matching, so a bad block that slipped past
// the truncated per-block digests is still caught end to end.
type WholeFileDigest struct {
	h interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
}

// NewWholeFileDigest starts a whole-file digest seeded with seed.
func NewWholeFileDigest(seed int32) *WholeFileDigest {
	h := md4.New()
	var seedBuf [4]byte
	binary.LittleEndian.PutUint32(seedBuf[:], uint32(seed))
	h.Write(seedBuf[:])
	return &WholeFileDigest{h: h}
}

func (w *WholeFileDigest) Write(p []byte) (int, error) { return w.h.Write(p) }

func (w *WholeFileDigest) Sum() []byte { return w.h.Sum(nil) }
