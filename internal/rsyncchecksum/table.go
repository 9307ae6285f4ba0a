package rsyncchecksum

import (
	"bytes"
	"io"
	"sort"
)

// Chunk describes one fixed-length block of a basis file, as built by
// the receiver and sent to the sender ahead of the delta transfer.
type Chunk struct {
	Index  int32
	Length int32
	Weak   uint32
	Strong []byte
}

// Table indexes a basis file's blocks by weak checksum, so the sender
// can look up "which blocks might match the bytes under the rolling
// window right now" in O(1) expected time.
type Table struct {
	BlockLength int32
	DigestLen   int32
	Seed        int32
	buckets     map[uint32][]Chunk
	blockCount  int32
}

// BuildTable reads r sequentially in BlockLength-sized chunks (the last
// one possibly short) and returns a Table plus the ordered Chunk slice.
func BuildTable(r io.Reader, blockLength int32, digestLen int32, seed int32) (*Table, []Chunk, error) {
	t := &Table{
		BlockLength: blockLength,
		DigestLen:   digestLen,
		Seed:        seed,
		buckets:     make(map[uint32][]Chunk),
	}
	if blockLength <= 0 {
		return t, nil, nil
	}
	var chunks []Chunk
	buf := make([]byte, blockLength)
	var index int32
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			block := buf[:n]
			weak := Weak(block)
			c := Chunk{
				Index:  index,
				Length: int32(n),
				Weak:   weak,
				Strong: Strong(block, seed, int(digestLen)),
			}
			chunks = append(chunks, c)
			t.buckets[weak] = append(t.buckets[weak], c)
			index++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
	}
	t.blockCount = index
	return t, chunks, nil
}

// NewTableFromChunks builds a Table from chunks already known (e.g.
// received over the wire as a checksum header, rather than computed
// locally by BuildTable).
func NewTableFromChunks(blockLength, digestLen, seed int32, chunks []Chunk) *Table {
	t := &Table{
		BlockLength: blockLength,
		DigestLen:   digestLen,
		Seed:        seed,
		buckets:     make(map[uint32][]Chunk),
		blockCount:  int32(len(chunks)),
	}
	for _, c := range chunks {
		t.buckets[c.Weak] = append(t.buckets[c.Weak], c)
	}
	return t
}

// BlockCount returns the number of blocks indexed.
func (t *Table) BlockCount() int32 { return t.blockCount }

// Candidates returns the bucket for weak, reordered so the entry whose
// Index is closest to preferred comes first: the sender expects most
// matches to be at or near the basis-file offset it's currently
// scanning, since most real-world edits are localized.
func (t *Table) Candidates(weak uint32, preferred int32) []Chunk {
	bucket := t.buckets[weak]
	if len(bucket) == 0 {
		return nil
	}
	first := closeIndexOf(bucket, preferred)
	out := make([]Chunk, 0, len(bucket))
	out = append(out, bucket[first])
	for i, c := range bucket {
		if i == first {
			continue
		}
		out = append(out, c)
	}
	return out
}

// closeIndexOf returns the position within bucket (sorted ascending by
// Index, as built) of the entry whose Index is nearest to preferred:
// an exact match if present, else whichever neighbour of the insertion
// point is numerically closer (the lower one on a tie), or the last
// entry when preferred is past the end.
func closeIndexOf(bucket []Chunk, preferred int32) int {
	i := sort.Search(len(bucket), func(i int) bool { return bucket[i].Index >= preferred })
	if i < len(bucket) && bucket[i].Index == preferred {
		return i
	}
	if i >= len(bucket) {
		return len(bucket) - 1
	}
	if i > 0 {
		// preferred sits strictly between bucket[i-1] and bucket[i];
		// pick whichever is numerically closer.
		if preferred-bucket[i-1].Index <= bucket[i].Index-preferred {
			return i - 1
		}
	}
	return i
}

// MatchStrong reports whether data's strong digest equals want, using
// the table's configured seed and digest length.
func (t *Table) MatchStrong(data []byte, want []byte) bool {
	return bytes.Equal(Strong(data, t.Seed, int(t.DigestLen)), want)
}
