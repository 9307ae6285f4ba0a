package rsyncchecksum

import (
	"bytes"
	"strings"
	"testing"
)

func TestRollerMatchesFreshWeak(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	window := 8
	r := NewRoller(data[:window])
	for i := 0; i+window < len(data); i++ {
		if got, want := r.Value(), Weak(data[i:i+window]); got != want {
			t.Fatalf("i=%d: roller value = %#x, want %#x", i, got, want)
		}
		r.Roll(data[i], data[i+window])
	}
}

func TestBuildTableAndExactMatch(t *testing.T) {
	basis := strings.Repeat("ABCDEFGH", 4) // 4 blocks of 8 bytes, identical
	table, chunks, err := BuildTable(strings.NewReader(basis), 8, MaxStrongLen, 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}
	cands := table.Candidates(Weak([]byte("ABCDEFGH")), 0)
	if len(cands) != 4 {
		t.Fatalf("got %d candidates, want 4 (one per identical block)", len(cands))
	}
	if cands[0].Index != 0 {
		t.Errorf("preferred-index search: first candidate index = %d, want 0", cands[0].Index)
	}
}

func TestCandidatesPreferNearestIndex(t *testing.T) {
	basis := "AAAAAAAABBBBBBBBAAAAAAAACCCCCCCCAAAAAAAA"
	table, _, err := BuildTable(strings.NewReader(basis), 8, MaxStrongLen, 0)
	if err != nil {
		t.Fatal(err)
	}
	weak := Weak([]byte("AAAAAAAA"))
	cands := table.Candidates(weak, 2)
	if len(cands) != 4 {
		t.Fatalf("got %d candidates, want 4", len(cands))
	}
	if cands[0].Index != 2 {
		t.Errorf("preferred index 2: first candidate = %d, want exact match 2", cands[0].Index)
	}
	cands = table.Candidates(weak, 1)
	if cands[0].Index != 0 && cands[0].Index != 2 {
		t.Errorf("preferred index 1 (between 0 and 2): first candidate = %d, want 0 or 2", cands[0].Index)
	}
}

func TestMatchIdentical(t *testing.T) {
	basis := strings.Repeat("0123456789", 10)
	table, _, err := BuildTable(strings.NewReader(basis), 10, MaxStrongLen, 7)
	if err != nil {
		t.Fatal(err)
	}
	tokens := Match([]byte(basis), table)
	var matches, literals int
	for _, tok := range tokens {
		switch tok.Kind {
		case TokenMatch:
			matches++
		case TokenLiteral:
			literals++
		}
	}
	if matches != 10 {
		t.Errorf("got %d match tokens, want 10 (whole file is identical blocks)", matches)
	}
	if literals != 0 {
		t.Errorf("got %d literal tokens, want 0", literals)
	}
	if tokens[len(tokens)-1].Kind != TokenEOF {
		t.Error("last token is not TokenEOF")
	}
}

func TestMatchWithInsertion(t *testing.T) {
	basis := strings.Repeat("ABCDEFGHIJ", 5)
	modified := "ABCDEFGHIJ" + "XYZ" + strings.Repeat("ABCDEFGHIJ", 4)
	table, _, err := BuildTable(strings.NewReader(basis), 10, MaxStrongLen, 3)
	if err != nil {
		t.Fatal(err)
	}
	tokens := Match([]byte(modified), table)

	// Reconstruct from tokens against the basis file and check fidelity.
	basisChunks := make(map[int32][]byte)
	for i := 0; i*10 < len(basis); i++ {
		end := (i + 1) * 10
		if end > len(basis) {
			end = len(basis)
		}
		basisChunks[int32(i)] = []byte(basis[i*10 : end])
	}
	var rebuilt bytes.Buffer
	for _, tok := range tokens {
		switch tok.Kind {
		case TokenLiteral:
			rebuilt.Write(tok.Literal)
		case TokenMatch:
			rebuilt.Write(basisChunks[tok.BlockIndex])
		}
	}
	if rebuilt.String() != modified {
		t.Errorf("reconstructed = %q, want %q", rebuilt.String(), modified)
	}
}

func TestMatchEmptyFile(t *testing.T) {
	table, _, err := BuildTable(strings.NewReader(""), 8, MaxStrongLen, 0)
	if err != nil {
		t.Fatal(err)
	}
	tokens := Match(nil, table)
	if len(tokens) != 1 || tokens[0].Kind != TokenEOF {
		t.Errorf("empty file: tokens = %+v, want single TokenEOF", tokens)
	}
}

func TestMatchSingleByteBlock(t *testing.T) {
	table, _, err := BuildTable(strings.NewReader("a"), 1, MaxStrongLen, 0)
	if err != nil {
		t.Fatal(err)
	}
	tokens := Match([]byte("a"), table)
	if len(tokens) != 2 || tokens[0].Kind != TokenMatch || tokens[0].BlockIndex != 0 {
		t.Errorf("single-byte block: tokens = %+v", tokens)
	}
}

func TestStrongDigestSeedSensitivity(t *testing.T) {
	data := []byte("hello block")
	a := Strong(data, 1, MaxStrongLen)
	b := Strong(data, 2, MaxStrongLen)
	if bytes.Equal(a, b) {
		t.Error("digests with different seeds should differ")
	}
}
