package rsyncchecksum

// TokenKind distinguishes a delta-stream token's forms, mirroring the
// signed-count wire encoding (n>0 bytes of literal data follow, n<0 is
// a match of block -n-1, n==0 is end of file).
type TokenKind int

const (
	TokenLiteral TokenKind = iota
	TokenMatch
	TokenEOF
)

// Token is one entry of the delta stream Match produces.
type Token struct {
	Kind       TokenKind
	Literal    []byte
	BlockIndex int32
}

// Match scans data against table and returns the delta-stream tokens
// that reconstruct data from the basis file table was built over, plus
// literal bytes for anything the basis file doesn't contain. Adjacent
// literal bytes are coalesced into a single TokenLiteral.
func Match(data []byte, table *Table) []Token {
	var tokens []Token
	blockLen := int(table.BlockLength)
	if blockLen <= 0 || table.BlockCount() == 0 {
		if len(data) > 0 {
			tokens = append(tokens, Token{Kind: TokenLiteral, Literal: data})
		}
		return append(tokens, Token{Kind: TokenEOF})
	}

	var literal []byte
	flushLiteral := func() {
		if len(literal) > 0 {
			tokens = append(tokens, Token{Kind: TokenLiteral, Literal: literal})
			literal = nil
		}
	}

	pos := 0
	preferred := int32(0)
	var roller *Roller
	windowEnd := 0 // exclusive end of the window the roller currently covers

	resetWindow := func(start int) {
		end := start + blockLen
		if end > len(data) {
			end = len(data)
		}
		if start >= end {
			roller = nil
			return
		}
		roller = NewRoller(data[start:end])
		windowEnd = end
	}
	resetWindow(pos)

	for pos < len(data) {
		if roller == nil {
			// The window has slid off the end of data; no further
			// match is attempted, so everything left is literal.
			literal = append(literal, data[pos:]...)
			pos = len(data)
			break
		}
		window := data[pos:windowEnd]
		var matched *Chunk
		for _, c := range table.Candidates(roller.Value(), preferred) {
			if int(c.Length) != len(window) {
				continue
			}
			if table.MatchStrong(window, c.Strong) {
				matched = &c
				break
			}
		}
		if matched != nil {
			flushLiteral()
			tokens = append(tokens, Token{Kind: TokenMatch, BlockIndex: matched.Index})
			preferred = matched.Index + 1
			pos = windowEnd
			resetWindow(pos)
			continue
		}
		literal = append(literal, data[pos])
		pos++
		if windowEnd < len(data) {
			roller.Roll(data[pos-1], data[windowEnd])
			windowEnd++
		} else {
			roller = nil
		}
	}
	flushLiteral()
	tokens = append(tokens, Token{Kind: TokenEOF})
	return tokens
}
