package rsync

import "testing"

func TestSumHeadFromSize(t *testing.T) {
	for _, tt := range []struct {
		size      int64
		blockLen  int32
		count     int32
		remainder int32
	}{
		{0, 700, 0, 0},
		{1, 1, 1, 0},
		{699, 700, 1, 699},
		{700, 700, 1, 0},
		{701, 700, 2, 1},
		{300 * 1024, 8192, 38, 4096},
	} {
		sh := SumHeadFromSize(tt.size, tt.blockLen, 16)
		if sh.ChecksumCount != tt.count {
			t.Errorf("size=%d block=%d: count = %d, want %d", tt.size, tt.blockLen, sh.ChecksumCount, tt.count)
		}
		if sh.RemainderLength != tt.remainder {
			t.Errorf("size=%d block=%d: remainder = %d, want %d", tt.size, tt.blockLen, sh.RemainderLength, tt.remainder)
		}
		if sh.BlockLength != tt.blockLen {
			t.Errorf("size=%d: block length = %d, want %d", tt.size, sh.BlockLength, tt.blockLen)
		}
	}
}

func TestSumHeadZeroBlockLength(t *testing.T) {
	sh := SumHeadFromSize(12345, 0, 16)
	if sh.ChecksumCount != 0 || sh.BlockLength != 0 || sh.RemainderLength != 0 {
		t.Errorf("zero block length: %+v, want no blocks", sh)
	}
}
