package rsyncwire

import (
	"encoding/binary"
)

// Variable-length signed index encoding: the file-list indices a
// receiver requests files by (small, usually-incrementing counters)
// mostly fit in one byte, so
// this avoids paying 4 bytes for the common case while still being able
// to carry a full int32.
//
//	byte 0x00       -> "done" sentinel (ReadVarint returns done=true)
//	byte 0x01..0xFD -> value = int32(byte) - 127, i.e. range [-126, 126]
//	byte 0xFE       -> escape: next byte is a width (2 or 4), followed by
//	                    that many little-endian bytes, sign-extended
//	byte 0xFF       -> reserved, never emitted
const (
	varintDone   = 0x00
	varintEscape = 0xFE
	varintBias   = 127
)

// WriteVarint writes v using the encoding above.
func (c *Conn) WriteVarint(v int32) error {
	if v >= -126 && v <= 126 {
		return c.WriteByte(byte(v + varintBias))
	}
	if err := c.WriteByte(varintEscape); err != nil {
		return err
	}
	if v >= -1<<15 && v <= 1<<15-1 {
		if err := c.WriteByte(2); err != nil {
			return err
		}
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(int16(v)))
		_, err := c.Writer.Write(buf[:])
		return err
	}
	if err := c.WriteByte(4); err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	_, err := c.Writer.Write(buf[:])
	return err
}

// WriteVarintDone writes the "done" sentinel.
func (c *Conn) WriteVarintDone() error { return c.WriteByte(varintDone) }

// ReadVarint reads one value written by WriteVarint. done is true if the
// sentinel byte was read instead of a value.
func (c *Conn) ReadVarint() (v int32, done bool, err error) {
	b, err := c.ReadByte()
	if err != nil {
		return 0, false, err
	}
	switch b {
	case varintDone:
		return 0, true, nil
	case varintEscape:
		width, err := c.ReadByte()
		if err != nil {
			return 0, false, err
		}
		switch width {
		case 2:
			var buf [2]byte
			if err := c.ReadN(buf[:]); err != nil {
				return 0, false, err
			}
			return int32(int16(binary.LittleEndian.Uint16(buf[:]))), false, nil
		case 4:
			var buf [4]byte
			if err := c.ReadN(buf[:]); err != nil {
				return 0, false, err
			}
			return int32(binary.LittleEndian.Uint32(buf[:])), false, nil
		default:
			return 0, false, errInvalidVarintWidth(width)
		}
	default:
		return int32(b) - varintBias, false, nil
	}
}

type errInvalidVarintWidth byte

func (e errInvalidVarintWidth) Error() string {
	return "rsyncwire: invalid varint escape width"
}
