// Package encode provides the variable-length integer codec, the ASCII
// header codec used by chunk and store headers, and the pluggable
// checksum/compressor/data-type interfaces that the rest of the store
// builds on.
package encode

import (
	"encoding/binary"
	"fmt"
)

// PutVarInt appends the varint encoding of v to buf and returns the result.
func PutVarInt(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// VarInt decodes a varint from the front of buf, returning the value and
// the number of bytes consumed.
func VarInt(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, fmt.Errorf("encode: truncated varint")
	}
	return v, n, nil
}

// PutVarLong zig-zag encodes a signed value before varint encoding it, so
// that values of small magnitude, negative or positive, stay short.
func PutVarLong(buf []byte, v int64) []byte {
	return PutVarInt(buf, uint64((v<<1)^(v>>63)))
}

// VarLong decodes a value written by PutVarLong.
func VarLong(buf []byte) (int64, int, error) {
	u, n, err := VarInt(buf)
	if err != nil {
		return 0, 0, err
	}
	return int64(u>>1) ^ -int64(u&1), n, nil
}

// PutString writes a length-prefixed UTF-8 string.
func PutString(buf []byte, s string) []byte {
	buf = PutVarInt(buf, uint64(len(s)))
	return append(buf, s...)
}

// String reads a length-prefixed UTF-8 string from the front of buf.
func String(buf []byte) (string, int, error) {
	n, hn, err := VarInt(buf)
	if err != nil {
		return "", 0, err
	}
	if uint64(len(buf)-hn) < n {
		return "", 0, fmt.Errorf("encode: truncated string")
	}
	return string(buf[hn : hn+int(n)]), hn + int(n), nil
}

// PutBytes writes a length-prefixed byte slice.
func PutBytes(buf, b []byte) []byte {
	buf = PutVarInt(buf, uint64(len(b)))
	return append(buf, b...)
}

// Bytes reads a length-prefixed byte slice from the front of buf.
func Bytes(buf []byte) ([]byte, int, error) {
	n, hn, err := VarInt(buf)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(buf)-hn) < n {
		return nil, 0, fmt.Errorf("encode: truncated bytes")
	}
	return buf[hn : hn+int(n)], hn + int(n), nil
}
