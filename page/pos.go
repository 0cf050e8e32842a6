// Package page implements the on-disk page format: the 64-bit page
// position encoding and the page body codec (key/value or key/child
// layout, optionally compressed).
package page

// Pos is a page's on-disk position, decomposed as
// (chunkId:26 | offset:24 | lengthCode:5 | type:1). lengthCode indexes
// lengthTable, giving an upper bound on the page's encoded length that
// readers use to size the read of the page and that live-space
// accounting sums per chunk.
type Pos uint64

const (
	typeBits     = 1
	lengthBits   = 5
	offsetBits   = 24
	chunkIDBits  = 26
	maxChunkID   = 1<<chunkIDBits - 1
	maxOffset    = 1<<offsetBits - 1
	nodeBit      = 1
)

// NewPos builds a Pos from its fields. length is the page's encoded byte
// length; it is rounded up to the nearest entry in the length-code table.
func NewPos(chunkID uint32, offset uint32, length int, isNode bool) Pos {
	if chunkID > maxChunkID {
		panic("page: chunk id out of range")
	}
	if offset > maxOffset {
		panic("page: offset out of range")
	}
	code := lengthCode(length)
	var p uint64
	p |= uint64(chunkID) << (offsetBits + lengthBits + typeBits)
	p |= uint64(offset) << (lengthBits + typeBits)
	p |= uint64(code) << typeBits
	if isNode {
		p |= nodeBit
	}
	return Pos(p)
}

// ChunkID returns the id of the chunk containing the page.
func (p Pos) ChunkID() uint32 {
	return uint32(p >> (offsetBits + lengthBits + typeBits))
}

// Offset returns the page's byte offset within its chunk body.
func (p Pos) Offset() uint32 {
	return uint32(p>>(lengthBits+typeBits)) & maxOffset
}

// IsNode reports whether the page is an interior node (as opposed to a
// leaf).
func (p Pos) IsNode() bool {
	return p&nodeBit != 0
}

// MaxLength returns the maximum byte length reserved for the page at
// this position, per the length-code table.
func (p Pos) MaxLength() int {
	code := (p >> typeBits) & (1<<lengthBits - 1)
	return lengthTable[code]
}

// lengthTable maps a 5-bit code to a maximum page length. Entry i for
// i<11 covers 32-byte granularity; beyond that, granularity doubles each
// step, mirroring the shape of the store's page-length rounding without
// needing to special-case values above ~1MiB (pages rarely approach it).
var lengthTable = buildLengthTable()

func buildLengthTable() [32]int {
	var t [32]int
	size := 32
	for i := range t {
		t[i] = size
		if i >= 10 {
			size *= 2
		} else {
			size += 32
		}
	}
	return t
}

func lengthCode(length int) uint64 {
	for i, max := range lengthTable {
		if length <= max {
			return uint64(i)
		}
	}
	return uint64(len(lengthTable) - 1)
}

// IsZero reports whether p is the zero position, used as a sentinel for
// "no page" (an empty map's root, or an unset child slot).
func (p Pos) IsZero() bool {
	return p == 0
}
