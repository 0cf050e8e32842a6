package page

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/leftmike/kvforest/encode"
)

// nodeFlag and compressedFlag are the two low bits of the on-disk type
// byte: bit 0 set means an interior node, bit 1 set means the body
// following the type byte is compressed.
const (
	nodeFlag       = 1 << 0
	compressedFlag = 1 << 1
)

// Page is a single node of a copy-on-write B-tree, either a leaf
// (Values set, Children nil) or an interior node (Children set, Values
// nil). Pos is zero until the page has been written to a chunk.
type Page struct {
	MapID       uint64
	Version     int64
	Keys        []interface{}
	Values      []interface{} // leaf only
	Children    []*Page       // interior only; entry may be nil if only ChildPos is known
	ChildPos    []Pos         // interior only
	ChildCounts []int64       // interior only; total key count of each child's subtree
	Pos         Pos

	keyType   encode.DataType
	valueType encode.DataType
	childMu   sync.Mutex
}

// KeyType returns the page's key DataType, for callers that clone or
// rebuild a page outside the Map that created it.
func (p *Page) KeyType() encode.DataType { return p.keyType }

// ValueType returns the page's value DataType.
func (p *Page) ValueType() encode.DataType { return p.valueType }

// TotalCount returns the number of keys in the subtree rooted at p:
// len(Keys) for a leaf, or the sum of ChildCounts for an interior node.
func (p *Page) TotalCount() int64 {
	if p.IsLeaf() {
		return int64(len(p.Keys))
	}
	var n int64
	for _, c := range p.ChildCounts {
		n += c
	}
	return n
}

// NewLeaf creates an unwritten leaf page.
func NewLeaf(mapID uint64, version int64, keyType, valueType encode.DataType) *Page {
	return &Page{MapID: mapID, Version: version, keyType: keyType, valueType: valueType}
}

// NewNode creates an unwritten interior node page.
func NewNode(mapID uint64, version int64, keyType, valueType encode.DataType) *Page {
	return &Page{MapID: mapID, Version: version, keyType: keyType, valueType: valueType}
}

// IsLeaf reports whether the page is a leaf.
func (p *Page) IsLeaf() bool {
	return p.Children == nil && p.ChildPos == nil
}

// KeyCount returns the number of keys stored directly in the page.
func (p *Page) KeyCount() int {
	return len(p.Keys)
}

// MemorySize estimates the page's resident memory cost, used by the
// page cache's weighting.
func (p *Page) MemorySize() int {
	size := 48 + 16*len(p.Keys)
	for _, k := range p.Keys {
		size += p.keyType.MemorySize(k)
	}
	if p.IsLeaf() {
		for _, v := range p.Values {
			size += p.valueType.MemorySize(v)
		}
	} else {
		size += 16 * len(p.ChildPos)
	}
	return size
}

// Clone returns a shallow copy of p suitable as the starting point for a
// copy-on-write mutation: the key/value/child slices are copied so the
// original page's contents are never mutated in place, but child *Page
// pointers are shared until a child itself is cloned.
func (p *Page) Clone(version int64) *Page {
	c := &Page{
		MapID:     p.MapID,
		Version:   version,
		keyType:   p.keyType,
		valueType: p.valueType,
	}
	c.Keys = append([]interface{}(nil), p.Keys...)
	if p.IsLeaf() {
		c.Values = append([]interface{}(nil), p.Values...)
	} else {
		c.Children = append([]*Page(nil), p.Children...)
		c.ChildPos = append([]Pos(nil), p.ChildPos...)
		c.ChildCounts = append([]int64(nil), p.ChildCounts...)
	}
	return c
}

// Encode renders the page to its on-disk byte form, per spec:
// len:int32, check:int16, mapId:varint, entryCount:varint, type:byte,
// followed by keys and either values (leaf) or childPos+childCount
// (interior), optionally compressed after the type byte.
func (p *Page) Encode(sum encode.Checksum, compressor encode.Compressor) []byte {
	var body []byte
	for _, k := range p.Keys {
		body = p.keyType.Write(body, k)
	}
	var typ byte
	if p.IsLeaf() {
		for _, v := range p.Values {
			body = p.valueType.Write(body, v)
		}
	} else {
		typ |= nodeFlag
		for _, cp := range p.ChildPos {
			body = encode.PutVarInt(body, uint64(cp))
		}
		for _, count := range p.ChildCounts {
			body = encode.PutVarLong(body, count)
		}
	}

	payload := body
	if compressor != nil {
		packed := compressor.Compress(nil, body)
		if len(packed) < len(body) {
			payload = packed
			typ |= compressedFlag
		}
	}

	header := make([]byte, 0, 16)
	header = encode.PutVarInt(header, p.MapID)
	header = encode.PutVarInt(header, uint64(len(p.Keys)))
	header = append(header, typ)

	frame := make([]byte, 6, 6+len(header)+len(payload))
	frame = append(frame, header...)
	frame = append(frame, payload...)
	total := int32(len(frame))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(total))
	var check uint16
	if sum != nil {
		check = uint16(sum.Sum32(frame[6:]))
	}
	binary.LittleEndian.PutUint16(frame[4:6], check)
	return frame
}

// PeekMapID extracts the map id a frame was encoded for without
// decoding its keys/values, letting a loader that serves many maps pick
// the right DataType pair before calling Decode.
func PeekMapID(buf []byte) (uint64, error) {
	if len(buf) < 6 {
		return 0, fmt.Errorf("page: truncated frame")
	}
	mapID, _, err := encode.VarInt(buf[6:])
	if err != nil {
		return 0, fmt.Errorf("page: map id: %w", err)
	}
	return mapID, nil
}

// Child returns the i'th child, loading and caching it via load if it
// has not been faulted in yet. Safe for concurrent readers of the same
// page.
func (p *Page) Child(i int, load func(Pos) (*Page, error)) (*Page, error) {
	p.childMu.Lock()
	defer p.childMu.Unlock()
	if p.Children[i] != nil {
		return p.Children[i], nil
	}
	c, err := load(p.ChildPos[i])
	if err != nil {
		return nil, err
	}
	p.Children[i] = c
	return c, nil
}

// Decode parses a page previously written by Encode. ChildPos entries
// are populated; Children entries are left nil for the caller to fault
// in from the cache/chunk store on demand.
func Decode(buf []byte, mapID uint64, version int64, keyType, valueType encode.DataType,
	sum encode.Checksum, compressor encode.Compressor) (*Page, error) {

	if len(buf) < 6 {
		return nil, fmt.Errorf("page: truncated frame")
	}
	total := binary.LittleEndian.Uint32(buf[0:4])
	if int(total) != len(buf) {
		return nil, fmt.Errorf("page: length mismatch: header says %d, have %d", total, len(buf))
	}
	check := binary.LittleEndian.Uint16(buf[4:6])
	if sum != nil {
		if uint16(sum.Sum32(buf[6:])) != check {
			return nil, fmt.Errorf("page: checksum mismatch")
		}
	}

	rest := buf[6:]
	pmid, n, err := encode.VarInt(rest)
	if err != nil {
		return nil, fmt.Errorf("page: map id: %w", err)
	}
	rest = rest[n:]
	count, n, err := encode.VarInt(rest)
	if err != nil {
		return nil, fmt.Errorf("page: entry count: %w", err)
	}
	rest = rest[n:]
	if len(rest) < 1 {
		return nil, fmt.Errorf("page: missing type byte")
	}
	typ := rest[0]
	rest = rest[1:]

	if typ&compressedFlag != 0 {
		if compressor == nil {
			return nil, fmt.Errorf("page: compressed page but no compressor configured")
		}
		rest, err = compressor.Decompress(nil, rest)
		if err != nil {
			return nil, fmt.Errorf("page: decompress: %w", err)
		}
	}

	p := &Page{MapID: pmid, Version: version, keyType: keyType, valueType: valueType}
	p.Keys = make([]interface{}, count)
	for i := range p.Keys {
		k, n, err := keyType.Read(rest)
		if err != nil {
			return nil, fmt.Errorf("page: key %d: %w", i, err)
		}
		p.Keys[i] = k
		rest = rest[n:]
	}

	if typ&nodeFlag == 0 {
		p.Values = make([]interface{}, count)
		for i := range p.Values {
			v, n, err := valueType.Read(rest)
			if err != nil {
				return nil, fmt.Errorf("page: value %d: %w", i, err)
			}
			p.Values[i] = v
			rest = rest[n:]
		}
		return p, nil
	}

	childCount := int(count) + 1
	p.ChildPos = make([]Pos, childCount)
	for i := range p.ChildPos {
		cp, n, err := encode.VarInt(rest)
		if err != nil {
			return nil, fmt.Errorf("page: child pos %d: %w", i, err)
		}
		p.ChildPos[i] = Pos(cp)
		rest = rest[n:]
	}
	p.Children = make([]*Page, childCount)
	p.ChildCounts = make([]int64, childCount)
	for i := range p.ChildCounts {
		cnt, n, err := encode.VarLong(rest)
		if err != nil {
			return nil, fmt.Errorf("page: child count %d: %w", i, err)
		}
		p.ChildCounts[i] = cnt
		rest = rest[n:]
	}
	return p, nil
}
