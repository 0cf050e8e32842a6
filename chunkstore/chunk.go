package chunkstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/leftmike/kvforest/encode"
	"github.com/leftmike/kvforest/page"
)

// Chunk is the in-memory record of one on-disk chunk, mirrored from the
// meta map's "chunk.<id>" entries plus bookkeeping filled in at write
// time. Block is the chunk's byte offset in the file and Length its
// total size in bytes (header block, padded body and trailer block).
type Chunk struct {
	ID            uint32
	Block         int64 // file byte offset of the chunk's start (header included)
	Length        int64
	PageCount     int64
	PageCountLive int64
	MaxLen        int64
	MaxLenLive    int64
	MetaRootPos   page.Pos
	Version       int64
	Time          int64
}

// fillRate returns the chunk's live-bytes percentage, used by the
// compaction priority and by Stats.
func (c *Chunk) fillRate() int {
	if c.MaxLen <= 0 {
		return 100
	}
	return int(c.MaxLenLive * 100 / c.MaxLen)
}

// serialize renders a chunk as the value stored at meta key
// "chunk.<hex id>", itself an ASCII key=value record reusing the
// chunk header encoder so chunk bookkeeping has exactly one wire
// format in the whole store.
func (c *Chunk) serialize(sum encode.Checksum) (string, error) {
	h := chunkHeader{
		id:            c.ID,
		block:         c.Block,
		length:        c.Length,
		pageCount:     c.PageCount,
		pageCountLive: c.PageCountLive,
		maxLen:        c.MaxLen,
		maxLenLive:    c.MaxLenLive,
		metaRootPos:   c.MetaRootPos,
		version:       c.Version,
		time:          c.Time,
	}
	buf, err := h.encode(sum)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(buf), " "), nil
}

func deserializeChunk(s string, sum encode.Checksum) (*Chunk, error) {
	// serialize's TrimRight strips the padding encode.EncodeHeader adds
	// but leaves the '\n' terminator the body itself ends with intact.
	h, err := decodeChunkHeader([]byte(s), sum)
	if err != nil {
		return nil, err
	}
	return &Chunk{
		ID:            h.id,
		Block:         h.block,
		Length:        h.length,
		PageCount:     h.pageCount,
		PageCountLive: h.pageCountLive,
		MaxLen:        h.maxLen,
		MaxLenLive:    h.maxLenLive,
		MetaRootPos:   h.metaRootPos,
		Version:       h.version,
		Time:          h.time,
	}, nil
}

// Meta map key conventions. A single map (id 0) holds all of the
// store's self-description: map name/config, root positions, and the
// chunk table, per spec.md §3's Meta map entity.
const (
	metaMapNamePrefix = "map.name."
	metaMapCfgPrefix  = "map.cfg."
	metaRootPrefix    = "root."
	metaChunkPrefix   = "chunk."
	metaSettingPrefix = "setting."
)

func metaMapName(name string) string   { return metaMapNamePrefix + name }
func metaMapCfg(id uint64) string      { return metaMapCfgPrefix + strconv.FormatUint(id, 16) }
func metaRoot(id uint64) string        { return metaRootPrefix + strconv.FormatUint(id, 16) }
func metaChunk(id uint32) string       { return metaChunkPrefix + strconv.FormatUint(uint64(id), 16) }
func parsePos(s string) (page.Pos, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("chunkstore: malformed position %q: %w", s, err)
	}
	return page.Pos(v), nil
}
func formatPos(p page.Pos) string { return strconv.FormatUint(uint64(p), 16) }

// typeName/typeByName let the meta map persist and recover a map's key
// and value DataType by a short name; only the store's two built-in
// scalar types are addressable this way, matching what kvforest's
// Builder surface actually exposes (spec.md §6 names no way to plug in
// a custom DataType from outside the package).
func typeName(t encode.DataType) (string, error) {
	switch t.(type) {
	case encode.StringType:
		return "string", nil
	case encode.BytesType:
		return "bytes", nil
	default:
		return "", fmt.Errorf("chunkstore: cannot persist custom DataType %T", t)
	}
}

func typeByName(name string) (encode.DataType, error) {
	switch name {
	case "string":
		return encode.StringType{}, nil
	case "bytes":
		return encode.BytesType{}, nil
	default:
		return nil, fmt.Errorf("chunkstore: unknown persisted type %q", name)
	}
}
