package chunkstore

import (
	"fmt"
	"strconv"

	"github.com/leftmike/kvforest/encode"
	"github.com/leftmike/kvforest/filestore"
	"github.com/leftmike/kvforest/page"
)

// storeFormat is the only write format this store understands. The
// source system hardcodes a similar constant and rejects anything
// larger with no migration path (spec.md §9's open question); this
// implementation keeps that behavior rather than guessing at a
// forward-compatibility scheme nothing in the corpus demonstrates.
const storeFormat = 1

// storeHeader is the ASCII key=value record written at file offsets 0,
// filestore.BlockSize, and as a trailing copy after the newest chunk.
type storeHeader struct {
	format       int64
	blockSize    int64
	creationTime int64
	chunk        uint32 // id of the newest chunk
	rootChunk    int64  // file offset of the newest chunk
	version      int64
	lastMapID    uint64
}

func (h storeHeader) encode(sum encode.Checksum) ([]byte, error) {
	fields := map[string]string{
		"H":         "3",
		"format":    strconv.FormatInt(h.format, 16),
		"blockSize": strconv.FormatInt(h.blockSize, 16),
		"created":   strconv.FormatInt(h.creationTime, 16),
		"chunk":     strconv.FormatInt(int64(h.chunk), 16),
		"rootChunk": strconv.FormatInt(h.rootChunk, 16),
		"version":   strconv.FormatInt(h.version, 16),
		"lastMapId": strconv.FormatInt(int64(h.lastMapID), 16),
	}
	return encode.EncodeHeader(fields, filestore.BlockSize, sum)
}

func decodeStoreHeader(buf []byte, sum encode.Checksum) (storeHeader, error) {
	fields, err := encode.DecodeHeader(buf, sum)
	if err != nil {
		return storeHeader{}, err
	}
	var h storeHeader
	h.format, err = encode.FieldInt(fields, "format")
	if err != nil {
		return storeHeader{}, err
	}
	if h.format > storeFormat {
		return storeHeader{}, fmt.Errorf("%w: format %d > supported %d", ErrUnsupportedFormat,
			h.format, storeFormat)
	}
	h.blockSize = encode.FieldIntDefault(fields, "blockSize", filestore.BlockSize)
	h.creationTime = encode.FieldIntDefault(fields, "created", 0)
	chunk, err := encode.FieldInt(fields, "chunk")
	if err != nil {
		return storeHeader{}, err
	}
	h.chunk = uint32(chunk)
	h.rootChunk, err = encode.FieldInt(fields, "rootChunk")
	if err != nil {
		return storeHeader{}, err
	}
	h.version, err = encode.FieldInt(fields, "version")
	if err != nil {
		return storeHeader{}, err
	}
	lastMapID := encode.FieldIntDefault(fields, "lastMapId", 0)
	h.lastMapID = uint64(lastMapID)
	return h, nil
}

// chunkHeader is the ASCII record at the start of a chunk (and, as an
// identical copy, in its last block). It is encoded once, after the
// chunk's final length and meta root position are known.
type chunkHeader struct {
	id            uint32
	block         int64
	length        int64
	pageCount     int64
	pageCountLive int64
	maxLen        int64
	maxLenLive    int64
	metaRootPos   page.Pos
	version       int64
	time          int64
	rollbackOnOpen int64 // 0 means absent
}

func (h chunkHeader) encode(sum encode.Checksum) ([]byte, error) {
	fields := map[string]string{
		"chunk":     strconv.FormatUint(uint64(h.id), 16),
		"block":     strconv.FormatInt(h.block, 16),
		"len":       strconv.FormatInt(h.length, 16),
		"pages":     strconv.FormatInt(h.pageCount, 16),
		"livePages": strconv.FormatInt(h.pageCountLive, 16),
		"max":       strconv.FormatInt(h.maxLen, 16),
		"liveMax":   strconv.FormatInt(h.maxLenLive, 16),
		"root":      strconv.FormatUint(uint64(h.metaRootPos), 16),
		"version":   strconv.FormatInt(h.version, 16),
		"time":      strconv.FormatInt(h.time, 16),
	}
	if h.rollbackOnOpen != 0 {
		fields["rollbackOnOpen"] = strconv.FormatInt(h.rollbackOnOpen, 16)
	}
	return encode.EncodeHeader(fields, filestore.BlockSize, sum)
}

func decodeChunkHeader(buf []byte, sum encode.Checksum) (chunkHeader, error) {
	fields, err := encode.DecodeHeader(buf, sum)
	if err != nil {
		return chunkHeader{}, err
	}
	var h chunkHeader
	chunk, err := encode.FieldInt(fields, "chunk")
	if err != nil {
		return chunkHeader{}, err
	}
	h.id = uint32(chunk)
	if h.block, err = encode.FieldInt(fields, "block"); err != nil {
		return chunkHeader{}, err
	}
	if h.length, err = encode.FieldInt(fields, "len"); err != nil {
		return chunkHeader{}, err
	}
	h.pageCount = encode.FieldIntDefault(fields, "pages", 0)
	h.pageCountLive = encode.FieldIntDefault(fields, "livePages", h.pageCount)
	h.maxLen = encode.FieldIntDefault(fields, "max", h.length)
	h.maxLenLive = encode.FieldIntDefault(fields, "liveMax", h.maxLen)
	root := encode.FieldIntDefault(fields, "root", 0)
	h.metaRootPos = page.Pos(root)
	if h.version, err = encode.FieldInt(fields, "version"); err != nil {
		return chunkHeader{}, err
	}
	h.time = encode.FieldIntDefault(fields, "time", 0)
	h.rollbackOnOpen = encode.FieldIntDefault(fields, "rollbackOnOpen", 0)
	return h, nil
}
