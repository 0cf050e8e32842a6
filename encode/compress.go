package encode

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressor is the pluggable page-body compressor referenced by the
// page format's "compressed" flag. It stands in for the source system's
// LZF codec: any implementation that round-trips bytes is acceptable,
// and the store only ever compares compressed-vs-uncompressed length to
// decide whether to keep the compressed form.
type Compressor interface {
	Compress(dst, src []byte) []byte
	Decompress(dst, src []byte) ([]byte, error)
}

// LZ4Compressor is the default, low-latency compressor, used for the
// builder's CompressData level.
type LZ4Compressor struct{}

func (LZ4Compressor) Compress(dst, src []byte) []byte {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil
	}
	if err := w.Close(); err != nil {
		return nil
	}
	return append(dst, buf.Bytes()...)
}

func (LZ4Compressor) Decompress(dst, src []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	buf := bytes.NewBuffer(dst)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("encode: lz4 decompress: %w", err)
	}
	return buf.Bytes(), nil
}

// ZstdCompressor is the higher-ratio, higher-latency compressor, used
// for the builder's CompressHigh level.
type ZstdCompressor struct{}

func (ZstdCompressor) Compress(dst, src []byte) []byte {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil
	}
	defer enc.Close()
	return enc.EncodeAll(src, dst)
}

func (ZstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("encode: zstd reader: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(src, dst)
	if err != nil {
		return nil, fmt.Errorf("encode: zstd decompress: %w", err)
	}
	return out, nil
}

// DefaultCompressor is the "fast" compressor used when a store's
// builder selects CompressData without CompressHigh.
var DefaultCompressor Compressor = LZ4Compressor{}

// HighCompressor is the "high" compressor used when CompressHigh is set.
var HighCompressor Compressor = ZstdCompressor{}

// NoopCompressor never shrinks a page, so page.Encode's
// compressed-form-is-smaller check always keeps the raw body. A store
// configured with CompressData=false passes this explicitly rather
// than a nil Compressor, since Store.Open treats a nil Compressor as
// "caller didn't specify one" and substitutes DefaultCompressor.
type NoopCompressor struct{}

func (NoopCompressor) Compress(dst, src []byte) []byte {
	return append(dst, src...)
}

func (NoopCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}
