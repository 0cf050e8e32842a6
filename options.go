package kvforest

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/leftmike/kvforest/chunkstore"
	"github.com/leftmike/kvforest/encode"
)

// Options configures Open. The zero value is not usable directly;
// build one with NewBuilder, whose With* setters mirror the teacher's
// config.Param idea of named, independently defaulted tunables without
// pulling in its CLI-flag/config-file parsing (this is a library
// constructor, not an application's startup flags).
type Options struct {
	FileName      string
	EncryptionKey []byte
	ReadOnly      bool

	CacheSizeMB       int
	CompressData      bool
	CompressHigh      bool
	WriteBufferSizeMB int
	PageSplitSize     int

	WriteDelay                 time.Duration
	LockTimeout                time.Duration
	BackgroundExceptionHandler func(error)

	Logger *logrus.Logger
}

// Default tunables named in spec.md §6.
const (
	DefaultCacheSizeMB       = chunkstore.DefaultCacheSize / (1024 * 1024)
	DefaultWriteBufferSizeMB = chunkstore.DefaultWriteBufferMiB
	DefaultPageSplitSize     = chunkstore.DefaultPageSplitSize
	DefaultWriteDelay        = time.Second
	DefaultRetentionTime     = chunkstore.DefaultRetentionTime
)

// Builder assembles Options through chainable With* calls, the
// Builder surface spec.md §6 names.
type Builder struct {
	opts Options
}

// NewBuilder starts a Builder for fileName, applying every default
// named in spec.md §6.
func NewBuilder(fileName string) *Builder {
	return &Builder{opts: Options{
		FileName:          fileName,
		CacheSizeMB:       DefaultCacheSizeMB,
		WriteBufferSizeMB: DefaultWriteBufferSizeMB,
		PageSplitSize:     DefaultPageSplitSize,
		WriteDelay:        DefaultWriteDelay,
	}}
}

func (b *Builder) WithEncryptionKey(key []byte) *Builder {
	b.opts.EncryptionKey = key
	return b
}

func (b *Builder) WithReadOnly(readOnly bool) *Builder {
	b.opts.ReadOnly = readOnly
	return b
}

func (b *Builder) WithCacheSizeMB(mb int) *Builder {
	b.opts.CacheSizeMB = mb
	return b
}

// WithCompressData enables the default ("fast") lz4 page compressor.
func (b *Builder) WithCompressData(compress bool) *Builder {
	b.opts.CompressData = compress
	return b
}

// WithCompressHigh enables the higher-ratio zstd page compressor,
// spec.md §6's two-tier compressData/compressHigh knob. Implies
// CompressData.
func (b *Builder) WithCompressHigh(compress bool) *Builder {
	b.opts.CompressHigh = compress
	if compress {
		b.opts.CompressData = true
	}
	return b
}

func (b *Builder) WithWriteBufferSizeMB(mb int) *Builder {
	b.opts.WriteBufferSizeMB = mb
	return b
}

func (b *Builder) WithPageSplitSize(bytes int) *Builder {
	b.opts.PageSplitSize = bytes
	return b
}

// WithWriteDelay sets the background writer's flush delay; zero
// disables the background writer entirely, per spec.md §4.7.
func (b *Builder) WithWriteDelay(delay time.Duration) *Builder {
	b.opts.WriteDelay = delay
	return b
}

func (b *Builder) WithLockTimeout(timeout time.Duration) *Builder {
	b.opts.LockTimeout = timeout
	return b
}

// WithBackgroundExceptionHandler sets the handler the background
// writer hands its errors/panics to, per spec.md §4.7/§7.
func (b *Builder) WithBackgroundExceptionHandler(handler func(error)) *Builder {
	b.opts.BackgroundExceptionHandler = handler
	return b
}

func (b *Builder) WithLogger(logger *logrus.Logger) *Builder {
	b.opts.Logger = logger
	return b
}

func (b *Builder) Build() Options {
	return b.opts
}

func (o Options) compressor() encode.Compressor {
	if o.CompressHigh {
		return encode.HighCompressor
	}
	if o.CompressData {
		return encode.DefaultCompressor
	}
	return encode.NoopCompressor{}
}

func (o Options) chunkstoreOptions() chunkstore.Options {
	cacheSize := o.CacheSizeMB * 1024 * 1024
	if cacheSize <= 0 {
		cacheSize = chunkstore.DefaultCacheSize
	}
	return chunkstore.Options{
		Path:          o.FileName,
		ReadOnly:      o.ReadOnly,
		EncryptionKey: o.EncryptionKey,
		CacheSize:     cacheSize,
		Compressor:    o.compressor(),
		Checksum:      encode.DefaultChecksum,
		PageSplitSize: o.PageSplitSize,
		RetentionTime: DefaultRetentionTime,
		Logger:        o.Logger,
	}
}
