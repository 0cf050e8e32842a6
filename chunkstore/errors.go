package chunkstore

import "errors"

// Sentinel errors surfaced to callers, matching the store's error
// taxonomy (spec.md §7): corruption and format mismatches are fatal to
// Open; the rest are returned from individual operations.
var (
	ErrFileCorrupt       = errors.New("chunkstore: file corrupt")
	ErrUnsupportedFormat = errors.New("chunkstore: unsupported format")
	ErrClosed            = errors.New("chunkstore: store is closed")
	ErrUnknownVersion    = errors.New("chunkstore: unknown version")
	ErrUnknownMap        = errors.New("chunkstore: unknown map")
	ErrWritingFailed     = errors.New("chunkstore: writing failed")
)
