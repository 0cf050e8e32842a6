package kvforest

import (
	"errors"

	"github.com/leftmike/kvforest/chunkstore"
	"github.com/leftmike/kvforest/txn"
)

// Sentinel errors matching spec.md §6's error-code taxonomy. Most are
// re-exported from the package that actually detects the condition
// (chunkstore for file/format/version errors, txn for lock timeouts)
// so callers can errors.Is against one stable set regardless of which
// internal layer surfaced the failure.
var (
	ErrFileCorrupt       = chunkstore.ErrFileCorrupt
	ErrUnsupportedFormat = chunkstore.ErrUnsupportedFormat
	ErrClosed            = chunkstore.ErrClosed
	ErrUnknownVersion    = chunkstore.ErrUnknownVersion
	ErrWritingFailed     = chunkstore.ErrWritingFailed
	ErrLockTimeout       = txn.ErrLockTimeout
	ErrTransactionClosed = txn.ErrTransactionClosed
	ErrInternal          = errors.New("kvforest: internal error")
)
