package txn

import "errors"

var (
	ErrTransactionClosed = errors.New("txn: transaction already closed")
	ErrLockTimeout       = errors.New("txn: lock wait timed out")
)
