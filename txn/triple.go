package txn

import (
	"fmt"

	"github.com/leftmike/kvforest/encode"
)

// Every key in a transactional map stores exactly one triple: the id of
// the transaction that last wrote it, the logId within that
// transaction's undo log the write was recorded at, and the value
// itself (nil meaning the key is logically deleted). Grounded on
// storage/kvrows/kvrows.go's version-stamped values, generalized from a
// single monotonic store version to a per-transaction undo-log cursor
// so that a still-open writer's in-flight value can be distinguished
// from a committed one without consulting the store's global version.
func encodeTriple(txID uint64, logID int64, value []byte) []byte {
	buf := encode.PutVarInt(nil, txID)
	buf = encode.PutVarLong(buf, logID)
	if value == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return encode.PutBytes(buf, value)
}

func decodeTriple(buf []byte) (txID uint64, logID int64, value []byte, err error) {
	txID, n, err := encode.VarInt(buf)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("txn: triple txId: %w", err)
	}
	buf = buf[n:]
	logID, n, err = encode.VarLong(buf)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("txn: triple logId: %w", err)
	}
	buf = buf[n:]
	if len(buf) == 0 {
		return 0, 0, nil, fmt.Errorf("txn: truncated triple")
	}
	present := buf[0]
	buf = buf[1:]
	if present == 0 {
		return txID, logID, nil, nil
	}
	value, _, err = encode.Bytes(buf)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("txn: triple value: %w", err)
	}
	return txID, logID, value, nil
}

// opType distinguishes an undo entry that superseded a live value
// (opPut) from one whose write was itself a deletion (opRemove), used
// by Commit to decide which keys can be physically dropped from the
// underlying map once the deleting transaction commits.
type opType byte

const (
	opPut opType = iota
	opRemove
)

// undoEntry is one entry in the shared undo log: enough to restore the
// previous triple at (mapID, key), or to remove the key entirely if it
// did not exist before this write. Grounded on
// storage/kvrows/kvrows.go's prepareUpdate/proposeUpdate pairing, which
// records the prior proposal so a later conflict or abort can recover
// it.
type undoEntry struct {
	opType    opType
	mapID     uint64
	key       []byte
	hadOld    bool
	oldTriple []byte
}

func (e undoEntry) encode() []byte {
	buf := []byte{byte(e.opType)}
	buf = encode.PutVarInt(buf, e.mapID)
	buf = encode.PutBytes(buf, e.key)
	if e.hadOld {
		buf = append(buf, 1)
		buf = encode.PutBytes(buf, e.oldTriple)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func decodeUndoEntry(buf []byte) (undoEntry, error) {
	if len(buf) == 0 {
		return undoEntry{}, fmt.Errorf("txn: empty undo entry")
	}
	e := undoEntry{opType: opType(buf[0])}
	buf = buf[1:]
	mapID, n, err := encode.VarInt(buf)
	if err != nil {
		return undoEntry{}, fmt.Errorf("txn: undo entry mapId: %w", err)
	}
	e.mapID = mapID
	buf = buf[n:]
	key, n, err := encode.Bytes(buf)
	if err != nil {
		return undoEntry{}, fmt.Errorf("txn: undo entry key: %w", err)
	}
	e.key = key
	buf = buf[n:]
	if len(buf) == 0 {
		return undoEntry{}, fmt.Errorf("txn: truncated undo entry")
	}
	e.hadOld = buf[0] == 1
	buf = buf[1:]
	if e.hadOld {
		oldTriple, _, err := encode.Bytes(buf)
		if err != nil {
			return undoEntry{}, fmt.Errorf("txn: undo entry old triple: %w", err)
		}
		e.oldTriple = oldTriple
	}
	return e, nil
}

// undoKey addresses one undo-log entry. Transactions assign logId
// sequentially starting at 0, so a transaction's entries are found by
// direct lookup rather than by range-scanning the shared undo map.
func undoKey(txID uint64, logID int64) []byte {
	buf := encode.PutVarInt(nil, txID)
	return encode.PutVarLong(buf, logID)
}

// txStateKey addresses a transaction's durable OPEN/PREPARED marker,
// keyed only by txID since a transaction has at most one live state
// entry at a time.
func txStateKey(txID uint64) []byte {
	return encode.PutVarInt(nil, txID)
}
