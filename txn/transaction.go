package txn

import (
	"sync"

	"github.com/leftmike/kvforest/encode"
)

// Transaction is one OPEN/PREPARED/CLOSED transaction, per spec.md
// §4.8's state machine. Its own undo-log entries are addressed by a
// dense per-transaction logId counter starting at 0; SetSavepoint and
// RollbackToSavepoint operate on that counter directly rather than
// scanning the shared undo map.
type Transaction struct {
	store *Store
	id    uint64

	mu        sync.Mutex
	closed    bool
	prepared  bool
	nextLogID int64
	reads     map[readKey]readRecord
}

type readKey struct {
	mapID uint64
	key   string
}

type readRecord struct {
	value []byte
	ok    bool
}

// ID returns the transaction's assigned id.
func (tx *Transaction) ID() uint64 {
	return tx.id
}

// OpenMap returns a transactional view over the named map, creating
// the underlying map (keyed and valued as raw bytes, since every entry
// is itself the triple-encoded wire form) on first use.
func (tx *Transaction) OpenMap(name string) (*TransactionMap, error) {
	m, err := tx.store.cs.OpenMap(name, encode.BytesType{}, encode.BytesType{})
	if err != nil {
		return nil, err
	}
	tx.store.registerMap(m)
	return &TransactionMap{tx: tx, mapID: m.ID, m: m}, nil
}

// SetSavepoint returns the current logId, a mark RollbackToSavepoint
// can later rewind to.
func (tx *Transaction) SetSavepoint() int64 {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.nextLogID
}

// RollbackToSavepoint replays this transaction's undo log in
// descending logId order from nextLogID-1 down to savepoint,
// restoring each entry's prior triple (or removing the key if it had
// none), per spec.md §4.8.
func (tx *Transaction) RollbackToSavepoint(savepoint int64) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrTransactionClosed
	}

	for l := tx.nextLogID - 1; l >= savepoint; l-- {
		raw, ok := tx.store.undo.Get(undoKey(tx.id, l))
		if !ok {
			continue
		}
		e, err := decodeUndoEntry(raw.([]byte))
		if err != nil {
			return err
		}
		m, ok := tx.store.mapByID(e.mapID)
		if !ok {
			return ErrTransactionClosed
		}
		if e.hadOld {
			m.Put(e.key, e.oldTriple)
		} else {
			m.Remove(e.key)
		}
		tx.store.undo.Remove(undoKey(tx.id, l))
	}
	tx.nextLogID = savepoint
	for k := range tx.reads {
		delete(tx.reads, k)
	}
	return nil
}

// Commit finalizes the transaction: every undo entry whose write was a
// deletion and whose key still resolves to that deletion is physically
// dropped from its map, the undo log is cleared, and the transaction
// leaves the open set so its triples read as committed to everyone
// else.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrTransactionClosed
	}

	for l := int64(0); l < tx.nextLogID; l++ {
		key := undoKey(tx.id, l)
		raw, ok := tx.store.undo.Get(key)
		if !ok {
			continue
		}
		e, err := decodeUndoEntry(raw.([]byte))
		if err != nil {
			return err
		}
		if e.opType == opRemove {
			if m, ok := tx.store.mapByID(e.mapID); ok {
				if cur, ok := m.Get(e.key); ok {
					curTxID, _, curValue, err := decodeTriple(cur.([]byte))
					if err == nil && curTxID == tx.id && curValue == nil {
						m.Remove(e.key)
					}
				}
			}
		}
		tx.store.undo.Remove(key)
	}

	tx.closed = true
	tx.store.closeTx(tx.id)
	return nil
}

// Rollback discards every write this transaction made.
func (tx *Transaction) Rollback() error {
	if err := tx.RollbackToSavepoint(0); err != nil {
		return err
	}
	tx.mu.Lock()
	tx.closed = true
	tx.mu.Unlock()
	tx.store.closeTx(tx.id)
	return nil
}

// Prepare marks the transaction PREPARED and forces the underlying
// store to make its writes durable, per spec.md §4.8.
func (tx *Transaction) Prepare() error {
	tx.mu.Lock()
	if tx.closed {
		tx.mu.Unlock()
		return ErrTransactionClosed
	}
	tx.mu.Unlock()
	tx.store.setPrepared(tx.id)
	return tx.store.cs.Commit()
}

// recordReadLocked and lastReadLocked assume the caller already holds
// tx.mu; Get and TrySet both run their whole operation under that lock.
func (tx *Transaction) recordReadLocked(mapID uint64, key, value []byte, ok bool) {
	if tx.reads == nil {
		tx.reads = map[readKey]readRecord{}
	}
	tx.reads[readKey{mapID, string(key)}] = readRecord{value: value, ok: ok}
}

func (tx *Transaction) lastReadLocked(mapID uint64, key []byte) (readRecord, bool) {
	rr, ok := tx.reads[readKey{mapID, string(key)}]
	return rr, ok
}
