package txn

import (
	"bytes"
	"time"

	"github.com/leftmike/kvforest/btree"
)

// TransactionMap is one transaction's view over an underlying map:
// every stored value is a triple-encoded (txId, logId, value) record,
// and Get/TrySet resolve or install those triples through the owning
// Store's undo log.
type TransactionMap struct {
	tx    *Transaction
	mapID uint64
	m     *btree.Map
}

// Get returns the value visible to this transaction, following the
// undo log past any value written by a still-open transaction (other
// than this one).
func (tm *TransactionMap) Get(key []byte) ([]byte, bool, error) {
	tm.tx.mu.Lock()
	defer tm.tx.mu.Unlock()

	value, ok, err := tm.resolveLocked(key, tm.tx.nextLogID)
	if err != nil {
		return nil, false, err
	}
	tm.tx.recordReadLocked(tm.mapID, key, value, ok)
	return value, ok, nil
}

func (tm *TransactionMap) resolveLocked(key []byte, maxLog int64) ([]byte, bool, error) {
	rawI, existed := tm.m.Get(key)
	if !existed {
		return nil, false, nil
	}
	return tm.tx.store.resolveAsOf(tm.tx.id, maxLog, tm.mapID, key, rawI.([]byte))
}

// TrySet installs value for key, appending an undo entry so the write
// can be reversed by RollbackToSavepoint or Rollback. It fails without
// error (false, nil) if a different open transaction currently owns
// key, or if onlyIfUnchanged is set and the value has changed since
// this transaction last read it (the serializability check spec.md
// §4.8 describes). A nil value records a logical delete.
func (tm *TransactionMap) TrySet(key, value []byte, onlyIfUnchanged bool) (bool, error) {
	tm.tx.mu.Lock()
	defer tm.tx.mu.Unlock()
	if tm.tx.closed {
		return false, ErrTransactionClosed
	}

	rawI, existed := tm.m.Get(key)
	var oldRaw []byte
	if existed {
		oldRaw = rawI.([]byte)
		txID, _, _, err := decodeTriple(oldRaw)
		if err != nil {
			return false, err
		}
		if txID != tm.tx.id && tm.tx.store.isOpen(txID) {
			return false, nil
		}
	}

	if onlyIfUnchanged {
		curValue, curOK, err := tm.resolveLocked(key, tm.tx.nextLogID)
		if err != nil {
			return false, err
		}
		rr, tracked := tm.tx.lastReadLocked(tm.mapID, key)
		if !tracked || rr.ok != curOK || (curOK && !bytes.Equal(rr.value, curValue)) {
			return false, nil
		}
	}

	logID := tm.tx.nextLogID
	newRaw := encodeTriple(tm.tx.id, logID, value)

	var installed bool
	if existed {
		installed = tm.m.Replace(key, oldRaw, newRaw)
	} else {
		installed = tm.m.PutIfAbsent(key, newRaw)
	}
	if !installed {
		return false, nil
	}
	tm.tx.nextLogID++

	op := opPut
	if value == nil {
		op = opRemove
	}
	tm.tx.store.undo.Put(undoKey(tm.tx.id, logID), undoEntry{
		opType:    op,
		mapID:     tm.mapID,
		key:       append([]byte(nil), key...),
		hadOld:    existed,
		oldTriple: oldRaw,
	}.encode())
	return true, nil
}

// Set wraps TrySet with a bounded retry/sleep loop up to the store's
// lockTimeout, per spec.md §4.8. It retries after every false result
// from TrySet, whatever the cause (a conflicting open transaction, an
// onlyIfUnchanged mismatch, or a lost compare-and-set), and returns
// ErrLockTimeout once lockTimeout has passed.
func (tm *TransactionMap) Set(key, value []byte, onlyIfUnchanged bool) error {
	deadline := time.Now().Add(tm.tx.store.lockTimeout)
	for {
		ok, err := tm.TrySet(key, value, onlyIfUnchanged)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(tm.tx.store.retryInterval)
	}
}
