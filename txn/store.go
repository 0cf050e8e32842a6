// Package txn implements the transaction store: a transactional view
// over chunkstore/btree maps where every value is a (txId, logId,
// value) triple and an undo log makes every write reversible.
// Grounded directly on storage/kvrows/kvrows.go's version/epoch/commit
// protocol, generalized from SQL rows to arbitrary byte keys/values.
package txn

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/leftmike/kvforest/btree"
	"github.com/leftmike/kvforest/chunkstore"
	"github.com/leftmike/kvforest/encode"
)

// DefaultLockTimeout bounds Set's retry loop, per spec.md §6.
const DefaultLockTimeout = 5 * time.Second

// retryInterval paces Set's bounded retry loop while it waits for a
// conflicting open transaction to close.
const retryInterval = 5 * time.Millisecond

const undoMapName = "txn.undo"
const stateMapName = "txn.state"

// txState tracks whether a transaction's writes are still subject to
// conflict/visibility rules (OPEN or PREPARED) or have been finalized.
type txState int

const (
	txOpen txState = iota
	txPrepared
)

// Store is the transaction store: one undo log shared by every
// transactional map it opens, plus the bookkeeping needed to tell
// whether a triple's owning transaction is still open.
type Store struct {
	cs            *chunkstore.Store
	undo          *btree.Map
	state         *btree.Map
	lockTimeout   time.Duration
	retryInterval time.Duration

	mu       sync.Mutex
	lastTxID uint64
	open     map[uint64]txState
	mapsByID map[uint64]*btree.Map
}

// Open creates the transaction store's undo log and open-transaction
// table on top of an already opened chunk store, reviving any
// transaction left OPEN or PREPARED by a prior session (spec.md §4.8's
// scenario B: a transaction survives a close/reopen with its id and
// status intact until it is explicitly committed or rolled back).
// lockTimeout of zero uses DefaultLockTimeout.
func Open(cs *chunkstore.Store, lockTimeout time.Duration) (*Store, error) {
	undo, err := cs.OpenMap(undoMapName, encode.BytesType{}, encode.BytesType{})
	if err != nil {
		return nil, err
	}
	state, err := cs.OpenMap(stateMapName, encode.BytesType{}, encode.BytesType{})
	if err != nil {
		return nil, err
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	s := &Store{
		cs:            cs,
		undo:          undo,
		state:         state,
		lockTimeout:   lockTimeout,
		retryInterval: retryInterval,
		open:          map[uint64]txState{},
		mapsByID:      map[uint64]*btree.Map{},
	}

	it := state.KeyIterator(nil)
	for {
		k, ok := it.Next()
		if !ok {
			break
		}
		txID, _, err := encode.VarInt(k.([]byte))
		if err != nil {
			return nil, fmt.Errorf("txn: open-transaction key: %w", err)
		}
		v, _ := state.Get(k)
		raw := v.([]byte)
		if len(raw) != 1 {
			return nil, fmt.Errorf("txn: malformed state entry for tx %d", txID)
		}
		s.open[txID] = txState(raw[0])
		if txID > s.lastTxID {
			s.lastTxID = txID
		}
	}
	return s, nil
}

// Begin starts a new transaction, assigning it the next transaction id.
func (s *Store) Begin() *Transaction {
	s.mu.Lock()
	s.lastTxID++
	id := s.lastTxID
	s.open[id] = txOpen
	s.state.Put(txStateKey(id), []byte{byte(txOpen)})
	s.mu.Unlock()
	return &Transaction{store: s, id: id}
}

// Resume returns the Transaction object for a transaction an earlier
// session left OPEN or PREPARED, recovering nextLogID from the undo
// log's existing entries so the resumed transaction can still append
// to or replay its own history.
func (s *Store) Resume(txID uint64) (*Transaction, error) {
	s.mu.Lock()
	state, ok := s.open[txID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("txn: transaction %d is not open", txID)
	}

	var nextLogID int64
	for {
		if _, ok := s.undo.Get(undoKey(txID, nextLogID)); !ok {
			break
		}
		nextLogID++
	}

	tx := &Transaction{store: s, id: txID, nextLogID: nextLogID}
	if state == txPrepared {
		tx.prepared = true
	}
	return tx, nil
}

// OpenTransactions lists every transaction still OPEN or PREPARED,
// durable across a close/reopen until it is committed or rolled back.
func (s *Store) OpenTransactions() []TransactionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TransactionStatus, 0, len(s.open))
	for id, st := range s.open {
		out = append(out, TransactionStatus{ID: id, Prepared: st == txPrepared})
	}
	return out
}

// TransactionStatus describes one entry of OpenTransactions.
type TransactionStatus struct {
	ID       uint64
	Prepared bool
}

// isOpen reports whether txID's writes are still subject to
// write-conflict rules: true for both OPEN and PREPARED, false once
// the transaction has committed or rolled back and been dropped from
// the open set.
func (s *Store) isOpen(txID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[txID]
	return ok
}

func (s *Store) setPrepared(txID uint64) {
	s.mu.Lock()
	s.open[txID] = txPrepared
	s.state.Put(txStateKey(txID), []byte{byte(txPrepared)})
	s.mu.Unlock()
}

func (s *Store) closeTx(txID uint64) {
	s.mu.Lock()
	delete(s.open, txID)
	s.state.Remove(txStateKey(txID))
	s.mu.Unlock()
}

func (s *Store) registerMap(m *btree.Map) {
	s.mu.Lock()
	s.mapsByID[m.ID] = m
	s.mu.Unlock()
}

func (s *Store) mapByID(id uint64) (*btree.Map, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mapsByID[id]
	return m, ok
}

func (s *Store) undoOldTriple(txID uint64, logID int64, mapID uint64,
	key []byte) ([]byte, bool, error) {

	raw, ok := s.undo.Get(undoKey(txID, logID))
	if !ok {
		return nil, false, nil
	}
	e, err := decodeUndoEntry(raw.([]byte))
	if err != nil {
		return nil, false, err
	}
	if e.mapID != mapID || !bytes.Equal(e.key, key) {
		return nil, false, fmt.Errorf("txn: undo entry for tx %d log %d does not match key",
			txID, logID)
	}
	return e.oldTriple, e.hadOld, nil
}

// resolveAsOf walks the (txId, logId) chain backward from raw until it
// finds a triple visible to selfID at maxLog: either a triple written
// by selfID before maxLog, or one whose writer is no longer open.
// Per spec.md §4.8's visibility rule, a key reads as absent if that
// walk runs out of undo history to restore.
func (s *Store) resolveAsOf(selfID uint64, maxLog int64, mapID uint64, key,
	raw []byte) ([]byte, bool, error) {

	for {
		txID, logID, value, err := decodeTriple(raw)
		if err != nil {
			return nil, false, err
		}
		var visible bool
		if txID == selfID {
			visible = logID < maxLog
		} else {
			visible = !s.isOpen(txID)
		}
		if visible {
			return value, value != nil, nil
		}
		old, hadOld, err := s.undoOldTriple(txID, logID, mapID, key)
		if err != nil {
			return nil, false, err
		}
		if !hadOld {
			return nil, false, nil
		}
		raw = old
	}
}
