// Package kvforest is a log-structured, copy-on-write, multi-version
// B-tree key-value store: an embeddable storage engine, not a SQL
// database. Open wires the file backend, page cache, B-tree maps,
// chunk/commit engine, background writer, and transaction store
// together behind a single Store.
package kvforest

import (
	"fmt"

	"github.com/leftmike/kvforest/bgwriter"
	"github.com/leftmike/kvforest/chunkstore"
	"github.com/leftmike/kvforest/txn"
)

// Store is an open key-value store. Every read/write goes through a
// Transaction opened with Begin.
type Store struct {
	cs  *chunkstore.Store
	txs *txn.Store
	bg  *bgwriter.Writer
}

// Open opens or creates the store named by opts.FileName, recovering
// the newest consistent chunk if the file already exists, and starts
// the background writer if opts.WriteDelay > 0 and the store is not
// read-only.
func Open(opts Options) (*Store, error) {
	if opts.FileName == "" {
		return nil, fmt.Errorf("%w: kvforest.Open: FileName is required", ErrInternal)
	}

	cs, err := chunkstore.Open(opts.chunkstoreOptions())
	if err != nil {
		return nil, err
	}

	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = txn.DefaultLockTimeout
	}
	txs, err := txn.Open(cs, lockTimeout)
	if err != nil {
		cs.Close()
		return nil, err
	}

	s := &Store{cs: cs, txs: txs}

	if !opts.ReadOnly && opts.WriteDelay > 0 {
		handler := opts.BackgroundExceptionHandler
		s.bg = bgwriter.Start(cs, opts.WriteDelay, handler, opts.Logger)
	}
	return s, nil
}

// Begin starts a new transaction. Transactions from the same Store
// may run concurrently; only one Transaction at a time may hold an
// open write (TrySet/Set) on any given key, per spec.md §4.8's
// conflict rule.
func (s *Store) Begin() *txn.Transaction {
	return s.txs.Begin()
}

// OpenTransactions lists every transaction still OPEN or PREPARED,
// including ones left that way by a prior session (spec.md §4.8's
// two-phase-commit scenario: a transaction's id and status survive a
// close/reopen until it is explicitly committed or rolled back).
func (s *Store) OpenTransactions() []txn.TransactionStatus {
	return s.txs.OpenTransactions()
}

// Resume returns the Transaction object for a transaction id reported
// by OpenTransactions, so its prior session's caller can Prepare,
// Commit, or Rollback it to a conclusion.
func (s *Store) Resume(txID uint64) (*txn.Transaction, error) {
	return s.txs.Resume(txID)
}

// Commit forces every pending transactional write to a durable chunk,
// independent of any particular Transaction's own Commit/Prepare.
// Most callers never need this directly: Transaction.Commit leaves the
// write durable only once a later Commit or background flush runs,
// matching spec.md §4.8's "prepare forces a commit of the underlying
// store" note for two-phase commit.
func (s *Store) Commit() error {
	return s.cs.Commit()
}

// CurrentVersion returns the store's monotonic version counter.
func (s *Store) CurrentVersion() int64 {
	return s.cs.CurrentVersion()
}

// Stats reports the chunk-table bookkeeping spec.md §1 excludes a CLI
// for but that callers may still want programmatically.
func (s *Store) Stats() chunkstore.Stats {
	return s.cs.Stats()
}

// Compact rewrites all live data into a fresh chunk when any chunk's
// fill rate is at or below targetFillRate; see chunkstore.Store.Compact.
func (s *Store) Compact(targetFillRate int) error {
	return s.cs.Compact(targetFillRate)
}

// Close stops the background writer and releases the underlying file.
// Close is idempotent.
func (s *Store) Close() error {
	s.bg.Stop()
	return s.cs.Close()
}
