package txn

import (
	"path/filepath"
	"testing"

	"github.com/leftmike/kvforest/chunkstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	cs, err := chunkstore.Open(chunkstore.Options{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cs.Close() })

	s, err := Open(cs, 0)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSetAndGetWithinTransaction(t *testing.T) {
	s := openTestStore(t)

	tx := s.Begin()
	m, err := tx.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := m.TrySet([]byte("a"), []byte("1"), false); err != nil || !ok {
		t.Fatalf("TrySet(a) = %v, %v; want true, nil", ok, err)
	}
	v, ok, err := m.Get([]byte("a"))
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("Get(a) = %q, %v, %v; want 1, true, nil", v, ok, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestCommittedWriteVisibleToNewTransaction(t *testing.T) {
	s := openTestStore(t)

	tx1 := s.Begin()
	m1, err := tx1.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := m1.TrySet([]byte("a"), []byte("1"), false); err != nil || !ok {
		t.Fatal(err)
	}
	if err := tx1.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2 := s.Begin()
	m2, err := tx2.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	v, ok, err := m2.Get([]byte("a"))
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("Get(a) after commit = %q, %v, %v; want 1, true, nil", v, ok, err)
	}
}

func TestUncommittedWriteNotVisibleToOtherTransaction(t *testing.T) {
	s := openTestStore(t)

	tx1 := s.Begin()
	m1, err := tx1.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := m1.TrySet([]byte("a"), []byte("1"), false); err != nil || !ok {
		t.Fatal(err)
	}

	tx2 := s.Begin()
	m2, err := tx2.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, err := m2.Get([]byte("a")); err != nil || ok {
		t.Fatalf("Get(a) from a concurrent transaction = _, %v, %v; want false, nil", ok, err)
	}

	if ok, err := m2.TrySet([]byte("a"), []byte("2"), false); err != nil || ok {
		t.Fatalf("TrySet(a) against an open writer's key = %v, %v; want false, nil", ok, err)
	}

	if err := tx1.Rollback(); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := m2.Get([]byte("a")); err != nil || ok {
		t.Fatalf("Get(a) after the writer rolled back = _, %v, %v; want false, nil", ok, err)
	}
}

func TestRollbackToSavepoint(t *testing.T) {
	s := openTestStore(t)

	tx := s.Begin()
	m, err := tx.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := m.TrySet([]byte("a"), []byte("1"), false); err != nil || !ok {
		t.Fatal(err)
	}
	sp := tx.SetSavepoint()
	if ok, err := m.TrySet([]byte("a"), []byte("2"), false); err != nil || !ok {
		t.Fatal(err)
	}
	if ok, err := m.TrySet([]byte("b"), []byte("x"), false); err != nil || !ok {
		t.Fatal(err)
	}

	if err := tx.RollbackToSavepoint(sp); err != nil {
		t.Fatal(err)
	}

	v, ok, err := m.Get([]byte("a"))
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("Get(a) after rollback to savepoint = %q, %v, %v; want 1, true, nil", v, ok, err)
	}
	if _, ok, err := m.Get([]byte("b")); err != nil || ok {
		t.Fatalf("Get(b) after rollback to savepoint = _, %v, %v; want false, nil", ok, err)
	}
}

func TestTrySetOnlyIfUnchangedFailsAfterConcurrentCommit(t *testing.T) {
	s := openTestStore(t)

	tx0 := s.Begin()
	m0, err := tx0.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := m0.TrySet([]byte("a"), []byte("1"), false); err != nil || !ok {
		t.Fatal(err)
	}
	if err := tx0.Commit(); err != nil {
		t.Fatal(err)
	}

	tx1 := s.Begin()
	m1, err := tx1.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := m1.Get([]byte("a")); err != nil {
		t.Fatal(err)
	}

	tx2 := s.Begin()
	m2, err := tx2.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := m2.TrySet([]byte("a"), []byte("2"), false); err != nil || !ok {
		t.Fatal(err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}

	if ok, err := m1.TrySet([]byte("a"), []byte("3"), true); err != nil || ok {
		t.Fatalf("onlyIfUnchanged TrySet after a concurrent commit = %v, %v; want false, nil",
			ok, err)
	}
}

func TestRemoveIsPhysicallyDroppedAfterCommit(t *testing.T) {
	s := openTestStore(t)

	tx1 := s.Begin()
	m1, err := tx1.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := m1.TrySet([]byte("a"), []byte("1"), false); err != nil || !ok {
		t.Fatal(err)
	}
	if err := tx1.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2 := s.Begin()
	m2, err := tx2.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := m2.TrySet([]byte("a"), nil, false); err != nil || !ok {
		t.Fatal(err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}

	tx3 := s.Begin()
	m3, err := tx3.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, err := m3.Get([]byte("a")); err != nil || ok {
		t.Fatalf("Get(a) after committed delete = _, %v, %v; want false, nil", ok, err)
	}
	if _, ok := m3.m.Get([]byte("a")); ok {
		t.Fatal("underlying map still holds a after the committed delete")
	}
}
