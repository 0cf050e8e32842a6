package btree

import (
	"fmt"
	"testing"

	"github.com/leftmike/kvforest/encode"
	"github.com/leftmike/kvforest/page"
)

// testVersion is a minimal VersionSource for tests: the version only
// advances when the test explicitly calls Increment, mirroring the
// store's incrementVersion operation.
type testVersion struct {
	v int64
}

func (tv *testVersion) CurrentVersion() int64 { return tv.v }
func (tv *testVersion) Increment()            { tv.v++ }

// noLoader is used by maps that never retain enough history to need
// disk-backed loading in these tests.
type noLoader struct{}

func (noLoader) LoadPage(page.Pos) (*page.Page, error) {
	return nil, fmt.Errorf("btree: unexpected page load in test")
}

func (noLoader) LoadRoot(uint64, int64) (*page.Page, error) {
	return nil, fmt.Errorf("btree: version not retained in test")
}

func newTestMap(t *testing.T, tv *testVersion) *Map {
	t.Helper()
	return New(1, "data", encode.StringType{}, encode.StringType{}, tv, noLoader{})
}

func TestPutGetRoundTrip(t *testing.T) {
	tv := &testVersion{}
	m := newTestMap(t, tv)

	for i := 0; i < 200; i++ {
		m.Put(fmt.Sprintf("key-%04d", i), fmt.Sprintf("value-%d", i))
	}
	for i := 0; i < 200; i++ {
		v, ok := m.Get(fmt.Sprintf("key-%04d", i))
		if !ok || v.(string) != fmt.Sprintf("value-%d", i) {
			t.Fatalf("Get(key-%04d) = %v, %v", i, v, ok)
		}
	}
	if _, ok := m.Get("missing"); ok {
		t.Fatal("Get(missing) found unexpectedly")
	}
}

func TestRemove(t *testing.T) {
	tv := &testVersion{}
	m := newTestMap(t, tv)
	for i := 0; i < 50; i++ {
		m.Put(fmt.Sprintf("k%02d", i), "v")
	}
	for i := 0; i < 50; i += 2 {
		if !m.Remove(fmt.Sprintf("k%02d", i)) {
			t.Fatalf("Remove(k%02d) = false", i)
		}
	}
	if m.Remove("k00") {
		t.Fatal("Remove(k00) should already be gone")
	}
	for i := 1; i < 50; i += 2 {
		if _, ok := m.Get(fmt.Sprintf("k%02d", i)); !ok {
			t.Fatalf("Get(k%02d) missing after unrelated removes", i)
		}
	}
}

func TestPutIfAbsentAndReplace(t *testing.T) {
	tv := &testVersion{}
	m := newTestMap(t, tv)

	if !m.PutIfAbsent("a", "1") {
		t.Fatal("PutIfAbsent(a) = false on empty map")
	}
	if m.PutIfAbsent("a", "2") {
		t.Fatal("PutIfAbsent(a) = true when already present")
	}
	if m.Replace("a", "wrong", "3") {
		t.Fatal("Replace with wrong old value succeeded")
	}
	if !m.Replace("a", "1", "3") {
		t.Fatal("Replace with correct old value failed")
	}
	v, _ := m.Get("a")
	if v.(string) != "3" {
		t.Fatalf("Get(a) = %v; want 3", v)
	}
}

func TestRankKeyConsistency(t *testing.T) {
	tv := &testVersion{}
	m := newTestMap(t, tv)
	keys := []string{"b", "d", "f", "h", "j"}
	for _, k := range keys {
		m.Put(k, k)
	}

	for i, k := range keys {
		idx := m.GetKeyIndex(k)
		if idx != int64(i) {
			t.Fatalf("GetKeyIndex(%s) = %d; want %d", k, idx, i)
		}
		got, ok := m.GetKey(idx)
		if !ok || got.(string) != k {
			t.Fatalf("GetKey(%d) = %v, %v; want %s", idx, got, ok, k)
		}
	}

	idx := m.GetKeyIndex("c")
	if idx >= 0 {
		t.Fatalf("GetKeyIndex(c) = %d; want negative", idx)
	}
	if -idx-1 != 1 {
		t.Fatalf("insertion point for c = %d; want 1", -idx-1)
	}
}

func TestNavigation(t *testing.T) {
	tv := &testVersion{}
	m := newTestMap(t, tv)
	for _, k := range []string{"b", "d", "f", "h"} {
		m.Put(k, k)
	}

	if k, ok := m.CeilingKey("c"); !ok || k.(string) != "d" {
		t.Fatalf("CeilingKey(c) = %v, %v; want d", k, ok)
	}
	if k, ok := m.FloorKey("c"); !ok || k.(string) != "b" {
		t.Fatalf("FloorKey(c) = %v, %v; want b", k, ok)
	}
	if k, ok := m.HigherKey("d"); !ok || k.(string) != "f" {
		t.Fatalf("HigherKey(d) = %v, %v; want f", k, ok)
	}
	if k, ok := m.LowerKey("d"); !ok || k.(string) != "b" {
		t.Fatalf("LowerKey(d) = %v, %v; want b", k, ok)
	}
	if _, ok := m.LowerKey("b"); ok {
		t.Fatal("LowerKey(b) should not exist")
	}
	if _, ok := m.HigherKey("h"); ok {
		t.Fatal("HigherKey(h) should not exist")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	tv := &testVersion{}
	m := newTestMap(t, tv)
	m.Put("1", "Hello")
	m.Put("2", "World")
	v0 := tv.CurrentVersion()
	tv.Increment()

	m.Put("1", "Hi")
	m.Remove("2")

	snap, err := m.OpenVersion(v0)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := snap.Get("1"); !ok || v.(string) != "Hello" {
		t.Fatalf("snapshot Get(1) = %v, %v; want Hello", v, ok)
	}
	if v, ok := snap.Get("2"); !ok || v.(string) != "World" {
		t.Fatalf("snapshot Get(2) = %v, %v; want World", v, ok)
	}
	if v, ok := m.Get("1"); !ok || v.(string) != "Hi" {
		t.Fatalf("current Get(1) = %v, %v; want Hi", v, ok)
	}
	if _, ok := m.Get("2"); ok {
		t.Fatal("current Get(2) should be removed")
	}
}

func TestKeyIterator(t *testing.T) {
	tv := &testVersion{}
	m := newTestMap(t, tv)
	for i := 0; i < 10; i++ {
		m.Put(fmt.Sprintf("%02d", i), fmt.Sprintf("%02d", i))
	}
	it := m.KeyIterator(nil)
	count := 0
	for it.HasNext() {
		k, ok := it.Next()
		if !ok {
			t.Fatal("HasNext true but Next failed")
		}
		want := fmt.Sprintf("%02d", count)
		if k.(string) != want {
			t.Fatalf("Next() = %v; want %v", k, want)
		}
		count++
	}
	if count != 10 {
		t.Fatalf("iterated %d keys; want 10", count)
	}

	it = m.KeyIterator(nil)
	it.Skip(5)
	k, ok := it.Next()
	if !ok || k.(string) != "05" {
		t.Fatalf("after Skip(5), Next() = %v, %v; want 05", k, ok)
	}
}

func TestConcurrentWriterPanics(t *testing.T) {
	tv := &testVersion{}
	m := newTestMap(t, tv)
	m.lockWriting()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on concurrent write")
		}
	}()
	m.Put("a", "b")
}
