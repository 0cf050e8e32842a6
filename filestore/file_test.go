package filestore

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	f, err := Open(path, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	pos := f.Allocate(BlockSize)
	data := bytes.Repeat([]byte{0x5a}, BlockSize)
	if err := f.WriteFully(pos, data); err != nil {
		t.Fatal(err)
	}
	if err := f.Sync(); err != nil {
		t.Fatal(err)
	}
	got, err := f.ReadFully(pos, BlockSize)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("read back data does not match what was written")
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	f, err := Open(path, false, []byte("007"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	pos := f.Allocate(BlockSize)
	data := bytes.Repeat([]byte{0x11, 0x22}, BlockSize/2)
	if err := f.WriteFully(pos, data); err != nil {
		t.Fatal(err)
	}
	got, err := f.ReadFully(pos, BlockSize)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("encrypted round trip did not return original plaintext")
	}
}

func TestExclusiveLockConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	f1, err := Open(path, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer f1.Close()

	if _, err := Open(path, false, nil); err == nil {
		t.Fatal("expected second exclusive open to fail")
	}
}

func TestAllocateReusesFreedSpace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	f, err := Open(path, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	a := f.Allocate(BlockSize)
	b := f.Allocate(BlockSize)
	f.Free(a, BlockSize)

	c := f.Allocate(BlockSize)
	if c != a {
		t.Fatalf("Allocate() after Free() = %d; want reused offset %d", c, a)
	}
	_ = b
}

func TestFillRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	f, err := Open(path, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if rate := f.FillRate(); rate != 100 {
		t.Fatalf("FillRate() on empty file = %d; want 100", rate)
	}
	f.Allocate(BlockSize)
	if rate := f.FillRate(); rate <= 0 {
		t.Fatalf("FillRate() after allocate = %d; want > 0", rate)
	}
}
