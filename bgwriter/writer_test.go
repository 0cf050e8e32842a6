package bgwriter

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu          sync.Mutex
	current     int64
	lastStored  int64
	flushCount  int
	flushErr    error
	flushBlocks int64 // FlushTemp's rollbackOnOpen argument from the last call
}

func (f *fakeStore) CurrentVersion() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeStore) LastStoredVersion() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastStored
}

func (f *fakeStore) HasUnsavedChanges() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastStored < f.current
}

func (f *fakeStore) FlushTemp(rollbackOnOpen int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCount++
	f.flushBlocks = rollbackOnOpen
	if f.flushErr != nil {
		return f.flushErr
	}
	f.lastStored = f.current
	return nil
}

func (f *fakeStore) snapshot() (flushCount int, lastStored int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushCount, f.lastStored
}

func TestStartReturnsNilWhenDelayIsZero(t *testing.T) {
	w := Start(&fakeStore{}, 0, nil, nil)
	if w != nil {
		t.Fatalf("Start with delay 0 = %v, want nil", w)
	}
	w.Stop() // must not panic on a nil *Writer
}

func TestFlushesWhenUnsaved(t *testing.T) {
	f := &fakeStore{current: 1, lastStored: 0}
	w := Start(f, 20*time.Millisecond, nil, nil)
	defer w.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if count, stored := f.snapshot(); count > 0 && stored == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background writer never flushed an unsaved version")
}

func TestDoesNotFlushWhenAlreadyStored(t *testing.T) {
	f := &fakeStore{current: 1, lastStored: 1}
	w := Start(f, 20*time.Millisecond, nil, nil)
	time.Sleep(100 * time.Millisecond)
	w.Stop()

	if count, _ := f.snapshot(); count != 0 {
		t.Fatalf("flushCount = %d, want 0 when lastStoredVersion == currentVersion", count)
	}
}

func TestHandlerReceivesFlushError(t *testing.T) {
	f := &fakeStore{current: 1, lastStored: 0, flushErr: errors.New("disk full")}
	errs := make(chan error, 1)
	w := Start(f, 20*time.Millisecond, func(err error) { errs <- err }, nil)
	defer w.Stop()

	select {
	case err := <-errs:
		if err == nil || err.Error() != "disk full" {
			t.Fatalf("handler error = %v, want disk full", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was never called with the flush error")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	w := Start(&fakeStore{current: 1}, 20*time.Millisecond, nil, nil)
	w.Stop()
	w.Stop()
}
