// Package bgwriter implements the background writer: a single daemon
// goroutine that periodically flushes unsaved changes as a temp chunk,
// per spec.md §4.7. It is started only when writeDelay > 0 and is the
// store's only suspension point besides the transaction store's
// lockTimeout retry, per spec.md §5.
package bgwriter

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/leftmike/kvforest/chunkstore"
)

// Store is the subset of *chunkstore.Store the background writer
// needs, named so tests can substitute a fake without opening a real
// file.
type Store interface {
	CurrentVersion() int64
	HasUnsavedChanges() bool
	FlushTemp(rollbackOnOpen int64) error
}

var _ Store = (*chunkstore.Store)(nil)

// Writer runs the background flush goroutine, grounded on
// server/ssh.go's mutex-guarded closed-bool shutdown, generalized from
// a listener loop to a ticker loop.
type Writer struct {
	store   Store
	delay   time.Duration
	handler func(error)
	log     *logrus.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Start launches the background writer if delay > 0, returning nil
// (no writer) otherwise. handler receives every error the flush loop
// encounters, including a recovered panic, and is never called
// concurrently. logger defaults to logrus's standard logger.
func Start(store Store, delay time.Duration, handler func(error), logger *logrus.Logger) *Writer {
	if delay <= 0 {
		return nil
	}
	if handler == nil {
		handler = func(error) {}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	w := &Writer{
		store:   store,
		delay:   delay,
		handler: handler,
		log:     logger,
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// run ticks every delay/10, the daemon loop spec.md §4.7 describes.
func (w *Writer) run() {
	tick := delay10(w.delay)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	lastStoreTime := time.Now()
	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			if !w.store.HasUnsavedChanges() {
				continue
			}
			if !now.After(lastStoreTime.Add(w.delay)) {
				continue
			}
			lastStoreTime = now
			w.flushOnce()
		}
	}
}

func delay10(delay time.Duration) time.Duration {
	tick := delay / 10
	if tick <= 0 {
		tick = time.Millisecond
	}
	return tick
}

// flushOnce performs one store(temp=true), recovering a panic into the
// handler so a single bad flush never takes the goroutine down.
func (w *Writer) flushOnce() {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Error("bgwriter: recovered from panic")
			w.handler(panicError{r})
		}
	}()

	version := w.store.CurrentVersion()
	if err := w.store.FlushTemp(version); err != nil {
		w.log.WithError(err).Warn("bgwriter: temp flush failed")
		w.handler(err)
	}
}

// Stop signals the goroutine to exit and returns without waiting for
// it; a flush already in progress runs to completion. Stop is
// idempotent and safe to call on a nil *Writer.
func (w *Writer) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.done)
	w.mu.Unlock()
}

type panicError struct {
	value interface{}
}

func (p panicError) Error() string {
	return "bgwriter: panic: " + toString(p.value)
}

func toString(v interface{}) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "non-string panic value"
}
