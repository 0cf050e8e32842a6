// Package filestore provides the store's file backend: aligned
// random read/write over an exclusively locked file, in-memory
// free-space tracking, and an optional transparent per-block cipher.
package filestore

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// BlockSize is the file's alignment unit: store headers and chunks are
// always a multiple of BlockSize bytes.
const BlockSize = 4096

// File is the store's file backend. All methods are safe for
// concurrent use by multiple readers; writers are expected to
// serialize through the chunk store's commit lock.
type File struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	readOnly bool
	size     int64
	free     *freeList
	cipher   *blockCipher
}

// Open opens path for random access, acquiring an exclusive advisory
// lock for read/write access or a shared lock for read-only access; a
// second exclusive open of the same path fails while the first is
// held. If password is non-empty, file content is transparently
// encrypted per block.
func Open(path string, readOnly bool, password []byte) (*File, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0666)
	if err != nil {
		return nil, fmt.Errorf("filestore: opening %s: %w", path, err)
	}

	lockType := unix.LOCK_EX
	if readOnly {
		lockType = unix.LOCK_SH
	}
	if err := unix.Flock(int(f.Fd()), lockType|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("filestore: %s is locked by another process: %w", path, err)
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("filestore: %s: seeking to end: %w", path, err)
	}

	file := &File{f: f, path: path, readOnly: readOnly, size: size, free: newFreeList()}
	file.free.reset(2*BlockSize, size)

	if len(password) > 0 {
		bc, err := deriveKey(password, []byte(path))
		if err != nil {
			f.Close()
			return nil, err
		}
		file.cipher = bc
	}

	return file, nil
}

// Close releases the file's lock and closes the underlying descriptor.
// Close is idempotent.
func (file *File) Close() error {
	file.mu.Lock()
	defer file.mu.Unlock()
	if file.f == nil {
		return nil
	}
	err := file.f.Close()
	file.f = nil
	return err
}

// Size returns the file's current byte length.
func (file *File) Size() int64 {
	file.mu.Lock()
	defer file.mu.Unlock()
	return file.size
}

// ReadFully reads exactly length bytes starting at pos, decrypting them
// if the file was opened with a password. Encryption only applies to
// block-aligned, block-length regions (store headers and chunks are
// always such); any other region is stored and read back unencrypted.
func (file *File) ReadFully(pos int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	file.mu.Lock()
	n, err := file.f.ReadAt(buf, pos)
	file.mu.Unlock()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("filestore: reading at %d: %w", pos, err)
	}
	if n < length {
		return nil, fmt.Errorf("filestore: short read at %d: got %d, want %d", pos, n, length)
	}
	if file.cipher != nil && pos%BlockSize == 0 && length%BlockSize == 0 {
		transformBlocks(file.cipher, pos, buf)
	}
	return buf, nil
}

// WriteFully writes buf at pos, encrypting it first if the file was
// opened with a password and the region is block-aligned.
func (file *File) WriteFully(pos int64, buf []byte) error {
	if file.readOnly {
		return fmt.Errorf("filestore: %s: write to read-only file", file.path)
	}
	out := buf
	if file.cipher != nil && pos%BlockSize == 0 && len(buf)%BlockSize == 0 {
		out = append([]byte(nil), buf...)
		transformBlocks(file.cipher, pos, out)
	}

	file.mu.Lock()
	defer file.mu.Unlock()
	if _, err := file.f.WriteAt(out, pos); err != nil {
		return fmt.Errorf("filestore: writing at %d: %w", pos, err)
	}
	if end := pos + int64(len(buf)); end > file.size {
		file.size = end
	}
	return nil
}

// Truncate shrinks or grows the file to exactly length bytes.
func (file *File) Truncate(length int64) error {
	if file.readOnly {
		return fmt.Errorf("filestore: %s: truncate of read-only file", file.path)
	}
	file.mu.Lock()
	defer file.mu.Unlock()
	if err := file.f.Truncate(length); err != nil {
		return fmt.Errorf("filestore: truncating %s: %w", file.path, err)
	}
	file.size = length
	return nil
}

// Sync forces buffered writes to stable storage.
func (file *File) Sync() error {
	file.mu.Lock()
	defer file.mu.Unlock()
	if file.readOnly {
		return nil
	}
	if err := file.f.Sync(); err != nil {
		return fmt.Errorf("filestore: syncing %s: %w", file.path, err)
	}
	return nil
}

// MarkUsed records [pos, pos+length) as allocated, for extents learned
// from recovery rather than from a fresh Allocate call.
func (file *File) MarkUsed(pos int64, length int64) {
	file.mu.Lock()
	defer file.mu.Unlock()
	file.free.markUsed(pos, length)
}

// Free returns [pos, pos+length) to the free list.
func (file *File) Free(pos int64, length int64) {
	file.mu.Lock()
	defer file.mu.Unlock()
	file.free.free(pos, length)
}

// transformBlocks encrypts or decrypts a pos-aligned, block-multiple
// region one BlockSize block at a time, each keyed by its own block
// index, per blockCipher's documented one-fresh-stream-per-block
// design. A chunk is written in a single multi-block WriteFully call,
// but a page is later read back as an arbitrary sub-range of that same
// chunk; looping here means the keystream for any given block is the
// same whether that block was part of a larger write/read or read on
// its own, so a page's bytes always decrypt against the stream they
// were encrypted with.
func transformBlocks(bc *blockCipher, pos int64, buf []byte) {
	for off := 0; off < len(buf); off += BlockSize {
		end := off + BlockSize
		if end > len(buf) {
			end = len(buf)
		}
		bc.transform((pos+int64(off))/BlockSize, buf[off:end])
	}
}

// Allocate reserves length bytes, preferring a first-fit free interval
// and otherwise growing the file by appending at its current end.
// [0, 2*BlockSize) is reserved for the two store headers and is never
// handed out even on a brand-new file, whose size starts at 0.
func (file *File) Allocate(length int64) int64 {
	file.mu.Lock()
	defer file.mu.Unlock()
	if pos, ok := file.free.allocate(length); ok {
		return pos
	}
	pos := file.size
	if pos < 2*BlockSize {
		pos = 2 * BlockSize
	}
	file.size = pos + length
	return pos
}

// FirstFree returns the lowest free byte offset, or false if the file
// has no tracked free space.
func (file *File) FirstFree() (int64, bool) {
	file.mu.Lock()
	defer file.mu.Unlock()
	return file.free.firstFree()
}

// FillRate returns the percentage of the file's bytes (after the two
// store headers) that are not tracked as free.
func (file *File) FillRate() int {
	file.mu.Lock()
	defer file.mu.Unlock()
	total := file.size - 2*BlockSize
	if total <= 0 {
		return 100
	}
	free := file.free.freeBytes()
	used := total - free
	return int(used * 100 / total)
}

// ResetFreeList replaces the free list with a single interval spanning
// from start to the file's current size, used by recovery before
// replaying each chunk's extent as used.
func (file *File) ResetFreeList(start int64) {
	file.mu.Lock()
	defer file.mu.Unlock()
	file.free.reset(start, file.size)
}
