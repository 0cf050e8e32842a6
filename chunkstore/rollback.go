package chunkstore

import (
	"fmt"
	"sync/atomic"

	"github.com/leftmike/kvforest/filestore"
)

// RollbackTo rewinds every map to the state visible at version v,
// discarding any later committed chunks from both the in-memory chunk
// table and the file itself, per spec.md §4.5's rollbackTo algorithm.
func (s *Store) RollbackTo(v int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v > s.CurrentVersion() {
		return fmt.Errorf("%w: %d", ErrUnknownVersion, v)
	}
	for _, m := range s.maps {
		if err := m.RollbackTo(v); err != nil {
			return err
		}
	}
	atomic.StoreInt64(&s.version, v)

	var survivor *Chunk
	dropped := false
	for id, c := range s.chunks {
		if c.Version > v {
			dropped = true
			s.file.Free(c.Block, c.Length)
			delete(s.chunks, id)
			continue
		}
		if survivor == nil || c.Version > survivor.Version {
			survivor = c
		}
	}
	if !dropped {
		return nil
	}

	if survivor == nil {
		if err := s.file.Truncate(2 * filestore.BlockSize); err != nil {
			return err
		}
		s.lastChunkID = 0
		s.lastStoredVersion = 0
		return nil
	}

	newEnd := survivor.Block + survivor.Length
	if err := s.file.Truncate(newEnd + filestore.BlockSize); err != nil {
		return err
	}
	sh := storeHeader{
		format: storeFormat, blockSize: filestore.BlockSize, chunk: survivor.ID,
		rootChunk: survivor.Block, version: survivor.Version, lastMapID: s.lastMapID,
	}
	buf, err := sh.encode(s.sum)
	if err != nil {
		return err
	}
	if err := s.file.WriteFully(newEnd, buf); err != nil {
		return err
	}
	if err := s.file.WriteFully(0, buf); err != nil {
		return err
	}
	if err := s.file.WriteFully(filestore.BlockSize, buf); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	s.lastChunkID = survivor.ID
	s.lastStoredVersion = survivor.Version
	return nil
}
