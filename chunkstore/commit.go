package chunkstore

import (
	"fmt"
	"time"

	"github.com/leftmike/kvforest/filestore"
	"github.com/leftmike/kvforest/page"
)

// Commit writes every map's pending changes as a new chunk, following
// the nine-step sequence of spec.md §4.5. It is a no-op if nothing has
// changed since the last commit.
func (s *Store) Commit() error {
	return s.store(0)
}

// FlushTemp writes a temp chunk tagged with rollbackOnOpen, the
// background writer's periodic store(temp=true) of spec.md §4.7:
// recovery unwinds it automatically unless a later real Commit
// supersedes it.
func (s *Store) FlushTemp(rollbackOnOpen int64) error {
	return s.store(rollbackOnOpen)
}

// store implements the commit algorithm shared by Commit and the
// background writer's temp flush. rollbackOnOpen is non-zero only for
// a temp store, tagging the chunk so recovery unwinds it automatically
// if the process never reaches a real commit.
func (s *Store) store(rollbackOnOpen int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	version := s.CurrentVersion()
	var body []byte
	pageCount := int64(0)
	maxLenSum := int64(0)

	// writePage is declared before assignment since it recurses into
	// itself through the closure.
	var writePage func(p *page.Page) error
	writePage = func(p *page.Page) error {
		if !p.Pos.IsZero() {
			return nil
		}
		if !p.IsLeaf() {
			for i, cp := range p.ChildPos {
				if !cp.IsZero() {
					continue
				}
				if p.Children[i] == nil {
					return fmt.Errorf("chunkstore: dirty child %d missing in-memory page", i)
				}
				if err := writePage(p.Children[i]); err != nil {
					return err
				}
				p.ChildPos[i] = p.Children[i].Pos
			}
		}
		frame := p.Encode(s.sum, s.compressor)
		offset := len(body)
		pos := page.NewPos(s.lastChunkID+1, uint32(offset), len(frame), !p.IsLeaf())
		p.Pos = pos
		body = append(body, frame...)
		pageCount++
		maxLenSum += int64(pos.MaxLength())
		s.cache.Put(uint64(pos), p, p.MemorySize())
		return nil
	}

	dirty := false
	for name, m := range s.maps {
		if name == "meta" {
			continue
		}
		root := m.Root()
		if root.Pos.IsZero() {
			dirty = true
			if err := writePage(root); err != nil {
				return err
			}
			s.meta.Put(metaRoot(m.ID), formatPos(root.Pos))
		}
	}

	// dirty alone decides whether there is anything to store: meta's own
	// root also goes through Pos.IsZero() once this call's trailing
	// chunk-table bookkeeping Put lands (see below), so gating on meta's
	// root being unwritten as well would make every commit after the
	// first a "real" one purely from that bookkeeping, never a true
	// no-op. When dirty is false nothing here reuses file space and
	// nothing is written, so whatever meta already holds in memory
	// (including bookkeeping from a previous store) simply waits for the
	// next real commit to carry it to disk.
	if !dirty {
		return nil // nothing changed since the last commit
	}
	metaRoot := s.meta.Root()
	if err := writePage(metaRoot); err != nil {
		return err
	}

	// Pad the body so the chunk's total length is a multiple of
	// BlockSize, keeping chunks page-aligned and placing the trailer
	// header in the chunk's last block regardless of body size.
	if pad := (filestore.BlockSize - len(body)%filestore.BlockSize) % filestore.BlockSize; pad > 0 {
		body = append(body, make([]byte, pad)...)
	}

	chunkID := s.lastChunkID + 1
	chunkLength := int64(filestore.BlockSize) + int64(len(body)) + int64(filestore.BlockSize)
	pos := s.file.Allocate(chunkLength)

	chunk := &Chunk{
		ID:            chunkID,
		Block:         pos,
		Length:        chunkLength,
		PageCount:     pageCount,
		PageCountLive: pageCount,
		MaxLen:        maxLenSum,
		MaxLenLive:    maxLenSum,
		MetaRootPos:   metaRoot.Pos,
		Version:       version,
		Time:          nowMillis(),
	}
	h := chunkHeader{
		id: chunk.ID, block: chunk.Block, length: chunk.Length, pageCount: chunk.PageCount,
		pageCountLive: chunk.PageCountLive, maxLen: chunk.MaxLen, maxLenLive: chunk.MaxLenLive,
		metaRootPos: chunk.MetaRootPos, version: chunk.Version, time: chunk.Time,
		rollbackOnOpen: rollbackOnOpen,
	}
	headerBlock, err := h.encode(s.sum)
	if err != nil {
		return fmt.Errorf("chunkstore: encoding chunk header: %w", err)
	}

	chunkBuf := make([]byte, 0, chunkLength)
	chunkBuf = append(chunkBuf, headerBlock...)
	chunkBuf = append(chunkBuf, body...)
	chunkBuf = append(chunkBuf, headerBlock...) // trailer: same fields, same encoding

	if err := s.file.WriteFully(pos, chunkBuf); err != nil {
		return fmt.Errorf("%w: writing chunk %d: %v", ErrWritingFailed, chunkID, err)
	}

	chunkRecord, err := chunk.serialize(s.sum)
	if err != nil {
		return err
	}
	s.meta.Put(metaChunk(chunkID), chunkRecord)

	sh := storeHeader{
		format: storeFormat, blockSize: filestore.BlockSize, chunk: chunkID,
		rootChunk: pos, version: version, lastMapID: s.lastMapID,
	}
	tailBlock, err := sh.encode(s.sum)
	if err != nil {
		return fmt.Errorf("chunkstore: encoding store header: %w", err)
	}
	if err := s.file.WriteFully(s.file.Size(), tailBlock); err != nil {
		return fmt.Errorf("%w: writing tail header: %v", ErrWritingFailed, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrWritingFailed, err)
	}

	if err := s.file.WriteFully(0, tailBlock); err != nil {
		return fmt.Errorf("%w: writing primary header: %v", ErrWritingFailed, err)
	}
	if err := s.file.WriteFully(filestore.BlockSize, tailBlock); err != nil {
		return fmt.Errorf("%w: writing backup header: %v", ErrWritingFailed, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrWritingFailed, err)
	}

	s.chunks[chunkID] = chunk
	s.lastChunkID = chunkID
	s.lastStoredVersion = version
	s.markSweep()
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
