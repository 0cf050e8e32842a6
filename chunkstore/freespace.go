package chunkstore

import (
	"github.com/leftmike/kvforest/btree"
	"github.com/leftmike/kvforest/page"
)

// chunkLiveness accumulates a chunk's live page count and live byte
// budget during a mark-sweep pass.
type chunkLiveness struct {
	pages int64
	bytes int64
}

// markSweep recomputes PageCountLive/MaxLenLive for every chunk by
// walking every map's currently retained roots (the current root plus
// every oldRoots entry). A page's chunk is live iff some retained root
// still reaches it; this replaces spec.md §4.6's incremental
// freedPageSpace delta map with a full reachability sweep run after
// every commit, simpler to get right than exact per-removal
// bookkeeping and cheap at the scale a single-process embedded store
// operates at.
//
// Chunks that end up with zero live bytes and have aged past
// retentionTime are released from the chunk table and their file
// extent is freed immediately.
func (s *Store) markSweep() {
	visited := map[page.Pos]struct{}{}
	live := map[uint32]*chunkLiveness{}

	var walk func(p *page.Page)
	walk = func(p *page.Page) {
		if p == nil || p.Pos.IsZero() {
			return
		}
		if _, ok := visited[p.Pos]; ok {
			return
		}
		visited[p.Pos] = struct{}{}

		cid := p.Pos.ChunkID()
		l := live[cid]
		if l == nil {
			l = &chunkLiveness{}
			live[cid] = l
		}
		l.pages++
		l.bytes += int64(p.Pos.MaxLength())

		if p.IsLeaf() {
			return
		}
		for i, cp := range p.ChildPos {
			if cp.IsZero() {
				continue
			}
			child := p.Children[i]
			if child == nil {
				loaded, err := s.loadPageLocked(cp)
				if err != nil {
					continue
				}
				child = loaded
			}
			walk(child)
		}
	}

	for _, m := range s.maps {
		for _, root := range m.RetainedRoots() {
			walk(root)
		}
	}

	now := nowMillis()
	for id, chunk := range s.chunks {
		l := live[id]
		if l == nil {
			chunk.PageCountLive = 0
			chunk.MaxLenLive = 0
		} else {
			chunk.PageCountLive = l.pages
			chunk.MaxLenLive = l.bytes
		}
		if chunk.MaxLenLive == 0 && chunk.Time+s.retentionTime.Milliseconds() <= now {
			s.file.Free(chunk.Block, chunk.Length)
			delete(s.chunks, id)
			s.meta.Remove(metaChunk(id))
		}
	}
}

// loadPageLocked is LoadPage for callers that already hold s.mu; it
// only needs the chunk table, which is already protected, so it reads
// directly rather than re-acquiring the lock LoadPage takes.
func (s *Store) loadPageLocked(pos page.Pos) (*page.Page, error) {
	if v, ok := s.cache.Get(uint64(pos)); ok {
		return v.(*page.Page), nil
	}
	chunk, ok := s.chunks[pos.ChunkID()]
	if !ok {
		return nil, ErrFileCorrupt
	}
	raw, err := s.readPageFrame(chunk, pos)
	if err != nil {
		return nil, err
	}
	mapID, err := page.PeekMapID(raw)
	if err != nil {
		return nil, err
	}
	cfg, ok := s.mapConfigs[mapID]
	if !ok {
		return nil, ErrUnknownMap
	}
	p, err := page.Decode(raw, mapID, chunk.Version, cfg.keyType, cfg.valueType, s.sum, s.compressor)
	if err != nil {
		return nil, err
	}
	p.Pos = pos
	s.cache.Put(uint64(pos), p, p.MemorySize())
	return p, nil
}

// FillRate reports the file backend's overall fill percentage.
func (s *Store) FillRate() int {
	return s.file.FillRate()
}

// Compact checks whether any chunk's fill rate is at or below
// targetFillRate; if one is, it re-inserts every key of every open map
// (the meta map excepted) and commits, so the B-tree copy-on-write path
// writes all live data into a fresh chunk and the old chunks' extents
// are reclaimed once retention elapses. Chunks are not selected or
// prioritized individually: the whole keyspace is rewritten, and bytes
// are never relocated directly.
func (s *Store) Compact(targetFillRate int) error {
	s.mu.Lock()
	anyLow := false
	for _, c := range s.chunks {
		if c.fillRate() <= targetFillRate {
			anyLow = true
			break
		}
	}
	s.mu.Unlock()
	if !anyLow {
		return nil
	}

	for name, m := range s.namedMaps() {
		if name == "meta" {
			continue
		}
		it := m.KeyIterator(nil)
		for {
			k, ok := it.Next()
			if !ok {
				break
			}
			if v, ok := m.Get(k); ok {
				m.Put(k, v)
			}
		}
	}
	return s.Commit()
}

// namedMaps returns a stable snapshot of the currently open maps.
func (s *Store) namedMaps() map[string]*btree.Map {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*btree.Map, len(s.maps))
	for k, v := range s.maps {
		out[k] = v
	}
	return out
}
