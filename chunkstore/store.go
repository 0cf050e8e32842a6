// Package chunkstore implements the chunk/commit engine: it owns the
// store's file backend, writes committed snapshots as self-describing
// chunks, maintains the meta map of map configs/roots/chunk records,
// and recovers the newest consistent state on open.
package chunkstore

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/leftmike/kvforest/btree"
	"github.com/leftmike/kvforest/cache"
	"github.com/leftmike/kvforest/encode"
	"github.com/leftmike/kvforest/filestore"
	"github.com/leftmike/kvforest/page"
)

// Default tuning constants named in spec.md §6.
const (
	DefaultCacheSize      = 16 * 1024 * 1024
	DefaultPageSplitSize  = btree.DefaultPageSplitSize
	DefaultRetentionTime  = 45 * time.Second
	DefaultWriteBufferMiB = 4
)

// Options configures a new or reopened Store.
type Options struct {
	Path          string
	ReadOnly      bool
	EncryptionKey []byte
	CacheSize     int
	Compressor    encode.Compressor
	Checksum      encode.Checksum
	PageSplitSize int
	RetentionTime time.Duration
	Logger        *logrus.Logger
}

// mapConfig is a map's persisted identity: its id, name, and the
// DataType pair used to decode its pages.
type mapConfig struct {
	id        uint64
	name      string
	keyType   encode.DataType
	valueType encode.DataType
}

// Store is the chunk/commit engine. It implements btree.VersionSource
// and btree.Loader so that every btree.Map it opens reads pages and
// historical roots through it.
type Store struct {
	file       *filestore.File
	sum        encode.Checksum
	compressor encode.Compressor
	cache      *cache.Cache
	log        *logrus.Logger

	pageSplitSize int
	retentionTime time.Duration

	mu          sync.Mutex // serializes commit/compact/rollback
	chunks      map[uint32]*Chunk
	lastChunkID uint32

	version           int64 // currentVersion, atomic
	lastStoredVersion int64
	lastMapID         uint64

	meta       *btree.Map
	maps       map[string]*btree.Map
	mapConfigs map[uint64]mapConfig

	readOnly bool
	closed   bool
}

// Open opens or creates the store at opts.Path, recovering the newest
// consistent chunk if the file already exists.
func Open(opts Options) (*Store, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Compressor == nil {
		opts.Compressor = encode.DefaultCompressor
	}
	if opts.Checksum == nil {
		opts.Checksum = encode.DefaultChecksum
	}
	if opts.PageSplitSize <= 0 {
		opts.PageSplitSize = DefaultPageSplitSize
	}
	if opts.RetentionTime <= 0 {
		opts.RetentionTime = DefaultRetentionTime
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	f, err := filestore.Open(opts.Path, opts.ReadOnly, opts.EncryptionKey)
	if err != nil {
		return nil, err
	}

	s := &Store{
		file:           f,
		sum:            opts.Checksum,
		compressor:     opts.Compressor,
		cache:          cache.New(opts.CacheSize),
		log:            opts.Logger,
		pageSplitSize:  opts.PageSplitSize,
		retentionTime:  opts.RetentionTime,
		readOnly:   opts.ReadOnly,
		chunks:     map[uint32]*Chunk{},
		maps:       map[string]*btree.Map{},
		mapConfigs: map[uint64]mapConfig{},
	}
	s.mapConfigs[0] = mapConfig{id: 0, name: "meta", keyType: encode.StringType{}, valueType: encode.StringType{}}

	if f.Size() < 2*filestore.BlockSize {
		s.initEmpty()
		return s, nil
	}
	if err := s.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initEmpty() {
	s.meta = btree.New(0, "meta", encode.StringType{}, encode.StringType{}, s, s)
	s.maps["meta"] = s.meta
	atomic.StoreInt64(&s.version, 1)
	s.log.Debug("chunkstore: initialized empty store")
}

// CurrentVersion implements btree.VersionSource.
func (s *Store) CurrentVersion() int64 {
	return atomic.LoadInt64(&s.version)
}

// IncrementVersion advances the store's monotonic version counter,
// stamping the version that the next commit's new pages will carry.
func (s *Store) IncrementVersion() int64 {
	return atomic.AddInt64(&s.version, 1)
}

// LastStoredVersion returns the version of the most recently written
// chunk.
func (s *Store) LastStoredVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStoredVersion
}

// HasUnsavedChanges reports whether any map has a root page not yet
// written to a chunk. currentVersion only advances on an explicit
// IncrementVersion call (spec.md §8 scenario A calls it out as its own
// operation), so the background writer gates its flush on this rather
// than on lastStoredVersion < currentVersion: ordinary mutations
// between commits would otherwise never look "unsaved."
func (s *Store) HasUnsavedChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, m := range s.maps {
		if name == "meta" {
			continue
		}
		if m.Root().Pos.IsZero() {
			return true
		}
	}
	return false
}

// LoadPage implements btree.Loader, reading and decoding a page from
// its owning chunk, consulting the page cache first.
func (s *Store) LoadPage(pos page.Pos) (*page.Page, error) {
	if v, ok := s.cache.Get(uint64(pos)); ok {
		return v.(*page.Page), nil
	}

	s.mu.Lock()
	chunk, ok := s.chunks[pos.ChunkID()]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown chunk %d for position", ErrFileCorrupt, pos.ChunkID())
	}

	raw, err := s.readPageFrame(chunk, pos)
	if err != nil {
		return nil, err
	}

	mapID, err := page.PeekMapID(raw)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	cfg, ok := s.mapConfigs[mapID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: map id %d", ErrUnknownMap, mapID)
	}

	p, err := page.Decode(raw, mapID, chunk.Version, cfg.keyType, cfg.valueType, s.sum, s.compressor)
	if err != nil {
		return nil, err
	}
	p.Pos = pos
	s.cache.Put(uint64(pos), p, p.MemorySize())
	return p, nil
}

// readPageFrame reads the page at pos out of chunk, rounding the read
// out to a BlockSize-aligned window first. A page's byte range inside
// its chunk is not itself block-aligned, but an encrypted file only
// decrypts block-aligned, block-multiple regions correctly (see
// filestore.File.ReadFully); reading the aligned window and slicing
// the page back out of it keeps the cipher's block boundaries intact
// regardless of where the page happens to fall inside them.
func (s *Store) readPageFrame(chunk *Chunk, pos page.Pos) ([]byte, error) {
	abs := chunk.Block + int64(filestore.BlockSize) + int64(pos.Offset())
	alignedStart := abs - abs%int64(filestore.BlockSize)
	end := abs + int64(pos.MaxLength())
	alignedEnd := end
	if rem := alignedEnd % int64(filestore.BlockSize); rem != 0 {
		alignedEnd += int64(filestore.BlockSize) - rem
	}

	window, err := s.file.ReadFully(alignedStart, int(alignedEnd-alignedStart))
	if err != nil {
		return nil, err
	}
	raw := window[abs-alignedStart : end-alignedStart]

	total, err := frameLength(raw)
	if err != nil {
		return nil, err
	}
	return raw[:total], nil
}

func frameLength(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, fmt.Errorf("%w: truncated page frame", ErrFileCorrupt)
	}
	total := int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16 | int(buf[3])<<24
	if total < 6 || total > len(buf) {
		return 0, fmt.Errorf("%w: page frame length %d out of range", ErrFileCorrupt, total)
	}
	return total, nil
}

// LoadRoot implements btree.Loader, materializing a map's root as of a
// version that has aged out of its in-memory oldRoots by reading the
// meta map snapshot recorded in the newest chunk committed at or
// before that version.
func (s *Store) LoadRoot(mapID uint64, version int64) (*page.Page, error) {
	s.mu.Lock()
	var chunk *Chunk
	for _, c := range s.chunks {
		if c.Version <= version && (chunk == nil || c.Version > chunk.Version) {
			chunk = c
		}
	}
	s.mu.Unlock()
	if chunk == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}

	if mapID == 0 {
		return s.LoadPage(chunk.MetaRootPos)
	}

	metaRootPage, err := s.LoadPage(chunk.MetaRootPos)
	if err != nil {
		return nil, err
	}
	snap := btree.NewSnapshotFromRoot(metaRootPage, encode.StringType{}, encode.StringType{}, s)
	posStr, ok := snap.Get(metaRoot(mapID))
	if !ok {
		return nil, fmt.Errorf("%w: map %d has no root in chunk %d", ErrFileCorrupt, mapID, chunk.ID)
	}
	pos, err := parsePos(posStr.(string))
	if err != nil {
		return nil, err
	}
	return s.LoadPage(pos)
}

// OpenMap returns the named map, creating it (with the given key/value
// types) if it does not already exist, or reopening it from the meta
// map if it was created by a previous session.
func (s *Store) OpenMap(name string, keyType, valueType encode.DataType) (*btree.Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.maps[name]; ok {
		return m, nil
	}

	if idStr, ok := s.meta.Get(metaMapName(name)); ok {
		id, err := strconv.ParseUint(idStr.(string), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: map %q id: %v", ErrFileCorrupt, name, err)
		}
		cfgStr, ok := s.meta.Get(metaMapCfg(id))
		if !ok {
			return nil, fmt.Errorf("%w: map %q has no config entry", ErrFileCorrupt, name)
		}
		kt, vt, err := parseMapCfg(cfgStr.(string))
		if err != nil {
			return nil, err
		}
		posStr, ok := s.meta.Get(metaRoot(id))
		if !ok {
			return nil, fmt.Errorf("%w: map %q has no root entry", ErrFileCorrupt, name)
		}
		pos, err := parsePos(posStr.(string))
		if err != nil {
			return nil, err
		}
		// s.mu is already held, and decoding the root looks the map's
		// DataTypes up in mapConfigs, so register them before loading.
		s.mapConfigs[id] = mapConfig{id: id, name: name, keyType: kt, valueType: vt}
		root, err := s.loadPageLocked(pos)
		if err != nil {
			return nil, err
		}
		m := btree.Restore(id, name, root.Version, root, kt, vt, s, s)
		m.PageSplitSize = s.pageSplitSize
		s.maps[name] = m
		return m, nil
	}

	s.lastMapID++
	id := s.lastMapID
	ktName, err := typeName(keyType)
	if err != nil {
		return nil, err
	}
	vtName, err := typeName(valueType)
	if err != nil {
		return nil, err
	}
	m := btree.New(id, name, keyType, valueType, s, s)
	m.PageSplitSize = s.pageSplitSize
	s.meta.Put(metaMapName(name), strconv.FormatUint(id, 16))
	s.meta.Put(metaMapCfg(id), ktName+","+vtName)
	s.maps[name] = m
	s.mapConfigs[id] = mapConfig{id: id, name: name, keyType: keyType, valueType: valueType}
	return m, nil
}

func parseMapCfg(s string) (encode.DataType, encode.DataType, error) {
	parts := splitTwo(s)
	if parts == nil {
		return nil, nil, fmt.Errorf("%w: malformed map config %q", ErrFileCorrupt, s)
	}
	kt, err := typeByName(parts[0])
	if err != nil {
		return nil, nil, err
	}
	vt, err := typeByName(parts[1])
	if err != nil {
		return nil, nil, err
	}
	return kt, vt, nil
}

func splitTwo(s string) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			return []string{s[:i], s[i+1:]}
		}
	}
	return nil
}

// Stats is the admin info surface: spec.md §1 excludes CLI dump/info
// tools, but the underlying data they'd report is useful from code, so
// it is exposed here as a plain method instead of a command.
type Stats struct {
	ChunkCount        int
	CurrentVersion    int64
	LastStoredVersion int64
	FillRate          int
	LivePages         int64
	TotalPages        int64
}

// Stats reports a snapshot of the store's chunk-table bookkeeping.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var live, total int64
	for _, c := range s.chunks {
		live += c.PageCountLive
		total += c.PageCount
	}
	return Stats{
		ChunkCount:        len(s.chunks),
		CurrentVersion:    s.CurrentVersion(),
		LastStoredVersion: s.lastStoredVersion,
		FillRate:          s.file.FillRate(),
		LivePages:         live,
		TotalPages:        total,
	}
}

// Close forces a final commit of any unsaved changes (unless the store
// is read-only) and releases the underlying file, mirroring the
// source system's save-on-close behavior so that writes made outside
// of any explicit Commit — an in-flight transaction's undo log and
// open-transaction table, for instance — still survive a close/reopen.
// Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	if !s.readOnly {
		if err := s.Commit(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.file.Close()
}

// sortedChunkIDs returns chunk ids in ascending order.
func (s *Store) sortedChunkIDs() []uint32 {
	ids := make([]uint32, 0, len(s.chunks))
	for id := range s.chunks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
