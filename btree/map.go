// Package btree implements the copy-on-write B-tree map: ordered,
// versioned, rank-addressable key/value storage with retained old
// roots for snapshot reads, as described by the store's map component.
package btree

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/leftmike/kvforest/encode"
	"github.com/leftmike/kvforest/page"
)

// DefaultPageSplitSize is used when a Map is created without an
// explicit split size override.
const DefaultPageSplitSize = 6 * 1024

// Loader fetches pages that are not resident in memory: a child page by
// its on-disk position, or a map's historical root by version, for
// versions that have aged out of in-memory retention.
type Loader interface {
	LoadPage(pos page.Pos) (*page.Page, error)
	LoadRoot(mapID uint64, version int64) (*page.Page, error)
}

// VersionSource supplies the store-wide monotonic version that gets
// stamped into newly written pages. One VersionSource is shared by
// every map belonging to the same store.
type VersionSource interface {
	CurrentVersion() int64
}

type versionedRoot struct {
	version int64
	root    *page.Page
}

// Map is a single copy-on-write B-tree: ordered keys of one DataType
// mapped to values of another, versioned by the store's global commit
// counter. The writer contract is single-threaded per map; a second
// concurrent mutation is a programming error, not something the store
// tries to serialize for the caller.
type Map struct {
	*view

	ID            uint64
	Name          string
	CreateVersion int64
	PageSplitSize int

	store VersionSource

	oldMu    sync.Mutex
	oldRoots []versionedRoot // ascending by version

	writing int32
}

// New creates an empty map with a fresh leaf root stamped at the
// store's current version.
func New(id uint64, name string, keyType, valueType encode.DataType, store VersionSource,
	loader Loader) *Map {

	v := store.CurrentVersion()
	m := &Map{
		view: &view{
			keyType:   keyType,
			valueType: valueType,
			loader:    loader,
			root:      page.NewLeaf(id, v, keyType, valueType),
		},
		ID:            id,
		Name:          name,
		CreateVersion: v,
		PageSplitSize: DefaultPageSplitSize,
		store:         store,
	}
	return m
}

// Restore recreates a map around an already-existing root page, as
// happens when the chunk store reopens a map found in the meta map.
func Restore(id uint64, name string, createVersion int64, root *page.Page, keyType,
	valueType encode.DataType, store VersionSource, loader Loader) *Map {

	return &Map{
		view: &view{
			keyType:   keyType,
			valueType: valueType,
			loader:    loader,
			root:      root,
		},
		ID:            id,
		Name:          name,
		CreateVersion: createVersion,
		PageSplitSize: DefaultPageSplitSize,
		store:         store,
	}
}

// Root returns the map's current root page, for the chunk store to walk
// when composing a commit's working set.
func (m *Map) Root() *page.Page {
	return m.getRoot()
}

// RetainedRoots returns every root page this map keeps reachable: the
// current root plus every entry still in oldRoots. The chunk store
// walks these during its mark-sweep pass to decide which chunks still
// hold live pages.
func (m *Map) RetainedRoots() []*page.Page {
	m.oldMu.Lock()
	roots := make([]*page.Page, 0, len(m.oldRoots)+1)
	for _, r := range m.oldRoots {
		roots = append(roots, r.root)
	}
	m.oldMu.Unlock()
	return append(roots, m.Root())
}

func (m *Map) lockWriting() {
	if !atomic.CompareAndSwapInt32(&m.writing, 0, 1) {
		panic(fmt.Sprintf("btree: concurrent write detected on map %q", m.Name))
	}
}

func (m *Map) unlockWriting() {
	atomic.StoreInt32(&m.writing, 0)
}

// setRoot installs newRoot as the current root, retaining the previous
// root in oldRoots if its version differs.
func (m *Map) setRoot(newRoot *page.Page) {
	m.view.mu.Lock()
	old := m.view.root
	m.view.root = newRoot
	m.view.mu.Unlock()

	if old != nil && old.Version != newRoot.Version {
		m.oldMu.Lock()
		m.oldRoots = append(m.oldRoots, versionedRoot{old.Version, old})
		m.oldMu.Unlock()
	}
}

// RemoveUnusedOldVersions drops retained roots older than retainVersion,
// per the store's retention policy.
func (m *Map) RemoveUnusedOldVersions(retainVersion int64) {
	m.oldMu.Lock()
	defer m.oldMu.Unlock()
	i := 0
	for i < len(m.oldRoots) && m.oldRoots[i].version < retainVersion {
		i++
	}
	m.oldRoots = m.oldRoots[i:]
}

// OpenVersion returns a read-only Snapshot over the root whose version
// is the largest retained version <= v. If v predates every retained
// root, the map's Loader is asked to materialize it from the chunk
// store's meta map.
func (m *Map) OpenVersion(v int64) (*Snapshot, error) {
	m.view.mu.RLock()
	current := m.view.root
	m.view.mu.RUnlock()

	if current.Version <= v {
		return &Snapshot{view: m.snapshotView(current)}, nil
	}

	m.oldMu.Lock()
	roots := m.oldRoots
	m.oldMu.Unlock()

	lo, hi := 0, len(roots)
	for lo < hi {
		mid := (lo + hi) / 2
		if roots[mid].version <= v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		if m.loader == nil {
			return nil, fmt.Errorf("btree: version %d is not retained for map %q", v, m.Name)
		}
		root, err := m.loader.LoadRoot(m.ID, v)
		if err != nil {
			return nil, fmt.Errorf("btree: loading historical root for map %q at version %d: %w",
				m.Name, v, err)
		}
		return &Snapshot{view: m.snapshotView(root)}, nil
	}
	return &Snapshot{view: m.snapshotView(roots[lo-1].root)}, nil
}

// RollbackTo discards every root newer than the largest retained
// version <= v, installing that root as current. If v predates every
// retained root, the map's Loader materializes it from the chunk
// store, mirroring OpenVersion's fallback.
func (m *Map) RollbackTo(v int64) error {
	m.view.mu.RLock()
	current := m.view.root.Version
	m.view.mu.RUnlock()
	if current <= v {
		return nil
	}

	m.oldMu.Lock()
	roots := m.oldRoots
	idx := -1
	for i := len(roots) - 1; i >= 0; i-- {
		if roots[i].version <= v {
			idx = i
			break
		}
	}
	m.oldMu.Unlock()

	var newRoot *page.Page
	if idx >= 0 {
		newRoot = roots[idx].root
	} else {
		if m.loader == nil {
			return fmt.Errorf("btree: version %d is not retained for map %q", v, m.Name)
		}
		r, err := m.loader.LoadRoot(m.ID, v)
		if err != nil {
			return fmt.Errorf("btree: rolling back map %q to version %d: %w", m.Name, v, err)
		}
		newRoot = r
	}

	m.view.mu.Lock()
	m.view.root = newRoot
	m.view.mu.Unlock()

	m.oldMu.Lock()
	if idx >= 0 {
		m.oldRoots = roots[:idx]
	} else {
		m.oldRoots = nil
	}
	m.oldMu.Unlock()
	return nil
}

func (m *Map) snapshotView(root *page.Page) *view {
	return &view{keyType: m.keyType, valueType: m.valueType, loader: m.loader, root: root}
}

// Snapshot is a read-only view of a map anchored at a specific,
// immutable root; it supports every read operation a Map does but none
// of the mutating ones.
type Snapshot struct {
	*view
}

// NewSnapshotFromRoot builds a read-only Snapshot directly from an
// already-loaded root page. The chunk store uses this to read a
// historical meta map root without going through a Map's own
// oldRoots/loader recursion, since the meta map's own history is
// addressed by chunk rather than by retained in-memory roots.
func NewSnapshotFromRoot(root *page.Page, keyType, valueType encode.DataType, loader Loader) *Snapshot {
	return &Snapshot{view: &view{keyType: keyType, valueType: valueType, loader: loader, root: root}}
}
