package btree

import (
	"sync"

	"github.com/leftmike/kvforest/encode"
	"github.com/leftmike/kvforest/page"
)

// view holds the read-only navigation state shared by Map (whose root
// changes over time, under mu) and Snapshot (whose root is fixed).
type view struct {
	keyType   encode.DataType
	valueType encode.DataType
	loader    Loader

	mu   sync.RWMutex
	root *page.Page
}

func (v *view) getRoot() *page.Page {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.root
}

// KeyType returns the map's key DataType.
func (v *view) KeyType() encode.DataType { return v.keyType }

// ValueType returns the map's value DataType.
func (v *view) ValueType() encode.DataType { return v.valueType }

func (v *view) child(p *page.Page, i int) (*page.Page, error) {
	return p.Child(i, v.loader.LoadPage)
}

// binarySearch returns the index of key in keys if present, or the
// insertion index (the count of keys strictly less than key) if not.
func binarySearch(keys []interface{}, key interface{}, cmp encode.DataType) (int, bool) {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		c := cmp.Compare(keys[mid], key)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// childIndex resolves which child of an interior page a key descends
// into: keys[i] is the smallest key of the subtree rooted at
// children[i+1], so an exact match on keys[i] routes right.
func childIndex(idx int, found bool) int {
	if found {
		return idx + 1
	}
	return idx
}

// Get returns the value stored for key, if present.
func (v *view) Get(key interface{}) (interface{}, bool) {
	p := v.getRoot()
	for {
		idx, found := binarySearch(p.Keys, key, v.keyType)
		if p.IsLeaf() {
			if found {
				return p.Values[idx], true
			}
			return nil, false
		}
		child, err := v.child(p, childIndex(idx, found))
		if err != nil {
			return nil, false
		}
		p = child
	}
}

// FirstKey returns the smallest key in the map.
func (v *view) FirstKey() (interface{}, bool) {
	p := v.getRoot()
	for {
		if p.IsLeaf() {
			if len(p.Keys) == 0 {
				return nil, false
			}
			return p.Keys[0], true
		}
		child, err := v.child(p, 0)
		if err != nil {
			return nil, false
		}
		p = child
	}
}

// LastKey returns the largest key in the map.
func (v *view) LastKey() (interface{}, bool) {
	p := v.getRoot()
	for {
		if p.IsLeaf() {
			if len(p.Keys) == 0 {
				return nil, false
			}
			return p.Keys[len(p.Keys)-1], true
		}
		child, err := v.child(p, len(p.ChildPos)-1)
		if err != nil {
			return nil, false
		}
		p = child
	}
}

// GetKeyIndex returns the rank of key if present, or -(insertionPoint)-1
// if absent, following the conventional negated-insertion-index
// protocol.
func (v *view) GetKeyIndex(key interface{}) int64 {
	p := v.getRoot()
	var offset int64
	for {
		idx, found := binarySearch(p.Keys, key, v.keyType)
		if p.IsLeaf() {
			if found {
				return offset + int64(idx)
			}
			return -(offset + int64(idx)) - 1
		}
		ci := childIndex(idx, found)
		for i := 0; i < ci; i++ {
			offset += p.ChildCounts[i]
		}
		child, err := v.child(p, ci)
		if err != nil {
			return -offset - 1
		}
		p = child
	}
}

// GetKey returns the key at the given rank (0-based), if it exists.
func (v *view) GetKey(rank int64) (interface{}, bool) {
	if rank < 0 {
		return nil, false
	}
	p := v.getRoot()
	remaining := rank
	for {
		if p.IsLeaf() {
			if remaining >= int64(len(p.Keys)) {
				return nil, false
			}
			return p.Keys[remaining], true
		}
		i := 0
		for ; i < len(p.ChildCounts); i++ {
			if remaining < p.ChildCounts[i] {
				break
			}
			remaining -= p.ChildCounts[i]
		}
		if i >= len(p.ChildCounts) {
			return nil, false
		}
		child, err := v.child(p, i)
		if err != nil {
			return nil, false
		}
		p = child
	}
}

// CeilingKey returns the smallest key >= key.
func (v *view) CeilingKey(key interface{}) (interface{}, bool) {
	idx := v.GetKeyIndex(key)
	if idx >= 0 {
		return key, true
	}
	return v.GetKey(-idx - 1)
}

// FloorKey returns the largest key <= key.
func (v *view) FloorKey(key interface{}) (interface{}, bool) {
	idx := v.GetKeyIndex(key)
	if idx >= 0 {
		return key, true
	}
	ins := -idx - 1
	if ins == 0 {
		return nil, false
	}
	return v.GetKey(ins - 1)
}

// HigherKey returns the smallest key > key.
func (v *view) HigherKey(key interface{}) (interface{}, bool) {
	idx := v.GetKeyIndex(key)
	var rank int64
	if idx >= 0 {
		rank = idx + 1
	} else {
		rank = -idx - 1
	}
	return v.GetKey(rank)
}

// LowerKey returns the largest key < key.
func (v *view) LowerKey(key interface{}) (interface{}, bool) {
	idx := v.GetKeyIndex(key)
	var rank int64
	if idx >= 0 {
		rank = idx - 1
	} else {
		rank = -idx - 1 - 1
	}
	if rank < 0 {
		return nil, false
	}
	return v.GetKey(rank)
}

// Size returns the total number of keys in the map, in O(1) via the
// root's cached subtree count.
func (v *view) Size() int64 {
	return v.getRoot().TotalCount()
}
