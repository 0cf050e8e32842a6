package btree

import "github.com/leftmike/kvforest/page"

// KeyIterator is an ordered cursor over a map's keys. Skip jumps by rank
// using the page tree's cached subtree counts, so it costs O(log n) per
// call rather than O(n) regardless of how far it skips.
type KeyIterator struct {
	v    *view
	rank int64
}

// KeyIterator returns a cursor starting at from, or at the first key if
// from is nil. If from is absent, the cursor starts at the next key
// greater than from.
func (v *view) KeyIterator(from interface{}) *KeyIterator {
	var rank int64
	if from != nil {
		idx := v.GetKeyIndex(from)
		if idx >= 0 {
			rank = idx
		} else {
			rank = -idx - 1
		}
	}
	return &KeyIterator{v: v, rank: rank}
}

// HasNext reports whether another key remains.
func (it *KeyIterator) HasNext() bool {
	_, ok := it.v.GetKey(it.rank)
	return ok
}

// Next returns the next key and advances the cursor.
func (it *KeyIterator) Next() (interface{}, bool) {
	k, ok := it.v.GetKey(it.rank)
	if !ok {
		return nil, false
	}
	it.rank++
	return k, true
}

// Skip advances the cursor by n keys without materializing them.
func (it *KeyIterator) Skip(n int64) {
	it.rank += n
}

// ChangeIterator returns the keys whose pages differ between the
// current root and the root retained for oldVersion, found by a
// recursive descent that prunes as soon as both sides reference the
// same written page position.
func (m *Map) ChangeIterator(oldVersion int64) ([]interface{}, error) {
	oldSnap, err := m.OpenVersion(oldVersion)
	if err != nil {
		return nil, err
	}
	var keys []interface{}
	diffPages(m.getRoot(), oldSnap.getRoot(), m.loader, &keys)
	return keys, nil
}

func diffPages(a, b *page.Page, loader Loader, out *[]interface{}) {
	if a == nil {
		return
	}
	if a == b {
		return
	}
	if b != nil && !a.Pos.IsZero() && a.Pos == b.Pos {
		return
	}

	if a.IsLeaf() {
		*out = append(*out, a.Keys...)
		return
	}

	for i := range a.ChildPos {
		aChild, err := a.Child(i, loader.LoadPage)
		if err != nil {
			continue
		}
		var bChild *page.Page
		if b != nil && !b.IsLeaf() && i < len(b.ChildPos) {
			bChild, _ = b.Child(i, loader.LoadPage)
		}
		diffPages(aChild, bChild, loader, out)
	}
}
