package btree

import "github.com/leftmike/kvforest/page"

// Put inserts or overwrites the value for key.
func (m *Map) Put(key, value interface{}) {
	m.lockWriting()
	defer m.unlockWriting()
	m.putLocked(key, value)
}

// PutIfAbsent inserts value for key only if key is not already present,
// reporting whether the insert happened.
func (m *Map) PutIfAbsent(key, value interface{}) bool {
	m.lockWriting()
	defer m.unlockWriting()
	if _, found := m.Get(key); found {
		return false
	}
	m.putLocked(key, value)
	return true
}

// Replace performs a compare-and-set: newValue is installed only if the
// current value for key equals oldValue.
func (m *Map) Replace(key, oldValue, newValue interface{}) bool {
	m.lockWriting()
	defer m.unlockWriting()
	cur, found := m.Get(key)
	if !found || m.valueType.Compare(cur, oldValue) != 0 {
		return false
	}
	m.putLocked(key, newValue)
	return true
}

// Remove deletes key, reporting whether it was present.
func (m *Map) Remove(key interface{}) bool {
	m.lockWriting()
	defer m.unlockWriting()

	version := m.store.CurrentVersion()
	newRoot, removed := removeRec(m.getRoot(), key, version, m)
	if !removed {
		return false
	}
	if !newRoot.IsLeaf() && len(newRoot.Keys) == 0 {
		newRoot = newRoot.Children[0]
	}
	m.setRoot(newRoot)
	return true
}

func (m *Map) putLocked(key, value interface{}) {
	version := m.store.CurrentVersion()
	newRoot, extraRight, sepKey := putRec(m.getRoot(), key, value, version, m)
	if extraRight != nil {
		node := page.NewNode(m.ID, version, m.keyType, m.valueType)
		node.Keys = []interface{}{sepKey}
		node.ChildPos = []page.Pos{0, 0}
		node.Children = []*page.Page{newRoot, extraRight}
		node.ChildCounts = []int64{newRoot.TotalCount(), extraRight.TotalCount()}
		newRoot = node
	}
	m.setRoot(newRoot)
}

// putRec descends to the leaf owning key, applies the copy-on-write
// insert/overwrite, and propagates any resulting split back up the
// path. A non-nil return in the second position means p split into
// (first return, sepKey, second return) and the caller must fold the
// new sibling and separator into its own keys/children.
func putRec(p *page.Page, key, value interface{}, version int64, m *Map) (*page.Page, *page.Page,
	interface{}) {

	idx, found := binarySearch(p.Keys, key, m.keyType)

	if p.IsLeaf() {
		c := p.Clone(version)
		if found {
			c.Values[idx] = value
		} else {
			c.Keys = insertAt(c.Keys, idx, key)
			c.Values = insertAt(c.Values, idx, value)
		}
		return maybeSplitLeaf(c, m, version)
	}

	ci := childIndex(idx, found)
	child, err := m.child(p, ci)
	if err != nil {
		panic(err)
	}
	newChild, extra, sepKey := putRec(child, key, value, version, m)

	c := p.Clone(version)
	c.Children[ci] = newChild
	c.ChildPos[ci] = 0
	c.ChildCounts[ci] = newChild.TotalCount()
	if extra != nil {
		c.Keys = insertAt(c.Keys, ci, sepKey)
		c.Children = insertPageAt(c.Children, ci+1, extra)
		c.ChildPos = insertPosAt(c.ChildPos, ci+1, 0)
		c.ChildCounts = insertCountAt(c.ChildCounts, ci+1, extra.TotalCount())
	}
	return maybeSplitNode(c, m, version)
}

// removeRec descends to the leaf owning key and deletes it, collapsing
// any interior child that becomes empty into its parent.
func removeRec(p *page.Page, key interface{}, version int64, m *Map) (*page.Page, bool) {
	idx, found := binarySearch(p.Keys, key, m.keyType)

	if p.IsLeaf() {
		if !found {
			return p, false
		}
		c := p.Clone(version)
		c.Keys = removeAt(c.Keys, idx)
		c.Values = removeAt(c.Values, idx)
		return c, true
	}

	ci := childIndex(idx, found)
	child, err := m.child(p, ci)
	if err != nil {
		panic(err)
	}
	newChild, removed := removeRec(child, key, version, m)
	if !removed {
		return p, false
	}

	c := p.Clone(version)
	if len(newChild.Keys) == 0 && newChild.IsLeaf() {
		c.Children = removePageAt(c.Children, ci)
		c.ChildPos = removePosAt(c.ChildPos, ci)
		c.ChildCounts = removeCountAt(c.ChildCounts, ci)
		sepIdx := ci
		if ci > 0 {
			sepIdx = ci - 1
		}
		if sepIdx < len(c.Keys) {
			c.Keys = removeAt(c.Keys, sepIdx)
		}
	} else if len(newChild.Keys) == 0 {
		// Interior child collapsed to a single grandchild; promote it.
		c.Children[ci] = newChild.Children[0]
		c.ChildPos[ci] = newChild.ChildPos[0]
		c.ChildCounts[ci] = newChild.ChildCounts[0]
	} else {
		c.Children[ci] = newChild
		c.ChildPos[ci] = 0
		c.ChildCounts[ci] = newChild.TotalCount()
	}
	return c, true
}

// maybeSplitLeaf splits a leaf at its median key once it exceeds the
// map's page split size and holds at least two keys.
func maybeSplitLeaf(c *page.Page, m *Map, version int64) (*page.Page, *page.Page, interface{}) {
	if c.MemorySize() <= m.PageSplitSize || len(c.Keys) < 2 {
		return c, nil, nil
	}
	mid := len(c.Keys) / 2

	left := page.NewLeaf(m.ID, version, m.keyType, m.valueType)
	left.Keys = append([]interface{}(nil), c.Keys[:mid]...)
	left.Values = append([]interface{}(nil), c.Values[:mid]...)

	right := page.NewLeaf(m.ID, version, m.keyType, m.valueType)
	right.Keys = append([]interface{}(nil), c.Keys[mid:]...)
	right.Values = append([]interface{}(nil), c.Values[mid:]...)

	return left, right, right.Keys[0]
}

// maybeSplitNode splits an interior node at its median key, which moves
// up to become the separator in the parent rather than being duplicated
// in either half.
func maybeSplitNode(c *page.Page, m *Map, version int64) (*page.Page, *page.Page, interface{}) {
	if c.MemorySize() <= m.PageSplitSize || len(c.Keys) < 2 {
		return c, nil, nil
	}
	mid := len(c.Keys) / 2
	sepKey := c.Keys[mid]

	left := page.NewNode(m.ID, version, m.keyType, m.valueType)
	left.Keys = append([]interface{}(nil), c.Keys[:mid]...)
	left.Children = append([]*page.Page(nil), c.Children[:mid+1]...)
	left.ChildPos = append([]page.Pos(nil), c.ChildPos[:mid+1]...)
	left.ChildCounts = append([]int64(nil), c.ChildCounts[:mid+1]...)

	right := page.NewNode(m.ID, version, m.keyType, m.valueType)
	right.Keys = append([]interface{}(nil), c.Keys[mid+1:]...)
	right.Children = append([]*page.Page(nil), c.Children[mid+1:]...)
	right.ChildPos = append([]page.Pos(nil), c.ChildPos[mid+1:]...)
	right.ChildCounts = append([]int64(nil), c.ChildCounts[mid+1:]...)

	return left, right, sepKey
}

func insertAt(s []interface{}, i int, v interface{}) []interface{} {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt(s []interface{}, i int) []interface{} {
	return append(s[:i], s[i+1:]...)
}

func insertPageAt(s []*page.Page, i int, v *page.Page) []*page.Page {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removePageAt(s []*page.Page, i int) []*page.Page {
	return append(s[:i], s[i+1:]...)
}

func insertPosAt(s []page.Pos, i int, v page.Pos) []page.Pos {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removePosAt(s []page.Pos, i int) []page.Pos {
	return append(s[:i], s[i+1:]...)
}

func insertCountAt(s []int64, i int, v int64) []int64 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeCountAt(s []int64, i int) []int64 {
	return append(s[:i], s[i+1:]...)
}
