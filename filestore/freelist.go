package filestore

import "github.com/google/btree"

// interval is a free byte range [start, start+length). Ordered by
// start, matching the teacher's habit of reaching for an ordered,
// clonable google/btree.BTree for in-memory sorted-key bookkeeping
// (there used for a whole keyspace; here, for free-space accounting).
type interval struct {
	start, length int64
}

func (a interval) Less(other btree.Item) bool {
	return a.start < other.(interval).start
}

// freeList tracks free byte ranges starting at the first byte after the
// two store headers. allocate is first-fit over intervals in ascending
// start order.
type freeList struct {
	tree *btree.BTree
}

func newFreeList() *freeList {
	return &freeList{tree: btree.New(32)}
}

// reset replaces the free list with a single interval spanning
// [start, end), discarding whatever was tracked before. Used when
// recovery rebuilds the free list from scratch.
func (fl *freeList) reset(start, end int64) {
	fl.tree = btree.New(32)
	if end > start {
		fl.tree.ReplaceOrInsert(interval{start, end - start})
	}
}

// allocate finds the first free interval of at least length bytes,
// consumes it (splitting off any remainder), and returns its start
// offset. It returns (0, false) if no interval is large enough.
func (fl *freeList) allocate(length int64) (int64, bool) {
	var found interval
	ok := false
	fl.tree.Ascend(func(item btree.Item) bool {
		iv := item.(interval)
		if iv.length >= length {
			found = iv
			ok = true
			return false
		}
		return true
	})
	if !ok {
		return 0, false
	}
	fl.tree.Delete(found)
	if found.length > length {
		fl.tree.ReplaceOrInsert(interval{found.start + length, found.length - length})
	}
	return found.start, true
}

// markUsed removes [pos, pos+length) from whatever free interval
// contains it, splitting that interval if the used range is a strict
// subset.
func (fl *freeList) markUsed(pos, length int64) {
	var container interval
	found := false
	fl.tree.DescendLessOrEqual(interval{pos, 0}, func(item btree.Item) bool {
		iv := item.(interval)
		if iv.start <= pos && pos < iv.start+iv.length {
			container = iv
			found = true
		}
		return false
	})
	if !found {
		return
	}
	fl.tree.Delete(container)

	if container.start < pos {
		fl.tree.ReplaceOrInsert(interval{container.start, pos - container.start})
	}
	end := container.start + container.length
	usedEnd := pos + length
	if usedEnd < end {
		fl.tree.ReplaceOrInsert(interval{usedEnd, end - usedEnd})
	}
}

// free returns [pos, pos+length) to the free list, coalescing with any
// immediately adjacent free intervals.
func (fl *freeList) free(pos, length int64) {
	start, end := pos, pos+length

	fl.tree.DescendLessOrEqual(interval{start, 0}, func(item btree.Item) bool {
		iv := item.(interval)
		if iv.start+iv.length == start {
			fl.tree.Delete(iv)
			start = iv.start
		}
		return false
	})
	fl.tree.AscendGreaterOrEqual(interval{end, 0}, func(item btree.Item) bool {
		iv := item.(interval)
		if iv.start == end {
			fl.tree.Delete(iv)
			end = iv.start + iv.length
		}
		return false
	})
	fl.tree.ReplaceOrInsert(interval{start, end - start})
}

// firstFree returns the start offset of the lowest free interval.
func (fl *freeList) firstFree() (int64, bool) {
	item := fl.tree.Min()
	if item == nil {
		return 0, false
	}
	return item.(interval).start, true
}

// freeBytes sums the size of every tracked free interval.
func (fl *freeList) freeBytes() int64 {
	var total int64
	fl.tree.Ascend(func(item btree.Item) bool {
		total += item.(interval).length
		return true
	})
	return total
}
