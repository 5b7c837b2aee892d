package storage

import (
	"fmt"
	"sync"

	"github.com/kartikbazzad/bunstore/internal/util"
)

// Comparator defines a total order over index keys.
type Comparator func(a, b interface{}) int

// BPlusTree is an ordered secondary index: key -> ordered set of primary ids.
//
// Properties:
//   - **Order**: max entries per node (fixed at 32).
//   - **Flavours**: unique (at most one id per key) and sparse (absence handled
//     by the caller; the tree itself never stores absent keys).
//   - **Ordering**: total on keys by the configured comparator; ids under one
//     key are ordered by DefaultCompare, which breaks scan ties.
//   - **Savepoints**: the tree keeps its own named savepoint stack; rollback
//     restores the exact key->ids mapping that existed at creation.
type BPlusTree struct {
	mu         sync.RWMutex
	root       *treeNode
	order      int
	unique     bool
	compare    Comparator
	size       int // number of (key, id) pairs
	savepoints []*treeSavepoint
}

// Entry is one (key, id) pair yielded by cursors.
type Entry struct {
	Key interface{}
	ID  interface{}
}

type leafEntry struct {
	key interface{}
	ids []interface{} // ordered by DefaultCompare
}

type treeNode struct {
	leaf     bool
	entries  []*leafEntry // leaf only
	keys     []interface{}
	children []*treeNode // internal only
	next     *treeNode   // leaf chain
	prev     *treeNode
}

// BTreeOptions configures an index tree.
type BTreeOptions struct {
	Unique     bool
	Comparator Comparator
}

// NewBPlusTree creates an empty tree. A nil comparator falls back to
// DefaultCompare.
func NewBPlusTree(opts BTreeOptions) *BPlusTree {
	cmp := opts.Comparator
	if cmp == nil {
		cmp = DefaultCompare
	}
	return &BPlusTree{
		root:    &treeNode{leaf: true},
		order:   32,
		unique:  opts.Unique,
		compare: cmp,
	}
}

// Unique reports whether the tree enforces one id per key.
func (t *BPlusTree) Unique() bool { return t.unique }

// Len returns the number of (key, id) pairs in the tree.
func (t *BPlusTree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// DefaultCompare orders scalar values: nil, then bools, then numbers by
// magnitude, then strings, then any other type. Mixed types order by that
// type rank so the ordering stays total.
func DefaultCompare(a, b interface{}) int {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	sa, sb := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

func typeRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int, int32, int64, uint, float32, float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch i := v.(type) {
	case float64:
		return i, true
	case float32:
		return float64(i), true
	case int:
		return float64(i), true
	case int32:
		return float64(i), true
	case int64:
		return float64(i), true
	case uint:
		return float64(i), true
	}
	return 0, false
}

// Insert adds (key, id). Duplicate insertion into a unique index fails with
// ErrConstraintViolation; re-inserting an existing (key, id) pair is a no-op.
func (t *BPlusTree) Insert(key, id interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(key, id)
}

func (t *BPlusTree) insertLocked(key, id interface{}) error {
	splitKey, sibling, err := t.insertRecursive(t.root, key, id)
	if err != nil {
		return err
	}
	if sibling != nil {
		// Root split: new root points at the two halves.
		t.root = &treeNode{
			keys:     []interface{}{splitKey},
			children: []*treeNode{t.root, sibling},
		}
	}
	return nil
}

// insertRecursive descends, inserts, and handles splits on the way up.
// Returns (promoted key, new sibling) if the child split, else (nil, nil).
func (t *BPlusTree) insertRecursive(node *treeNode, key, id interface{}) (interface{}, *treeNode, error) {
	if node.leaf {
		return t.insertIntoLeaf(node, key, id)
	}

	idx := len(node.keys)
	for i, sep := range node.keys {
		if t.compare(key, sep) < 0 {
			idx = i
			break
		}
	}
	promote, sibling, err := t.insertRecursive(node.children[idx], key, id)
	if err != nil || sibling == nil {
		return nil, nil, err
	}

	node.keys = append(node.keys, nil)
	copy(node.keys[idx+1:], node.keys[idx:])
	node.keys[idx] = promote
	node.children = append(node.children, nil)
	copy(node.children[idx+2:], node.children[idx+1:])
	node.children[idx+1] = sibling

	if len(node.keys) > t.order {
		return t.splitInternal(node)
	}
	return nil, nil, nil
}

func (t *BPlusTree) insertIntoLeaf(leaf *treeNode, key, id interface{}) (interface{}, *treeNode, error) {
	pos, found := t.searchLeaf(leaf, key)
	if found {
		entry := leaf.entries[pos]
		for _, existing := range entry.ids {
			if existing == id {
				return nil, nil, nil
			}
		}
		if t.unique && len(entry.ids) > 0 {
			return nil, nil, fmt.Errorf("%w: key %v", util.ErrConstraintViolation, key)
		}
		entry.ids = insertSortedID(entry.ids, id)
		t.size++
		return nil, nil, nil
	}

	newEntry := &leafEntry{key: key, ids: []interface{}{id}}
	leaf.entries = append(leaf.entries, nil)
	copy(leaf.entries[pos+1:], leaf.entries[pos:])
	leaf.entries[pos] = newEntry
	t.size++

	if len(leaf.entries) > t.order {
		return t.splitLeaf(leaf)
	}
	return nil, nil, nil
}

func insertSortedID(ids []interface{}, id interface{}) []interface{} {
	pos := len(ids)
	for i, existing := range ids {
		if DefaultCompare(id, existing) < 0 {
			pos = i
			break
		}
	}
	ids = append(ids, nil)
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = id
	return ids
}

// Remove deletes (key, id). A nil id removes every id under the key.
// Removing an absent pair is a no-op.
func (t *BPlusTree) Remove(key, id interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(key, id)
}

func (t *BPlusTree) removeLocked(key, id interface{}) {
	leaf := t.findLeaf(key)
	pos, found := t.searchLeaf(leaf, key)
	if !found {
		return
	}
	entry := leaf.entries[pos]

	if id == nil {
		t.size -= len(entry.ids)
		entry.ids = nil
	} else {
		for i, existing := range entry.ids {
			if existing == id {
				entry.ids = append(entry.ids[:i], entry.ids[i+1:]...)
				t.size--
				break
			}
		}
	}

	// Lazy deletion: drop the emptied entry, keep node occupancy as-is.
	// No rebalancing, same strategy as the page-backed tree this replaces.
	if len(entry.ids) == 0 {
		leaf.entries = append(leaf.entries[:pos], leaf.entries[pos+1:]...)
	}
}

// Find returns the first (lowest) id under key, or nil.
func (t *BPlusTree) Find(key interface{}) interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	leaf := t.findLeaf(key)
	pos, found := t.searchLeaf(leaf, key)
	if !found || len(leaf.entries[pos].ids) == 0 {
		return nil
	}
	return leaf.entries[pos].ids[0]
}

// FindLast returns the last (highest) id under key, or nil.
func (t *BPlusTree) FindLast(key interface{}) interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	leaf := t.findLeaf(key)
	pos, found := t.searchLeaf(leaf, key)
	if !found || len(leaf.entries[pos].ids) == 0 {
		return nil
	}
	ids := leaf.entries[pos].ids
	return ids[len(ids)-1]
}

// FindAll returns every id under key in order.
func (t *BPlusTree) FindAll(key interface{}) []interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	leaf := t.findLeaf(key)
	pos, found := t.searchLeaf(leaf, key)
	if !found {
		return nil
	}
	out := make([]interface{}, len(leaf.entries[pos].ids))
	copy(out, leaf.entries[pos].ids)
	return out
}

// Min returns the smallest key's first entry, or nil when empty.
func (t *BPlusTree) Min() *Entry {
	c := t.RangeGte(nil)
	if c.Next() {
		e := c.Entry()
		return &e
	}
	return nil
}

// Max returns the largest key's last entry, or nil when empty.
func (t *BPlusTree) Max() *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node := t.root
	for !node.leaf {
		node = node.children[len(node.children)-1]
	}
	for node != nil {
		for i := len(node.entries) - 1; i >= 0; i-- {
			e := node.entries[i]
			if len(e.ids) > 0 {
				return &Entry{Key: e.key, ID: e.ids[len(e.ids)-1]}
			}
		}
		node = node.prev
	}
	return nil
}

// findLeaf descends to the leaf that does or would contain key.
func (t *BPlusTree) findLeaf(key interface{}) *treeNode {
	node := t.root
	for !node.leaf {
		idx := len(node.keys)
		for i, sep := range node.keys {
			if t.compare(key, sep) < 0 {
				idx = i
				break
			}
		}
		node = node.children[idx]
	}
	return node
}

// searchLeaf binary-searches a leaf. Returns (insert position, found).
func (t *BPlusTree) searchLeaf(leaf *treeNode, key interface{}) (int, bool) {
	lo, hi := 0, len(leaf.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		cmp := t.compare(key, leaf.entries[mid].key)
		if cmp == 0 {
			return mid, true
		} else if cmp < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, false
}

func (t *BPlusTree) splitLeaf(leaf *treeNode) (interface{}, *treeNode, error) {
	mid := len(leaf.entries) / 2
	right := &treeNode{leaf: true}
	right.entries = append(right.entries, leaf.entries[mid:]...)
	leaf.entries = leaf.entries[:mid]

	// Link leaves
	right.next = leaf.next
	right.prev = leaf
	if leaf.next != nil {
		leaf.next.prev = right
	}
	leaf.next = right

	// Promote (copy up) the first key of the right node.
	return right.entries[0].key, right, nil
}

func (t *BPlusTree) splitInternal(node *treeNode) (interface{}, *treeNode, error) {
	mid := len(node.keys) / 2
	promote := node.keys[mid]

	right := &treeNode{}
	right.keys = append(right.keys, node.keys[mid+1:]...)
	right.children = append(right.children, node.children[mid+1:]...)
	node.keys = node.keys[:mid]
	node.children = node.children[:mid+1]

	return promote, right, nil
}

// Cursor is a lazy forward or backward sequence of (key, id) pairs.
type Cursor struct {
	tree    *BPlusTree
	node    *treeNode
	entry   int
	idPos   int
	forward bool
	hasLo   bool
	lo      interface{}
	loExcl  bool
	hasHi   bool
	hi      interface{}
	hiExcl  bool
	cur  Entry
	done bool
}

// RangeGte returns a forward cursor over keys >= key. A nil key scans from
// the smallest key.
func (t *BPlusTree) RangeGte(key interface{}) *Cursor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := &Cursor{tree: t, forward: true}
	if key != nil {
		c.hasLo = true
		c.lo = key
	}
	c.seekForward()
	return c
}

// RangeLte returns a backward cursor over keys <= key. A nil key scans from
// the largest key.
func (t *BPlusTree) RangeLte(key interface{}) *Cursor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := &Cursor{tree: t, forward: false}
	if key != nil {
		c.hasHi = true
		c.hi = key
	}
	c.seekBackward()
	return c
}

// RangeBetween returns a cursor over lo <= key <= hi. Reverse walks from hi
// down to lo. Nil bounds are open.
func (t *BPlusTree) RangeBetween(lo, hi interface{}, reverse bool) *Cursor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := &Cursor{tree: t, forward: !reverse}
	if lo != nil {
		c.hasLo = true
		c.lo = lo
	}
	if hi != nil {
		c.hasHi = true
		c.hi = hi
	}
	if c.forward {
		c.seekForward()
	} else {
		c.seekBackward()
	}
	return c
}

func (c *Cursor) seekForward() {
	t := c.tree
	var start interface{}
	if c.hasLo {
		start = c.lo
		c.node = t.findLeaf(start)
		pos, _ := t.searchLeaf(c.node, start)
		c.entry = pos
	} else {
		node := t.root
		for !node.leaf {
			node = node.children[0]
		}
		c.node = node
		c.entry = 0
	}
	c.idPos = 0
}

func (c *Cursor) seekBackward() {
	t := c.tree
	if c.hasHi {
		c.node = t.findLeaf(c.hi)
		pos, found := t.searchLeaf(c.node, c.hi)
		if found {
			c.entry = pos
		} else {
			c.entry = pos - 1
		}
	} else {
		node := t.root
		for !node.leaf {
			node = node.children[len(node.children)-1]
		}
		c.node = node
		c.entry = len(node.entries) - 1
	}
	if c.node != nil && c.entry >= 0 && c.entry < len(c.node.entries) {
		c.idPos = len(c.node.entries[c.entry].ids) - 1
	}
}

// Next advances the cursor. Returns false when the range is exhausted.
func (c *Cursor) Next() bool {
	if c.done {
		return false
	}
	for {
		if c.node == nil {
			c.done = true
			return false
		}
		if c.forward {
			if c.entry >= len(c.node.entries) {
				c.node = c.node.next
				c.entry = 0
				c.idPos = 0
				continue
			}
		} else {
			if c.entry < 0 {
				c.node = c.node.prev
				if c.node != nil {
					c.entry = len(c.node.entries) - 1
					if c.entry >= 0 {
						c.idPos = len(c.node.entries[c.entry].ids) - 1
					}
				}
				continue
			}
		}

		entry := c.node.entries[c.entry]

		// Bounds checks
		if c.forward {
			if c.hasHi {
				cmp := c.tree.compare(entry.key, c.hi)
				if cmp > 0 || (c.hiExcl && cmp == 0) {
					c.done = true
					return false
				}
			}
			if c.hasLo {
				cmp := c.tree.compare(entry.key, c.lo)
				if cmp < 0 || (c.loExcl && cmp == 0) {
					c.advanceEntry()
					continue
				}
			}
		} else {
			if c.hasLo {
				cmp := c.tree.compare(entry.key, c.lo)
				if cmp < 0 || (c.loExcl && cmp == 0) {
					c.done = true
					return false
				}
			}
			if c.hasHi {
				cmp := c.tree.compare(entry.key, c.hi)
				if cmp > 0 || (c.hiExcl && cmp == 0) {
					c.advanceEntry()
					continue
				}
			}
		}

		if len(entry.ids) == 0 {
			c.advanceEntry()
			continue
		}

		if c.forward {
			if c.idPos >= len(entry.ids) {
				c.advanceEntry()
				continue
			}
			c.cur = Entry{Key: entry.key, ID: entry.ids[c.idPos]}
			c.idPos++
			return true
		}
		if c.idPos < 0 || c.idPos >= len(entry.ids) {
			c.advanceEntry()
			continue
		}
		c.cur = Entry{Key: entry.key, ID: entry.ids[c.idPos]}
		c.idPos--
		if c.idPos < 0 {
			c.advanceEntry()
		}
		return true
	}
}

func (c *Cursor) advanceEntry() {
	if c.forward {
		c.entry++
		c.idPos = 0
		return
	}
	c.entry--
	if c.entry >= 0 && c.entry < len(c.node.entries) {
		c.idPos = len(c.node.entries[c.entry].ids) - 1
	}
}

// Entry returns the (key, id) pair at the cursor position.
func (c *Cursor) Entry() Entry { return c.cur }

// Key returns the key at the cursor position.
func (c *Cursor) Key() interface{} { return c.cur.Key }

// ID returns the primary id at the cursor position.
func (c *Cursor) ID() interface{} { return c.cur.ID }
