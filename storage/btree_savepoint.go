package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kartikbazzad/bunstore/internal/util"
)

// treeSavepoint is a full snapshot of the tree's key->ids mapping. The dump is
// captured in key order so rollback can bulk-reload without re-sorting.
type treeSavepoint struct {
	id        string
	name      string
	createdAt time.Time
	dump      []savedEntry
	size      int
}

type savedEntry struct {
	key interface{}
	ids []interface{}
}

// CreateSavepoint snapshots the current key->ids mapping and pushes it onto
// the tree's savepoint stack. Returns an opaque savepoint id.
func (t *BPlusTree) CreateSavepoint(name string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	sp := &treeSavepoint{
		id:        uuid.NewString(),
		name:      name,
		createdAt: time.Now(),
		dump:      t.dumpLocked(),
		size:      t.size,
	}
	t.savepoints = append(t.savepoints, sp)
	return sp.id
}

// RollbackToSavepoint restores the exact mapping captured at savepoint
// creation and discards every savepoint created after it. The target
// savepoint itself stays on the stack and may be rolled back to again.
func (t *BPlusTree) RollbackToSavepoint(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.findSavepointLocked(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", util.ErrSavepointNotFound, id)
	}

	sp := t.savepoints[idx]
	t.loadLocked(sp.dump)
	t.size = sp.size
	t.savepoints = t.savepoints[:idx+1]
	return nil
}

// ReleaseSavepoint discards a savepoint snapshot without touching the tree.
func (t *BPlusTree) ReleaseSavepoint(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.findSavepointLocked(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", util.ErrSavepointNotFound, id)
	}
	t.savepoints = append(t.savepoints[:idx], t.savepoints[idx+1:]...)
	return nil
}

// ClearSavepoints drops the whole savepoint stack without touching the
// tree. Called when the enclosing transaction ends.
func (t *BPlusTree) ClearSavepoints() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.savepoints = nil
}

// SavepointCount returns the depth of the savepoint stack.
func (t *BPlusTree) SavepointCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.savepoints)
}

func (t *BPlusTree) findSavepointLocked(id string) int {
	for i, sp := range t.savepoints {
		if sp.id == id {
			return i
		}
	}
	return -1
}

// dumpLocked walks the leaf chain and deep-copies every live entry.
func (t *BPlusTree) dumpLocked() []savedEntry {
	node := t.root
	for !node.leaf {
		node = node.children[0]
	}

	var dump []savedEntry
	for node != nil {
		for _, e := range node.entries {
			if len(e.ids) == 0 {
				continue
			}
			ids := make([]interface{}, len(e.ids))
			copy(ids, e.ids)
			dump = append(dump, savedEntry{key: e.key, ids: ids})
		}
		node = node.next
	}
	return dump
}

// loadLocked rebuilds the tree from an ordered dump. Leaves are packed left to
// right at half occupancy, then internal levels are built bottom-up.
func (t *BPlusTree) loadLocked(dump []savedEntry) {
	if len(dump) == 0 {
		t.root = &treeNode{leaf: true}
		return
	}

	fill := t.order / 2
	var leaves []*treeNode
	for start := 0; start < len(dump); start += fill {
		end := start + fill
		if end > len(dump) {
			end = len(dump)
		}
		leaf := &treeNode{leaf: true}
		for _, se := range dump[start:end] {
			ids := make([]interface{}, len(se.ids))
			copy(ids, se.ids)
			leaf.entries = append(leaf.entries, &leafEntry{key: se.key, ids: ids})
		}
		if len(leaves) > 0 {
			prev := leaves[len(leaves)-1]
			prev.next = leaf
			leaf.prev = prev
		}
		leaves = append(leaves, leaf)
	}

	level := leaves
	for len(level) > 1 {
		var parents []*treeNode
		for start := 0; start < len(level); start += fill {
			end := start + fill
			if end > len(level) {
				end = len(level)
			}
			parent := &treeNode{}
			for i := start; i < end; i++ {
				child := level[i]
				parent.children = append(parent.children, child)
				if i > start {
					parent.keys = append(parent.keys, firstKey(child))
				}
			}
			parents = append(parents, parent)
		}
		level = parents
	}
	t.root = level[0]
}

func firstKey(node *treeNode) interface{} {
	for !node.leaf {
		node = node.children[0]
	}
	return node.entries[0].key
}
