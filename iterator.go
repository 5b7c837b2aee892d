package bunstore

import (
	"sort"

	"github.com/kartikbazzad/bunstore/internal/query"
	"github.com/kartikbazzad/bunstore/storage"
)

// Iterator walks documents produced by a query plan stage.
type Iterator interface {
	Next() bool
	Value() storage.Document
}

// tableScanIterator walks the primary store in insertion order.
type tableScanIterator struct {
	cursor *storage.ListCursor
}

func newTableScanIterator(c *Collection) *tableScanIterator {
	return &tableScanIterator{cursor: c.list.Forward()}
}

func (it *tableScanIterator) Next() bool {
	return it.cursor.Next()
}

func (it *tableScanIterator) Value() storage.Document {
	return it.cursor.Value()
}

// indexScanIterator walks an index range derived from a field condition and
// resolves ids against the primary store.
type indexScanIterator struct {
	coll   *Collection
	cursor *storage.Cursor
	cur    storage.Document
}

func newIndexScanIterator(c *Collection, idx *indexDef, cond *query.FieldNode) *indexScanIterator {
	var cursor *storage.Cursor
	switch cond.Operator {
	case query.OpEq:
		cursor = idx.tree.RangeBetween(cond.Value, cond.Value, false)
	case query.OpGt, query.OpGte:
		// The residual filter drops the boundary for the exclusive case.
		cursor = idx.tree.RangeGte(cond.Value)
	case query.OpLt, query.OpLte:
		cursor = idx.tree.RangeBetween(nil, cond.Value, false)
	default:
		cursor = idx.tree.RangeGte(nil)
	}
	return &indexScanIterator{coll: c, cursor: cursor}
}

func (it *indexScanIterator) Next() bool {
	for it.cursor.Next() {
		doc, err := it.coll.list.Get(it.cursor.ID())
		if err != nil {
			continue
		}
		it.cur = doc
		return true
	}
	return false
}

func (it *indexScanIterator) Value() storage.Document {
	return it.cur
}

// filterIterator drops documents the predicate rejects.
type filterIterator struct {
	inner Iterator
	node  query.Node
	cur   storage.Document
}

func newFilterIterator(inner Iterator, node query.Node) *filterIterator {
	return &filterIterator{inner: inner, node: node}
}

func (it *filterIterator) Next() bool {
	for it.inner.Next() {
		doc := it.inner.Value()
		if it.node.Matches(doc) {
			it.cur = doc
			return true
		}
	}
	return false
}

func (it *filterIterator) Value() storage.Document {
	return it.cur
}

// skipIterator discards the first n documents.
type skipIterator struct {
	inner   Iterator
	skip    int
	skipped bool
}

func newSkipIterator(inner Iterator, skip int) *skipIterator {
	return &skipIterator{inner: inner, skip: skip}
}

func (it *skipIterator) Next() bool {
	if !it.skipped {
		it.skipped = true
		for i := 0; i < it.skip; i++ {
			if !it.inner.Next() {
				return false
			}
		}
	}
	return it.inner.Next()
}

func (it *skipIterator) Value() storage.Document {
	return it.inner.Value()
}

// limitIterator stops after n documents.
type limitIterator struct {
	inner Iterator
	limit int
	count int
}

func newLimitIterator(inner Iterator, limit int) *limitIterator {
	return &limitIterator{inner: inner, limit: limit}
}

func (it *limitIterator) Next() bool {
	if it.count >= it.limit {
		return false
	}
	if !it.inner.Next() {
		return false
	}
	it.count++
	return true
}

func (it *limitIterator) Value() storage.Document {
	return it.inner.Value()
}

// sortIterator materializes the inner stream and re-yields it ordered by a
// field.
type sortIterator struct {
	docs []storage.Document
	pos  int
}

func newSortIterator(inner Iterator, field string, desc bool) *sortIterator {
	var docs []storage.Document
	for inner.Next() {
		docs = append(docs, inner.Value())
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, _ := docs[i].GetPath(field)
		b, _ := docs[j].GetPath(field)
		cmp := query.CompareValues(a, b)
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
	return &sortIterator{docs: docs, pos: -1}
}

func (it *sortIterator) Next() bool {
	it.pos++
	return it.pos < len(it.docs)
}

func (it *sortIterator) Value() storage.Document {
	return it.docs[it.pos]
}
