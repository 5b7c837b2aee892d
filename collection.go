package bunstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/bunstore/internal/query"
	"github.com/kartikbazzad/bunstore/internal/transaction"
	"github.com/kartikbazzad/bunstore/internal/util"
	"github.com/kartikbazzad/bunstore/storage"
)

// Collection is a named, typed set of documents. It owns the primary store,
// every ordered index declared on it, the schema validator, and a storage
// adapter reference.
type Collection struct {
	name      string
	db        *Database
	config    CollectionConfig
	list      *storage.DocumentList
	indexes   map[string]*indexDef // index name -> definition
	validator *validator
	adapter   storage.Adapter
	mu        sync.RWMutex
}

type indexDef struct {
	name   string
	field  string
	unique bool
	sparse bool
	tree   *storage.BPlusTree
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Schema returns the collection's schema.
func (c *Collection) Schema() Schema {
	return c.config.Schema
}

// Len returns the number of live documents.
func (c *Collection) Len() int {
	return c.list.Len()
}

// Insert validates a document, assigns an id if absent, stores it, and
// updates every index. On a unique-index violation every partial mutation is
// undone before the error surfaces.
func (c *Collection) Insert(doc storage.Document) (storage.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, err := c.insertLocked(doc)
	if err != nil {
		c.db.metrics.RecordOperation("insert", "error")
		return nil, err
	}
	c.db.metrics.RecordOperation("insert", "ok")

	c.db.recordChange(transaction.ChangeRecord{
		Collection: c.name,
		Op:         transaction.OpInsert,
		ID:         mustID(stored),
		After:      stored.Clone(),
		Timestamp:  time.Now(),
	})
	if err := c.persistLocked(); err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

func (c *Collection) insertLocked(doc storage.Document) (storage.Document, error) {
	stored := doc.Clone()

	c.config.Schema.ApplyDefaults(stored)
	if err := c.validator.validate(stored); err != nil {
		return nil, err
	}

	id, hasID := stored.GetID()
	if !hasID {
		id = uuid.NewString()
		stored.SetID(id)
	}

	if err := c.list.Push(id, stored); err != nil {
		return nil, err
	}

	if err := c.indexDocumentLocked(id, stored); err != nil {
		// Undo the primary store write; indexDocumentLocked undoes its own
		// partial entries.
		c.list.RemoveWithID(id)
		return nil, err
	}
	return stored, nil
}

// indexDocumentLocked inserts a document into every index, undoing partial
// entries on failure.
func (c *Collection) indexDocumentLocked(id interface{}, doc storage.Document) error {
	type applied struct {
		tree *storage.BPlusTree
		key  interface{}
	}
	var done []applied

	for _, idx := range c.indexes {
		key, present := doc.GetPath(idx.field)
		if !present {
			if idx.sparse {
				continue
			}
			key = nil
		}
		if err := idx.tree.Insert(key, id); err != nil {
			for _, a := range done {
				a.tree.Remove(a.key, id)
			}
			return fmt.Errorf("index %s: %w", idx.name, err)
		}
		done = append(done, applied{tree: idx.tree, key: key})
	}
	return nil
}

// deindexDocumentLocked removes a document's entries from every index.
func (c *Collection) deindexDocumentLocked(id interface{}, doc storage.Document) {
	for _, idx := range c.indexes {
		key, present := doc.GetPath(idx.field)
		if !present {
			if idx.sparse {
				continue
			}
			key = nil
		}
		idx.tree.Remove(key, id)
	}
}

// FindByID returns the document stored under id.
func (c *Collection) FindByID(id interface{}) (storage.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	norm, err := storage.NormalizeID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrDocumentNotFound, id)
	}
	doc, err := c.list.Get(norm)
	if err != nil {
		return nil, err
	}
	return doc.Clone(), nil
}

// Find returns every document satisfying the query, honoring indexes when a
// top-level conjunct constrains an indexed field.
func (c *Collection) Find(queryMap map[string]interface{}, opts ...QueryOptions) ([]storage.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.findLocked(queryMap, opts...)
}

func (c *Collection) findLocked(queryMap map[string]interface{}, opts ...QueryOptions) ([]storage.Document, error) {
	node, err := c.compileQuery(queryMap)
	if err != nil {
		return nil, err
	}

	var iter Iterator
	if idx, field := c.planIndexLocked(node); idx != nil {
		iter = newIndexScanIterator(c, idx, field)
	} else {
		iter = newTableScanIterator(c)
	}

	iter = newFilterIterator(iter, node)

	var o QueryOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.SortField != "" {
		iter = newSortIterator(iter, o.SortField, o.SortDesc)
	}
	if o.Skip > 0 {
		iter = newSkipIterator(iter, o.Skip)
	}
	if o.Limit > 0 {
		iter = newLimitIterator(iter, o.Limit)
	}

	var results []storage.Document
	for iter.Next() {
		results = append(results, iter.Value().Clone())
	}
	return results, nil
}

// FindFirst returns the first matching document in scan order, or nil.
func (c *Collection) FindFirst(queryMap map[string]interface{}) (storage.Document, error) {
	docs, err := c.Find(queryMap, QueryOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// FindLast returns the last matching document in scan order, or nil.
func (c *Collection) FindLast(queryMap map[string]interface{}) (storage.Document, error) {
	docs, err := c.Find(queryMap)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[len(docs)-1], nil
}

// FindBy does an index-driven exact lookup, returning every document whose
// field equals value. Without an index on the field it falls back to a scan.
func (c *Collection) FindBy(field string, value interface{}) ([]storage.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if idx := c.indexForFieldLocked(field); idx != nil {
		ids := idx.tree.FindAll(value)
		docs := make([]storage.Document, 0, len(ids))
		for _, id := range ids {
			doc, err := c.list.Get(id)
			if err != nil {
				continue
			}
			docs = append(docs, doc.Clone())
		}
		return docs, nil
	}
	return c.findLocked(map[string]interface{}{field: value})
}

// FindFirstBy returns the lowest-id document whose field equals value.
func (c *Collection) FindFirstBy(field string, value interface{}) (storage.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if idx := c.indexForFieldLocked(field); idx != nil {
		id := idx.tree.Find(value)
		if id == nil {
			return nil, nil
		}
		doc, err := c.list.Get(id)
		if err != nil {
			return nil, err
		}
		return doc.Clone(), nil
	}
	docs, err := c.findLocked(map[string]interface{}{field: value}, QueryOptions{SortField: storage.IDField, Limit: 1})
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// FindLastBy returns the highest-id document whose field equals value.
func (c *Collection) FindLastBy(field string, value interface{}) (storage.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if idx := c.indexForFieldLocked(field); idx != nil {
		id := idx.tree.FindLast(value)
		if id == nil {
			return nil, nil
		}
		doc, err := c.list.Get(id)
		if err != nil {
			return nil, err
		}
		return doc.Clone(), nil
	}
	docs, err := c.findLocked(map[string]interface{}{field: value}, QueryOptions{SortField: storage.IDField})
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[len(docs)-1], nil
}

// compileQuery parses the query and applies schema-aware validation: unknown
// fields fail in strict mode, warn in lenient mode. Coercion flags from the
// schema land on the field nodes.
func (c *Collection) compileQuery(queryMap map[string]interface{}) (query.Node, error) {
	node, err := query.Parse(queryMap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrInvalidQuery, err)
	}

	if len(c.config.Schema) > 0 {
		for _, field := range query.Fields(node) {
			if field == storage.IDField {
				continue
			}
			if _, known := c.config.Schema[field]; !known {
				if c.db.opts.StrictQueries {
					return nil, fmt.Errorf("%w: unknown field %q", util.ErrInvalidQuery, field)
				}
				c.db.log.Warn("query references unknown field", "collection", c.name, "field", field)
			}
		}
	}
	applyCoercionFlags(node, c.config.Schema)
	return node, nil
}

func applyCoercionFlags(n query.Node, schema Schema) {
	switch node := n.(type) {
	case *query.FieldNode:
		if fd, ok := schema[node.Field]; ok && fd.Coerce {
			node.Coerce = true
		}
	case *query.LogicalNode:
		for _, child := range node.Children {
			applyCoercionFlags(child, schema)
		}
	}
}

// planIndexLocked picks an index for the query's first indexable top-level
// conjunct.
func (c *Collection) planIndexLocked(node query.Node) (*indexDef, *query.FieldNode) {
	field := query.FirstIndexable(node, func(f string) bool {
		return c.indexForFieldLocked(f) != nil
	})
	if field == nil {
		return nil, nil
	}
	return c.indexForFieldLocked(field.Field), field
}

func (c *Collection) indexForFieldLocked(field string) *indexDef {
	for _, idx := range c.indexes {
		if idx.field == field {
			return idx
		}
	}
	return nil
}

// CreateIndex declares an ordered index and rebuilds it from the existing
// document set. A unique index over colliding data fails and is discarded.
func (c *Collection) CreateIndex(name, field string, opts IndexConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name == "" {
		name = field
	}
	if _, exists := c.indexes[name]; exists {
		return nil
	}

	idx := &indexDef{
		name:   name,
		field:  field,
		unique: opts.Unique,
		sparse: opts.Sparse,
		tree:   storage.NewBPlusTree(storage.BTreeOptions{Unique: opts.Unique}),
	}

	cursor := c.list.Forward()
	for cursor.Next() {
		doc := cursor.Value()
		key, present := doc.GetPath(field)
		if !present {
			if idx.sparse {
				continue
			}
			key = nil
		}
		if err := idx.tree.Insert(key, cursor.ID()); err != nil {
			return fmt.Errorf("index build on %s failed: %w", field, err)
		}
	}

	c.indexes[name] = idx
	c.config.Indexes = append(c.config.Indexes, IndexConfig{
		Name: name, Field: field, Unique: opts.Unique, Sparse: opts.Sparse,
	})
	return c.db.persistManifest()
}

// ListIndexes returns the declared index configurations.
func (c *Collection) ListIndexes() []IndexConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]IndexConfig, 0, len(c.indexes))
	for _, idx := range c.indexes {
		out = append(out, IndexConfig{Name: idx.name, Field: idx.field, Unique: idx.unique, Sparse: idx.sparse})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DropIndex removes an index by name.
func (c *Collection) DropIndex(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.indexes[name]; !exists {
		return fmt.Errorf("%w: %s", util.ErrIndexNotFound, name)
	}
	delete(c.indexes, name)
	for i, ic := range c.config.Indexes {
		if ic.Name == name {
			c.config.Indexes = append(c.config.Indexes[:i], c.config.Indexes[i+1:]...)
			break
		}
	}
	return c.db.persistManifest()
}

// First returns the oldest document.
func (c *Collection) First() storage.Document {
	if doc := c.list.First(); doc != nil {
		return doc.Clone()
	}
	return nil
}

// Last returns the newest document.
func (c *Collection) Last() storage.Document {
	if doc := c.list.Last(); doc != nil {
		return doc.Clone()
	}
	return nil
}

// Lowest returns the document holding the smallest indexed key of field.
func (c *Collection) Lowest(field string) (storage.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx := c.indexForFieldLocked(field)
	if idx == nil {
		return nil, fmt.Errorf("%w: no index on field %s", util.ErrIndexNotFound, field)
	}
	entry := idx.tree.Min()
	if entry == nil {
		return nil, nil
	}
	doc, err := c.list.Get(entry.ID)
	if err != nil {
		return nil, err
	}
	return doc.Clone(), nil
}

// Greatest returns the document holding the largest indexed key of field.
func (c *Collection) Greatest(field string) (storage.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx := c.indexForFieldLocked(field)
	if idx == nil {
		return nil, fmt.Errorf("%w: no index on field %s", util.ErrIndexNotFound, field)
	}
	entry := idx.tree.Max()
	if entry == nil {
		return nil, nil
	}
	doc, err := c.list.Get(entry.ID)
	if err != nil {
		return nil, err
	}
	return doc.Clone(), nil
}

func mustID(doc storage.Document) interface{} {
	id, _ := doc.GetID()
	return id
}

// persistLocked defers or performs adapter persistence; callers hold the
// collection lock.
func (c *Collection) persistLocked() error {
	return c.db.persistDocs(c, c.documentsLocked())
}

func (c *Collection) documentsLocked() []storage.Document {
	docs := make([]storage.Document, 0, c.list.Len())
	cursor := c.list.Forward()
	for cursor.Next() {
		docs = append(docs, cursor.Value())
	}
	return docs
}

// --- transaction.CollectionView ---

// Documents returns the live document set in insertion order.
func (c *Collection) Documents() []storage.Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.documentsLocked()
}

// RestoreDocuments resets the primary store and rebuilds every index from
// the given documents.
func (c *Collection) RestoreDocuments(docs []storage.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.list.Reset()
	for _, idx := range c.indexes {
		idx.tree = storage.NewBPlusTree(storage.BTreeOptions{Unique: idx.unique})
	}
	for _, doc := range docs {
		id, ok := doc.GetID()
		if !ok {
			continue
		}
		if err := c.list.Push(id, doc); err != nil {
			return err
		}
		if err := c.indexDocumentLocked(id, doc); err != nil {
			return err
		}
	}
	return nil
}

// RestoreDocumentsOnly resets the primary store without touching indexes;
// index state is restored through their own savepoints.
func (c *Collection) RestoreDocumentsOnly(docs []storage.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.list.Reset()
	for _, doc := range docs {
		id, ok := doc.GetID()
		if !ok {
			continue
		}
		if err := c.list.Push(id, doc); err != nil {
			return err
		}
	}
	return nil
}

// CreateIndexSavepoints asks every index for a nested savepoint.
func (c *Collection) CreateIndexSavepoints(name string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	handles := make(map[string]string, len(c.indexes))
	for _, idx := range c.indexes {
		handles[idx.name] = idx.tree.CreateSavepoint(name)
	}
	return handles
}

// RollbackIndexSavepoints rolls every index back to its paired handle.
func (c *Collection) RollbackIndexSavepoints(handles map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for indexName, handle := range handles {
		idx, ok := c.indexes[indexName]
		if !ok {
			continue
		}
		if err := idx.tree.RollbackToSavepoint(handle); err != nil {
			return fmt.Errorf("index %s: %w", indexName, err)
		}
	}
	return nil
}

// DiscardIndexSavepoints drops every index's savepoint stack; called when
// the enclosing transaction ends.
func (c *Collection) DiscardIndexSavepoints() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, idx := range c.indexes {
		idx.tree.ClearSavepoints()
	}
}

// ReleaseIndexSavepoints releases the paired handles. Handles already
// discarded by an index-level rollback are tolerated.
func (c *Collection) ReleaseIndexSavepoints(handles map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for indexName, handle := range handles {
		idx, ok := c.indexes[indexName]
		if !ok {
			continue
		}
		if err := idx.tree.ReleaseSavepoint(handle); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
