package bunstore

import (
	"fmt"
	"sort"
	"time"

	"github.com/kartikbazzad/bunstore/internal/query"
	"github.com/kartikbazzad/bunstore/internal/transaction"
	"github.com/kartikbazzad/bunstore/storage"
)

// Update applies an update document to every match of the query. With
// merge=true the update overlays the original; otherwise the update replaces
// the stored document and schema defaults re-apply. Operator updates
// ($set, $inc, ...) rebuild the full document from the original, so $unset
// expresses key removal that an in-place merge could not. Every modified
// document is re-validated; on failure that mutation is not applied.
func (c *Collection) Update(queryMap, update map[string]interface{}, merge bool) ([]storage.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	matches, err := c.matchedIDsLocked(queryMap)
	if err != nil {
		return nil, err
	}

	var updated []storage.Document
	for _, id := range matches {
		before, err := c.list.Get(id)
		if err != nil {
			continue
		}
		after, err := c.buildUpdatedLocked(before, update, merge)
		if err != nil {
			return updated, err
		}
		if err := c.applyReplaceLocked(id, before, after); err != nil {
			c.db.metrics.RecordOperation("update", "error")
			return updated, err
		}
		c.db.metrics.RecordOperation("update", "ok")
		updated = append(updated, after.Clone())
	}

	if len(updated) > 0 {
		if err := c.persistLocked(); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

// UpdateAtomic filters, updates, and optionally upserts in one operation.
// The upsert seed is built from the filter's equality clauses, the update is
// applied on top, schema defaults fill the gaps, and the result is
// validated before insertion.
func (c *Collection) UpdateAtomic(filter, update map[string]interface{}, opts UpdateOptions) (*UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := &UpdateResult{}

	matches, err := c.matchedIDsLocked(filter)
	if err != nil {
		return nil, err
	}
	result.MatchedCount = len(matches)

	if len(matches) == 0 {
		if !opts.Upsert {
			return result, nil
		}

		seed := storage.Document{}
		for field, value := range equalityClauses(filter) {
			seed.SetPath(field, value)
		}
		if err := query.ApplyUpdate(seed, update); err != nil {
			return nil, err
		}
		stored, err := c.insertLocked(seed)
		if err != nil {
			return nil, err
		}
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
		result.UpsertedCount = 1
		result.UpsertedIDs = []interface{}{mustID(stored)}
		return result, nil
	}

	for _, id := range matches {
		before, err := c.list.Get(id)
		if err != nil {
			continue
		}
		after, err := c.buildUpdatedLocked(before, update, opts.Merge)
		if err != nil {
			return result, err
		}
		if err := c.applyReplaceLocked(id, before, after); err != nil {
			return result, err
		}
		result.ModifiedCount++
		result.ModifiedDocuments = append(result.ModifiedDocuments, after.Clone())
	}

	if result.ModifiedCount > 0 {
		if err := c.persistLocked(); err != nil {
			return result, err
		}
	}
	return result, nil
}

// Remove deletes every match of the query, updating every index, and
// reports the removed documents.
func (c *Collection) Remove(queryMap map[string]interface{}) ([]storage.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	matches, err := c.matchedIDsLocked(queryMap)
	if err != nil {
		return nil, err
	}

	var removed []storage.Document
	for _, id := range matches {
		doc, err := c.list.RemoveWithID(id)
		if err != nil {
			continue
		}
		c.deindexDocumentLocked(id, doc)
		c.db.recordChange(transaction.ChangeRecord{
			Collection: c.name,
			Op:         transaction.OpDelete,
			ID:         id,
			Before:     doc.Clone(),
			Timestamp:  time.Now(),
		})
		c.db.metrics.RecordOperation("remove", "ok")
		removed = append(removed, doc.Clone())
	}

	if len(removed) > 0 {
		if err := c.persistLocked(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// RemoveByID deletes one document by primary id.
func (c *Collection) RemoveByID(id interface{}) (storage.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	norm, err := storage.NormalizeID(id)
	if err != nil {
		return nil, err
	}
	doc, err := c.list.RemoveWithID(norm)
	if err != nil {
		return nil, err
	}
	c.deindexDocumentLocked(norm, doc)
	c.db.recordChange(transaction.ChangeRecord{
		Collection: c.name,
		Op:         transaction.OpDelete,
		ID:         norm,
		Before:     doc.Clone(),
		Timestamp:  time.Now(),
	})
	if err := c.persistLocked(); err != nil {
		return nil, err
	}
	return doc.Clone(), nil
}

// matchedIDsLocked returns matching ids ordered by primary id, so bulk
// updates apply in a stable order.
func (c *Collection) matchedIDsLocked(queryMap map[string]interface{}) ([]interface{}, error) {
	node, err := c.compileQuery(queryMap)
	if err != nil {
		return nil, err
	}

	var ids []interface{}
	cursor := c.list.Forward()
	for cursor.Next() {
		if node.Matches(cursor.Value()) {
			ids = append(ids, cursor.ID())
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return storage.DefaultCompare(ids[i], ids[j]) < 0
	})
	return ids, nil
}

// buildUpdatedLocked produces the replacement document for one match.
func (c *Collection) buildUpdatedLocked(before storage.Document, update map[string]interface{}, merge bool) (storage.Document, error) {
	id := mustID(before)

	var after storage.Document
	switch {
	case query.HasOperators(update):
		// Operator application always starts from the original document.
		after = before.Clone()
		if err := query.ApplyUpdate(after, update); err != nil {
			return nil, err
		}
	case merge:
		// Shallow overlay of the update onto the original.
		after = before.Clone()
		for k, v := range update {
			after[k] = v
		}
	default:
		// Replacement: defaults re-apply to the fresh document.
		after = storage.Document{}
		for k, v := range update {
			after[k] = v
		}
		c.config.Schema.ApplyDefaults(after)
	}

	// The primary id is immutable for the lifetime of the document.
	after.SetID(id)

	if err := c.validator.validate(after); err != nil {
		return nil, err
	}
	return after, nil
}

// applyReplaceLocked swaps a stored document for its updated version,
// maintaining every index: stale keys are deleted, new keys inserted. On a
// unique violation all index changes and the primary-store write are undone
// before the error surfaces.
func (c *Collection) applyReplaceLocked(id interface{}, before, after storage.Document) error {
	type indexMove struct {
		idx              *indexDef
		oldKey, newKey   interface{}
		hadOld, hasNew   bool
		removed, applied bool
	}

	var moves []*indexMove
	for _, idx := range c.indexes {
		oldKey, hadOld := before.GetPath(idx.field)
		newKey, hasNew := after.GetPath(idx.field)
		if !hadOld && !idx.sparse {
			oldKey, hadOld = nil, true
		}
		if !hasNew && !idx.sparse {
			newKey, hasNew = nil, true
		}
		if hadOld && hasNew && storage.DefaultCompare(oldKey, newKey) == 0 {
			continue
		}
		moves = append(moves, &indexMove{idx: idx, oldKey: oldKey, newKey: newKey, hadOld: hadOld, hasNew: hasNew})
	}

	undo := func() {
		for _, m := range moves {
			if m.applied {
				m.idx.tree.Remove(m.newKey, id)
			}
			if m.removed {
				// Re-insert can only fail if a concurrent writer took the
				// key, which the single-writer model rules out.
				_ = m.idx.tree.Insert(m.oldKey, id)
			}
		}
	}

	for _, m := range moves {
		if m.hadOld {
			m.idx.tree.Remove(m.oldKey, id)
			m.removed = true
		}
		if m.hasNew {
			if err := m.idx.tree.Insert(m.newKey, id); err != nil {
				undo()
				return fmt.Errorf("index %s: %w", m.idx.name, err)
			}
			m.applied = true
		}
	}

	if err := c.list.Update(id, after); err != nil {
		undo()
		return err
	}

	c.db.recordChange(transaction.ChangeRecord{
		Collection: c.name,
		Op:         transaction.OpUpdate,
		ID:         id,
		Before:     before.Clone(),
		After:      after.Clone(),
		Timestamp:  time.Now(),
	})
	return nil
}

// equalityClauses extracts the filter's top-level equality conditions for
// upsert seeding.
func equalityClauses(filter map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for field, value := range filter {
		if field == "$and" {
			if list, ok := value.([]interface{}); ok {
				for _, item := range list {
					if sub, ok := item.(map[string]interface{}); ok {
						for k, v := range equalityClauses(sub) {
							out[k] = v
						}
					}
				}
			}
			continue
		}
		if field == "$or" {
			continue
		}
		if m, ok := value.(map[string]interface{}); ok {
			if eq, has := m["$eq"]; has {
				out[field] = eq
			}
			continue
		}
		out[field] = value
	}
	return out
}
