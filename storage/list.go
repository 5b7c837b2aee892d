package storage

import (
	"fmt"
	"sync"

	"github.com/kartikbazzad/bunstore/internal/util"
)

// DocumentList is the primary store of a collection: id -> document with
// stable insertion order. It backs forward/backward iteration and the
// first/last extremes.
type DocumentList struct {
	mu    sync.RWMutex
	nodes map[interface{}]*listNode
	head  *listNode
	tail  *listNode
}

type listNode struct {
	id   interface{}
	doc  Document
	prev *listNode
	next *listNode
}

// NewDocumentList creates an empty document list.
func NewDocumentList() *DocumentList {
	return &DocumentList{
		nodes: make(map[interface{}]*listNode),
	}
}

// Push appends a document under its id. A colliding id fails with
// ErrDuplicateID.
func (l *DocumentList) Push(id interface{}, doc Document) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.nodes[id]; exists {
		return fmt.Errorf("%w: %v", util.ErrDuplicateID, id)
	}

	node := &listNode{id: id, doc: doc}
	if l.tail == nil {
		l.head = node
		l.tail = node
	} else {
		node.prev = l.tail
		l.tail.next = node
		l.tail = node
	}
	l.nodes[id] = node
	return nil
}

// Get returns the document stored under id.
func (l *DocumentList) Get(id interface{}) (Document, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	node, ok := l.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", util.ErrDocumentNotFound, id)
	}
	return node.doc, nil
}

// Update replaces the document stored under id, keeping its position.
// An absent id fails fast with ErrDocumentNotFound.
func (l *DocumentList) Update(id interface{}, doc Document) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	node, ok := l.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %v", util.ErrDocumentNotFound, id)
	}
	node.doc = doc
	return nil
}

// RemoveWithID unlinks and returns the document stored under id.
func (l *DocumentList) RemoveWithID(id interface{}) (Document, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	node, ok := l.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", util.ErrDocumentNotFound, id)
	}

	if node.prev != nil {
		node.prev.next = node.next
	} else {
		l.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		l.tail = node.prev
	}
	delete(l.nodes, id)
	return node.doc, nil
}

// Has reports whether id is present.
func (l *DocumentList) Has(id interface{}) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.nodes[id]
	return ok
}

// Len returns the number of stored documents.
func (l *DocumentList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.nodes)
}

// First returns the oldest document, or nil if empty.
func (l *DocumentList) First() Document {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.head == nil {
		return nil
	}
	return l.head.doc
}

// Last returns the newest document, or nil if empty.
func (l *DocumentList) Last() Document {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.tail == nil {
		return nil
	}
	return l.tail.doc
}

// Reset drops every document.
func (l *DocumentList) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes = make(map[interface{}]*listNode)
	l.head = nil
	l.tail = nil
}

// Forward returns a cursor over documents in insertion order.
func (l *DocumentList) Forward() *ListCursor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &ListCursor{node: l.head, forward: true}
}

// Backward returns a cursor over documents in reverse insertion order.
func (l *DocumentList) Backward() *ListCursor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &ListCursor{node: l.tail, forward: false}
}

// ListCursor walks a DocumentList. The cursor is positioned before the first
// element; call Next to advance.
type ListCursor struct {
	node    *listNode
	cur     *listNode
	forward bool
}

// Next advances the cursor. Returns false when exhausted.
func (c *ListCursor) Next() bool {
	if c.node == nil {
		c.cur = nil
		return false
	}
	c.cur = c.node
	if c.forward {
		c.node = c.node.next
	} else {
		c.node = c.node.prev
	}
	return true
}

// ID returns the id at the cursor position.
func (c *ListCursor) ID() interface{} {
	if c.cur == nil {
		return nil
	}
	return c.cur.id
}

// Value returns the document at the cursor position.
func (c *ListCursor) Value() Document {
	if c.cur == nil {
		return nil
	}
	return c.cur.doc
}
