// Package transaction implements the interactive transaction manager and the
// savepoint coordinator.
//
// The model is single-writer: exactly one transaction may be active per
// database instance. On begin, the manager captures a deep before-image of
// every live collection's document set; mutations apply in place and are
// recorded as ordered change records. Commit broadcasts the change log to
// subscribed listeners; rollback restores every collection from its
// before-image.
package transaction

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/copystructure"

	"github.com/kartikbazzad/bunstore/internal/logger"
	"github.com/kartikbazzad/bunstore/internal/util"
	"github.com/kartikbazzad/bunstore/storage"
)

// IsolationLevel names the isolation behavior of a transaction. Reads inside
// an active transaction always see its own writes. Mutations apply in place,
// so readers outside the transaction see them before commit as well; the
// level is recorded on the transaction and does not change this.
type IsolationLevel string

const (
	ReadCommitted     IsolationLevel = "read-committed"
	SnapshotIsolation IsolationLevel = "snapshot"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusActive    Status = "active"
	StatusCommitted Status = "committed"
	StatusAborted   Status = "aborted"
)

// ChangeOp is the kind of a recorded mutation.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeRecord describes a single mutation, in application order.
type ChangeRecord struct {
	Collection string           `json:"collection"`
	Op         ChangeOp         `json:"op"`
	ID         interface{}      `json:"id"`
	Before     storage.Document `json:"before,omitempty"`
	After      storage.Document `json:"after,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// ChangeListener receives the full change log of a committed transaction.
// Listeners must not mutate collection state from their callback.
type ChangeListener func(records []ChangeRecord)

// CollectionView is the slice of collection behavior the manager needs:
// snapshotting documents, restoring them, and driving index savepoints.
// The concrete type lives in the root package; the interface breaks the
// import cycle.
type CollectionView interface {
	Name() string
	// Documents returns the live document set in insertion order. The
	// manager deep-copies; implementations may return internal state.
	Documents() []storage.Document
	// RestoreDocuments resets the primary store AND rebuilds every index
	// from the given documents.
	RestoreDocuments(docs []storage.Document) error
	// RestoreDocumentsOnly resets the primary store without touching
	// indexes (used when indexes are restored through their own savepoints).
	RestoreDocumentsOnly(docs []storage.Document) error
	// CreateIndexSavepoints asks every index for a nested savepoint and
	// returns index-name -> opaque handle.
	CreateIndexSavepoints(name string) map[string]string
	// RollbackIndexSavepoints rolls every index back to its paired handle.
	RollbackIndexSavepoints(handles map[string]string) error
	// ReleaseIndexSavepoints releases the paired handles.
	ReleaseIndexSavepoints(handles map[string]string) error
	// DiscardIndexSavepoints drops every index savepoint stack when the
	// enclosing transaction ends.
	DiscardIndexSavepoints()
}

// Transaction is one interactive transaction.
type Transaction struct {
	ID        string
	Isolation IsolationLevel
	StartedAt time.Time
	Status    Status

	snapshot   map[string][]storage.Document // collection -> before-image
	changeLog  []ChangeRecord
	savepoints []*Savepoint
}

// Options configures a transaction.
type Options struct {
	Isolation IsolationLevel
}

// Manager owns the transaction lifecycle for one database instance.
type Manager struct {
	mu          sync.Mutex
	current     *Transaction
	collections func() []CollectionView
	listeners   map[int]ChangeListener
	nextListen  int
	log         *slog.Logger
}

// NewManager creates a manager. collections must return the live collection
// set at call time; the manager calls it on begin and savepoint creation.
func NewManager(collections func() []CollectionView) *Manager {
	return &Manager{
		collections: collections,
		listeners:   make(map[int]ChangeListener),
		log:         logger.ForComponent("txn"),
	}
}

// Subscribe registers a commit listener and returns its handle.
func (m *Manager) Subscribe(l ChangeListener) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextListen++
	m.listeners[m.nextListen] = l
	return m.nextListen
}

// Unsubscribe removes a commit listener.
func (m *Manager) Unsubscribe(handle int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, handle)
}

// Active returns the current transaction, or nil.
func (m *Manager) Active() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// InTransaction reports whether a transaction is active.
func (m *Manager) InTransaction() bool {
	return m.Active() != nil
}

// Begin starts a transaction, capturing a deep before-image of every live
// collection. Beginning while one is active fails with
// ErrTransactionAlreadyActive.
func (m *Manager) Begin(opts Options) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, util.ErrTransactionAlreadyActive
	}

	isolation := opts.Isolation
	if isolation == "" {
		isolation = SnapshotIsolation
	}

	snapshot, err := m.snapshotAll()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot collections: %w", err)
	}

	txn := &Transaction{
		ID:        uuid.NewString(),
		Isolation: isolation,
		StartedAt: time.Now(),
		Status:    StatusActive,
		snapshot:  snapshot,
	}
	m.current = txn
	return txn, nil
}

// Record appends a change record to the active transaction's log. Outside a
// transaction this is a no-op; the caller decides whether auto-commit
// semantics apply.
func (m *Manager) Record(rec ChangeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Status != StatusActive {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	m.current.changeLog = append(m.current.changeLog, rec)
}

// ChangeLog returns a copy of the active transaction's change records.
func (m *Manager) ChangeLog() []ChangeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	out := make([]ChangeRecord, len(m.current.changeLog))
	copy(out, m.current.changeLog)
	return out
}

// Commit finalizes the active transaction. The persist callback runs first;
// if it fails the transaction is rolled back and left aborted, and the error
// propagates. Listener failures are logged and cannot abort the commit.
func (m *Manager) Commit(persist func() error) error {
	m.mu.Lock()
	txn := m.current
	if txn == nil || txn.Status != StatusActive {
		m.mu.Unlock()
		return util.ErrNoActiveTransaction
	}

	if persist != nil {
		if err := persist(); err != nil {
			m.restoreLocked(txn)
			m.discardIndexSavepoints()
			txn.Status = StatusAborted
			txn.releaseLocked()
			m.current = nil
			m.mu.Unlock()
			return fmt.Errorf("commit persistence failed: %w", err)
		}
	}

	records := txn.changeLog
	listeners := make([]ChangeListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}

	m.discardIndexSavepoints()
	txn.Status = StatusCommitted
	txn.releaseLocked()
	m.current = nil
	m.mu.Unlock()

	// Broadcast is awaited but fire-and-forget in effect: a misbehaving
	// listener is logged, never surfaced.
	for _, l := range listeners {
		m.dispatch(l, records)
	}
	return nil
}

func (m *Manager) dispatch(l ChangeListener, records []ChangeRecord) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("change listener panicked", "panic", fmt.Sprintf("%v", r))
		}
	}()
	l(records)
}

// Rollback aborts the active transaction, restoring every collection from
// its before-image and discarding the change log.
func (m *Manager) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.current
	if txn == nil || txn.Status != StatusActive {
		return util.ErrNoActiveTransaction
	}

	if err := m.restoreLocked(txn); err != nil {
		m.discardIndexSavepoints()
		txn.Status = StatusAborted
		txn.releaseLocked()
		m.current = nil
		return fmt.Errorf("rollback failed: %w", err)
	}

	m.discardIndexSavepoints()
	txn.Status = StatusAborted
	txn.releaseLocked()
	m.current = nil
	return nil
}

// ForceReset drops the active transaction without restoring anything.
// Callers must pass an explicit confirmation; uncommitted changes stay
// applied and their change log is discarded silently.
func (m *Manager) ForceReset(confirmDiscard bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	if !confirmDiscard {
		return util.ErrDiscardNotConfirmed
	}
	m.log.Warn("transaction state force-reset; uncommitted changes kept without a change log",
		"transaction", m.current.ID)
	m.discardIndexSavepoints()
	m.current.Status = StatusAborted
	m.current.releaseLocked()
	m.current = nil
	return nil
}

func (m *Manager) snapshotAll() (map[string][]storage.Document, error) {
	snapshot := make(map[string][]storage.Document)
	for _, coll := range m.collections() {
		docs := coll.Documents()
		copied, err := copystructure.Copy(docs)
		if err != nil {
			return nil, fmt.Errorf("deep copy of collection %s failed: %w", coll.Name(), err)
		}
		if copied == nil {
			snapshot[coll.Name()] = nil
			continue
		}
		snapshot[coll.Name()] = copied.([]storage.Document)
	}
	return snapshot, nil
}

func (m *Manager) restoreLocked(txn *Transaction) error {
	for _, coll := range m.collections() {
		docs, ok := txn.snapshot[coll.Name()]
		if !ok {
			// Collection created inside the transaction: empty it out.
			docs = nil
		}
		if err := coll.RestoreDocuments(docs); err != nil {
			return fmt.Errorf("failed to restore collection %s: %w", coll.Name(), err)
		}
	}
	return nil
}

// discardIndexSavepoints clears every collection's index savepoint stacks.
func (m *Manager) discardIndexSavepoints() {
	for _, coll := range m.collections() {
		coll.DiscardIndexSavepoints()
	}
}

// releaseLocked frees the transaction's snapshot and savepoint resources on
// every exit path.
func (t *Transaction) releaseLocked() {
	t.snapshot = nil
	t.changeLog = nil
	t.savepoints = nil
}
