package transaction

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/copystructure"

	"github.com/kartikbazzad/bunstore/internal/util"
	"github.com/kartikbazzad/bunstore/storage"
)

// Savepoint is a named marker inside a transaction. It carries a deep copy of
// every collection's document set plus the opaque savepoint handles returned
// by each collection's indexes, so rollback restores documents and index
// state symmetrically.
type Savepoint struct {
	ID        string
	Name      string
	CreatedAt time.Time
	TxID      string

	documents    map[string][]storage.Document
	btreeHandles map[string]map[string]string // collection -> index -> handle
	changeLogLen int
}

// SavepointInfo is the externally visible description of a savepoint.
type SavepointInfo struct {
	SavepointID        string    `json:"savepointId"`
	Name               string    `json:"name"`
	Timestamp          time.Time `json:"timestamp"`
	TransactionID      string    `json:"transactionId"`
	CollectionsCount   int       `json:"collectionsCount"`
	BtreeContextsCount int       `json:"btreeContextsCount"`
}

// CreateSavepoint snapshots every collection's documents and asks every
// index for a nested savepoint. The name must be unique within the
// transaction.
func (m *Manager) CreateSavepoint(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.current
	if txn == nil || txn.Status != StatusActive {
		return "", util.ErrNoActiveTransaction
	}

	for _, sp := range txn.savepoints {
		if sp.Name == name {
			return "", fmt.Errorf("%w: %s", util.ErrDuplicateSavepointName, name)
		}
	}

	sp := &Savepoint{
		ID:           uuid.NewString(),
		Name:         name,
		CreatedAt:    time.Now(),
		TxID:         txn.ID,
		documents:    make(map[string][]storage.Document),
		btreeHandles: make(map[string]map[string]string),
		changeLogLen: len(txn.changeLog),
	}

	for _, coll := range m.collections() {
		docs := coll.Documents()
		copied, err := copystructure.Copy(docs)
		if err != nil {
			return "", fmt.Errorf("deep copy of collection %s failed: %w", coll.Name(), err)
		}
		if copied != nil {
			sp.documents[coll.Name()] = copied.([]storage.Document)
		} else {
			sp.documents[coll.Name()] = nil
		}
		sp.btreeHandles[coll.Name()] = coll.CreateIndexSavepoints(name)
	}

	txn.savepoints = append(txn.savepoints, sp)
	return sp.ID, nil
}

// RollbackToSavepoint restores the state captured at savepoint creation.
// Order matters: indexes roll back first, then each collection's primary
// store is reset and reloaded, then every savepoint created after this one
// is discarded (the index trees drop their own later savepoints during
// rollback, keeping both stacks aligned).
func (m *Manager) RollbackToSavepoint(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.current
	if txn == nil || txn.Status != StatusActive {
		return util.ErrNoActiveTransaction
	}
	if len(txn.savepoints) == 0 {
		return util.ErrNoSavepointsFound
	}

	idx := txn.findSavepoint(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", util.ErrSavepointNotFound, id)
	}
	sp := txn.savepoints[idx]

	byName := make(map[string]CollectionView)
	for _, coll := range m.collections() {
		byName[coll.Name()] = coll
	}

	// (1) Index state first.
	for collName, handles := range sp.btreeHandles {
		coll, ok := byName[collName]
		if !ok {
			continue
		}
		if err := coll.RollbackIndexSavepoints(handles); err != nil {
			// A half-restored savepoint is unrecoverable; the transaction
			// must not continue.
			m.abortLocked(txn)
			return fmt.Errorf("savepoint rollback failed on collection %s: %w", collName, err)
		}
	}

	// (2) Primary stores.
	for collName, docs := range sp.documents {
		coll, ok := byName[collName]
		if !ok {
			continue
		}
		if err := coll.RestoreDocumentsOnly(docs); err != nil {
			m.abortLocked(txn)
			return fmt.Errorf("savepoint document restore failed on collection %s: %w", collName, err)
		}
	}

	// (3) LIFO truncation of later savepoints. Their tree handles were
	// discarded by the index rollback above.
	if dropped := len(txn.savepoints) - idx - 1; dropped > 0 {
		m.log.Debug("savepoint rollback truncated later savepoints",
			"savepoint", sp.Name, "dropped", dropped)
	}
	txn.savepoints = txn.savepoints[:idx+1]
	txn.changeLog = txn.changeLog[:sp.changeLogLen]
	return nil
}

// ReleaseSavepoint frees a savepoint's snapshot and its paired index
// handles. Documents and other savepoints are unaffected. Releasing an
// already released savepoint fails with ErrSavepointNotFound.
func (m *Manager) ReleaseSavepoint(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.current
	if txn == nil || txn.Status != StatusActive {
		return util.ErrNoActiveTransaction
	}

	idx := txn.findSavepoint(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", util.ErrSavepointNotFound, id)
	}
	sp := txn.savepoints[idx]

	byName := make(map[string]CollectionView)
	for _, coll := range m.collections() {
		byName[coll.Name()] = coll
	}
	for collName, handles := range sp.btreeHandles {
		if coll, ok := byName[collName]; ok {
			if err := coll.ReleaseIndexSavepoints(handles); err != nil {
				m.log.Warn("index savepoint release failed",
					"collection", collName, "error", err)
			}
		}
	}

	txn.savepoints = append(txn.savepoints[:idx], txn.savepoints[idx+1:]...)
	return nil
}

// ListSavepoints returns the names of the active transaction's savepoints in
// creation order.
func (m *Manager) ListSavepoints() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.current
	if txn == nil || txn.Status != StatusActive {
		return nil, util.ErrNoActiveTransaction
	}
	names := make([]string, 0, len(txn.savepoints))
	for _, sp := range txn.savepoints {
		names = append(names, sp.Name)
	}
	return names, nil
}

// GetSavepointInfo describes a savepoint by id.
func (m *Manager) GetSavepointInfo(id string) (SavepointInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.current
	if txn == nil || txn.Status != StatusActive {
		return SavepointInfo{}, util.ErrNoActiveTransaction
	}
	idx := txn.findSavepoint(id)
	if idx < 0 {
		return SavepointInfo{}, fmt.Errorf("%w: %s", util.ErrSavepointNotFound, id)
	}
	sp := txn.savepoints[idx]

	contexts := 0
	for _, handles := range sp.btreeHandles {
		contexts += len(handles)
	}
	return SavepointInfo{
		SavepointID:        sp.ID,
		Name:               sp.Name,
		Timestamp:          sp.CreatedAt,
		TransactionID:      sp.TxID,
		CollectionsCount:   len(sp.documents),
		BtreeContextsCount: contexts,
	}, nil
}

// FindSavepointIDByName resolves a savepoint name to its opaque id.
func (m *Manager) FindSavepointIDByName(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.current
	if txn == nil || txn.Status != StatusActive {
		return "", util.ErrNoActiveTransaction
	}
	for _, sp := range txn.savepoints {
		if sp.Name == name {
			return sp.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", util.ErrSavepointNotFound, name)
}

func (t *Transaction) findSavepoint(id string) int {
	for i, sp := range t.savepoints {
		if sp.ID == id {
			return i
		}
	}
	return -1
}

// abortLocked marks the transaction aborted after a fatal savepoint failure.
// The facade refuses further work on an aborted transaction.
func (m *Manager) abortLocked(txn *Transaction) {
	m.discardIndexSavepoints()
	txn.Status = StatusAborted
	txn.releaseLocked()
	m.current = nil
}
