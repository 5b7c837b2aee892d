// Package bunstore implements an embedded, in-process document database with
// pluggable persistence, ordered secondary indexes, and interactive
// transactions with nested, named savepoints.
//
// Architecture:
//  1. Database: the facade coordinating all components and owning the
//     collection registry and schema manifest.
//  2. Collection: documents, schema validation, and ordered B+Tree indexes.
//  3. Transaction manager: single-writer lifecycle, before-image snapshots,
//     ordered change records, commit listeners.
//  4. Savepoint coordinator: named in-transaction markers composing
//     collection snapshots with index savepoints for partial rollback.
//  5. Storage: document list primary stores and file/memory adapters.
//
// The companion authz package provides the composable permission decision
// engine (RBAC, ABAC, dynamic rules) under a deny-by-default policy.
package bunstore

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kartikbazzad/bunstore/audit"
	"github.com/kartikbazzad/bunstore/authz"
	"github.com/kartikbazzad/bunstore/internal/logger"
	"github.com/kartikbazzad/bunstore/internal/metrics"
	"github.com/kartikbazzad/bunstore/internal/transaction"
	"github.com/kartikbazzad/bunstore/internal/util"
	"github.com/kartikbazzad/bunstore/storage"
)

// Database is the facade over the collection registry, schema manifest, and
// transaction machinery. Exactly one transaction may be active per instance.
type Database struct {
	opts        *Options
	manifestMgr *manifestManager
	txnMgr      *transaction.Manager
	metrics     *metrics.Metrics
	auditLog    *audit.Logger
	authorizer  *authz.Authorizer
	log         *slog.Logger

	collections map[string]*Collection
	dirty       map[string]bool // collections touched inside the active transaction
	mu          sync.RWMutex
	closed      bool
}

// Open opens a database. With Root ":memory:" nothing touches disk;
// otherwise the schema manifest at <Root>/<Name>.json is loaded and every
// registered collection is restored through its adapter.
func Open(opts *Options) (*Database, error) {
	if opts == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}
	if opts.Name == "" {
		return nil, fmt.Errorf("database name is required")
	}
	if opts.Root == "" {
		opts.Root = MemoryRoot
	}

	manifestMgr, err := newManifestManager(opts.Root, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema manifest: %w", err)
	}

	db := &Database{
		opts:        opts,
		manifestMgr: manifestMgr,
		metrics:     metrics.New(opts.Name),
		log:         logger.ForComponent("database"),
		collections: make(map[string]*Collection),
		dirty:       make(map[string]bool),
	}
	db.txnMgr = transaction.NewManager(db.collectionViews)

	// Restore collections registered in the manifest.
	for _, cm := range manifestMgr.list() {
		coll, err := db.buildCollection(cm.toConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to restore collection %s: %w", cm.Name, err)
		}
		docs, err := coll.adapter.Restore("")
		if err != nil {
			return nil, fmt.Errorf("failed to restore collection %s: %w", cm.Name, err)
		}
		if err := coll.RestoreDocuments(docs); err != nil {
			return nil, fmt.Errorf("failed to rebuild collection %s: %w", cm.Name, err)
		}
		db.collections[cm.Name] = coll
	}

	return db, nil
}

// SetAuditLogger attaches an audit logger; lifecycle and transaction events
// are emitted to it.
func (db *Database) SetAuditLogger(l *audit.Logger) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.auditLog = l
}

// Metrics returns the instance instrument set; its Registry() is scrapeable
// by the host process.
func (db *Database) Metrics() *metrics.Metrics { return db.metrics }

// SetAuthorizer attaches a permission decision engine; it shares the
// database's metrics and audit sinks.
func (db *Database) SetAuthorizer(a *authz.Authorizer) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.authorizer = a
	a.SetMetrics(db.metrics)
	if db.auditLog != nil {
		a.SetAuditLogger(db.auditLog)
	}
}

// CheckPermission routes one authorization decision through the attached
// engine. Without an authorizer every check is allowed (authorization is
// opt-in for embedded use).
func (db *Database) CheckPermission(user *authz.User, resource authz.Resource, action string, ctx *authz.Context) authz.Result {
	db.mu.RLock()
	a := db.authorizer
	db.mu.RUnlock()
	if a == nil {
		return authz.Result{Allowed: true, Reason: "no authorizer attached"}
	}
	return a.CheckPermission(user, resource, action, ctx)
}

// buildCollection wires a collection without registering it.
func (db *Database) buildCollection(cfg CollectionConfig) (*Collection, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if cfg.Adapter == "" {
		if db.opts.Root == MemoryRoot {
			cfg.Adapter = AdapterMemory
		} else {
			cfg.Adapter = AdapterFile
		}
	}

	var adapter storage.Adapter
	switch cfg.Adapter {
	case AdapterMemory:
		adapter = storage.NewMemoryAdapter()
	case AdapterFile:
		if db.opts.Root == MemoryRoot {
			adapter = storage.NewMemoryAdapter()
		} else {
			adapter = storage.NewFileAdapter(db.opts.Root, db.opts.Name)
		}
	default:
		return nil, fmt.Errorf("unknown adapter kind %q", cfg.Adapter)
	}
	if err := adapter.Init(cfg.Name); err != nil {
		return nil, err
	}

	v, err := newValidator(cfg.Schema, cfg.JSONSchema, true)
	if err != nil {
		return nil, err
	}

	coll := &Collection{
		name:      cfg.Name,
		db:        db,
		config:    cfg,
		list:      storage.NewDocumentList(),
		indexes:   make(map[string]*indexDef),
		validator: v,
		adapter:   adapter,
	}

	// Declared indexes plus schema index hints.
	declared := append([]IndexConfig(nil), cfg.Indexes...)
	for path, fd := range cfg.Schema {
		if !fd.Index && !fd.Unique {
			continue
		}
		found := false
		for _, ic := range declared {
			if ic.Field == path {
				found = true
				break
			}
		}
		if !found {
			declared = append(declared, IndexConfig{
				Name: path, Field: path, Unique: fd.Unique, Sparse: fd.Sparse,
			})
		}
	}
	coll.config.Indexes = declared
	for _, ic := range declared {
		name := ic.Name
		if name == "" {
			name = ic.Field
		}
		coll.indexes[name] = &indexDef{
			name:   name,
			field:  ic.Field,
			unique: ic.Unique,
			sparse: ic.Sparse,
			tree:   storage.NewBPlusTree(storage.BTreeOptions{Unique: ic.Unique}),
		}
	}
	return coll, nil
}

// CreateCollection creates and registers a collection and persists the
// schema manifest.
func (db *Database) CreateCollection(cfg CollectionConfig) (*Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, util.ErrDatabaseClosed
	}
	if _, exists := db.collections[cfg.Name]; exists {
		return nil, fmt.Errorf("collection %s already exists", cfg.Name)
	}

	coll, err := db.buildCollection(cfg)
	if err != nil {
		return nil, err
	}
	db.collections[cfg.Name] = coll

	if err := db.manifestMgr.put(coll.config); err != nil {
		delete(db.collections, cfg.Name)
		return nil, fmt.Errorf("failed to persist collection manifest: %w", err)
	}

	// db.mu is held here, so the logger is read directly (emitAudit would
	// re-lock it).
	if db.auditLog != nil {
		if err := db.auditLog.Log(audit.Event{
			Category: audit.CategorySchema,
			Action:   "collection.create",
			Outcome:  audit.OutcomeSuccess,
			Resource: "collection:" + cfg.Name,
		}); err != nil {
			db.log.Error("audit emission failed", "error", err)
		}
	}
	return coll, nil
}

// Collection returns a registered collection.
func (db *Database) Collection(name string) (*Collection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, util.ErrDatabaseClosed
	}
	coll, exists := db.collections[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", util.ErrCollectionNotFound, name)
	}
	return coll, nil
}

// ListCollections returns registered collection names, sorted.
func (db *Database) ListCollections() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DropCollection removes a collection and its manifest entry.
func (db *Database) DropCollection(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return util.ErrDatabaseClosed
	}
	if _, exists := db.collections[name]; !exists {
		return fmt.Errorf("%w: %s", util.ErrCollectionNotFound, name)
	}
	delete(db.collections, name)
	if err := db.manifestMgr.remove(name); err != nil {
		return fmt.Errorf("failed to update schema manifest: %w", err)
	}

	// db.mu is held here, so the logger is read directly (emitAudit would
	// re-lock it).
	if db.auditLog != nil {
		if err := db.auditLog.Log(audit.Event{
			Category: audit.CategorySchema,
			Action:   "collection.drop",
			Outcome:  audit.OutcomeSuccess,
			Resource: "collection:" + name,
		}); err != nil {
			db.log.Error("audit emission failed", "error", err)
		}
	}
	return nil
}

// collectionViews adapts the registry for the transaction manager.
func (db *Database) collectionViews() []transaction.CollectionView {
	db.mu.RLock()
	defer db.mu.RUnlock()

	views := make([]transaction.CollectionView, 0, len(db.collections))
	for _, coll := range db.collections {
		views = append(views, coll)
	}
	return views
}

// --- transactions ---

// StartTransaction begins a transaction. A second start while one is active
// fails with ErrTransactionAlreadyActive.
func (db *Database) StartTransaction(opts TxOptions) error {
	if db.closed {
		return util.ErrDatabaseClosed
	}
	_, err := db.txnMgr.Begin(transaction.Options{
		Isolation: transaction.IsolationLevel(opts.Isolation),
	})
	if err != nil {
		return err
	}
	db.metrics.RecordTransaction("begin")
	return nil
}

// InTransaction reports whether a transaction is active.
func (db *Database) InTransaction() bool {
	return db.txnMgr.InTransaction()
}

// CommitTransaction commits the active transaction: dirty collections are
// persisted, then the change log is broadcast to listeners.
func (db *Database) CommitTransaction() error {
	err := db.txnMgr.Commit(db.persistDirty)
	if err != nil {
		if db.txnMgr.Active() == nil {
			db.metrics.RecordTransaction("abort")
		}
		return err
	}
	db.metrics.RecordTransaction("commit")
	db.emitAudit(audit.Event{
		Category: audit.CategoryTransaction,
		Action:   "transaction.commit",
		Outcome:  audit.OutcomeSuccess,
	})
	return nil
}

// AbortTransaction rolls the active transaction back.
func (db *Database) AbortTransaction() error {
	if err := db.txnMgr.Rollback(); err != nil {
		return err
	}
	db.clearDirty()
	db.metrics.RecordTransaction("abort")
	db.emitAudit(audit.Event{
		Category: audit.CategoryTransaction,
		Action:   "transaction.abort",
		Outcome:  audit.OutcomeSuccess,
	})
	return nil
}

// ForceResetTransactionState drops the active transaction without restoring
// state. It refuses to run without an explicit ConfirmDiscard, because
// uncommitted changes stay applied and their change log is lost.
func (db *Database) ForceResetTransactionState(opts ResetOptions) error {
	if err := db.txnMgr.ForceReset(opts.ConfirmDiscard); err != nil {
		return err
	}
	db.clearDirty()
	return nil
}

// SubscribeChanges registers a commit listener; the handle unsubscribes.
func (db *Database) SubscribeChanges(l transaction.ChangeListener) int {
	return db.txnMgr.Subscribe(l)
}

// UnsubscribeChanges removes a commit listener.
func (db *Database) UnsubscribeChanges(handle int) {
	db.txnMgr.Unsubscribe(handle)
}

// recordChange forwards a mutation record to the active transaction, if any.
func (db *Database) recordChange(rec transaction.ChangeRecord) {
	db.txnMgr.Record(rec)
}

// persistDocs stores a collection's documents through its adapter. Inside a
// transaction the write is deferred to commit. Callers already hold the
// collection lock, so the document set comes in as an argument.
func (db *Database) persistDocs(c *Collection, docs []storage.Document) error {
	if db.opts.Root == MemoryRoot {
		return nil
	}
	if db.txnMgr.InTransaction() {
		db.mu.Lock()
		db.dirty[c.name] = true
		db.mu.Unlock()
		return nil
	}
	return c.adapter.Store("", docs)
}

// persistDirty flushes every collection touched inside the transaction.
func (db *Database) persistDirty() error {
	if db.opts.Root == MemoryRoot {
		return nil
	}
	db.mu.Lock()
	names := make([]string, 0, len(db.dirty))
	for name := range db.dirty {
		names = append(names, name)
	}
	db.dirty = make(map[string]bool)
	db.mu.Unlock()

	for _, name := range names {
		db.mu.RLock()
		coll, ok := db.collections[name]
		db.mu.RUnlock()
		if !ok {
			continue
		}
		if err := coll.adapter.Store("", coll.Documents()); err != nil {
			return fmt.Errorf("failed to persist collection %s: %w", name, err)
		}
	}
	return nil
}

func (db *Database) clearDirty() {
	db.mu.Lock()
	db.dirty = make(map[string]bool)
	db.mu.Unlock()
}

func (db *Database) persistManifest() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, coll := range db.collections {
		if err := db.manifestMgr.put(coll.config); err != nil {
			return err
		}
	}
	return nil
}

// --- savepoints ---

// CreateSavepoint creates a named savepoint in the active transaction and
// returns its opaque id.
func (db *Database) CreateSavepoint(name string) (string, error) {
	return db.txnMgr.CreateSavepoint(name)
}

// RollbackToSavepoint restores the state captured at the savepoint and
// discards every savepoint created after it.
func (db *Database) RollbackToSavepoint(id string) error {
	return db.txnMgr.RollbackToSavepoint(id)
}

// ReleaseSavepoint frees a savepoint without affecting documents.
func (db *Database) ReleaseSavepoint(id string) error {
	return db.txnMgr.ReleaseSavepoint(id)
}

// ListSavepoints returns the active transaction's savepoint names in
// creation order.
func (db *Database) ListSavepoints() ([]string, error) {
	return db.txnMgr.ListSavepoints()
}

// GetSavepointInfo describes a savepoint.
func (db *Database) GetSavepointInfo(id string) (transaction.SavepointInfo, error) {
	return db.txnMgr.GetSavepointInfo(id)
}

// FindSavepointID resolves a savepoint name to its opaque id.
func (db *Database) FindSavepointID(name string) (string, error) {
	return db.txnMgr.FindSavepointIDByName(name)
}

// --- sessions ---

// Session scopes transactional usage; EndSession aborts anything left
// active.
type Session struct {
	db     *Database
	active bool
}

// StartSession opens a session handle.
func (db *Database) StartSession() *Session {
	return &Session{db: db}
}

// StartTransaction begins a transaction scoped to the session.
func (s *Session) StartTransaction(opts TxOptions) error {
	if err := s.db.StartTransaction(opts); err != nil {
		return err
	}
	s.active = true
	return nil
}

// CommitTransaction commits the session's transaction.
func (s *Session) CommitTransaction() error {
	err := s.db.CommitTransaction()
	s.active = false
	return err
}

// AbortTransaction aborts the session's transaction.
func (s *Session) AbortTransaction() error {
	err := s.db.AbortTransaction()
	s.active = false
	return err
}

// EndSession aborts the session's transaction when it is still active.
func (s *Session) EndSession() error {
	if s.active && s.db.InTransaction() {
		s.active = false
		return s.db.AbortTransaction()
	}
	s.active = false
	return nil
}

// --- convenience lookups ---

// First returns the oldest document of a collection.
func (db *Database) First(collection string) (storage.Document, error) {
	coll, err := db.Collection(collection)
	if err != nil {
		return nil, err
	}
	return coll.First(), nil
}

// Last returns the newest document of a collection.
func (db *Database) Last(collection string) (storage.Document, error) {
	coll, err := db.Collection(collection)
	if err != nil {
		return nil, err
	}
	return coll.Last(), nil
}

// Lowest returns the document with the smallest indexed key of a field.
func (db *Database) Lowest(collection, field string) (storage.Document, error) {
	coll, err := db.Collection(collection)
	if err != nil {
		return nil, err
	}
	return coll.Lowest(field)
}

// Greatest returns the document with the largest indexed key of a field.
func (db *Database) Greatest(collection, field string) (storage.Document, error) {
	coll, err := db.Collection(collection)
	if err != nil {
		return nil, err
	}
	return coll.Greatest(field)
}

// FindByID resolves a document by collection and primary id.
func (db *Database) FindByID(collection string, id interface{}) (storage.Document, error) {
	coll, err := db.Collection(collection)
	if err != nil {
		return nil, err
	}
	return coll.FindByID(id)
}

// FindBy does an index-driven exact lookup on a collection.
func (db *Database) FindBy(collection, field string, value interface{}) ([]storage.Document, error) {
	coll, err := db.Collection(collection)
	if err != nil {
		return nil, err
	}
	return coll.FindBy(field, value)
}

func (db *Database) emitAudit(evt audit.Event) {
	db.mu.RLock()
	l := db.auditLog
	db.mu.RUnlock()
	if l == nil {
		return
	}
	if err := l.Log(evt); err != nil {
		db.log.Error("audit emission failed", "error", err)
	}
}

// Close aborts any active transaction, persists every collection, and
// releases resources.
func (db *Database) Close() error {
	if db.txnMgr.InTransaction() {
		if err := db.AbortTransaction(); err != nil {
			return err
		}
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return util.ErrDatabaseClosed
	}
	db.closed = true
	colls := make([]*Collection, 0, len(db.collections))
	for _, coll := range db.collections {
		colls = append(colls, coll)
	}
	root := db.opts.Root
	db.mu.Unlock()

	if root != MemoryRoot {
		for _, coll := range colls {
			if err := coll.adapter.Store("", coll.Documents()); err != nil {
				return fmt.Errorf("failed to persist collection %s on close: %w", coll.name, err)
			}
		}
	}
	return nil
}

// IsClosed reports whether the database has been closed.
func (db *Database) IsClosed() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.closed
}
