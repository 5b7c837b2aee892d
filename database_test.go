package bunstore

import (
	"errors"
	"testing"

	"github.com/kartikbazzad/bunstore/authz"
	"github.com/kartikbazzad/bunstore/internal/util"
	"github.com/kartikbazzad/bunstore/storage"
)

func openMemDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(DefaultOptions("testdb"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDatabaseOpenClose(t *testing.T) {
	db, err := Open(DefaultOptions("testdb"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if db.IsClosed() {
		t.Error("Database should not be closed after opening")
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Failed to close database: %v", err)
	}
	if !db.IsClosed() {
		t.Error("Database should be closed after Close()")
	}
}

func TestCreateCollection(t *testing.T) {
	db := openMemDB(t)

	coll, err := db.CreateCollection(CollectionConfig{Name: "users"})
	if err != nil {
		t.Fatalf("Failed to create collection: %v", err)
	}
	if coll.Name() != "users" {
		t.Errorf("Expected collection name 'users', got '%s'", coll.Name())
	}

	if _, err := db.CreateCollection(CollectionConfig{Name: "users"}); err == nil {
		t.Error("Expected error when creating duplicate collection")
	}
}

func TestCollectionNotFound(t *testing.T) {
	db := openMemDB(t)
	_, err := db.Collection("ghost")
	if !errors.Is(err, util.ErrCollectionNotFound) {
		t.Fatalf("Expected ErrCollectionNotFound, got %v", err)
	}
}

func TestListAndDropCollections(t *testing.T) {
	db := openMemDB(t)
	db.CreateCollection(CollectionConfig{Name: "users"})
	db.CreateCollection(CollectionConfig{Name: "posts"})

	names := db.ListCollections()
	if len(names) != 2 || names[0] != "posts" || names[1] != "users" {
		t.Errorf("Unexpected collection list: %v", names)
	}

	if err := db.DropCollection("posts"); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	if _, err := db.Collection("posts"); err == nil {
		t.Error("Dropped collection should be gone")
	}
	if err := db.DropCollection("posts"); !errors.Is(err, util.ErrCollectionNotFound) {
		t.Errorf("Expected ErrCollectionNotFound, got %v", err)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	root := t.TempDir()

	db, err := Open(&Options{Root: root, Name: "mydb"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	_, err = db.CreateCollection(CollectionConfig{
		Name: "users",
		Schema: Schema{
			"email": {Type: FieldString, Required: true, Index: true, Unique: true},
			"age":   {Type: FieldInt},
		},
	})
	if err != nil {
		t.Fatalf("CreateCollection failed: %v", err)
	}
	coll, _ := db.Collection("users")
	if _, err := coll.Insert(storage.Document{"_id": "u1", "email": "a@x.io", "age": 30}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen: collection config, index declarations, and documents return.
	db2, err := Open(&Options{Root: root, Name: "mydb"})
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer db2.Close()

	coll2, err := db2.Collection("users")
	if err != nil {
		t.Fatalf("Collection missing after reopen: %v", err)
	}
	doc, err := coll2.FindByID("u1")
	if err != nil {
		t.Fatalf("Document missing after reopen: %v", err)
	}
	if doc["email"] != "a@x.io" {
		t.Errorf("Unexpected document: %v", doc)
	}

	idx := coll2.ListIndexes()
	if len(idx) != 1 || idx[0].Field != "email" || !idx[0].Unique {
		t.Errorf("Index declarations lost: %+v", idx)
	}

	// The rebuilt index is live.
	docs, err := coll2.FindBy("email", "a@x.io")
	if err != nil || len(docs) != 1 {
		t.Errorf("Index-driven lookup failed after reopen: %v %v", docs, err)
	}
}

func TestConvenienceLookups(t *testing.T) {
	db := openMemDB(t)
	db.CreateCollection(CollectionConfig{
		Name:   "nums",
		Schema: Schema{"v": {Type: FieldInt, Index: true}},
	})
	coll, _ := db.Collection("nums")
	coll.Insert(storage.Document{"_id": "a", "v": 5})
	coll.Insert(storage.Document{"_id": "b", "v": 1})
	coll.Insert(storage.Document{"_id": "c", "v": 9})

	first, _ := db.First("nums")
	if first["_id"] != "a" {
		t.Errorf("First wrong: %v", first)
	}
	last, _ := db.Last("nums")
	if last["_id"] != "c" {
		t.Errorf("Last wrong: %v", last)
	}
	lo, err := db.Lowest("nums", "v")
	if err != nil || lo["_id"] != "b" {
		t.Errorf("Lowest wrong: %v %v", lo, err)
	}
	hi, err := db.Greatest("nums", "v")
	if err != nil || hi["_id"] != "c" {
		t.Errorf("Greatest wrong: %v %v", hi, err)
	}
	byID, err := db.FindByID("nums", "b")
	if err != nil || byID["v"] != int64(1) {
		t.Errorf("FindByID wrong: %v %v", byID, err)
	}
}

func TestFacadeAuthorization(t *testing.T) {
	db := openMemDB(t)

	// Authorization is opt-in for embedded use.
	res := db.CheckPermission(&authz.User{ID: "u", Active: true}, authz.CollectionResource("c"), "read", nil)
	if !res.Allowed {
		t.Errorf("Without an authorizer everything is allowed: %+v", res)
	}

	cfg := authz.DefaultConfig()
	cfg.Policy.AdminOverride = false
	a, err := authz.New(cfg)
	if err != nil {
		t.Fatalf("authz.New failed: %v", err)
	}
	db.SetAuthorizer(a)

	res = db.CheckPermission(&authz.User{ID: "u", Roles: []string{"user"}, Active: true},
		authz.CollectionResource("c"), "read", nil)
	if res.Allowed {
		t.Errorf("Deny-by-default engine should deny: %+v", res)
	}
}

func TestForceResetRequiresConfirmation(t *testing.T) {
	db := openMemDB(t)
	db.CreateCollection(CollectionConfig{Name: "c"})

	if err := db.StartTransaction(TxOptions{}); err != nil {
		t.Fatalf("StartTransaction failed: %v", err)
	}
	if err := db.ForceResetTransactionState(ResetOptions{}); !errors.Is(err, util.ErrDiscardNotConfirmed) {
		t.Fatalf("Expected ErrDiscardNotConfirmed, got %v", err)
	}
	if !db.InTransaction() {
		t.Error("Refused reset must leave the transaction active")
	}
	if err := db.ForceResetTransactionState(ResetOptions{ConfirmDiscard: true}); err != nil {
		t.Fatalf("Confirmed reset failed: %v", err)
	}
	if db.InTransaction() {
		t.Error("Transaction should be gone after confirmed reset")
	}
}

func TestSessionScoping(t *testing.T) {
	db := openMemDB(t)
	db.CreateCollection(CollectionConfig{Name: "c"})
	coll, _ := db.Collection("c")
	coll.Insert(storage.Document{"_id": "keep"})

	s := db.StartSession()
	if err := s.StartTransaction(TxOptions{}); err != nil {
		t.Fatalf("session StartTransaction failed: %v", err)
	}
	coll.Insert(storage.Document{"_id": "scratch"})

	// Ending the session aborts the open transaction.
	if err := s.EndSession(); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if db.InTransaction() {
		t.Error("EndSession should have aborted the transaction")
	}
	if _, err := coll.FindByID("scratch"); err == nil {
		t.Error("Aborted write should not be observable")
	}
	if _, err := coll.FindByID("keep"); err != nil {
		t.Error("Pre-transaction document must survive")
	}
}
