package bunstore

import (
	"errors"
	"testing"

	"github.com/kartikbazzad/bunstore/internal/util"
	"github.com/kartikbazzad/bunstore/storage"
)

func orderCollection(t *testing.T) (*Database, *Collection) {
	t.Helper()
	db := openMemDB(t)
	_, err := db.CreateCollection(CollectionConfig{
		Name: "orders",
		Schema: Schema{
			"status": {Type: FieldString, Index: true},
		},
	})
	if err != nil {
		t.Fatalf("CreateCollection failed: %v", err)
	}
	coll, _ := db.Collection("orders")
	return db, coll
}

func TestNestedSavepoints(t *testing.T) {
	db, coll := orderCollection(t)

	coll.Insert(storage.Document{"_id": 1, "status": "pending"})

	if err := db.StartTransaction(TxOptions{}); err != nil {
		t.Fatalf("StartTransaction failed: %v", err)
	}

	if _, err := db.CreateSavepoint("level-1"); err != nil {
		t.Fatalf("CreateSavepoint failed: %v", err)
	}
	coll.Insert(storage.Document{"_id": 2, "status": "processing"})

	sp2, err := db.CreateSavepoint("level-2")
	if err != nil {
		t.Fatalf("CreateSavepoint failed: %v", err)
	}
	coll.Insert(storage.Document{"_id": 3, "status": "shipped"})

	if _, err := db.CreateSavepoint("level-3"); err != nil {
		t.Fatalf("CreateSavepoint failed: %v", err)
	}
	coll.Insert(storage.Document{"_id": 4, "status": "delivered"})

	if err := db.RollbackToSavepoint(sp2); err != nil {
		t.Fatalf("RollbackToSavepoint failed: %v", err)
	}

	// Two documents remain with statuses pending and processing.
	if coll.Len() != 2 {
		t.Fatalf("Expected 2 documents, got %d", coll.Len())
	}
	d1, err := coll.FindByID(1)
	if err != nil || d1["status"] != "pending" {
		t.Errorf("doc 1 wrong: %v %v", d1, err)
	}
	d2, err := coll.FindByID(2)
	if err != nil || d2["status"] != "processing" {
		t.Errorf("doc 2 wrong: %v %v", d2, err)
	}
	if _, err := coll.FindByID(3); err == nil {
		t.Error("doc 3 should be rolled back")
	}

	names, err := db.ListSavepoints()
	if err != nil {
		t.Fatalf("ListSavepoints failed: %v", err)
	}
	if len(names) != 2 || names[0] != "level-1" || names[1] != "level-2" {
		t.Errorf("ListSavepoints = %v, want [level-1 level-2]", names)
	}

	if err := db.CommitTransaction(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if coll.Len() != 2 {
		t.Errorf("Expected 2 documents after commit, got %d", coll.Len())
	}
}

func TestSavepointRestoresIndexesExactly(t *testing.T) {
	db, coll := orderCollection(t)
	coll.Insert(storage.Document{"_id": 1, "status": "pending"})

	db.StartTransaction(TxOptions{})
	sp, _ := db.CreateSavepoint("base")

	coll.Insert(storage.Document{"_id": 2, "status": "pending"})
	coll.Update(map[string]interface{}{"_id": 1},
		map[string]interface{}{"$set": map[string]interface{}{"status": "done"}}, false)

	if err := db.RollbackToSavepoint(sp); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	// The status index reflects exactly the pre-mutation state.
	pending, _ := coll.FindBy("status", "pending")
	if len(pending) != 1 {
		t.Errorf("Expected 1 pending via index, got %d", len(pending))
	}
	done, _ := coll.FindBy("status", "done")
	if len(done) != 0 {
		t.Errorf("done index entry should be rolled back")
	}

	db.AbortTransaction()
}

func TestSavepointErrors(t *testing.T) {
	db, _ := orderCollection(t)

	// Outside a transaction everything fails with NoActiveTransaction.
	if _, err := db.CreateSavepoint("sp"); !errors.Is(err, util.ErrNoActiveTransaction) {
		t.Errorf("CreateSavepoint: expected ErrNoActiveTransaction, got %v", err)
	}
	if err := db.RollbackToSavepoint("x"); !errors.Is(err, util.ErrNoActiveTransaction) {
		t.Errorf("Rollback: expected ErrNoActiveTransaction, got %v", err)
	}
	if err := db.ReleaseSavepoint("x"); !errors.Is(err, util.ErrNoActiveTransaction) {
		t.Errorf("Release: expected ErrNoActiveTransaction, got %v", err)
	}
	if _, err := db.ListSavepoints(); !errors.Is(err, util.ErrNoActiveTransaction) {
		t.Errorf("List: expected ErrNoActiveTransaction, got %v", err)
	}

	db.StartTransaction(TxOptions{})
	defer db.AbortTransaction()

	// Rollback with an empty stack.
	if err := db.RollbackToSavepoint("missing"); !errors.Is(err, util.ErrNoSavepointsFound) {
		t.Errorf("Expected ErrNoSavepointsFound, got %v", err)
	}

	if _, err := db.CreateSavepoint("sp"); err != nil {
		t.Fatalf("CreateSavepoint failed: %v", err)
	}
	// Duplicate name within the transaction.
	if _, err := db.CreateSavepoint("sp"); !errors.Is(err, util.ErrDuplicateSavepointName) {
		t.Errorf("Expected ErrDuplicateSavepointName, got %v", err)
	}
	// Unknown id with a non-empty stack.
	if err := db.RollbackToSavepoint("bogus"); !errors.Is(err, util.ErrSavepointNotFound) {
		t.Errorf("Expected ErrSavepointNotFound, got %v", err)
	}
}

func TestSavepointReleaseIdempotenceContract(t *testing.T) {
	db, coll := orderCollection(t)
	coll.Insert(storage.Document{"_id": 1, "status": "pending"})

	db.StartTransaction(TxOptions{})
	defer db.AbortTransaction()

	sp, _ := db.CreateSavepoint("sp")
	coll.Insert(storage.Document{"_id": 2, "status": "x"})

	if err := db.ReleaseSavepoint(sp); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	// Release does not affect documents.
	if coll.Len() != 2 {
		t.Errorf("Release must not touch documents, len=%d", coll.Len())
	}
	// A second release fails cleanly without corrupting state.
	if err := db.ReleaseSavepoint(sp); !errors.Is(err, util.ErrSavepointNotFound) {
		t.Errorf("Expected ErrSavepointNotFound, got %v", err)
	}
	names, _ := db.ListSavepoints()
	if len(names) != 0 {
		t.Errorf("Stack should be empty, got %v", names)
	}
}

func TestSavepointInfo(t *testing.T) {
	db, coll := orderCollection(t)
	coll.Insert(storage.Document{"_id": 1, "status": "pending"})

	db.StartTransaction(TxOptions{})
	defer db.AbortTransaction()

	sp, _ := db.CreateSavepoint("checkpoint")
	info, err := db.GetSavepointInfo(sp)
	if err != nil {
		t.Fatalf("GetSavepointInfo failed: %v", err)
	}
	if info.SavepointID != sp || info.Name != "checkpoint" {
		t.Errorf("Unexpected info: %+v", info)
	}
	if info.CollectionsCount != 1 {
		t.Errorf("CollectionsCount = %d, want 1", info.CollectionsCount)
	}
	// One index (status) -> one btree context.
	if info.BtreeContextsCount != 1 {
		t.Errorf("BtreeContextsCount = %d, want 1", info.BtreeContextsCount)
	}
	if info.TransactionID == "" || info.Timestamp.IsZero() {
		t.Errorf("Missing transaction metadata: %+v", info)
	}

	if _, err := db.FindSavepointID("checkpoint"); err != nil {
		t.Errorf("FindSavepointID failed: %v", err)
	}
}

func TestSavepointRoundTripIsExact(t *testing.T) {
	db, coll := orderCollection(t)
	for i := 1; i <= 20; i++ {
		coll.Insert(storage.Document{"_id": i, "status": "s", "n": i})
	}

	db.StartTransaction(TxOptions{})
	sp, _ := db.CreateSavepoint("exact")

	before := snapshotState(coll)

	// Arbitrary mutation sequence.
	coll.Remove(map[string]interface{}{"n": map[string]interface{}{"$lt": 10}})
	coll.Insert(storage.Document{"_id": 100, "status": "new"})
	coll.Update(map[string]interface{}{"_id": 15},
		map[string]interface{}{"$set": map[string]interface{}{"status": "zzz"}}, false)

	if err := db.RollbackToSavepoint(sp); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	after := snapshotState(coll)

	if len(before) != len(after) {
		t.Fatalf("Document count diverged: %d vs %d", len(before), len(after))
	}
	for id, b := range before {
		a, ok := after[id]
		if !ok {
			t.Fatalf("Document %v missing after rollback", id)
		}
		if len(a) != len(b) {
			t.Errorf("Document %v diverged: %v vs %v", id, b, a)
			continue
		}
		for k, v := range b {
			if a[k] != v {
				t.Errorf("Document %v field %s: %v vs %v", id, k, v, a[k])
			}
		}
	}
	db.AbortTransaction()
}

func snapshotState(c *Collection) map[interface{}]storage.Document {
	out := make(map[interface{}]storage.Document)
	for _, doc := range c.Documents() {
		id, _ := doc.GetID()
		out[id] = doc.Clone()
	}
	return out
}
