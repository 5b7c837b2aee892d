package bunstore

import (
	"errors"
	"testing"

	"github.com/kartikbazzad/bunstore/internal/transaction"
	"github.com/kartikbazzad/bunstore/internal/util"
	"github.com/kartikbazzad/bunstore/storage"
)

func TestTransactionCommitKeepsWrites(t *testing.T) {
	db := openMemDB(t)
	db.CreateCollection(CollectionConfig{Name: "c"})
	coll, _ := db.Collection("c")

	if err := db.StartTransaction(TxOptions{}); err != nil {
		t.Fatalf("StartTransaction failed: %v", err)
	}
	coll.Insert(storage.Document{"_id": "a", "v": 1})
	coll.Insert(storage.Document{"_id": "b", "v": 2})

	// Reads inside the transaction see its own writes.
	if _, err := coll.FindByID("a"); err != nil {
		t.Fatalf("In-transaction read failed: %v", err)
	}

	if err := db.CommitTransaction(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if coll.Len() != 2 {
		t.Errorf("Expected 2 documents after commit, got %d", coll.Len())
	}
}

func TestTransactionAbortRestoresEverything(t *testing.T) {
	db := openMemDB(t)
	db.CreateCollection(CollectionConfig{
		Name:   "c",
		Schema: Schema{"v": {Type: FieldInt, Index: true}},
	})
	coll, _ := db.Collection("c")
	coll.Insert(storage.Document{"_id": "keep", "v": 1})

	db.StartTransaction(TxOptions{})
	coll.Insert(storage.Document{"_id": "gone", "v": 2})
	coll.Update(map[string]interface{}{"_id": "keep"},
		map[string]interface{}{"$set": map[string]interface{}{"v": 99}}, false)
	coll.Remove(map[string]interface{}{"_id": "keep"})

	if err := db.AbortTransaction(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	// No mutation made inside the transaction is observable.
	if coll.Len() != 1 {
		t.Fatalf("Expected 1 document after abort, got %d", coll.Len())
	}
	doc, err := coll.FindByID("keep")
	if err != nil {
		t.Fatalf("keep missing after abort: %v", err)
	}
	if doc["v"] != int64(1) {
		t.Errorf("keep mutated: %v", doc)
	}
	// Indexes rebuilt to the pre-transaction state.
	if docs, _ := coll.FindBy("v", 1); len(docs) != 1 {
		t.Errorf("v=1 index entry lost after abort")
	}
	if docs, _ := coll.FindBy("v", 2); len(docs) != 0 {
		t.Errorf("aborted write still indexed")
	}
}

func TestNestedStartTransactionFails(t *testing.T) {
	db := openMemDB(t)
	db.StartTransaction(TxOptions{})

	err := db.StartTransaction(TxOptions{})
	if !errors.Is(err, util.ErrTransactionAlreadyActive) {
		t.Fatalf("Expected ErrTransactionAlreadyActive, got %v", err)
	}
}

func TestCommitOutsideTransaction(t *testing.T) {
	db := openMemDB(t)
	if err := db.CommitTransaction(); !errors.Is(err, util.ErrNoActiveTransaction) {
		t.Fatalf("Expected ErrNoActiveTransaction, got %v", err)
	}
	if err := db.AbortTransaction(); !errors.Is(err, util.ErrNoActiveTransaction) {
		t.Fatalf("Expected ErrNoActiveTransaction, got %v", err)
	}
}

func TestChangeRecordsDeliveredInOrder(t *testing.T) {
	db := openMemDB(t)
	db.CreateCollection(CollectionConfig{Name: "c"})
	coll, _ := db.Collection("c")

	var got []transaction.ChangeRecord
	db.SubscribeChanges(func(records []transaction.ChangeRecord) {
		got = append(got, records...)
	})

	db.StartTransaction(TxOptions{})
	coll.Insert(storage.Document{"_id": "a"})
	coll.Update(map[string]interface{}{"_id": "a"},
		map[string]interface{}{"$set": map[string]interface{}{"v": 1}}, false)
	coll.Remove(map[string]interface{}{"_id": "a"})
	if err := db.CommitTransaction(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("Expected 3 change records, got %d", len(got))
	}
	wantOps := []transaction.ChangeOp{transaction.OpInsert, transaction.OpUpdate, transaction.OpDelete}
	for i, op := range wantOps {
		if got[i].Op != op {
			t.Errorf("record %d op = %s, want %s", i, got[i].Op, op)
		}
	}
	if got[1].Before == nil || got[1].After == nil {
		t.Errorf("update record should carry before and after images")
	}
}

func TestMisbehavingListenerCannotAbortCommit(t *testing.T) {
	db := openMemDB(t)
	db.CreateCollection(CollectionConfig{Name: "c"})
	coll, _ := db.Collection("c")

	db.SubscribeChanges(func([]transaction.ChangeRecord) {
		panic("listener blew up")
	})

	db.StartTransaction(TxOptions{})
	coll.Insert(storage.Document{"_id": "a"})
	if err := db.CommitTransaction(); err != nil {
		t.Fatalf("Commit must survive listener panic: %v", err)
	}
	if coll.Len() != 1 {
		t.Error("Committed write lost")
	}
}

func TestAbortDiscardsChangeLog(t *testing.T) {
	db := openMemDB(t)
	db.CreateCollection(CollectionConfig{Name: "c"})
	coll, _ := db.Collection("c")

	delivered := false
	db.SubscribeChanges(func([]transaction.ChangeRecord) { delivered = true })

	db.StartTransaction(TxOptions{})
	coll.Insert(storage.Document{"_id": "a"})
	db.AbortTransaction()

	if delivered {
		t.Error("Aborted transactions must not broadcast changes")
	}
}

func TestUnsubscribe(t *testing.T) {
	db := openMemDB(t)
	db.CreateCollection(CollectionConfig{Name: "c"})
	coll, _ := db.Collection("c")

	calls := 0
	handle := db.SubscribeChanges(func([]transaction.ChangeRecord) { calls++ })

	db.StartTransaction(TxOptions{})
	coll.Insert(storage.Document{"_id": "a"})
	db.CommitTransaction()

	db.UnsubscribeChanges(handle)
	db.StartTransaction(TxOptions{})
	coll.Insert(storage.Document{"_id": "b"})
	db.CommitTransaction()

	if calls != 1 {
		t.Errorf("Expected 1 delivery, got %d", calls)
	}
}
