package bunstore

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kartikbazzad/bunstore/internal/util"
	"github.com/kartikbazzad/bunstore/storage"
)

func usersCollection(t *testing.T) *Collection {
	t.Helper()
	db := openMemDB(t)
	_, err := db.CreateCollection(CollectionConfig{
		Name: "users",
		Schema: Schema{
			"email": {Type: FieldString, Required: true, Index: true, Unique: true},
			"name":  {Type: FieldString},
			"age":   {Type: FieldInt, Index: true},
		},
	})
	if err != nil {
		t.Fatalf("CreateCollection failed: %v", err)
	}
	coll, _ := db.Collection("users")
	return coll
}

func TestInsertAndFindByID(t *testing.T) {
	coll := usersCollection(t)

	stored, err := coll.Insert(storage.Document{"_id": "u1", "email": "a@x.io", "age": 30})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if stored["email"] != "a@x.io" {
		t.Errorf("Unexpected stored doc: %v", stored)
	}

	doc, err := coll.FindByID("u1")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if doc["email"] != "a@x.io" || doc["age"] != int64(30) {
		t.Errorf("Round trip mismatch: %v", doc)
	}
}

func TestInsertAssignsID(t *testing.T) {
	coll := usersCollection(t)
	stored, err := coll.Insert(storage.Document{"email": "gen@x.io"})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	id, ok := stored.GetID()
	if !ok || id == "" {
		t.Fatalf("Expected generated id, got %v", id)
	}
}

func TestInsertRequiredField(t *testing.T) {
	coll := usersCollection(t)
	_, err := coll.Insert(storage.Document{"_id": "u1", "name": "no-email"})
	if !errors.Is(err, util.ErrValidation) {
		t.Fatalf("Expected ErrValidation, got %v", err)
	}
	if coll.Len() != 0 {
		t.Error("Failed insert must leave the collection unchanged")
	}
}

func TestInsertUniqueViolationUndoesEverything(t *testing.T) {
	coll := usersCollection(t)
	coll.Insert(storage.Document{"_id": "u1", "email": "a@x.io", "age": 1})

	_, err := coll.Insert(storage.Document{"_id": "u2", "email": "a@x.io", "age": 2})
	if !errors.Is(err, util.ErrConstraintViolation) {
		t.Fatalf("Expected ErrConstraintViolation, got %v", err)
	}

	// Primary store and every index untouched by the failed insert.
	if coll.Len() != 1 {
		t.Errorf("Expected 1 document, got %d", coll.Len())
	}
	if _, err := coll.FindByID("u2"); err == nil {
		t.Error("u2 must not be stored")
	}
	docs, _ := coll.FindBy("age", 2)
	if len(docs) != 0 {
		t.Error("age index must not contain the undone document")
	}
}

func TestUniqueOnUpdateKeepsOldState(t *testing.T) {
	// Insert {1,a} and {2,b}; updating 2 to email a must fail and leave
	// both the document and both index entries intact.
	coll := usersCollection(t)
	coll.Insert(storage.Document{"_id": 1, "email": "a"})
	coll.Insert(storage.Document{"_id": 2, "email": "b"})

	_, err := coll.Update(map[string]interface{}{"_id": 2}, map[string]interface{}{
		"$set": map[string]interface{}{"email": "a"},
	}, false)
	if !errors.Is(err, util.ErrConstraintViolation) {
		t.Fatalf("Expected ErrConstraintViolation, got %v", err)
	}

	doc, err := coll.FindByID(2)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if doc["email"] != "b" {
		t.Errorf("Document mutated despite failed update: %v", doc)
	}
	if docs, _ := coll.FindBy("email", "a"); len(docs) != 1 {
		t.Errorf("email=a index entry wrong")
	}
	if docs, _ := coll.FindBy("email", "b"); len(docs) != 1 {
		t.Errorf("email=b index entry lost")
	}
}

func TestFindWithOperators(t *testing.T) {
	coll := usersCollection(t)
	for i := 1; i <= 10; i++ {
		coll.Insert(storage.Document{
			"_id": fmt.Sprintf("u%d", i), "email": fmt.Sprintf("%d@x.io", i), "age": i * 10,
		})
	}

	docs, err := coll.Find(map[string]interface{}{
		"age": map[string]interface{}{"$gte": 30, "$lte": 50},
	})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(docs) != 3 {
		t.Errorf("Expected 3 matches, got %d", len(docs))
	}

	// Index-assisted equality path.
	docs, err = coll.Find(map[string]interface{}{"age": 70})
	if err != nil || len(docs) != 1 || docs[0]["_id"] != "u7" {
		t.Errorf("Indexed equality wrong: %v %v", docs, err)
	}

	first, _ := coll.FindFirst(map[string]interface{}{"age": map[string]interface{}{"$gt": 50}})
	if first == nil {
		t.Error("FindFirst found nothing")
	}
}

func TestFindSortSkipLimit(t *testing.T) {
	coll := usersCollection(t)
	for i := 1; i <= 5; i++ {
		coll.Insert(storage.Document{
			"_id": fmt.Sprintf("u%d", i), "email": fmt.Sprintf("%d@x.io", i), "age": 6 - i,
		})
	}
	docs, err := coll.Find(map[string]interface{}{}, QueryOptions{SortField: "age", Skip: 1, Limit: 2})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(docs) != 2 || docs[0]["age"] != int64(2) || docs[1]["age"] != int64(3) {
		t.Errorf("sort/skip/limit wrong: %v", docs)
	}
}

func TestFindByIndexDriven(t *testing.T) {
	coll := usersCollection(t)
	coll.Insert(storage.Document{"_id": "u1", "email": "a@x.io"})
	coll.Insert(storage.Document{"_id": "u2", "email": "b@x.io"})

	docs, err := coll.FindBy("email", "b@x.io")
	if err != nil || len(docs) != 1 || docs[0]["_id"] != "u2" {
		t.Errorf("FindBy wrong: %v %v", docs, err)
	}

	firstBy, _ := coll.FindFirstBy("email", "a@x.io")
	if firstBy == nil || firstBy["_id"] != "u1" {
		t.Errorf("FindFirstBy wrong: %v", firstBy)
	}
	lastBy, _ := coll.FindLastBy("email", "zzz@x.io")
	if lastBy != nil {
		t.Errorf("FindLastBy on absent key should be nil, got %v", lastBy)
	}
}

func TestUpdateMergeAndReplace(t *testing.T) {
	db := openMemDB(t)
	db.CreateCollection(CollectionConfig{
		Name: "docs",
		Schema: Schema{
			"status": {Type: FieldString, Default: "new"},
		},
	})
	coll, _ := db.Collection("docs")
	coll.Insert(storage.Document{"_id": "d1", "a": 1, "b": 2, "status": "old"})

	// merge=true: overlay keeps unmentioned fields.
	if _, err := coll.Update(map[string]interface{}{"_id": "d1"},
		map[string]interface{}{"a": 10}, true); err != nil {
		t.Fatalf("merge update failed: %v", err)
	}
	doc, _ := coll.FindByID("d1")
	if doc["a"] != 10 || doc["b"] != 2 {
		t.Errorf("merge semantics wrong: %v", doc)
	}

	// merge=false: replacement drops unmentioned fields, defaults re-apply.
	if _, err := coll.Update(map[string]interface{}{"_id": "d1"},
		map[string]interface{}{"a": 99}, false); err != nil {
		t.Fatalf("replace update failed: %v", err)
	}
	doc, _ = coll.FindByID("d1")
	if doc["a"] != 99 || doc["status"] != "new" {
		t.Errorf("replacement semantics wrong: %v", doc)
	}
	if _, ok := doc["b"]; ok {
		t.Errorf("replacement should drop b: %v", doc)
	}
}

func TestUpsertWithDefaults(t *testing.T) {
	// Schema: name required, createdAt default=now, status default "new".
	db := openMemDB(t)
	db.CreateCollection(CollectionConfig{
		Name: "tasks",
		Schema: Schema{
			"name":      {Type: FieldString, Required: true},
			"createdAt": {Type: FieldString, DefaultFn: func() interface{} { return time.Now().UTC().Format(time.RFC3339) }},
			"status":    {Type: FieldString, Default: "new"},
		},
	})
	coll, _ := db.Collection("tasks")

	res, err := coll.UpdateAtomic(
		map[string]interface{}{"name": "x"},
		map[string]interface{}{"$set": map[string]interface{}{"priority": 5}},
		UpdateOptions{Upsert: true},
	)
	if err != nil {
		t.Fatalf("UpdateAtomic failed: %v", err)
	}
	if res.UpsertedCount != 1 || res.MatchedCount != 0 {
		t.Fatalf("Unexpected result: %+v", res)
	}

	docs, _ := coll.Find(map[string]interface{}{"name": "x"})
	if len(docs) != 1 {
		t.Fatalf("Expected the upserted document, got %d", len(docs))
	}
	doc := docs[0]
	if doc["priority"] != 5 || doc["status"] != "new" {
		t.Errorf("Upsert seed/update/defaults wrong: %v", doc)
	}
	if doc["createdAt"] == nil || doc["createdAt"] == "" {
		t.Errorf("createdAt default not applied: %v", doc)
	}
}

func TestUpdateAtomicModify(t *testing.T) {
	coll := usersCollection(t)
	coll.Insert(storage.Document{"_id": "u1", "email": "a@x.io", "age": 10})
	coll.Insert(storage.Document{"_id": "u2", "email": "b@x.io", "age": 10})

	res, err := coll.UpdateAtomic(
		map[string]interface{}{"age": 10},
		map[string]interface{}{"$inc": map[string]interface{}{"age": 1}},
		UpdateOptions{},
	)
	if err != nil {
		t.Fatalf("UpdateAtomic failed: %v", err)
	}
	if res.MatchedCount != 2 || res.ModifiedCount != 2 || res.UpsertedCount != 0 {
		t.Errorf("Unexpected result: %+v", res)
	}
	if len(res.ModifiedDocuments) != 2 {
		t.Errorf("Expected modified documents, got %d", len(res.ModifiedDocuments))
	}
}

func TestRemove(t *testing.T) {
	coll := usersCollection(t)
	coll.Insert(storage.Document{"_id": "u1", "email": "a@x.io", "age": 1})
	coll.Insert(storage.Document{"_id": "u2", "email": "b@x.io", "age": 2})

	removed, err := coll.Remove(map[string]interface{}{"age": map[string]interface{}{"$lt": 2}})
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if len(removed) != 1 || removed[0]["_id"] != "u1" {
		t.Errorf("Unexpected removed set: %v", removed)
	}
	if coll.Len() != 1 {
		t.Errorf("Expected 1 left, got %d", coll.Len())
	}
	// The index no longer resolves the removed document.
	if docs, _ := coll.FindBy("email", "a@x.io"); len(docs) != 0 {
		t.Error("index still holds removed document")
	}
}

func TestCreateIndexRebuild(t *testing.T) {
	db := openMemDB(t)
	db.CreateCollection(CollectionConfig{Name: "logs"})
	coll, _ := db.Collection("logs")
	for i := 0; i < 10; i++ {
		coll.Insert(storage.Document{"_id": fmt.Sprintf("l%d", i), "level": i % 3})
	}

	if err := coll.CreateIndex("level", "level", IndexConfig{}); err != nil {
		t.Fatalf("CreateIndex failed: %v", err)
	}
	docs, err := coll.FindBy("level", 1)
	if err != nil {
		t.Fatalf("FindBy failed: %v", err)
	}
	if len(docs) != 3 {
		t.Errorf("Expected 3 level=1 docs, got %d", len(docs))
	}

	if err := coll.DropIndex("level"); err != nil {
		t.Fatalf("DropIndex failed: %v", err)
	}
	if err := coll.DropIndex("level"); !errors.Is(err, util.ErrIndexNotFound) {
		t.Errorf("Expected ErrIndexNotFound, got %v", err)
	}
}

func TestStrictQueriesRejectUnknownFields(t *testing.T) {
	db, err := Open(&Options{Root: MemoryRoot, Name: "strict", StrictQueries: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()
	db.CreateCollection(CollectionConfig{
		Name:   "c",
		Schema: Schema{"known": {Type: FieldString}},
	})
	coll, _ := db.Collection("c")

	if _, err := coll.Find(map[string]interface{}{"unknown": 1}); !errors.Is(err, util.ErrInvalidQuery) {
		t.Fatalf("Expected ErrInvalidQuery, got %v", err)
	}
	if _, err := coll.Find(map[string]interface{}{"known": "v"}); err != nil {
		t.Errorf("Known field must pass: %v", err)
	}
}
