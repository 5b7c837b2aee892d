package storage

import (
	"errors"
	"testing"

	"github.com/kartikbazzad/bunstore/internal/util"
)

func TestListPushGet(t *testing.T) {
	l := NewDocumentList()

	if err := l.Push("a", Document{"_id": "a", "n": 1}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	doc, err := l.Get("a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if doc["n"] != 1 {
		t.Errorf("Unexpected document: %v", doc)
	}
}

func TestListDuplicateID(t *testing.T) {
	l := NewDocumentList()
	l.Push("a", Document{"_id": "a"})

	err := l.Push("a", Document{"_id": "a"})
	if !errors.Is(err, util.ErrDuplicateID) {
		t.Fatalf("Expected ErrDuplicateID, got %v", err)
	}
}

func TestListUpdateAbsentFailsFast(t *testing.T) {
	l := NewDocumentList()
	err := l.Update("ghost", Document{"_id": "ghost"})
	if !errors.Is(err, util.ErrDocumentNotFound) {
		t.Fatalf("Expected ErrDocumentNotFound, got %v", err)
	}
}

func TestListInsertionOrder(t *testing.T) {
	l := NewDocumentList()
	l.Push("b", Document{"_id": "b"})
	l.Push("a", Document{"_id": "a"})
	l.Push("c", Document{"_id": "c"})

	var forward []interface{}
	cur := l.Forward()
	for cur.Next() {
		forward = append(forward, cur.ID())
	}
	want := []interface{}{"b", "a", "c"}
	for i := range want {
		if forward[i] != want[i] {
			t.Fatalf("forward order %v, want %v", forward, want)
		}
	}

	var backward []interface{}
	cur = l.Backward()
	for cur.Next() {
		backward = append(backward, cur.ID())
	}
	if backward[0] != "c" || backward[2] != "b" {
		t.Errorf("backward order wrong: %v", backward)
	}

	if l.First()["_id"] != "b" || l.Last()["_id"] != "c" {
		t.Errorf("First/Last wrong")
	}
}

func TestListRemove(t *testing.T) {
	l := NewDocumentList()
	l.Push("a", Document{"_id": "a"})
	l.Push("b", Document{"_id": "b"})
	l.Push("c", Document{"_id": "c"})

	doc, err := l.RemoveWithID("b")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if doc["_id"] != "b" {
		t.Errorf("Removed wrong document: %v", doc)
	}
	if l.Len() != 2 {
		t.Errorf("Expected 2 left, got %d", l.Len())
	}
	// Middle removal keeps the chain intact.
	if l.First()["_id"] != "a" || l.Last()["_id"] != "c" {
		t.Errorf("chain broken after middle removal")
	}

	if _, err := l.RemoveWithID("b"); !errors.Is(err, util.ErrDocumentNotFound) {
		t.Errorf("Expected ErrDocumentNotFound, got %v", err)
	}
}

func TestListIntKeys(t *testing.T) {
	l := NewDocumentList()
	l.Push(int64(1), Document{"_id": int64(1)})
	if !l.Has(int64(1)) {
		t.Error("int64 key not found")
	}
	if l.Has(int64(2)) {
		t.Error("phantom key")
	}
}
