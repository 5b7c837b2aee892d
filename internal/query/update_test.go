package query

import (
	"reflect"
	"testing"
)

func TestSetUnset(t *testing.T) {
	doc := map[string]interface{}{"a": 1, "b": 2}
	err := ApplyUpdate(doc, map[string]interface{}{
		"$set":   map[string]interface{}{"a": 10, "c": 3},
		"$unset": map[string]interface{}{"b": ""},
	})
	if err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if doc["a"] != 10 || doc["c"] != 3 {
		t.Errorf("$set wrong: %v", doc)
	}
	if _, ok := doc["b"]; ok {
		t.Errorf("$unset did not remove b")
	}
}

func TestIncMul(t *testing.T) {
	doc := map[string]interface{}{"n": 10}
	if err := ApplyUpdate(doc, map[string]interface{}{"$inc": map[string]interface{}{"n": 5, "fresh": 2}}); err != nil {
		t.Fatalf("$inc failed: %v", err)
	}
	if doc["n"] != 15.0 || doc["fresh"] != 2.0 {
		t.Errorf("$inc wrong: %v", doc)
	}

	if err := ApplyUpdate(doc, map[string]interface{}{"$mul": map[string]interface{}{"n": 2}}); err != nil {
		t.Fatalf("$mul failed: %v", err)
	}
	if doc["n"] != 30.0 {
		t.Errorf("$mul wrong: %v", doc)
	}

	bad := map[string]interface{}{"s": "text"}
	if err := ApplyUpdate(bad, map[string]interface{}{"$inc": map[string]interface{}{"s": 1}}); err == nil {
		t.Error("$inc on non-numeric field must fail")
	}
}

func TestMinMax(t *testing.T) {
	doc := map[string]interface{}{"lo": 10, "hi": 10}
	ApplyUpdate(doc, map[string]interface{}{"$min": map[string]interface{}{"lo": 5}})
	ApplyUpdate(doc, map[string]interface{}{"$min": map[string]interface{}{"lo": 7}})
	ApplyUpdate(doc, map[string]interface{}{"$max": map[string]interface{}{"hi": 20}})
	ApplyUpdate(doc, map[string]interface{}{"$max": map[string]interface{}{"hi": 15}})
	if doc["lo"] != 5 || doc["hi"] != 20 {
		t.Errorf("min/max wrong: %v", doc)
	}

	// Absent current values are no constraint.
	fresh := map[string]interface{}{}
	ApplyUpdate(fresh, map[string]interface{}{"$min": map[string]interface{}{"v": 42}})
	if fresh["v"] != 42 {
		t.Errorf("$min on absent field should set: %v", fresh)
	}
}

func TestPushComposite(t *testing.T) {
	// items [3,1,2], $push $each [5,4] at position 0, sort asc, slice 4
	// -> [1,2,3,4]
	doc := map[string]interface{}{"items": []interface{}{3, 1, 2}}
	err := ApplyUpdate(doc, map[string]interface{}{
		"$push": map[string]interface{}{
			"items": map[string]interface{}{
				"$each":     []interface{}{5, 4},
				"$position": 0,
				"$sort":     1,
				"$slice":    4,
			},
		},
	})
	if err != nil {
		t.Fatalf("$push failed: %v", err)
	}
	want := []interface{}{1, 2, 3, 4}
	if !reflect.DeepEqual(doc["items"], want) {
		t.Errorf("items = %v, want %v", doc["items"], want)
	}
}

func TestPushPlain(t *testing.T) {
	doc := map[string]interface{}{}
	ApplyUpdate(doc, map[string]interface{}{"$push": map[string]interface{}{"tags": "a"}})
	ApplyUpdate(doc, map[string]interface{}{"$push": map[string]interface{}{"tags": "b"}})
	want := []interface{}{"a", "b"}
	if !reflect.DeepEqual(doc["tags"], want) {
		t.Errorf("tags = %v, want %v", doc["tags"], want)
	}
}

func TestPushNegativeSliceKeepsTail(t *testing.T) {
	doc := map[string]interface{}{"items": []interface{}{1, 2, 3}}
	ApplyUpdate(doc, map[string]interface{}{
		"$push": map[string]interface{}{
			"items": map[string]interface{}{"$each": []interface{}{4, 5}, "$slice": -3},
		},
	})
	want := []interface{}{3, 4, 5}
	if !reflect.DeepEqual(doc["items"], want) {
		t.Errorf("items = %v, want %v", doc["items"], want)
	}
}

func TestAddToSet(t *testing.T) {
	doc := map[string]interface{}{"tags": []interface{}{"a"}}
	ApplyUpdate(doc, map[string]interface{}{"$addToSet": map[string]interface{}{"tags": "a"}})
	ApplyUpdate(doc, map[string]interface{}{"$addToSet": map[string]interface{}{"tags": "b"}})
	want := []interface{}{"a", "b"}
	if !reflect.DeepEqual(doc["tags"], want) {
		t.Errorf("tags = %v, want %v", doc["tags"], want)
	}

	ApplyUpdate(doc, map[string]interface{}{
		"$addToSet": map[string]interface{}{"tags": map[string]interface{}{"$each": []interface{}{"b", "c"}}},
	})
	want = []interface{}{"a", "b", "c"}
	if !reflect.DeepEqual(doc["tags"], want) {
		t.Errorf("tags = %v, want %v", doc["tags"], want)
	}
}

func TestPullVariants(t *testing.T) {
	doc := map[string]interface{}{"n": []interface{}{1, 2, 3, 4, 5}}
	ApplyUpdate(doc, map[string]interface{}{"$pull": map[string]interface{}{"n": 3}})
	want := []interface{}{1, 2, 4, 5}
	if !reflect.DeepEqual(doc["n"], want) {
		t.Errorf("$pull = %v, want %v", doc["n"], want)
	}

	ApplyUpdate(doc, map[string]interface{}{
		"$pull": map[string]interface{}{"n": map[string]interface{}{"$gt": 3}},
	})
	want = []interface{}{1, 2}
	if !reflect.DeepEqual(doc["n"], want) {
		t.Errorf("$pull condition = %v, want %v", doc["n"], want)
	}

	ApplyUpdate(doc, map[string]interface{}{"$pullAll": map[string]interface{}{"n": []interface{}{1, 9}}})
	want = []interface{}{2}
	if !reflect.DeepEqual(doc["n"], want) {
		t.Errorf("$pullAll = %v, want %v", doc["n"], want)
	}
}

func TestPop(t *testing.T) {
	doc := map[string]interface{}{"n": []interface{}{1, 2, 3}}
	ApplyUpdate(doc, map[string]interface{}{"$pop": map[string]interface{}{"n": 1}})
	if !reflect.DeepEqual(doc["n"], []interface{}{1, 2}) {
		t.Errorf("$pop 1 = %v", doc["n"])
	}
	ApplyUpdate(doc, map[string]interface{}{"$pop": map[string]interface{}{"n": -1}})
	if !reflect.DeepEqual(doc["n"], []interface{}{2}) {
		t.Errorf("$pop -1 = %v", doc["n"])
	}
}

func TestCurrentDate(t *testing.T) {
	doc := map[string]interface{}{}
	ApplyUpdate(doc, map[string]interface{}{"$currentDate": map[string]interface{}{"ts": true}})
	if _, ok := doc["ts"].(string); !ok {
		t.Errorf("$currentDate should set a timestamp string, got %T", doc["ts"])
	}
}

func TestBareFieldsAreDirectSets(t *testing.T) {
	doc := map[string]interface{}{"a": 1}
	ApplyUpdate(doc, map[string]interface{}{"a": 2, "nested.b": 3})
	if doc["a"] != 2 {
		t.Errorf("bare set wrong: %v", doc)
	}
	nested, ok := doc["nested"].(map[string]interface{})
	if !ok || nested["b"] != 3 {
		t.Errorf("dot-path set wrong: %v", doc)
	}
}
