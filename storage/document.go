package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Document represents a JSON document in the database
type Document map[string]interface{}

// IDField is the reserved primary key field.
const IDField = "_id"

// NormalizeID canonicalizes a primary key value. String keys pass through,
// integer keys collapse to int64 (JSON decoding yields float64 for whole
// numbers). Anything else is rejected.
func NormalizeID(v interface{}) (interface{}, error) {
	switch id := v.(type) {
	case string:
		return id, nil
	case int:
		return int64(id), nil
	case int32:
		return int64(id), nil
	case int64:
		return id, nil
	case uint:
		return int64(id), nil
	case float64:
		if id == float64(int64(id)) {
			return int64(id), nil
		}
		return nil, fmt.Errorf("non-integral numeric id: %v", id)
	default:
		return nil, fmt.Errorf("unsupported id type %T", v)
	}
}

// Serialize converts a document to JSON bytes
func (d Document) Serialize() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}
	return data, nil
}

// DeserializeDocument creates a document from JSON bytes
func DeserializeDocument(data []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to deserialize document: %w", err)
	}
	return d, nil
}

// GetID returns the normalized document ID if it exists
func (d Document) GetID() (interface{}, bool) {
	raw, exists := d[IDField]
	if !exists || raw == nil {
		return nil, false
	}
	id, err := NormalizeID(raw)
	if err != nil {
		return nil, false
	}
	return id, true
}

// SetID sets the document ID
func (d Document) SetID(id interface{}) {
	d[IDField] = id
}

// Clone creates a deep copy of the document
func (d Document) Clone() Document {
	clone := make(Document, len(d))
	for k, v := range d {
		clone[k] = deepCopyValue(v)
	}
	return clone
}

// deepCopyValue creates a deep copy of a value. Nested maps stay plain
// map[string]interface{} so type assertions downstream keep working.
func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case Document:
		return map[string]interface{}(val.Clone())
	case map[string]interface{}:
		cp := make(map[string]interface{}, len(val))
		for k, item := range val {
			cp[k] = deepCopyValue(item)
		}
		return cp
	case []interface{}:
		cp := make([]interface{}, len(val))
		for i, item := range val {
			cp[i] = deepCopyValue(item)
		}
		return cp
	default:
		// Primitives (string, number, bool) are immutable or copied by value
		return val
	}
}

// GetPath returns the value at a dot-notation field path.
func (d Document) GetPath(path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = map[string]interface{}(d)
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			if dm, ok2 := cur.(Document); ok2 {
				m = dm
			} else {
				return nil, false
			}
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// SetPath sets the value at a dot-notation field path, creating intermediate
// maps as needed.
func (d Document) SetPath(path string, value interface{}) {
	parts := strings.Split(path, ".")
	m := map[string]interface{}(d)
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]interface{})
		if !ok {
			if dm, ok2 := m[p].(Document); ok2 {
				next = dm
			} else {
				next = make(map[string]interface{})
				m[p] = next
			}
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// DeletePath removes the value at a dot-notation field path. Missing
// intermediate segments are a no-op.
func (d Document) DeletePath(path string) {
	parts := strings.Split(path, ".")
	m := map[string]interface{}(d)
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]interface{})
		if !ok {
			if dm, ok2 := m[p].(Document); ok2 {
				next = dm
			} else {
				return
			}
		}
		m = next
	}
	delete(m, parts[len(parts)-1])
}

// Size returns the approximate size of the document in bytes
func (d Document) Size() int {
	data, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	return len(data)
}
