package bunstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// manifest is the persistent schema catalog of a database: one JSON document
// at <root>/<db>.json mapping collection name -> serialized configuration.
// Function members of a schema (function defaults, validators) are
// process-local and do not round-trip; callers re-attach them on open.
type manifest struct {
	Collections map[string]collectionManifest `json:"collections"`
}

type collectionManifest struct {
	Name    string                   `json:"name"`
	Adapter AdapterKind              `json:"adapter"`
	Indexes []IndexConfig            `json:"indexes,omitempty"`
	Schema  map[string]fieldManifest `json:"schema,omitempty"`
	// JSONSchema is the optional raw JSON Schema attached to the
	// collection.
	JSONSchema string `json:"jsonSchema,omitempty"`
}

type fieldManifest struct {
	Type        FieldType   `json:"type,omitempty"`
	Required    bool        `json:"required,omitempty"`
	Default     interface{} `json:"default,omitempty"`
	Coerce      bool        `json:"coerce,omitempty"`
	Description string      `json:"description,omitempty"`
	Index       bool        `json:"index,omitempty"`
	Unique      bool        `json:"unique,omitempty"`
	Sparse      bool        `json:"sparse,omitempty"`
}

// manifestManager persists the catalog. With an empty path (in-memory mode)
// every operation is a no-op.
type manifestManager struct {
	path string
	mu   sync.Mutex
	data manifest
}

func newManifestManager(root, db string) (*manifestManager, error) {
	mm := &manifestManager{
		data: manifest{Collections: make(map[string]collectionManifest)},
	}
	if root == MemoryRoot {
		return mm, nil
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database root: %w", err)
	}
	mm.path = filepath.Join(root, db+".json")

	raw, err := os.ReadFile(mm.path)
	if err != nil {
		if os.IsNotExist(err) {
			return mm, nil
		}
		return nil, fmt.Errorf("failed to read schema manifest: %w", err)
	}
	if err := json.Unmarshal(raw, &mm.data); err != nil {
		return nil, fmt.Errorf("corrupt schema manifest: %w", err)
	}
	if mm.data.Collections == nil {
		mm.data.Collections = make(map[string]collectionManifest)
	}
	return mm, nil
}

func (mm *manifestManager) put(cfg CollectionConfig) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	cm := collectionManifest{
		Name:       cfg.Name,
		Adapter:    cfg.Adapter,
		Indexes:    cfg.Indexes,
		JSONSchema: cfg.JSONSchema,
	}
	if len(cfg.Schema) > 0 {
		cm.Schema = make(map[string]fieldManifest, len(cfg.Schema))
		for path, fd := range cfg.Schema {
			cm.Schema[path] = fieldManifest{
				Type:        fd.Type,
				Required:    fd.Required,
				Default:     fd.Default,
				Coerce:      fd.Coerce,
				Description: fd.Description,
				Index:       fd.Index,
				Unique:      fd.Unique,
				Sparse:      fd.Sparse,
			}
		}
	}
	mm.data.Collections[cfg.Name] = cm
	return mm.saveLocked()
}

func (mm *manifestManager) remove(name string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	delete(mm.data.Collections, name)
	return mm.saveLocked()
}

func (mm *manifestManager) list() []collectionManifest {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	out := make([]collectionManifest, 0, len(mm.data.Collections))
	for _, cm := range mm.data.Collections {
		out = append(out, cm)
	}
	return out
}

func (mm *manifestManager) saveLocked() error {
	if mm.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(mm.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(mm.path, raw, 0644)
}

// toConfig rebuilds a CollectionConfig from its manifest form.
func (cm collectionManifest) toConfig() CollectionConfig {
	cfg := CollectionConfig{
		Name:       cm.Name,
		Adapter:    cm.Adapter,
		Indexes:    cm.Indexes,
		JSONSchema: cm.JSONSchema,
	}
	if len(cm.Schema) > 0 {
		cfg.Schema = make(Schema, len(cm.Schema))
		for path, fm := range cm.Schema {
			cfg.Schema[path] = FieldDescriptor{
				Type:        fm.Type,
				Required:    fm.Required,
				Default:     fm.Default,
				Coerce:      fm.Coerce,
				Description: fm.Description,
				Index:       fm.Index,
				Unique:      fm.Unique,
				Sparse:      fm.Sparse,
			}
		}
	}
	return cfg
}
