package bunstore

// MemoryRoot disables all persistence when used as Options.Root.
const MemoryRoot = ":memory:"

// Options configures a database instance.
type Options struct {
	// Root directory for persistence, or ":memory:" to skip it entirely.
	Root string

	// Name of the database; the schema manifest lives at <Root>/<Name>.json
	// and collection payloads under <Root>/<Name>/<collection>/.
	Name string

	// StrictQueries makes unknown query fields an error instead of a
	// warning.
	StrictQueries bool
}

// DefaultOptions returns an in-memory database configuration.
func DefaultOptions(name string) *Options {
	return &Options{
		Root: MemoryRoot,
		Name: name,
	}
}

// AdapterKind selects a storage adapter implementation.
type AdapterKind string

const (
	AdapterFile   AdapterKind = "file"
	AdapterMemory AdapterKind = "memory"
)

// IndexConfig declares one ordered index on a collection.
type IndexConfig struct {
	Name   string `json:"name"`
	Field  string `json:"field"`
	Unique bool   `json:"unique"`
	Sparse bool   `json:"sparse"`
}

// CollectionConfig is the full configuration of a collection. The
// declarative parts round-trip through the schema manifest; Schema function
// members (defaults, validators) are process-local.
type CollectionConfig struct {
	Name    string
	Adapter AdapterKind
	Indexes []IndexConfig
	Schema  Schema
	// JSONSchema optionally adds raw JSON Schema validation on top of the
	// descriptor schema.
	JSONSchema string
}

// QueryOptions bound and order query results.
type QueryOptions struct {
	Skip      int
	Limit     int
	SortField string
	SortDesc  bool
}

// UpdateOptions configures UpdateAtomic.
type UpdateOptions struct {
	// Upsert inserts a document seeded from the filter's equality clauses
	// when nothing matches.
	Upsert bool
	// Merge overlays the update onto the original instead of replacing it.
	Merge bool
}

// UpdateResult reports what UpdateAtomic did.
type UpdateResult struct {
	MatchedCount      int
	ModifiedCount     int
	UpsertedCount     int
	UpsertedIDs       []interface{}
	ModifiedDocuments []map[string]interface{}
}

// TxOptions configures StartTransaction.
type TxOptions struct {
	Isolation string
}

// ResetOptions guards ForceResetTransactionState. The reset drops
// uncommitted state; callers must acknowledge that explicitly.
type ResetOptions struct {
	ConfirmDiscard bool
}
