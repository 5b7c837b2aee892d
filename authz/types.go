// Package authz implements the composable permission decision engine:
// role-based (RBAC), attribute-based (ABAC), and dynamic-rule evaluation
// combined under a deny-by-default policy, with a per-decision cache.
package authz

import (
	"fmt"
	"time"
)

// User is an authorization principal.
type User struct {
	ID           string                 `json:"id"`
	Roles        []string               `json:"roles"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
	Active       bool                   `json:"active"`
	Locked       bool                   `json:"locked"`
	FailedLogins int                    `json:"failedLogins"`
}

// Role grants a set of permissions, optionally inheriting from parents. The
// hierarchy must stay acyclic.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Parents     []string     `json:"parents,omitempty"`
	Permissions []Permission `json:"permissions,omitempty"`
	System      bool         `json:"system"`
}

// Permission pairs a resource pattern with an action.
type Permission struct {
	Resource   string                 `json:"resource"`
	Action     string                 `json:"action"`
	Scope      string                 `json:"scope,omitempty"`
	Conditions map[string]interface{} `json:"conditions,omitempty"`
}

// ResourceKind tags the resource variants.
type ResourceKind string

const (
	ResourceDatabase   ResourceKind = "database"
	ResourceCollection ResourceKind = "collection"
	ResourceDocument   ResourceKind = "document"
	ResourceField      ResourceKind = "field"
)

// Resource describes what a decision is about.
type Resource struct {
	Kind       ResourceKind
	Database   string
	Collection string
	DocumentID string
	FieldPath  string
}

// DatabaseResource describes a whole database.
func DatabaseResource(name string) Resource {
	return Resource{Kind: ResourceDatabase, Database: name}
}

// CollectionResource describes a collection.
func CollectionResource(name string) Resource {
	return Resource{Kind: ResourceCollection, Collection: name}
}

// DocumentResource describes one document.
func DocumentResource(collection string, id interface{}) Resource {
	return Resource{Kind: ResourceDocument, Collection: collection, DocumentID: fmt.Sprintf("%v", id)}
}

// FieldResource describes a field path within a collection.
func FieldResource(collection, path string) Resource {
	return Resource{Kind: ResourceField, Collection: collection, FieldPath: path}
}

// String renders the canonical resource string:
// database:<name>, collection:<name>, document:<coll>:<id>,
// field:<coll>:<path>.
func (r Resource) String() string {
	switch r.Kind {
	case ResourceDatabase:
		return "database:" + r.Database
	case ResourceCollection:
		return "collection:" + r.Collection
	case ResourceDocument:
		return "document:" + r.Collection + ":" + r.DocumentID
	case ResourceField:
		return "field:" + r.Collection + ":" + r.FieldPath
	default:
		return "unknown"
	}
}

// Context carries the ambient attributes of one decision.
type Context struct {
	Timestamp       time.Time              `json:"timestamp"`
	Region          string                 `json:"region,omitempty"`
	SessionID       string                 `json:"sessionId,omitempty"`
	EmergencyAccess bool                   `json:"emergencyAccess,omitempty"`
	Attributes      map[string]interface{} `json:"attributes,omitempty"`
}

// now returns the context timestamp, defaulting to the wall clock.
func (c *Context) now() time.Time {
	if c != nil && !c.Timestamp.IsZero() {
		return c.Timestamp
	}
	return time.Now()
}

// attr looks up a context attribute.
func (c *Context) attr(key string) (interface{}, bool) {
	if c == nil || c.Attributes == nil {
		return nil, false
	}
	v, ok := c.Attributes[key]
	return v, ok
}

// Result is the outcome of one authorization decision.
type Result struct {
	Allowed        bool                   `json:"allowed"`
	Reason         string                 `json:"reason"`
	AppliedRules   []string               `json:"appliedRules,omitempty"`
	CacheHit       bool                   `json:"cacheHit"`
	EvaluationTime time.Duration          `json:"evaluationTime"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

func allowResult(reason string, rules ...string) Result {
	return Result{Allowed: true, Reason: reason, AppliedRules: rules}
}

// neutralAllow passes without expressing an opinion; the policy evaluator
// treats it as "no explicit allow" when applying the default policy.
func neutralAllow(reason string, rules ...string) Result {
	return Result{
		Allowed:      true,
		Reason:       reason,
		AppliedRules: rules,
		Metadata:     map[string]interface{}{"neutral": true},
	}
}

func denyResult(reason string, rules ...string) Result {
	return Result{Allowed: false, Reason: reason, AppliedRules: rules}
}

// isNeutral reports whether a result abstained rather than explicitly
// allowed.
func (r Result) isNeutral() bool {
	if r.Metadata == nil {
		return false
	}
	neutral, _ := r.Metadata["neutral"].(bool)
	return neutral
}

// PermissionCheck is one entry of a batch check.
type PermissionCheck struct {
	Resource Resource
	Action   string
	Context  *Context
}
