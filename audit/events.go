// Package audit implements the audit event stream: structured events
// appended to a JSONL log and fanned out to registered subscribers.
package audit

import (
	"time"
)

// Category groups audit events by subsystem.
type Category string

const (
	CategoryData          Category = "data"
	CategorySchema        Category = "schema"
	CategoryTransaction   Category = "transaction"
	CategoryAuthorization Category = "authorization"
	CategorySecurity      Category = "security"
	CategorySystem        Category = "system"
)

// Severity ranks an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Outcome records how the audited operation ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Event is a single audit record.
type Event struct {
	ID         string                 `json:"id"`
	Category   Category               `json:"category"`
	Action     string                 `json:"action"`
	Severity   Severity               `json:"severity"`
	Outcome    Outcome                `json:"outcome"`
	Resource   string                 `json:"resource,omitempty"`
	ResourceID string                 `json:"resourceId,omitempty"`
	User       string                 `json:"user,omitempty"`
	Session    string                 `json:"session,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Filter selects the events a subscriber receives. Empty slices match
// everything.
type Filter struct {
	Categories []Category
	Actions    []string
	Users      []string
	Severities []Severity
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(evt Event) bool {
	if len(f.Categories) > 0 && !containsCategory(f.Categories, evt.Category) {
		return false
	}
	if len(f.Actions) > 0 && !containsString(f.Actions, evt.Action) {
		return false
	}
	if len(f.Users) > 0 && !containsString(f.Users, evt.User) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, evt.Severity) {
		return false
	}
	return true
}

func containsCategory(list []Category, v Category) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsSeverity(list []Severity, v Severity) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
