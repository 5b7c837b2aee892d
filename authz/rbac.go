package authz

import (
	"fmt"
	"strings"
)

// RBACEngine decides an action from the user's effective permission set.
type RBACEngine struct {
	cfg   RBACConfig
	roles *RoleManager
}

// NewRBACEngine creates the role-based engine over a role registry.
func NewRBACEngine(cfg RBACConfig, roles *RoleManager) *RBACEngine {
	return &RBACEngine{cfg: cfg, roles: roles}
}

// Decide runs the RBAC ladder: disabled -> allow; no roles -> defaultDeny;
// exact permission match; wildcard match; admin override (non-strict);
// otherwise defaultDeny.
func (e *RBACEngine) Decide(user *User, resource Resource, action string) Result {
	if !e.cfg.Enabled {
		return neutralAllow("RBAC disabled")
	}

	if user == nil || len(user.Roles) == 0 {
		if e.cfg.DefaultDeny {
			return denyResult("user has no roles", "rbac:no_roles")
		}
		return neutralAllow("user has no roles, default allow", "rbac:no_roles")
	}

	resourceStr := resource.String()
	perms := e.roles.EffectivePermissions(user.Roles, e.cfg.InheritanceEnabled)

	// Exact match.
	for _, p := range perms {
		if p.Resource == resourceStr && actionMatches(p.Action, action) {
			return allowResult(
				fmt.Sprintf("permission %s:%s granted by role", resourceStr, action),
				"rbac:role_permissions",
				fmt.Sprintf("rbac:permission:%s:%s", resourceStr, action),
			)
		}
	}

	// Wildcard match.
	for _, p := range perms {
		if !actionMatches(p.Action, action) {
			continue
		}
		if pattern, ok := wildcardMatches(p.Resource, resource); ok {
			return allowResult(
				fmt.Sprintf("wildcard permission %s grants %s", p.Resource, action),
				"rbac:role_permissions",
				"rbac:wildcard:"+pattern,
			)
		}
	}

	// Admin override in non-strict mode.
	if !e.cfg.StrictMode {
		for _, role := range user.Roles {
			lower := strings.ToLower(role)
			if strings.Contains(lower, "admin") || strings.Contains(lower, "super") {
				return allowResult("admin role override", "rbac:admin_override")
			}
		}
	}

	if e.cfg.DefaultDeny {
		return denyResult(
			fmt.Sprintf("no permission for %s:%s", resourceStr, action),
			"rbac:no_match",
		)
	}
	return neutralAllow("no match, default allow", "rbac:no_match")
}

func actionMatches(granted, requested string) bool {
	return granted == requested || granted == "*" || granted == "all"
}

// wildcardMatches checks the global and scoped wildcard permission forms:
// "*" / "all" match everything; "database:X:*" matches database X;
// "collection:Y:*" matches collection Y and its documents and fields.
func wildcardMatches(pattern string, resource Resource) (string, bool) {
	if pattern == "*" || pattern == "all" {
		return pattern, true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return "", false
	}
	scope := strings.TrimSuffix(pattern, ":*")
	parts := strings.SplitN(scope, ":", 2)
	if len(parts) != 2 {
		return "", false
	}
	kind, name := parts[0], parts[1]

	switch kind {
	case "database":
		if resource.Kind == ResourceDatabase && resource.Database == name {
			return pattern, true
		}
	case "collection":
		switch resource.Kind {
		case ResourceCollection, ResourceDocument, ResourceField:
			if resource.Collection == name {
				return pattern, true
			}
		}
	}
	return "", false
}
