package authz

import (
	"fmt"
	"sync"

	"github.com/kartikbazzad/bunstore/internal/util"
)

// RoleManager stores roles and their hierarchy. The parent graph is kept
// acyclic: an AddParentRole that would make a role its own transitive
// ancestor is rejected with ErrHierarchyCycle.
type RoleManager struct {
	mu    sync.RWMutex
	roles map[string]*Role // keyed by role name
}

// NewRoleManager creates an empty role registry.
func NewRoleManager() *RoleManager {
	return &RoleManager{roles: make(map[string]*Role)}
}

// AddRole registers a role. Parent references are validated lazily during
// resolution so roles may be registered in any order, but a declared parent
// set that already cycles is rejected.
func (rm *RoleManager) AddRole(role Role) error {
	if role.Name == "" {
		return fmt.Errorf("role name is required")
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	stored := role
	rm.roles[role.Name] = &stored
	if rm.cycleFromLocked(role.Name) {
		delete(rm.roles, role.Name)
		return fmt.Errorf("%w: role %s", util.ErrHierarchyCycle, role.Name)
	}
	return nil
}

// GetRole returns a role by name.
func (rm *RoleManager) GetRole(name string) (Role, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	role, ok := rm.roles[name]
	if !ok {
		return Role{}, fmt.Errorf("%w: %s", util.ErrRoleNotFound, name)
	}
	return *role, nil
}

// RemoveRole drops a role. References from children go stale and are skipped
// during resolution.
func (rm *RoleManager) RemoveRole(name string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.roles, name)
}

// AddParentRole links child to parent, rejecting links that would introduce
// a cycle.
func (rm *RoleManager) AddParentRole(child, parent string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	c, ok := rm.roles[child]
	if !ok {
		return fmt.Errorf("%w: %s", util.ErrRoleNotFound, child)
	}
	if _, ok := rm.roles[parent]; !ok {
		return fmt.Errorf("%w: %s", util.ErrRoleNotFound, parent)
	}
	for _, p := range c.Parents {
		if p == parent {
			return nil
		}
	}

	c.Parents = append(c.Parents, parent)
	if rm.cycleFromLocked(child) {
		c.Parents = c.Parents[:len(c.Parents)-1]
		return fmt.Errorf("%w: %s -> %s", util.ErrHierarchyCycle, child, parent)
	}
	return nil
}

// RemoveParentRole unlinks child from parent.
func (rm *RoleManager) RemoveParentRole(child, parent string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	c, ok := rm.roles[child]
	if !ok {
		return fmt.Errorf("%w: %s", util.ErrRoleNotFound, child)
	}
	for i, p := range c.Parents {
		if p == parent {
			c.Parents = append(c.Parents[:i], c.Parents[i+1:]...)
			return nil
		}
	}
	return nil
}

// GrantPermission appends a permission to a role.
func (rm *RoleManager) GrantPermission(roleName string, perm Permission) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	role, ok := rm.roles[roleName]
	if !ok {
		return fmt.Errorf("%w: %s", util.ErrRoleNotFound, roleName)
	}
	role.Permissions = append(role.Permissions, perm)
	return nil
}

// EffectivePermissions resolves the permission set of a role list. With
// inheritance, parent permissions are collected by walking the hierarchy
// with a visited set (which also guards against stale cycles).
func (rm *RoleManager) EffectivePermissions(roleNames []string, inherit bool) []Permission {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	visited := make(map[string]bool)
	var perms []Permission
	var walk func(name string)
	walk = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		role, ok := rm.roles[name]
		if !ok {
			return
		}
		perms = append(perms, role.Permissions...)
		if inherit {
			for _, parent := range role.Parents {
				walk(parent)
			}
		}
	}
	for _, name := range roleNames {
		walk(name)
	}
	return perms
}

// cycleFromLocked reports whether start can reach itself through parents.
func (rm *RoleManager) cycleFromLocked(start string) bool {
	visited := make(map[string]bool)
	var dfs func(name string) bool
	dfs = func(name string) bool {
		role, ok := rm.roles[name]
		if !ok {
			return false
		}
		for _, parent := range role.Parents {
			if parent == start {
				return true
			}
			if visited[parent] {
				continue
			}
			visited[parent] = true
			if dfs(parent) {
				return true
			}
		}
		return false
	}
	return dfs(start)
}
