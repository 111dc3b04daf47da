// Package rbac implements wildcard permission matching and role
// inheritance, adapted from the teacher's
// services/auth/internal/rbac permissions.go and policy_engine.go.
package rbac

import (
	"fmt"
	"strings"
)

// Permission is a colon-separated action scope, e.g. "message:send".
// A trailing "*" segment matches any remainder.
type Permission string

// Matches reports whether p (held) satisfies want (required).
func (p Permission) Matches(want Permission) bool {
	held := strings.Split(string(p), ":")
	req := strings.Split(string(want), ":")
	for i, seg := range held {
		if seg == "*" {
			return true
		}
		if i >= len(req) || seg != req[i] {
			return false
		}
	}
	return len(held) == len(req)
}

// Role is a named bundle of permissions that may inherit from others.
type Role struct {
	Name        string
	Permissions []Permission
	Inherits    []string
}

// Engine resolves effective permissions for a role, following
// inheritance chains and rejecting cycles.
type Engine struct {
	roles map[string]Role
}

// NewEngine builds an Engine from a role set, keyed by role name.
func NewEngine(roles []Role) *Engine {
	m := make(map[string]Role, len(roles))
	for _, r := range roles {
		m[r.Name] = r
	}
	return &Engine{roles: m}
}

// DefaultRoles returns the relay's built-in role set: operator,
// supervisor, admin, service.
func DefaultRoles() []Role {
	return []Role{
		{Name: "operator", Permissions: []Permission{"message:send", "message:read", "node:status"}},
		{Name: "supervisor", Permissions: []Permission{"audit:read"}, Inherits: []string{"operator"}},
		{Name: "admin", Permissions: []Permission{"*"}},
		{Name: "service", Permissions: []Permission{"message:send", "message:read", "node:status"}},
	}
}

// Effective returns the full set of permissions role has, including
// everything inherited, with cycles rejected.
func (e *Engine) Effective(role string) ([]Permission, error) {
	seen := make(map[string]bool)
	onPath := make(map[string]bool)
	var out []Permission
	var walk func(name string) error
	walk = func(name string) error {
		if onPath[name] {
			return fmt.Errorf("rbac: cycle detected at role %q", name)
		}
		if seen[name] {
			return nil
		}
		seen[name] = true
		onPath[name] = true
		defer delete(onPath, name)
		r, ok := e.roles[name]
		if !ok {
			return fmt.Errorf("rbac: unknown role %q", name)
		}
		out = append(out, r.Permissions...)
		for _, parent := range r.Inherits {
			if err := walk(parent); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(role); err != nil {
		return nil, err
	}
	return out, nil
}

// Allows reports whether role (transitively) grants want.
func (e *Engine) Allows(role string, want Permission) (bool, error) {
	perms, err := e.Effective(role)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p.Matches(want) {
			return true, nil
		}
	}
	return false, nil
}
