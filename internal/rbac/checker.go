package rbac

import "strings"

// Policy maps an app role to the permissions it holds. Permissions read
// "area:action"; "area:*" holds every action in area and "*" holds all.
type Policy map[string][]string

// Allows reports whether role holds perm.
func (p Policy) Allows(role, perm string) bool {
	for _, held := range p[role] {
		if covers(held, perm) {
			return true
		}
	}
	return false
}

// AllowsAny reports whether role holds at least one of perms.
func (p Policy) AllowsAny(role string, perms ...string) bool {
	for _, perm := range perms {
		if p.Allows(role, perm) {
			return true
		}
	}
	return false
}

func covers(held, perm string) bool {
	if held == "*" || held == perm {
		return true
	}
	area, ok := strings.CutSuffix(held, ":*")
	return ok && strings.HasPrefix(perm, area+":")
}
