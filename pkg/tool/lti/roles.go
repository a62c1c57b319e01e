// pkg/tool/lti/roles.go
package lti

import "strings"

// RoleCategory is an application-level role bucket.
type RoleCategory int

const (
	RoleStaff RoleCategory = iota
	RoleStudent
	RoleTeacher
	RoleTeachingAssistant
	RoleDesigner
	RoleObserver
	RoleTransient
)

// RoleScope is where a LIS v2 role is defined ("" for short/common names).
type RoleScope string

const (
	ScopeNone        RoleScope = ""
	ScopeSystem      RoleScope = "system"
	ScopeInstitution RoleScope = "institution"
	ScopeContext     RoleScope = "membership"
)

const lisRolePrefix = "http://purl.imsglobal.org/vocab/lis/v2/"

type roleNames struct {
	system, institution, context, common []string
}

var roleTable = map[RoleCategory]roleNames{
	RoleStaff: {
		system:      []string{"Administrator", "SysAdmin"},
		institution: []string{"Faculty", "SysAdmin", "Staff", "Instructor"},
	},
	RoleStudent: {
		common:      []string{"Learner", "Member", "User"},
		system:      []string{"User"},
		institution: []string{"Student", "Learner", "Member", "ProspectiveStudent", "User"},
		context:     []string{"Learner", "Member"},
	},
	RoleTeacher: {
		common:  []string{"Instructor", "Administrator"},
		context: []string{"Instructor", "Administrator"},
	},
	RoleTeachingAssistant: {
		context: []string{"TeachingAssistant"},
	},
	RoleDesigner: {
		common:  []string{"ContentDeveloper"},
		context: []string{"ContentDeveloper"},
	},
	RoleObserver: {
		common:  []string{"Mentor"},
		context: []string{"Mentor"},
	},
	RoleTransient: {
		common:      []string{"Transient"},
		system:      []string{"Transient"},
		institution: []string{"Transient"},
		context:     []string{"Transient"},
	},
}

// ParseRole splits a role URI into name and scope. For
// ".../lis/v2/membership/Instructor#TeachingAssistant" the name is the
// sub-role. Anything outside the LIS v2 vocabulary is a common name.
func ParseRole(role string) (string, RoleScope) {
	rest, ok := strings.CutPrefix(role, lisRolePrefix)
	if !ok {
		return role, ScopeNone
	}
	hash := strings.LastIndexByte(rest, '#')
	if hash < 0 {
		return role, ScopeNone
	}
	name := rest[hash+1:]
	scope := rest[:hash]
	if i := strings.IndexByte(scope, '/'); i >= 0 {
		scope = scope[:i]
	}
	switch RoleScope(scope) {
	case ScopeSystem, ScopeInstitution, ScopeContext:
		return name, RoleScope(scope)
	default:
		return name, ScopeNone
	}
}

// HasRole reports whether any of roles falls into category.
func HasRole(category RoleCategory, roles []string) bool {
	names, ok := roleTable[category]
	if !ok {
		return false
	}
	for _, r := range roles {
		name, scope := ParseRole(r)
		var list []string
		switch scope {
		case ScopeSystem:
			list = names.system
		case ScopeInstitution:
			list = names.institution
		case ScopeContext:
			list = names.context
		default:
			list = names.common
		}
		for _, n := range list {
			if n == name {
				return true
			}
		}
	}
	return false
}
