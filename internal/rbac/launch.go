package rbac

import (
	"context"

	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
)

// RoleFromLaunch picks the app role for a validated launch. Teaching
// assistants and content developers act as instructors.
func RoleFromLaunch(m *lti.MessageLaunch) string {
	switch {
	case m == nil:
		return ""
	case m.CheckTeacherAccess(), m.CheckTeachingAssistantAccess(), m.CheckDesignerAccess():
		return RoleInstructor
	case m.CheckStudentAccess():
		return RoleLearner
	default:
		return RoleGuest
	}
}

type roleKey struct{}

// WithRole attaches the app role the request acts under. The launch app sets
// it from RoleFromLaunch; the admin guard sets RoleAdmin.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// RoleFromContext returns the role set by WithRole, or "" when there is none.
func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(roleKey{}).(string)
	return role
}
