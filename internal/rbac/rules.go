package rbac

// App roles. A launch maps onto instructor, learner or guest; the admin role
// is only granted by the admin API's basic auth.
const (
	RoleAdmin      = "admin"
	RoleInstructor = "instructor"
	RoleLearner    = "learner"
	RoleGuest      = "guest"
)

// DefaultPolicy guards the launch app and the admin API.
var DefaultPolicy = Policy{
	RoleGuest: {},
	RoleLearner: {
		"launch:view",
		"grade:submit-own",
		"groups:view-own",
	},
	RoleInstructor: {
		"launch:view",
		"grade:*",
		"roster:view",
		"groups:*",
		"deeplink:create",
	},
	RoleAdmin: {
		"*", // everything
	},
}
