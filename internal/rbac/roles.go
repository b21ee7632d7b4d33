package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleAnalyst  = "analyst"
)

// Permission is one operator API capability.
type Permission string

const (
	PermStartCall   Permission = "calls:start"
	PermViewCalls   Permission = "calls:view"
	PermViewReports Permission = "reports:view"
	// PermViewAudit is held by admins only.
	PermViewAudit   Permission = "audit:view"
)

// grants lists what each non-admin role may do. Admin holds every permission.
var grants = map[string]map[Permission]bool{
	RoleOperator: {PermStartCall: true, PermViewCalls: true, PermViewReports: true},
	RoleAnalyst:  {PermViewCalls: true, PermViewReports: true},
}

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnownRole(role string) bool {
	if IsAdmin(role) {
		return true
	}
	_, ok := grants[role]
	return ok
}

// Can reports whether role holds p. Unknown roles hold nothing.
func Can(role string, p Permission) bool {
	if IsAdmin(role) {
		return true
	}
	return grants[role][p]
}
