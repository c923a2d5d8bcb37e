package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleClient            = "client"
	RoleCoach             = "coach"
	RoleService           = "service"
	RoleComplianceOfficer = "compliance_officer"
	RoleAdmin             = "admin"
	RoleSuperAdmin        = "super_admin"
)

// Writers may append events to the ledger.
var Writers = []string{RoleService, RoleAdmin}

// Auditors may read records, baselines and integrity results.
var Auditors = []string{RoleComplianceOfficer, RoleAdmin}

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// IsAdministrative reports roles whose actions count as admin activity.
func IsAdministrative(role string) bool {
	return role == RoleAdmin || role == RoleSuperAdmin
}
