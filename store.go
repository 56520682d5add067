package iampolicy

import "context"

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// PolicyStore is the persistence surface the evaluator and change service
// consume. Every query is scoped by the caller-supplied tenant id; there is
// no ambient tenant state.
type PolicyStore interface {
	CreatePolicy(ctx context.Context, p *Policy) error
	UpdatePolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, tenantID, policyID int64) error
	GetPolicy(ctx context.Context, policyID int64) (*Policy, error)
	GetPolicyByName(ctx context.Context, tenantID int64, name string) (*Policy, error)
	ExistsByName(ctx context.Context, tenantID int64, name string) (bool, error)
	// ListActivePolicies returns active rows for (tenant, resource) ordered by
	// priority ascending, then id ascending. The evaluator relies on this
	// ordering for deterministic tie-breaking.
	ListActivePolicies(ctx context.Context, tenantID int64, resource string) ([]*Policy, error)
}

// RoleStore is the read surface the RBAC gate consumes. Implementations
// hydrate the Role pointer on assignments and the Role/Permission pointers on
// role-permission mappings.
type RoleStore interface {
	ListAssignments(ctx context.Context, tenantID, userID int64) ([]*UserRoleAssignment, error)
	ListRolePermissions(ctx context.Context, tenantID int64, roleIDs []int64) ([]*RolePermission, error)
}

// RoleAdminStore extends RoleStore with the mutations seed configuration and
// admin tooling need.
type RoleAdminStore interface {
	RoleStore
	CreateRole(ctx context.Context, r *Role) error
	GetRoleByName(ctx context.Context, tenantID int64, name string, scope RoleScope) (*Role, error)
	CreatePermission(ctx context.Context, p *Permission) error
	GetPermission(ctx context.Context, resource, action string) (*Permission, error)
	GrantPermission(ctx context.Context, tenantID, roleID, permissionID int64) error
	AssignRole(ctx context.Context, a *UserRoleAssignment) error
}
