package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	iampolicy "github.com/cloudgate/iampolicy"
)

// SQLRoleStore persists roles, permissions, role grants and user assignments
// in SQL (squealx). Reads hydrate the joined Role and Permission objects so
// the evaluator never issues follow-up queries.
type SQLRoleStore struct {
	db *squealx.DB
}

func NewSQLRoleStore(db *squealx.DB) *SQLRoleStore {
	return &SQLRoleStore{db: db}
}

func (s *SQLRoleStore) CreateRole(ctx context.Context, r *iampolicy.Role) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	q := `INSERT INTO roles(tenant_id, name, scope, description, created_at)
	      VALUES(:tenant_id, :name, :scope, :description, :created_at)`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"tenant_id":   r.TenantID,
		"name":        r.Name,
		"scope":       string(r.Scope),
		"description": r.Description,
		"created_at":  r.CreatedAt,
	})
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("role id: %w", err)
	}
	r.ID = id
	return nil
}

func (s *SQLRoleStore) GetRoleByName(ctx context.Context, tenantID int64, name string, scope iampolicy.RoleScope) (*iampolicy.Role, error) {
	q := `SELECT id, tenant_id, name, scope, description, created_at FROM roles
	      WHERE tenant_id = :tenant_id AND name = :name AND scope = :scope`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{
		"tenant_id": tenantID, "name": name, "scope": string(scope),
	})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("role not found: %s", name)
	}
	return scanRole(r)
}

func (s *SQLRoleStore) CreatePermission(ctx context.Context, p *iampolicy.Permission) error {
	q := `INSERT INTO permissions(resource, action) VALUES(:resource, :action)`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"resource": p.Resource,
		"action":   p.Action,
	})
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("permission id: %w", err)
	}
	p.ID = id
	return nil
}

func (s *SQLRoleStore) GetPermission(ctx context.Context, resource, action string) (*iampolicy.Permission, error) {
	q := `SELECT id, resource, action FROM permissions WHERE resource = :resource AND action = :action`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"resource": resource, "action": action})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("permission not found: %s %s", resource, action)
	}
	var p iampolicy.Permission
	if err := r.Scan(&p.ID, &p.Resource, &p.Action); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLRoleStore) GrantPermission(ctx context.Context, tenantID, roleID, permissionID int64) error {
	q := `INSERT INTO role_permissions(tenant_id, role_id, permission_id)
	      VALUES(:tenant_id, :role_id, :permission_id)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"tenant_id":     tenantID,
		"role_id":       roleID,
		"permission_id": permissionID,
	})
	return err
}

func (s *SQLRoleStore) AssignRole(ctx context.Context, a *iampolicy.UserRoleAssignment) error {
	q := `INSERT INTO user_role_assignments(tenant_id, user_id, role_id, project_id)
	      VALUES(:tenant_id, :user_id, :role_id, :project_id)`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"tenant_id":  a.TenantID,
		"user_id":    a.UserID,
		"role_id":    a.RoleID,
		"project_id": a.ProjectID,
	})
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("assignment id: %w", err)
	}
	a.ID = id
	return nil
}

func (s *SQLRoleStore) ListAssignments(ctx context.Context, tenantID, userID int64) ([]*iampolicy.UserRoleAssignment, error) {
	q := `SELECT a.id, a.tenant_id, a.user_id, a.role_id, a.project_id,
	             r.id, r.tenant_id, r.name, r.scope, r.description, r.created_at
	      FROM user_role_assignments a
	      JOIN roles r ON r.id = a.role_id
	      WHERE a.tenant_id = :tenant_id AND a.user_id = :user_id
	      ORDER BY a.id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "user_id": userID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*iampolicy.UserRoleAssignment, 0)
	for r.Next() {
		var (
			a          iampolicy.UserRoleAssignment
			role       iampolicy.Role
			scope      string
			createdRaw interface{}
		)
		if err := r.Scan(&a.ID, &a.TenantID, &a.UserID, &a.RoleID, &a.ProjectID,
			&role.ID, &role.TenantID, &role.Name, &scope, &role.Description, &createdRaw); err != nil {
			return nil, err
		}
		role.Scope = iampolicy.RoleScope(scope)
		role.CreatedAt = scanTime(createdRaw)
		a.Role = &role
		out = append(out, &a)
	}
	return out, nil
}

func (s *SQLRoleStore) ListRolePermissions(ctx context.Context, tenantID int64, roleIDs []int64) ([]*iampolicy.RolePermission, error) {
	out := make([]*iampolicy.RolePermission, 0)
	q := `SELECT rp.id, rp.tenant_id, rp.role_id, rp.permission_id,
	             r.id, r.tenant_id, r.name, r.scope, r.description, r.created_at,
	             p.id, p.resource, p.action
	      FROM role_permissions rp
	      JOIN roles r ON r.id = rp.role_id
	      JOIN permissions p ON p.id = rp.permission_id
	      WHERE rp.tenant_id = :tenant_id AND rp.role_id = :role_id
	      ORDER BY rp.id ASC`
	for _, roleID := range roleIDs {
		r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "role_id": roleID})
		if err != nil {
			return nil, err
		}
		for r.Next() {
			var (
				rp         iampolicy.RolePermission
				role       iampolicy.Role
				perm       iampolicy.Permission
				scope      string
				createdRaw interface{}
			)
			if err := r.Scan(&rp.ID, &rp.TenantID, &rp.RoleID, &rp.PermissionID,
				&role.ID, &role.TenantID, &role.Name, &scope, &role.Description, &createdRaw,
				&perm.ID, &perm.Resource, &perm.Action); err != nil {
				r.Close()
				return nil, err
			}
			role.Scope = iampolicy.RoleScope(scope)
			role.CreatedAt = scanTime(createdRaw)
			rp.Role = &role
			rp.Permission = &perm
			out = append(out, &rp)
		}
		r.Close()
	}
	return out, nil
}

func scanRole(r rowScanner) (*iampolicy.Role, error) {
	var (
		role       iampolicy.Role
		scope      string
		createdRaw interface{}
	)
	if err := r.Scan(&role.ID, &role.TenantID, &role.Name, &scope, &role.Description, &createdRaw); err != nil {
		return nil, err
	}
	role.Scope = iampolicy.RoleScope(scope)
	role.CreatedAt = scanTime(createdRaw)
	return &role, nil
}
