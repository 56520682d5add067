package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	iampolicy "github.com/cloudgate/iampolicy"
)

// ============================================================================
// IN-MEMORY STORES
// ============================================================================

// MemoryPolicyStore keeps policies in a map. Safe for concurrent use; meant
// for tests and single-process deployments.
type MemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[int64]*iampolicy.Policy
	nextID   int64
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[int64]*iampolicy.Policy), nextID: 1}
}

func (s *MemoryPolicyStore) CreatePolicy(_ context.Context, p *iampolicy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.policies {
		if existing.TenantID == p.TenantID && existing.Name == p.Name {
			return fmt.Errorf("%w: %s", iampolicy.ErrDuplicatePolicyName, p.Name)
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	p.ID = s.nextID
	s.nextID++
	s.policies[p.ID] = clonePolicy(p)
	return nil
}

func (s *MemoryPolicyStore) UpdatePolicy(_ context.Context, p *iampolicy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.policies[p.ID]
	if !ok {
		return fmt.Errorf("%w: %d", iampolicy.ErrPolicyNotFound, p.ID)
	}
	if existing.TenantID != p.TenantID {
		return fmt.Errorf("%w: policy %d", iampolicy.ErrTenantMismatch, p.ID)
	}
	s.policies[p.ID] = clonePolicy(p)
	return nil
}

func (s *MemoryPolicyStore) DeletePolicy(_ context.Context, tenantID, policyID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.policies[policyID]
	if !ok {
		return fmt.Errorf("%w: %d", iampolicy.ErrPolicyNotFound, policyID)
	}
	if existing.TenantID != tenantID {
		return fmt.Errorf("%w: policy %d", iampolicy.ErrTenantMismatch, policyID)
	}
	delete(s.policies, policyID)
	return nil
}

func (s *MemoryPolicyStore) GetPolicy(_ context.Context, policyID int64) (*iampolicy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[policyID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", iampolicy.ErrPolicyNotFound, policyID)
	}
	return clonePolicy(p), nil
}

func (s *MemoryPolicyStore) GetPolicyByName(_ context.Context, tenantID int64, name string) (*iampolicy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.policies {
		if p.TenantID == tenantID && p.Name == name {
			return clonePolicy(p), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", iampolicy.ErrPolicyNotFound, name)
}

func (s *MemoryPolicyStore) ExistsByName(_ context.Context, tenantID int64, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.policies {
		if p.TenantID == tenantID && p.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryPolicyStore) ListActivePolicies(_ context.Context, tenantID int64, resource string) ([]*iampolicy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*iampolicy.Policy, 0)
	for _, p := range s.policies {
		if p.TenantID == tenantID && p.Resource == resource && p.Active {
			out = append(out, clonePolicy(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func clonePolicy(p *iampolicy.Policy) *iampolicy.Policy {
	dup := *p
	dup.Actions = append([]string(nil), p.Actions...)
	return &dup
}

// MemoryRoleStore keeps roles, permissions, grants and assignments in maps.
// Safe for concurrent use.
type MemoryRoleStore struct {
	mu          sync.RWMutex
	roles       map[int64]*iampolicy.Role
	permissions map[int64]*iampolicy.Permission
	grants      map[int64]*iampolicy.RolePermission
	assignments map[int64]*iampolicy.UserRoleAssignment
	nextID      int64
}

func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{
		roles:       make(map[int64]*iampolicy.Role),
		permissions: make(map[int64]*iampolicy.Permission),
		grants:      make(map[int64]*iampolicy.RolePermission),
		assignments: make(map[int64]*iampolicy.UserRoleAssignment),
		nextID:      1,
	}
}

func (s *MemoryRoleStore) id() int64 {
	id := s.nextID
	s.nextID++
	return id
}

func (s *MemoryRoleStore) CreateRole(_ context.Context, r *iampolicy.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if existing.TenantID == r.TenantID && existing.Name == r.Name && existing.Scope == r.Scope {
			return fmt.Errorf("role already exists: %s", r.Name)
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.ID = s.id()
	dup := *r
	s.roles[r.ID] = &dup
	return nil
}

func (s *MemoryRoleStore) GetRoleByName(_ context.Context, tenantID int64, name string, scope iampolicy.RoleScope) (*iampolicy.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roles {
		if r.TenantID == tenantID && r.Name == name && r.Scope == scope {
			dup := *r
			return &dup, nil
		}
	}
	return nil, fmt.Errorf("role not found: %s", name)
}

func (s *MemoryRoleStore) CreatePermission(_ context.Context, p *iampolicy.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.permissions {
		if existing.Resource == p.Resource && existing.Action == p.Action {
			return fmt.Errorf("permission already exists: %s %s", p.Resource, p.Action)
		}
	}
	p.ID = s.id()
	dup := *p
	s.permissions[p.ID] = &dup
	return nil
}

func (s *MemoryRoleStore) GetPermission(_ context.Context, resource, action string) (*iampolicy.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.permissions {
		if p.Resource == resource && p.Action == action {
			dup := *p
			return &dup, nil
		}
	}
	return nil, fmt.Errorf("permission not found: %s %s", resource, action)
}

func (s *MemoryRoleStore) GrantPermission(_ context.Context, tenantID, roleID, permissionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return fmt.Errorf("role not found: %d", roleID)
	}
	if _, ok := s.permissions[permissionID]; !ok {
		return fmt.Errorf("permission not found: %d", permissionID)
	}
	for _, g := range s.grants {
		if g.RoleID == roleID && g.PermissionID == permissionID {
			return nil
		}
	}
	id := s.id()
	s.grants[id] = &iampolicy.RolePermission{
		ID:           id,
		TenantID:     tenantID,
		RoleID:       roleID,
		PermissionID: permissionID,
	}
	return nil
}

func (s *MemoryRoleStore) AssignRole(_ context.Context, a *iampolicy.UserRoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[a.RoleID]; !ok {
		return fmt.Errorf("role not found: %d", a.RoleID)
	}
	for _, existing := range s.assignments {
		if existing.TenantID == a.TenantID && existing.UserID == a.UserID &&
			existing.RoleID == a.RoleID && existing.ProjectID == a.ProjectID {
			return fmt.Errorf("assignment already exists")
		}
	}
	a.ID = s.id()
	dup := *a
	dup.Role = nil
	s.assignments[a.ID] = &dup
	return nil
}

func (s *MemoryRoleStore) ListAssignments(_ context.Context, tenantID, userID int64) ([]*iampolicy.UserRoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*iampolicy.UserRoleAssignment, 0)
	for _, a := range s.assignments {
		if a.TenantID != tenantID || a.UserID != userID {
			continue
		}
		role, ok := s.roles[a.RoleID]
		if !ok {
			continue
		}
		dup := *a
		roleDup := *role
		dup.Role = &roleDup
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryRoleStore) ListRolePermissions(_ context.Context, tenantID int64, roleIDs []int64) ([]*iampolicy.RolePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[int64]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		wanted[id] = struct{}{}
	}
	out := make([]*iampolicy.RolePermission, 0)
	for _, g := range s.grants {
		if g.TenantID != tenantID {
			continue
		}
		if _, ok := wanted[g.RoleID]; !ok {
			continue
		}
		role, ok := s.roles[g.RoleID]
		if !ok {
			continue
		}
		perm, ok := s.permissions[g.PermissionID]
		if !ok {
			continue
		}
		dup := *g
		roleDup := *role
		permDup := *perm
		dup.Role = &roleDup
		dup.Permission = &permDup
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
