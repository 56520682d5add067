package iampolicy

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// PolicyEffect is the outcome a policy attaches when its condition matches.
type PolicyEffect string

const (
	EffectAllow PolicyEffect = "ALLOW"
	EffectDeny  PolicyEffect = "DENY"
)

// ParseEffect converts a raw effect string (case-insensitive) into a PolicyEffect.
func ParseEffect(raw string) (PolicyEffect, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(EffectAllow):
		return EffectAllow, nil
	case string(EffectDeny):
		return EffectDeny, nil
	}
	return "", fmt.Errorf("unknown policy effect: %s", raw)
}

// RoleScope is the breadth a role applies at.
type RoleScope string

const (
	ScopeSystem  RoleScope = "SYSTEM"
	ScopeTenant  RoleScope = "TENANT"
	ScopeProject RoleScope = "PROJECT"
)

// ParseRoleScope converts a raw scope string (case-insensitive) into a RoleScope.
func ParseRoleScope(raw string) (RoleScope, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(ScopeSystem):
		return ScopeSystem, nil
	case string(ScopeTenant):
		return ScopeTenant, nil
	case string(ScopeProject):
		return ScopeProject, nil
	}
	return "", fmt.Errorf("unknown role scope: %s", raw)
}

// NoProject is the sentinel project id meaning "not scoped to any project".
// An assignment carrying it applies to every project in the tenant.
const NoProject int64 = 0

// DefaultPolicyPriority is assigned when a create command omits priority.
// Lower numbers evaluate first.
const DefaultPolicyPriority = 100

// Permission is the minimal grantable unit: one action on one resource.
// Identity is immutable and unique per (resource, action).
type Permission struct {
	ID       int64  `json:"id"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// Role groups permissions under a name within a tenant. Unique per
// (tenant, name, scope).
type Role struct {
	ID          int64     `json:"id"`
	TenantID    int64     `json:"tenant_id"`
	Name        string    `json:"name"`
	Scope       RoleScope `json:"scope"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RolePermission grants one permission to one role. Unique per
// (role, permission). Stores hydrate Role and Permission on read.
type RolePermission struct {
	ID           int64       `json:"id"`
	TenantID     int64       `json:"tenant_id"`
	RoleID       int64       `json:"role_id"`
	PermissionID int64       `json:"permission_id"`
	Role         *Role       `json:"role,omitempty"`
	Permission   *Permission `json:"permission,omitempty"`
}

// UserRoleAssignment grants a role to a user, optionally scoped to one
// project (ProjectID == NoProject means all projects). Unique per
// (tenant, user, role, project). Stores hydrate Role on read.
type UserRoleAssignment struct {
	ID        int64 `json:"id"`
	TenantID  int64 `json:"tenant_id"`
	UserID    int64 `json:"user_id"`
	RoleID    int64 `json:"role_id"`
	ProjectID int64 `json:"project_id"`
	Role      *Role `json:"role,omitempty"`
}

// Policy is one stored ABAC rule: condition JSON plus the resource/actions it
// covers and the effect it carries. Unique per (tenant, name). The evaluator
// treats rows as read-only; mutation goes through the ChangeService.
type Policy struct {
	ID            int64        `json:"id"`
	TenantID      int64        `json:"tenant_id"`
	Name          string       `json:"name"`
	Resource      string       `json:"resource"`
	Actions       []string     `json:"actions"`
	Effect        PolicyEffect `json:"effect"`
	ConditionJSON string       `json:"condition_json"`
	Priority      int          `json:"priority"`
	Active        bool         `json:"active"`
	Description   string       `json:"description,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Validate checks the invariants every persisted policy must hold.
func (p *Policy) Validate() error {
	if p.TenantID < 0 {
		return fmt.Errorf("tenant id must not be negative")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("policy name must not be blank")
	}
	if strings.TrimSpace(p.Resource) == "" {
		return fmt.Errorf("policy resource must not be blank")
	}
	if strings.TrimSpace(p.ConditionJSON) == "" {
		return fmt.Errorf("policy condition json must not be blank")
	}
	if p.Priority < 0 {
		return fmt.Errorf("policy priority must be >= 0")
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("policy requires at least one action")
	}
	return nil
}

// NormalizeActions trims, drops empties, dedupes and sorts an action set.
// An empty result is an error: every policy needs at least one action.
func NormalizeActions(actions []string) ([]string, error) {
	seen := make(map[string]struct{}, len(actions))
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("action set must not be empty")
	}
	sort.Strings(out)
	return out, nil
}

// Region codes are compared all over policy conditions, so they are forced
// into one canonical shape before storage or comparison.
var regionCodePattern = regexp.MustCompile(`^[A-Za-z0-9-]{2,20}$`)

// NormalizeRegionCode trims, validates and uppercases a region code.
func NormalizeRegionCode(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("region code must not be blank")
	}
	if !regionCodePattern.MatchString(trimmed) {
		return "", fmt.Errorf("region code must be 2-20 letters, digits or hyphens: %s", raw)
	}
	return strings.ToUpper(trimmed), nil
}

// ============================================================================
// ERRORS
// ============================================================================

var (
	// ErrPolicyNotFound is returned when a policy id resolves to nothing.
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrDuplicatePolicyName is returned when (tenant, name) is already taken.
	ErrDuplicatePolicyName = errors.New("policy name already exists for tenant")
	// ErrTenantMismatch is returned when a mutation targets another tenant's policy.
	ErrTenantMismatch = errors.New("policy belongs to a different tenant")
)
