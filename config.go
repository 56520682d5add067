package iampolicy

import (
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// SEED CONFIGURATION
// ============================================================================

// Config is a declarative seed for roles, permissions and policies. It is
// loaded from YAML or JSON and applied idempotently: existing roles,
// permissions and policies are left alone, everything referenced by name is
// resolved to its stored id.
type Config struct {
	Version     int                `json:"version" yaml:"version"`
	Permissions []PermissionConfig `json:"permissions" yaml:"permissions"`
	Roles       []RoleConfig       `json:"roles" yaml:"roles"`
	Assignments []AssignmentConfig `json:"assignments" yaml:"assignments"`
	Policies    []PolicyConfig     `json:"policies" yaml:"policies"`
}

type PermissionConfig struct {
	Resource string `json:"resource" yaml:"resource"`
	Action   string `json:"action" yaml:"action"`
}

type RoleConfig struct {
	TenantID    int64  `json:"tenant_id" yaml:"tenant_id"`
	Name        string `json:"name" yaml:"name"`
	Scope       string `json:"scope" yaml:"scope"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Grants reference permissions by resource/action pair.
	Grants []PermissionConfig `json:"grants" yaml:"grants"`
}

type AssignmentConfig struct {
	TenantID  int64  `json:"tenant_id" yaml:"tenant_id"`
	UserID    int64  `json:"user_id" yaml:"user_id"`
	Role      string `json:"role" yaml:"role"`
	RoleScope string `json:"role_scope" yaml:"role_scope"`
	ProjectID int64  `json:"project_id,omitempty" yaml:"project_id,omitempty"`
}

type PolicyConfig struct {
	TenantID    int64    `json:"tenant_id" yaml:"tenant_id"`
	Name        string   `json:"name" yaml:"name"`
	Resource    string   `json:"resource" yaml:"resource"`
	Actions     []string `json:"actions" yaml:"actions"`
	Effect      string   `json:"effect" yaml:"effect"`
	Condition   string   `json:"condition" yaml:"condition"`
	Priority    *int     `json:"priority,omitempty" yaml:"priority,omitempty"`
	Active      *bool    `json:"active,omitempty" yaml:"active,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// ConfigLoader loads seed configuration from various formats.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML exports config to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON.
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks every policy in the config parses, without touching any
// store. Role scopes and effects are validated as well.
func (c *Config) Validate() error {
	parser := NewParser()
	for _, rc := range c.Roles {
		if _, err := ParseRoleScope(rc.Scope); err != nil {
			return fmt.Errorf("role %s: %w", rc.Name, err)
		}
	}
	for _, ac := range c.Assignments {
		if _, err := ParseRoleScope(ac.RoleScope); err != nil {
			return fmt.Errorf("assignment for user %d: %w", ac.UserID, err)
		}
	}
	for _, pc := range c.Policies {
		effect, err := ParseEffect(pc.Effect)
		if err != nil {
			return fmt.Errorf("policy %s: %w", pc.Name, err)
		}
		if _, err := parser.Parse(pc.Resource, pc.Actions, effect, pc.Condition); err != nil {
			return fmt.Errorf("policy %s: %w", pc.Name, err)
		}
	}
	return nil
}

// Apply seeds the stores. Permissions and roles are looked up first and only
// created when missing; policies go through the change service so the usual
// validation and audit trail apply. Policies whose name is already taken are
// skipped.
func (c *Config) Apply(ctx context.Context, roles RoleAdminStore, changes *ChangeService) error {
	if err := c.Validate(); err != nil {
		return err
	}

	for _, pc := range c.Permissions {
		if _, err := c.ensurePermission(ctx, roles, pc); err != nil {
			return err
		}
	}

	for _, rc := range c.Roles {
		scope, _ := ParseRoleScope(rc.Scope)
		role, err := roles.GetRoleByName(ctx, rc.TenantID, rc.Name, scope)
		if err != nil {
			role = &Role{TenantID: rc.TenantID, Name: rc.Name, Scope: scope, Description: rc.Description}
			if err := roles.CreateRole(ctx, role); err != nil {
				return fmt.Errorf("create role %s: %w", rc.Name, err)
			}
		}
		existing, err := roles.ListRolePermissions(ctx, rc.TenantID, []int64{role.ID})
		if err != nil {
			return fmt.Errorf("list grants for role %s: %w", rc.Name, err)
		}
		granted := make(map[int64]struct{}, len(existing))
		for _, g := range existing {
			granted[g.PermissionID] = struct{}{}
		}
		for _, grant := range rc.Grants {
			perm, err := c.ensurePermission(ctx, roles, grant)
			if err != nil {
				return err
			}
			if _, ok := granted[perm.ID]; ok {
				continue
			}
			if err := roles.GrantPermission(ctx, rc.TenantID, role.ID, perm.ID); err != nil {
				return fmt.Errorf("grant %s %s to role %s: %w", grant.Resource, grant.Action, rc.Name, err)
			}
		}
	}

	for _, ac := range c.Assignments {
		scope, _ := ParseRoleScope(ac.RoleScope)
		role, err := roles.GetRoleByName(ctx, ac.TenantID, ac.Role, scope)
		if err != nil {
			return fmt.Errorf("assignment for user %d: %w", ac.UserID, err)
		}
		current, err := roles.ListAssignments(ctx, ac.TenantID, ac.UserID)
		if err != nil {
			return fmt.Errorf("list assignments for user %d: %w", ac.UserID, err)
		}
		already := false
		for _, a := range current {
			if a.RoleID == role.ID && a.ProjectID == ac.ProjectID {
				already = true
				break
			}
		}
		if already {
			continue
		}
		assignment := &UserRoleAssignment{
			TenantID:  ac.TenantID,
			UserID:    ac.UserID,
			RoleID:    role.ID,
			ProjectID: ac.ProjectID,
		}
		if err := roles.AssignRole(ctx, assignment); err != nil {
			return fmt.Errorf("assign role %s to user %d: %w", ac.Role, ac.UserID, err)
		}
	}

	for _, pc := range c.Policies {
		effect, _ := ParseEffect(pc.Effect)
		exists, err := changes.policies.ExistsByName(ctx, pc.TenantID, pc.Name)
		if err != nil {
			return fmt.Errorf("check policy %s: %w", pc.Name, err)
		}
		if exists {
			continue
		}
		_, err = changes.CreatePolicy(ctx, CreatePolicyCommand{
			TenantID:      pc.TenantID,
			Name:          pc.Name,
			Resource:      pc.Resource,
			Actions:       pc.Actions,
			Effect:        effect,
			ConditionJSON: pc.Condition,
			Priority:      pc.Priority,
			Active:        pc.Active,
			Description:   pc.Description,
			Actor:         Actor{Name: "seed-config"},
		})
		if err != nil {
			return fmt.Errorf("create policy %s: %w", pc.Name, err)
		}
	}

	return nil
}

func (c *Config) ensurePermission(ctx context.Context, roles RoleAdminStore, pc PermissionConfig) (*Permission, error) {
	perm, err := roles.GetPermission(ctx, pc.Resource, pc.Action)
	if err == nil {
		return perm, nil
	}
	perm = &Permission{Resource: pc.Resource, Action: pc.Action}
	if err := roles.CreatePermission(ctx, perm); err != nil {
		return nil, fmt.Errorf("create permission %s %s: %w", pc.Resource, pc.Action, err)
	}
	return perm, nil
}
