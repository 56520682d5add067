package iampolicy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudgate/iampolicy/logger"
)

// ============================================================================
// POLICY CHANGE SERVICE
// ============================================================================

// ChangeService owns every policy mutation. It validates the condition DSL at
// write time so malformed policies never reach storage, enforces per-tenant
// name uniqueness, and emits one audit event per successful change.
type ChangeService struct {
	policies PolicyStore
	audit    AuditPublisher
	parser   *Parser
	logger   logger.Logger
	source   string
	now      func() time.Time
}

// ChangeOption configures optional change service behavior.
type ChangeOption func(*ChangeService)

// WithChangeLogger sets the logger for mutation and audit failure output.
func WithChangeLogger(l logger.Logger) ChangeOption {
	return func(s *ChangeService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAuditSource overrides the source name stamped on audit events.
func WithAuditSource(source string) ChangeOption {
	return func(s *ChangeService) {
		if source != "" {
			s.source = source
		}
	}
}

// WithClock overrides the time source, used by tests for stable timestamps.
func WithClock(now func() time.Time) ChangeOption {
	return func(s *ChangeService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewChangeService builds a change service. A nil publisher disables audit
// output.
func NewChangeService(policies PolicyStore, audit AuditPublisher, opts ...ChangeOption) *ChangeService {
	s := &ChangeService{
		policies: policies,
		audit:    audit,
		parser:   NewParser(),
		logger:   logger.NewPhusluLogger(),
		source:   "iam-policy-service",
		now:      time.Now,
	}
	if s.audit == nil {
		s.audit = NopAuditPublisher{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Actor identifies who requested a change, for the audit trail.
type Actor struct {
	ID   *int64
	Name string
}

// CreatePolicyCommand carries everything needed to create one policy.
// Priority and Active are optional; omitted they default to
// DefaultPolicyPriority and true.
type CreatePolicyCommand struct {
	TenantID      int64
	Name          string
	Resource      string
	Actions       []string
	Effect        PolicyEffect
	ConditionJSON string
	Priority      *int
	Active        *bool
	Description   string
	Actor         Actor
}

// CreatePolicy validates and stores a new policy, then emits a CREATED event.
func (s *ChangeService) CreatePolicy(ctx context.Context, cmd CreatePolicyCommand) (*Policy, error) {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return nil, fmt.Errorf("policy name must not be blank")
	}
	exists, err := s.policies.ExistsByName(ctx, cmd.TenantID, name)
	if err != nil {
		return nil, fmt.Errorf("check policy name: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePolicyName, name)
	}

	actions, err := NormalizeActions(cmd.Actions)
	if err != nil {
		return nil, fmt.Errorf("policy actions: %w", err)
	}
	if _, err := s.parser.Parse(cmd.Resource, actions, cmd.Effect, cmd.ConditionJSON); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	priority := DefaultPolicyPriority
	if cmd.Priority != nil {
		priority = *cmd.Priority
	}
	active := true
	if cmd.Active != nil {
		active = *cmd.Active
	}

	now := s.now()
	pol := &Policy{
		TenantID:      cmd.TenantID,
		Name:          name,
		Resource:      strings.TrimSpace(cmd.Resource),
		Actions:       actions,
		Effect:        cmd.Effect,
		ConditionJSON: cmd.ConditionJSON,
		Priority:      priority,
		Active:        active,
		Description:   strings.TrimSpace(cmd.Description),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := pol.Validate(); err != nil {
		return nil, err
	}
	if err := s.policies.CreatePolicy(ctx, pol); err != nil {
		return nil, fmt.Errorf("store policy: %w", err)
	}

	s.logger.Info("policy created",
		"tenant_id", pol.TenantID, "policy_id", pol.ID, "name", pol.Name)
	s.publish(ctx, pol, cmd.Actor, ChangeCreated, "created")
	return pol, nil
}

// UpdatePolicyCommand carries a partial update. Nil fields are unchanged.
type UpdatePolicyCommand struct {
	TenantID      int64
	PolicyID      int64
	Name          *string
	Resource      *string
	Actions       []string
	Effect        *PolicyEffect
	ConditionJSON *string
	Priority      *int
	Active        *bool
	Description   *string
	Actor         Actor
}

// UpdatePolicy applies the non-nil fields of the command, persists only when
// something actually changed, and emits an UPDATED event whose summary lists
// the changed fields. A command that changes nothing yields a "no-op" event
// and no write.
func (s *ChangeService) UpdatePolicy(ctx context.Context, cmd UpdatePolicyCommand) (*Policy, error) {
	pol, err := s.policies.GetPolicy(ctx, cmd.PolicyID)
	if err != nil {
		return nil, err
	}
	if pol.TenantID != cmd.TenantID {
		return nil, fmt.Errorf("%w: policy %d", ErrTenantMismatch, cmd.PolicyID)
	}

	var changed []string

	if cmd.Name != nil {
		name := strings.TrimSpace(*cmd.Name)
		if name == "" {
			return nil, fmt.Errorf("policy name must not be blank")
		}
		if name != pol.Name {
			exists, err := s.policies.ExistsByName(ctx, cmd.TenantID, name)
			if err != nil {
				return nil, fmt.Errorf("check policy name: %w", err)
			}
			if exists {
				return nil, fmt.Errorf("%w: %s", ErrDuplicatePolicyName, name)
			}
			pol.Name = name
			changed = append(changed, "name")
		}
	}
	if cmd.Resource != nil {
		resource := strings.TrimSpace(*cmd.Resource)
		if resource != pol.Resource {
			pol.Resource = resource
			changed = append(changed, "resource")
		}
	}
	if cmd.Actions != nil {
		actions, err := NormalizeActions(cmd.Actions)
		if err != nil {
			return nil, fmt.Errorf("policy actions: %w", err)
		}
		if !equalStrings(actions, pol.Actions) {
			pol.Actions = actions
			changed = append(changed, "actions")
		}
	}
	if cmd.Effect != nil && *cmd.Effect != pol.Effect {
		pol.Effect = *cmd.Effect
		changed = append(changed, "effect")
	}
	if cmd.ConditionJSON != nil && *cmd.ConditionJSON != pol.ConditionJSON {
		pol.ConditionJSON = *cmd.ConditionJSON
		changed = append(changed, "condition")
	}
	if cmd.Priority != nil && *cmd.Priority != pol.Priority {
		pol.Priority = *cmd.Priority
		changed = append(changed, "priority")
	}
	if cmd.Description != nil {
		desc := strings.TrimSpace(*cmd.Description)
		if desc != pol.Description {
			pol.Description = desc
			changed = append(changed, "description")
		}
	}
	if cmd.Active != nil && *cmd.Active != pol.Active {
		pol.Active = *cmd.Active
		if pol.Active {
			changed = append(changed, "activated")
		} else {
			changed = append(changed, "deactivated")
		}
	}

	summary := "no-op"
	if len(changed) > 0 {
		// Re-validate the merged row so a partial update cannot leave a
		// malformed policy behind.
		if _, err := s.parser.Parse(pol.Resource, pol.Actions, pol.Effect, pol.ConditionJSON); err != nil {
			return nil, fmt.Errorf("invalid policy: %w", err)
		}
		if err := pol.Validate(); err != nil {
			return nil, err
		}
		pol.UpdatedAt = s.now()
		if err := s.policies.UpdatePolicy(ctx, pol); err != nil {
			return nil, fmt.Errorf("store policy: %w", err)
		}
		summary = strings.Join(changed, ",")
	}

	s.logger.Info("policy updated",
		"tenant_id", pol.TenantID, "policy_id", pol.ID, "summary", summary)
	s.publish(ctx, pol, cmd.Actor, ChangeUpdated, summary)
	return pol, nil
}

// DeletePolicy removes a policy and emits a DELETED event carrying its final
// snapshot.
func (s *ChangeService) DeletePolicy(ctx context.Context, tenantID, policyID int64, actor Actor) error {
	pol, err := s.policies.GetPolicy(ctx, policyID)
	if err != nil {
		return err
	}
	if pol.TenantID != tenantID {
		return fmt.Errorf("%w: policy %d", ErrTenantMismatch, policyID)
	}
	if err := s.policies.DeletePolicy(ctx, tenantID, policyID); err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}

	s.logger.Info("policy deleted",
		"tenant_id", tenantID, "policy_id", policyID, "name", pol.Name)
	s.publish(ctx, pol, actor, ChangeDeleted, "deleted")
	return nil
}

// publish emits one audit event, logging and swallowing any failure so a
// broken audit sink never fails the mutation that already committed.
func (s *ChangeService) publish(ctx context.Context, pol *Policy, actor Actor, change PolicyChangeType, summary string) {
	event := &PolicyChangeAuditEvent{
		EventID:       NewAuditEventID(),
		EventType:     AuditEventType,
		Version:       AuditEventVersion,
		OccurredAt:    s.now(),
		Source:        s.source,
		TenantID:      pol.TenantID,
		PolicyID:      pol.ID,
		PolicyName:    pol.Name,
		Resource:      pol.Resource,
		Actions:       pol.Actions,
		Effect:        pol.Effect,
		Priority:      pol.Priority,
		Active:        pol.Active,
		ActorID:       actor.ID,
		ActorName:     actor.Name,
		ChangeType:    change,
		ChangeSummary: summary,
	}
	if err := s.audit.Publish(ctx, event); err != nil {
		s.logger.Error("audit publish failed",
			"tenant_id", pol.TenantID,
			"policy_id", pol.ID,
			"change_type", string(change),
			"error", err.Error())
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
