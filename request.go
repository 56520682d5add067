package iampolicy

import (
	"fmt"
	"strings"
)

// Reserved attribute keys the server injects. Callers cannot spoof these:
// whatever they supply under the same keys is replaced during normalization.
const (
	// ResourceRegionAttr is where the verified resource region lands in the
	// resource attribute map.
	ResourceRegionAttr = "region"
	// TenantRegionAttr is where the verified tenant region lands in the
	// environment attribute map.
	TenantRegionAttr = "tenantRegion"
)

// EvaluationRequest is one authorization question: may user U of tenant T
// perform action A on resource R, given these attributes. It is read-only
// input; evaluation mutates nothing.
type EvaluationRequest struct {
	TenantID              int64               `json:"tenant_id"`
	UserID                int64               `json:"user_id"`
	Resource              string              `json:"resource"`
	Action                string              `json:"action"`
	TenantRegion          string              `json:"tenant_region"`
	ResourceRegion        string              `json:"resource_region,omitempty"`
	ProjectID             int64               `json:"project_id,omitempty"`
	UserAttributes        map[string][]string `json:"user_attributes,omitempty"`
	ResourceAttributes    map[string][]string `json:"resource_attributes,omitempty"`
	EnvironmentAttributes map[string][]string `json:"environment_attributes,omitempty"`
}

// Validate rejects requests the evaluator must never see.
func (r *EvaluationRequest) Validate() error {
	if r.TenantID <= 0 {
		return fmt.Errorf("tenant id must be positive")
	}
	if r.UserID <= 0 {
		return fmt.Errorf("user id must be positive")
	}
	if strings.TrimSpace(r.Resource) == "" {
		return fmt.Errorf("resource must not be blank")
	}
	if strings.TrimSpace(r.Action) == "" {
		return fmt.Errorf("action must not be blank")
	}
	if _, err := NormalizeRegionCode(r.TenantRegion); err != nil {
		return fmt.Errorf("tenant region: %w", err)
	}
	if r.ResourceRegion != "" {
		if _, err := NormalizeRegionCode(r.ResourceRegion); err != nil {
			return fmt.Errorf("resource region: %w", err)
		}
	}
	if r.ProjectID < 0 {
		return fmt.Errorf("project id must not be negative")
	}
	return nil
}

// AttributeContext builds the per-request attribute maps the condition tree
// is evaluated against. The verified tenant region is always force-written
// into the environment map, and the verified resource region (when present)
// into the resource map, overriding any caller-supplied values under the
// reserved keys.
func (r *EvaluationRequest) AttributeContext() (AttributeContext, error) {
	user, err := normalizeAttributes(r.UserAttributes, "")
	if err != nil {
		return AttributeContext{}, fmt.Errorf("user attributes: %w", err)
	}
	resource, err := normalizeAttributes(r.ResourceAttributes, ResourceRegionAttr)
	if err != nil {
		return AttributeContext{}, fmt.Errorf("resource attributes: %w", err)
	}
	env, err := normalizeAttributes(r.EnvironmentAttributes, TenantRegionAttr)
	if err != nil {
		return AttributeContext{}, fmt.Errorf("environment attributes: %w", err)
	}

	tenantRegion, err := NormalizeRegionCode(r.TenantRegion)
	if err != nil {
		return AttributeContext{}, fmt.Errorf("tenant region: %w", err)
	}
	env[TenantRegionAttr] = []string{tenantRegion}

	if r.ResourceRegion != "" {
		resourceRegion, err := NormalizeRegionCode(r.ResourceRegion)
		if err != nil {
			return AttributeContext{}, fmt.Errorf("resource region: %w", err)
		}
		resource[ResourceRegionAttr] = []string{resourceRegion}
	}

	return AttributeContext{User: user, Resource: resource, Environment: env}, nil
}

// normalizeAttributes trims keys and values, drops empties, and normalizes
// values under the reserved region key as region codes.
func normalizeAttributes(raw map[string][]string, reservedRegionKey string) (map[string][]string, error) {
	out := make(map[string][]string, len(raw))
	for key, values := range raw {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		sanitized := make([]string, 0, len(values))
		for _, v := range values {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if key == reservedRegionKey && reservedRegionKey != "" {
				normalized, err := NormalizeRegionCode(v)
				if err != nil {
					return nil, fmt.Errorf("attribute %q: %w", key, err)
				}
				v = normalized
			}
			sanitized = append(sanitized, v)
		}
		if len(sanitized) == 0 {
			continue
		}
		out[key] = sanitized
	}
	return out, nil
}

// AttributeContext holds the three scoped attribute maps a condition tree
// reads from during evaluation.
type AttributeContext struct {
	User        map[string][]string
	Resource    map[string][]string
	Environment map[string][]string
}

// Values looks up the attribute values at (scope, path). Missing attributes
// return an empty list, which every operator treats as a non-match.
func (c AttributeContext) Values(scope AttributeScope, path string) []string {
	switch scope {
	case ScopeUser:
		return c.User[path]
	case ScopeResource:
		return c.Resource[path]
	case ScopeEnvironment:
		return c.Environment[path]
	}
	return nil
}

// DecisionReason explains which gate produced a decision.
type DecisionReason string

const (
	// ReasonRBACDenyNoApplicableRole - no role assignment applies to the request scope.
	ReasonRBACDenyNoApplicableRole DecisionReason = "RBAC_DENY_NO_APPLICABLE_ROLE"
	// ReasonRBACDenyNoPermission - roles exist but none grants the resource/action.
	ReasonRBACDenyNoPermission DecisionReason = "RBAC_DENY_NO_PERMISSION"
	// ReasonABACDenyExplicit - a matching policy carries effect DENY.
	ReasonABACDenyExplicit DecisionReason = "ABAC_DENY_EXPLICIT"
	// ReasonABACAllow - a matching policy carries effect ALLOW and no DENY matched.
	ReasonABACAllow DecisionReason = "ABAC_ALLOW"
	// ReasonABACSkippedNoPolicy - no applicable policy, RBAC result stands.
	ReasonABACSkippedNoPolicy DecisionReason = "ABAC_SKIPPED_NO_POLICY"
)

// Decision is the evaluation outcome. MatchedPolicyID is zero when no policy
// determined the outcome (policy ids are always positive).
type Decision struct {
	Allowed          bool           `json:"allowed"`
	Reason           DecisionReason `json:"reason"`
	MatchedRoleNames []string       `json:"matched_role_names,omitempty"`
	MatchedPolicyID  int64          `json:"matched_policy_id,omitempty"`
}
