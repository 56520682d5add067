package iampolicy

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dgraph-io/ristretto"

	"github.com/cloudgate/iampolicy/logger"
	"github.com/cloudgate/iampolicy/utils"
)

// ============================================================================
// EVALUATOR
// ============================================================================

// Evaluator answers authorization requests through two sequential gates.
// The RBAC gate checks role assignments and role permissions; only when it
// passes does the ABAC gate scan active policies for the requested resource.
// Evaluation never mutates stored state and never returns a partial decision:
// any store or parse failure surfaces as an error, not as a deny.
type Evaluator struct {
	policies   PolicyStore
	roles      RoleStore
	parser     *Parser
	conditions *ristretto.Cache
	logger     logger.Logger

	conditionCacheCost int64
}

// EvaluatorOption configures optional evaluator behavior.
type EvaluatorOption func(*Evaluator)

// WithLogger sets the logger used for per-decision debug output.
func WithLogger(l logger.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithConditionCacheSize overrides the parsed-condition cache capacity,
// expressed in bytes of condition JSON.
func WithConditionCacheSize(maxCost int64) EvaluatorOption {
	return func(e *Evaluator) {
		if maxCost > 0 {
			e.conditionCacheCost = maxCost
		}
	}
}

// NewEvaluator builds an evaluator over the given stores. The parsed
// condition trees of active policies are cached keyed by their JSON text, so
// repeated evaluations of the same tenant skip re-parsing.
func NewEvaluator(policies PolicyStore, roles RoleStore, opts ...EvaluatorOption) (*Evaluator, error) {
	e := &Evaluator{
		policies:           policies,
		roles:              roles,
		parser:             NewParser(),
		logger:             logger.NewPhusluLogger(),
		conditionCacheCost: 4 << 20,
	}
	for _, opt := range opts {
		opt(e)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     e.conditionCacheCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create condition cache: %w", err)
	}
	e.conditions = cache
	return e, nil
}

// Close releases the condition cache.
func (e *Evaluator) Close() {
	if e.conditions != nil {
		e.conditions.Close()
	}
}

// Evaluate runs both gates and returns the decision. An RBAC deny short
// circuits the policy scan entirely.
func (e *Evaluator) Evaluate(ctx context.Context, req *EvaluationRequest) (*Decision, error) {
	if req == nil {
		return nil, fmt.Errorf("evaluation request is nil")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid evaluation request: %w", err)
	}

	gate, err := e.evaluateRBAC(ctx, req)
	if err != nil {
		return nil, err
	}
	if !gate.passed {
		e.logger.Debug("rbac denied",
			"tenant_id", req.TenantID, "user_id", req.UserID,
			"resource", req.Resource, "action", req.Action,
			"reason", string(gate.reason))
		return &Decision{Allowed: false, Reason: gate.reason, MatchedRoleNames: gate.roleNames}, nil
	}

	decision, err := e.evaluateABAC(ctx, req, gate.roleNames)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("decision",
		"tenant_id", req.TenantID, "user_id", req.UserID,
		"resource", req.Resource, "action", req.Action,
		"allowed", decision.Allowed, "reason", string(decision.Reason))
	return decision, nil
}

type rbacOutcome struct {
	passed    bool
	reason    DecisionReason
	roleNames []string
}

// evaluateRBAC finds the user's applicable role assignments and checks
// whether any granted permission covers the requested resource and action.
func (e *Evaluator) evaluateRBAC(ctx context.Context, req *EvaluationRequest) (rbacOutcome, error) {
	assignments, err := e.roles.ListAssignments(ctx, req.TenantID, req.UserID)
	if err != nil {
		return rbacOutcome{}, fmt.Errorf("list role assignments: %w", err)
	}

	applicable := make([]*UserRoleAssignment, 0, len(assignments))
	for _, a := range assignments {
		if a == nil || a.Role == nil {
			continue
		}
		if a.Role.TenantID != req.TenantID {
			continue
		}
		if assignmentApplies(a, req.ProjectID) {
			applicable = append(applicable, a)
		}
	}
	if len(applicable) == 0 {
		return rbacOutcome{reason: ReasonRBACDenyNoApplicableRole}, nil
	}

	roleIDs := make([]int64, 0, len(applicable))
	seenRole := make(map[int64]struct{}, len(applicable))
	for _, a := range applicable {
		if _, ok := seenRole[a.Role.ID]; ok {
			continue
		}
		seenRole[a.Role.ID] = struct{}{}
		roleIDs = append(roleIDs, a.Role.ID)
	}

	mappings, err := e.roles.ListRolePermissions(ctx, req.TenantID, roleIDs)
	if err != nil {
		return rbacOutcome{}, fmt.Errorf("list role permissions: %w", err)
	}

	matched := make([]string, 0, len(mappings))
	for _, m := range mappings {
		if m == nil || m.Permission == nil || m.Role == nil {
			continue
		}
		if m.TenantID != req.TenantID {
			continue
		}
		if m.Permission.Resource != req.Resource {
			continue
		}
		if !utils.MatchActionPattern(m.Permission.Action, req.Action) {
			continue
		}
		matched = append(matched, m.Role.Name)
	}
	if len(matched) == 0 {
		names := make([]string, 0, len(applicable))
		for _, a := range applicable {
			names = append(names, a.Role.Name)
		}
		return rbacOutcome{reason: ReasonRBACDenyNoPermission, roleNames: sortedUnique(names)}, nil
	}
	return rbacOutcome{passed: true, roleNames: sortedUnique(matched)}, nil
}

// assignmentApplies checks an assignment against the request scope. SYSTEM
// and TENANT roles always apply; PROJECT roles apply when the assignment is
// tenant-wide (NoProject) or targets the requested project.
func assignmentApplies(a *UserRoleAssignment, projectID int64) bool {
	switch a.Role.Scope {
	case ScopeSystem, ScopeTenant:
		return true
	case ScopeProject:
		return a.ProjectID == NoProject || a.ProjectID == projectID
	}
	return false
}

// evaluateABAC scans active policies in (priority, id) order. The first
// matching DENY wins immediately. The first matching ALLOW is recorded but
// the scan continues so a later DENY can still override it. No applicable
// policy at all means the RBAC result stands.
func (e *Evaluator) evaluateABAC(ctx context.Context, req *EvaluationRequest, roleNames []string) (*Decision, error) {
	policies, err := e.policies.ListActivePolicies(ctx, req.TenantID, req.Resource)
	if err != nil {
		return nil, fmt.Errorf("list active policies: %w", err)
	}
	if len(policies) == 0 {
		return &Decision{Allowed: true, Reason: ReasonABACSkippedNoPolicy, MatchedRoleNames: roleNames}, nil
	}

	attrs, err := req.AttributeContext()
	if err != nil {
		return nil, fmt.Errorf("build attribute context: %w", err)
	}

	var allowedPolicyID int64
	for _, pol := range policies {
		if !utils.MatchAnyAction(pol.Actions, req.Action) {
			continue
		}
		condition, err := e.conditionFor(pol)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", pol.ID, err)
		}
		if !evalNode(condition, attrs) {
			continue
		}
		if pol.Effect == EffectDeny {
			return &Decision{
				Allowed:          false,
				Reason:           ReasonABACDenyExplicit,
				MatchedRoleNames: roleNames,
				MatchedPolicyID:  pol.ID,
			}, nil
		}
		if allowedPolicyID == 0 {
			allowedPolicyID = pol.ID
		}
	}

	if allowedPolicyID != 0 {
		return &Decision{
			Allowed:          true,
			Reason:           ReasonABACAllow,
			MatchedRoleNames: roleNames,
			MatchedPolicyID:  allowedPolicyID,
		}, nil
	}
	return &Decision{Allowed: true, Reason: ReasonABACSkippedNoPolicy, MatchedRoleNames: roleNames}, nil
}

// conditionFor returns the parsed condition tree for a policy row, consulting
// the cache first. Cache entries are keyed by the JSON text itself, so an
// update that changes the condition naturally misses.
func (e *Evaluator) conditionFor(pol *Policy) (ConditionNode, error) {
	if cached, ok := e.conditions.Get(pol.ConditionJSON); ok {
		if node, ok := cached.(ConditionNode); ok {
			return node, nil
		}
	}
	_, node, err := e.parser.ParseCondition(pol.ConditionJSON)
	if err != nil {
		return nil, fmt.Errorf("parse condition: %w", err)
	}
	e.conditions.Set(pol.ConditionJSON, node, int64(len(pol.ConditionJSON)))
	return node, nil
}

// ============================================================================
// CONDITION EVALUATION
// ============================================================================

// evalNode folds a condition tree against the request attributes.
func evalNode(node ConditionNode, attrs AttributeContext) bool {
	switch n := node.(type) {
	case AllConditions:
		for _, child := range n.Conditions {
			if !evalNode(child, attrs) {
				return false
			}
		}
		return true
	case AnyConditions:
		for _, child := range n.Conditions {
			if evalNode(child, attrs) {
				return true
			}
		}
		return false
	case NotCondition:
		return !evalNode(n.Condition, attrs)
	case MatchCondition:
		return evalMatch(n, attrs)
	}
	return false
}

// evalMatch evaluates one leaf. A missing attribute never matches, whatever
// the operator, and malformed operands (bad CIDR, bad number) fail closed.
func evalMatch(m MatchCondition, attrs AttributeContext) bool {
	actual := attrs.Values(m.Attribute.Scope, m.Attribute.Path)
	if len(actual) == 0 {
		return false
	}

	switch m.Operator {
	case OpEQ:
		return containsString(actual, m.Values[0])
	case OpNEQ:
		return !containsString(actual, m.Values[0])
	case OpIn:
		for _, v := range actual {
			if containsString(m.Values, v) {
				return true
			}
		}
		return false
	case OpNotIn:
		for _, v := range actual {
			if containsString(m.Values, v) {
				return false
			}
		}
		return true
	case OpContains:
		for _, v := range actual {
			if strings.Contains(v, m.Values[0]) {
				return true
			}
		}
		return false
	case OpCIDR:
		for _, v := range actual {
			if cidrContains(m.Values[0], v) {
				return true
			}
		}
		return false
	case OpRegex:
		re, err := regexp.Compile(`\A(?:` + m.Values[0] + `)\z`)
		if err != nil {
			return false
		}
		for _, v := range actual {
			if re.MatchString(v) {
				return true
			}
		}
		return false
	case OpGT, OpGTE, OpLT, OpLTE:
		bound, err := strconv.ParseFloat(m.Values[0], 64)
		if err != nil {
			return false
		}
		for _, v := range actual {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				continue
			}
			if compareNumeric(m.Operator, n, bound) {
				return true
			}
		}
		return false
	case OpBetween:
		lo, err := strconv.ParseFloat(m.Values[0], 64)
		if err != nil {
			return false
		}
		hi, err := strconv.ParseFloat(m.Values[1], 64)
		if err != nil {
			return false
		}
		for _, v := range actual {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				continue
			}
			if n >= lo && n <= hi {
				return true
			}
		}
		return false
	}
	return false
}

func compareNumeric(op AttributeOperator, n, bound float64) bool {
	switch op {
	case OpGT:
		return n > bound
	case OpGTE:
		return n >= bound
	case OpLT:
		return n < bound
	case OpLTE:
		return n <= bound
	}
	return false
}

// cidrContains reports whether ip falls inside the IPv4 CIDR block. Anything
// malformed, and any non-IPv4 address, is a non-match.
func cidrContains(cidr, ip string) bool {
	block, prefixStr, found := strings.Cut(cidr, "/")
	if !found {
		return false
	}
	prefix, err := strconv.Atoi(prefixStr)
	if err != nil || prefix < 0 || prefix > 32 {
		return false
	}
	base := net.ParseIP(strings.TrimSpace(block))
	addr := net.ParseIP(strings.TrimSpace(ip))
	if base = base.To4(); base == nil {
		return false
	}
	if addr = addr.To4(); addr == nil {
		return false
	}
	mask := net.CIDRMask(prefix, 32)
	return base.Mask(mask).Equal(addr.Mask(mask))
}

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func sortedUnique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
