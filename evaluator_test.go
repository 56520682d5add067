package iampolicy_test

import (
	"context"
	"testing"

	iampolicy "github.com/cloudgate/iampolicy"
	"github.com/cloudgate/iampolicy/stores"
)

// seedTenant wires one tenant with an engineer role that may read documents.
func seedTenant(t *testing.T) (*stores.MemoryRoleStore, *stores.MemoryPolicyStore) {
	t.Helper()
	ctx := context.Background()
	roles := stores.NewMemoryRoleStore()
	policies := stores.NewMemoryPolicyStore()

	role := &iampolicy.Role{TenantID: 1, Name: "engineer", Scope: iampolicy.ScopeTenant}
	if err := roles.CreateRole(ctx, role); err != nil {
		t.Fatalf("create role: %v", err)
	}
	perm := &iampolicy.Permission{Resource: "document", Action: "read"}
	if err := roles.CreatePermission(ctx, perm); err != nil {
		t.Fatalf("create permission: %v", err)
	}
	if err := roles.GrantPermission(ctx, 1, role.ID, perm.ID); err != nil {
		t.Fatalf("grant permission: %v", err)
	}
	assignment := &iampolicy.UserRoleAssignment{TenantID: 1, UserID: 100, RoleID: role.ID}
	if err := roles.AssignRole(ctx, assignment); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	return roles, policies
}

func newEvaluator(t *testing.T, policies *stores.MemoryPolicyStore, roles *stores.MemoryRoleStore) *iampolicy.Evaluator {
	t.Helper()
	e, err := iampolicy.NewEvaluator(policies, roles)
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func addPolicy(t *testing.T, policies *stores.MemoryPolicyStore, p *iampolicy.Policy) *iampolicy.Policy {
	t.Helper()
	if p.Priority == 0 {
		p.Priority = iampolicy.DefaultPolicyPriority
	}
	if err := policies.CreatePolicy(context.Background(), p); err != nil {
		t.Fatalf("create policy: %v", err)
	}
	return p
}

func readRequest() *iampolicy.EvaluationRequest {
	return &iampolicy.EvaluationRequest{
		TenantID:     1,
		UserID:       100,
		Resource:     "document",
		Action:       "read",
		TenantRegion: "kr",
	}
}

func TestEvaluateDenyWithoutApplicableRole(t *testing.T) {
	roles, policies := seedTenant(t)
	e := newEvaluator(t, policies, roles)

	req := readRequest()
	req.UserID = 999
	d, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != iampolicy.ReasonRBACDenyNoApplicableRole {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestEvaluateDenyWithoutPermission(t *testing.T) {
	roles, policies := seedTenant(t)
	e := newEvaluator(t, policies, roles)

	req := readRequest()
	req.Action = "delete"
	d, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != iampolicy.ReasonRBACDenyNoPermission {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if len(d.MatchedRoleNames) != 1 || d.MatchedRoleNames[0] != "engineer" {
		t.Fatalf("expected applicable role names on deny, got %v", d.MatchedRoleNames)
	}
}

func TestEvaluateAllowWithoutPolicies(t *testing.T) {
	roles, policies := seedTenant(t)
	e := newEvaluator(t, policies, roles)

	d, err := e.Evaluate(context.Background(), readRequest())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed || d.Reason != iampolicy.ReasonABACSkippedNoPolicy {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d.MatchedPolicyID != 0 {
		t.Fatalf("expected no matched policy, got %d", d.MatchedPolicyID)
	}
}

func TestEvaluateExplicitDeny(t *testing.T) {
	roles, policies := seedTenant(t)
	deny := addPolicy(t, policies, &iampolicy.Policy{
		TenantID: 1, Name: "deny-sales", Resource: "document",
		Actions: []string{"read"}, Effect: iampolicy.EffectDeny,
		ConditionJSON: `{"user.department":"sales"}`, Active: true,
	})
	e := newEvaluator(t, policies, roles)

	req := readRequest()
	req.UserAttributes = map[string][]string{"department": {"sales"}}
	d, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != iampolicy.ReasonABACDenyExplicit {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d.MatchedPolicyID != deny.ID {
		t.Fatalf("expected matched policy %d, got %d", deny.ID, d.MatchedPolicyID)
	}
}

func TestEvaluateConditionalAllow(t *testing.T) {
	roles, policies := seedTenant(t)
	allow := addPolicy(t, policies, &iampolicy.Policy{
		TenantID: 1, Name: "allow-engineering", Resource: "document",
		Actions: []string{"read"}, Effect: iampolicy.EffectAllow,
		ConditionJSON: `{"user.department":"engineering"}`, Active: true,
	})
	e := newEvaluator(t, policies, roles)

	req := readRequest()
	req.UserAttributes = map[string][]string{"department": {"engineering"}}
	d, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed || d.Reason != iampolicy.ReasonABACAllow {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d.MatchedPolicyID != allow.ID {
		t.Fatalf("expected matched policy %d, got %d", allow.ID, d.MatchedPolicyID)
	}

	// Non-matching attributes fall back to the RBAC result.
	req.UserAttributes = map[string][]string{"department": {"sales"}}
	d, err = e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed || d.Reason != iampolicy.ReasonABACSkippedNoPolicy {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestEvaluateDenyOverridesEarlierAllow(t *testing.T) {
	roles, policies := seedTenant(t)
	addPolicy(t, policies, &iampolicy.Policy{
		TenantID: 1, Name: "allow-all", Resource: "document",
		Actions: []string{"read"}, Effect: iampolicy.EffectAllow,
		ConditionJSON: `{"user.department":"engineering"}`, Priority: 10, Active: true,
	})
	deny := addPolicy(t, policies, &iampolicy.Policy{
		TenantID: 1, Name: "deny-contractors", Resource: "document",
		Actions: []string{"read"}, Effect: iampolicy.EffectDeny,
		ConditionJSON: `{"user.employment":"contractor"}`, Priority: 20, Active: true,
	})
	e := newEvaluator(t, policies, roles)

	req := readRequest()
	req.UserAttributes = map[string][]string{
		"department": {"engineering"},
		"employment": {"contractor"},
	}
	d, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != iampolicy.ReasonABACDenyExplicit {
		t.Fatalf("lower-priority deny must override earlier allow: %+v", d)
	}
	if d.MatchedPolicyID != deny.ID {
		t.Fatalf("expected deny policy %d, got %d", deny.ID, d.MatchedPolicyID)
	}
}

func TestEvaluateFirstAllowWins(t *testing.T) {
	roles, policies := seedTenant(t)
	first := addPolicy(t, policies, &iampolicy.Policy{
		TenantID: 1, Name: "allow-first", Resource: "document",
		Actions: []string{"read"}, Effect: iampolicy.EffectAllow,
		ConditionJSON: `{"user.department":"engineering"}`, Priority: 10, Active: true,
	})
	addPolicy(t, policies, &iampolicy.Policy{
		TenantID: 1, Name: "allow-second", Resource: "document",
		Actions: []string{"read"}, Effect: iampolicy.EffectAllow,
		ConditionJSON: `{"user.department":"engineering"}`, Priority: 20, Active: true,
	})
	e := newEvaluator(t, policies, roles)

	req := readRequest()
	req.UserAttributes = map[string][]string{"department": {"engineering"}}
	d, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed || d.MatchedPolicyID != first.ID {
		t.Fatalf("expected first allow %d to be reported, got %+v", first.ID, d)
	}
}

func TestEvaluateSkipsInactivePolicies(t *testing.T) {
	roles, policies := seedTenant(t)
	addPolicy(t, policies, &iampolicy.Policy{
		TenantID: 1, Name: "deny-disabled", Resource: "document",
		Actions: []string{"read"}, Effect: iampolicy.EffectDeny,
		ConditionJSON: `{"user.department":"engineering"}`, Active: false,
	})
	e := newEvaluator(t, policies, roles)

	req := readRequest()
	req.UserAttributes = map[string][]string{"department": {"engineering"}}
	d, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed || d.Reason != iampolicy.ReasonABACSkippedNoPolicy {
		t.Fatalf("inactive policy must be ignored: %+v", d)
	}
}

func TestEvaluateRegionCannotBeSpoofed(t *testing.T) {
	roles, policies := seedTenant(t)
	addPolicy(t, policies, &iampolicy.Policy{
		TenantID: 1, Name: "deny-outside-kr", Resource: "document",
		Actions: []string{"read"}, Effect: iampolicy.EffectDeny,
		ConditionJSON: `{"condition":{"not":{"env.tenantRegion":"KR"}}}`, Active: true,
	})
	e := newEvaluator(t, policies, roles)

	// The caller claims US under the reserved key, but the verified tenant
	// region is KR, so the deny must not fire.
	req := readRequest()
	req.EnvironmentAttributes = map[string][]string{"tenantRegion": {"US"}}
	d, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("spoofed region must be overridden: %+v", d)
	}

	// A genuinely foreign tenant region trips the deny.
	req = readRequest()
	req.TenantRegion = "us"
	d, err = e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != iampolicy.ReasonABACDenyExplicit {
		t.Fatalf("expected region deny: %+v", d)
	}
}

func TestEvaluateResourceRegionInjection(t *testing.T) {
	roles, policies := seedTenant(t)
	addPolicy(t, policies, &iampolicy.Policy{
		TenantID: 1, Name: "deny-cross-region", Resource: "document",
		Actions: []string{"read"}, Effect: iampolicy.EffectDeny,
		ConditionJSON: `{"condition":{"not":{"resource.region":"KR"}}}`, Active: true,
	})
	e := newEvaluator(t, policies, roles)

	req := readRequest()
	req.ResourceRegion = "jp"
	req.ResourceAttributes = map[string][]string{"region": {"KR"}}
	d, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed {
		t.Fatalf("verified resource region must override the caller's: %+v", d)
	}
}

func TestEvaluateProjectScopedRole(t *testing.T) {
	ctx := context.Background()
	roles := stores.NewMemoryRoleStore()
	policies := stores.NewMemoryPolicyStore()

	role := &iampolicy.Role{TenantID: 1, Name: "project-admin", Scope: iampolicy.ScopeProject}
	if err := roles.CreateRole(ctx, role); err != nil {
		t.Fatalf("create role: %v", err)
	}
	perm := &iampolicy.Permission{Resource: "document", Action: "*"}
	if err := roles.CreatePermission(ctx, perm); err != nil {
		t.Fatalf("create permission: %v", err)
	}
	if err := roles.GrantPermission(ctx, 1, role.ID, perm.ID); err != nil {
		t.Fatalf("grant permission: %v", err)
	}
	assignment := &iampolicy.UserRoleAssignment{TenantID: 1, UserID: 100, RoleID: role.ID, ProjectID: 7}
	if err := roles.AssignRole(ctx, assignment); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	e := newEvaluator(t, policies, roles)

	req := readRequest()
	req.ProjectID = 7
	d, err := e.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("project role must apply to its project: %+v", d)
	}

	req.ProjectID = 8
	d, err = e.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != iampolicy.ReasonRBACDenyNoApplicableRole {
		t.Fatalf("project role must not leak across projects: %+v", d)
	}
}

func TestEvaluateActionPatterns(t *testing.T) {
	ctx := context.Background()
	roles := stores.NewMemoryRoleStore()
	policies := stores.NewMemoryPolicyStore()

	role := &iampolicy.Role{TenantID: 1, Name: "writer", Scope: iampolicy.ScopeTenant}
	if err := roles.CreateRole(ctx, role); err != nil {
		t.Fatalf("create role: %v", err)
	}
	perm := &iampolicy.Permission{Resource: "document", Action: "write:*"}
	if err := roles.CreatePermission(ctx, perm); err != nil {
		t.Fatalf("create permission: %v", err)
	}
	if err := roles.GrantPermission(ctx, 1, role.ID, perm.ID); err != nil {
		t.Fatalf("grant permission: %v", err)
	}
	if err := roles.AssignRole(ctx, &iampolicy.UserRoleAssignment{TenantID: 1, UserID: 100, RoleID: role.ID}); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	e := newEvaluator(t, policies, roles)

	req := readRequest()
	req.Action = "write:draft"
	d, err := e.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("prefix pattern must cover write:draft: %+v", d)
	}

	req.Action = "read"
	d, err = e.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != iampolicy.ReasonRBACDenyNoPermission {
		t.Fatalf("prefix pattern must not cover read: %+v", d)
	}
}

func TestEvaluateOperatorLeaves(t *testing.T) {
	cases := []struct {
		name      string
		condition string
		attrs     map[string][]string
		want      bool
	}{
		{"cidr inside", `{"condition":{"match":{"attribute":"env.clientIp","op":"CIDR","value":"10.1.0.0/16"}}}`,
			map[string][]string{"clientIp": {"10.1.2.3"}}, true},
		{"cidr outside", `{"condition":{"match":{"attribute":"env.clientIp","op":"CIDR","value":"10.1.0.0/16"}}}`,
			map[string][]string{"clientIp": {"10.2.0.1"}}, false},
		{"cidr malformed ip", `{"condition":{"match":{"attribute":"env.clientIp","op":"CIDR","value":"10.1.0.0/16"}}}`,
			map[string][]string{"clientIp": {"not-an-ip"}}, false},
		{"regex full match", `{"condition":{"match":{"attribute":"env.host","op":"REGEX","value":"api-[0-9]+"}}}`,
			map[string][]string{"host": {"api-12"}}, true},
		{"regex partial rejected", `{"condition":{"match":{"attribute":"env.host","op":"REGEX","value":"api-[0-9]+"}}}`,
			map[string][]string{"host": {"xapi-12y"}}, false},
		{"gte numeric", `{"condition":{"match":{"attribute":"env.level","op":"GTE","value":"5"}}}`,
			map[string][]string{"level": {"5"}}, true},
		{"lt numeric", `{"condition":{"match":{"attribute":"env.level","op":"LT","value":"5"}}}`,
			map[string][]string{"level": {"7"}}, false},
		{"non-numeric skipped", `{"condition":{"match":{"attribute":"env.level","op":"GT","value":"5"}}}`,
			map[string][]string{"level": {"high"}}, false},
		{"between inclusive", `{"condition":{"match":{"attribute":"env.hour","op":"BETWEEN","range":["9","18"]}}}`,
			map[string][]string{"hour": {"18"}}, true},
		{"not_in", `{"condition":{"match":{"attribute":"env.zone","op":"NOT_IN","values":["a","b"]}}}`,
			map[string][]string{"zone": {"c"}}, true},
		{"contains substring", `{"condition":{"match":{"attribute":"env.groups","op":"CONTAINS","value":"ADMIN"}}}`,
			map[string][]string{"groups": {"ADMIN,AUDITOR"}}, true},
		{"contains absent", `{"condition":{"match":{"attribute":"env.groups","op":"CONTAINS","value":"ADMIN"}}}`,
			map[string][]string{"groups": {"AUDITOR,VIEWER"}}, false},
		{"neq against multivalue", `{"condition":{"match":{"attribute":"env.tag","op":"NEQ","value":"x"}}}`,
			map[string][]string{"tag": {"y", "x"}}, false},
		{"missing attribute fails closed", `{"condition":{"not":{"match":{"attribute":"env.absent","op":"NEQ","value":"x"}}}}`,
			nil, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			roles, policies := seedTenant(t)
			addPolicy(t, policies, &iampolicy.Policy{
				TenantID: 1, Name: "probe", Resource: "document",
				Actions: []string{"read"}, Effect: iampolicy.EffectAllow,
				ConditionJSON: tc.condition, Active: true,
			})
			e := newEvaluator(t, policies, roles)

			req := readRequest()
			req.EnvironmentAttributes = tc.attrs
			d, err := e.Evaluate(context.Background(), req)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			matched := d.Reason == iampolicy.ReasonABACAllow
			if matched != tc.want {
				t.Fatalf("want match=%v, got %+v", tc.want, d)
			}
		})
	}
}

func TestEvaluateRejectsInvalidRequest(t *testing.T) {
	roles, policies := seedTenant(t)
	e := newEvaluator(t, policies, roles)

	bad := []*iampolicy.EvaluationRequest{
		{TenantID: 0, UserID: 100, Resource: "document", Action: "read", TenantRegion: "KR"},
		{TenantID: 1, UserID: 100, Resource: " ", Action: "read", TenantRegion: "KR"},
		{TenantID: 1, UserID: 100, Resource: "document", Action: "read", TenantRegion: "K"},
		{TenantID: 1, UserID: 100, Resource: "document", Action: "read", TenantRegion: "KR", ProjectID: -1},
	}
	for i, req := range bad {
		if _, err := e.Evaluate(context.Background(), req); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}
