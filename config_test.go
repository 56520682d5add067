package iampolicy_test

import (
	"context"
	"testing"

	iampolicy "github.com/cloudgate/iampolicy"
	"github.com/cloudgate/iampolicy/stores"
)

const seedYAML = `
version: 1
permissions:
  - resource: document
    action: read
roles:
  - tenant_id: 1
    name: engineer
    scope: TENANT
    grants:
      - resource: document
        action: read
assignments:
  - tenant_id: 1
    user_id: 100
    role: engineer
    role_scope: TENANT
policies:
  - tenant_id: 1
    name: deny-contractors
    resource: document
    actions: [read]
    effect: DENY
    condition: '{"user.employment":"contractor"}'
    priority: 10
`

func TestConfigLoadYAMLAndApply(t *testing.T) {
	loader := iampolicy.NewConfigLoader()
	cfg, err := loader.LoadYAML([]byte(seedYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	roles := stores.NewMemoryRoleStore()
	policies := stores.NewMemoryPolicyStore()
	changes := iampolicy.NewChangeService(policies, nil)

	ctx := context.Background()
	if err := cfg.Apply(ctx, roles, changes); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// Applying twice must be idempotent.
	if err := cfg.Apply(ctx, roles, changes); err != nil {
		t.Fatalf("re-apply: %v", err)
	}

	e, err := iampolicy.NewEvaluator(policies, roles)
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	defer e.Close()

	req := &iampolicy.EvaluationRequest{
		TenantID: 1, UserID: 100, Resource: "document", Action: "read",
		TenantRegion:   "KR",
		UserAttributes: map[string][]string{"employment": {"contractor"}},
	}
	d, err := e.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != iampolicy.ReasonABACDenyExplicit {
		t.Fatalf("seeded deny policy must fire: %+v", d)
	}

	req.UserAttributes = map[string][]string{"employment": {"employee"}}
	d, err = e.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("seeded rbac grant must allow employees: %+v", d)
	}
}

func TestConfigValidateRejectsBadPolicy(t *testing.T) {
	loader := iampolicy.NewConfigLoader()
	cfg, err := loader.LoadJSON([]byte(`{
		"version": 1,
		"policies": [{
			"tenant_id": 1,
			"name": "broken",
			"resource": "document",
			"actions": ["read"],
			"effect": "ALLOW",
			"condition": "{\"user.level\":{\"nested\":true}}"
		}]
	}`))
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for nested condition value")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	loader := iampolicy.NewConfigLoader()
	cfg, err := loader.LoadYAML([]byte(seedYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}

	data, err := cfg.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	again, err := loader.LoadJSON(data)
	if err != nil {
		t.Fatalf("reload json: %v", err)
	}
	if len(again.Roles) != 1 || len(again.Policies) != 1 || len(again.Assignments) != 1 {
		t.Fatalf("round trip lost data: %+v", again)
	}
}
