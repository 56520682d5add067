package iampolicy_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	iampolicy "github.com/cloudgate/iampolicy"
	"github.com/cloudgate/iampolicy/stores"
)

type capturingPublisher struct {
	events []*iampolicy.PolicyChangeAuditEvent
	fail   bool
}

func (p *capturingPublisher) Publish(_ context.Context, e *iampolicy.PolicyChangeAuditEvent) error {
	if p.fail {
		return fmt.Errorf("sink down")
	}
	p.events = append(p.events, e)
	return nil
}

func newChangeService(t *testing.T) (*iampolicy.ChangeService, *stores.MemoryPolicyStore, *capturingPublisher) {
	t.Helper()
	store := stores.NewMemoryPolicyStore()
	pub := &capturingPublisher{}
	svc := iampolicy.NewChangeService(store, pub,
		iampolicy.WithAuditSource("test-suite"),
		iampolicy.WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }))
	return svc, store, pub
}

func createCommand() iampolicy.CreatePolicyCommand {
	return iampolicy.CreatePolicyCommand{
		TenantID:      1,
		Name:          "deny-contractors",
		Resource:      "document",
		Actions:       []string{"read", "write", "read"},
		Effect:        iampolicy.EffectDeny,
		ConditionJSON: `{"user.employment":"contractor"}`,
		Actor:         iampolicy.Actor{Name: "alice"},
	}
}

func TestCreatePolicyDefaultsAndAudit(t *testing.T) {
	svc, store, pub := newChangeService(t)

	pol, err := svc.CreatePolicy(context.Background(), createCommand())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pol.ID == 0 {
		t.Fatalf("expected assigned id")
	}
	if pol.Priority != iampolicy.DefaultPolicyPriority {
		t.Fatalf("expected default priority, got %d", pol.Priority)
	}
	if !pol.Active {
		t.Fatalf("expected active by default")
	}
	if len(pol.Actions) != 2 || pol.Actions[0] != "read" || pol.Actions[1] != "write" {
		t.Fatalf("expected normalized actions, got %v", pol.Actions)
	}

	stored, err := store.GetPolicy(context.Background(), pol.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Name != "deny-contractors" {
		t.Fatalf("unexpected stored policy: %+v", stored)
	}

	if len(pub.events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(pub.events))
	}
	e := pub.events[0]
	if e.EventType != iampolicy.AuditEventType || e.Version != iampolicy.AuditEventVersion {
		t.Fatalf("unexpected envelope: %+v", e)
	}
	if e.ChangeType != iampolicy.ChangeCreated || e.ChangeSummary != "created" {
		t.Fatalf("unexpected change: %+v", e)
	}
	if e.EventID == "" || e.Source != "test-suite" || e.ActorName != "alice" {
		t.Fatalf("unexpected event metadata: %+v", e)
	}
	if e.PolicyID != pol.ID || e.TenantID != 1 {
		t.Fatalf("unexpected event subject: %+v", e)
	}
}

func TestCreatePolicyRejectsDuplicateName(t *testing.T) {
	svc, _, _ := newChangeService(t)

	if _, err := svc.CreatePolicy(context.Background(), createCommand()); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := svc.CreatePolicy(context.Background(), createCommand())
	if !errors.Is(err, iampolicy.ErrDuplicatePolicyName) {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
}

func TestCreatePolicyRejectsMalformedCondition(t *testing.T) {
	svc, _, pub := newChangeService(t)

	cmd := createCommand()
	cmd.ConditionJSON = `{"user.level":{"nested":"x"}}`
	if _, err := svc.CreatePolicy(context.Background(), cmd); err == nil {
		t.Fatalf("expected parse error at write time")
	}
	if len(pub.events) != 0 {
		t.Fatalf("no audit event for rejected create")
	}
}

func TestUpdatePolicyDiffSummary(t *testing.T) {
	svc, _, pub := newChangeService(t)
	pol, err := svc.CreatePolicy(context.Background(), createCommand())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	priority := 5
	desc := "tightened"
	active := false
	updated, err := svc.UpdatePolicy(context.Background(), iampolicy.UpdatePolicyCommand{
		TenantID:    1,
		PolicyID:    pol.ID,
		Priority:    &priority,
		Description: &desc,
		Active:      &active,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Priority != 5 || updated.Active {
		t.Fatalf("update not applied: %+v", updated)
	}

	e := pub.events[len(pub.events)-1]
	if e.ChangeType != iampolicy.ChangeUpdated {
		t.Fatalf("expected UPDATED event, got %+v", e)
	}
	if e.ChangeSummary != "priority,description,deactivated" {
		t.Fatalf("unexpected summary: %q", e.ChangeSummary)
	}
}

func TestUpdatePolicyNoOp(t *testing.T) {
	svc, store, pub := newChangeService(t)
	pol, err := svc.CreatePolicy(context.Background(), createCommand())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before, _ := store.GetPolicy(context.Background(), pol.ID)

	samePriority := pol.Priority
	_, err = svc.UpdatePolicy(context.Background(), iampolicy.UpdatePolicyCommand{
		TenantID: 1,
		PolicyID: pol.ID,
		Priority: &samePriority,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	after, _ := store.GetPolicy(context.Background(), pol.ID)
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("no-op update must not rewrite the row")
	}
	e := pub.events[len(pub.events)-1]
	if e.ChangeSummary != "no-op" {
		t.Fatalf("expected no-op summary, got %q", e.ChangeSummary)
	}
}

func TestUpdatePolicyGuards(t *testing.T) {
	svc, _, _ := newChangeService(t)
	pol, err := svc.CreatePolicy(context.Background(), createCommand())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = svc.UpdatePolicy(context.Background(), iampolicy.UpdatePolicyCommand{TenantID: 2, PolicyID: pol.ID})
	if !errors.Is(err, iampolicy.ErrTenantMismatch) {
		t.Fatalf("expected tenant mismatch, got %v", err)
	}

	_, err = svc.UpdatePolicy(context.Background(), iampolicy.UpdatePolicyCommand{TenantID: 1, PolicyID: 9999})
	if !errors.Is(err, iampolicy.ErrPolicyNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	badCondition := `{"broken`
	_, err = svc.UpdatePolicy(context.Background(), iampolicy.UpdatePolicyCommand{
		TenantID: 1, PolicyID: pol.ID, ConditionJSON: &badCondition,
	})
	if err == nil {
		t.Fatalf("expected parse error for malformed condition update")
	}
}

func TestDeletePolicy(t *testing.T) {
	svc, store, pub := newChangeService(t)
	pol, err := svc.CreatePolicy(context.Background(), createCommand())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.DeletePolicy(context.Background(), 2, pol.ID, iampolicy.Actor{}); !errors.Is(err, iampolicy.ErrTenantMismatch) {
		t.Fatalf("expected tenant mismatch, got %v", err)
	}
	if err := svc.DeletePolicy(context.Background(), 1, pol.ID, iampolicy.Actor{Name: "bob"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetPolicy(context.Background(), pol.ID); !errors.Is(err, iampolicy.ErrPolicyNotFound) {
		t.Fatalf("expected policy gone, got %v", err)
	}

	e := pub.events[len(pub.events)-1]
	if e.ChangeType != iampolicy.ChangeDeleted || e.ChangeSummary != "deleted" {
		t.Fatalf("unexpected delete event: %+v", e)
	}
	if e.PolicyName != "deny-contractors" {
		t.Fatalf("delete event must carry the final snapshot: %+v", e)
	}
}

func TestPublishFailureDoesNotFailMutation(t *testing.T) {
	store := stores.NewMemoryPolicyStore()
	pub := &capturingPublisher{fail: true}
	svc := iampolicy.NewChangeService(store, pub)

	pol, err := svc.CreatePolicy(context.Background(), createCommand())
	if err != nil {
		t.Fatalf("create must survive a broken audit sink: %v", err)
	}
	if _, err := store.GetPolicy(context.Background(), pol.ID); err != nil {
		t.Fatalf("policy must be stored: %v", err)
	}
}

func TestAsyncAuditPublisherDrainsOnClose(t *testing.T) {
	inner := &capturingPublisher{}
	async := iampolicy.NewAsyncAuditPublisher(inner, 8, nil)

	for i := 0; i < 5; i++ {
		event := &iampolicy.PolicyChangeAuditEvent{EventID: iampolicy.NewAuditEventID(), TenantID: 1}
		if err := async.Publish(context.Background(), event); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	async.Close()

	if len(inner.events) != 5 {
		t.Fatalf("expected 5 delivered events, got %d", len(inner.events))
	}
}
