package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	iampolicy "github.com/cloudgate/iampolicy"
)

// SQLPolicyStore persists policies in SQL (squealx). Actions are stored as a
// JSON array in a text column so the row stays portable across drivers.
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

const policyColumns = `id, tenant_id, name, resource, actions_json, effect, condition_json, priority, active, description, created_at, updated_at`

func (s *SQLPolicyStore) CreatePolicy(ctx context.Context, p *iampolicy.Policy) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	actions, err := json.Marshal(p.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	q := `INSERT INTO policies(tenant_id, name, resource, actions_json, effect, condition_json, priority, active, description, created_at, updated_at)
	      VALUES(:tenant_id, :name, :resource, :actions_json, :effect, :condition_json, :priority, :active, :description, :created_at, :updated_at)`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"tenant_id":      p.TenantID,
		"name":           p.Name,
		"resource":       p.Resource,
		"actions_json":   string(actions),
		"effect":         string(p.Effect),
		"condition_json": p.ConditionJSON,
		"priority":       p.Priority,
		"active":         boolToInt(p.Active),
		"description":    p.Description,
		"created_at":     p.CreatedAt,
		"updated_at":     p.UpdatedAt,
	})
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("policy id: %w", err)
	}
	p.ID = id
	return nil
}

func (s *SQLPolicyStore) UpdatePolicy(ctx context.Context, p *iampolicy.Policy) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	actions, err := json.Marshal(p.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	q := `UPDATE policies SET name=:name, resource=:resource, actions_json=:actions_json, effect=:effect, condition_json=:condition_json, priority=:priority, active=:active, description=:description, updated_at=:updated_at
	      WHERE id=:id AND tenant_id=:tenant_id`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":             p.ID,
		"tenant_id":      p.TenantID,
		"name":           p.Name,
		"resource":       p.Resource,
		"actions_json":   string(actions),
		"effect":         string(p.Effect),
		"condition_json": p.ConditionJSON,
		"priority":       p.Priority,
		"active":         boolToInt(p.Active),
		"description":    p.Description,
		"updated_at":     p.UpdatedAt,
	})
	return err
}

func (s *SQLPolicyStore) DeletePolicy(ctx context.Context, tenantID, policyID int64) error {
	q := `DELETE FROM policies WHERE id = :id AND tenant_id = :tenant_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": policyID, "tenant_id": tenantID})
	return err
}

func (s *SQLPolicyStore) GetPolicy(ctx context.Context, policyID int64) (*iampolicy.Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": policyID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("%w: %d", iampolicy.ErrPolicyNotFound, policyID)
	}
	return scanPolicy(r)
}

func (s *SQLPolicyStore) GetPolicyByName(ctx context.Context, tenantID int64, name string) (*iampolicy.Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies WHERE tenant_id = :tenant_id AND name = :name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "name": name})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("%w: %s", iampolicy.ErrPolicyNotFound, name)
	}
	return scanPolicy(r)
}

func (s *SQLPolicyStore) ExistsByName(ctx context.Context, tenantID int64, name string) (bool, error) {
	q := `SELECT COUNT(1) FROM policies WHERE tenant_id = :tenant_id AND name = :name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "name": name})
	if err != nil {
		return false, err
	}
	defer r.Close()
	if !r.Next() {
		return false, nil
	}
	var count int
	if err := r.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListActivePolicies returns active rows ordered by priority then id. The
// evaluator depends on this ordering.
func (s *SQLPolicyStore) ListActivePolicies(ctx context.Context, tenantID int64, resource string) ([]*iampolicy.Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies
	      WHERE tenant_id = :tenant_id AND resource = :resource AND active = 1
	      ORDER BY priority ASC, id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "resource": resource})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*iampolicy.Policy, 0)
	for r.Next() {
		p, err := scanPolicy(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(r rowScanner) (*iampolicy.Policy, error) {
	var (
		id, tenantID                                     int64
		name, resource, actionsJSON, effect, condition   string
		priority, activeInt                              int
		description                                      string
		createdRaw, updatedRaw                           interface{}
	)
	if err := r.Scan(&id, &tenantID, &name, &resource, &actionsJSON, &effect, &condition, &priority, &activeInt, &description, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	var actions []string
	if err := json.Unmarshal([]byte(actionsJSON), &actions); err != nil {
		return nil, fmt.Errorf("unmarshal actions for policy %d: %w", id, err)
	}
	return &iampolicy.Policy{
		ID:            id,
		TenantID:      tenantID,
		Name:          name,
		Resource:      resource,
		Actions:       actions,
		Effect:        iampolicy.PolicyEffect(effect),
		ConditionJSON: condition,
		Priority:      priority,
		Active:        activeInt != 0,
		Description:   description,
		CreatedAt:     scanTime(createdRaw),
		UpdatedAt:     scanTime(updatedRaw),
	}, nil
}
