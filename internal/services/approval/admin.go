package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/huangang/repoflow/internal/apperr"
	"github.com/huangang/repoflow/internal/models"
	"github.com/huangang/repoflow/internal/services/condition"
	"github.com/huangang/repoflow/pkg/logger"
)

// AddDelegation stores a new active delegation and returns its id.
func (ws *WorkflowSystem) AddDelegation(ctx context.Context, d models.Delegation) (string, error) {
	if d.DelegatorID == "" {
		return "", apperr.Invalid("delegator_id", "must not be empty")
	}
	if d.DelegateID == "" {
		return "", apperr.Invalid("delegate_id", "must not be empty")
	}
	if d.DelegatorID == d.DelegateID {
		return "", apperr.Invalid("delegate_id", "must differ from delegator_id")
	}
	if d.StartDate.IsZero() || d.EndDate.IsZero() {
		return "", apperr.Invalid("end_date", "start_date and end_date are required")
	}
	if d.EndDate.Before(d.StartDate) {
		return "", apperr.Invalid("end_date", "must not be before start_date")
	}
	if err := condition.ValidateAll(d.Conditions); err != nil {
		return "", apperr.Invalid("conditions", "%v", err)
	}

	d.ID = ws.newID("dlg")
	d.IsActive = true
	d.CreatedAt = ws.clk.Now()
	if err := ws.dir.AddDelegation(ctx, &d); err != nil {
		return "", fmt.Errorf("store delegation: %w", err)
	}
	logger.Infof("[Approval] Delegation %s added: %s -> %s until %s", d.ID, d.DelegatorID, d.DelegateID, d.EndDate.Format("2006-01-02"))
	return d.ID, nil
}

// RevokeDelegation deactivates a delegation. It reports false for an unknown id.
func (ws *WorkflowSystem) RevokeDelegation(ctx context.Context, id string) (bool, error) {
	d, err := ws.dir.GetDelegation(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !d.IsActive {
		return true, nil
	}
	d.IsActive = false
	if err := ws.dir.SaveDelegation(ctx, d); err != nil {
		return false, fmt.Errorf("revoke delegation %s: %w", id, err)
	}
	logger.Infof("[Approval] Delegation %s revoked", id)
	return true, nil
}

// GetActiveDelegations returns the delegations granted by userID that are in
// force now.
func (ws *WorkflowSystem) GetActiveDelegations(ctx context.Context, userID string) ([]models.Delegation, error) {
	all, err := ws.dir.DelegationsFrom(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := ws.clk.Now()
	active := make([]models.Delegation, 0, len(all))
	for i := range all {
		if all[i].ActiveAt(now) {
			active = append(active, all[i])
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].StartDate.Before(active[j].StartDate) })
	return active, nil
}

func (ws *WorkflowSystem) AddApprovalPolicy(p models.ApprovalPolicy) error {
	if err := ws.registry.Add(p); err != nil {
		return err
	}
	logger.Infof("[Approval] Policy %s registered for %s/%s", p.ID, p.RepositoryPattern, p.Type)
	return nil
}

func (ws *WorkflowSystem) RemoveApprovalPolicy(id string) bool {
	return ws.registry.Remove(id)
}

func (ws *WorkflowSystem) ListApprovalPolicies() []models.ApprovalPolicy {
	return ws.registry.List()
}

// GetApplicablePolicies lists the policies matching repo and type, best first.
// Policy conditions are not evaluated here since there is no request yet.
func (ws *WorkflowSystem) GetApplicablePolicies(repo, typ string) []models.ApprovalPolicy {
	policies, err := ws.registry.Applicable(repo, typ, nil)
	if err != nil {
		logger.Warn().Err(err).Str("repository", repo).Msg("[Approval] Policy lookup failed")
		return nil
	}
	return policies
}

func (ws *WorkflowSystem) AddApprovalTemplate(t models.ApprovalTemplate) error {
	return ws.registry.AddTemplate(t)
}

func (ws *WorkflowSystem) GetApprovalTemplate(typ string) (models.ApprovalTemplate, bool) {
	return ws.registry.Template(typ)
}

func (ws *WorkflowSystem) ListApprovalTemplates() []models.ApprovalTemplate {
	return ws.registry.Templates()
}

// LoadPolicies reads a policy file into the registry. Nothing is applied
// when any entry is invalid.
func (ws *WorkflowSystem) LoadPolicies(path string) error {
	f, err := LoadPolicyFile(path)
	if err != nil {
		return err
	}
	if err := ws.registry.Load(f); err != nil {
		return err
	}
	logger.Infof("[Approval] Loaded %d policies and %d templates from %s", len(f.Policies), len(f.Templates), path)
	return nil
}
