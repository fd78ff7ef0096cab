package approval

import (
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/huangang/repoflow/internal/apperr"
	"github.com/huangang/repoflow/internal/models"
	"github.com/huangang/repoflow/internal/services/condition"
)

// PolicyRegistry holds approval policies and per-type templates.
type PolicyRegistry struct {
	mu        sync.RWMutex
	policies  map[string]models.ApprovalPolicy
	templates map[string]models.ApprovalTemplate
}

func NewPolicyRegistry() *PolicyRegistry {
	return &PolicyRegistry{
		policies:  make(map[string]models.ApprovalPolicy),
		templates: make(map[string]models.ApprovalTemplate),
	}
}

// Add validates and stores a policy, replacing one with the same id. A
// policy without steps takes the workflow of the template for its type.
func (r *PolicyRegistry) Add(p models.ApprovalPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(p.Workflow.Steps) == 0 {
		if tmpl, ok := r.templates[p.Type]; ok && tmpl.Workflow != nil {
			p.Workflow = *tmpl.Workflow
		}
	}
	if p.Workflow.RejectionMode == "" {
		p.Workflow.RejectionMode = models.RejectTerminate
	}
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	r.policies[p.ID] = p
	return nil
}

// Remove deletes a policy and reports whether it existed.
func (r *PolicyRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[id]; !ok {
		return false
	}
	delete(r.policies, id)
	return true
}

func (r *PolicyRegistry) Get(id string) (models.ApprovalPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[id]
	return p, ok
}

// List returns every policy, highest priority first.
func (r *PolicyRegistry) List() []models.ApprovalPolicy {
	r.mu.RLock()
	out := make([]models.ApprovalPolicy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sortPolicies(out)
	return out
}

// Applicable returns the policies whose pattern matches repo, whose type
// equals typ and whose conditions hold for facts, highest priority first
// with ties broken by the smaller id.
func (r *PolicyRegistry) Applicable(repo, typ string, facts condition.Resolver) ([]models.ApprovalPolicy, error) {
	r.mu.RLock()
	candidates := make([]models.ApprovalPolicy, 0, len(r.policies))
	for _, p := range r.policies {
		if p.Type == typ && MatchRepository(p.RepositoryPattern, repo) {
			candidates = append(candidates, p)
		}
	}
	r.mu.RUnlock()

	var out []models.ApprovalPolicy
	for _, p := range candidates {
		if facts != nil && len(p.Conditions) > 0 {
			ok, err := condition.EvaluateAll(p.Conditions, facts)
			if err != nil {
				return nil, fmt.Errorf("policy %s: %w", p.ID, err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, p)
	}
	sortPolicies(out)
	return out, nil
}

func (r *PolicyRegistry) AddTemplate(t models.ApprovalTemplate) error {
	if t.Type == "" {
		return apperr.Invalid("type", "must not be empty")
	}
	if t.Workflow != nil {
		if err := validateWorkflow(*t.Workflow); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Type] = t
	return nil
}

func (r *PolicyRegistry) Template(typ string) (models.ApprovalTemplate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[typ]
	return t, ok
}

func (r *PolicyRegistry) Templates() []models.ApprovalTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ApprovalTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func sortPolicies(ps []models.ApprovalPolicy) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority > ps[j].Priority
		}
		return ps[i].ID < ps[j].ID
	})
}

// MatchRepository matches a glob against an owner/name slug. "*" and "**"
// match every repository; other patterns use path.Match, so "acme/*"
// matches any repository of acme.
func MatchRepository(pattern, repo string) bool {
	if pattern == "*" || pattern == "**" {
		return true
	}
	ok, err := path.Match(pattern, repo)
	return err == nil && ok
}

// ValidatePolicy reports the first structural problem of a policy.
func ValidatePolicy(p models.ApprovalPolicy) error {
	if p.ID == "" {
		return apperr.Invalid("id", "must not be empty")
	}
	if p.Type == "" {
		return apperr.Invalid("policies."+p.ID+".type", "must not be empty")
	}
	if p.RepositoryPattern == "" {
		return apperr.Invalid("policies."+p.ID+".repository_pattern", "must not be empty")
	}
	if _, err := path.Match(p.RepositoryPattern, ""); err != nil {
		return apperr.Invalid("policies."+p.ID+".repository_pattern", "%v", err)
	}
	if err := condition.ValidateAll(p.Conditions); err != nil {
		return apperr.Invalid("policies."+p.ID+".conditions", "%v", err)
	}
	if err := validateWorkflow(p.Workflow); err != nil {
		return fmt.Errorf("policy %s: %w", p.ID, err)
	}
	for i, tier := range p.Escalation {
		if len(tier.ApproverRoles) == 0 && len(tier.TeamIDs) == 0 {
			return apperr.Invalid(fmt.Sprintf("policies.%s.escalation[%d]", p.ID, i), "needs approver roles or teams")
		}
	}
	return nil
}

func validateWorkflow(w models.Workflow) error {
	if len(w.Steps) == 0 {
		return apperr.Invalid("workflow.steps", "at least one step is required")
	}
	switch w.RejectionMode {
	case "", models.RejectTerminate, models.RejectVote:
	default:
		return apperr.Invalid("workflow.rejection_mode", "unknown mode %q", w.RejectionMode)
	}
	for i, step := range w.Steps {
		field := fmt.Sprintf("workflow.steps[%d]", i)
		if len(step.ApproverRoles) == 0 && len(step.TeamIDs) == 0 && !step.AutoApprove {
			return apperr.Invalid(field, "needs approver roles, teams or auto_approve")
		}
		if step.MinApprovals < 0 {
			return apperr.Invalid(field+".min_approvals", "must not be negative")
		}
		if step.TimeoutHours != nil && *step.TimeoutHours < 0 {
			return apperr.Invalid(field+".timeout_hours", "must not be negative")
		}
		if step.AutoApprove && step.TimeoutHours == nil {
			return apperr.Invalid(field+".auto_approve", "requires timeout_hours")
		}
		if err := condition.ValidateAll(step.Conditions); err != nil {
			return apperr.Invalid(field+".conditions", "%v", err)
		}
	}
	return nil
}
