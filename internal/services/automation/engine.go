// Package automation turns repository change sets into automation decisions.
// Evaluation is pure: no I/O, and the rule set is an immutable snapshot.
package automation

import (
	"fmt"
	"sync"

	"github.com/huangang/repoflow/internal/apperr"
	"github.com/huangang/repoflow/internal/models"
	"github.com/huangang/repoflow/internal/services/condition"
	"github.com/huangang/repoflow/pkg/logger"
)

// Thresholds map Impact.CostReduction onto a priority.
type Thresholds struct {
	Critical float64
	High     float64
	Medium   float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 5000, High: 1000, Medium: 200}
}

// PriorityFor is monotonically non-decreasing in cost.
func (t Thresholds) PriorityFor(cost float64) models.Priority {
	switch {
	case cost >= t.Critical:
		return models.PriorityCritical
	case cost >= t.High:
		return models.PriorityHigh
	case cost >= t.Medium:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

// RuleFailure is one rule that errored or panicked during evaluation.
type RuleFailure struct {
	RuleID   string                `json:"rule_id"`
	Category models.ChangeCategory `json:"category"`
	Err      error                 `json:"-"`
	Message  string                `json:"message"`
}

type EvaluationResult struct {
	Decisions []models.AutomationDecision `json:"decisions"`
	Failures  []RuleFailure               `json:"failures,omitempty"`
}

type Engine struct {
	mu         sync.RWMutex
	rules      map[string]Rule
	ordered    []Rule
	thresholds Thresholds
}

type Option func(*Engine)

func WithThresholds(t Thresholds) Option {
	return func(e *Engine) { e.thresholds = t }
}

// NewEngine returns an engine loaded with the built-in rules.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		rules:      make(map[string]Rule),
		thresholds: DefaultThresholds(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, r := range defaultRuleSet() {
		e.rules[r.ID()] = r
	}
	ordered, err := orderRules(e.rules)
	if err != nil {
		// Built-in rules are static; an ordering error here is a programming bug.
		panic(fmt.Sprintf("automation: built-in rules: %v", err))
	}
	e.ordered = ordered
	return e
}

// ApplyCustomRules merges rules into the current set. Later entries override
// earlier ones, and built-ins, by id. On error the current set is kept.
func (e *Engine) ApplyCustomRules(cfgs []models.AutomationRule) error {
	rules := make([]Rule, 0, len(cfgs))
	for i, cfg := range cfgs {
		if err := validateRuleConfig(cfg); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, NewConfiguredRule(cfg))
	}
	return e.Register(rules...)
}

// Register merges compiled rules the same way ApplyCustomRules merges configuration.
func (e *Engine) Register(rules ...Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	merged := make(map[string]Rule, len(e.rules)+len(rules))
	for id, r := range e.rules {
		merged[id] = r
	}
	for _, r := range rules {
		if r.ID() == "" {
			return apperr.Invalid("rule.id", "must not be empty")
		}
		merged[r.ID()] = r
	}

	ordered, err := orderRules(merged)
	if err != nil {
		return err
	}
	e.rules = merged
	e.ordered = ordered
	logger.Infof("[Automation] Rule set updated: %d rules", len(ordered))
	return nil
}

// RuleIDs returns the ids of the current rules in evaluation order.
func (e *Engine) RuleIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.ordered))
	for _, r := range e.ordered {
		ids = append(ids, r.ID())
	}
	return ids
}

// EvaluateChanges returns the decisions for one change set. It fails only on
// invalid input; rule failures are logged and skipped.
func (e *Engine) EvaluateChanges(changes *models.RepositoryChanges, repo *models.RepositoryInfo) ([]models.AutomationDecision, error) {
	result, err := e.Evaluate(changes, repo)
	if err != nil {
		return nil, err
	}
	return result.Decisions, nil
}

// Evaluate is EvaluateChanges with the per-rule failures exposed.
func (e *Engine) Evaluate(changes *models.RepositoryChanges, repo *models.RepositoryInfo) (*EvaluationResult, error) {
	if err := validateInput(changes, repo); err != nil {
		return nil, err
	}

	e.mu.RLock()
	ordered := e.ordered
	thresholds := e.thresholds
	e.mu.RUnlock()

	result := &EvaluationResult{Decisions: []models.AutomationDecision{}}

	for _, cat := range models.Categories {
		if changes.Count(cat) == 0 {
			continue
		}
		in := &Input{
			Category:   cat,
			Changes:    changes,
			Repository: repo,
			Facts:      buildFacts(cat, changes, repo),
			Prior:      make(map[string]*models.AutomationDecision),
		}

		for _, rule := range ordered {
			if !enabled(rule) || !triggeredBy(rule, cat) {
				continue
			}
			decision, err := safeEvaluate(rule, in)
			if err != nil {
				ruleErr := &apperr.RuleEvaluationError{RuleID: rule.ID(), Err: err}
				logger.Warn().Err(ruleErr).Str("category", string(cat)).Str("repository", repo.Slug()).Msg("[Automation] Rule skipped")
				result.Failures = append(result.Failures, RuleFailure{
					RuleID:   rule.ID(),
					Category: cat,
					Err:      ruleErr,
					Message:  ruleErr.Error(),
				})
				continue
			}
			if decision == nil {
				continue
			}
			if decision.RuleID == "" {
				decision.RuleID = rule.ID()
			}
			decision.Category = cat
			decision.Priority = assignPriority(cat, changes, decision, thresholds)
			in.Prior[rule.ID()] = decision
			result.Decisions = append(result.Decisions, *decision)
		}
	}

	return result, nil
}

func assignPriority(cat models.ChangeCategory, changes *models.RepositoryChanges, d *models.AutomationDecision, t Thresholds) models.Priority {
	if cat == models.CategoryDependency && changes.HasBreaking() {
		return models.PriorityCritical
	}
	return t.PriorityFor(d.Impact.CostReduction)
}

// safeEvaluate turns a rule panic into an error so one rule cannot abort the batch.
func safeEvaluate(rule Rule, in *Input) (decision *models.AutomationDecision, err error) {
	defer func() {
		if r := recover(); r != nil {
			decision = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return rule.Evaluate(in)
}

func validateInput(changes *models.RepositoryChanges, repo *models.RepositoryInfo) error {
	if changes == nil {
		return apperr.Invalid("changes", "must not be nil")
	}
	if repo == nil {
		return apperr.Invalid("repository", "must not be nil")
	}
	if repo.Owner == "" {
		return apperr.Invalid("repository.owner", "must not be empty")
	}
	if repo.Name == "" {
		return apperr.Invalid("repository.name", "must not be empty")
	}
	return nil
}

func validateRuleConfig(cfg models.AutomationRule) error {
	if cfg.ID == "" {
		return apperr.Invalid("id", "must not be empty")
	}
	if len(cfg.Triggers) == 0 {
		return apperr.Invalid("rules."+cfg.ID+".triggers", "at least one trigger is required")
	}
	for _, t := range cfg.Triggers {
		switch t {
		case models.CategoryContent, models.CategoryDependency, models.CategoryConfig:
		default:
			return apperr.Invalid("rules."+cfg.ID+".triggers", "unknown category %q", t)
		}
	}
	if err := condition.ValidateAll(cfg.Conditions); err != nil {
		return apperr.Invalid("rules."+cfg.ID+".conditions", "%v", err)
	}
	return nil
}
