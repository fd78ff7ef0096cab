package automation

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/huangang/repoflow/internal/models"
	"github.com/huangang/repoflow/internal/services/condition"
	"github.com/huangang/repoflow/pkg/placeholder"
)

// Rule produces at most one decision for a change category.
type Rule interface {
	ID() string
	Priority() int
	DependsOn() []string
	Triggers() []models.ChangeCategory
	// Evaluate returns nil when the rule does not apply.
	Evaluate(in *Input) (*models.AutomationDecision, error)
}

// Input is what a rule sees for one category of one event.
type Input struct {
	Category   models.ChangeCategory
	Changes    *models.RepositoryChanges
	Repository *models.RepositoryInfo
	// Facts are the condition fields derived from the changes.
	Facts condition.MapResolver
	// Prior holds the decisions already produced in this category, by rule id.
	Prior map[string]*models.AutomationDecision
}

// switchable is implemented by rules that can be turned off by configuration.
type switchable interface {
	Enabled() bool
}

func enabled(r Rule) bool {
	if s, ok := r.(switchable); ok {
		return s.Enabled()
	}
	return true
}

func triggeredBy(r Rule, cat models.ChangeCategory) bool {
	for _, t := range r.Triggers() {
		if t == cat {
			return true
		}
	}
	return false
}

var ciConfigPatterns = []string{".github/workflows/*", ".gitlab-ci.yml", ".circleci/*", "Jenkinsfile", ".drone.yml"}

var docPrefixes = []string{"docs/", "README", "CHANGELOG", "CONTRIBUTING"}

func isDoc(p string) bool {
	for _, prefix := range docPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return strings.HasSuffix(p, ".md")
}

func isCIConfig(p string) bool {
	for _, pattern := range ciConfigPatterns {
		if ok, _ := path.Match(pattern, p); ok {
			return true
		}
	}
	return false
}

// buildFacts derives condition fields for one category.
func buildFacts(cat models.ChangeCategory, changes *models.RepositoryChanges, repo *models.RepositoryInfo) condition.MapResolver {
	facts := condition.MapResolver{
		"category": string(cat),
		"count":    changes.Count(cat),
		"repository": map[string]interface{}{
			"owner":          repo.Owner,
			"name":           repo.Name,
			"full_name":      repo.Slug(),
			"default_branch": repo.DefaultBranch,
		},
	}

	switch cat {
	case models.CategoryContent:
		files := changes.Files()
		var paths []string
		var maxSig float64
		sourceChanged := false
		for _, f := range files {
			paths = append(paths, f.Path)
			if f.Significance > maxSig {
				maxSig = f.Significance
			}
			if !isDoc(f.Path) && f.Significance >= 0.5 {
				sourceChanged = true
			}
		}
		facts["files"] = map[string]interface{}{
			"count":            len(files),
			"added":            len(changes.Added),
			"modified":         len(changes.Modified),
			"deleted":          len(changes.Deleted),
			"paths":            paths,
			"max_significance": maxSig,
			"source_changed":   sourceChanged,
		}
	case models.CategoryDependency:
		var names, frameworks, breaking []string
		for _, d := range changes.Dependencies {
			names = append(names, d.Name)
			frameworks = appendUnique(frameworks, d.Framework)
			if d.Breaking {
				breaking = append(breaking, d.Name)
			}
		}
		facts["dependencies"] = map[string]interface{}{
			"count":          len(changes.Dependencies),
			"names":          names,
			"frameworks":     frameworks,
			"breaking":       len(breaking) > 0,
			"breaking_names": breaking,
		}
	case models.CategoryConfig:
		var paths, keys []string
		ci := false
		for _, c := range changes.Configs {
			paths = appendUnique(paths, c.Path)
			if c.Key != "" {
				keys = append(keys, c.Key)
			}
			if isCIConfig(c.Path) {
				ci = true
			}
		}
		facts["configs"] = map[string]interface{}{
			"count": len(changes.Configs),
			"paths": paths,
			"keys":  keys,
			"ci":    ci,
		}
	}
	return facts
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// templateVars flattens facts for placeholder rendering, joining lists.
func templateVars(facts condition.MapResolver) map[string]string {
	return placeholder.Flatten(joinLists(facts))
}

func joinLists(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case []string:
			out[k] = strings.Join(val, ", ")
		case map[string]interface{}:
			out[k] = joinLists(val)
		default:
			out[k] = v
		}
	}
	return out
}

// ConfiguredRule adapts AutomationRule configuration to the Rule interface.
type ConfiguredRule struct {
	cfg models.AutomationRule
}

func NewConfiguredRule(cfg models.AutomationRule) *ConfiguredRule {
	return &ConfiguredRule{cfg: cfg}
}

func (r *ConfiguredRule) ID() string                        { return r.cfg.ID }
func (r *ConfiguredRule) Priority() int                     { return r.cfg.Priority }
func (r *ConfiguredRule) DependsOn() []string               { return r.cfg.DependsOn }
func (r *ConfiguredRule) Triggers() []models.ChangeCategory { return r.cfg.Triggers }
func (r *ConfiguredRule) Config() models.AutomationRule     { return r.cfg }
func (r *ConfiguredRule) Enabled() bool                     { return r.cfg.Enabled }

func (r *ConfiguredRule) Evaluate(in *Input) (*models.AutomationDecision, error) {
	ok, err := condition.EvaluateAll(r.cfg.Conditions, in.Facts)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return decisionFromActions(r.cfg.ID, r.cfg.Name, in, r.cfg.Actions), nil
}

func decisionFromActions(ruleID, name string, in *Input, actions []models.AutomationAction) *models.AutomationDecision {
	vars := templateVars(in.Facts)
	decision := &models.AutomationDecision{
		RuleID:      ruleID,
		Type:        ruleID,
		Category:    in.Category,
		ShouldApply: len(actions) > 0,
	}
	if len(actions) > 0 && actions[0].Type != "" {
		decision.Type = actions[0].Type
	}

	var confidence float64
	for _, a := range actions {
		decision.Changes = append(decision.Changes, models.ProposedChange{
			TargetFile:   placeholder.Render(a.TargetFile, vars),
			Content:      placeholder.Render(a.Template, vars),
			Significance: a.Significance,
		})
		decision.Impact.EstimatedTimeSavings += a.TimeSavingsHours
		decision.Impact.CostReduction += a.CostReduction
		confidence += a.Confidence
	}
	if len(actions) > 0 {
		decision.Impact.Confidence = confidence / float64(len(actions))
	}

	label := name
	if label == "" {
		label = ruleID
	}
	decision.Rationale = fmt.Sprintf("%s matched %d %s change(s) in %s", label, in.Changes.Count(in.Category), in.Category, in.Repository.Slug())
	decision.Impact.Rationale = fmt.Sprintf("%.1fh saved, %.0f cost reduction across %d action(s)",
		decision.Impact.EstimatedTimeSavings, decision.Impact.CostReduction, len(actions))
	return decision
}

// sortedIDs returns the keys of a rule map in lexical order.
func sortedIDs(m map[string]Rule) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
