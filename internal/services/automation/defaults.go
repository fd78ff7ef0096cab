package automation

import (
	"fmt"

	"github.com/huangang/repoflow/internal/models"
)

const (
	RuleDependencyUpdate  = "dependency-update"
	RuleBreakingUpgrade   = "breaking-dependency-upgrade"
	RuleCIConfigChange    = "ci-config-change"
	RuleLargeChange       = "large-content-change"
	RuleDocumentationSync = "docs-update"
)

// DefaultRules is the configuration of the built-in rules. The breaking
// upgrade rule is code, see breakingUpgradeRule.
func DefaultRules() []models.AutomationRule {
	return []models.AutomationRule{
		{
			ID:         RuleDependencyUpdate,
			Name:       "Dependency update",
			Triggers:   []models.ChangeCategory{models.CategoryDependency},
			Conditions: []models.Condition{{Field: "dependencies.count", Operator: "gt", Value: 0}},
			Actions: []models.AutomationAction{{
				Type:             "dependency_update",
				TargetFile:       ".github/dependency-updates.md",
				Template:         "Update {{dependencies.names}} in {{repository.full_name}}",
				Significance:     0.4,
				TimeSavingsHours: 1,
				CostReduction:    150,
				Confidence:       0.9,
			}},
			Priority: 50,
			Enabled:  true,
		},
		{
			ID:         RuleCIConfigChange,
			Name:       "CI configuration change",
			Triggers:   []models.ChangeCategory{models.CategoryConfig},
			Conditions: []models.Condition{{Field: "configs.ci", Operator: "eq", Value: true}},
			Actions: []models.AutomationAction{{
				Type:             "workflow_update",
				TargetFile:       ".github/workflows/validate.yml",
				Template:         "Validate CI changes to {{configs.paths}} on {{repository.default_branch}}",
				Significance:     0.6,
				TimeSavingsHours: 2,
				CostReduction:    400,
				Confidence:       0.8,
			}},
			Priority: 40,
			Enabled:  true,
		},
		{
			ID:         RuleLargeChange,
			Name:       "Large content change",
			Triggers:   []models.ChangeCategory{models.CategoryContent},
			Conditions: []models.Condition{{Field: "files.count", Operator: "gte", Value: 20}},
			Actions: []models.AutomationAction{{
				Type:             "review_checklist",
				TargetFile:       ".github/PULL_REQUEST_TEMPLATE.md",
				Template:         "Review checklist for {{files.count}} changed files in {{repository.full_name}}",
				Significance:     0.5,
				TimeSavingsHours: 1.5,
				CostReduction:    300,
				Confidence:       0.7,
			}},
			Priority: 30,
			Enabled:  true,
		},
		{
			ID:         RuleDocumentationSync,
			Name:       "Documentation refresh",
			Triggers:   []models.ChangeCategory{models.CategoryContent},
			Conditions: []models.Condition{{Field: "files.source_changed", Operator: "eq", Value: true}},
			Actions: []models.AutomationAction{{
				Type:             "docs_update",
				TargetFile:       "README.md",
				Template:         "Refresh documentation of {{repository.name}} for changes to {{files.paths}}",
				Significance:     0.3,
				TimeSavingsHours: 1,
				CostReduction:    100,
				Confidence:       0.7,
			}},
			Priority:  20,
			Enabled:   true,
			DependsOn: []string{RuleLargeChange},
		},
	}
}

// breakingUpgradeRule proposes a migration for every breaking dependency
// change. It runs after the plain dependency update rule.
type breakingUpgradeRule struct{}

func (breakingUpgradeRule) ID() string          { return RuleBreakingUpgrade }
func (breakingUpgradeRule) Priority() int       { return 60 }
func (breakingUpgradeRule) DependsOn() []string { return []string{RuleDependencyUpdate} }
func (breakingUpgradeRule) Triggers() []models.ChangeCategory {
	return []models.ChangeCategory{models.CategoryDependency}
}

func (breakingUpgradeRule) Evaluate(in *Input) (*models.AutomationDecision, error) {
	var actions []models.AutomationAction
	for _, d := range in.Changes.Dependencies {
		if !d.Breaking {
			continue
		}
		from := d.FromVersion
		if from == "" {
			from = "previous version"
		}
		actions = append(actions, models.AutomationAction{
			Type:             "dependency_migration",
			TargetFile:       fmt.Sprintf("docs/migrations/%s.md", d.Name),
			Template:         fmt.Sprintf("Migrate %s (%s) from %s to %s in {{repository.full_name}}", d.Name, d.Framework, from, d.Version),
			Significance:     0.9,
			TimeSavingsHours: 4,
			CostReduction:    1200,
			Confidence:       0.6,
		})
	}
	if len(actions) == 0 {
		return nil, nil
	}
	decision := decisionFromActions(RuleBreakingUpgrade, "Breaking dependency upgrade", in, actions)
	if prior, ok := in.Prior[RuleDependencyUpdate]; ok && prior != nil {
		decision.Rationale += fmt.Sprintf("; supersedes %s", prior.Type)
	}
	return decision, nil
}

func defaultRuleSet() []Rule {
	var rules []Rule
	for _, cfg := range DefaultRules() {
		rules = append(rules, NewConfiguredRule(cfg))
	}
	return append(rules, breakingUpgradeRule{})
}
