package automation

import (
	"fmt"
	"os"

	"github.com/huangang/repoflow/internal/models"
	"gopkg.in/yaml.v3"
)

// LoadRulesFile reads custom rules from a YAML document with a top level
// "rules" list. Rules default to enabled unless the file says otherwise.
func LoadRulesFile(path string) ([]models.AutomationRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRules(data)
}

func ParseRules(data []byte) ([]models.AutomationRule, error) {
	var raw struct {
		Rules []yaml.Node `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	rules := make([]models.AutomationRule, 0, len(raw.Rules))
	for i := range raw.Rules {
		rule := models.AutomationRule{Enabled: true}
		if err := raw.Rules[i].Decode(&rule); err != nil {
			return nil, fmt.Errorf("parse rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
