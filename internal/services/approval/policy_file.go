package approval

import (
	"fmt"
	"os"

	"github.com/huangang/repoflow/internal/models"
	"gopkg.in/yaml.v3"
)

// PolicyFile is the on-disk form of policies and templates.
type PolicyFile struct {
	Templates []models.ApprovalTemplate `yaml:"templates"`
	Policies  []models.ApprovalPolicy   `yaml:"policies"`
}

func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePolicyFile(data)
}

func ParsePolicyFile(data []byte) (*PolicyFile, error) {
	var f PolicyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	return &f, nil
}

// Load validates every entry first and only then registers them, so a bad
// file leaves the registry untouched.
func (r *PolicyRegistry) Load(f *PolicyFile) error {
	staging := NewPolicyRegistry()
	for _, t := range r.Templates() {
		staging.templates[t.Type] = t
	}
	for _, t := range f.Templates {
		if err := staging.AddTemplate(t); err != nil {
			return fmt.Errorf("template %s: %w", t.Type, err)
		}
	}
	for _, p := range f.Policies {
		if err := staging.Add(p); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for typ, t := range staging.templates {
		r.templates[typ] = t
	}
	for id, p := range staging.policies {
		r.policies[id] = p
	}
	return nil
}
