package models

// Priority orders automation decisions and approval requests.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority onto 0 (low) .. 3 (critical); unknown values rank -1.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	}
	return -1
}

// AtLeast reports whether p ranks at or above other.
func (p Priority) AtLeast(other Priority) bool {
	return p.Rank() >= other.Rank()
}

func (p Priority) Valid() bool { return p.Rank() >= 0 }

// Condition is a single field/operator/value predicate.
type Condition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator string      `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// AutomationRule is rule configuration. Rules are loaded once and read-only
// during evaluation.
type AutomationRule struct {
	ID         string             `json:"id" yaml:"id"`
	Name       string             `json:"name" yaml:"name"`
	Triggers   []ChangeCategory   `json:"triggers" yaml:"triggers"`
	Conditions []Condition        `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions    []AutomationAction `json:"actions" yaml:"actions"`
	Priority   int                `json:"priority" yaml:"priority"`
	Enabled    bool               `json:"enabled" yaml:"enabled"`
	DependsOn  []string           `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// AutomationAction describes one proposed file change and its estimated impact.
type AutomationAction struct {
	Type             string  `json:"type" yaml:"type"`
	TargetFile       string  `json:"target_file" yaml:"target_file"`
	Template         string  `json:"template" yaml:"template"`
	Significance     float64 `json:"significance" yaml:"significance"`
	TimeSavingsHours float64 `json:"time_savings_hours" yaml:"time_savings_hours"`
	CostReduction    float64 `json:"cost_reduction" yaml:"cost_reduction"`
	Confidence       float64 `json:"confidence" yaml:"confidence"`
}

type ProposedChange struct {
	TargetFile   string  `json:"target_file"`
	Content      string  `json:"content"`
	Significance float64 `json:"significance"`
}

type Impact struct {
	EstimatedTimeSavings float64 `json:"estimated_time_savings"`
	CostReduction        float64 `json:"cost_reduction"`
	Confidence           float64 `json:"confidence"`
	Rationale            string  `json:"rationale"`
}

// AutomationDecision is produced by the engine and consumed by the orchestrator.
// It is never persisted on its own; approval requests carry it in their payload.
type AutomationDecision struct {
	RuleID      string           `json:"rule_id"`
	Type        string           `json:"type"`
	Category    ChangeCategory   `json:"category"`
	ShouldApply bool             `json:"should_apply"`
	Changes     []ProposedChange `json:"changes"`
	Priority    Priority         `json:"priority"`
	Rationale   string           `json:"rationale"`
	Impact      Impact           `json:"impact"`
}
