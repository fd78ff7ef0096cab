package models

import (
	"time"

	"gorm.io/datatypes"
)

// RequestStatus is the lifecycle state of an approval request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusApproved  RequestStatus = "approved"
	StatusRejected  RequestStatus = "rejected"
	StatusEscalated RequestStatus = "escalated"
	StatusExpired   RequestStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

type DecisionAction string

const (
	ActionApprove DecisionAction = "approve"
	ActionReject  DecisionAction = "reject"
)

// RejectionMode selects how a reject vote affects a step.
type RejectionMode string

const (
	// RejectTerminate ends the request on the first valid reject.
	RejectTerminate RejectionMode = "terminate"
	// RejectVote counts rejects as votes; the step fails when the rejects
	// reach MinApprovals or the step requires unanimity.
	RejectVote RejectionMode = "vote"
)

type WorkflowStep struct {
	Name              string   `json:"name" yaml:"name"`
	ApproverRoles     []string `json:"approver_roles" yaml:"approver_roles"`
	TeamIDs           []string `json:"team_ids" yaml:"team_ids"`
	MinApprovals      int      `json:"min_approvals" yaml:"min_approvals"`
	RequiresUnanimous bool     `json:"requires_unanimous" yaml:"requires_unanimous"`
	// TimeoutHours is nil when the step never times out. Zero times out immediately.
	TimeoutHours *float64    `json:"timeout_hours,omitempty" yaml:"timeout_hours,omitempty"`
	AutoApprove  bool        `json:"auto_approve" yaml:"auto_approve"`
	Conditions   []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// RequiredApprovals returns MinApprovals with a floor of one.
func (s *WorkflowStep) RequiredApprovals() int {
	if s.MinApprovals < 1 {
		return 1
	}
	return s.MinApprovals
}

// Timeout returns the step timeout and whether the step has one.
func (s *WorkflowStep) Timeout() (time.Duration, bool) {
	if s.TimeoutHours == nil {
		return 0, false
	}
	return Hours(*s.TimeoutHours), true
}

type Workflow struct {
	Steps         []WorkflowStep `json:"steps" yaml:"steps"`
	RejectionMode RejectionMode  `json:"rejection_mode,omitempty" yaml:"rejection_mode,omitempty"`
}

// EscalationTier widens the approver set once a step times out.
type EscalationTier struct {
	Name          string   `json:"name" yaml:"name"`
	ApproverRoles []string `json:"approver_roles" yaml:"approver_roles"`
	TeamIDs       []string `json:"team_ids" yaml:"team_ids"`
	// TimeoutHours <= 0 falls back to the configured expiry window.
	TimeoutHours float64 `json:"timeout_hours" yaml:"timeout_hours"`
}

type ApprovalPolicy struct {
	ID                string           `json:"id" yaml:"id"`
	Name              string           `json:"name" yaml:"name"`
	RepositoryPattern string           `json:"repository_pattern" yaml:"repository_pattern"`
	Type              string           `json:"type" yaml:"type"`
	Conditions        []Condition      `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Workflow          Workflow         `json:"workflow" yaml:"workflow"`
	Priority          int              `json:"priority" yaml:"priority"`
	Escalation        []EscalationTier `json:"escalation,omitempty" yaml:"escalation,omitempty"`
}

// ApprovalTemplate supplies default text and workflow scaffolding per type.
type ApprovalTemplate struct {
	Type        string    `json:"type" yaml:"type"`
	Title       string    `json:"title" yaml:"title"`
	Description string    `json:"description" yaml:"description"`
	Workflow    *Workflow `json:"workflow,omitempty" yaml:"workflow,omitempty"`
}

type StepDecision struct {
	StepIndex  int    `json:"step_index"`
	ApproverID string `json:"approver_id"`
	// ActingUserID is set when a delegate voted on the approver's behalf.
	ActingUserID string         `json:"acting_user_id,omitempty"`
	Action       DecisionAction `json:"action"`
	Comment      string         `json:"comment,omitempty"`
	// EscalationLevel at the time of the vote.
	EscalationLevel int       `json:"escalation_level"`
	Timestamp       time.Time `json:"timestamp"`
}

type Comment struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	Internal  bool      `json:"internal"`
	CreatedAt time.Time `json:"created_at"`
}

// ApprovalRequest is owned by the workflow system and mutated only through
// its operations. The workflow and escalation tiers are copied from the
// governing policy at creation.
type ApprovalRequest struct {
	ID               string            `gorm:"primaryKey;size:64" json:"id"`
	Type             string            `gorm:"size:100;index" json:"type"`
	Title            string            `gorm:"size:500" json:"title"`
	Description      string            `gorm:"type:text" json:"description"`
	RequesterID      string            `gorm:"size:100;index" json:"requester_id"`
	Repository       RepositoryInfo    `gorm:"serializer:json" json:"repository"`
	Payload          datatypes.JSONMap `json:"payload"`
	Priority         Priority          `gorm:"size:20" json:"priority"`
	PolicyID         string            `gorm:"size:100;index" json:"policy_id"`
	Workflow         Workflow          `gorm:"serializer:json" json:"workflow"`
	Escalation       []EscalationTier  `gorm:"serializer:json" json:"escalation,omitempty"`
	CurrentStepIndex int               `json:"current_step_index"`
	StepStartedAt    time.Time         `json:"step_started_at"`
	// DeadlineAt is when the pending timer for the current step fires.
	DeadlineAt      *time.Time     `gorm:"index" json:"deadline_at,omitempty"`
	Status          RequestStatus  `gorm:"size:20;index" json:"status"`
	EscalationLevel int            `json:"escalation_level"`
	EscalatedAt     *time.Time     `json:"escalated_at,omitempty"`
	Decisions       []StepDecision `gorm:"serializer:json" json:"decisions"`
	Comments        []Comment      `gorm:"serializer:json" json:"comments"`
	CreatedAt       time.Time      `gorm:"autoCreateTime:false" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime:false" json:"updated_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
}

func (ApprovalRequest) TableName() string { return "approval_requests" }

// CurrentStep returns the active workflow step, if any.
func (r *ApprovalRequest) CurrentStep() (*WorkflowStep, bool) {
	if r.CurrentStepIndex < 0 || r.CurrentStepIndex >= len(r.Workflow.Steps) {
		return nil, false
	}
	return &r.Workflow.Steps[r.CurrentStepIndex], true
}

// CurrentTier returns the escalation tier in force, if the request is escalated.
func (r *ApprovalRequest) CurrentTier() (*EscalationTier, bool) {
	idx := r.EscalationLevel - 1
	if idx < 0 || idx >= len(r.Escalation) {
		return nil, false
	}
	return &r.Escalation[idx], true
}

// StepDecisions returns the votes recorded for one step.
func (r *ApprovalRequest) StepDecisions(step int) []StepDecision {
	var out []StepDecision
	for _, d := range r.Decisions {
		if d.StepIndex == step {
			out = append(out, d)
		}
	}
	return out
}

// HasVoted reports whether approverID already voted on the given step.
func (r *ApprovalRequest) HasVoted(step int, approverID string) bool {
	for _, d := range r.Decisions {
		if d.StepIndex == step && d.ApproverID == approverID {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with r. Payload values are
// treated as immutable and only the map itself is copied.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Workflow.Steps = append([]WorkflowStep(nil), r.Workflow.Steps...)
	c.Escalation = append([]EscalationTier(nil), r.Escalation...)
	c.Decisions = append([]StepDecision(nil), r.Decisions...)
	c.Comments = append([]Comment(nil), r.Comments...)
	if r.Payload != nil {
		c.Payload = make(datatypes.JSONMap, len(r.Payload))
		for k, v := range r.Payload {
			c.Payload[k] = v
		}
	}
	if r.DeadlineAt != nil {
		t := *r.DeadlineAt
		c.DeadlineAt = &t
	}
	if r.EscalatedAt != nil {
		t := *r.EscalatedAt
		c.EscalatedAt = &t
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// Hours converts a float hour count into a duration; negative counts are zero.
func Hours(h float64) time.Duration {
	if h <= 0 {
		return 0
	}
	return time.Duration(h * float64(time.Hour))
}
