package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"
)

func TestPriority_Order(t *testing.T) {
	assert.True(t, PriorityCritical.AtLeast(PriorityHigh))
	assert.True(t, PriorityHigh.AtLeast(PriorityHigh))
	assert.False(t, PriorityLow.AtLeast(PriorityMedium))
	assert.False(t, Priority("urgent").Valid())
}

func TestRepositoryInfo_Slug(t *testing.T) {
	assert.Equal(t, "acme/api", (&RepositoryInfo{Owner: "acme", Name: "api"}).Slug())
	assert.Equal(t, "acme/api-v2", (&RepositoryInfo{Owner: "acme", Name: "api", FullName: "acme/api-v2"}).Slug())
}

func TestRepositoryChanges_Count(t *testing.T) {
	changes := &RepositoryChanges{
		Added:        []FileChange{{Path: "a.go"}},
		Modified:     []FileChange{{Path: "b.go"}, {Path: "c.go"}},
		Dependencies: []DependencyChange{{Name: "gin", Breaking: true}},
	}
	assert.Equal(t, 3, changes.Count(CategoryContent))
	assert.Equal(t, 1, changes.Count(CategoryDependency))
	assert.Equal(t, 0, changes.Count(CategoryConfig))
	assert.True(t, changes.HasBreaking())
	assert.Len(t, changes.Files(), 3)
}

func TestApprovalRequest_CloneIsIndependent(t *testing.T) {
	req := &ApprovalRequest{
		ID:        "req_1",
		Payload:   datatypes.JSONMap{"k": "v"},
		Decisions: []StepDecision{{ApproverID: "alice", Action: ActionApprove}},
	}
	c := req.Clone()
	c.Decisions = append(c.Decisions, StepDecision{ApproverID: "bob"})
	c.Decisions[0].ApproverID = "mallory"
	c.Payload["k"] = "changed"

	assert.Len(t, req.Decisions, 1)
	assert.Equal(t, "alice", req.Decisions[0].ApproverID)
	assert.Equal(t, "v", req.Payload["k"])
}

func TestApprovalRequest_CurrentTier(t *testing.T) {
	req := &ApprovalRequest{Escalation: []EscalationTier{{Name: "leads"}}}
	_, ok := req.CurrentTier()
	assert.False(t, ok)

	req.EscalationLevel = 1
	tier, ok := req.CurrentTier()
	assert.True(t, ok)
	assert.Equal(t, "leads", tier.Name)

	req.EscalationLevel = 2
	_, ok = req.CurrentTier()
	assert.False(t, ok)
}

func TestDelegation_ActiveAt(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d := &Delegation{StartDate: start, EndDate: start.Add(48 * time.Hour), IsActive: true}

	assert.True(t, d.ActiveAt(start))
	assert.True(t, d.ActiveAt(start.Add(48*time.Hour)))
	assert.False(t, d.ActiveAt(start.Add(-time.Second)))
	assert.False(t, d.ActiveAt(start.Add(49*time.Hour)))

	d.IsActive = false
	assert.False(t, d.ActiveAt(start.Add(time.Hour)))
}

func TestWorkflowStep_Timeout(t *testing.T) {
	step := WorkflowStep{}
	_, ok := step.Timeout()
	assert.False(t, ok)

	zero := 0.0
	step.TimeoutHours = &zero
	d, ok := step.Timeout()
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), d)

	assert.Equal(t, 1, step.RequiredApprovals())
}
