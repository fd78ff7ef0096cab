package approval

import (
	"context"
	"errors"
	"sort"

	"github.com/huangang/repoflow/internal/apperr"
	"github.com/huangang/repoflow/internal/models"
)

const (
	recentDecisionLimit = 20
	bottleneckLimit     = 10
)

// Metrics summarises every stored request.
type Metrics struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Escalated int `json:"escalated"`
	Expired   int `json:"expired"`
	// ApprovalRate is approved/(approved+rejected), zero without decisions.
	ApprovalRate           float64 `json:"approval_rate"`
	AverageResolutionHours float64 `json:"average_resolution_hours"`
}

// GetApprovalMetrics recomputes the metrics from the store on every call.
func (ws *WorkflowSystem) GetApprovalMetrics(ctx context.Context) (*Metrics, error) {
	reqs, err := ws.store.List(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}

	m := &Metrics{Total: len(reqs)}
	var resolvedHours float64
	var resolved int
	for _, r := range reqs {
		switch r.Status {
		case models.StatusPending:
			m.Pending++
		case models.StatusApproved:
			m.Approved++
		case models.StatusRejected:
			m.Rejected++
		case models.StatusEscalated:
			m.Escalated++
		case models.StatusExpired:
			m.Expired++
		}
		if r.ResolvedAt != nil {
			resolvedHours += r.ResolvedAt.Sub(r.CreatedAt).Hours()
			resolved++
		}
	}
	if decided := m.Approved + m.Rejected; decided > 0 {
		m.ApprovalRate = float64(m.Approved) / float64(decided)
	}
	if resolved > 0 {
		m.AverageResolutionHours = resolvedHours / float64(resolved)
	}
	return m, nil
}

// PendingApproval is a request the dashboard user can vote on now.
type PendingApproval struct {
	Request *models.ApprovalRequest `json:"request"`
	// OnBehalfOf is the delegator when the vote would be cast by delegation.
	OnBehalfOf string `json:"on_behalf_of,omitempty"`
}

type DecisionRecord struct {
	RequestID  string `json:"request_id"`
	Title      string `json:"title"`
	Repository string `json:"repository"`
	models.StepDecision
}

type Bottleneck struct {
	RequestID    string               `json:"request_id"`
	Title        string               `json:"title"`
	Repository   string               `json:"repository"`
	Status       models.RequestStatus `json:"status"`
	StepIndex    int                  `json:"step_index"`
	StepName     string               `json:"step_name"`
	WaitingHours float64              `json:"waiting_hours"`
}

type Dashboard struct {
	UserID           string                    `json:"user_id"`
	PendingApprovals []PendingApproval         `json:"pending_approvals"`
	Overdue          []*models.ApprovalRequest `json:"overdue"`
	RecentDecisions  []DecisionRecord          `json:"recent_decisions"`
	Bottlenecks      []Bottleneck              `json:"bottlenecks"`
}

// GetApprovalDashboard builds the personal view of userID. Overdue requests
// and bottlenecks are system wide.
func (ws *WorkflowSystem) GetApprovalDashboard(ctx context.Context, userID string) (*Dashboard, error) {
	all, err := ws.store.List(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}
	now := ws.clk.Now()

	d := &Dashboard{
		UserID:           userID,
		PendingApprovals: []PendingApproval{},
		Overdue:          []*models.ApprovalRequest{},
		RecentDecisions:  []DecisionRecord{},
		Bottlenecks:      []Bottleneck{},
	}

	var open []*models.ApprovalRequest
	for _, r := range all {
		for _, dec := range r.Decisions {
			if dec.ApproverID == userID || dec.ActingUserID == userID {
				d.RecentDecisions = append(d.RecentDecisions, DecisionRecord{
					RequestID:    r.ID,
					Title:        r.Title,
					Repository:   r.Repository.Slug(),
					StepDecision: dec,
				})
			}
		}
		if r.Status.Terminal() {
			continue
		}
		open = append(open, r)

		if r.Status == models.StatusPending && r.EscalationLevel == 0 &&
			r.DeadlineAt != nil && r.DeadlineAt.Before(now) {
			d.Overdue = append(d.Overdue, r)
		}

		if userID == "" {
			continue
		}
		approverID, actingID, err := ws.resolveVoter(ctx, r, userID, now)
		if err != nil {
			var unauthorized *apperr.UnauthorizedActionError
			if errors.As(err, &unauthorized) {
				continue
			}
			return nil, err
		}
		pa := PendingApproval{Request: r}
		if actingID != "" {
			pa.OnBehalfOf = approverID
		}
		d.PendingApprovals = append(d.PendingApprovals, pa)
	}

	sort.SliceStable(d.RecentDecisions, func(i, j int) bool {
		return d.RecentDecisions[i].Timestamp.After(d.RecentDecisions[j].Timestamp)
	})
	if len(d.RecentDecisions) > recentDecisionLimit {
		d.RecentDecisions = d.RecentDecisions[:recentDecisionLimit]
	}

	sort.SliceStable(open, func(i, j int) bool {
		return open[i].StepStartedAt.Before(open[j].StepStartedAt)
	})
	for _, r := range open {
		if len(d.Bottlenecks) == bottleneckLimit {
			break
		}
		b := Bottleneck{
			RequestID:    r.ID,
			Title:        r.Title,
			Repository:   r.Repository.Slug(),
			Status:       r.Status,
			StepIndex:    r.CurrentStepIndex,
			WaitingHours: now.Sub(r.StepStartedAt).Hours(),
		}
		if step, ok := r.CurrentStep(); ok {
			b.StepName = step.Name
		}
		d.Bottlenecks = append(d.Bottlenecks, b)
	}
	return d, nil
}
