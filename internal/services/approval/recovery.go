package approval

import (
	"context"

	"github.com/huangang/repoflow/internal/models"
	"github.com/huangang/repoflow/pkg/logger"
)

// ResumeTimers re-arms the deadline timers of open requests after a
// restart. Deadlines already in the past fire right away.
func (ws *WorkflowSystem) ResumeTimers(ctx context.Context) (int, error) {
	open, err := ws.store.List(ctx, ListFilter{Statuses: OpenStatuses})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range open {
		if r.DeadlineAt == nil {
			continue
		}
		ws.arm(ctx, r.ID)
		n++
	}
	if n > 0 {
		logger.Infof("[Approval] Resumed %d deadline timers", n)
	}
	return n, nil
}

// SweepOverdue applies deadlines that passed without a live timer, e.g. on
// another replica that went away. It returns the number of transitions.
func (ws *WorkflowSystem) SweepOverdue(ctx context.Context) (int, error) {
	open, err := ws.store.List(ctx, ListFilter{Statuses: OpenStatuses})
	if err != nil {
		return 0, err
	}
	now := ws.clk.Now()
	n := 0
	for _, r := range open {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if r.DeadlineAt == nil || r.DeadlineAt.After(now) || ws.timers.has(r.ID) {
			continue
		}
		key := timerKey{requestID: r.ID, step: r.CurrentStepIndex, level: r.EscalationLevel}
		due := func(req *models.ApprovalRequest) bool {
			return req.DeadlineAt != nil && !req.DeadlineAt.After(ws.clk.Now())
		}
		if ws.fireDeadline(ctx, key, due) {
			n++
		}
	}
	if n > 0 {
		logger.Warnf("[Approval] Swept %d overdue requests", n)
	}
	return n, nil
}
