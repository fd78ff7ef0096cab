package approval

import (
	"context"
	"strconv"
	"time"

	"github.com/huangang/repoflow/internal/models"
	"github.com/huangang/repoflow/pkg/logger"
)

// pendingTypes are cancelled once a request resolves.
var pendingTypes = []models.NotificationType{
	models.NotifyApprovalRequested,
	models.NotifyApprovalEscalated,
	models.NotifyApprovalComment,
}

// afterTransition runs the side effects of a saved transition. Notification
// failures are logged and never undo the transition.
func (ws *WorkflowSystem) afterTransition(ctx context.Context, req *models.ApprovalRequest, t *transition) {
	if t.stepStarted {
		ws.notifyApprovers(ctx, models.NotifyApprovalRequested, req, t, false)
	}
	if t.escalated {
		ws.notifyApprovers(ctx, models.NotifyApprovalEscalated, req, t, true)
	}
	if t.comment != nil && !t.comment.Internal {
		ws.notifyComment(ctx, req, t)
	}
	if t.resolved {
		ws.cancelPending(ctx, req.ID)
		ws.notifyResolved(ctx, req, t)
		ws.runHooks(req)
		return
	}
	if !req.Status.Terminal() && (t.stepStarted || t.escalated || t.comment != nil) {
		ws.cancelIfResolved(ctx, req.ID)
	}
}

func (ws *WorkflowSystem) cancelPending(ctx context.Context, id string) {
	if _, err := ws.notifier.Cancel(ctx, id, pendingTypes...); err != nil {
		logger.Warn().Err(err).Str("request_id", id).Msg("[Approval] Failed to cancel queued notifications")
	}
}

// cancelIfResolved covers a resolution saved by another caller while this
// transition's notifications were being sent. That caller's Cancel may have
// run before these deliveries existed.
func (ws *WorkflowSystem) cancelIfResolved(ctx context.Context, id string) {
	cur, err := ws.store.Get(ctx, id)
	if err != nil || !cur.Status.Terminal() {
		return
	}
	ws.cancelPending(ctx, id)
}

func (ws *WorkflowSystem) runHooks(req *models.ApprovalRequest) {
	ws.hooksMu.RLock()
	hooks := make([]func(*models.ApprovalRequest), len(ws.hooks))
	copy(hooks, ws.hooks)
	ws.hooksMu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("[Approval] Resolved hook panicked for %s: %v", req.ID, r)
				}
			}()
			hook(req.Clone())
		}()
	}
}

func (ws *WorkflowSystem) notifyApprovers(ctx context.Context, typ models.NotificationType, req *models.ApprovalRequest, t *transition, includeRequester bool) {
	roles, teams := approverSets(req)
	recipients := newRecipientSet()
	ws.addApprovers(ctx, recipients, roles, teams)
	if includeRequester {
		ws.addUser(ctx, recipients, req.RequesterID)
	}
	ws.send(ctx, typ, req, recipients.list(), t)
}

func (ws *WorkflowSystem) notifyComment(ctx context.Context, req *models.ApprovalRequest, t *transition) {
	recipients := newRecipientSet()
	if !req.Status.Terminal() {
		roles, teams := approverSets(req)
		ws.addApprovers(ctx, recipients, roles, teams)
	}
	ws.addUser(ctx, recipients, req.RequesterID)
	recipients.exclude(ws.contactsOf(ctx, t.comment.UserID))
	ws.send(ctx, models.NotifyApprovalComment, req, recipients.list(), t)
}

func (ws *WorkflowSystem) notifyResolved(ctx context.Context, req *models.ApprovalRequest, t *transition) {
	recipients := newRecipientSet()
	ws.addUser(ctx, recipients, req.RequesterID)
	for _, d := range req.Decisions {
		if d.ApproverID != SystemApproverID {
			ws.addUser(ctx, recipients, d.ApproverID)
		}
		if d.ActingUserID != "" {
			ws.addUser(ctx, recipients, d.ActingUserID)
		}
	}
	ws.send(ctx, models.NotifyApprovalResolved, req, recipients.list(), t)
}

func (ws *WorkflowSystem) send(ctx context.Context, typ models.NotificationType, req *models.ApprovalRequest, recipients []models.Recipient, t *transition) {
	if len(recipients) == 0 {
		logger.Debug().Str("request_id", req.ID).Str("type", string(typ)).Msg("[Approval] No recipients for notification")
		return
	}
	repo := req.Repository
	// Subject and body come from the template for typ.
	n := &models.NotificationRequest{
		Type:          typ,
		Priority:      req.Priority,
		Recipients:    recipients,
		Repository:    &repo,
		Variables:     notificationVars(req, t),
		TemplateID:    string(typ),
		CorrelationID: req.ID,
	}
	if _, err := ws.notifier.Send(ctx, n); err != nil {
		logger.Warn().Err(err).Str("request_id", req.ID).Str("type", string(typ)).Msg("[Approval] Notification failed")
	}
}

func notificationVars(req *models.ApprovalRequest, t *transition) map[string]string {
	vars := map[string]string{
		"request_id":       req.ID,
		"title":            req.Title,
		"description":      req.Description,
		"type":             req.Type,
		"priority":         string(req.Priority),
		"status":           string(req.Status),
		"repository":       req.Repository.Slug(),
		"requester":        req.RequesterID,
		"step":             strconv.Itoa(req.CurrentStepIndex + 1),
		"step_name":        "",
		"escalation_level": strconv.Itoa(req.EscalationLevel),
		"actor":            t.actor,
		"comment":          "",
		"deadline":         "",
	}
	if step, ok := req.CurrentStep(); ok {
		vars["step_name"] = step.Name
	}
	if req.DeadlineAt != nil {
		vars["deadline"] = req.DeadlineAt.UTC().Format(time.RFC3339)
	}
	if t.comment != nil {
		vars["comment"] = t.comment.Text
	}
	return vars
}

// addApprovers adds everyone holding one of roles or belonging to one of teams.
func (ws *WorkflowSystem) addApprovers(ctx context.Context, set *recipientSet, roles, teams []string) {
	users, err := ws.dir.ListUsers(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("[Approval] Failed to list users for notification")
		return
	}
	for i := range users {
		u := &users[i]
		if matchesApprover(u, roles, teams) {
			set.add(u.Contacts...)
		}
	}
	for _, teamID := range teams {
		team, err := ws.dir.GetTeam(ctx, teamID)
		if err != nil {
			continue
		}
		for _, m := range team.Members {
			ws.addUser(ctx, set, m.UserID)
		}
	}
}

func matchesApprover(u *models.User, roles, teams []string) bool {
	for _, r := range roles {
		if u.Role == r {
			return true
		}
	}
	for _, t := range teams {
		if u.InTeam(t) {
			return true
		}
	}
	return false
}

func (ws *WorkflowSystem) addUser(ctx context.Context, set *recipientSet, userID string) {
	set.add(ws.contactsOf(ctx, userID)...)
}

func (ws *WorkflowSystem) contactsOf(ctx context.Context, userID string) []models.Recipient {
	if userID == "" {
		return nil
	}
	u, err := ws.dir.GetUser(ctx, userID)
	if err != nil {
		return nil
	}
	return u.Contacts
}

// recipientSet keeps insertion order and drops duplicates.
type recipientSet struct {
	seen  map[models.Recipient]bool
	items []models.Recipient
}

func newRecipientSet() *recipientSet {
	return &recipientSet{seen: make(map[models.Recipient]bool)}
}

func (s *recipientSet) add(rs ...models.Recipient) {
	for _, r := range rs {
		if r.Channel == "" || r.Address == "" || s.seen[r] {
			continue
		}
		s.seen[r] = true
		s.items = append(s.items, r)
	}
}

func (s *recipientSet) exclude(rs []models.Recipient) {
	drop := make(map[models.Recipient]bool, len(rs))
	for _, r := range rs {
		drop[r] = true
	}
	kept := s.items[:0]
	for _, r := range s.items {
		if !drop[r] {
			kept = append(kept, r)
		}
	}
	s.items = kept
}

func (s *recipientSet) list() []models.Recipient {
	return s.items
}
