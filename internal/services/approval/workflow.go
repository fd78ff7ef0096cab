// Package approval implements the approval workflow: policy resolution,
// multi-step voting with delegation, deadline escalation and expiry.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/huangang/repoflow/internal/apperr"
	"github.com/huangang/repoflow/internal/clock"
	"github.com/huangang/repoflow/internal/idgen"
	"github.com/huangang/repoflow/internal/models"
	"github.com/huangang/repoflow/internal/services/condition"
	"github.com/huangang/repoflow/pkg/logger"
	"gorm.io/datatypes"
)

// SystemApproverID records implicit approvals made on step timeout.
const SystemApproverID = "system"

// Notifier is the part of the notification dispatcher the workflow uses.
type Notifier interface {
	Send(ctx context.Context, req *models.NotificationRequest) ([]string, error)
	// Cancel abandons queued deliveries correlated with a request.
	Cancel(ctx context.Context, correlationID string, types ...models.NotificationType) (int, error)
}

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, *models.NotificationRequest) ([]string, error) {
	return nil, nil
}

func (nopNotifier) Cancel(context.Context, string, ...models.NotificationType) (int, error) {
	return 0, nil
}

// CreateRequest is the input of CreateApprovalRequest.
type CreateRequest struct {
	Type        string                 `json:"type"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	RequesterID string                 `json:"requester_id"`
	Repository  models.RepositoryInfo  `json:"repository"`
	Payload     map[string]interface{} `json:"payload"`
	Priority    models.Priority        `json:"priority"`
}

type Option func(*WorkflowSystem)

// WithExpireAfter sets how long an escalated request without a timed tier
// stays open before it expires. Zero keeps it open indefinitely.
func WithExpireAfter(d time.Duration) Option {
	return func(ws *WorkflowSystem) { ws.expireAfter = d }
}

// WithIDGenerator replaces the request and comment id generator.
func WithIDGenerator(f func(prefix string) string) Option {
	return func(ws *WorkflowSystem) { ws.newID = f }
}

// WorkflowSystem owns every approval request for its lifetime.
type WorkflowSystem struct {
	store       Store
	registry    *PolicyRegistry
	dir         Directory
	notifier    Notifier
	clk         clock.Clock
	timers      *timerSet
	expireAfter time.Duration
	newID       func(prefix string) string

	hooksMu sync.RWMutex
	hooks   []func(*models.ApprovalRequest)
}

func NewWorkflowSystem(store Store, registry *PolicyRegistry, dir Directory, notifier Notifier, clk clock.Clock, opts ...Option) *WorkflowSystem {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	ws := &WorkflowSystem{
		store:       store,
		registry:    registry,
		dir:         dir,
		notifier:    notifier,
		clk:         clk,
		timers:      newTimerSet(clk),
		expireAfter: 72 * time.Hour,
		newID:       idgen.Prefixed,
	}
	for _, opt := range opts {
		opt(ws)
	}
	return ws
}

// OnResolved registers a hook called once per request when it reaches a
// terminal status.
func (ws *WorkflowSystem) OnResolved(fn func(*models.ApprovalRequest)) {
	ws.hooksMu.Lock()
	defer ws.hooksMu.Unlock()
	ws.hooks = append(ws.hooks, fn)
}

// Close stops all pending deadline timers.
func (ws *WorkflowSystem) Close() {
	ws.timers.stopAll()
}

// transition collects what happened inside one critical section so side
// effects run after the request is saved and unlocked.
type transition struct {
	stepStarted  bool
	escalated    bool
	resolved     bool
	autoApproved bool
	comment      *models.Comment
	actor        string
}

// CreateApprovalRequest resolves the governing policy and opens a request at
// its first applicable step.
func (ws *WorkflowSystem) CreateApprovalRequest(ctx context.Context, in CreateRequest) (string, error) {
	if err := validateCreate(in); err != nil {
		return "", err
	}
	payload, err := normalizePayload(in.Payload)
	if err != nil {
		return "", err
	}

	priority := in.Priority
	if !priority.Valid() {
		priority = models.PriorityMedium
	}

	now := ws.clk.Now()
	req := &models.ApprovalRequest{
		Type:        in.Type,
		Title:       in.Title,
		Description: in.Description,
		RequesterID: in.RequesterID,
		Repository:  in.Repository,
		Payload:     payload,
		Priority:    priority,
		Status:      models.StatusPending,
		Decisions:   []models.StepDecision{},
		Comments:    []models.Comment{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Repository.FullName == "" {
		req.Repository.FullName = req.Repository.Slug()
	}

	policies, err := ws.registry.Applicable(req.Repository.Slug(), req.Type, requestFacts(req))
	if err != nil {
		return "", err
	}
	if len(policies) == 0 {
		return "", &apperr.PolicyNotFoundError{Repository: req.Repository.Slug(), Type: req.Type}
	}
	policy := policies[0]

	if tmpl, ok := ws.registry.Template(req.Type); ok {
		if req.Title == "" {
			req.Title = tmpl.Title
		}
		if req.Description == "" {
			req.Description = tmpl.Description
		}
	}
	if req.Title == "" {
		req.Title = fmt.Sprintf("%s for %s", req.Type, req.Repository.Slug())
	}

	req.ID = ws.newID("apr")
	req.PolicyID = policy.ID
	req.Workflow = policy.Workflow
	req.Workflow.Steps = append([]models.WorkflowStep(nil), policy.Workflow.Steps...)
	req.Escalation = append([]models.EscalationTier(nil), policy.Escalation...)

	t := &transition{actor: in.RequesterID}
	ws.startFrom(req, 0, now, t)

	if err := ws.store.Create(ctx, req); err != nil {
		return "", fmt.Errorf("store approval request: %w", err)
	}
	if !req.Status.Terminal() {
		ws.arm(ctx, req.ID)
	}

	logger.Info().
		Str("request_id", req.ID).
		Str("policy_id", policy.ID).
		Str("repository", req.Repository.Slug()).
		Str("type", req.Type).
		Str("status", string(req.Status)).
		Msg("[Approval] Request created")

	ws.afterTransition(ctx, req, t)
	return req.ID, nil
}

// ApproveRequest records a vote. It returns false without error for an
// unknown request, a terminal request, an ineligible user or a repeated vote.
func (ws *WorkflowSystem) ApproveRequest(ctx context.Context, requestID, userID string, action models.DecisionAction, comment string) (bool, error) {
	if action != models.ActionApprove && action != models.ActionReject {
		return false, apperr.Invalid("action", "must be approve or reject, got %q", action)
	}
	if requestID == "" || userID == "" {
		return false, nil
	}

	t := &transition{actor: userID}
	var denied error
	saved, err := ws.store.Update(ctx, requestID, func(req *models.ApprovalRequest) error {
		if req.Status.Terminal() {
			denied = &apperr.UnauthorizedActionError{UserID: userID, RequestID: requestID, Reason: "request is " + string(req.Status)}
			return ErrUnchanged
		}
		step, ok := req.CurrentStep()
		if !ok {
			return ErrUnchanged
		}

		now := ws.clk.Now()
		approverID, actingID, err := ws.resolveVoter(ctx, req, userID, now)
		if err != nil {
			var unauthorized *apperr.UnauthorizedActionError
			if errors.As(err, &unauthorized) {
				denied = err
				return ErrUnchanged
			}
			return err
		}

		req.Decisions = append(req.Decisions, models.StepDecision{
			StepIndex:       req.CurrentStepIndex,
			ApproverID:      approverID,
			ActingUserID:    actingID,
			Action:          action,
			Comment:         comment,
			EscalationLevel: req.EscalationLevel,
			Timestamp:       now,
		})
		req.UpdatedAt = now
		if req.Status == models.StatusEscalated {
			req.Status = models.StatusPending
		}

		approvals, rejects := tally(req, req.CurrentStepIndex)
		required := step.RequiredApprovals()
		switch {
		case action == models.ActionReject:
			if req.Workflow.RejectionMode != models.RejectVote || step.RequiresUnanimous || rejects >= required {
				ws.resolve(req, models.StatusRejected, now, t)
			}
		case approvals >= required && (!step.RequiresUnanimous || rejects == 0):
			ws.completeStep(req, now, t)
		}
		if t.stepStarted || t.resolved {
			ws.armTimer(req)
		}
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrUnchanged):
		if denied != nil {
			logger.Warn().Err(denied).Str("action", string(action)).Msg("[Approval] Vote refused")
		}
		return false, nil
	case errors.Is(err, apperr.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("record vote on %s: %w", requestID, err)
	}

	logger.Info().
		Str("request_id", requestID).
		Str("user_id", userID).
		Str("action", string(action)).
		Str("status", string(saved.Status)).
		Int("step", saved.CurrentStepIndex).
		Msg("[Approval] Vote recorded")

	ws.afterTransition(ctx, saved, t)
	return true, nil
}

// AddComment appends to the request's communication log. Public comments
// notify the requester and the current approvers.
func (ws *WorkflowSystem) AddComment(ctx context.Context, requestID, userID, text string, internal bool) (bool, error) {
	text = strings.TrimSpace(text)
	if requestID == "" || userID == "" || text == "" {
		return false, nil
	}

	t := &transition{actor: userID}
	saved, err := ws.store.Update(ctx, requestID, func(req *models.ApprovalRequest) error {
		now := ws.clk.Now()
		c := models.Comment{
			ID:        ws.newID("cmt"),
			UserID:    userID,
			Text:      text,
			Internal:  internal,
			CreatedAt: now,
		}
		req.Comments = append(req.Comments, c)
		req.UpdatedAt = now
		t.comment = &c
		return nil
	})
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("add comment to %s: %w", requestID, err)
	}

	ws.afterTransition(ctx, saved, t)
	return true, nil
}

// GetRequest returns a copy of a request.
func (ws *WorkflowSystem) GetRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return ws.store.Get(ctx, id)
}

func (ws *WorkflowSystem) ListRequests(ctx context.Context, filter ListFilter) ([]*models.ApprovalRequest, error) {
	return ws.store.List(ctx, filter)
}

// --- state machine helpers; all run inside Store.Update ---

// startFrom enters the first step at or after idx whose conditions hold, or
// approves the request when none is left.
func (ws *WorkflowSystem) startFrom(req *models.ApprovalRequest, idx int, now time.Time, t *transition) {
	for i := idx; i < len(req.Workflow.Steps); i++ {
		if ws.stepApplies(req, i) {
			ws.enterStep(req, i, now)
			t.stepStarted = true
			return
		}
		logger.Debug().Str("request_id", req.ID).Int("step", i).Msg("[Approval] Step skipped, conditions not met")
	}
	ws.resolve(req, models.StatusApproved, now, t)
}

func (ws *WorkflowSystem) stepApplies(req *models.ApprovalRequest, idx int) bool {
	step := req.Workflow.Steps[idx]
	if len(step.Conditions) == 0 {
		return true
	}
	ok, err := condition.EvaluateAll(step.Conditions, requestFacts(req))
	if err != nil {
		// A broken condition keeps the step so the action still gets reviewed.
		logger.Warn().Err(err).Str("request_id", req.ID).Int("step", idx).Msg("[Approval] Step condition failed")
		return true
	}
	return ok
}

func (ws *WorkflowSystem) enterStep(req *models.ApprovalRequest, idx int, now time.Time) {
	req.CurrentStepIndex = idx
	req.StepStartedAt = now
	req.Status = models.StatusPending
	req.EscalationLevel = 0
	req.EscalatedAt = nil
	req.UpdatedAt = now
	req.DeadlineAt = nil
	if d, ok := req.Workflow.Steps[idx].Timeout(); ok {
		deadline := now.Add(d)
		req.DeadlineAt = &deadline
	}
}

func (ws *WorkflowSystem) completeStep(req *models.ApprovalRequest, now time.Time, t *transition) {
	ws.startFrom(req, req.CurrentStepIndex+1, now, t)
}

func (ws *WorkflowSystem) resolve(req *models.ApprovalRequest, status models.RequestStatus, now time.Time, t *transition) {
	req.Status = status
	req.ResolvedAt = &now
	req.UpdatedAt = now
	req.DeadlineAt = nil
	t.resolved = true
	t.stepStarted = false
	ws.timers.cancel(req.ID)
}

// applyTimeout runs when the deadline of the current step or tier passes.
func (ws *WorkflowSystem) applyTimeout(req *models.ApprovalRequest, now time.Time, t *transition) {
	step, ok := req.CurrentStep()
	if ok && step.AutoApprove && req.EscalationLevel == 0 {
		req.Decisions = append(req.Decisions, models.StepDecision{
			StepIndex:  req.CurrentStepIndex,
			ApproverID: SystemApproverID,
			Action:     models.ActionApprove,
			Comment:    "auto-approved after step timeout",
			Timestamp:  now,
		})
		t.autoApproved = true
		ws.completeStep(req, now, t)
		return
	}

	tiers := len(req.Escalation)
	if tiers == 0 {
		tiers = 1
	}
	if req.EscalationLevel < tiers {
		req.EscalationLevel++
		req.Status = models.StatusEscalated
		req.EscalatedAt = &now
		req.UpdatedAt = now
		req.DeadlineAt = ws.escalationDeadline(req, now)
		t.escalated = true
		return
	}
	ws.resolve(req, models.StatusExpired, now, t)
}

func (ws *WorkflowSystem) escalationDeadline(req *models.ApprovalRequest, now time.Time) *time.Time {
	var d time.Duration
	if tier, ok := req.CurrentTier(); ok && tier.TimeoutHours > 0 {
		d = models.Hours(tier.TimeoutHours)
	} else if ws.expireAfter > 0 {
		d = ws.expireAfter
	} else {
		return nil
	}
	deadline := now.Add(d)
	return &deadline
}

// armTimer makes the live timer of req match its DeadlineAt.
func (ws *WorkflowSystem) armTimer(req *models.ApprovalRequest) {
	if req.Status.Terminal() || req.DeadlineAt == nil {
		ws.timers.cancel(req.ID)
		return
	}
	delay := req.DeadlineAt.Sub(ws.clk.Now())
	if delay < 0 {
		delay = 0
	}
	key := timerKey{requestID: req.ID, step: req.CurrentStepIndex, level: req.EscalationLevel}
	ws.timers.schedule(key, delay, ws.onTimer)
}

// arm schedules the deadline timer of a stored request under its lock.
func (ws *WorkflowSystem) arm(ctx context.Context, id string) {
	_, err := ws.store.Update(ctx, id, func(req *models.ApprovalRequest) error {
		ws.armTimer(req)
		return ErrUnchanged
	})
	if err != nil && !errors.Is(err, ErrUnchanged) {
		logger.Error().Err(err).Str("request_id", id).Msg("[Approval] Failed to arm deadline timer")
	}
}

func (ws *WorkflowSystem) onTimer(key timerKey, gen uint64) {
	defer ws.timers.release(key, gen)
	ws.fireDeadline(context.Background(), key, func(*models.ApprovalRequest) bool { return ws.timers.current(key, gen) })
}

// fireDeadline applies a timeout if the request is still at the step and
// escalation level the deadline was set for and live() still holds.
func (ws *WorkflowSystem) fireDeadline(ctx context.Context, key timerKey, live func(*models.ApprovalRequest) bool) bool {
	t := &transition{actor: SystemApproverID}
	saved, err := ws.store.Update(ctx, key.requestID, func(req *models.ApprovalRequest) error {
		if !live(req) || req.Status.Terminal() ||
			req.CurrentStepIndex != key.step || req.EscalationLevel != key.level {
			return ErrUnchanged
		}
		ws.applyTimeout(req, ws.clk.Now(), t)
		ws.armTimer(req)
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrUnchanged) && !errors.Is(err, apperr.ErrNotFound) {
			logger.Error().Err(err).Str("request_id", key.requestID).Msg("[Approval] Deadline handling failed")
		}
		return false
	}

	logger.Warn().
		Str("request_id", saved.ID).
		Int("step", key.step).
		Int("escalation_level", saved.EscalationLevel).
		Str("status", string(saved.Status)).
		Bool("auto_approved", t.autoApproved).
		Msg("[Approval] Step deadline passed")

	ws.afterTransition(ctx, saved, t)
	return true
}

// --- authorization ---

// resolveVoter decides whose vote userID casts: their own, or a delegator's
// through an active delegation. A person acts at most once per step.
func (ws *WorkflowSystem) resolveVoter(ctx context.Context, req *models.ApprovalRequest, userID string, now time.Time) (approverID, actingID string, err error) {
	deny := func(reason string) (string, string, error) {
		return "", "", &apperr.UnauthorizedActionError{UserID: userID, RequestID: req.ID, Reason: reason}
	}

	if hasActed(req, userID) {
		return deny("already voted on this step")
	}

	eligible, err := ws.isEligible(ctx, req, userID)
	if err != nil {
		return "", "", err
	}
	if eligible {
		return userID, "", nil
	}

	delegations, err := ws.dir.DelegationsTo(ctx, userID)
	if err != nil {
		return "", "", err
	}
	for _, d := range delegations {
		if !d.ActiveAt(now) || hasActed(req, d.DelegatorID) {
			continue
		}
		if len(d.Conditions) > 0 {
			ok, err := condition.EvaluateAll(d.Conditions, requestFacts(req))
			if err != nil || !ok {
				continue
			}
		}
		ok, err := ws.isEligible(ctx, req, d.DelegatorID)
		if err != nil {
			return "", "", err
		}
		if ok {
			return d.DelegatorID, userID, nil
		}
	}
	return deny(fmt.Sprintf("not an approver for step %d", req.CurrentStepIndex+1))
}

func hasActed(req *models.ApprovalRequest, userID string) bool {
	for _, d := range req.Decisions {
		if d.StepIndex == req.CurrentStepIndex && (d.ApproverID == userID || d.ActingUserID == userID) {
			return true
		}
	}
	return false
}

// approverSets returns the roles and teams allowed to vote on the current
// step, widened by every escalation tier reached so far.
func approverSets(req *models.ApprovalRequest) (roles, teams []string) {
	if step, ok := req.CurrentStep(); ok {
		roles = append(roles, step.ApproverRoles...)
		teams = append(teams, step.TeamIDs...)
	}
	for i := 0; i < req.EscalationLevel && i < len(req.Escalation); i++ {
		roles = append(roles, req.Escalation[i].ApproverRoles...)
		teams = append(teams, req.Escalation[i].TeamIDs...)
	}
	return roles, teams
}

func (ws *WorkflowSystem) isEligible(ctx context.Context, req *models.ApprovalRequest, userID string) (bool, error) {
	roles, teams := approverSets(req)

	user, err := ws.dir.GetUser(ctx, userID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return false, err
	}
	if user != nil {
		for _, r := range roles {
			if user.Role == r {
				return true, nil
			}
		}
	}
	for _, teamID := range teams {
		if user != nil && user.InTeam(teamID) {
			return true, nil
		}
		team, err := ws.dir.GetTeam(ctx, teamID)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if team.HasMember(userID) {
			return true, nil
		}
	}
	return false, nil
}

func tally(req *models.ApprovalRequest, step int) (approvals, rejects int) {
	for _, d := range req.Decisions {
		if d.StepIndex != step {
			continue
		}
		switch d.Action {
		case models.ActionApprove:
			approvals++
		case models.ActionReject:
			rejects++
		}
	}
	return approvals, rejects
}

// requestFacts exposes a request to policy, step and delegation conditions.
func requestFacts(req *models.ApprovalRequest) condition.MapResolver {
	payload := map[string]interface{}(req.Payload)
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return condition.MapResolver{
		"type":         req.Type,
		"title":        req.Title,
		"priority":     string(req.Priority),
		"requester_id": req.RequesterID,
		"status":       string(req.Status),
		"repository": map[string]interface{}{
			"owner":          req.Repository.Owner,
			"name":           req.Repository.Name,
			"full_name":      req.Repository.Slug(),
			"default_branch": req.Repository.DefaultBranch,
		},
		"payload": payload,
	}
}

func validateCreate(in CreateRequest) error {
	if in.Type == "" {
		return apperr.Invalid("type", "must not be empty")
	}
	if in.RequesterID == "" {
		return apperr.Invalid("requester_id", "must not be empty")
	}
	if in.Repository.Owner == "" || in.Repository.Name == "" {
		return apperr.Invalid("repository", "owner and name are required")
	}
	return nil
}

// normalizePayload round-trips the payload through JSON so stored and
// in-memory requests expose the same shapes to conditions.
func normalizePayload(p map[string]interface{}) (datatypes.JSONMap, error) {
	if len(p) == 0 {
		return datatypes.JSONMap{}, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, apperr.Invalid("payload", "not JSON encodable: %v", err)
	}
	var out datatypes.JSONMap
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apperr.Invalid("payload", "%v", err)
	}
	return out, nil
}
