// Package orchestrator turns repository events into applied changes or
// approval requests.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/huangang/repoflow/internal/apperr"
	"github.com/huangang/repoflow/internal/models"
	"github.com/huangang/repoflow/internal/services/approval"
	"github.com/huangang/repoflow/internal/services/automation"
	"github.com/huangang/repoflow/pkg/logger"
)

const (
	payloadDecision = "decision"
	defaultActor    = "repoflow-bot"
	applyTimeout    = 2 * time.Minute
)

// Applier carries out a decision, e.g. by opening a pull request.
type Applier interface {
	Apply(ctx context.Context, repo models.RepositoryInfo, decision models.AutomationDecision) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, repo models.RepositoryInfo, decision models.AutomationDecision) error

func (f ApplierFunc) Apply(ctx context.Context, repo models.RepositoryInfo, decision models.AutomationDecision) error {
	return f(ctx, repo, decision)
}

type Evaluator interface {
	Evaluate(changes *models.RepositoryChanges, repo *models.RepositoryInfo) (*automation.EvaluationResult, error)
}

type Approvals interface {
	CreateApprovalRequest(ctx context.Context, in approval.CreateRequest) (string, error)
	OnResolved(fn func(*models.ApprovalRequest))
}

type Notifier interface {
	Send(ctx context.Context, req *models.NotificationRequest) ([]string, error)
}

// Event is one batch of changes pushed to a repository.
type Event struct {
	Repository  models.RepositoryInfo    `json:"repository"`
	Changes     models.RepositoryChanges `json:"changes"`
	RequesterID string                   `json:"requester_id"`
}

type Disposition string

const (
	Applied         Disposition = "applied"
	PendingApproval Disposition = "pending_approval"
	// Deferred means no approval policy governs the decision, so it was
	// neither applied nor sent for approval.
	Deferred Disposition = "deferred"
	Failed   Disposition = "failed"
	Skipped  Disposition = "skipped"
)

type DecisionResult struct {
	RuleID      string          `json:"rule_id"`
	Type        string          `json:"type"`
	Priority    models.Priority `json:"priority"`
	Disposition Disposition     `json:"disposition"`
	RequestID   string          `json:"request_id,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type Outcome struct {
	Repository   string                   `json:"repository"`
	Results      []DecisionResult         `json:"results"`
	RuleFailures []automation.RuleFailure `json:"rule_failures,omitempty"`
	// Deferred is set when at least one decision had no governing policy.
	Deferred bool `json:"deferred"`
}

// Count returns how many decisions ended with d.
func (o *Outcome) Count(d Disposition) int {
	n := 0
	for _, r := range o.Results {
		if r.Disposition == d {
			n++
		}
	}
	return n
}

type Option func(*Orchestrator)

// WithRiskThreshold sets the lowest priority that needs human approval.
func WithRiskThreshold(p models.Priority) Option {
	return func(o *Orchestrator) {
		if p.Valid() {
			o.threshold = p
		}
	}
}

// WithWatchers sets who hears about automatically applied changes.
func WithWatchers(recipients ...models.Recipient) Option {
	return func(o *Orchestrator) { o.watchers = append(o.watchers, recipients...) }
}

// WithDefaultRequester names the requester of events that carry none.
func WithDefaultRequester(id string) Option {
	return func(o *Orchestrator) { o.requester = id }
}

type Orchestrator struct {
	engine    Evaluator
	approvals Approvals
	applier   Applier
	notifier  Notifier
	threshold models.Priority
	watchers  []models.Recipient
	requester string
	lanes     *lanes
}

// New wires the pipeline and subscribes to resolved approval requests.
// notifier may be nil.
func New(engine Evaluator, approvals Approvals, applier Applier, notifier Notifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:    engine,
		approvals: approvals,
		applier:   applier,
		notifier:  notifier,
		threshold: models.PriorityHigh,
		requester: defaultActor,
		lanes:     newLanes(),
	}
	for _, opt := range opts {
		opt(o)
	}
	approvals.OnResolved(o.handleResolved)
	return o
}

// HandleEvent evaluates the event and routes every applicable decision.
// Events for one repository are handled one at a time in arrival order.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev Event) (*Outcome, error) {
	if ev.Repository.Owner == "" || ev.Repository.Name == "" {
		return nil, apperr.Invalid("repository", "owner and name are required")
	}
	if ev.Repository.FullName == "" {
		ev.Repository.FullName = ev.Repository.Slug()
	}
	if ev.RequesterID == "" {
		ev.RequesterID = o.requester
	}

	var out *Outcome
	err := o.lanes.run(ctx, ev.Repository.Slug(), func() error {
		var err error
		out, err = o.process(ctx, ev)
		return err
	})
	return out, err
}

func (o *Orchestrator) process(ctx context.Context, ev Event) (*Outcome, error) {
	repo := ev.Repository
	result, err := o.engine.Evaluate(&ev.Changes, &repo)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Repository: repo.Slug(), Results: []DecisionResult{}, RuleFailures: result.Failures}
	for _, d := range result.Decisions {
		res := DecisionResult{RuleID: d.RuleID, Type: d.Type, Priority: d.Priority}
		switch {
		case !d.ShouldApply:
			res.Disposition = Skipped
		case d.Priority.AtLeast(o.threshold):
			o.requestApproval(ctx, ev, d, &res)
		default:
			o.apply(ctx, repo, d, "", &res)
		}
		if res.Disposition == Deferred {
			out.Deferred = true
		}
		out.Results = append(out.Results, res)
	}

	logger.Info().
		Str("repository", out.Repository).
		Int("decisions", len(out.Results)).
		Int("applied", out.Count(Applied)).
		Int("pending_approval", out.Count(PendingApproval)).
		Int("deferred", out.Count(Deferred)).
		Msg("[Orchestrator] Event handled")
	return out, nil
}

func (o *Orchestrator) requestApproval(ctx context.Context, ev Event, d models.AutomationDecision, res *DecisionResult) {
	id, err := o.approvals.CreateApprovalRequest(ctx, approval.CreateRequest{
		Type:        d.Type,
		Description: d.Rationale,
		RequesterID: ev.RequesterID,
		Repository:  ev.Repository,
		Priority:    d.Priority,
		Payload: map[string]interface{}{
			payloadDecision: d,
			"rule_id":       d.RuleID,
			"category":      string(d.Category),
			"risk":          string(d.Priority),
		},
	})
	switch {
	case err == nil:
		res.Disposition = PendingApproval
		res.RequestID = id
	case apperr.IsPolicyNotFound(err):
		res.Disposition = Deferred
		res.Error = err.Error()
		logger.Warn().Err(err).Str("rule", d.RuleID).Msg("[Orchestrator] No approval policy, decision deferred")
	default:
		res.Disposition = Failed
		res.Error = err.Error()
		logger.Error().Err(err).Str("rule", d.RuleID).Msg("[Orchestrator] Failed to create approval request")
	}
}

func (o *Orchestrator) apply(ctx context.Context, repo models.RepositoryInfo, d models.AutomationDecision, requestID string, res *DecisionResult) {
	if err := o.applier.Apply(ctx, repo, d); err != nil {
		res.Disposition = Failed
		res.Error = err.Error()
		logger.Error().Err(err).Str("repository", repo.Slug()).Str("rule", d.RuleID).Msg("[Orchestrator] Apply failed")
		return
	}
	res.Disposition = Applied
	logger.Info().Str("repository", repo.Slug()).Str("rule", d.RuleID).Str("request_id", requestID).Msg("[Orchestrator] Decision applied")
	o.notifyApplied(ctx, repo, d, requestID)
}

func (o *Orchestrator) notifyApplied(ctx context.Context, repo models.RepositoryInfo, d models.AutomationDecision, requestID string) {
	if o.notifier == nil || len(o.watchers) == 0 {
		return
	}
	_, err := o.notifier.Send(ctx, &models.NotificationRequest{
		Type:          models.NotifyAutomationApplied,
		TemplateID:    string(models.NotifyAutomationApplied),
		Priority:      d.Priority,
		Recipients:    o.watchers,
		Repository:    &repo,
		CorrelationID: requestID,
		Variables: map[string]string{
			"repository": repo.Slug(),
			"rule":       d.RuleID,
			"action":     d.Type,
			"risk":       string(d.Priority),
			"rationale":  d.Rationale,
			"request_id": requestID,
		},
	})
	if err != nil {
		logger.Warn().Err(err).Str("rule", d.RuleID).Msg("[Orchestrator] Failed to notify watchers")
	}
}

// handleResolved applies approved decisions. It runs on the goroutine that
// resolved the request.
func (o *Orchestrator) handleResolved(req *models.ApprovalRequest) {
	d, ok, err := decisionFromPayload(req.Payload)
	if err != nil {
		logger.Error().Err(err).Str("request_id", req.ID).Msg("[Orchestrator] Unreadable decision in approval payload")
		return
	}
	if !ok {
		return
	}

	if req.Status != models.StatusApproved {
		logger.Info().Str("request_id", req.ID).Str("status", string(req.Status)).Str("rule", d.RuleID).
			Msg("[Orchestrator] Decision not applied")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()
	var res DecisionResult
	o.apply(ctx, req.Repository, d, req.ID, &res)
}

func decisionFromPayload(payload map[string]interface{}) (models.AutomationDecision, bool, error) {
	var d models.AutomationDecision
	raw, ok := payload[payloadDecision]
	if !ok || raw == nil {
		return d, false, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return d, false, err
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return d, false, fmt.Errorf("decode decision: %w", err)
	}
	return d, true, nil
}
