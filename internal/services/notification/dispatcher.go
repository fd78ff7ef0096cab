package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/huangang/repoflow/internal/apperr"
	"github.com/huangang/repoflow/internal/clock"
	"github.com/huangang/repoflow/internal/idgen"
	"github.com/huangang/repoflow/internal/models"
	"github.com/huangang/repoflow/pkg/logger"
	"golang.org/x/sync/errgroup"
)

const (
	maxParallelSends = 16
	// dueTolerance absorbs clock skew between the stored retry time and the
	// timer that fires for it.
	dueTolerance = time.Second
	// sweepGrace leaves live queue entries a chance to fire before the
	// sweep treats a retry as lost.
	sweepGrace = 30 * time.Second
)

// ChannelSettings controls one registered channel.
type ChannelSettings struct {
	Enabled    bool
	RateLimit  int
	RateWindow time.Duration
}

type Option func(*Dispatcher)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

func WithQueue(q RetryQueue) Option {
	return func(d *Dispatcher) { d.queue = q }
}

func WithFilters(filters ...Filter) Option {
	return func(d *Dispatcher) { d.filters = append(d.filters, filters...) }
}

func WithTemplates(t *TemplateSet) Option {
	return func(d *Dispatcher) { d.templates = t }
}

func WithIDGenerator(fn func(prefix string) string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

// WithJitterSource replaces math/rand as the backoff jitter source.
func WithJitterSource(rnd func() float64) Option {
	return func(d *Dispatcher) { d.rnd = rnd }
}

// Dispatcher delivers notifications through registered channels. Every
// (notification, recipient) pair is one DeliveryAttempt chain in the store,
// retried in place with exponential backoff.
type Dispatcher struct {
	store     AttemptStore
	clk       clock.Clock
	limiter   *ChannelLimiter
	templates *TemplateSet
	policy    RetryPolicy
	queue     RetryQueue
	newID     func(prefix string) string
	rnd       func() float64
	metrics   *recorder

	mu       sync.RWMutex
	channels map[string]Channel
	enabled  map[string]bool
	filters  []Filter

	inflight sync.Map
}

func NewDispatcher(store AttemptStore, clk clock.Clock, opts ...Option) *Dispatcher {
	if clk == nil {
		clk = clock.Real()
	}
	d := &Dispatcher{
		store:    store,
		clk:      clk,
		limiter:  NewChannelLimiter(clk),
		policy:   DefaultRetryPolicy(),
		newID:    idgen.Prefixed,
		metrics:  newRecorder(),
		channels: make(map[string]Channel),
		enabled:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.templates == nil {
		d.templates = NewTemplateSet(DefaultTemplates()...)
	}
	if d.policy.MaxAttempts < 1 {
		d.policy.MaxAttempts = 1
	}
	if d.queue == nil {
		d.queue = NewTimerQueue(clk)
	}
	if tq, ok := d.queue.(*TimerQueue); ok {
		tq.SetHandler(d.HandleRetry)
	}
	return d
}

// RegisterChannel adds or replaces a channel under ch.Name().
func (d *Dispatcher) RegisterChannel(ch Channel, s ChannelSettings) {
	name := ch.Name()
	d.mu.Lock()
	d.channels[name] = ch
	d.enabled[name] = s.Enabled
	d.mu.Unlock()
	d.limiter.SetLimit(name, s.RateLimit, s.RateWindow)
	logger.Info().Str("channel", name).Bool("enabled", s.Enabled).Int("rate_limit", s.RateLimit).Msg("[Notification] Channel registered")
}

func (d *Dispatcher) SetChannelEnabled(name string, enabled bool) {
	d.mu.Lock()
	d.enabled[name] = enabled
	d.mu.Unlock()
}

func (d *Dispatcher) AddFilter(f Filter) {
	d.mu.Lock()
	d.filters = append(d.filters, f)
	d.mu.Unlock()
}

func (d *Dispatcher) Templates() *TemplateSet { return d.templates }

// Close stops the retry queue. Retrying chains stay in the store.
func (d *Dispatcher) Close() error {
	return d.queue.Close()
}

// Send renders req and delivers it to every admitted recipient. It returns
// the delivery attempt IDs once each first attempt has finished. Delivery
// failures are retried in the background and never returned.
func (d *Dispatcher) Send(ctx context.Context, req *models.NotificationRequest) ([]string, error) {
	if req == nil {
		return nil, apperr.Invalid("request", "must not be nil")
	}
	if len(req.Recipients) == 0 {
		return nil, apperr.Invalid("recipients", "at least one recipient is required")
	}
	subject, body, err := d.templates.render(req)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(subject) == "" && strings.TrimSpace(body) == "" {
		return nil, apperr.Invalid("body", "subject and body are both empty")
	}

	notificationID := d.newID("ntf")
	now := d.clk.Now()
	seen := make(map[string]bool, len(req.Recipients))
	var ids []string
	for _, r := range req.Recipients {
		key := r.Channel + ":" + r.Address
		if seen[key] {
			continue
		}
		seen[key] = true

		if reason := d.admit(req, r); reason != "" {
			d.metrics.skipped(r.Channel)
			logger.Debug().Str("channel", r.Channel).Str("address", r.Address).Str("reason", reason).
				Msg("[Notification] Recipient skipped")
			continue
		}

		a := &models.DeliveryAttempt{
			ID:             d.newID("dlv"),
			NotificationID: notificationID,
			CorrelationID:  req.CorrelationID,
			Type:           req.Type,
			Channel:        r.Channel,
			Address:        r.Address,
			Subject:        subject,
			Body:           body,
			Status:         models.DeliveryPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := d.store.Create(ctx, a); err != nil {
			logger.Error().Err(err).Str("channel", r.Channel).Msg("[Notification] Failed to store delivery attempt")
			continue
		}
		d.metrics.queued(r.Channel)
		ids = append(ids, a.ID)
	}

	var g errgroup.Group
	g.SetLimit(maxParallelSends)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			d.attempt(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return ids, nil
}

// admit returns why r must be skipped, or "" to deliver.
func (d *Dispatcher) admit(req *models.NotificationRequest, r models.Recipient) string {
	d.mu.RLock()
	_, known := d.channels[r.Channel]
	enabled := d.enabled[r.Channel]
	filters := d.filters
	d.mu.RUnlock()

	switch {
	case !known:
		return "unknown channel"
	case !enabled:
		return "channel disabled"
	case strings.TrimSpace(r.Address) == "":
		return "empty address"
	}
	for _, f := range filters {
		if !f(req, r) {
			return "filtered"
		}
	}
	if ok, _ := d.limiter.Allow(r.Channel); !ok {
		return "rate limited"
	}
	return ""
}

func (d *Dispatcher) channel(name string) Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.channels[name]
}

// attempt makes one delivery try and moves the chain to its next state.
func (d *Dispatcher) attempt(ctx context.Context, id string) {
	if _, busy := d.inflight.LoadOrStore(id, struct{}{}); busy {
		return
	}
	defer d.inflight.Delete(id)

	a, err := d.store.Get(ctx, id)
	if err != nil {
		logger.Error().Err(err).Str("attempt", id).Msg("[Notification] Failed to load delivery attempt")
		return
	}
	if a.Status.Final() {
		return
	}

	var sendErr error
	if ch := d.channel(a.Channel); ch == nil {
		sendErr = fmt.Errorf("channel %q not registered", a.Channel)
	} else {
		sendErr = ch.Send(ctx, a.Address, a.Subject, a.Body)
	}

	now := d.clk.Now()
	updated, err := d.store.Update(ctx, id, func(cur *models.DeliveryAttempt) error {
		if cur.Status.Final() {
			return errUnchanged
		}
		cur.AttemptNumber++
		cur.UpdatedAt = now
		if sendErr == nil {
			cur.Status = models.DeliverySent
			cur.DeliveredAt = &now
			cur.NextRetryAt = nil
			cur.LastError = ""
			return nil
		}
		cur.LastError = sendErr.Error()
		if cur.AttemptNumber >= d.policy.MaxAttempts {
			cur.Status = models.DeliveryFailedPermanent
			cur.NextRetryAt = nil
			return nil
		}
		next := now.Add(d.policy.Delay(cur.AttemptNumber, d.rnd))
		cur.Status = models.DeliveryRetrying
		cur.NextRetryAt = &next
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return
	}
	if err != nil {
		logger.Error().Err(err).Str("attempt", id).Msg("[Notification] Failed to record delivery attempt")
		return
	}

	switch updated.Status {
	case models.DeliverySent:
		d.metrics.sent(updated.Channel, now.Sub(updated.CreatedAt))
	case models.DeliveryFailedPermanent:
		d.metrics.failed(updated.Channel)
		logger.Error().Err(&apperr.DeliveryError{
			Channel:  updated.Channel,
			Address:  updated.Address,
			Attempts: updated.AttemptNumber,
			Err:      sendErr,
		}).Str("attempt", id).Msg("[Notification] Delivery failed permanently")
	case models.DeliveryRetrying:
		logger.Warn().Err(sendErr).Str("attempt", id).Int("attempt_number", updated.AttemptNumber).
			Time("next_retry_at", *updated.NextRetryAt).Msg("[Notification] Delivery failed, retry scheduled")
		d.schedule(ctx, updated)
	}
}

func (d *Dispatcher) schedule(ctx context.Context, a *models.DeliveryAttempt) {
	task := RetryTask{AttemptID: a.ID, Attempt: a.AttemptNumber}
	if err := d.queue.Schedule(ctx, task, *a.NextRetryAt); err != nil {
		logger.Warn().Err(err).Str("attempt", a.ID).Msg("[Notification] Failed to queue retry, sweep will pick it up")
	}
}

// HandleRetry runs a queued retry. Retries of chains that were delivered,
// cancelled or rescheduled in the meantime are ignored. A retry the channel
// limiter denies is re-queued without using up an attempt.
func (d *Dispatcher) HandleRetry(ctx context.Context, attemptID string) error {
	a, err := d.store.Get(ctx, attemptID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if a.Status != models.DeliveryRetrying {
		return nil
	}
	now := d.clk.Now()
	if a.NextRetryAt != nil && a.NextRetryAt.After(now.Add(dueTolerance)) {
		return nil
	}

	if ok, wait := d.limiter.Allow(a.Channel); !ok {
		at := now.Add(wait)
		updated, err := d.store.Update(ctx, attemptID, func(cur *models.DeliveryAttempt) error {
			if cur.Status != models.DeliveryRetrying {
				return errUnchanged
			}
			cur.NextRetryAt = &at
			cur.UpdatedAt = now
			return nil
		})
		if errors.Is(err, errUnchanged) {
			return nil
		}
		if err != nil {
			return err
		}
		logger.Debug().Str("attempt", attemptID).Dur("wait", wait).Msg("[Notification] Retry rate limited, re-queued")
		d.schedule(ctx, updated)
		return nil
	}

	d.attempt(ctx, attemptID)
	return nil
}

// Cancel abandons queued retries correlated with correlationID, limited to
// types when any are given. It returns how many chains were cancelled.
func (d *Dispatcher) Cancel(ctx context.Context, correlationID string, types ...models.NotificationType) (int, error) {
	if correlationID == "" {
		return 0, nil
	}
	attempts, err := d.store.ListByCorrelation(ctx, correlationID)
	if err != nil {
		return 0, err
	}

	wanted := make(map[models.NotificationType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	now := d.clk.Now()
	cancelled := 0
	for _, a := range attempts {
		if a.Status != models.DeliveryRetrying || (len(wanted) > 0 && !wanted[a.Type]) {
			continue
		}
		_, err := d.store.Update(ctx, a.ID, func(cur *models.DeliveryAttempt) error {
			if cur.Status != models.DeliveryRetrying {
				return errUnchanged
			}
			cur.Status = models.DeliveryFailed
			cur.NextRetryAt = nil
			cur.UpdatedAt = now
			cur.LastError = "cancelled: " + correlationID + " no longer needs this notification"
			return nil
		})
		if errors.Is(err, errUnchanged) {
			continue
		}
		if err != nil {
			return cancelled, err
		}
		d.metrics.cancelled(a.Channel)
		cancelled++
	}
	if cancelled > 0 {
		logger.Infof("[Notification] Cancelled %d queued deliveries for %s", cancelled, correlationID)
	}
	return cancelled, nil
}

// SweepRetries re-runs retries that fell due but were never picked up,
// e.g. because the process restarted while they were queued in memory.
func (d *Dispatcher) SweepRetries(ctx context.Context) (int, error) {
	due, err := d.store.ListDue(ctx, d.clk.Now().Add(-sweepGrace))
	if err != nil {
		return 0, err
	}
	for _, a := range due {
		if err := d.HandleRetry(ctx, a.ID); err != nil {
			return 0, err
		}
	}
	if len(due) > 0 {
		logger.Warnf("[Notification] Swept %d lost retries", len(due))
	}
	return len(due), nil
}

// GetNotificationMetrics returns delivery counters since startup.
func (d *Dispatcher) GetNotificationMetrics() Metrics {
	return d.metrics.snapshot()
}

// GetAttempt returns one delivery chain.
func (d *Dispatcher) GetAttempt(ctx context.Context, id string) (*models.DeliveryAttempt, error) {
	return d.store.Get(ctx, id)
}

// ListAttempts returns the delivery chains recorded for a correlation id,
// oldest first.
func (d *Dispatcher) ListAttempts(ctx context.Context, correlationID string) ([]*models.DeliveryAttempt, error) {
	return d.store.ListByCorrelation(ctx, correlationID)
}
