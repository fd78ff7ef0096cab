package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/huangang/repoflow/internal/apperr"
	"github.com/huangang/repoflow/internal/clock"
	"github.com/huangang/repoflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

var errDown = errors.New("503 service unavailable")

type fixture struct {
	clk        *clock.Fake
	store      *MemoryAttemptStore
	dispatcher *Dispatcher
	slack      *MemoryChannel
	email      *MemoryChannel
}

func testPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: maxAttempts, InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clk := clock.NewFake(t0)
	store := NewMemoryAttemptStore()
	seq := 0
	var mu sync.Mutex
	opts = append([]Option{
		WithRetryPolicy(testPolicy(5)),
		WithIDGenerator(func(prefix string) string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("%s_%d", prefix, seq)
		}),
	}, opts...)
	d := NewDispatcher(store, clk, opts...)
	t.Cleanup(func() { d.Close() })

	f := &fixture{clk: clk, store: store, dispatcher: d, slack: NewMemoryChannel("slack"), email: NewMemoryChannel("email")}
	d.RegisterChannel(f.slack, ChannelSettings{Enabled: true})
	d.RegisterChannel(f.email, ChannelSettings{Enabled: true})
	return f
}

func plain(recipients ...models.Recipient) *models.NotificationRequest {
	return &models.NotificationRequest{
		Type:          models.NotifyApprovalRequested,
		Subject:       "Approval needed",
		Body:          "Bump gin on acme/api",
		Recipients:    recipients,
		CorrelationID: "apr_1",
	}
}

func slackTo(addr string) models.Recipient { return models.Recipient{Channel: "slack", Address: addr} }
func emailTo(addr string) models.Recipient { return models.Recipient{Channel: "email", Address: addr} }

func (f *fixture) attempt(t *testing.T, id string) *models.DeliveryAttempt {
	t.Helper()
	a, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestSend_RejectsMalformedRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.Send(ctx, nil)
	assert.True(t, apperr.IsValidation(err))

	_, err = f.dispatcher.Send(ctx, plain())
	assert.True(t, apperr.IsValidation(err), "no recipients")

	req := plain(slackTo("#deps"))
	req.TemplateID = "no-such-template"
	_, err = f.dispatcher.Send(ctx, req)
	assert.True(t, apperr.IsValidation(err), "unknown template")

	req = plain(slackTo("#deps"))
	req.Subject, req.Body = " ", ""
	_, err = f.dispatcher.Send(ctx, req)
	assert.True(t, apperr.IsValidation(err), "empty subject and body")

	assert.Zero(t, f.slack.Calls())
}

func TestSend_DeliversToEveryRecipient(t *testing.T) {
	f := newFixture(t)

	ids, err := f.dispatcher.Send(context.Background(), plain(slackTo("#deps"), emailTo("alice@acme.io"), slackTo("#deps")))
	require.NoError(t, err)
	require.Len(t, ids, 2, "duplicate recipient collapses")

	for _, id := range ids {
		a := f.attempt(t, id)
		assert.Equal(t, models.DeliverySent, a.Status)
		assert.Equal(t, 1, a.AttemptNumber)
		assert.Equal(t, "apr_1", a.CorrelationID)
		require.NotNil(t, a.DeliveredAt)
	}
	require.Len(t, f.slack.Sent(), 1)
	assert.Equal(t, Message{Address: "#deps", Subject: "Approval needed", Body: "Bump gin on acme/api"}, f.slack.Sent()[0])

	m := f.dispatcher.GetNotificationMetrics()
	assert.EqualValues(t, 2, m.TotalSent)
	assert.EqualValues(t, 0, m.TotalPending)
	assert.Equal(t, 1.0, m.SuccessRate)
	assert.EqualValues(t, 1, m.Channels["email"].Sent)
}

func TestSend_RendersTemplates(t *testing.T) {
	f := newFixture(t)
	req := &models.NotificationRequest{
		Type:       models.NotifyApprovalRequested,
		TemplateID: string(models.NotifyApprovalRequested),
		Recipients: []models.Recipient{slackTo("#deps")},
		Variables: map[string]string{
			"title":      "Bump gin",
			"requester":  "bot",
			"type":       "dependency_update",
			"repository": "acme/api",
		},
	}

	_, err := f.dispatcher.Send(context.Background(), req)
	require.NoError(t, err)

	sent := f.slack.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "[{{priority}}] Approval needed: Bump gin", sent[0].Subject, "missing variables stay literal")
	assert.True(t, strings.HasPrefix(sent[0].Body, "bot requested approval for a dependency_update on acme/api."))
}

func TestSend_SkipsUnknownDisabledFilteredAndThrottled(t *testing.T) {
	f := newFixture(t, WithFilters(MuteRecipients("email:muted@acme.io")))
	teams := NewMemoryChannel("teams")
	f.dispatcher.RegisterChannel(teams, ChannelSettings{Enabled: false})
	f.dispatcher.RegisterChannel(f.slack, ChannelSettings{Enabled: true, RateLimit: 2, RateWindow: time.Minute})

	ids, err := f.dispatcher.Send(context.Background(), plain(
		models.Recipient{Channel: "pager", Address: "ops"},
		models.Recipient{Channel: "teams", Address: "https://teams.example/hook"},
		emailTo("muted@acme.io"),
		emailTo("alice@acme.io"),
		slackTo("#a"), slackTo("#b"), slackTo("#c"),
	))
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	assert.Len(t, f.slack.Sent(), 2)
	assert.Zero(t, teams.Calls())
	require.Len(t, f.email.Sent(), 1)
	assert.Equal(t, "alice@acme.io", f.email.Sent()[0].Address)

	m := f.dispatcher.GetNotificationMetrics()
	assert.EqualValues(t, 4, m.TotalSkipped)
	assert.EqualValues(t, 1, m.Channels["slack"].Skipped)
	assert.EqualValues(t, 3, m.TotalSent)
}

func TestSend_MutedTypes(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.AddFilter(MuteTypes(string(models.NotifyApprovalComment)))

	req := plain(slackTo("#deps"))
	req.Type = models.NotifyApprovalComment
	ids, err := f.dispatcher.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Zero(t, f.slack.Calls())
}

func TestDelivery_RetriesWithBackoffUntilSent(t *testing.T) {
	f := newFixture(t)
	f.slack.FailNext(2, errDown)

	ids, err := f.dispatcher.Send(context.Background(), plain(slackTo("#deps")))
	require.NoError(t, err)
	require.Len(t, ids, 1)

	a := f.attempt(t, ids[0])
	assert.Equal(t, models.DeliveryRetrying, a.Status)
	assert.Equal(t, 1, a.AttemptNumber)
	assert.Equal(t, errDown.Error(), a.LastError)
	require.NotNil(t, a.NextRetryAt)
	assert.Equal(t, t0.Add(time.Second), *a.NextRetryAt)

	f.clk.Advance(time.Second)
	a = f.attempt(t, ids[0])
	assert.Equal(t, 2, a.AttemptNumber)
	assert.Equal(t, t0.Add(3*time.Second), *a.NextRetryAt, "second delay doubles")

	f.clk.Advance(2 * time.Second)
	a = f.attempt(t, ids[0])
	assert.Equal(t, models.DeliverySent, a.Status)
	assert.Equal(t, 3, a.AttemptNumber)
	assert.Nil(t, a.NextRetryAt)
	assert.Equal(t, 3, f.slack.Calls())

	m := f.dispatcher.GetNotificationMetrics()
	assert.EqualValues(t, 1, m.TotalSent)
	assert.EqualValues(t, 0, m.TotalFailed)
	assert.Equal(t, 3000.0, m.AverageDeliveryMs)
}

func TestDelivery_ExhaustionFailsPermanentlyOnce(t *testing.T) {
	f := newFixture(t, WithRetryPolicy(testPolicy(3)))
	f.slack.FailAlways(errDown)

	ids, err := f.dispatcher.Send(context.Background(), plain(slackTo("#deps")))
	require.NoError(t, err, "delivery failures are never returned from Send")

	f.clk.Advance(time.Minute)
	a := f.attempt(t, ids[0])
	assert.Equal(t, models.DeliveryFailedPermanent, a.Status)
	assert.Equal(t, 3, a.AttemptNumber)
	assert.Equal(t, 3, f.slack.Calls())

	f.clk.Advance(time.Hour)
	require.NoError(t, f.dispatcher.HandleRetry(context.Background(), ids[0]))
	assert.Equal(t, 3, f.slack.Calls(), "final chains are never retried")

	m := f.dispatcher.GetNotificationMetrics()
	assert.EqualValues(t, 1, m.TotalFailed)
	assert.EqualValues(t, 0, m.TotalPending)
	assert.Equal(t, 0.0, m.SuccessRate)
}

func TestDelivery_RateLimitedRetryKeepsAttemptCount(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.RegisterChannel(f.slack, ChannelSettings{Enabled: true, RateLimit: 1, RateWindow: 10 * time.Second})
	f.slack.FailNext(1, errDown)

	ids, err := f.dispatcher.Send(context.Background(), plain(slackTo("#deps")))
	require.NoError(t, err)
	require.Len(t, ids, 1)

	f.clk.Advance(time.Second)
	a := f.attempt(t, ids[0])
	assert.Equal(t, models.DeliveryRetrying, a.Status)
	assert.Equal(t, 1, a.AttemptNumber, "throttled retry does not use an attempt")
	assert.True(t, a.NextRetryAt.After(t0.Add(time.Second)))
	assert.Equal(t, 1, f.slack.Calls())

	f.clk.Advance(10 * time.Second)
	a = f.attempt(t, ids[0])
	assert.Equal(t, models.DeliverySent, a.Status)
	assert.Equal(t, 2, a.AttemptNumber)
}

func TestCancel_AbandonsQueuedRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.slack.FailAlways(errDown)

	requested, err := f.dispatcher.Send(ctx, plain(slackTo("#deps")))
	require.NoError(t, err)
	resolved := plain(slackTo("#deps-resolved"))
	resolved.Type = models.NotifyApprovalResolved
	resolvedIDs, err := f.dispatcher.Send(ctx, resolved)
	require.NoError(t, err)

	n, err := f.dispatcher.Cancel(ctx, "apr_1", models.NotifyApprovalRequested, models.NotifyApprovalEscalated)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a := f.attempt(t, requested[0])
	assert.Equal(t, models.DeliveryFailed, a.Status)
	assert.Nil(t, a.NextRetryAt)
	assert.Equal(t, models.DeliveryRetrying, f.attempt(t, resolvedIDs[0]).Status)

	f.slack.Recover()
	f.clk.Advance(time.Second)
	sent := f.slack.Sent()
	require.Len(t, sent, 1, "cancelled chain is not retried")
	assert.Equal(t, "#deps-resolved", sent[0].Address)

	n, err = f.dispatcher.Cancel(ctx, "apr_1")
	require.NoError(t, err)
	assert.Zero(t, n)

	m := f.dispatcher.GetNotificationMetrics()
	assert.EqualValues(t, 1, m.TotalCancelled)
	assert.EqualValues(t, 0, m.TotalFailed)
	assert.EqualValues(t, 1, m.TotalSent)
}

// droppingQueue accepts retries and never runs them, like a process that
// restarted with retries in memory.
type droppingQueue struct {
	mu    sync.Mutex
	tasks []RetryTask
}

func (q *droppingQueue) Schedule(_ context.Context, task RetryTask, _ time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *droppingQueue) IsAsync() bool { return true }
func (q *droppingQueue) Close() error  { return nil }

func TestSweepRetries_PicksUpLostRetries(t *testing.T) {
	q := &droppingQueue{}
	f := newFixture(t, WithQueue(q))
	ctx := context.Background()
	f.slack.FailNext(1, errDown)

	ids, err := f.dispatcher.Send(ctx, plain(slackTo("#deps")))
	require.NoError(t, err)
	require.Len(t, q.tasks, 1)
	assert.Equal(t, RetryTask{AttemptID: ids[0], Attempt: 1}, q.tasks[0])

	n, err := f.dispatcher.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "retry is not due yet")

	f.clk.Advance(time.Minute)
	n, err = f.dispatcher.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.DeliverySent, f.attempt(t, ids[0]).Status)
}

func TestHandleRetry_IgnoresEarlyAndUnknownRetries(t *testing.T) {
	q := &droppingQueue{}
	slow := RetryPolicy{MaxAttempts: 5, InitialDelay: 10 * time.Second, MaxDelay: time.Minute, Multiplier: 2}
	f := newFixture(t, WithQueue(q), WithRetryPolicy(slow))
	ctx := context.Background()
	f.slack.FailNext(1, errDown)

	ids, err := f.dispatcher.Send(ctx, plain(slackTo("#deps")))
	require.NoError(t, err)

	require.NoError(t, f.dispatcher.HandleRetry(ctx, ids[0]))
	assert.Equal(t, 1, f.slack.Calls(), "retry before its time is ignored")

	require.NoError(t, f.dispatcher.HandleRetry(ctx, "dlv_missing"))
}

func TestSend_ConcurrentFirstAttempts(t *testing.T) {
	f := newFixture(t)
	var recipients []models.Recipient
	for i := 0; i < 40; i++ {
		recipients = append(recipients, emailTo(fmt.Sprintf("user%d@acme.io", i)))
	}

	ids, err := f.dispatcher.Send(context.Background(), plain(recipients...))
	require.NoError(t, err)
	assert.Len(t, ids, 40)
	assert.Len(t, f.email.Sent(), 40)
	assert.EqualValues(t, 40, f.dispatcher.GetNotificationMetrics().TotalSent)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt, nil), "attempt %d", tt.attempt)
	}

	p.Jitter = true
	assert.Equal(t, 2*time.Second, p.Delay(3, func() float64 { return 0 }))
	assert.Equal(t, 3*time.Second, p.Delay(3, func() float64 { return 0.5 }))
	for i := 0; i < 50; i++ {
		d := p.Delay(4, nil)
		assert.True(t, d >= 4*time.Second && d <= 8*time.Second, "jittered delay %v", d)
	}
}

func TestChannelLimiter(t *testing.T) {
	clk := clock.NewFake(t0)
	l := NewChannelLimiter(clk)
	l.SetLimit("slack", 2, time.Minute)

	ok, _ := l.Allow("slack")
	assert.True(t, ok)
	ok, _ = l.Allow("slack")
	assert.True(t, ok)
	ok, wait := l.Allow("slack")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, wait)

	clk.Advance(59 * time.Second)
	ok, wait = l.Allow("slack")
	assert.False(t, ok, "both sends are still inside the window")
	assert.Equal(t, time.Second, wait)

	clk.Advance(time.Second)
	ok, _ = l.Allow("slack")
	assert.True(t, ok, "window cleared")

	ok, _ = l.Allow("email")
	assert.True(t, ok, "unlimited channel")

	l.SetLimit("slack", 0, time.Minute)
	for i := 0; i < 10; i++ {
		ok, _ = l.Allow("slack")
		assert.True(t, ok)
	}
}

func TestChannelLimiter_NeverExceedsLimitInAnyWindow(t *testing.T) {
	clk := clock.NewFake(t0)
	l := NewChannelLimiter(clk)
	l.SetLimit("slack", 3, 10*time.Second)

	var allowed []time.Time
	for i := 0; i < 120; i++ {
		if ok, _ := l.Allow("slack"); ok {
			allowed = append(allowed, clk.Now())
		}
		clk.Advance(700 * time.Millisecond)
	}
	require.NotEmpty(t, allowed)

	for i, start := range allowed {
		n := 0
		for _, at := range allowed[i:] {
			if at.Sub(start) < 10*time.Second {
				n++
			}
		}
		assert.LessOrEqual(t, n, 3, "sends within 10s of %v", start)
	}
	// 84s of traffic at 3 per 10s.
	assert.GreaterOrEqual(t, len(allowed), 24)
}

func TestChannelLimiter_StaggeredSendsShareTheWindow(t *testing.T) {
	clk := clock.NewFake(t0)
	l := NewChannelLimiter(clk)
	l.SetLimit("slack", 2, time.Minute)

	ok, _ := l.Allow("slack")
	require.True(t, ok)
	clk.Advance(30 * time.Second)
	ok, _ = l.Allow("slack")
	require.True(t, ok)

	clk.Advance(time.Second)
	ok, wait := l.Allow("slack")
	assert.False(t, ok)
	assert.Equal(t, 29*time.Second, wait)

	l.SetLimit("slack", 1, time.Minute)
	ok, wait = l.Allow("slack")
	assert.False(t, ok, "counted sends survive a new limit")
	assert.Equal(t, 59*time.Second, wait)
}

func TestTimerQueue_ReplacesPendingRetry(t *testing.T) {
	clk := clock.NewFake(t0)
	q := NewTimerQueue(clk)
	var fired []string
	q.SetHandler(func(_ context.Context, id string) error {
		fired = append(fired, id)
		return nil
	})

	require.NoError(t, q.Schedule(context.Background(), RetryTask{AttemptID: "dlv_1", Attempt: 1}, t0.Add(time.Second)))
	require.NoError(t, q.Schedule(context.Background(), RetryTask{AttemptID: "dlv_1", Attempt: 1}, t0.Add(5*time.Second)))
	assert.Equal(t, 1, q.Len())

	clk.Advance(time.Second)
	assert.Empty(t, fired)
	clk.Advance(4 * time.Second)
	assert.Equal(t, []string{"dlv_1"}, fired)
	assert.Zero(t, q.Len())

	require.NoError(t, q.Schedule(context.Background(), RetryTask{AttemptID: "dlv_2"}, t0.Add(time.Hour)))
	require.NoError(t, q.Close())
	assert.Zero(t, clk.Pending())
	assert.Error(t, q.Schedule(context.Background(), RetryTask{AttemptID: "dlv_3"}, t0))
}

func TestWorker_HandlesRetryTask(t *testing.T) {
	var got string
	w := &Worker{handler: func(_ context.Context, id string) error {
		got = id
		return nil
	}}

	task, err := newRetryTask(RetryTask{AttemptID: "dlv_7", Attempt: 2})
	require.NoError(t, err)
	require.NoError(t, w.handleRetryTask(context.Background(), task))
	assert.Equal(t, "dlv_7", got)

	assert.Nil(t, NewWorker(nil, nil))
}

func TestTemplateSet(t *testing.T) {
	ts := NewTemplateSet(DefaultTemplates()...)
	for _, typ := range []models.NotificationType{
		models.NotifyApprovalRequested,
		models.NotifyApprovalEscalated,
		models.NotifyApprovalResolved,
		models.NotifyApprovalComment,
		models.NotifyAutomationApplied,
	} {
		_, ok := ts.Get(string(typ))
		assert.True(t, ok, "default template for %s", typ)
	}

	assert.True(t, apperr.IsValidation(ts.Put(models.NotificationTemplate{Subject: "x"})))
	assert.True(t, apperr.IsValidation(ts.Put(models.NotificationTemplate{ID: "empty"})))
	require.NoError(t, ts.Put(models.NotificationTemplate{ID: "digest", Body: "{{count}} pending"}))
	assert.Len(t, ts.List(), 6)
	assert.Equal(t, "approval_comment", ts.List()[0].ID)
}
