package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/huangang/repoflow/internal/clock"
	"github.com/huangang/repoflow/internal/config"
	"github.com/huangang/repoflow/pkg/logger"
)

const (
	TaskTypeRetry = "notification:retry"
	retryQueue    = "notifications"
)

// RetryTask asks for the next attempt of a delivery chain.
type RetryTask struct {
	AttemptID string `json:"attempt_id"`
	// Attempt is the number of attempts already made when the retry was queued.
	Attempt int `json:"attempt"`
}

// RetryHandler runs a queued retry.
type RetryHandler func(ctx context.Context, attemptID string) error

// RetryQueue holds retries until they fall due.
type RetryQueue interface {
	Schedule(ctx context.Context, task RetryTask, at time.Time) error
	// IsAsync reports whether retries run in a separate worker process.
	IsAsync() bool
	Close() error
}

// TimerQueue holds retries as in-process timers. Pending retries are lost
// on restart; the dispatcher's sweep picks them up from the attempt store.
type TimerQueue struct {
	clk clock.Clock

	mu      sync.Mutex
	handler RetryHandler
	timers  map[string]clock.Timer
	closed  bool
}

func NewTimerQueue(clk clock.Clock) *TimerQueue {
	if clk == nil {
		clk = clock.Real()
	}
	return &TimerQueue{clk: clk, timers: make(map[string]clock.Timer)}
}

// SetHandler sets the function retries are handed to.
func (q *TimerQueue) SetHandler(h RetryHandler) {
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()
}

// Schedule arms one timer per attempt, replacing any earlier one.
func (q *TimerQueue) Schedule(ctx context.Context, task RetryTask, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("retry queue closed")
	}
	if old, ok := q.timers[task.AttemptID]; ok {
		old.Stop()
	}

	var t clock.Timer
	t = q.clk.AfterFunc(at.Sub(q.clk.Now()), func() {
		q.mu.Lock()
		if q.timers[task.AttemptID] == t {
			delete(q.timers, task.AttemptID)
		}
		h := q.handler
		q.mu.Unlock()

		if h == nil {
			logger.Warn().Str("attempt", task.AttemptID).Msg("[RetryQueue] No handler set, retry dropped")
			return
		}
		if err := h(context.Background(), task.AttemptID); err != nil {
			logger.Warn().Err(err).Str("attempt", task.AttemptID).Msg("[RetryQueue] Retry failed")
		}
	})
	q.timers[task.AttemptID] = t
	return nil
}

// Len returns the number of armed retries.
func (q *TimerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

func (q *TimerQueue) IsAsync() bool { return false }

func (q *TimerQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.closed = true
	return nil
}

// AsynqQueue keeps retries in Redis as scheduled asynq tasks, processed by
// Worker.
type AsynqQueue struct {
	client *asynq.Client
}

func redisOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// NewAsynqQueue connects to Redis and fails if it is unreachable.
func NewAsynqQueue(cfg *config.RedisConfig) (*AsynqQueue, error) {
	opt := redisOpt(cfg)
	client := asynq.NewClient(opt)

	inspector := asynq.NewInspector(opt)
	defer inspector.Close()
	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}
	return &AsynqQueue{client: client}, nil
}

func (q *AsynqQueue) Schedule(ctx context.Context, task RetryTask, at time.Time) error {
	t, err := newRetryTask(task)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, t,
		asynq.Queue(retryQueue),
		asynq.ProcessAt(at),
		asynq.MaxRetry(0),
		asynq.TaskID(fmt.Sprintf("%s:%d:%d", task.AttemptID, task.Attempt, at.Unix())),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	logger.Debug().Str("task", info.ID).Time("at", at).Msg("[RetryQueue] Retry enqueued")
	return nil
}

func (q *AsynqQueue) IsAsync() bool { return true }

func (q *AsynqQueue) Close() error {
	return q.client.Close()
}

func newRetryTask(task RetryTask) (*asynq.Task, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRetry, payload), nil
}

// NewRetryQueue returns an asynq backed queue when Redis is enabled and
// reachable, and a TimerQueue otherwise.
func NewRetryQueue(cfg *config.RedisConfig, clk clock.Clock) RetryQueue {
	if cfg != nil && cfg.Enabled {
		q, err := NewAsynqQueue(cfg)
		if err == nil {
			logger.Infof("[RetryQueue] Using Redis at %s", cfg.Addr)
			return q
		}
		logger.Infof("[RetryQueue] Redis unavailable, falling back to in-process timers: %v", err)
	}
	return NewTimerQueue(clk)
}
