package notification

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/huangang/repoflow/internal/config"
	"github.com/huangang/repoflow/pkg/logger"
)

// Worker runs retries queued by AsynqQueue.
type Worker struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	handler RetryHandler
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewWorker returns nil when Redis is disabled.
func NewWorker(cfg *config.RedisConfig, handler RetryHandler) *Worker {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	server := asynq.NewServer(
		redisOpt(cfg),
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				retryQueue: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Warnf("[Worker] Error processing task %s: %v", task.Type(), err)
			}),
		},
	)

	return &Worker{
		server:  server,
		mux:     asynq.NewServeMux(),
		handler: handler,
	}
}

func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	w.mux.HandleFunc(TaskTypeRetry, w.handleRetryTask)
	w.running = true
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		logger.Infof("[Worker] Starting notification retry worker...")
		if err := w.server.Run(w.mux); err != nil {
			logger.Errorf("[Worker] Server error: %v", err)
		}
	}()
	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	logger.Infof("[Worker] Shutting down...")
	w.server.Shutdown()
	w.running = false
	w.wg.Wait()
	logger.Infof("[Worker] Shutdown complete")
}

func (w *Worker) handleRetryTask(ctx context.Context, t *asynq.Task) error {
	var task RetryTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		logger.Warnf("[Worker] Failed to unmarshal task: %v", err)
		return err
	}
	if w.handler == nil {
		logger.Warnf("[Worker] No handler set, dropping retry for %s", task.AttemptID)
		return nil
	}
	return w.handler(ctx, task.AttemptID)
}
