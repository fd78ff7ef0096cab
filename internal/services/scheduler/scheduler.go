// Package scheduler runs named periodic jobs on cron specs. With a Locker,
// only the instance holding a job's lease runs it.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/huangang/repoflow/pkg/logger"
	"github.com/robfig/cron/v3"
)

// Locker hands out named leases shared by every instance.
type Locker interface {
	TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, holder string) error
}

type Job func(ctx context.Context) error

type entry struct {
	name string
	spec string
	ttl  time.Duration
	fn   Job
	id   cron.EntryID
}

type Scheduler struct {
	cron   *cron.Cron
	locker Locker
	holder string

	mu   sync.Mutex
	jobs map[string]*entry
}

// New returns a stopped scheduler. locker may be nil, in which case every
// job runs locally without a lease.
func New(locker Locker, holder string) *Scheduler {
	cronLogger := cron.PrintfLogger(cronLog{})
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		locker: locker,
		holder: holder,
		jobs:   make(map[string]*entry),
	}
}

// Add registers fn under name. ttl bounds how long the lease is held if
// the instance dies mid-run.
func (s *Scheduler) Add(name, spec string, ttl time.Duration, fn Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduler: job %q already registered", name)
	}
	e := &entry{name: name, spec: spec, ttl: ttl, fn: fn}
	id, err := s.cron.AddFunc(spec, func() { s.run(context.Background(), e) })
	if err != nil {
		return fmt.Errorf("scheduler: job %q: %w", name, err)
	}
	e.id = id
	s.jobs[name] = e
	logger.Infof("[Scheduler] Job %s scheduled (%s)", name, spec)
	return nil
}

// RunNow runs a registered job once, under the same lease as a cron run.
// It reports whether this instance ran the job.
func (s *Scheduler) RunNow(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("scheduler: unknown job %q", name)
	}
	return s.run(ctx, e)
}

func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info().Int("jobs", len(s.cron.Entries())).Msg("[Scheduler] Started")
}

// Stop stops scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logger.Info().Msg("[Scheduler] Stopped")
}

func (s *Scheduler) run(ctx context.Context, e *entry) (bool, error) {
	if s.locker != nil {
		acquired, err := s.locker.TryAcquire(ctx, e.name, s.holder, e.ttl)
		if err != nil {
			logger.Warn().Err(err).Str("job", e.name).Msg("[Scheduler] Lease check failed")
			return false, err
		}
		if !acquired {
			logger.Debug().Str("job", e.name).Msg("[Scheduler] Lease held elsewhere, skipping")
			return false, nil
		}
		defer func() {
			if err := s.locker.Release(ctx, e.name, s.holder); err != nil {
				logger.Warn().Err(err).Str("job", e.name).Msg("[Scheduler] Failed to release lease")
			}
		}()
	}

	start := time.Now()
	if err := e.fn(ctx); err != nil {
		logger.Error().Err(err).Str("job", e.name).Msg("[Scheduler] Job failed")
		return true, err
	}
	logger.Debug().Str("job", e.name).Dur("took", time.Since(start)).Msg("[Scheduler] Job finished")
	return true, nil
}

// cronLog routes the cron library's own messages into the service log.
type cronLog struct{}

func (cronLog) Printf(format string, args ...interface{}) {
	logger.Infof("[Scheduler] "+format, args...)
}
