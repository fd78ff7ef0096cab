package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/huangang/repoflow/internal/clock"
	"github.com/huangang/repoflow/internal/config"
	"github.com/huangang/repoflow/internal/middleware"
	"github.com/huangang/repoflow/internal/models"
	"github.com/huangang/repoflow/internal/services/approval"
	"github.com/huangang/repoflow/internal/services/automation"
	"github.com/huangang/repoflow/internal/services/notification"
	"github.com/huangang/repoflow/internal/services/orchestrator"
	"github.com/huangang/repoflow/internal/services/scheduler"
	"github.com/huangang/repoflow/internal/utils"
	"github.com/huangang/repoflow/pkg/logger"
	"gorm.io/gorm"
)

const sweepLease = 5 * time.Minute

// appServices holds everything the routes and shutdown need.
type appServices struct {
	db           *gorm.DB
	directory    approval.Directory
	workflow     *approval.WorkflowSystem
	dispatcher   *notification.Dispatcher
	orchestrator *orchestrator.Orchestrator
	worker       *notification.Worker
	scheduler    *scheduler.Scheduler
	apiLimiter   *middleware.RateLimiter
	asyncRetries bool
}

// bootstrap wires storage, the three services, the orchestrator, the retry
// worker and the periodic sweeps.
func bootstrap(cfg *config.Config) (*appServices, error) {
	utils.SetJWTSecret(cfg.JWT.Secret)
	clk := clock.Real()

	db, err := models.OpenDB(&cfg.Database, cfg.Log.Level == "debug")
	if err != nil {
		return nil, err
	}

	var (
		requests approval.Store
		dir      approval.Directory
		attempts notification.AttemptStore
	)
	if db != nil {
		if err := models.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		requests = approval.NewGormStore(db)
		dir = approval.NewGormDirectory(db)
		attempts = notification.NewGormAttemptStore(db)
	} else {
		logger.Warn().Msg("Database driver is memory; approval state is lost on restart")
		requests = approval.NewMemoryStore()
		dir = approval.NewMemoryDirectory()
		attempts = notification.NewMemoryAttemptStore()
	}

	queue := notification.NewRetryQueue(&cfg.Redis, clk)
	dispatcher := notification.NewDispatcher(attempts, clk,
		notification.WithRetryPolicy(notification.RetryPolicyFromConfig(cfg.Notification.Retry)),
		notification.WithQueue(queue),
		notification.WithFilters(notification.MuteTypes(cfg.Notification.Muted...)),
	)
	registerChannels(dispatcher, cfg.Notification)

	var worker *notification.Worker
	if queue.IsAsync() {
		worker = notification.NewWorker(&cfg.Redis, dispatcher.HandleRetry)
		if worker != nil {
			if err := worker.Start(); err != nil {
				return nil, fmt.Errorf("start retry worker: %w", err)
			}
		}
	}

	ws := approval.NewWorkflowSystem(requests, approval.NewPolicyRegistry(), dir, dispatcher, clk,
		approval.WithExpireAfter(models.Hours(cfg.Approval.ExpireAfterHours)))
	if err := loadPolicies(ws, cfg.Approval.PolicyFile); err != nil {
		return nil, err
	}

	engine, err := newEngine(cfg.Automation)
	if err != nil {
		return nil, err
	}

	var applier orchestrator.Applier = orchestrator.LogApplier{}
	if cfg.Automation.ApplyWebhookURL != "" {
		applier = orchestrator.NewWebhookApplier(cfg.Automation.ApplyWebhookURL, nil)
	}
	watchers := make([]models.Recipient, 0, len(cfg.Notification.Watchers))
	for _, w := range cfg.Notification.Watchers {
		watchers = append(watchers, models.Recipient{Channel: w.Channel, Address: w.Address})
	}
	orch := orchestrator.New(engine, ws, applier, dispatcher,
		orchestrator.WithRiskThreshold(models.Priority(cfg.Automation.RiskThreshold)),
		orchestrator.WithWatchers(watchers...),
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if n, err := ws.ResumeTimers(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to resume approval timers")
	} else if n > 0 {
		logger.Infof("Resumed %d approval timers", n)
	}

	sched, err := newScheduler(db, clk, cfg, ws, dispatcher)
	if err != nil {
		return nil, err
	}
	sched.Start()

	return &appServices{
		db:           db,
		directory:    dir,
		workflow:     ws,
		dispatcher:   dispatcher,
		orchestrator: orch,
		worker:       worker,
		scheduler:    sched,
		apiLimiter:   middleware.NewRateLimiter(20, 40),
		asyncRetries: queue.IsAsync(),
	}, nil
}

func registerChannels(d *notification.Dispatcher, cfg config.NotificationConfig) {
	names := make([]string, 0, len(cfg.Channels))
	for name := range cfg.Channels {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c := cfg.Channels[name]
		var ch notification.Channel
		switch name {
		case "slack":
			ch = notification.NewSlackChannel(c.WebhookURL, nil)
		case "teams":
			ch = notification.NewTeamsChannel(c.WebhookURL, nil)
		case "discord":
			ch = notification.NewDiscordChannel(c.WebhookURL, nil)
		case "webhook":
			ch = notification.NewGenericWebhookChannel(c.WebhookURL, nil)
		case "email":
			ch = notification.NewEmailChannel(cfg.SMTP)
		default:
			logger.Warn().Str("channel", name).Msg("Unknown notification channel in config, ignored")
			continue
		}
		d.RegisterChannel(ch, notification.ChannelSettings{
			Enabled:    c.Enabled,
			RateLimit:  c.RateLimit,
			RateWindow: time.Duration(c.RateWindowSeconds) * time.Second,
		})
	}
}

func loadPolicies(ws *approval.WorkflowSystem, path string) error {
	if path == "" {
		return nil
	}
	err := ws.LoadPolicies(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn().Str("file", path).Msg("Policy file not found; every decision above the risk threshold will be deferred")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	return nil
}

func newEngine(cfg config.AutomationConfig) (*automation.Engine, error) {
	engine := automation.NewEngine(automation.WithThresholds(automation.Thresholds{
		Critical: cfg.CriticalThreshold,
		High:     cfg.HighThreshold,
		Medium:   cfg.MediumThreshold,
	}))
	if cfg.RulesFile == "" {
		return engine, nil
	}
	rules, err := automation.LoadRulesFile(cfg.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	if err := engine.ApplyCustomRules(rules); err != nil {
		return nil, fmt.Errorf("apply rules: %w", err)
	}
	logger.Infof("Loaded %d custom automation rules", len(rules))
	return engine, nil
}

func newScheduler(db *gorm.DB, clk clock.Clock, cfg *config.Config, ws *approval.WorkflowSystem, d *notification.Dispatcher) (*scheduler.Scheduler, error) {
	var locker scheduler.Locker
	if db != nil {
		locker = scheduler.NewGormLocker(db, clk)
	}
	host, _ := os.Hostname()
	sched := scheduler.New(locker, fmt.Sprintf("%s-%d", host, os.Getpid()))

	if err := sched.Add("approval-deadlines", cfg.Approval.SweepSpec, sweepLease, func(ctx context.Context) error {
		_, err := ws.SweepOverdue(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if err := sched.Add("notification-retries", cfg.Notification.Retry.SweepSpec, sweepLease, func(ctx context.Context) error {
		_, err := d.SweepRetries(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	return sched, nil
}

func (s *appServices) shutdown() {
	s.scheduler.Stop()
	s.apiLimiter.Stop()
	if s.worker != nil {
		s.worker.Stop()
	}
	s.workflow.Close()
	if err := s.dispatcher.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close retry queue")
	}
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	logger.Info().Msg("All services stopped")
}
