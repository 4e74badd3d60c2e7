package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultLicenseSchedule      = "@every 1h"
	defaultServerStatusSchedule = "@every 5m"
	defaultLicenseWarmup        = 5 * time.Second
)

type LicenseTask interface {
	SweepExpired()
}

type ServerStatusTask interface {
	RefreshCounts()
}

type Config struct {
	LicenseSchedule      string
	LicenseWarmup        time.Duration
	ServerStatusSchedule string
}

type Deps struct {
	LicenseJob      LicenseTask
	ServerStatusJob ServerStatusTask
}

// Scheduler runs the background jobs. The license sweep also runs once,
// shortly after Start, so expiries are caught without waiting a full period.
type Scheduler struct {
	cron   *cron.Cron
	deps   Deps
	warmup time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	started bool
	timer   *time.Timer
	running sync.WaitGroup
}

func NewScheduler(cfg Config, deps Deps, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LicenseSchedule == "" {
		cfg.LicenseSchedule = defaultLicenseSchedule
	}
	if cfg.ServerStatusSchedule == "" {
		cfg.ServerStatusSchedule = defaultServerStatusSchedule
	}
	if cfg.LicenseWarmup <= 0 {
		cfg.LicenseWarmup = defaultLicenseWarmup
	}

	s := &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		deps:   deps,
		warmup: cfg.LicenseWarmup,
		logger: logger,
	}

	if deps.LicenseJob != nil {
		if err := s.addFunc(cfg.LicenseSchedule, "license.sweep_expired", deps.LicenseJob.SweepExpired); err != nil {
			return nil, err
		}
	}
	if deps.ServerStatusJob != nil {
		if err := s.addFunc(cfg.ServerStatusSchedule, "server.refresh_status", deps.ServerStatusJob.RefreshCounts); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.cron.Start()
	if s.deps.LicenseJob != nil {
		s.running.Add(1)
		s.timer = time.AfterFunc(s.warmup, func() {
			defer s.running.Done()
			s.run("license.sweep_expired.warmup", s.deps.LicenseJob.SweepExpired)
		})
	}
	s.logger.Info("scheduler started", zap.Int("entries", len(s.cron.Entries())), zap.Duration("license_warmup", s.warmup))
}

// Stop cancels the pending warm-up run and stops the cron. The returned
// context is done once every running job has returned.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	s.started = false

	if s.timer != nil && s.timer.Stop() {
		s.running.Done()
	}
	s.timer = nil

	cronDone := s.cron.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		<-cronDone.Done()
		s.running.Wait()
	}()
	return ctx
}

func (s *Scheduler) addFunc(spec string, name string, fn func()) error {
	if _, err := s.cron.AddFunc(spec, func() { s.run(name, fn) }); err != nil {
		return fmt.Errorf("register scheduler job %s with spec %q: %w", name, spec, err)
	}
	return nil
}

func (s *Scheduler) run(name string, fn func()) {
	defer recoverJobPanic(name, s.logger)
	start := time.Now()
	fn()
	s.logger.Debug("scheduler job finished", zap.String("job", name), zap.Duration("cost", time.Since(start)))
}

func recoverJobPanic(jobName string, logger *zap.Logger) {
	if recovered := recover(); recovered != nil {
		logger.Error("scheduler job panic recovered",
			zap.String("job", jobName),
			zap.Any("panic", recovered),
		)
	}
}
