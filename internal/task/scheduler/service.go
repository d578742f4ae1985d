package scheduler

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/robfig/cron/v3"

	"taskd/internal/eventbus"
	"taskd/internal/runtime/supervisor"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/engine"
	"taskd/internal/task/schedule"
	logx "taskd/pkg/logx"
)

// ErrNotStarted is returned by run-now before Start or after Stop.
var ErrNotStarted = errors.New("scheduler not started")

func New(cfg Config, store storage.Store, reg Registry, exec *engine.Executor, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	loc, err := schedule.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Warn("invalid timezone; using UTC", logx.String("tz", cfg.Timezone), logx.Err(err))
		loc = time.UTC
	}
	machine := resolveMachineName(cfg.MachineName)
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "scheduler"), logx.String("machine", machine)),
		bus:     bus,
		store:   store,
		reg:     reg,
		exec:    exec,
		eval:    schedule.New(loc),
		machine: machine,
		now:     time.Now,
	}
}

// resolveMachineName falls back to the hostname, then to a random id so two
// unnamed processes never share a claim scope.
func resolveMachineName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	if h, err := os.Hostname(); err == nil && strings.TrimSpace(h) != "" {
		return h
	}
	return "taskd-" + shortuuid.New()[:8]
}

// MachineName is the identity recorded on this process's history rows.
func (s *Service) MachineName() string { return s.machine }

// SetSeeds registers descriptors created on Start when no descriptor of the same type exists.
func (s *Service) SetSeeds(seeds []task.Descriptor) {
	s.mu.Lock()
	s.seeds = append([]task.Descriptor(nil), seeds...)
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) evaluator() *schedule.Evaluator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eval
}

// Apply takes effect on the next tick. Machine name changes need a restart.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg

	if strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) {
		loc, err := schedule.LoadLocation(cfg.Timezone)
		if err != nil {
			s.log.Warn("invalid timezone; keeping previous", logx.String("tz", cfg.Timezone), logx.Err(err))
		} else {
			s.eval = schedule.New(loc)
			s.log.Info("timezone changed", logx.String("tz", loc.String()))
		}
	}
	if s.c == nil {
		return
	}
	if old.PollInterval != cfg.PollInterval || old.RecoveryInterval != cfg.RecoveryInterval ||
		old.RecoveryGrace != cfg.RecoveryGrace || old.PurgeInterval != cfg.PurgeInterval {
		for _, e := range s.c.Entries() {
			s.c.Remove(e.ID)
		}
		s.registerJobsLocked(cfg)
	}
}

// Start sweeps orphans, seeds and primes descriptors, then starts the driver.
// Runs started by the service are bound to ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	cl := logx.CronLogger(s.log)
	s.c = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.registerJobsLocked(cfg)
	c := s.c
	s.mu.Unlock()

	start := time.Now()
	s.recoverOwnRuns(ctx)
	s.recoverOrphans(ctx)
	if err := s.seed(ctx); err != nil {
		s.log.Warn("seeding descriptors failed", logx.Err(err))
	}
	if err := s.primeNextRuns(ctx); err != nil {
		s.log.Warn("priming next runs failed", logx.Err(err))
	}

	c.Start()
	s.log.Info("service started",
		logx.Bool("enabled", cfg.Enabled),
		logx.Duration("poll", cfg.PollInterval),
		logx.String("tz", s.evaluator().Location().String()),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

func (s *Service) registerJobsLocked(cfg Config) {
	ctx := s.sup.Context()
	s.c.Schedule(cron.Every(cfg.PollInterval), cron.FuncJob(func() { s.tick(ctx) }))
	s.c.Schedule(cron.Every(cfg.RecoveryInterval), cron.FuncJob(func() { s.recoverOrphans(ctx) }))
	s.c.Schedule(cron.Every(cfg.heartbeatInterval()), cron.FuncJob(func() { s.heartbeat(ctx) }))
	if cfg.HistoryMaxAge > 0 || cfg.HistoryMaxCount > 0 {
		s.c.Schedule(cron.Every(cfg.PurgeInterval), cron.FuncJob(func() { s.purgeHistory(ctx) }))
	}
}

// Stop halts the driver and interrupts in-flight runs. Interrupted runs are
// finalized as cancelled before Stop returns, unless ctx expires first.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	c, sup := s.c, s.sup
	s.c, s.sup = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	s.log.Info("stop requested")

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	err := sup.Stop(ctx)
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}

// Snapshot is for diagnostics only.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, sup, started := s.cfg, s.sup, s.c != nil
	s.mu.Unlock()
	return Snapshot{
		Enabled:      cfg.Enabled,
		Started:      started,
		MachineName:  s.machine,
		Timezone:     s.evaluator().Location().String(),
		PollInterval: cfg.PollInterval,
		LiveRuns:     s.exec.Scope().Live(),
		Runs:         sup.Snapshot(),
	}
}
