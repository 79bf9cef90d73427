// Package scheduler runs the engine's periodic maintenance: the TTL sweep,
// profile health checks and retention GC.
package scheduler

import (
	"context"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/neboloop/signon/internal/db"
	"github.com/neboloop/signon/internal/logging"
)

// Sweeper expires waiting requests.
type Sweeper interface {
	Sweep(ctx context.Context) int
	Prune(cutoff time.Time) int
}

// HealthChecker restores errored profiles.
type HealthChecker interface {
	HealthCheck(ctx context.Context) int
}

type Config struct {
	SweepSchedule  string
	HealthSchedule string
	GCSchedule     string
	Retention      time.Duration
	JobTimeout     time.Duration
}

// TerminalStatuses are the statuses retention GC may delete.
var TerminalStatuses = []string{"COMPLETED", "FAILED", "REJECTED", "EXPIRED"}

// Scheduler wraps a seconds-resolution cron. Overlapping runs of the same
// job are skipped and a panicking job is logged, not fatal.
type Scheduler struct {
	cfg     Config
	cron    *cronlib.Cron
	sweeper Sweeper
	health  HealthChecker
	store   db.Store
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	jobs   map[string]cronlib.EntryID
}

func New(cfg Config, sweeper Sweeper, health HealthChecker, store db.Store) (*Scheduler, error) {
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 2s"
	}
	if cfg.HealthSchedule == "" {
		cfg.HealthSchedule = "@every 30s"
	}
	if cfg.GCSchedule == "" {
		cfg.GCSchedule = "@hourly"
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}

	log := logging.Named("scheduler")
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg: cfg,
		cron: cronlib.New(
			cronlib.WithSeconds(),
			cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
			cronlib.WithLogger(cl),
		),
		sweeper: sweeper,
		health:  health,
		store:   store,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]cronlib.EntryID),
	}

	if sweeper != nil {
		if err := s.add("ttl-sweep", cfg.SweepSchedule, s.RunSweep); err != nil {
			return nil, err
		}
	}
	if health != nil {
		if err := s.add("health-check", cfg.HealthSchedule, s.RunHealthCheck); err != nil {
			return nil, err
		}
	}
	if cfg.Retention > 0 && (store != nil || sweeper != nil) {
		if err := s.add("retention-gc", cfg.GCSchedule, func(ctx context.Context) { _, _ = s.RunGC(ctx) }); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, spec string, fn func(context.Context)) error {
	id, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
		defer cancel()
		fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	s.jobs[name] = id
	return nil
}

// Jobs lists the scheduled job names with their next run.
func (s *Scheduler) Jobs() map[string]time.Time {
	out := make(map[string]time.Time, len(s.jobs))
	for name, id := range s.jobs {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// RunSweep expires waiting requests past their TTL.
func (s *Scheduler) RunSweep(ctx context.Context) {
	if n := s.sweeper.Sweep(ctx); n > 0 {
		s.log.Info("expired requests", zap.Int("count", n))
	}
}

// RunHealthCheck reopens errored profiles.
func (s *Scheduler) RunHealthCheck(ctx context.Context) {
	if n := s.health.HealthCheck(ctx); n > 0 {
		s.log.Info("health check restored profiles", zap.Int("count", n))
	}
}

// RunGC deletes terminal requests older than the retention window from the
// store and from memory.
func (s *Scheduler) RunGC(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.cfg.Retention)
	var deleted int64
	if s.store != nil {
		n, err := s.store.DeleteRequests(ctx, TerminalStatuses, cutoff)
		if err != nil {
			s.log.Error("retention gc failed", zap.Error(err))
			return 0, err
		}
		deleted = n
	}
	pruned := 0
	if s.sweeper != nil {
		pruned = s.sweeper.Prune(cutoff)
	}
	if deleted > 0 || pruned > 0 {
		s.log.Info("retention gc", zap.Int64("deleted", deleted), zap.Int("pruned", pruned), zap.Time("cutoff", cutoff))
	}
	return deleted, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, zap.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, zap.Error(err), zap.Any("kv", keysAndValues))
}
