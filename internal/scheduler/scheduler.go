package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/auditcontext"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/entitlement/resolver"
	"github.com/smallbiznis/entitlements/internal/featureaccess"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	overridedomain "github.com/smallbiznis/entitlements/internal/override/domain"
	"github.com/smallbiznis/entitlements/internal/ratelimit"
	trialdomain "github.com/smallbiznis/entitlements/internal/trial/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Job names.
const (
	JobExpireTrials   = "expire_trials"
	JobPurgeOverrides = "purge_overrides"
	JobSweepMemory    = "sweep_memory"
)

const lockKeyPrefix = "entitlements:scheduler:"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Sweeper reclaims expired in-process entries and reports how many it dropped.
type Sweeper interface {
	Sweep() int
}

// jobLocker serializes a job across replicas.
type jobLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	TrialSvc    trialdomain.Service
	OverrideSvc overridedomain.Service

	Locker        *ratelimit.Locker      `optional:"true"`
	Resolver      *resolver.Resolver     `optional:"true"`
	FeatureAccess *featureaccess.Service `optional:"true"`
	Config        Config                 `optional:"true"`
}

type Scheduler struct {
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	trialSvc    trialdomain.Service
	overrideSvc overridedomain.Service
	locker      jobLocker
	sweepers    []Sweeper
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.TrialSvc == nil || p.OverrideSvc == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		trialSvc:    p.TrialSvc,
		overrideSvc: p.OverrideSvc,
	}
	if p.Locker.Configured() {
		s.locker = p.Locker
	}
	if p.Resolver != nil {
		s.sweepers = append(s.sweepers, p.Resolver)
	}
	if p.FeatureAccess != nil {
		s.sweepers = append(s.sweepers, p.FeatureAccess)
	}
	return s, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = auditcontext.WithActor(ctx, auditcontext.ActorTypeSystem, "scheduler")
	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up the rest
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// withLock runs fn only when this replica holds the job lock. Without a
// locker every replica runs every job; the jobs are idempotent.
func (s *Scheduler) withLock(name string, fn func(context.Context) error) func(context.Context) error {
	if s.locker == nil {
		return fn
	}
	return func(ctx context.Context) error {
		key := lockKeyPrefix + name
		token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
		if err != nil {
			return err
		}
		if !ok {
			obsmetrics.Scheduler().IncJobSkipped(name, obsmetrics.SchedulerSkipReasonLockHeld)
			s.logger(ctx).Debug("scheduler.job.skipped", zap.String("job", name), zap.String("reason", obsmetrics.SchedulerSkipReasonLockHeld))
			return nil
		}
		defer func() {
			// the job context may already be done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.locker.Release(releaseCtx, key, token); err != nil {
				s.log.Warn("failed to release scheduler lock", zap.String("job", name), zap.Error(err))
			}
		}()
		return fn(ctx)
	}
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobExpireTrials, s.ExpireTrialsJob},
		{JobPurgeOverrides, s.PurgeOverridesJob},
		{JobSweepMemory, s.SweepMemoryJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		run := job.Run
		if job.Name != JobSweepMemory {
			run = s.withLock(job.Name, run)
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.JobTimeout, run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty means all jobs
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ExpireTrialsJob moves active trials past their grace period to expired.
func (s *Scheduler) ExpireTrialsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobExpireTrials)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	expired, err := s.trialSvc.ExpireDue(ctx)
	run.AddProcessed(expired)
	obsmetrics.Scheduler().AddBatchProcessed(JobExpireTrials, "trial", expired)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.trial.expire.failed", JobExpireTrials, err)
		return err
	}
	return nil
}

func (s *Scheduler) PurgeOverridesJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobPurgeOverrides)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	purged, err := s.overrideSvc.PurgeExpired(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.override.purge.failed", JobPurgeOverrides, err)
		return err
	}
	run.AddProcessed(int(purged))
	obsmetrics.Scheduler().AddBatchProcessed(JobPurgeOverrides, "override", int(purged))
	return nil
}

// SweepMemoryJob is per process, so it never takes the shared lock.
func (s *Scheduler) SweepMemoryJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobSweepMemory)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	removed := 0
	for _, sweeper := range s.sweepers {
		if err := ctx.Err(); err != nil {
			return err
		}
		removed += sweeper.Sweep()
	}
	run.AddProcessed(removed)
	obsmetrics.Scheduler().AddBatchProcessed(JobSweepMemory, "cache_entry", removed)
	return nil
}
