package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/entitlements/internal/clock"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	overridedomain "github.com/smallbiznis/entitlements/internal/override/domain"
	trialdomain "github.com/smallbiznis/entitlements/internal/trial/domain"
	"go.uber.org/zap"
)

type fakeTrialSvc struct {
	trialdomain.Service
	expired int
	err     error
	calls   int
}

func (f *fakeTrialSvc) ExpireDue(context.Context) (int, error) {
	f.calls++
	return f.expired, f.err
}

type fakeOverrideSvc struct {
	overridedomain.Service
	purged int64
	calls  int
}

func (f *fakeOverrideSvc) PurgeExpired(context.Context) (int64, error) {
	f.calls++
	return f.purged, nil
}

type fakeSweeper struct {
	removed int
	calls   int
}

func (f *fakeSweeper) Sweep() int {
	f.calls++
	return f.removed
}

type fakeLocker struct {
	acquire  bool
	locked   []string
	released []string
}

func (f *fakeLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, errors.New("ttl must be positive")
	}
	if !f.acquire {
		return "", false, nil
	}
	f.locked = append(f.locked, key)
	return "token-" + key, true, nil
}

func (f *fakeLocker) Release(_ context.Context, key, token string) error {
	if token != "token-"+key {
		return errors.New("token mismatch")
	}
	f.released = append(f.released, key)
	return nil
}

type testScheduler struct {
	*Scheduler
	trials    *fakeTrialSvc
	overrides *fakeOverrideSvc
	sweeper   *fakeSweeper
	registry  *prometheus.Registry
}

func newTestScheduler(t *testing.T) testScheduler {
	t.Helper()
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "entitlements",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	trials := &fakeTrialSvc{}
	overrides := &fakeOverrideSvc{}
	sched, err := New(Params{
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		TrialSvc:    trials,
		OverrideSvc: overrides,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sweeper := &fakeSweeper{}
	sched.sweepers = []Sweeper{sweeper}
	return testScheduler{Scheduler: sched, trials: trials, overrides: overrides, sweeper: sweeper, registry: registry}
}

func TestNewRequiresServices(t *testing.T) {
	if _, err := New(Params{Log: zap.NewNop()}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{LockTTL: time.Second}.withDefaults()
	if cfg.RunInterval != time.Minute {
		t.Fatalf("expected default interval, got %s", cfg.RunInterval)
	}
	if cfg.LockTTL != cfg.JobTimeout {
		t.Fatalf("lock ttl %s must cover job timeout %s", cfg.LockTTL, cfg.JobTimeout)
	}
}

func TestRunOnceRunsAllJobs(t *testing.T) {
	s := newTestScheduler(t)
	s.trials.expired = 3
	s.overrides.purged = 2
	s.sweeper.removed = 5

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if s.trials.calls != 1 || s.overrides.calls != 1 || s.sweeper.calls != 1 {
		t.Fatalf("unexpected calls trials=%d overrides=%d sweeper=%d", s.trials.calls, s.overrides.calls, s.sweeper.calls)
	}

	labels := map[string]string{"service": "entitlements", "env": "test", "job": JobExpireTrials, "resource": "trial"}
	if got := getCounterValue(t, s.registry, "entitlements_scheduler_batch_processed_total", labels); got != 3 {
		t.Fatalf("expected 3 expired trials counted, got %v", got)
	}
}

func TestRunOnceReturnsJobErrors(t *testing.T) {
	s := newTestScheduler(t)
	s.trials.err = errors.New("db down")

	err := s.RunOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), JobExpireTrials) {
		t.Fatalf("expected expire_trials error, got %v", err)
	}
	// one failing job does not stop the others
	if s.overrides.calls != 1 || s.sweeper.calls != 1 {
		t.Fatalf("expected remaining jobs to run")
	}
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	s := newTestScheduler(t)
	locker := &fakeLocker{acquire: false}
	s.locker = locker

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if s.trials.calls != 0 || s.overrides.calls != 0 {
		t.Fatalf("locked jobs must not run")
	}
	if s.sweeper.calls != 1 {
		t.Fatalf("memory sweep is per process and must still run")
	}

	labels := map[string]string{"service": "entitlements", "env": "test", "job": JobExpireTrials, "reason": obsmetrics.SchedulerSkipReasonLockHeld}
	if got := getCounterValue(t, s.registry, "entitlements_scheduler_job_skipped_total", labels); got != 1 {
		t.Fatalf("expected skip count 1, got %v", got)
	}
}

func TestRunOnceReleasesLock(t *testing.T) {
	s := newTestScheduler(t)
	locker := &fakeLocker{acquire: true}
	s.locker = locker

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	want := []string{lockKeyPrefix + JobExpireTrials, lockKeyPrefix + JobPurgeOverrides}
	if strings.Join(locker.locked, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected locks %v", locker.locked)
	}
	if strings.Join(locker.released, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected releases %v", locker.released)
	}
}

func TestEnabledJobsFilter(t *testing.T) {
	s := newTestScheduler(t)
	s.cfg.EnabledJobs = []string{"EXPIRE_TRIALS"}

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if s.trials.calls != 1 || s.overrides.calls != 0 || s.sweeper.calls != 0 {
		t.Fatalf("only expire_trials should run")
	}
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	s := newTestScheduler(t)

	err := s.runJob(context.Background(), "timeout_job", 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "entitlements",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, s.registry, "entitlements_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "entitlements",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, s.registry, "entitlements_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
