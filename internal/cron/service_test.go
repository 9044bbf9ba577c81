package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
	"github.com/angelmondragon/escrowpay-backend/pkg/metrics"
)

type fakeLock struct {
	acquired bool
	releases int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.acquired {
		return false, nil
	}
	f.acquired = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error {
	f.acquired = false
	f.releases++
	return nil
}

type testJob struct {
	name string
	err  error
	runs int
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	return t.err
}

func newTestService(t *testing.T, lock Lock, reg prometheus.Registerer, jobs ...*testJob) *Service {
	t.Helper()
	registry := NewRegistry()
	for _, job := range jobs {
		registry.Register(job, time.Minute)
	}
	service, err := NewService(ServiceParams{
		Logger:   logger.New(logger.Options{ServiceName: "cron-test"}),
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(reg),
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return service
}

func TestServiceRunCycleRunsAllJobsEvenOnFailure(t *testing.T) {
	success := &testJob{name: "success"}
	failure := &testJob{name: "fail", err: errors.New("boom")}
	lock := &fakeLock{}
	reg := prometheus.NewRegistry()
	service := newTestService(t, lock, reg, success, failure)

	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if success.runs != 1 || failure.runs != 1 {
		t.Fatalf("expected each job once, got %d and %d", success.runs, failure.runs)
	}
	if lock.releases != 1 {
		t.Fatalf("expected lock released once, got %d", lock.releases)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	failures := 0.0
	for _, family := range families {
		if family.GetName() != "cron_job_runs_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "result" && label.GetValue() == "failure" {
					failures += metric.GetCounter().GetValue()
				}
			}
		}
	}
	if failures != 1 {
		t.Fatalf("expected one recorded job failure, got %v", failures)
	}
}

func TestServiceSkipsCycleWhenLockHeld(t *testing.T) {
	job := &testJob{name: "sweep"}
	service := newTestService(t, &fakeLock{acquired: true}, nil, job)

	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("job ran without the lock")
	}
}

func TestServiceRunsOnlyDueJobs(t *testing.T) {
	job := &testJob{name: "sweep"}
	service := newTestService(t, &fakeLock{}, nil, job)
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	_ = service.runCycle(context.Background())
	now = now.Add(30 * time.Second)
	_ = service.runCycle(context.Background())
	if job.runs != 1 {
		t.Fatalf("expected one run inside the interval, got %d", job.runs)
	}
	now = now.Add(time.Minute)
	_ = service.runCycle(context.Background())
	if job.runs != 2 {
		t.Fatalf("expected second run after the interval, got %d", job.runs)
	}
}
