package cron

import (
	"context"
	"testing"
	"time"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryStoresJobs(t *testing.T) {
	registry := NewRegistry()
	jobA := &stubJob{name: "a"}
	jobB := &stubJob{name: "b"}
	registry.Register(jobA, time.Minute)
	registry.Register(nil, time.Minute)
	registry.Register(jobB, time.Hour)
	jobs := registry.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0] != jobA || jobs[1] != jobB {
		t.Fatalf("jobs returned out of order")
	}
}

func TestRegistryDueHonoursIntervals(t *testing.T) {
	registry := NewRegistry()
	fast := &stubJob{name: "fast"}
	slow := &stubJob{name: "slow"}
	registry.Register(fast, 5*time.Minute)
	registry.Register(slow, time.Hour)
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	if got := registry.due(start); len(got) != 2 {
		t.Fatalf("first tick should run every job, got %d", len(got))
	}
	if got := registry.due(start.Add(time.Minute)); len(got) != 0 {
		t.Fatalf("expected nothing due after 1m, got %d", len(got))
	}
	got := registry.due(start.Add(5 * time.Minute))
	if len(got) != 1 || got[0] != fast {
		t.Fatalf("expected only fast job due, got %v", got)
	}
	if got := registry.due(start.Add(time.Hour)); len(got) != 2 {
		t.Fatalf("expected both jobs due after an hour, got %d", len(got))
	}
}
