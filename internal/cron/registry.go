package cron

import (
	"context"
	"time"
)

// Job is one sweep run by the cron worker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type entry struct {
	job     Job
	every   time.Duration
	lastRun time.Time
}

// Registry holds jobs with their cadence.
type Registry struct {
	entries []*entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register schedules job every interval. A non-positive interval runs it on
// every tick.
func (r *Registry) Register(job Job, every time.Duration) {
	if job == nil {
		return
	}
	r.entries = append(r.entries, &entry{job: job, every: every})
}

// Jobs returns the registered jobs in registration order.
func (r *Registry) Jobs() []Job {
	jobs := make([]Job, 0, len(r.entries))
	for _, e := range r.entries {
		jobs = append(jobs, e.job)
	}
	return jobs
}

// due returns the jobs whose interval has elapsed at now and marks them run.
func (r *Registry) due(now time.Time) []Job {
	var jobs []Job
	for _, e := range r.entries {
		if !e.lastRun.IsZero() && now.Sub(e.lastRun) < e.every {
			continue
		}
		e.lastRun = now
		jobs = append(jobs, e.job)
	}
	return jobs
}
