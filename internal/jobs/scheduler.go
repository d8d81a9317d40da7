// Package jobs runs background tasks deduplicated by key.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is a unit of background work
type Task func(ctx context.Context) error

// Locker makes a job exclusive across processes
type Locker interface {
	// TryLock acquires the lock for key without waiting. ok is false when
	// another holder has it.
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

type job struct {
	task  Task
	rerun bool
}

// Scheduler runs at most one instance of a job per key. Enqueueing a job that
// is running schedules exactly one more run after the current one.
type Scheduler struct {
	ctx    context.Context
	locker Locker

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

// NewScheduler creates a scheduler whose jobs stop when ctx is done. locker may be nil.
func NewScheduler(ctx context.Context, locker Locker) *Scheduler {
	return &Scheduler{
		ctx:    ctx,
		locker: locker,
		jobs:   map[string]*job{},
	}
}

// Enqueue starts task under key unless a job with that key is active. It
// reports whether a new job was started.
func (s *Scheduler) Enqueue(key string, task Task) bool {
	if s.ctx.Err() != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[key]; ok {
		j.rerun = true
		return false
	}
	j := &job{task: task}
	s.jobs[key] = j
	s.wg.Add(1)
	go s.run(key, j)
	return true
}

// Active reports whether a job with key is queued or running
func (s *Scheduler) Active(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok
}

// Every enqueues task under key on each tick until ctx is done
func (s *Scheduler) Every(ctx context.Context, interval time.Duration, key string, task Task) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Enqueue(key, task) {
				logrus.WithField("job", key).Debug("Periodic job started")
			}
		}
	}
}

// Wait blocks until every started job has finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(key string, j *job) {
	defer s.wg.Done()
	for {
		s.execute(key, j.task)

		s.mu.Lock()
		if j.rerun && s.ctx.Err() == nil {
			j.rerun = false
			s.mu.Unlock()
			continue
		}
		delete(s.jobs, key)
		s.mu.Unlock()
		return
	}
}

func (s *Scheduler) execute(key string, task Task) {
	logger := logrus.WithField("job", key)

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(s.ctx, key)
		if err != nil {
			logger.WithError(err).Error("Failed to acquire job lock")
			return
		}
		if !ok {
			logger.Debug("Job is running elsewhere")
			return
		}
		defer unlock()
	}

	start := time.Now()
	if err := task(s.ctx); err != nil {
		logger.WithError(err).Error("Job failed")
		return
	}
	logger.WithField("duration", time.Since(start)).Debug("Job finished")
}
