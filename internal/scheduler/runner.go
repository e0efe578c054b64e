// Package scheduler arms exact-time reminder jobs and publishes the fired
// notifications.
package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobRunner arms at-most-one pending job per task. Scheduling a task that
// already has a job replaces it; a fire time in the past fires immediately.
type JobRunner interface {
	Schedule(taskID uuid.UUID, fireAt time.Time, fn func())
	Cancel(taskID uuid.UUID)
	Close()
}

// TimerRunner is the in-process JobRunner backed by time.Timer.
type TimerRunner struct {
	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
	closed bool
}

// NewTimerRunner creates an empty timer runner.
func NewTimerRunner() *TimerRunner {
	return &TimerRunner{timers: make(map[uuid.UUID]*time.Timer)}
}

// Schedule arms fn to run at fireAt, replacing any pending job for the task.
func (r *TimerRunner) Schedule(taskID uuid.UUID, fireAt time.Time, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if existing, ok := r.timers[taskID]; ok {
		existing.Stop()
	}

	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}
	r.timers[taskID] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.timers, taskID)
		r.mu.Unlock()
		fn()
	})
}

// Cancel stops the task's pending job, if any.
func (r *TimerRunner) Cancel(taskID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, ok := r.timers[taskID]; ok {
		timer.Stop()
		delete(r.timers, taskID)
	}
}

// Close stops every pending job.
func (r *TimerRunner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
}

// Pending returns the number of armed jobs. Used by tests and health checks.
func (r *TimerRunner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
