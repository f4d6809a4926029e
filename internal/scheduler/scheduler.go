// Package scheduler runs deferred purchase expiration checks.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler runs the expiration check for one purchase
type Handler func(ctx context.Context, purchaseID int64) error

// Scheduler defers an expiration check. Scheduling is fire-and-forget:
// a check that never runs is picked up later by the periodic sweep.
type Scheduler interface {
	ScheduleExpirationCheck(ctx context.Context, purchaseID int64, delay time.Duration) error
}

// LocalScheduler keeps pending checks as in-process timers. Checks that
// have not fired are lost on restart.
type LocalScheduler struct {
	handler Handler
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	timers map[int64]timerEntry
	closed bool
	wg     sync.WaitGroup
}

type timerEntry struct {
	jobID string
	timer *time.Timer
}

// NewLocalScheduler creates a timer-backed scheduler that calls handler
func NewLocalScheduler(handler Handler, logger *slog.Logger) *LocalScheduler {
	return &LocalScheduler{
		handler: handler,
		logger:  logger.With("component", "scheduler", "backend", "local"),
		timeout: 30 * time.Second,
		timers:  make(map[int64]timerEntry),
	}
}

// ScheduleExpirationCheck runs the handler for purchaseID after delay.
// Scheduling the same purchase again replaces the earlier timer.
func (s *LocalScheduler) ScheduleExpirationCheck(_ context.Context, purchaseID int64, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStopped
	}
	if prev, ok := s.timers[purchaseID]; ok && prev.timer.Stop() {
		s.wg.Done()
	}

	jobID := uuid.NewString()
	s.wg.Add(1)
	timer := time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.fire(jobID, purchaseID)
	})
	s.timers[purchaseID] = timerEntry{jobID: jobID, timer: timer}

	s.logger.Debug("expiration check scheduled", "job_id", jobID, "purchase_id", purchaseID, "delay", delay)
	return nil
}

func (s *LocalScheduler) fire(jobID string, purchaseID int64) {
	s.mu.Lock()
	if entry, ok := s.timers[purchaseID]; ok && entry.jobID == jobID {
		delete(s.timers, purchaseID)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.handler(ctx, purchaseID); err != nil {
		s.logger.Error("expiration check failed", "job_id", jobID, "purchase_id", purchaseID, "error", err)
		return
	}
	s.logger.Debug("expiration check done", "job_id", jobID, "purchase_id", purchaseID)
}

// Pending returns the number of checks waiting to fire
func (s *LocalScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending check and waits for running ones
func (s *LocalScheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	for id, entry := range s.timers {
		if entry.timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}
