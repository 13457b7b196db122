/*
scheduler.go - Periodic overdue refresh

PURPOSE:
  Reads already refresh overdue statuses before they filter or group by
  status. The scheduler additionally runs the refresh on a ticker so the
  stored statuses and the overdue metric move even when nobody is
  reading, e.g. for dashboards that query the database directly.

DESIGN:
  - One background goroutine with a configurable interval
  - Runs once immediately on Start
  - A zero interval disables it, and zero is the configured default:
    statuses refresh on reads unless an operator opts in
  - The refresh is one idempotent UPDATE, so overlapping with a
    read-triggered refresh is harmless

USAGE:
  s := NewOverdueScheduler(engine, time.Hour, log)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - trips/overdue.go: RefreshOverdueStatuses
  - handlers.go: RefreshOverdue endpoint (manual trigger)
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// OverdueRefresher is the engine method the scheduler drives.
type OverdueRefresher interface {
	RefreshOverdueStatuses(ctx context.Context) (int64, error)
}

// OverdueScheduler refreshes overdue statuses on an interval.
type OverdueScheduler struct {
	Refresher     OverdueRefresher
	CheckInterval time.Duration
	Timeout       time.Duration

	log    *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewOverdueScheduler creates a scheduler; call Start to run it.
func NewOverdueScheduler(r OverdueRefresher, interval time.Duration, log *slog.Logger) *OverdueScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &OverdueScheduler{
		Refresher:     r,
		CheckInterval: interval,
		Timeout:       30 * time.Second,
		log:           log,
	}
}

// Start begins the scheduler. It is a no-op when the interval is zero or
// the scheduler is already running.
func (s *OverdueScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CheckInterval <= 0 {
		s.log.Info("overdue scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.log.Info("overdue scheduler started", "interval", s.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight refresh.
func (s *OverdueScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("overdue scheduler stopped")
}

func (s *OverdueScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.refresh()
	for {
		select {
		case <-ticker.C:
			s.refresh()
		case <-stop:
			return
		}
	}
}

func (s *OverdueScheduler) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	n, err := s.Refresher.RefreshOverdueStatuses(ctx)
	if err != nil {
		s.log.Warn("scheduled overdue refresh failed", "error", err)
		return
	}
	s.log.Debug("scheduled overdue refresh", "updated", n)
}
