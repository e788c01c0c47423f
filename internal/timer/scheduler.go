// Package timer runs the background consumption loop: each tick it stops
// timers whose balance has run out and applies due daily refills. The loop is
// a safety net, not the source of truth — remaining time is always
// recomputed from the persisted timer start, so a missed tick or a restart
// never loses or double-counts consumed time.
package timer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/screentime/internal/ledger"
)

const defaultInterval = 15 * time.Second

// Scheduler periodically depletes running timers and applies daily refills.
type Scheduler struct {
	mu       sync.RWMutex
	ledgers  *ledger.Service
	logger   *slog.Logger
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewScheduler(ledgers *ledger.Service, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		ledgers:  ledgers,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Tick runs one pass of depletion and refill checks.
func (s *Scheduler) Tick() {
	stopped, err := s.ledgers.AutoStopExhausted()
	if err != nil {
		s.logger.Error("auto-stop exhausted timers", "error", err)
	} else if stopped > 0 {
		s.logger.Info("stopped exhausted timers", "count", stopped)
	}

	refilled, err := s.ledgers.DailyRefill()
	if err != nil {
		s.logger.Error("daily refill", "error", err)
	} else if refilled > 0 {
		s.logger.Info("applied daily refills", "count", refilled)
	}
}
