package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hazz-dev/pingboard/internal/coordinator"
)

// DefaultPeriod is the time between two scheduled cycles.
const DefaultPeriod = 7 * time.Second

// Runner defines the coordinator operations required by the scheduler.
type Runner interface {
	RunCycle(ctx context.Context) (coordinator.Delta, error)
	InFlight() bool
}

// Scheduler triggers probe cycles on a fixed period and on request.
type Scheduler struct {
	runner  Runner
	period  time.Duration
	logger  *slog.Logger
	refresh chan struct{}
	wg      sync.WaitGroup
}

// New creates a new Scheduler. A non-positive period uses DefaultPeriod. Pass
// nil logger to use the default logger.
func New(runner Runner, period time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Scheduler{
		runner:  runner,
		period:  period,
		logger:  logger,
		refresh: make(chan struct{}, 1),
	}
}

// Period returns the time between scheduled cycles.
func (s *Scheduler) Period() time.Duration {
	return s.period
}

// Start spawns the scheduling goroutine. It is non-blocking.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Wait blocks until the scheduling goroutine and its in-flight cycle have
// exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RequestRefresh asks for an out-of-band cycle without waiting for it. It
// reports false when the request was dropped because a cycle is already
// running or another request is pending.
func (s *Scheduler) RequestRefresh() bool {
	if s.runner.InFlight() {
		return false
	}
	select {
	case s.refresh <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately.
	s.runCycle(ctx, "startup")

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx, "tick")
		case <-s.refresh:
			s.runCycle(ctx, "refresh")
			ticker.Reset(s.period)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	// A request already queued is answered by this cycle.
	select {
	case <-s.refresh:
	default:
	}

	delta, err := s.runner.RunCycle(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.logger.Info("cycle cancelled", "trigger", trigger)
		} else {
			s.logger.Error("running cycle", "trigger", trigger, "error", err)
		}
		return
	}
	s.logger.Debug("cycle finished",
		"trigger", trigger,
		"cycle", delta.Cycle,
		"duration", delta.Duration,
	)
}
