// Package coordinator runs probe cycles: one sweep over every registered
// target, classified and committed to the store and the state cache.
//
// At most one cycle runs at a time. Callers arriving while a cycle is in
// flight join it and receive its result instead of starting another sweep.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hazz-dev/pingboard/internal/checker"
	"github.com/hazz-dev/pingboard/internal/status"
	"github.com/hazz-dev/pingboard/internal/target"
)

const (
	cycleKey = "cycle"

	defaultTimeout = 2 * time.Second
	persistTimeout = 5 * time.Second
)

// Store is the append side of the persistence layer.
type Store interface {
	AppendCycle(ctx context.Context, records []status.Record) error
}

// Cache receives the records of every committed cycle.
type Cache interface {
	Commit(cycle uint64, records []status.Record)
}

// Options tunes a Coordinator. Zero values fall back to defaults.
type Options struct {
	// Timeout bounds a single probe.
	Timeout time.Duration
	// Threshold separates Good from Low latency.
	Threshold time.Duration
	// Workers caps the number of concurrent probes within a cycle.
	Workers int
}

// Delta is the result of one committed cycle.
type Delta struct {
	Cycle     uint64
	StartedAt time.Time
	Duration  time.Duration
	// Records holds one record per target in registry order. It is shared
	// between joined callers and must not be modified.
	Records []status.Record
	// Shared reports whether more than one caller received this cycle.
	Shared bool
	// PersistErr is set when the store rejected the cycle. The cache was
	// still updated.
	PersistErr error
}

// Coordinator owns the single-flight cycle.
type Coordinator struct {
	registry *target.Registry
	prober   checker.Prober
	store    Store
	cache    Cache
	opts     Options
	logger   *slog.Logger

	group    singleflight.Group
	runMu    sync.Mutex
	inFlight atomic.Bool
	cycles   atomic.Uint64
	lastSeen map[string]time.Time

	listenersMu sync.RWMutex
	listeners   []func(Delta)
}

// New creates a Coordinator. store may be nil to disable persistence. Pass
// nil logger to use the default logger.
func New(registry *target.Registry, prober checker.Prober, store Store, cache Cache, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Threshold <= 0 {
		opts.Threshold = status.DefaultThreshold
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Coordinator{
		registry: registry,
		prober:   prober,
		store:    store,
		cache:    cache,
		opts:     opts,
		logger:   logger,
		lastSeen: make(map[string]time.Time, registry.Len()),
	}
}

// OnCommit registers fn to be called after every committed cycle. fn runs on
// the cycle's goroutine and must not block.
func (c *Coordinator) OnCommit(fn func(Delta)) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

// InFlight reports whether a cycle is currently running.
func (c *Coordinator) InFlight() bool {
	return c.inFlight.Load()
}

// Cycles returns the number of committed cycles.
func (c *Coordinator) Cycles() uint64 {
	return c.cycles.Load()
}

// RunCycle probes every target once and commits the results. If a cycle is
// already running the call joins it. The cycle runs under the context of the
// caller that started it; a joined caller whose own ctx ends stops waiting
// but does not cancel the cycle.
func (c *Coordinator) RunCycle(ctx context.Context) (Delta, error) {
	ch := c.group.DoChan(cycleKey, func() (interface{}, error) {
		return c.run(ctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Delta{}, res.Err
		}
		d := res.Val.(Delta)
		d.Shared = res.Shared
		return d, nil
	case <-ctx.Done():
		return Delta{}, ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context) (Delta, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.inFlight.Store(true)
	defer c.inFlight.Store(false)

	cycle := c.cycles.Load() + 1
	started := time.Now()
	targets := c.registry.All()

	outcomes := make([]checker.Outcome, len(targets))
	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for i, t := range targets {
		g.Go(func() error {
			outcomes[i] = c.probe(ctx, t)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		c.logger.Warn("cycle abandoned", "cycle", cycle, "error", err)
		return Delta{}, fmt.Errorf("cycle %d abandoned: %w", cycle, err)
	}

	records := make([]status.Record, len(targets))
	var good, low, down int
	for i, t := range targets {
		rec := status.NewRecord(t, outcomes[i], c.opts.Threshold, cycle)
		rec.Timestamp = c.advance(t.ID, rec.Timestamp)
		records[i] = rec

		switch rec.Status {
		case status.Good:
			good++
		case status.Low:
			low++
		default:
			down++
		}
		c.logger.Debug("probe result",
			"target", t.Name,
			"status", rec.Status,
			"latency", outcomes[i].Latency,
			"error", outcomes[i].Err,
		)
	}

	var persistErr error
	if c.store != nil {
		// Persist even if ctx is cancelled once probing has finished.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		persistErr = c.store.AppendCycle(pctx, records)
		cancel()
		if persistErr != nil {
			c.logger.Error("persisting cycle", "cycle", cycle, "error", persistErr)
		}
	}

	c.cache.Commit(cycle, records)
	c.cycles.Store(cycle)

	delta := Delta{
		Cycle:      cycle,
		StartedAt:  started,
		Duration:   time.Since(started),
		Records:    records,
		PersistErr: persistErr,
	}
	c.logger.Info("cycle committed",
		"cycle", cycle,
		"targets", len(records),
		"good", good,
		"low", low,
		"down", down,
		"duration", delta.Duration,
	)

	c.listenersMu.RLock()
	listeners := c.listeners
	c.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(delta)
	}
	return delta, nil
}

// probe runs one target's probe under its own timeout. A panicking prober
// only takes its own target down.
func (c *Coordinator) probe(ctx context.Context, t target.Target) (out checker.Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("prober panicked", "target", t.Name, "panic", r)
			out = checker.Unreachable(start, fmt.Errorf("prober panic: %v", r))
		}
		if out.Timestamp.IsZero() {
			out.Timestamp = start
		}
		out.TargetID = t.ID
	}()

	pctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	return c.prober.Probe(pctx, t.Address, c.opts.Timeout)
}

// advance returns ts, moved past the previous timestamp committed for id if
// the wall clock did not move forward. Only called from run.
func (c *Coordinator) advance(id string, ts time.Time) time.Time {
	ts = ts.Round(0)
	if last, ok := c.lastSeen[id]; ok && !ts.After(last) {
		ts = last.Add(time.Microsecond)
	}
	c.lastSeen[id] = ts
	return ts
}
