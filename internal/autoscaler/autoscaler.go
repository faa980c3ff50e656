// Package autoscaler keeps a fleet of ephemeral runner instances sized to
// the queue of pending jobs.  It admits queued jobs, provisions instances
// within each pool's capacity, retries with backoff, and reclaims
// instances and agents through a debounced reconciliation sweep.
//
// Every decision is made from a best-effort read of the compute providers
// and the fleet directory.  The in-memory caches only bias timing and
// suppress duplicate actions; a restart rebuilds them from nothing.
package autoscaler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/poolscaler/internal/compute"
	"github.com/terrpan/poolscaler/internal/directory"
	"github.com/terrpan/poolscaler/internal/pool"
	"github.com/terrpan/poolscaler/internal/stall"
	"github.com/terrpan/poolscaler/internal/ttl"
)

// Config holds everything the Autoscaler needs.  Zero durations and
// counts take the defaults noted on each field.
type Config struct {
	// Group is the runner group this engine provisions for.  Jobs must
	// carry a matching group label.
	Group string

	Registry  *pool.Registry
	Provider  compute.Provider
	Directory directory.Directory

	// Stall, when set, watches raw job events and feeds stalled jobs
	// back into admission.
	Stall *stall.Detector

	Logger *slog.Logger

	// MaxCreateRetries caps create-failed retries.  Default: 3.
	MaxCreateRetries int

	// MaxPoolFullRetries caps pool-full retries.  Default: 1000.
	MaxPoolFullRetries int

	// RetryDelay is the fixed backoff before a deferred request is
	// reconsidered.  Default: 5s.
	RetryDelay time.Duration

	// QueueSize bounds the upscale queue.  Default: 10000.
	QueueSize int

	// DedupTTL is how long a job id stays marked as upscaled.
	// Default: 5m.
	DedupTTL time.Duration

	// InFlightTTL is how long a dispatched create counts against its
	// pool while the provider listing does not show it.  Default: 1m.
	InFlightTTL time.Duration

	// ReconcileInterval and ReconcileInitialDelay schedule the fleet
	// sweep.  Defaults: 30s and 10s.
	ReconcileInterval     time.Duration
	ReconcileInitialDelay time.Duration

	// DeleteThreshold is the number of consecutive flags before a delete
	// fires.  Default: 3.
	DeleteThreshold int

	// DeleteCounterTTL is the window in which flags accumulate.
	// Default: 5m.
	DeleteCounterTTL time.Duration

	// BusyCacheTTL is how long an agent is remembered as having been
	// busy.  Default: 30m.
	BusyCacheTTL time.Duration

	// MetricsInterval schedules the instance gauge refresh.  Default: 60s.
	MetricsInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxCreateRetries == 0 {
		c.MaxCreateRetries = 3
	}
	if c.MaxPoolFullRetries == 0 {
		c.MaxPoolFullRetries = 1000
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.QueueSize == 0 {
		c.QueueSize = 10000
	}
	if c.DedupTTL == 0 {
		c.DedupTTL = 5 * time.Minute
	}
	if c.InFlightTTL == 0 {
		c.InFlightTTL = time.Minute
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.ReconcileInitialDelay == 0 {
		c.ReconcileInitialDelay = 10 * time.Second
	}
	if c.DeleteThreshold == 0 {
		c.DeleteThreshold = 3
	}
	if c.DeleteCounterTTL == 0 {
		c.DeleteCounterTTL = 5 * time.Minute
	}
	if c.BusyCacheTTL == 0 {
		c.BusyCacheTTL = 30 * time.Minute
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = time.Minute
	}
}

// Autoscaler is the engine.  Create it with New, start it with Run and
// release it with Close.
type Autoscaler struct {
	cfg       Config
	registry  *pool.Registry
	provider  compute.Provider
	directory directory.Directory
	stall     *stall.Detector
	logger    *slog.Logger
	now       func() time.Time

	queue    chan *UpscaleRequest
	deferred *deferredQueue

	// job id -> request that claimed it
	upscaled *ttl.Cache[int64, *UpscaleRequest]
	// dispatched create -> instance name, empty until the create returns
	inFlight *ttl.Cache[pendingKey, string]
	// agent name -> seen busy
	lastBusy *ttl.Cache[string, bool]

	deleteInstances *ttl.Counter[DeleteInstanceKey, flaggedInstance]
	deleteAgents    *ttl.Counter[DeleteAgentKey, directory.Agent]

	// workers tracks short-lived create/delete calls.
	workers sync.WaitGroup

	closeOnce sync.Once

	tracer  trace.Tracer
	metrics *instruments
}

// New creates an Autoscaler.
func New(cfg Config) (*Autoscaler, error) {
	if cfg.Registry == nil || cfg.Provider == nil || cfg.Directory == nil {
		return nil, fmt.Errorf("autoscaler: registry, provider and directory are required")
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("autoscaler: group is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.applyDefaults()

	a := &Autoscaler{
		cfg:             cfg,
		registry:        cfg.Registry,
		provider:        cfg.Provider,
		directory:       cfg.Directory,
		stall:           cfg.Stall,
		logger:          cfg.Logger,
		now:             time.Now,
		queue:           make(chan *UpscaleRequest, cfg.QueueSize),
		deferred:        newDeferredQueue(),
		upscaled:        ttl.NewCache[int64, *UpscaleRequest](cfg.DedupTTL),
		inFlight:        ttl.NewCache[pendingKey, string](cfg.InFlightTTL),
		lastBusy:        ttl.NewCache[string, bool](cfg.BusyCacheTTL),
		deleteInstances: ttl.NewCounter[DeleteInstanceKey, flaggedInstance](cfg.DeleteCounterTTL),
		deleteAgents:    ttl.NewCounter[DeleteAgentKey, directory.Agent](cfg.DeleteCounterTTL),
		tracer:          otel.Tracer("poolscaler/autoscaler"),
	}
	a.metrics = newInstruments(a)
	return a, nil
}

// Run starts the long-lived loops and blocks until ctx is cancelled.
// Outstanding create and delete calls finish before Run returns.
func (a *Autoscaler) Run(ctx context.Context) error {
	a.logger.Info("autoscaler starting",
		slog.String("group", a.cfg.Group),
		slog.Any("pools", a.registry.Names()),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.consume(ctx) })
	g.Go(func() error { return a.drainDeferred(ctx) })
	if a.stall != nil {
		g.Go(func() error { return a.stall.Run(ctx) })
		g.Go(func() error { return a.drainRetries(ctx) })
	}
	g.Go(func() error {
		return a.every(ctx, "reconcile", a.cfg.ReconcileInitialDelay, a.cfg.ReconcileInterval, a.Reconcile)
	})
	g.Go(func() error {
		return a.every(ctx, "metrics", 0, a.cfg.MetricsInterval, a.RefreshMetrics)
	})

	err := g.Wait()
	a.workers.Wait()
	a.logger.Info("autoscaler stopped")
	return err
}

// Close releases the caches.  It is safe to call more than once.
func (a *Autoscaler) Close() {
	a.closeOnce.Do(func() {
		a.upscaled.Stop()
		a.inFlight.Stop()
		a.lastBusy.Stop()
		a.deleteInstances.Stop()
		a.deleteAgents.Stop()
	})
}

// every runs fn after delay and then on each interval tick.
func (a *Autoscaler) every(ctx context.Context, name string, delay, interval time.Duration, fn func(context.Context)) error {
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.safely(name, func() { fn(ctx) })
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// safely runs fn and logs a panic instead of letting it kill the loop.
func (a *Autoscaler) safely(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("recovered from panic",
				slog.String("op", op),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn()
}

// goWorker runs fn on its own goroutine, detached from ctx cancellation
// so that a create or delete already under way is not abandoned.
func (a *Autoscaler) goWorker(ctx context.Context, op string, fn func(context.Context)) {
	ctx = context.WithoutCancel(ctx)
	a.workers.Add(1)
	go func() {
		defer a.workers.Done()
		a.safely(op, func() { fn(ctx) })
	}()
}
