// Package stall detects jobs that stay queued without ever being picked
// up and feeds them back into admission.
//
// The detector watches raw job events, independently of whether they
// were admitted.  A job is resubmitted only when it has been queued for
// longer than MaxTimeQueued, no active status was ever seen for it, the
// last resubmission is older than MaxTimeBetweenRetries, and the fleet
// directory confirms it is still queued.
package stall

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrpan/poolscaler/internal/job"
	"github.com/terrpan/poolscaler/internal/ttl"
)

// QueueChecker re-reads a job's live status.
type QueueChecker interface {
	IsJobStillQueued(ctx context.Context, jobURL string) (bool, error)
}

// Config holds the detector settings.  Zero values take the noted
// defaults.
type Config struct {
	Checker QueueChecker
	Logger  *slog.Logger

	// Interval between sweeps.  Default: 20s.
	Interval time.Duration

	// InitialDelay before the first sweep.  Default: 30s.
	InitialDelay time.Duration

	// MaxTimeQueued is how long a job may wait before it counts as
	// stalled.  Default: 10m.
	MaxTimeQueued time.Duration

	// MaxTimeBetweenRetries spaces resubmissions of one job.
	// Default: 10m.
	MaxTimeBetweenRetries time.Duration

	// MaxRetries caps resubmissions per job.  Default: 3.
	MaxRetries int

	// WatchTTL forgets a job this long after its last event.
	// Default: 24h.
	WatchTTL time.Duration

	// BufferSize bounds both the event and the retry queues.
	// Default: 1000.
	BufferSize int
}

func (c *Config) applyDefaults() {
	if c.Interval == 0 {
		c.Interval = 20 * time.Second
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = 30 * time.Second
	}
	if c.MaxTimeQueued == 0 {
		c.MaxTimeQueued = 10 * time.Minute
	}
	if c.MaxTimeBetweenRetries == 0 {
		c.MaxTimeBetweenRetries = 10 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.WatchTTL == 0 {
		c.WatchTTL = 24 * time.Hour
	}
	if c.BufferSize == 0 {
		c.BufferSize = 1000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// watcher tracks one job.  It is only touched by the Run goroutine.
type watcher struct {
	latest   job.Job
	queued   int
	active   int
	queuedAt time.Time
	retries  []time.Time
}

func (w *watcher) lastRetry() time.Time {
	if len(w.retries) == 0 {
		return time.Time{}
	}
	return w.retries[len(w.retries)-1]
}

// Detector is the stall detector.
type Detector struct {
	cfg      Config
	checker  QueueChecker
	logger   *slog.Logger
	now      func() time.Time
	events   chan job.Job
	retries  chan job.Job
	watchers *ttl.Cache[job.Key, *watcher]
	stopOnce sync.Once

	resubmitted metric.Int64Counter
}

// New creates a Detector.
func New(cfg Config) *Detector {
	cfg.applyDefaults()

	d := &Detector{
		cfg:      cfg,
		checker:  cfg.Checker,
		logger:   cfg.Logger,
		now:      time.Now,
		events:   make(chan job.Job, cfg.BufferSize),
		retries:  make(chan job.Job, cfg.BufferSize),
		watchers: ttl.NewCache[job.Key, *watcher](cfg.WatchTTL),
	}

	var err error
	d.resubmitted, err = otel.Meter("poolscaler/stall").Int64Counter(
		"poolscaler.stall.resubmitted",
		metric.WithDescription("Stalled jobs resubmitted to admission"),
		metric.WithUnit("1"),
	)
	if err != nil {
		d.logger.Warn("failed to create resubmitted counter", slog.String("error", err.Error()))
	}
	return d
}

// Observe queues a job event for the detector.  It never blocks; when
// the queue is full the event is dropped.
func (d *Detector) Observe(j job.Job) {
	select {
	case d.events <- j:
	default:
		d.logger.Warn("stall event queue full, dropping event", slog.Int64("jobID", j.ID))
	}
}

// Retries delivers jobs that should go through admission again.
func (d *Detector) Retries() <-chan job.Job {
	return d.retries
}

// Watching returns the number of watched jobs.
func (d *Detector) Watching() int {
	return d.watchers.Len()
}

// Run applies events and sweeps on schedule until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	defer d.Close()

	timer := time.NewTimer(d.cfg.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-d.events:
			d.apply(j)
		case <-timer.C:
			d.Sweep(ctx)
			timer.Reset(d.cfg.Interval)
		}
	}
}

// Close releases the watcher cache.  Run calls it on exit.
func (d *Detector) Close() {
	d.stopOnce.Do(d.watchers.Stop)
}

// apply folds one event into the job's watcher.
func (d *Detector) apply(j job.Job) {
	w, ok := d.watchers.Get(j.Key())
	if !ok {
		w = &watcher{}
	}

	switch {
	case j.Status == job.StatusQueued:
		w.queued++
		w.latest = j
		if w.queuedAt.IsZero() {
			w.queuedAt = j.ReceivedAt
			if w.queuedAt.IsZero() {
				w.queuedAt = d.now()
			}
		}
	case j.Status.Active():
		w.active++
	}

	d.watchers.Set(j.Key(), w)
}

// Sweep resubmits every stalled job.
func (d *Detector) Sweep(ctx context.Context) {
	now := d.now()

	d.watchers.Range(func(key job.Key, w *watcher) bool {
		if !d.stalled(w, now) {
			return true
		}

		still, err := d.checker.IsJobStillQueued(ctx, w.latest.URL)
		if err != nil {
			d.logger.Warn("could not confirm job status",
				slog.String("job", key.String()),
				slog.String("error", err.Error()),
			)
			return true
		}
		if !still {
			d.logger.Debug("job no longer queued, unwatching", slog.String("job", key.String()))
			d.watchers.Delete(key)
			return true
		}

		select {
		case d.retries <- w.latest:
		default:
			d.logger.Warn("stall retry queue full", slog.String("job", key.String()))
			return true
		}

		w.retries = append(w.retries, now)
		if d.resubmitted != nil {
			d.resubmitted.Add(ctx, 1)
		}
		d.logger.Info("resubmitting stalled job",
			slog.Int64("jobID", w.latest.ID),
			slog.String("repo", w.latest.Repository),
			slog.String("job", w.latest.Name),
			slog.Int("attempt", len(w.retries)),
			slog.Duration("queuedFor", now.Sub(w.queuedAt)),
		)
		return true
	})
}

func (d *Detector) stalled(w *watcher, now time.Time) bool {
	if w.active > 0 || w.queued == 0 {
		return false
	}
	if len(w.retries) >= d.cfg.MaxRetries {
		return false
	}
	if now.Sub(w.queuedAt) <= d.cfg.MaxTimeQueued {
		return false
	}
	if last := w.lastRetry(); !last.IsZero() && now.Sub(last) <= d.cfg.MaxTimeBetweenRetries {
		return false
	}
	return true
}
