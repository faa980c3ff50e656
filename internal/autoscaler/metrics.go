package autoscaler

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments holds the autoscaler's OpenTelemetry instruments.  Any of
// them may be nil if creation failed; add tolerates that.
type instruments struct {
	instancesCreated metric.Int64Counter
	instancesDeleted metric.Int64Counter
	agentsDeleted    metric.Int64Counter
	upscaleRetries   metric.Int64Counter
	upscaleDropped   metric.Int64Counter
	jobsRejected     metric.Int64Counter
	jobsAccepted     metric.Int64Counter
	invalidLabels    metric.Int64Counter

	mu     sync.Mutex
	counts map[string]int
}

func newInstruments(a *Autoscaler) *instruments {
	meter := otel.Meter("poolscaler/autoscaler")
	m := &instruments{counts: make(map[string]int)}

	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("1"))
		if err != nil {
			a.logger.Warn("failed to create counter", slog.String("name", name), slog.String("error", err.Error()))
			return nil
		}
		return c
	}

	m.instancesCreated = counter("poolscaler.instances.created", "Instance create attempts by outcome")
	m.instancesDeleted = counter("poolscaler.instances.deleted", "Instance deletes by outcome and reason")
	m.agentsDeleted = counter("poolscaler.agents.deleted", "Offline agent deletes by outcome")
	m.upscaleRetries = counter("poolscaler.upscale.retries", "Upscale requests deferred for retry")
	m.upscaleDropped = counter("poolscaler.upscale.dropped", "Upscale requests dropped after too many retries")
	m.jobsRejected = counter("poolscaler.jobs.rejected", "Jobs rejected at admission")
	m.jobsAccepted = counter("poolscaler.jobs.accepted", "Jobs accepted for provisioning")
	m.invalidLabels = counter("poolscaler.jobs.invalid_labels", "Unrecognized labels seen on jobs")

	_, err := meter.Int64ObservableGauge(
		"poolscaler.instances",
		metric.WithDescription("Instances per pool at the last refresh"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			for pool, n := range m.counts {
				o.Observe(int64(n), metric.WithAttributes(attribute.String("pool", pool)))
			}
			return nil
		}),
	)
	if err != nil {
		a.logger.Warn("failed to create instances gauge", slog.String("error", err.Error()))
	}

	return m
}

func (m *instruments) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *instruments) invalidLabel(ctx context.Context, n int) {
	if m.invalidLabels != nil {
		m.invalidLabels.Add(ctx, int64(n))
	}
}

func (m *instruments) setCounts(counts map[string]int) {
	m.mu.Lock()
	m.counts = counts
	m.mu.Unlock()
}

// InstanceCounts returns the per-pool instance counts from the last
// refresh.
func (a *Autoscaler) InstanceCounts() map[string]int {
	a.metrics.mu.Lock()
	defer a.metrics.mu.Unlock()
	return maps.Clone(a.metrics.counts)
}

// RefreshMetrics lists every instance once and updates the per-pool
// gauge.  Pools with no instances report zero.
func (a *Autoscaler) RefreshMetrics(ctx context.Context) {
	all, err := a.provider.ListAllInstances(ctx)
	if err != nil {
		a.logger.Warn("instance listing for metrics incomplete", slog.String("error", err.Error()))
		if all == nil {
			return
		}
	}

	counts := make(map[string]int, a.registry.Len())
	for _, name := range a.registry.Names() {
		counts[name] = len(all[name])
	}
	a.metrics.setCounts(counts)
}
