package autoscaler

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/terrpan/poolscaler/internal/compute"
	"github.com/terrpan/poolscaler/internal/directory"
)

// Reclaim reasons.
const (
	ReclaimRunnerComplete = "runner_complete"
	ReclaimIdleTimeout    = "idle_timeout"
)

// DeleteInstanceKey identifies an instance in the delete debounce counter.
type DeleteInstanceKey struct {
	Pool       string
	InstanceID string
}

// DeleteAgentKey identifies an agent in the delete debounce counter.
type DeleteAgentKey struct {
	Name string
	ID   int64
}

type flaggedInstance struct {
	Instance compute.Instance
	Reason   string
}

// Reconcile runs one fleet sweep.  It flags instances whose agent
// finished or which outlived the pool's idle timeout, flags offline
// agents, and deletes whatever has been flagged DeleteThreshold times.
func (a *Autoscaler) Reconcile(ctx context.Context) {
	ctx, span := a.tracer.Start(ctx, "autoscaler.Reconcile")
	defer span.End()

	agents, err := a.directory.ListAgents(ctx)
	if err != nil {
		a.logger.Error("listing agents failed, skipping sweep", slog.String("error", err.Error()))
		return
	}

	byName := make(map[string]directory.Agent, len(agents))
	for _, ag := range agents {
		byName[ag.Name] = ag
		a.markSeen(ag)
	}

	now := a.now()
	for _, p := range a.registry.All() {
		instances, err := a.provider.ListInstances(ctx, p.Name)
		if err != nil {
			a.logger.Error("listing instances failed",
				slog.String("pool", p.Name),
				slog.String("error", err.Error()),
			)
			continue
		}

		for _, inst := range instances {
			ag, present := byName[inst.Name]
			if present && ag.Busy {
				continue
			}

			var reason string
			switch {
			case !present && a.wasBusy(inst.Name):
				reason = ReclaimRunnerComplete
			case p.IdleTimeout > 0 && !inst.CreatedAt.IsZero() && now.Sub(inst.CreatedAt) > p.IdleTimeout:
				reason = ReclaimIdleTimeout
			default:
				continue
			}

			n := a.deleteInstances.Increment(
				DeleteInstanceKey{Pool: p.Name, InstanceID: inst.ID},
				flaggedInstance{Instance: inst, Reason: reason},
			)
			a.logger.Debug("instance flagged for deletion",
				slog.String("name", inst.Name),
				slog.String("pool", p.Name),
				slog.String("reason", reason),
				slog.Int("count", n),
			)
		}
	}

	for _, ag := range agents {
		if !ag.Offline() {
			continue
		}
		n := a.deleteAgents.Increment(DeleteAgentKey{Name: ag.Name, ID: ag.ID}, ag)
		a.logger.Debug("offline agent flagged for deletion",
			slog.String("agent", ag.Name),
			slog.Int("count", n),
		)
	}

	a.sweepDeletes(ctx)
}

// markSeen records that ag is alive.  A busy sighting sticks until the
// entry expires.
func (a *Autoscaler) markSeen(ag directory.Agent) {
	busy := ag.Busy
	if prev, ok := a.lastBusy.Get(ag.Name); ok && prev {
		busy = true
	}
	a.lastBusy.Set(ag.Name, busy)
}

func (a *Autoscaler) wasBusy(name string) bool {
	busy, ok := a.lastBusy.Get(name)
	return ok && busy
}

// sweepDeletes dispatches every delete whose counter reached the
// threshold.  Counters are cleared on dispatch, before the outcome is
// known.
func (a *Autoscaler) sweepDeletes(ctx context.Context) {
	for key, t := range a.deleteInstances.TakeAtLeast(a.cfg.DeleteThreshold) {
		flagged := t.Subject
		a.logger.Info("deleting instance",
			slog.String("name", flagged.Instance.Name),
			slog.String("pool", key.Pool),
			slog.String("reason", flagged.Reason),
			slog.Int("count", t.Count),
		)
		a.goWorker(ctx, "delete-instance", func(ctx context.Context) { a.deleteInstance(ctx, flagged) })
	}

	for key, t := range a.deleteAgents.TakeAtLeast(a.cfg.DeleteThreshold) {
		ag := t.Subject
		a.logger.Info("deleting offline agent",
			slog.String("agent", key.Name),
			slog.Int64("agentID", key.ID),
			slog.Int("count", t.Count),
		)
		a.goWorker(ctx, "delete-agent", func(ctx context.Context) { a.deleteAgent(ctx, ag) })
	}
}

func (a *Autoscaler) deleteInstance(ctx context.Context, f flaggedInstance) {
	ctx, span := a.tracer.Start(ctx, "autoscaler.DeleteInstance")
	defer span.End()
	span.SetAttributes(
		attribute.String("instance.name", f.Instance.Name),
		attribute.String("instance.pool", f.Instance.Pool),
		attribute.String("reclaim.reason", f.Reason),
	)

	attrs := []attribute.KeyValue{
		attribute.String("pool", f.Instance.Pool),
		attribute.String("reason", f.Reason),
	}

	if err := a.provider.DeleteInstance(ctx, f.Instance.DeleteRequest()); err != nil {
		span.RecordError(err)
		a.metrics.add(ctx, a.metrics.instancesDeleted, append(attrs, attribute.String("outcome", "failure"))...)
		a.logger.Error("instance delete failed",
			slog.String("name", f.Instance.Name),
			slog.String("pool", f.Instance.Pool),
			slog.String("error", err.Error()),
		)
		return
	}

	a.metrics.add(ctx, a.metrics.instancesDeleted, append(attrs, attribute.String("outcome", "success"))...)
	a.logger.Info("instance deleted",
		slog.String("name", f.Instance.Name),
		slog.String("pool", f.Instance.Pool),
		slog.String("reason", f.Reason),
	)
}

func (a *Autoscaler) deleteAgent(ctx context.Context, ag directory.Agent) {
	if err := a.directory.DeleteAgent(ctx, ag.ID); err != nil {
		a.metrics.add(ctx, a.metrics.agentsDeleted, attribute.String("outcome", "failure"))
		a.logger.Error("agent delete failed",
			slog.String("agent", ag.Name),
			slog.Int64("agentID", ag.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	a.metrics.add(ctx, a.metrics.agentsDeleted, attribute.String("outcome", "success"))
	a.logger.Info("agent deleted", slog.String("agent", ag.Name), slog.Int64("agentID", ag.ID))
}
