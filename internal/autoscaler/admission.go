package autoscaler

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/terrpan/poolscaler/internal/job"
	"github.com/terrpan/poolscaler/internal/pool"
)

// Reason explains an admission decision.
type Reason string

const (
	ReasonAccepted     Reason = "accepted"
	ReasonNotQueued    Reason = "not_queued"
	ReasonWrongGroup   Reason = "wrong_group"
	ReasonInvalidPool  Reason = "invalid_pool"
	ReasonNoPool       Reason = "no_pool"
	ReasonInvalidLabel Reason = "invalid_label"
	ReasonQueueFull    Reason = "queue_full"
)

// Receive handles one raw workflow_job payload: the stall detector sees
// every event, then the job goes through admission.
func (a *Autoscaler) Receive(payload []byte) (Reason, error) {
	j, err := job.Parse(payload)
	if err != nil {
		return "", fmt.Errorf("receive: %w", err)
	}
	if a.stall != nil {
		a.stall.Observe(j)
	}
	_, reason := a.Admit(j)
	return reason, nil
}

// Admit validates j and, if it should cause provisioning, enqueues an
// upscale request.  It never blocks.
func (a *Autoscaler) Admit(j job.Job) (bool, Reason) {
	ctx := context.Background()

	if j.Status != job.StatusQueued {
		a.reject(ctx, j, ReasonNotQueued, slog.LevelDebug, slog.String("status", string(j.Status)))
		return false, ReasonNotQueued
	}

	labels := pool.ParseLabels(j.Labels)

	if !labels.HasGroup || labels.Group != a.cfg.Group {
		a.reject(ctx, j, ReasonWrongGroup, slog.LevelWarn, slog.String("jobGroup", labels.Group))
		return false, ReasonWrongGroup
	}

	if !labels.Valid() {
		a.logger.Warn("job has invalid labels",
			slog.String("repo", j.Repository),
			slog.String("workflow", j.Workflow),
			slog.String("job", j.Name),
			slog.Any("invalid", labels.Invalid),
		)
		a.metrics.invalidLabel(ctx, len(labels.Invalid))
	}

	var target pool.ActionPool
	if labels.HasPool {
		p, ok := a.registry.Get(labels.Pool)
		if !ok {
			a.reject(ctx, j, ReasonInvalidPool, slog.LevelWarn, slog.String("pool", labels.Pool))
			return false, ReasonInvalidPool
		}
		target = p
	} else {
		p, ok := a.registry.Default()
		if !ok {
			a.reject(ctx, j, ReasonNoPool, slog.LevelWarn)
			return false, ReasonNoPool
		}
		target = p
	}

	if !labels.Valid() {
		a.reject(ctx, j, ReasonInvalidLabel, slog.LevelWarn, slog.String("pool", target.Name))
		return false, ReasonInvalidLabel
	}

	req := newUpscaleRequest(target, j)
	select {
	case a.queue <- req:
	default:
		a.reject(ctx, j, ReasonQueueFull, slog.LevelError, slog.String("pool", target.Name))
		return false, ReasonQueueFull
	}

	a.metrics.add(ctx, a.metrics.jobsAccepted, attribute.String("pool", target.Name))
	a.logger.Info("job accepted",
		slog.Int64("jobID", j.ID),
		slog.String("pool", target.Name),
		slog.String("repo", j.Repository),
		slog.String("workflow", j.Workflow),
		slog.String("job", j.Name),
	)
	return true, ReasonAccepted
}

func (a *Autoscaler) reject(ctx context.Context, j job.Job, reason Reason, level slog.Level, attrs ...slog.Attr) {
	a.metrics.add(ctx, a.metrics.jobsRejected, attribute.String("reason", string(reason)))

	attrs = append([]slog.Attr{
		slog.Int64("jobID", j.ID),
		slog.String("reason", string(reason)),
		slog.String("repo", j.Repository),
		slog.String("workflow", j.Workflow),
		slog.String("job", j.Name),
	}, attrs...)
	a.logger.LogAttrs(ctx, level, "job rejected", attrs...)
}
