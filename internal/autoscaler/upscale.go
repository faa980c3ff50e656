package autoscaler

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/terrpan/poolscaler/internal/compute"
	"github.com/terrpan/poolscaler/internal/job"
	"github.com/terrpan/poolscaler/internal/pool"
)

// RequestReason records why a request is (re)queued.
type RequestReason string

const (
	RequestNew               RequestReason = "new"
	RequestRetryPoolFull     RequestReason = "retry_pool_full"
	RequestRetryCreateFailed RequestReason = "retry_create_failed"
)

// UpscaleRequest asks for one instance in Pool on behalf of Job.  Only
// one goroutine holds a request at a time: the consumer, a create worker,
// or the deferred queue.
type UpscaleRequest struct {
	Pool              pool.ActionPool
	Job               job.Job
	RetryPoolFull     int
	RetryCreateFailed int
	Reason            RequestReason
}

func newUpscaleRequest(p pool.ActionPool, j job.Job) *UpscaleRequest {
	return &UpscaleRequest{Pool: p, Job: j, Reason: RequestNew}
}

// exhausted reports whether either retry counter passed its cap.
func (r *UpscaleRequest) exhausted(maxCreate, maxPoolFull int) bool {
	return r.RetryCreateFailed > maxCreate || r.RetryPoolFull > maxPoolFull
}

func (r *UpscaleRequest) pendingKey() pendingKey {
	return pendingKey{Pool: r.Pool.Name, JobID: r.Job.ID}
}

// pendingKey identifies one create dispatched for a job.
type pendingKey struct {
	Pool  string
	JobID int64
}

// unlisted counts pool's dispatched creates that listed does not show.
// A create whose instance appears in the listing is forgotten, since the
// listing now counts it.
func (a *Autoscaler) unlisted(poolName string, listed []compute.Instance) int {
	names := make(map[string]bool, len(listed))
	for _, inst := range listed {
		names[inst.Name] = true
	}

	n := 0
	a.inFlight.Range(func(key pendingKey, name string) bool {
		if key.Pool != poolName {
			return true
		}
		if name != "" && names[name] {
			a.inFlight.Delete(key)
			return true
		}
		n++
		return true
	})
	return n
}

func (r *UpscaleRequest) attrs() []slog.Attr {
	return []slog.Attr{
		slog.Int64("jobID", r.Job.ID),
		slog.String("pool", r.Pool.Name),
		slog.String("repo", r.Job.Repository),
		slog.String("job", r.Job.Name),
		slog.String("reason", string(r.Reason)),
		slog.Int("retryPoolFull", r.RetryPoolFull),
		slog.Int("retryCreateFailed", r.RetryCreateFailed),
	}
}

// consume is the single admission consumer.  Capacity checks and the
// in-flight increment both happen here, so an increment is always visible
// to the next request's check.
func (a *Autoscaler) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-a.queue:
			a.safely("upscale", func() { a.handle(ctx, req) })
		}
	}
}

// drainRetries feeds jobs resubmitted by the stall detector back into
// admission.
func (a *Autoscaler) drainRetries(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-a.stall.Retries():
			a.safely("stall-retry", func() {
				if ok, reason := a.Admit(j); !ok {
					a.logger.Info("stalled job not readmitted",
						slog.Int64("jobID", j.ID),
						slog.String("reason", string(reason)),
					)
				}
			})
		}
	}
}

// handle processes one upscale request.
func (a *Autoscaler) handle(ctx context.Context, req *UpscaleRequest) {
	jobID := req.Job.ID
	owner, claimed := a.upscaled.Get(jobID)
	if claimed && owner != req {
		a.logger.Info("job already upscaled, dropping duplicate", slog.Int64("jobID", jobID))
		return
	}

	if req.exhausted(a.cfg.MaxCreateRetries, a.cfg.MaxPoolFullRetries) {
		if claimed {
			a.upscaled.Delete(jobID)
		}
		a.metrics.add(ctx, a.metrics.upscaleDropped, attribute.String("pool", req.Pool.Name))
		a.logger.LogAttrs(ctx, slog.LevelError, "job not being expanded due to too many retries", req.attrs()...)
		return
	}

	instances, err := a.provider.ListInstances(ctx, req.Pool.Name)
	if err != nil {
		a.logger.Error("listing instances failed, deferring",
			slog.String("pool", req.Pool.Name),
			slog.String("error", err.Error()),
		)
		a.retry(ctx, req, RequestRetryCreateFailed)
		return
	}

	inFlight := a.unlisted(req.Pool.Name, instances)
	if req.Pool.AtCapacity(len(instances) + inFlight) {
		a.logger.Debug("pool full, deferring",
			slog.String("pool", req.Pool.Name),
			slog.Int("instances", len(instances)),
			slog.Int("inFlight", inFlight),
			slog.Int("max", req.Pool.MaxInstances),
		)
		a.retry(ctx, req, RequestRetryPoolFull)
		return
	}

	if actual, loaded := a.upscaled.GetOrSet(jobID, req); loaded && actual != req {
		a.logger.Info("job already upscaled, dropping duplicate", slog.Int64("jobID", jobID))
		return
	}
	a.inFlight.Set(req.pendingKey(), "")

	a.goWorker(ctx, "create-instance", func(ctx context.Context) { a.create(ctx, req) })
}

// create calls the provider and records the outcome.
func (a *Autoscaler) create(ctx context.Context, req *UpscaleRequest) {
	ctx, span := a.tracer.Start(ctx, "autoscaler.CreateInstance")
	defer span.End()
	span.SetAttributes(
		attribute.String("instance.pool", req.Pool.Name),
		attribute.Int64("job.id", req.Job.ID),
	)

	poolAttr := attribute.String("pool", req.Pool.Name)

	name, err := a.provider.CreateInstance(ctx, req.Pool.Name)

	var timeout *compute.CreateTimeoutError
	switch {
	case err == nil:
		a.upscaled.Set(req.Job.ID, req)
		a.inFlight.Set(req.pendingKey(), name)
		a.metrics.add(ctx, a.metrics.instancesCreated, poolAttr, attribute.String("outcome", "success"))
		a.logger.Info("instance created",
			slog.String("name", name),
			slog.String("pool", req.Pool.Name),
			slog.Int64("jobID", req.Job.ID),
		)

	case errors.As(err, &timeout) && timeout.Indeterminate:
		// May still come up; the reconciler sees the real outcome.
		a.upscaled.Set(req.Job.ID, req)
		a.inFlight.Set(req.pendingKey(), timeout.Name)
		a.metrics.add(ctx, a.metrics.instancesCreated, poolAttr, attribute.String("outcome", "timeout"))
		a.logger.Warn("instance create timed out, not retrying",
			slog.String("name", timeout.Name),
			slog.String("pool", req.Pool.Name),
			slog.Int64("jobID", req.Job.ID),
		)

	default:
		span.RecordError(err)
		a.inFlight.Delete(req.pendingKey())
		a.metrics.add(ctx, a.metrics.instancesCreated, poolAttr, attribute.String("outcome", "failure"))
		a.logger.Error("instance create failed",
			slog.String("pool", req.Pool.Name),
			slog.Int64("jobID", req.Job.ID),
			slog.String("error", err.Error()),
		)
		a.retry(ctx, req, RequestRetryCreateFailed)
	}
}

// retry bumps the counter for reason and defers req by the retry delay.
func (a *Autoscaler) retry(ctx context.Context, req *UpscaleRequest, reason RequestReason) {
	metricReason := "create_failed"
	switch reason {
	case RequestRetryPoolFull:
		req.RetryPoolFull++
		metricReason = "pool_full"
	case RequestRetryCreateFailed:
		req.RetryCreateFailed++
	}
	req.Reason = reason

	a.metrics.add(ctx, a.metrics.upscaleRetries,
		attribute.String("pool", req.Pool.Name),
		attribute.String("reason", metricReason),
	)
	a.deferred.Push(a.now().Add(a.cfg.RetryDelay), req)
}

// drainDeferred moves ripe deferred requests back onto the upscale
// queue.  Unripe entries stay where they are.
func (a *Autoscaler) drainDeferred(ctx context.Context) error {
	timer := newStoppedTimer()
	defer timer.Stop()

	for {
		ready := a.deferred.PopReady(a.now())
		for i, req := range ready {
			select {
			case a.queue <- req:
			case <-ctx.Done():
				for _, rest := range ready[i:] {
					a.deferred.Push(a.now(), rest)
				}
				return nil
			}
		}

		if at, ok := a.deferred.Next(); ok {
			timer.Reset(max(at.Sub(a.now()), minDeferredWait))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-a.deferred.Wake():
		case <-timer.C:
		}
	}
}
