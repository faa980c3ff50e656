package autoscaler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/poolscaler/internal/compute"
	"github.com/terrpan/poolscaler/internal/directory"
	"github.com/terrpan/poolscaler/internal/job"
	"github.com/terrpan/poolscaler/internal/pool"
)

type AutoscalerSuite struct {
	suite.Suite
	ctx      context.Context
	clock    time.Time
	provider *fakeProvider
	dir      *fakeDirectory
	a        *Autoscaler
}

func TestAutoscalerSuite(t *testing.T) {
	suite.Run(t, new(AutoscalerSuite))
}

func (s *AutoscalerSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.provider = newFakeProvider()
	s.provider.createdAt = s.clock
	s.dir = &fakeDirectory{}
	s.a = s.newAutoscaler(Config{}, []pool.ActionPool{
		{Name: "default", Provider: "fake", Default: true},
		{Name: "one", Provider: "fake", MaxInstances: 1},
		{Name: "three", Provider: "fake", MaxInstances: 2},
		{Name: "idle", Provider: "fake", IdleTimeout: 10 * time.Minute},
	})
}

func (s *AutoscalerSuite) TearDownTest() {
	s.a.Close()
}

func (s *AutoscalerSuite) newAutoscaler(cfg Config, pools []pool.ActionPool) *Autoscaler {
	reg, err := pool.NewRegistry(pools)
	s.Require().NoError(err)

	cfg.Group = "ci"
	cfg.Registry = reg
	cfg.Provider = s.provider
	cfg.Directory = s.dir
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := New(cfg)
	s.Require().NoError(err)
	a.now = func() time.Time { return s.clock }
	return a
}

func (s *AutoscalerSuite) queuedJob(id int64, labels ...string) job.Job {
	return job.Job{
		ID:         id,
		RunID:      100,
		Status:     job.StatusQueued,
		Labels:     labels,
		Repository: "acme/app",
		Workflow:   "CI",
		Name:       "build",
	}
}

// process runs every queued request through the consumer logic and waits
// for the create calls it started.
func (s *AutoscalerSuite) process() {
	for {
		select {
		case req := <-s.a.queue:
			s.a.handle(s.ctx, req)
		default:
			s.a.workers.Wait()
			return
		}
	}
}

// retryDeferred advances the clock past the retry delay and handles every
// deferred request that is due.
func (s *AutoscalerSuite) retryDeferred() {
	s.clock = s.clock.Add(s.a.cfg.RetryDelay)
	for _, req := range s.a.deferred.PopReady(s.clock) {
		s.a.handle(s.ctx, req)
	}
	s.a.workers.Wait()
}

// inFlight counts dispatched creates the provider does not list yet.
func (s *AutoscalerSuite) inFlight(poolName string) int {
	instances, err := s.provider.ListInstances(s.ctx, poolName)
	s.Require().NoError(err)
	return s.a.unlisted(poolName, instances)
}

func (s *AutoscalerSuite) reconcile(times int) {
	for range times {
		s.a.Reconcile(s.ctx)
	}
	s.a.workers.Wait()
}

// ---------------------------------------------------------------------------
// Admission
// ---------------------------------------------------------------------------

func (s *AutoscalerSuite) TestAdmit_Labels() {
	tests := []struct {
		name   string
		labels []string
		ok     bool
		reason Reason
	}{
		{"group and pool", []string{"group=ci", "pool=one"}, true, ReasonAccepted},
		{"pool missing uses default", []string{"group=ci"}, true, ReasonAccepted},
		{"group missing", []string{"pool=one"}, false, ReasonWrongGroup},
		{"other group", []string{"group=other", "pool=one"}, false, ReasonWrongGroup},
		{"unknown pool", []string{"group=ci", "pool=huge"}, false, ReasonInvalidPool},
		{"extra label", []string{"group=ci", "pool=one", "ubuntu-latest"}, false, ReasonInvalidLabel},
		{"case insensitive", []string{"GROUP=CI", "Pool=One"}, true, ReasonAccepted},
	}

	for i, tt := range tests {
		s.Run(tt.name, func() {
			ok, reason := s.a.Admit(s.queuedJob(int64(i+1), tt.labels...))
			s.Equal(tt.ok, ok)
			s.Equal(tt.reason, reason)
		})
	}
}

func (s *AutoscalerSuite) TestAdmit_EnqueuesResolvedPool() {
	ok, _ := s.a.Admit(s.queuedJob(1, "group=ci"))
	s.Require().True(ok)

	req := <-s.a.queue
	s.Equal("default", req.Pool.Name)
	s.Equal(RequestNew, req.Reason)
	s.Zero(req.RetryPoolFull)
	s.Zero(req.RetryCreateFailed)
}

func (s *AutoscalerSuite) TestAdmit_NotQueued() {
	j := s.queuedJob(1, "group=ci")
	for _, st := range []job.Status{job.StatusWaiting, job.StatusInProgress, job.StatusCompleted} {
		j.Status = st
		ok, reason := s.a.Admit(j)
		s.False(ok)
		s.Equal(ReasonNotQueued, reason)
	}
	s.Empty(s.a.queue)
}

func (s *AutoscalerSuite) TestAdmit_NoDefaultPool() {
	a := s.newAutoscaler(Config{}, []pool.ActionPool{{Name: "one", Provider: "fake"}})
	defer a.Close()

	ok, reason := a.Admit(s.queuedJob(1, "group=ci"))
	s.False(ok)
	s.Equal(ReasonNoPool, reason)
}

func (s *AutoscalerSuite) TestAdmit_QueueFull() {
	a := s.newAutoscaler(Config{QueueSize: 1}, []pool.ActionPool{{Name: "one", Provider: "fake", Default: true}})
	defer a.Close()

	ok, _ := a.Admit(s.queuedJob(1, "group=ci"))
	s.True(ok)
	ok, reason := a.Admit(s.queuedJob(2, "group=ci"))
	s.False(ok)
	s.Equal(ReasonQueueFull, reason)
}

func (s *AutoscalerSuite) TestReceive() {
	payload := []byte(`{
		"action": "queued",
		"workflow_job": {
			"id": 42,
			"run_id": 7,
			"status": "queued",
			"name": "build",
			"workflow_name": "CI",
			"labels": ["group=ci", "pool=one"],
			"url": "https://api.github.com/repos/acme/app/actions/jobs/42"
		},
		"repository": {"full_name": "acme/app"}
	}`)

	reason, err := s.a.Receive(payload)
	s.Require().NoError(err)
	s.Equal(ReasonAccepted, reason)

	req := <-s.a.queue
	s.Equal(int64(42), req.Job.ID)
	s.Equal("one", req.Pool.Name)
	s.Equal("acme/app", req.Job.Repository)
}

func (s *AutoscalerSuite) TestReceive_NotAJob() {
	_, err := s.a.Receive([]byte(`{"zen": "Keep it logically awesome."}`))
	s.Error(err)
	s.ErrorIs(err, job.ErrNotWorkflowJob)

	_, err = s.a.Receive([]byte(`{`))
	s.Error(err)
}

// ---------------------------------------------------------------------------
// Upscale
// ---------------------------------------------------------------------------

func (s *AutoscalerSuite) TestScaleUp_CreatesOneInstance() {
	s.a.Admit(s.queuedJob(1, "group=ci", "pool=one"))
	s.process()

	s.Equal(1, s.provider.createdCount())
	s.Equal(1, s.provider.instanceCount("one"))
	s.True(s.a.upscaled.Has(1))
	s.Equal(0, s.a.deferred.Len())
}

func (s *AutoscalerSuite) TestScaleUp_DuplicateJobCreatesOnce() {
	s.a.Admit(s.queuedJob(1, "group=ci"))
	s.a.Admit(s.queuedJob(1, "group=ci"))
	s.process()

	s.Equal(1, s.provider.callCount())
	s.Equal(0, s.a.deferred.Len())
}

func (s *AutoscalerSuite) TestScaleUp_DuplicateWhileCreatePending() {
	s.provider.gate = make(chan struct{})

	s.a.Admit(s.queuedJob(1, "group=ci"))
	req := <-s.a.queue
	s.a.handle(s.ctx, req)

	s.a.Admit(s.queuedJob(1, "group=ci"))
	dup := <-s.a.queue
	s.a.handle(s.ctx, dup)

	close(s.provider.gate)
	s.a.workers.Wait()
	s.Equal(1, s.provider.callCount())
}

func (s *AutoscalerSuite) TestScaleUp_BurstRespectsCapacity() {
	s.provider.gate = make(chan struct{})

	for id := int64(1); id <= 5; id++ {
		ok, _ := s.a.Admit(s.queuedJob(id, "group=ci", "pool=three"))
		s.Require().True(ok)
	}
	for range 5 {
		s.a.handle(s.ctx, <-s.a.queue)
	}

	s.Equal(2, s.inFlight("three"))
	s.Equal(3, s.a.deferred.Len())
	for _, req := range s.a.deferred.Snapshot() {
		s.Equal(1, req.RetryPoolFull)
		s.Equal(RequestRetryPoolFull, req.Reason)
	}

	close(s.provider.gate)
	s.a.workers.Wait()
	s.Equal(2, s.provider.createdCount())
	s.Equal(2, s.provider.instanceCount("three"))
}

func (s *AutoscalerSuite) TestScaleUp_MaxInstancesHolds() {
	s.provider.gate = make(chan struct{})
	for id := int64(1); id <= 3; id++ {
		s.a.Admit(s.queuedJob(id, "group=ci", "pool=three"))
	}
	for range 3 {
		s.a.handle(s.ctx, <-s.a.queue)
	}
	close(s.provider.gate)
	s.a.workers.Wait()

	s.Equal(2, s.provider.instanceCount("three"))
	s.Equal(1, s.a.deferred.Len())

	// Still full on retry.
	s.retryDeferred()
	s.Equal(2, s.provider.instanceCount("three"))
	s.Require().Equal(1, s.a.deferred.Len())
	s.Equal(2, s.a.deferred.Snapshot()[0].RetryPoolFull)
}

func (s *AutoscalerSuite) TestScaleUp_ListedCreateNotCountedTwice() {
	s.a.Admit(s.queuedJob(1, "group=ci", "pool=three"))
	s.process()
	s.Require().Equal(1, s.provider.instanceCount("three"))
	s.Equal(0, s.inFlight("three"), "a listed instance no longer counts as in flight")

	s.a.Admit(s.queuedJob(2, "group=ci", "pool=three"))
	s.process()
	s.Equal(2, s.provider.createdCount())
	s.Equal(0, s.a.deferred.Len())

	s.a.Admit(s.queuedJob(3, "group=ci", "pool=three"))
	s.process()
	s.Equal(2, s.provider.createdCount())
	s.Equal(1, s.a.deferred.Len())
}

func (s *AutoscalerSuite) TestScaleUp_LaggingListingStillCapped() {
	s.provider.listLag = true

	for id := int64(1); id <= 3; id++ {
		s.a.Admit(s.queuedJob(id, "group=ci", "pool=three"))
		s.process()
	}
	s.Equal(2, s.provider.createdCount())
	s.Equal(0, s.provider.instanceCount("three"))
	s.Equal(2, s.inFlight("three"))
	s.Require().Equal(1, s.a.deferred.Len())

	// Once the listing catches up the pool is still full, not over-full.
	s.provider.catchUp()
	s.retryDeferred()
	s.Equal(2, s.provider.createdCount())
	s.Equal(0, s.inFlight("three"))
	s.Equal(1, s.a.deferred.Len())
}

func (s *AutoscalerSuite) TestScaleUp_PoolFullDropsAfterCap() {
	a := s.newAutoscaler(Config{MaxPoolFullRetries: 2}, []pool.ActionPool{
		{Name: "one", Provider: "fake", MaxInstances: 1, Default: true},
	})
	defer a.Close()
	s.provider.addInstance(compute.Instance{ID: "busy", Name: "busy", Pool: "one"})

	a.Admit(s.queuedJob(1, "group=ci"))
	a.handle(s.ctx, <-a.queue)

	for range 2 {
		s.clock = s.clock.Add(a.cfg.RetryDelay)
		ready := a.deferred.PopReady(s.clock)
		s.Require().Len(ready, 1)
		a.handle(s.ctx, ready[0])
	}
	s.Equal(1, a.deferred.Len())
	s.Equal(3, a.deferred.Snapshot()[0].RetryPoolFull)

	// Third pool-full retry exceeds the cap and is dropped.
	s.clock = s.clock.Add(a.cfg.RetryDelay)
	for _, req := range a.deferred.PopReady(s.clock) {
		a.handle(s.ctx, req)
	}
	s.Equal(0, a.deferred.Len())
	s.Equal(0, s.provider.callCount())
}

func (s *AutoscalerSuite) TestScaleUp_CreateFailureRetriesThenDrops() {
	s.provider.createErr = errors.New("quota exceeded")

	s.a.Admit(s.queuedJob(1, "group=ci"))
	s.process()

	s.Equal(0, s.inFlight("default"))
	s.Require().Equal(1, s.a.deferred.Len())
	req := s.a.deferred.Snapshot()[0]
	s.Equal(1, req.RetryCreateFailed)
	s.Equal(RequestRetryCreateFailed, req.Reason)

	// A duplicate arriving while the owner waits to retry is dropped.
	s.a.Admit(s.queuedJob(1, "group=ci"))
	s.process()
	s.Equal(1, s.a.deferred.Len())
	s.Equal(1, s.provider.callCount())

	for range s.a.cfg.MaxCreateRetries {
		s.retryDeferred()
	}
	s.Equal(1+s.a.cfg.MaxCreateRetries, s.provider.callCount())
	s.Require().Equal(1, s.a.deferred.Len())

	s.retryDeferred()
	s.Equal(0, s.a.deferred.Len())
	s.Equal(1+s.a.cfg.MaxCreateRetries, s.provider.callCount())
	s.False(s.a.upscaled.Has(1), "claim released once retries are exhausted")
}

func (s *AutoscalerSuite) TestScaleUp_RecoversAfterTransientFailure() {
	s.provider.failNext = 1

	s.a.Admit(s.queuedJob(1, "group=ci", "pool=one"))
	s.process()
	s.Equal(0, s.provider.instanceCount("one"))

	s.retryDeferred()
	s.Equal(1, s.provider.instanceCount("one"))
	s.Equal(0, s.a.deferred.Len())
	s.Equal(2, s.provider.callCount())
}

func (s *AutoscalerSuite) TestScaleUp_IndeterminateTimeoutNotRetried() {
	s.provider.createErr = &compute.CreateTimeoutError{
		Pool:          "default",
		Name:          "default-abc",
		Indeterminate: true,
		Err:           context.DeadlineExceeded,
	}

	s.a.Admit(s.queuedJob(1, "group=ci"))
	s.process()

	s.Equal(0, s.a.deferred.Len())
	s.True(s.a.upscaled.Has(1))
	s.Equal(1, s.inFlight("default"))
}

func (s *AutoscalerSuite) TestScaleUp_ListFailureDefers() {
	s.provider.listErr = errors.New("api unavailable")

	s.a.Admit(s.queuedJob(1, "group=ci"))
	s.process()

	s.Equal(0, s.provider.callCount())
	s.Require().Equal(1, s.a.deferred.Len())
	s.Equal(1, s.a.deferred.Snapshot()[0].RetryCreateFailed)
}

// ---------------------------------------------------------------------------
// Reconcile
// ---------------------------------------------------------------------------

func (s *AutoscalerSuite) TestReconcile_ScaleUpThenReclaim() {
	s.a.Admit(s.queuedJob(1, "group=ci", "pool=one"))
	s.process()
	s.Require().Equal(1, s.provider.instanceCount("one"))
	name := s.provider.created[0]

	s.dir.setAgents(directory.Agent{ID: 10, Name: name, Status: directory.StatusOnline, Busy: true})
	s.reconcile(5)
	s.Equal(0, s.provider.deletedCount(), "busy instances are never reclaimed")

	s.dir.setAgents()
	s.reconcile(2)
	s.Equal(0, s.provider.deletedCount())

	s.reconcile(1)
	s.Equal(1, s.provider.deletedCount())
	s.Equal(0, s.provider.instanceCount("one"))
	s.Equal([]string{name}, s.deletedNames())
}

func (s *AutoscalerSuite) TestReconcile_DebounceNeedsConsecutiveFlags() {
	s.provider.deleteErr = errors.New("still there")
	s.provider.addInstance(compute.Instance{
		ID: "idle-1", Name: "idle-1", Pool: "idle",
		CreatedAt: s.clock.Add(-time.Hour),
	})

	s.reconcile(2)
	s.Equal(0, s.provider.deletedCount(), "two sweeps do not reach the threshold")

	s.reconcile(1)
	s.Equal(1, s.provider.deletedCount())

	// The counter was cleared on dispatch, so a failed delete waits for a
	// full threshold again.
	s.reconcile(2)
	s.Equal(1, s.provider.deletedCount())
	s.reconcile(1)
	s.Equal(2, s.provider.deletedCount())
}

func (s *AutoscalerSuite) TestReconcile_IdleTimeout() {
	s.provider.addInstance(compute.Instance{
		ID: "young", Name: "young", Pool: "idle", CreatedAt: s.clock.Add(-5 * time.Minute),
	})
	s.provider.addInstance(compute.Instance{
		ID: "old", Name: "old", Pool: "idle", CreatedAt: s.clock.Add(-20 * time.Minute),
	})
	s.dir.setAgents(
		directory.Agent{ID: 1, Name: "young", Status: directory.StatusOnline},
		directory.Agent{ID: 2, Name: "old", Status: directory.StatusOnline},
	)

	s.reconcile(3)

	s.Equal(1, s.provider.deletedCount())
	s.Equal(1, s.provider.instanceCount("idle"))
	s.Equal([]string{"old"}, s.deletedNames())
}

func (s *AutoscalerSuite) TestReconcile_BusyNeverReclaimed() {
	s.provider.addInstance(compute.Instance{
		ID: "old", Name: "old", Pool: "idle", CreatedAt: s.clock.Add(-time.Hour),
	})
	s.dir.setAgents(directory.Agent{ID: 2, Name: "old", Status: directory.StatusOnline, Busy: true})

	s.reconcile(10)
	s.Equal(0, s.provider.deletedCount())
}

func (s *AutoscalerSuite) TestReconcile_UnknownInstanceLeftAlone() {
	// No agent has ever been seen for it and the pool has no idle timeout.
	s.provider.addInstance(compute.Instance{
		ID: "booting", Name: "booting", Pool: "default", CreatedAt: s.clock.Add(-time.Hour),
	})

	s.reconcile(10)
	s.Equal(0, s.provider.deletedCount())
}

func (s *AutoscalerSuite) TestReconcile_IdleAgentSeenButNeverBusy() {
	s.provider.addInstance(compute.Instance{ID: "fresh", Name: "fresh", Pool: "default", CreatedAt: s.clock})
	s.dir.setAgents(directory.Agent{ID: 3, Name: "fresh", Status: directory.StatusOnline})
	s.reconcile(1)

	s.dir.setAgents()
	s.reconcile(10)
	s.Equal(0, s.provider.deletedCount())
}

func (s *AutoscalerSuite) TestReconcile_OfflineAgentDeleted() {
	s.dir.setAgents(
		directory.Agent{ID: 7, Name: "gone", Status: directory.StatusOffline},
		directory.Agent{ID: 8, Name: "alive", Status: directory.StatusOnline},
	)

	s.reconcile(2)
	s.Empty(s.dir.deletedAgents())

	s.reconcile(1)
	s.Equal([]int64{7}, s.dir.deletedAgents())
}

func (s *AutoscalerSuite) TestReconcile_DirectoryErrorSkipsSweep() {
	s.provider.addInstance(compute.Instance{
		ID: "old", Name: "old", Pool: "idle", CreatedAt: s.clock.Add(-time.Hour),
	})
	s.dir.listErr = errors.New("rate limited")

	s.reconcile(5)
	s.Equal(0, s.provider.deletedCount())
	s.Equal(0, s.a.deleteInstances.Len())
}

func (s *AutoscalerSuite) deletedNames() []string {
	s.provider.mu.Lock()
	defer s.provider.mu.Unlock()
	var names []string
	for _, d := range s.provider.deleted {
		names = append(names, d.InstanceName)
	}
	return names
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

func (s *AutoscalerSuite) TestRefreshMetrics() {
	s.provider.addInstance(compute.Instance{ID: "a", Name: "a", Pool: "one"})
	s.provider.addInstance(compute.Instance{ID: "b", Name: "b", Pool: "three"})
	s.provider.addInstance(compute.Instance{ID: "c", Name: "c", Pool: "three"})

	s.a.RefreshMetrics(s.ctx)

	s.Equal(map[string]int{"default": 0, "idle": 0, "one": 1, "three": 2}, s.a.InstanceCounts())
}

func (s *AutoscalerSuite) TestRefreshMetrics_ListFailureKeepsLastCounts() {
	s.provider.addInstance(compute.Instance{ID: "a", Name: "a", Pool: "one"})
	s.a.RefreshMetrics(s.ctx)

	s.provider.listErr = errors.New("boom")
	s.a.RefreshMetrics(s.ctx)

	s.Equal(1, s.a.InstanceCounts()["one"])
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func (s *AutoscalerSuite) TestRun_RetriesThroughDeferredQueue() {
	a := s.newAutoscaler(Config{
		RetryDelay:            20 * time.Millisecond,
		ReconcileInitialDelay: time.Hour,
		MetricsInterval:       time.Hour,
	}, []pool.ActionPool{{Name: "one", Provider: "fake", Default: true}})
	defer a.Close()
	a.now = time.Now
	s.provider.failNext = 1

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	a.Admit(s.queuedJob(1, "group=ci"))

	s.Eventually(func() bool { return s.provider.createdCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	s.Equal(2, s.provider.callCount())

	cancel()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.Fail("Run did not return after cancel")
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{Group: "ci"})
	require.Error(t, err)

	reg, err := pool.NewRegistry([]pool.ActionPool{{Name: "one"}})
	require.NoError(t, err)
	_, err = New(Config{Registry: reg, Provider: newFakeProvider(), Directory: &fakeDirectory{}})
	assert.Error(t, err, "group is required")
}

func TestNew_Defaults(t *testing.T) {
	reg, err := pool.NewRegistry([]pool.ActionPool{{Name: "one"}})
	require.NoError(t, err)

	a, err := New(Config{Group: "ci", Registry: reg, Provider: newFakeProvider(), Directory: &fakeDirectory{}})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, 3, a.cfg.MaxCreateRetries)
	assert.Equal(t, 1000, a.cfg.MaxPoolFullRetries)
	assert.Equal(t, 5*time.Second, a.cfg.RetryDelay)
	assert.Equal(t, 3, a.cfg.DeleteThreshold)
	assert.Less(t, a.cfg.DedupTTL, 10*time.Minute)
	assert.Equal(t, 10000, cap(a.queue))
}
