package autoscaler

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/terrpan/poolscaler/internal/compute"
	"github.com/terrpan/poolscaler/internal/directory"
)

// ---------------------------------------------------------------------------
// Fake compute provider
// ---------------------------------------------------------------------------

type fakeProvider struct {
	mu sync.Mutex

	instances map[string][]compute.Instance
	calls     int // CreateInstance invocations, counted before the gate
	created   []string
	deleted   []compute.DeleteInstanceRequest
	seq       int

	createdAt time.Time
	createErr error
	failNext  int // fail this many creates, then succeed
	deleteErr error
	listErr   error

	// listLag, when set, keeps created instances out of listings until
	// catchUp is called.
	listLag  bool
	unlisted map[string][]compute.Instance

	// gate, when set, blocks CreateInstance until closed.
	gate chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{instances: make(map[string][]compute.Instance)}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ListInstances(_ context.Context, pool string) ([]compute.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return slices.Clone(f.instances[pool]), nil
}

func (f *fakeProvider) ListAllInstances(_ context.Context) (map[string][]compute.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make(map[string][]compute.Instance, len(f.instances))
	for k, v := range f.instances {
		out[k] = slices.Clone(v)
	}
	return out, nil
}

func (f *fakeProvider) CreateInstance(_ context.Context, pool string) (string, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	if f.failNext > 0 {
		f.failNext--
		return "", fmt.Errorf("transient create failure")
	}
	f.seq++
	name := fmt.Sprintf("%s-%d", pool, f.seq)
	f.created = append(f.created, name)
	inst := compute.Instance{
		ID:        name,
		Name:      name,
		Pool:      pool,
		CreatedAt: f.createdAt,
	}
	if f.listLag {
		if f.unlisted == nil {
			f.unlisted = make(map[string][]compute.Instance)
		}
		f.unlisted[pool] = append(f.unlisted[pool], inst)
	} else {
		f.instances[pool] = append(f.instances[pool], inst)
	}
	return name, nil
}

// catchUp makes every lagging instance visible to listings.
func (f *fakeProvider) catchUp() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pool, insts := range f.unlisted {
		f.instances[pool] = append(f.instances[pool], insts...)
	}
	f.unlisted = nil
}

func (f *fakeProvider) DeleteInstance(_ context.Context, req compute.DeleteInstanceRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, req)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.instances[req.Pool] = slices.DeleteFunc(f.instances[req.Pool], func(i compute.Instance) bool {
		return i.ID == req.InstanceID
	})
	return nil
}

func (f *fakeProvider) Close() error { return nil }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeProvider) deletedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

func (f *fakeProvider) instanceCount(pool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.instances[pool])
}

func (f *fakeProvider) addInstance(inst compute.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[inst.Pool] = append(f.instances[inst.Pool], inst)
}

// ---------------------------------------------------------------------------
// Fake fleet directory
// ---------------------------------------------------------------------------

type fakeDirectory struct {
	mu sync.Mutex

	agents    []directory.Agent
	deleted   []int64
	listErr   error
	deleteErr error
}

func (f *fakeDirectory) setAgents(agents ...directory.Agent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents = agents
}

func (f *fakeDirectory) RegistrationToken(context.Context) (string, error) {
	return "token", nil
}

func (f *fakeDirectory) ListAgents(context.Context) ([]directory.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.agents), f.listErr
}

func (f *fakeDirectory) DeleteAgent(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.deleteErr
}

func (f *fakeDirectory) IsJobStillQueued(context.Context, string) (bool, error) {
	return true, nil
}

func (f *fakeDirectory) ListRecentDeliveries(context.Context) ([]directory.Delivery, error) {
	return nil, nil
}

func (f *fakeDirectory) RedeliverFailure(context.Context, int64) error {
	return nil
}

func (f *fakeDirectory) deletedAgents() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.deleted)
}
