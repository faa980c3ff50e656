// Package compute defines the abstraction for cloud backends that host
// runner instances.  Each backend (GCP, Docker, EC2) implements Provider
// so the autoscaler stays compute-agnostic.
//
// Instances are strictly ephemeral: one instance backs one runner agent,
// runs at most one job and is then deleted, never stopped.
package compute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known metadata keys attached to every managed instance.  Backends
// store them as labels or tags.
const (
	ManagedByKey   = "managed-by"
	ManagedByValue = "poolscaler"
	PoolKey        = "poolscaler-pool"
)

// ErrUnknownPool is returned when a pool has no provider.
var ErrUnknownPool = errors.New("unknown pool")

// Instance is a provider-side machine serving one pool.
type Instance struct {
	// ID is the provider's identifier.
	ID string

	// Name is also the name the agent registers under.
	Name string

	Pool      string
	CreatedAt time.Time

	// Extra carries provider-specific properties (zone, region, ...) that
	// spare DeleteInstance a second lookup.
	Extra map[string]string
}

// DeleteRequest builds the request that removes this instance.
func (i Instance) DeleteRequest() DeleteInstanceRequest {
	return DeleteInstanceRequest{
		Pool:         i.Pool,
		InstanceID:   i.ID,
		InstanceName: i.Name,
		CreatedAt:    i.CreatedAt,
		Extra:        i.Extra,
	}
}

// DeleteInstanceRequest identifies an instance to delete.
type DeleteInstanceRequest struct {
	Pool         string
	InstanceID   string
	InstanceName string
	CreatedAt    time.Time
	Extra        map[string]string
}

// CreateTimeoutError reports that a create did not finish in time.  When
// Indeterminate is set the instance may still come up, so callers must not
// retry; the next reconciliation sweep observes the real outcome.
type CreateTimeoutError struct {
	Pool          string
	Name          string
	Indeterminate bool
	Err           error
}

func (e *CreateTimeoutError) Error() string {
	return fmt.Sprintf("create %s in pool %s timed out (indeterminate=%t): %v",
		e.Name, e.Pool, e.Indeterminate, e.Err)
}

func (e *CreateTimeoutError) Unwrap() error {
	return e.Err
}

// Provider is the contract every compute backend must satisfy.
type Provider interface {
	// Name identifies the provider in configuration and logs.
	Name() string

	// ListInstances returns the managed instances of one pool.
	ListInstances(ctx context.Context, pool string) ([]Instance, error)

	// ListAllInstances returns every managed instance keyed by pool.
	ListAllInstances(ctx context.Context) (map[string][]Instance, error)

	// CreateInstance provisions one instance for pool and returns its
	// name.  A *CreateTimeoutError signals an indeterminate outcome.
	CreateInstance(ctx context.Context, pool string) (string, error)

	// DeleteInstance permanently removes an instance.  Deleting an
	// instance that is already gone is not an error.
	DeleteInstance(ctx context.Context, req DeleteInstanceRequest) error

	// Close releases client resources.
	Close() error
}

// InstanceName builds a unique, DNS-safe instance name for pool.
func InstanceName(prefix, pool string) string {
	r := strings.NewReplacer("_", "-", ".", "-")
	return fmt.Sprintf("%s-%s-%s", prefix, r.Replace(pool), uuid.NewString()[:8])
}
