// Package pool defines action pools: named classes of runner compute with
// a capacity and an idle policy.  A Registry is built once from
// configuration and is read-only afterwards, so it needs no locking.
package pool

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"
)

var (
	ErrInvalidName       = errors.New("invalid pool name")
	ErrDuplicatePool     = errors.New("duplicate pool")
	ErrMultipleDefaults  = errors.New("more than one default pool")
	ErrNegativeMaxCount  = errors.New("max instances must not be negative")
	ErrNegativeIdleLimit = errors.New("idle timeout must not be negative")
)

var namePattern = regexp.MustCompile(`^[a-z0-9\-_.]+$`)

// ActionPool is the capacity policy for one pool.
type ActionPool struct {
	// Name is unique within a Registry and matches ^[a-z0-9\-_.]+$.
	Name string

	// Provider names the compute provider that owns this pool's instances.
	Provider string

	// MaxInstances caps the pool size.  Zero means unlimited.
	MaxInstances int

	// IdleTimeout reclaims instances older than this regardless of
	// agent state.  Zero disables idle reclamation.
	IdleTimeout time.Duration

	// Default marks the pool used for jobs that carry no pool label.
	Default bool
}

// Unlimited reports whether the pool has no instance cap.
func (p ActionPool) Unlimited() bool {
	return p.MaxInstances <= 0
}

// AtCapacity reports whether count instances fill the pool.
func (p ActionPool) AtCapacity(count int) bool {
	return !p.Unlimited() && count >= p.MaxInstances
}

// Validate checks the pool's own fields.
func (p ActionPool) Validate() error {
	if !namePattern.MatchString(p.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, p.Name)
	}
	if p.MaxInstances < 0 {
		return fmt.Errorf("pool %s: %w", p.Name, ErrNegativeMaxCount)
	}
	if p.IdleTimeout < 0 {
		return fmt.Errorf("pool %s: %w", p.Name, ErrNegativeIdleLimit)
	}
	return nil
}

// Registry maps pool names to their policies.
type Registry struct {
	pools map[string]ActionPool
	names []string
	def   string
}

// NewRegistry validates pools and builds a Registry.
func NewRegistry(pools []ActionPool) (*Registry, error) {
	r := &Registry{pools: make(map[string]ActionPool, len(pools))}
	for _, p := range pools {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, ok := r.pools[p.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePool, p.Name)
		}
		if p.Default {
			if r.def != "" {
				return nil, fmt.Errorf("%w: %s and %s", ErrMultipleDefaults, r.def, p.Name)
			}
			r.def = p.Name
		}
		r.pools[p.Name] = p
		r.names = append(r.names, p.Name)
	}
	slices.Sort(r.names)
	return r, nil
}

// Get returns the named pool.
func (r *Registry) Get(name string) (ActionPool, bool) {
	p, ok := r.pools[name]
	return p, ok
}

// Default returns the default pool, if one is configured.
func (r *Registry) Default() (ActionPool, bool) {
	if r.def == "" {
		return ActionPool{}, false
	}
	return r.pools[r.def], true
}

// Names returns all pool names in sorted order.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

// All returns every pool, sorted by name.
func (r *Registry) All() []ActionPool {
	out := make([]ActionPool, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.pools[n])
	}
	return out
}

// Len returns the number of pools.
func (r *Registry) Len() int {
	return len(r.pools)
}
