package compute

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/terrpan/poolscaler/internal/pool"
)

// Router dispatches each pool to the provider that owns it.  It is itself
// a Provider.
type Router struct {
	providers map[string]Provider
	pools     map[string]Provider
}

// Compile-time check that Router satisfies the Provider interface.
var _ Provider = (*Router)(nil)

// NewRouter binds every pool to its named provider.
func NewRouter(providers []Provider, pools []pool.ActionPool) (*Router, error) {
	r := &Router{
		providers: make(map[string]Provider, len(providers)),
		pools:     make(map[string]Provider, len(pools)),
	}
	for _, p := range providers {
		if _, dup := r.providers[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.Name())
		}
		r.providers[p.Name()] = p
	}
	for _, ap := range pools {
		p, ok := r.providers[ap.Provider]
		if !ok {
			return nil, fmt.Errorf("pool %s: provider %q not configured", ap.Name, ap.Provider)
		}
		r.pools[ap.Name] = p
	}
	return r, nil
}

func (r *Router) Name() string { return "router" }

// Providers returns the configured provider names, sorted.
func (r *Router) Providers() []string {
	return slices.Sorted(maps.Keys(r.providers))
}

func (r *Router) provider(pool string) (Provider, error) {
	p, ok := r.pools[pool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, pool)
	}
	return p, nil
}

func (r *Router) ListInstances(ctx context.Context, pool string) ([]Instance, error) {
	p, err := r.provider(pool)
	if err != nil {
		return nil, err
	}
	return p.ListInstances(ctx, pool)
}

// ListAllInstances merges every provider's listing.  Providers that fail
// are skipped and their errors joined, so callers still see the rest.
func (r *Router) ListAllInstances(ctx context.Context) (map[string][]Instance, error) {
	all := make(map[string][]Instance)
	var errs []error
	for _, name := range r.Providers() {
		got, err := r.providers[name].ListAllInstances(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", name, err))
			continue
		}
		for pool, instances := range got {
			all[pool] = append(all[pool], instances...)
		}
	}
	return all, errors.Join(errs...)
}

func (r *Router) CreateInstance(ctx context.Context, pool string) (string, error) {
	p, err := r.provider(pool)
	if err != nil {
		return "", err
	}
	return p.CreateInstance(ctx, pool)
}

func (r *Router) DeleteInstance(ctx context.Context, req DeleteInstanceRequest) error {
	p, err := r.provider(req.Pool)
	if err != nil {
		return err
	}
	return p.DeleteInstance(ctx, req)
}

// Close closes every provider.
func (r *Router) Close() error {
	var errs []error
	for _, name := range r.Providers() {
		if err := r.providers[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
