// Package docker implements compute.Provider on a Docker daemon, running
// each runner agent as a container.  It suits local development and
// single-host fleets.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/poolscaler/internal/compute"
)

// Config holds Docker-specific settings.
type Config struct {
	// Name identifies this provider in pool configuration.
	Name string

	// Image is the container image for runners.
	// Default: ghcr.io/actions/actions-runner:latest
	Image string

	// User runs the container process.  Default: runner.
	User string

	// Dind bind-mounts the host's Docker socket into each container so
	// workflows can run Docker commands.  The socket gives the runner
	// full access to the host daemon.
	Dind bool

	// Pools lists the pool names this provider serves.
	Pools []string

	// CreateTimeout bounds create plus start.  Default: 2m.
	CreateTimeout time.Duration
}

// Renderer produces the startup script for a new container.
type Renderer interface {
	Render(ctx context.Context, name, pool string) (string, error)
}

// dockerAPI is the subset of *dockerclient.Client the provider uses.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Close() error
}

// Provider manages runner containers.
type Provider struct {
	client    dockerAPI
	cfg       Config
	bootstrap Renderer
	logger    *slog.Logger
	pools     map[string]bool
	tracer    trace.Tracer
}

// Compile-time check that Provider satisfies the compute.Provider interface.
var _ compute.Provider = (*Provider)(nil)

// New connects to the daemon and pulls the runner image so it is
// available for container creation.
func New(ctx context.Context, cfg Config, bootstrap Renderer, logger *slog.Logger) (*Provider, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	p := newProvider(client, cfg, bootstrap, logger)
	if err := p.pullImage(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return p, nil
}

func newProvider(api dockerAPI, cfg Config, bootstrap Renderer, logger *slog.Logger) *Provider {
	if cfg.Name == "" {
		cfg.Name = "docker"
	}
	if cfg.Image == "" {
		cfg.Image = "ghcr.io/actions/actions-runner:latest"
	}
	if cfg.User == "" {
		cfg.User = "runner"
	}
	if cfg.CreateTimeout == 0 {
		cfg.CreateTimeout = 2 * time.Minute
	}
	pools := make(map[string]bool, len(cfg.Pools))
	for _, name := range cfg.Pools {
		pools[name] = true
	}
	return &Provider{
		client:    api,
		cfg:       cfg,
		bootstrap: bootstrap,
		logger:    logger,
		pools:     pools,
		tracer:    otel.Tracer("poolscaler/compute/docker"),
	}
}

func (p *Provider) pullImage(ctx context.Context) error {
	p.logger.Info("pulling runner image", slog.String("image", p.cfg.Image))

	pull, err := p.client.ImagePull(ctx, p.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", p.cfg.Image, err)
	}
	// Drain the stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		pull.Close()
		return fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return fmt.Errorf("closing image pull stream: %w", err)
	}

	p.logger.Info("runner image ready", slog.String("image", p.cfg.Image))
	return nil
}

func (p *Provider) Name() string { return p.cfg.Name }

// ListInstances lists the pool's containers, running or exited.
func (p *Provider) ListInstances(ctx context.Context, pool string) ([]compute.Instance, error) {
	all, err := p.list(ctx, filters.Arg("label", compute.PoolKey+"="+pool))
	if err != nil {
		return nil, err
	}
	return all[pool], nil
}

// ListAllInstances lists every managed container.
func (p *Provider) ListAllInstances(ctx context.Context) (map[string][]compute.Instance, error) {
	return p.list(ctx)
}

func (p *Provider) list(ctx context.Context, extra ...filters.KeyValuePair) (map[string][]compute.Instance, error) {
	args := filters.NewArgs(append(extra,
		filters.Arg("label", compute.ManagedByKey+"="+compute.ManagedByValue))...)

	containers, err := p.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	out := make(map[string][]compute.Instance)
	for _, c := range containers {
		pool := c.Labels[compute.PoolKey]
		if !p.pools[pool] {
			continue
		}
		name := c.ID
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out[pool] = append(out[pool], compute.Instance{
			ID:        c.ID,
			Name:      name,
			Pool:      pool,
			CreatedAt: time.Unix(c.Created, 0),
			Extra:     map[string]string{"state": string(c.State)},
		})
	}
	return out, nil
}

// CreateInstance creates and starts a container that registers an
// ephemeral agent and runs one job.
func (p *Provider) CreateInstance(ctx context.Context, pool string) (string, error) {
	name := compute.InstanceName(compute.ManagedByValue, pool)

	ctx, span := p.tracer.Start(ctx, "compute.docker.CreateInstance")
	defer span.End()
	span.SetAttributes(
		attribute.String("instance.name", name),
		attribute.String("instance.pool", pool),
	)

	script, err := p.bootstrap.Render(ctx, name, pool)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()

	user := p.cfg.User
	var env []string
	var hostCfg *container.HostConfig
	if p.cfg.Dind {
		// root works for socket access on both Linux and Docker Desktop.
		user = "root"
		env = append(env,
			"DOCKER_HOST=unix:///var/run/docker.sock",
			"RUNNER_ALLOW_RUNASROOT=1",
		)
		hostCfg = &container.HostConfig{
			Binds: []string{"/var/run/docker.sock:/var/run/docker.sock"},
		}
	}

	resp, err := p.client.ContainerCreate(
		ctx,
		&container.Config{
			Image: p.cfg.Image,
			User:  user,
			Cmd:   []string{"bash", "-c", script},
			Env:   env,
			Labels: map[string]string{
				compute.ManagedByKey: compute.ManagedByValue,
				compute.PoolKey:      pool,
			},
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		name,
	)
	if err != nil {
		return "", p.createErr(pool, name, "container create", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = p.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", p.createErr(pool, name, "container start", err)
	}

	p.logger.Info("runner container started",
		slog.String("name", name),
		slog.String("pool", pool),
		slog.String("containerID", resp.ID),
	)
	return name, nil
}

func (p *Provider) createErr(pool, name, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &compute.CreateTimeoutError{Pool: pool, Name: name, Indeterminate: true, Err: err}
	}
	return fmt.Errorf("%s %s: %w", op, name, err)
}

// DeleteInstance force-removes a container.  A missing container counts
// as removed.
func (p *Provider) DeleteInstance(ctx context.Context, req compute.DeleteInstanceRequest) error {
	ctx, span := p.tracer.Start(ctx, "compute.docker.DeleteInstance")
	defer span.End()

	id := req.InstanceID
	if id == "" {
		id = req.InstanceName
	}
	span.SetAttributes(attribute.String("docker.container_id", id))

	p.logger.Info("removing runner container",
		slog.String("name", req.InstanceName),
		slog.String("containerID", id),
	)

	if err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if cerrdefs.IsNotFound(err) {
			p.logger.Info("runner container already removed", slog.String("containerID", id))
			return nil
		}
		return fmt.Errorf("container remove %s: %w", id, err)
	}
	return nil
}

func (p *Provider) Close() error {
	return p.client.Close()
}
