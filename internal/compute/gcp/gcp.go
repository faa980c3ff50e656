// Package gcp implements compute.Provider on Google Compute Engine.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config; auth comes from the environment
// (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	poolcompute "github.com/terrpan/poolscaler/internal/compute"
)

const startupScriptKey = "startup-script"

// Config holds GCP-specific provider settings.
type Config struct {
	// Name identifies this provider in pool configuration.
	Name string

	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// Image is the full self-link or family URL of the runner image (required).
	Image string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Network is the VPC network.  Default: "default".
	Network string

	// Subnet is the subnetwork (optional).
	Subnet string

	// PublicIP controls whether VMs get an external IP.
	PublicIP bool

	// ServiceAccount is attached to VMs when set.
	ServiceAccount string

	// Pools lists the pool names this provider serves.  Listing maps
	// sanitized label values back through it.
	Pools []string

	// CreateTimeout bounds Insert plus the operation wait.  Default: 5m.
	CreateTimeout time.Duration
}

// Renderer produces the startup script for a new instance.
type Renderer interface {
	Render(ctx context.Context, name, pool string) (string, error)
}

// operationWaiter is the subset of *compute.Operation the provider uses.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of *compute.InstancesClient the provider uses.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error)
	Close() error
}

// restInstances adapts the REST client to instancesAPI.
type restInstances struct {
	client *compute.InstancesClient
}

func (r restInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	op, err := r.client.Insert(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r restInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	op, err := r.client.Delete(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r restInstances) List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error) {
	var out []*computepb.Instance
	it := r.client.List(ctx, req)
	for {
		inst, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
}

func (r restInstances) Close() error {
	return r.client.Close()
}

// Provider manages runner VMs on Compute Engine.
type Provider struct {
	client    instancesAPI
	cfg       Config
	bootstrap Renderer
	logger    *slog.Logger

	// label value -> pool name
	pools map[string]string

	tracer trace.Tracer
}

// Compile-time check that Provider satisfies the compute.Provider interface.
var _ poolcompute.Provider = (*Provider)(nil)

// New creates a GCP provider using Application Default Credentials.
func New(ctx context.Context, cfg Config, bootstrap Renderer, logger *slog.Logger) (*Provider, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	p := newProvider(restInstances{client: client}, cfg, bootstrap, logger)

	logger.Info("gcp provider initialized",
		slog.String("provider", p.cfg.Name),
		slog.String("project", p.cfg.Project),
		slog.String("zone", p.cfg.Zone),
		slog.String("machine_type", p.cfg.MachineType),
		slog.String("image", p.cfg.Image),
	)
	return p, nil
}

// newProvider applies defaults and wires the provider around api.
func newProvider(api instancesAPI, cfg Config, bootstrap Renderer, logger *slog.Logger) *Provider {
	if cfg.Name == "" {
		cfg.Name = "gcp"
	}
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	if cfg.CreateTimeout == 0 {
		cfg.CreateTimeout = 5 * time.Minute
	}

	pools := make(map[string]string, len(cfg.Pools))
	for _, name := range cfg.Pools {
		pools[labelValue(name)] = name
	}

	return &Provider{
		client:    api,
		cfg:       cfg,
		bootstrap: bootstrap,
		logger:    logger,
		pools:     pools,
		tracer:    otel.Tracer("poolscaler/compute/gcp"),
	}
}

func (p *Provider) Name() string { return p.cfg.Name }

// ListInstances lists the pool's managed VMs.
func (p *Provider) ListInstances(ctx context.Context, pool string) ([]poolcompute.Instance, error) {
	filter := fmt.Sprintf(`(labels.%s = "%s") AND (labels.%s = "%s")`,
		poolcompute.ManagedByKey, poolcompute.ManagedByValue,
		poolcompute.PoolKey, labelValue(pool))
	all, err := p.list(ctx, filter)
	if err != nil {
		return nil, err
	}
	return all[pool], nil
}

// ListAllInstances lists every managed VM in the zone.
func (p *Provider) ListAllInstances(ctx context.Context) (map[string][]poolcompute.Instance, error) {
	filter := fmt.Sprintf(`labels.%s = "%s"`, poolcompute.ManagedByKey, poolcompute.ManagedByValue)
	return p.list(ctx, filter)
}

func (p *Provider) list(ctx context.Context, filter string) (map[string][]poolcompute.Instance, error) {
	vms, err := p.client.List(ctx, &computepb.ListInstancesRequest{
		Project: p.cfg.Project,
		Zone:    p.cfg.Zone,
		Filter:  proto.String(filter),
	})
	if err != nil {
		return nil, fmt.Errorf("list instances in %s: %w", p.cfg.Zone, err)
	}

	out := make(map[string][]poolcompute.Instance)
	for _, vm := range vms {
		pool, ok := p.pools[vm.GetLabels()[poolcompute.PoolKey]]
		if !ok {
			continue
		}
		created, err := time.Parse(time.RFC3339, vm.GetCreationTimestamp())
		if err != nil {
			p.logger.Warn("unparsable creation timestamp",
				slog.String("name", vm.GetName()),
				slog.String("timestamp", vm.GetCreationTimestamp()),
			)
		}
		out[pool] = append(out[pool], poolcompute.Instance{
			ID:        strconv.FormatUint(vm.GetId(), 10),
			Name:      vm.GetName(),
			Pool:      pool,
			CreatedAt: created,
			Extra: map[string]string{
				"zone":   p.cfg.Zone,
				"status": vm.GetStatus(),
			},
		})
	}
	return out, nil
}

// CreateInstance inserts a VM whose startup script registers an ephemeral
// agent, and waits for the insert operation.
func (p *Provider) CreateInstance(ctx context.Context, pool string) (string, error) {
	name := poolcompute.InstanceName(poolcompute.ManagedByValue, pool)

	ctx, span := p.tracer.Start(ctx, "compute.gcp.CreateInstance")
	defer span.End()

	span.SetAttributes(
		attribute.String("instance.name", name),
		attribute.String("instance.pool", pool),
		attribute.String("gcp.project", p.cfg.Project),
		attribute.String("gcp.zone", p.cfg.Zone),
		attribute.String("gcp.machine_type", p.cfg.MachineType),
	)

	script, err := p.bootstrap.Render(ctx, name, pool)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()

	p.logger.Info("creating VM",
		slog.String("name", name),
		slog.String("pool", pool),
		slog.String("machine_type", p.cfg.MachineType),
		slog.String("zone", p.cfg.Zone),
	)

	op, err := p.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          p.cfg.Project,
		Zone:             p.cfg.Zone,
		InstanceResource: p.instanceResource(name, pool, script),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &poolcompute.CreateTimeoutError{Pool: pool, Name: name, Indeterminate: true, Err: err}
		}
		return "", fmt.Errorf("insert instance %s: %w", name, err)
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &poolcompute.CreateTimeoutError{Pool: pool, Name: name, Indeterminate: true, Err: err}
		}
		return "", fmt.Errorf("waiting for instance %s: %w", name, err)
	}

	p.logger.Info("VM created", slog.String("name", name), slog.String("pool", pool))
	return name, nil
}

func (p *Provider) instanceResource(name, pool, script string) *computepb.Instance {
	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(p.cfg.Image),
			DiskSizeGb:  proto.Int64(p.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", p.cfg.Zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", p.cfg.Network)),
	}
	if p.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(p.cfg.Subnet)
	}
	if p.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	instance := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", p.cfg.Zone, p.cfg.MachineType)),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Labels: map[string]string{
			poolcompute.ManagedByKey: poolcompute.ManagedByValue,
			poolcompute.PoolKey:      labelValue(pool),
		},
		Metadata: &computepb.Metadata{
			Items: []*computepb.Items{
				{
					Key:   proto.String(startupScriptKey),
					Value: proto.String(script),
				},
			},
		},
	}

	if p.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(p.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}
	return instance
}

// DeleteInstance permanently deletes a VM.  Deleting an already-deleted
// VM is not an error.
func (p *Provider) DeleteInstance(ctx context.Context, req poolcompute.DeleteInstanceRequest) error {
	ctx, span := p.tracer.Start(ctx, "compute.gcp.DeleteInstance")
	defer span.End()

	zone := p.cfg.Zone
	if z := req.Extra["zone"]; z != "" {
		zone = z
	}

	span.SetAttributes(
		attribute.String("gcp.instance_name", req.InstanceName),
		attribute.String("gcp.project", p.cfg.Project),
		attribute.String("gcp.zone", zone),
	)

	p.logger.Info("deleting VM", slog.String("name", req.InstanceName), slog.String("pool", req.Pool))

	op, err := p.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     zone,
		Instance: req.InstanceName,
	})
	if err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted")
			p.logger.Info("VM already deleted", slog.String("name", req.InstanceName))
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", req.InstanceName, err)
	}

	if err := op.Wait(ctx); err != nil {
		// Another deleter may win the race between Delete and Wait.
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait")
			p.logger.Info("VM already deleted", slog.String("name", req.InstanceName))
			return nil
		}
		return fmt.Errorf("waiting for delete of %s: %w", req.InstanceName, err)
	}

	p.logger.Info("VM deleted", slog.String("name", req.InstanceName))
	return nil
}

func (p *Provider) Close() error {
	return p.client.Close()
}

// labelEscaper maps a pool name onto the GCP label value charset, which
// has no '.'.  Every '_' in the output starts a two-byte escape, so
// distinct pool names never share a label.
var labelEscaper = strings.NewReplacer("_", "__", ".", "_-")

func labelValue(pool string) string {
	return labelEscaper.Replace(pool)
}

// isNotFound reports whether err is a 404 from the GCP API.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		return true
	}
	// Errors that crossed an operation boundary only keep their text.
	s := err.Error()
	for _, pattern := range []string{"Error 404", "code = NotFound", "notFound"} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
